// Package coordinator is the single entry point to guardian, passkey and
// recovery operations.
//
// It serializes mutations per account within the process, keeps the guardian
// set frozen while a recovery request is ready to execute, and emits one
// notifier event for each committed transition. Atomicity across processes
// comes from the kvstore transactions underneath.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/guardian/internal/apperr"
	"github.com/mbd888/guardian/internal/guardians"
	"github.com/mbd888/guardian/internal/kvstore"
	"github.com/mbd888/guardian/internal/metrics"
	"github.com/mbd888/guardian/internal/notify"
	"github.com/mbd888/guardian/internal/passkeys"
	"github.com/mbd888/guardian/internal/policy"
	"github.com/mbd888/guardian/internal/recovery"
	"github.com/mbd888/guardian/internal/syncutil"
	"github.com/mbd888/guardian/internal/traces"
	"github.com/mbd888/guardian/internal/validation"
)

// Config wires a Service.
type Config struct {
	Store    kvstore.Store
	Platform passkeys.PlatformSupport // nil allows every chain
	Notifier notify.Notifier          // nil drops events
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Service coordinates the guardian registry, the passkey store and the
// recovery state machine.
type Service struct {
	store    kvstore.Store
	registry *guardians.Registry
	passkeys *passkeys.Manager
	machine  *recovery.Machine
	policies *policy.Repository
	events   *notify.Emitter
	locks    *syncutil.KeyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Service over cfg.Store.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	s := &Service{
		store:    cfg.Store,
		registry: guardians.NewRegistry(cfg.Store).WithClock(now),
		passkeys: passkeys.NewManager(cfg.Store, cfg.Platform).WithClock(now),
		machine:  recovery.NewMachine(cfg.Store).WithClock(now),
		policies: policy.NewRepository(cfg.Store),
		events:   notify.NewEmitter(cfg.Notifier, logger),
		locks:    syncutil.NewKeyedMutex(),
		logger:   logger,
		now:      now,
	}
	// Order matters: the ready check must veto before approvals are stripped.
	s.registry.OnIneligible(s.rejectWhileReady)
	s.registry.OnIneligible(s.machine.StripApproval)
	s.machine.OnExpiry(s.onExpiry)
	return s
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// rejectWhileReady vetoes any change that would make a guardian ineligible
// while the account has a request ready to execute.
func (s *Service) rejectWhileReady(tx kvstore.Txn, account, _ string) error {
	req, err := recovery.ActiveRequest(tx, account)
	if err != nil {
		return err
	}
	if req == nil || req.Status != recovery.StatusReady || s.now().After(req.CancelDeadline) {
		return nil
	}
	return apperr.Wrap(apperr.ErrRequestReady, "recovery request "+req.ID+" is ready to execute")
}

func (s *Service) onExpiry(ctx context.Context, r recovery.Request) {
	metrics.RecoveryTransitionsTotal.WithLabelValues(string(recovery.StatusCancelled)).Inc()
	s.events.EmitRecoveryCancelled(ctx, r.Account, r.ID, "", string(recovery.ReasonExpired), s.recipients(ctx, r.Account))
}

// recipients returns the owner and eligible guardians of account.
func (s *Service) recipients(ctx context.Context, account string, extra ...string) []string {
	setup, err := s.registry.Setup(ctx, account)
	if err != nil {
		s.logger.Warn("resolve notification recipients", "account", account, "error", err)
		return extra
	}
	var out []string
	if setup.Owner != "" {
		out = append(out, setup.Owner)
	}
	for _, g := range setup.List() {
		if g.Eligible() {
			out = append(out, g.Address)
		}
	}
	for _, addr := range extra {
		if addr != "" && !contains(out, addr) {
			out = append(out, addr)
		}
	}
	return out
}

func contains(list []string, addr string) bool {
	for _, a := range list {
		if validation.SameAddress(a, addr) {
			return true
		}
	}
	return false
}

// read runs a non-mutating operation inside a span.
func (s *Service) read(ctx context.Context, op, account string, fn func(ctx context.Context, account string) error) error {
	account, err := validation.NormalizeAddress(account)
	if err != nil {
		return err
	}
	ctx, span := traces.StartSpan(ctx, "coordinator."+op, traces.Account(account))
	defer span.End()

	err = fn(ctx, account)
	s.finish(ctx, span, op, account, err)
	return err
}

// mutate runs op under the account lock inside a span.
func (s *Service) mutate(ctx context.Context, op, account string, attrs []attribute.KeyValue, fn func(ctx context.Context, account string) error) error {
	account, err := validation.NormalizeAddress(account)
	if err != nil {
		return err
	}
	ctx, span := traces.StartSpan(ctx, "coordinator."+op, append(attrs, traces.Account(account))...)
	defer span.End()

	unlock, err := s.locks.Lock(ctx, account)
	if err != nil {
		s.finish(ctx, span, op, account, err)
		return err
	}
	defer unlock()

	err = fn(ctx, account)
	s.finish(ctx, span, op, account, err)
	return err
}

func (s *Service) finish(ctx context.Context, span trace.Span, op, account string, err error) {
	if err == nil {
		metrics.OperationsTotal.WithLabelValues(op, "ok").Inc()
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	code := "internal"
	if e, ok := apperr.As(err); ok {
		code = e.Code
	}
	metrics.OperationsTotal.WithLabelValues(op, code).Inc()

	switch {
	case apperr.IsSecurity(err):
		metrics.SecurityViolationsTotal.WithLabelValues(op, code).Inc()
		s.logger.WarnContext(ctx, "security violation", "op", op, "account", account, "code", code, "error", err)
	case code == "internal":
		s.logger.ErrorContext(ctx, "operation failed", "op", op, "account", account, "error", err)
	}
}
