package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

const emitTimeout = 30 * time.Second

// Emitter turns lifecycle transitions into events.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	n      Notifier
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates an emitter over n. A nil n disables notifications.
func NewEmitter(n Notifier, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{n: n, logger: logger, now: time.Now}
}

func (e *Emitter) emit(ctx context.Context, account string, eventType EventType, recipients []string, data map[string]any) {
	if e == nil || e.n == nil {
		return
	}
	emitTotal.WithLabelValues(string(eventType)).Inc()
	event := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Account:    account,
		Recipients: recipients,
		Timestamp:  e.now().UTC(),
		Data:       data,
	}
	// Delivery must not inherit the request's cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	if err := e.n.Notify(ctx, event); err != nil {
		emitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("notification failed", "event", eventType, "account", account, "error", err)
	}
}

// --- Recovery events ---

// EmitRecoveryInitiated tells the owner and every guardian a request was opened.
func (e *Emitter) EmitRecoveryInitiated(ctx context.Context, account, requestID, initiator, newOwner string, executesAt, cancelDeadline time.Time, recipients []string) {
	e.emit(ctx, account, EventRecoveryInitiated, recipients, map[string]any{
		"requestId":      requestID,
		"initiator":      initiator,
		"newOwner":       newOwner,
		"executesAt":     executesAt.UTC(),
		"cancelDeadline": cancelDeadline.UTC(),
	})
}

func (e *Emitter) EmitRecoveryApproved(ctx context.Context, account, requestID, guardian string, approvals, required int, recipients []string) {
	e.emit(ctx, account, EventRecoveryApproved, recipients, map[string]any{
		"requestId": requestID,
		"guardian":  guardian,
		"approvals": approvals,
		"required":  required,
	})
}

// EmitRecoveryReady is sent once the approval threshold is met.
func (e *Emitter) EmitRecoveryReady(ctx context.Context, account, requestID string, executesAt time.Time, recipients []string) {
	e.emit(ctx, account, EventRecoveryReady, recipients, map[string]any{
		"requestId":  requestID,
		"executesAt": executesAt.UTC(),
	})
}

func (e *Emitter) EmitRecoveryExecuted(ctx context.Context, account, requestID, newOwner string, recipients []string) {
	e.emit(ctx, account, EventRecoveryExecuted, recipients, map[string]any{
		"requestId": requestID,
		"newOwner":  newOwner,
	})
}

func (e *Emitter) EmitRecoveryCancelled(ctx context.Context, account, requestID, cancelledBy, reason string, recipients []string) {
	e.emit(ctx, account, EventRecoveryCancelled, recipients, map[string]any{
		"requestId":   requestID,
		"cancelledBy": cancelledBy,
		"reason":      reason,
	})
}

// --- Guardian events ---

// EmitGuardianAdded carries the delivery channel and, for code-based
// methods, the one-time code the notifier must deliver out of band.
func (e *Emitter) EmitGuardianAdded(ctx context.Context, account, guardian, method, code string, expiresAt time.Time) {
	data := map[string]any{
		"guardian":  guardian,
		"method":    method,
		"expiresAt": expiresAt.UTC(),
	}
	if code != "" {
		data["code"] = code
	}
	e.emit(ctx, account, EventGuardianAdded, []string{guardian}, data)
}

func (e *Emitter) EmitGuardianVerified(ctx context.Context, account, guardian string, recipients []string) {
	e.emit(ctx, account, EventGuardianVerified, recipients, map[string]any{
		"guardian": guardian,
	})
}

func (e *Emitter) EmitGuardianRemoved(ctx context.Context, account, guardian string, recipients []string) {
	e.emit(ctx, account, EventGuardianRemoved, recipients, map[string]any{
		"guardian": guardian,
	})
}

// --- Passkey events ---

func (e *Emitter) EmitPasskeyAdded(ctx context.Context, account, credentialID, name string, recipients []string) {
	e.emit(ctx, account, EventPasskeyAdded, recipients, map[string]any{
		"credentialId": credentialID,
		"name":         name,
	})
}

func (e *Emitter) EmitPasskeyRemoved(ctx context.Context, account, credentialID string, recipients []string) {
	e.emit(ctx, account, EventPasskeyRemoved, recipients, map[string]any{
		"credentialId": credentialID,
	})
}
