package coordinator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/guardian/internal/metrics"
	"github.com/mbd888/guardian/internal/recovery"
	"github.com/mbd888/guardian/internal/traces"
)

// Status reports account's recovery readiness.
func (s *Service) Status(ctx context.Context, account string) (*recovery.StatusView, error) {
	var view *recovery.StatusView
	err := s.read(ctx, "get_status", account, func(ctx context.Context, account string) error {
		var err error
		view, err = s.machine.GetStatus(ctx, account)
		return err
	})
	return view, err
}

// GetRequest returns one of account's recovery requests.
func (s *Service) GetRequest(ctx context.Context, account, id string) (*recovery.Request, error) {
	var req *recovery.Request
	err := s.read(ctx, "get_request", account, func(ctx context.Context, account string) error {
		var err error
		req, err = s.machine.GetRequest(ctx, account, id)
		return err
	})
	return req, err
}

// InitiateRecovery opens a recovery request to hand account to newOwner.
func (s *Service) InitiateRecovery(ctx context.Context, account, initiator, newOwner string) (*recovery.Request, error) {
	var req *recovery.Request
	err := s.mutate(ctx, "initiate_recovery", account, []attribute.KeyValue{traces.Guardian(initiator)}, func(ctx context.Context, account string) error {
		r, err := s.machine.CreateRequest(ctx, account, initiator, newOwner)
		if err != nil {
			return err
		}
		s.transitioned(r)
		s.events.EmitRecoveryInitiated(ctx, account, r.ID, r.Initiator, r.NewOwner, r.ExecutesAt, r.CancelDeadline, s.recipients(ctx, account))
		req = r
		return nil
	})
	return req, err
}

// ApproveRecovery records guardian's approval. Reaching the threshold emits
// a ready event in addition to the approval.
func (s *Service) ApproveRecovery(ctx context.Context, account, id, guardian string) (*recovery.Request, error) {
	var req *recovery.Request
	err := s.mutate(ctx, "approve_recovery", account, requestAttrs(id, traces.Guardian(guardian)), func(ctx context.Context, account string) error {
		r, err := s.machine.Approve(ctx, account, id, guardian)
		if err != nil {
			return err
		}
		recipients := s.recipients(ctx, account)
		s.events.EmitRecoveryApproved(ctx, account, r.ID, guardian, len(r.Approvals), r.RequiredApprovals, recipients)
		if r.Status == recovery.StatusReady {
			s.transitioned(r)
			s.events.EmitRecoveryReady(ctx, account, r.ID, r.ExecutesAt, recipients)
		}
		req = r
		return nil
	})
	return req, err
}

// ExecuteRecovery finalizes a ready request, installing the new owner in the
// guardian setup. Rotating the owner on chain is left to the caller.
func (s *Service) ExecuteRecovery(ctx context.Context, account, id string) (*recovery.Request, error) {
	var req *recovery.Request
	err := s.mutate(ctx, "execute_recovery", account, requestAttrs(id), func(ctx context.Context, account string) error {
		previous, err := s.registry.Owner(ctx, account)
		if err != nil {
			return err
		}
		r, err := s.machine.Execute(ctx, account, id)
		if err != nil {
			return err
		}
		s.transitioned(r)
		s.events.EmitRecoveryExecuted(ctx, account, r.ID, r.NewOwner, s.recipients(ctx, account, previous, r.Initiator))
		req = r
		return nil
	})
	return req, err
}

// CancelRecovery aborts a live request on behalf of the owner or an eligible
// guardian.
func (s *Service) CancelRecovery(ctx context.Context, account, id, cancelledBy string) (*recovery.Request, error) {
	var req *recovery.Request
	err := s.mutate(ctx, "cancel_recovery", account, requestAttrs(id), func(ctx context.Context, account string) error {
		r, err := s.machine.Cancel(ctx, account, id, cancelledBy)
		if err != nil {
			return err
		}
		s.transitioned(r)
		s.events.EmitRecoveryCancelled(ctx, account, r.ID, r.CancelledBy, string(r.CancelReason), s.recipients(ctx, account, r.Initiator))
		req = r
		return nil
	})
	return req, err
}

func (s *Service) transitioned(r *recovery.Request) {
	metrics.RecoveryTransitionsTotal.WithLabelValues(string(r.Status)).Inc()
}

func requestAttrs(id string, extra ...attribute.KeyValue) []attribute.KeyValue {
	return append([]attribute.KeyValue{traces.RequestID(id)}, extra...)
}
