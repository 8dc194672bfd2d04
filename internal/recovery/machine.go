package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/guardian/internal/apperr"
	"github.com/mbd888/guardian/internal/guardians"
	"github.com/mbd888/guardian/internal/idgen"
	"github.com/mbd888/guardian/internal/kvstore"
	"github.com/mbd888/guardian/internal/policy"
	"github.com/mbd888/guardian/internal/validation"
)

const requestIDPrefix = "rr_"

// ExpiryHandler is called after a transaction that cancelled an expired
// request commits.
type ExpiryHandler func(ctx context.Context, r Request)

// Machine drives recovery requests through their lifecycle. Every mutation
// is one kvstore transaction covering the request, the account's recovery
// state, its guardian setup and its policy.
type Machine struct {
	store     kvstore.Store
	now       func() time.Time
	retention time.Duration
	onExpiry  ExpiryHandler
}

// NewMachine creates a recovery machine over store.
func NewMachine(store kvstore.Store) *Machine {
	return &Machine{store: store, now: time.Now, retention: DefaultRetention}
}

// WithClock overrides the clock, used in tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	if now != nil {
		m.now = now
	}
	return m
}

// WithRetention sets how long terminal requests are kept.
func (m *Machine) WithRetention(d time.Duration) *Machine {
	if d > 0 {
		m.retention = d
	}
	return m
}

// OnExpiry registers the handler for lazily expired requests.
func (m *Machine) OnExpiry(h ExpiryHandler) {
	m.onExpiry = h
}

// txResult collects what a transaction decided. Because kvstore may re-run
// the function, it is reset at the start of every attempt.
type txResult struct {
	req     *Request
	expired *Request
	outcome error
}

func (m *Machine) update(ctx context.Context, fn func(tx kvstore.Txn, res *txResult) error) (*Request, error) {
	var res txResult
	err := m.store.Update(ctx, func(tx kvstore.Txn) error {
		res = txResult{}
		return fn(tx, &res)
	})
	if err != nil {
		return nil, err
	}
	if res.expired != nil && m.onExpiry != nil {
		m.onExpiry(ctx, *res.expired)
	}
	if res.outcome != nil {
		return nil, res.outcome
	}
	return res.req, nil
}

// CreateRequest opens a recovery request to install newOwner. The initiator
// must be the current owner or an eligible guardian. The approval threshold
// and the timeline are frozen from the policy in force now.
func (m *Machine) CreateRequest(ctx context.Context, account, initiator, newOwner string) (*Request, error) {
	initiator, err := validation.NormalizeAddress(initiator)
	if err != nil {
		return nil, err
	}
	newOwner, err = validation.NormalizeAddress(newOwner)
	if err != nil {
		return nil, err
	}
	id := idgen.WithPrefix(requestIDPrefix)

	return m.update(ctx, func(tx kvstore.Txn, res *txResult) error {
		now := m.now()
		st, err := loadState(tx, account)
		if err != nil {
			return err
		}

		if st.ActiveRequest != "" {
			active, err := loadRequest(tx, st.ActiveRequest)
			if err != nil {
				return err
			}
			switch {
			case active == nil || active.Status.IsTerminal():
				st.ActiveRequest = ""
			case active.expiredAt(now):
				m.expireTx(tx, active, &st)
				res.expired = active
			default:
				return apperr.Wrap(apperr.ErrAlreadyInProgress,
					fmt.Sprintf("recovery request %s is already %s", active.ID, active.Status))
			}
		}

		p, err := policy.Load(tx, account)
		if err != nil {
			return err
		}
		if !st.LastTerminalAt.IsZero() {
			if remaining := st.LastTerminalAt.Add(p.CooldownPeriod).Sub(now); remaining > 0 {
				// Keep the expiry cancellation, if any.
				res.outcome = apperr.CooldownActive(remaining)
				return nil
			}
		}

		setup, err := guardians.LoadSetup(tx, account)
		if err != nil {
			return err
		}
		if !setup.IsOwner(initiator) && !setup.IsEligible(initiator) {
			res.outcome = apperr.ErrInvalidInitiator
			return nil
		}
		if setup.IsOwner(newOwner) {
			res.outcome = apperr.Wrap(apperr.ErrInvalidAddress, "new owner is already the account owner")
			return nil
		}
		if _, isGuardian := setup.Get(newOwner); isGuardian {
			res.outcome = apperr.Wrap(apperr.ErrInvalidAddress, "new owner is a guardian of the account")
			return nil
		}
		if !setup.IsActive(p) {
			res.outcome = apperr.Wrap(apperr.ErrGuardiansNotReady,
				fmt.Sprintf("need at least %d guardians, all verified", p.MinGuardians))
			return nil
		}

		tl := policy.ComputeTimeline(p, now)
		req := &Request{
			ID:                id,
			Account:           account,
			Initiator:         initiator,
			NewOwner:          newOwner,
			CreatedAt:         now,
			ExecutesAt:        tl.CanExecuteAt,
			CancelDeadline:    tl.CancelDeadline,
			Approvals:         []string{},
			RequiredApprovals: p.Threshold,
			Status:            StatusPending,
		}
		tx.SetHash(RequestKey(id), encodeRequest(req))
		st.ActiveRequest = id
		st.LastRequest = id
		tx.SetHash(StateKey(account), encodeState(st))
		res.req = req
		return nil
	})
}

// Approve records guardian's approval. The request becomes ready once the
// approvals from currently eligible guardians reach the frozen threshold.
func (m *Machine) Approve(ctx context.Context, account, id, guardian string) (*Request, error) {
	guardian, err := validation.NormalizeAddress(guardian)
	if err != nil {
		return nil, err
	}
	return m.update(ctx, func(tx kvstore.Txn, res *txResult) error {
		now := m.now()
		req, st, err := m.loadForAccount(tx, account, id)
		if err != nil {
			return err
		}
		if req.Status.IsTerminal() {
			return apperr.Wrap(apperr.ErrNotPending, "recovery request is "+string(req.Status))
		}
		if req.expiredAt(now) {
			m.expireTx(tx, req, &st)
			res.expired = req
			res.outcome = apperr.ErrWindowExpired
			return nil
		}
		if req.Status != StatusPending {
			return apperr.Wrap(apperr.ErrNotPending, "recovery request is already ready")
		}

		setup, err := guardians.LoadSetup(tx, account)
		if err != nil {
			return err
		}
		if !setup.IsEligible(guardian) {
			return apperr.ErrIneligibleGuardian
		}
		if req.HasApproval(guardian) {
			return apperr.ErrDuplicateApproval
		}

		req.Approvals = append(req.Approvals, guardian)
		if countEligible(req, setup, "") >= req.RequiredApprovals {
			req.Status = StatusReady
		}
		setup.Touch(guardian, now)
		if err := guardians.SaveSetup(tx, setup); err != nil {
			return err
		}
		tx.SetHash(RequestKey(req.ID), encodeRequest(req))
		res.req = req
		return nil
	})
}

// Execute completes a ready request whose delay has elapsed and installs
// the new owner in the guardian setup. Rotating the owner on chain is the
// caller's job and happens only after Execute succeeds.
func (m *Machine) Execute(ctx context.Context, account, id string) (*Request, error) {
	return m.update(ctx, func(tx kvstore.Txn, res *txResult) error {
		now := m.now()
		req, st, err := m.loadForAccount(tx, account, id)
		if err != nil {
			return err
		}
		if req.Status.IsTerminal() {
			return apperr.Wrap(apperr.ErrAlreadyTerminal, "recovery request is already "+string(req.Status))
		}
		if req.expiredAt(now) {
			m.expireTx(tx, req, &st)
			res.expired = req
			res.outcome = apperr.ErrCancelWindowExpired
			return nil
		}
		if req.Status != StatusReady {
			return apperr.Wrap(apperr.ErrNotReady,
				fmt.Sprintf("%d of %d approvals", len(req.Approvals), req.RequiredApprovals))
		}
		if now.Before(req.ExecutesAt) {
			return apperr.TooEarly(req.ExecutesAt.Sub(now))
		}

		setup, err := guardians.LoadSetup(tx, account)
		if err != nil {
			return err
		}
		// The guardian set may have changed since the request opened.
		if _, ok := setup.Get(req.NewOwner); ok {
			return apperr.Wrap(apperr.ErrInvalidAddress,
				"new owner "+req.NewOwner+" has since become a guardian")
		}
		setup.Owner = req.NewOwner
		if err := guardians.SaveSetup(tx, setup); err != nil {
			return err
		}

		req.Status = StatusExecuted
		req.TerminalAt = now
		m.finishTx(tx, req, &st)
		res.req = req
		return nil
	})
}

// Cancel stops a live request. Only the owner or an eligible guardian may
// cancel, and only until the cancel deadline.
func (m *Machine) Cancel(ctx context.Context, account, id, cancelledBy string) (*Request, error) {
	cancelledBy, err := validation.NormalizeAddress(cancelledBy)
	if err != nil {
		return nil, err
	}
	return m.update(ctx, func(tx kvstore.Txn, res *txResult) error {
		now := m.now()
		req, st, err := m.loadForAccount(tx, account, id)
		if err != nil {
			return err
		}
		if req.Status.IsTerminal() {
			return apperr.Wrap(apperr.ErrAlreadyTerminal, "recovery request is already "+string(req.Status))
		}
		if req.expiredAt(now) {
			m.expireTx(tx, req, &st)
			res.expired = req
			res.outcome = apperr.ErrWindowExpired
			return nil
		}

		setup, err := guardians.LoadSetup(tx, account)
		if err != nil {
			return err
		}
		var reason CancelReason
		switch {
		case setup.IsOwner(cancelledBy):
			reason = ReasonOwner
		case setup.IsEligible(cancelledBy):
			reason = ReasonGuardian
		default:
			return apperr.ErrUnauthorizedCanceller
		}

		req.Status = StatusCancelled
		req.TerminalAt = now
		req.CancelledBy = cancelledBy
		req.CancelReason = reason
		m.finishTx(tx, req, &st)
		res.req = req
		return nil
	})
}

// GetRequest returns a request as it stands now. A request past its cancel
// window is reported as cancelled even if no operation has recorded that yet.
func (m *Machine) GetRequest(ctx context.Context, account, id string) (*Request, error) {
	fields, err := m.store.GetHash(ctx, RequestKey(id))
	if err != nil {
		return nil, fmt.Errorf("load recovery request: %w", err)
	}
	if len(fields) == 0 {
		return nil, apperr.NotFoundf("recovery request %s not found", id)
	}
	req, err := decodeRequest(fields)
	if err != nil {
		return nil, err
	}
	if req.Account != account {
		return nil, apperr.NotFoundf("recovery request %s not found", id)
	}
	if req.expiredAt(m.now()) {
		req.expire()
	}
	return req, nil
}

// StripApproval removes guardian's approval from account's live request and
// demotes a ready request that no longer has enough eligible approvals. It
// runs inside the transaction that makes the guardian ineligible.
func (m *Machine) StripApproval(tx kvstore.Txn, account, guardian string) error {
	req, err := ActiveRequest(tx, account)
	if err != nil || req == nil {
		return err
	}
	// A closed window is cancelled by ExpireStale or the next operation on
	// the request, never demoted back to pending.
	if req.expiredAt(m.now()) {
		return nil
	}
	if !req.removeApproval(guardian) {
		return nil
	}
	setup, err := guardians.LoadSetup(tx, account)
	if err != nil {
		return err
	}
	if req.Status == StatusReady && countEligible(req, setup, guardian) < req.RequiredApprovals {
		req.Status = StatusPending
	}
	tx.SetHash(RequestKey(req.ID), encodeRequest(req))
	return nil
}

// ExpireStale cancels account's live request if its cancel window has
// closed. The expiry handler runs after commit.
func (m *Machine) ExpireStale(ctx context.Context, account string) error {
	_, err := m.update(ctx, func(tx kvstore.Txn, res *txResult) error {
		st, err := loadState(tx, account)
		if err != nil || st.ActiveRequest == "" {
			return err
		}
		req, err := loadRequest(tx, st.ActiveRequest)
		if err != nil || req == nil || !req.expiredAt(m.now()) {
			return err
		}
		m.expireTx(tx, req, &st)
		res.expired = req
		return nil
	})
	return err
}

func (m *Machine) loadForAccount(tx kvstore.Txn, account, id string) (*Request, accountState, error) {
	req, err := loadRequest(tx, id)
	if err != nil {
		return nil, accountState{}, err
	}
	if req == nil || req.Account != account {
		return nil, accountState{}, apperr.NotFoundf("recovery request %s not found", id)
	}
	st, err := loadState(tx, account)
	if err != nil {
		return nil, accountState{}, err
	}
	return req, st, nil
}

// expireTx cancels an expired request. The terminal time is its deadline,
// which is when the window actually closed.
func (m *Machine) expireTx(tx kvstore.Txn, req *Request, st *accountState) {
	req.expire()
	m.finishTx(tx, req, st)
}

// finishTx persists a terminal request, schedules its deletion and clears
// the account's active pointer.
func (m *Machine) finishTx(tx kvstore.Txn, req *Request, st *accountState) {
	key := RequestKey(req.ID)
	tx.SetHash(key, encodeRequest(req))
	tx.Expire(key, m.retention)

	if st.ActiveRequest == req.ID {
		st.ActiveRequest = ""
	}
	if req.TerminalAt.After(st.LastTerminalAt) {
		st.LastTerminalAt = req.TerminalAt
	}
	tx.SetHash(StateKey(req.Account), encodeState(*st))
}

// countEligible counts approvals from guardians that are still eligible,
// ignoring exclude.
func countEligible(req *Request, setup *guardians.Setup, exclude string) int {
	n := 0
	for _, a := range req.Approvals {
		if exclude != "" && validation.SameAddress(a, exclude) {
			continue
		}
		if setup.IsEligible(a) {
			n++
		}
	}
	return n
}
