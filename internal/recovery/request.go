// Package recovery implements the recovery request lifecycle:
//
//	pending --(approvals >= threshold)--> ready --(delay elapsed)--> executed
//	   |                                    |
//	   +--------------(cancel)--------------+--> cancelled
//
// No timers run. Delay, cancel window and cooldown are compared against the
// clock whenever a request is touched, and a request whose cancel window has
// passed is cancelled with reason "expired" by the first operation that
// observes it.
package recovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/guardian/internal/kvstore"
)

const (
	RequestNamespace = "recovery_request"
	StateNamespace   = "recovery_state"

	// DefaultRetention is how long a terminal request stays readable.
	DefaultRetention = 30 * 24 * time.Hour
)

// Status is the lifecycle state of a recovery request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// CancelReason records who or what cancelled a request.
type CancelReason string

const (
	ReasonOwner    CancelReason = "owner"
	ReasonGuardian CancelReason = "guardian"
	ReasonExpired  CancelReason = "expired"
)

// Request is a recovery request for one account.
type Request struct {
	ID                string       `json:"id"`
	Account           string       `json:"account"`
	Initiator         string       `json:"initiator"`
	NewOwner          string       `json:"newOwner"`
	CreatedAt         time.Time    `json:"createdAt"`
	ExecutesAt        time.Time    `json:"executesAt"`
	CancelDeadline    time.Time    `json:"cancelDeadline"`
	Approvals         []string     `json:"approvals"`
	RequiredApprovals int          `json:"requiredApprovals"`
	Status            Status       `json:"status"`
	TerminalAt        time.Time    `json:"terminalAt,omitempty"`
	CancelledBy       string       `json:"cancelledBy,omitempty"`
	CancelReason      CancelReason `json:"cancelReason,omitempty"`
}

// HasApproval reports whether guardian approved the request.
func (r *Request) HasApproval(guardian string) bool {
	for _, a := range r.Approvals {
		if strings.EqualFold(a, guardian) {
			return true
		}
	}
	return false
}

// expiredAt reports whether the cancel window of a live request has passed.
func (r *Request) expiredAt(now time.Time) bool {
	return !r.Status.IsTerminal() && now.After(r.CancelDeadline)
}

// expire marks r cancelled as of its cancel deadline.
func (r *Request) expire() {
	r.Status = StatusCancelled
	r.TerminalAt = r.CancelDeadline
	r.CancelReason = ReasonExpired
	r.CancelledBy = ""
}

func (r *Request) removeApproval(guardian string) bool {
	for i, a := range r.Approvals {
		if strings.EqualFold(a, guardian) {
			r.Approvals = append(r.Approvals[:i], r.Approvals[i+1:]...)
			return true
		}
	}
	return false
}

// RequestKey returns the storage key of a request.
func RequestKey(id string) string {
	return kvstore.Key(RequestNamespace, id)
}

// StateKey returns the storage key of an account's recovery state.
func StateKey(account string) string {
	return kvstore.Key(StateNamespace, account)
}

const (
	fieldID             = "id"
	fieldAccount        = "account"
	fieldInitiator      = "initiator"
	fieldNewOwner       = "new_owner"
	fieldCreatedAt      = "created_at"
	fieldExecutesAt     = "executes_at"
	fieldCancelDeadline = "cancel_deadline"
	fieldApprovals      = "approvals"
	fieldRequired       = "required_approvals"
	fieldStatus         = "status"
	fieldTerminalAt     = "terminal_at"
	fieldCancelledBy    = "cancelled_by"
	fieldCancelReason   = "cancel_reason"
)

func encodeRequest(r *Request) map[string]string {
	rec := kvstore.Record{
		fieldID:        r.ID,
		fieldAccount:   r.Account,
		fieldInitiator: r.Initiator,
		fieldNewOwner:  r.NewOwner,
		fieldStatus:    string(r.Status),
	}
	rec.SetTime(fieldCreatedAt, r.CreatedAt)
	rec.SetTime(fieldExecutesAt, r.ExecutesAt)
	rec.SetTime(fieldCancelDeadline, r.CancelDeadline)
	rec.SetTime(fieldTerminalAt, r.TerminalAt)
	rec.SetInt(fieldRequired, int64(r.RequiredApprovals))
	if len(r.Approvals) > 0 {
		rec[fieldApprovals] = strings.Join(r.Approvals, ",")
	}
	if r.CancelledBy != "" {
		rec[fieldCancelledBy] = r.CancelledBy
	}
	if r.CancelReason != "" {
		rec[fieldCancelReason] = string(r.CancelReason)
	}
	return rec
}

func decodeRequest(fields map[string]string) (*Request, error) {
	rec := kvstore.Record(fields)
	r := &Request{
		ID:           rec.Str(fieldID),
		Account:      rec.Str(fieldAccount),
		Initiator:    rec.Str(fieldInitiator),
		NewOwner:     rec.Str(fieldNewOwner),
		Status:       Status(rec.Str(fieldStatus)),
		CancelledBy:  rec.Str(fieldCancelledBy),
		CancelReason: CancelReason(rec.Str(fieldCancelReason)),
		Approvals:    []string{},
	}
	var err error
	if r.CreatedAt, err = rec.Time(fieldCreatedAt); err != nil {
		return nil, err
	}
	if r.ExecutesAt, err = rec.Time(fieldExecutesAt); err != nil {
		return nil, err
	}
	if r.CancelDeadline, err = rec.Time(fieldCancelDeadline); err != nil {
		return nil, err
	}
	if r.TerminalAt, err = rec.Time(fieldTerminalAt); err != nil {
		return nil, err
	}
	required, err := rec.Int(fieldRequired)
	if err != nil {
		return nil, err
	}
	r.RequiredApprovals = int(required)
	if raw := rec.Str(fieldApprovals); raw != "" {
		r.Approvals = strings.Split(raw, ",")
	}
	switch r.Status {
	case StatusPending, StatusReady, StatusExecuted, StatusCancelled:
	default:
		return nil, fmt.Errorf("recovery request %s: unknown status %q", r.ID, r.Status)
	}
	return r, nil
}

// accountState is the per-account pointer record.
type accountState struct {
	ActiveRequest  string
	LastRequest    string
	LastTerminalAt time.Time
}

const (
	fieldActiveRequest  = "active_request"
	fieldLastRequest    = "last_request"
	fieldLastTerminalAt = "last_terminal_at"
)

func decodeState(fields map[string]string) (accountState, error) {
	rec := kvstore.Record(fields)
	at, err := rec.Time(fieldLastTerminalAt)
	if err != nil {
		return accountState{}, err
	}
	return accountState{
		ActiveRequest:  rec.Str(fieldActiveRequest),
		LastRequest:    rec.Str(fieldLastRequest),
		LastTerminalAt: at,
	}, nil
}

func encodeState(s accountState) map[string]string {
	rec := kvstore.Record{}
	if s.ActiveRequest != "" {
		rec[fieldActiveRequest] = s.ActiveRequest
	}
	if s.LastRequest != "" {
		rec[fieldLastRequest] = s.LastRequest
	}
	rec.SetTime(fieldLastTerminalAt, s.LastTerminalAt)
	return rec
}

func loadState(tx kvstore.Txn, account string) (accountState, error) {
	fields, err := tx.GetHash(StateKey(account))
	if err != nil {
		return accountState{}, fmt.Errorf("load recovery state: %w", err)
	}
	return decodeState(fields)
}

func loadRequest(tx kvstore.Txn, id string) (*Request, error) {
	fields, err := tx.GetHash(RequestKey(id))
	if err != nil {
		return nil, fmt.Errorf("load recovery request: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeRequest(fields)
}

// ActiveRequest returns account's non-terminal request inside a
// transaction, or nil if there is none.
func ActiveRequest(tx kvstore.Txn, account string) (*Request, error) {
	st, err := loadState(tx, account)
	if err != nil {
		return nil, err
	}
	if st.ActiveRequest == "" {
		return nil, nil
	}
	r, err := loadRequest(tx, st.ActiveRequest)
	if err != nil || r == nil || r.Status.IsTerminal() {
		return nil, err
	}
	return r, nil
}
