package recovery

import (
	"context"
	"time"

	"github.com/mbd888/guardian/internal/guardians"
	"github.com/mbd888/guardian/internal/kvstore"
	"github.com/mbd888/guardian/internal/policy"
)

// StatusView summarizes an account's recovery readiness.
type StatusView struct {
	Account           string
	Owner             string
	HasGuardians      bool
	GuardianCount     int
	GuardiansReady    bool
	Threshold         int
	ActiveRequest     *Request
	LastRequest       *Request
	CanInitiate       bool
	CooldownRemaining time.Duration
}

// GetStatus reports the account's recovery status without writing. A live
// request past its cancel window is reported as cancelled.
func (m *Machine) GetStatus(ctx context.Context, account string) (*StatusView, error) {
	var view *StatusView
	err := m.store.Update(ctx, func(tx kvstore.Txn) error {
		now := m.now()
		setup, err := guardians.LoadSetup(tx, account)
		if err != nil {
			return err
		}
		p, err := policy.Load(tx, account)
		if err != nil {
			return err
		}
		st, err := loadState(tx, account)
		if err != nil {
			return err
		}

		v := &StatusView{
			Account:        account,
			Owner:          setup.Owner,
			HasGuardians:   setup.Count() > 0,
			GuardianCount:  setup.Count(),
			GuardiansReady: setup.IsActive(p),
			Threshold:      p.Threshold,
		}
		lastTerminal := st.LastTerminalAt

		if st.LastRequest != "" {
			last, err := loadRequest(tx, st.LastRequest)
			if err != nil {
				return err
			}
			if last != nil {
				if last.expiredAt(now) {
					last.expire()
					if last.TerminalAt.After(lastTerminal) {
						lastTerminal = last.TerminalAt
					}
				}
				v.LastRequest = last
				if !last.Status.IsTerminal() && last.ID == st.ActiveRequest {
					v.ActiveRequest = last
				}
			}
		}

		if !lastTerminal.IsZero() {
			if remaining := lastTerminal.Add(p.CooldownPeriod).Sub(now); remaining > 0 {
				v.CooldownRemaining = remaining
			}
		}
		v.CanInitiate = v.GuardiansReady && v.ActiveRequest == nil && v.CooldownRemaining == 0
		view = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}
