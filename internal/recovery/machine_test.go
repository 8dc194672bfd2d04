package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guardian/internal/apperr"
	"github.com/mbd888/guardian/internal/guardians"
	"github.com/mbd888/guardian/internal/kvstore"
	"github.com/mbd888/guardian/internal/policy"
)

const (
	account  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	owner    = "0x0000000000000000000000000000000000000001"
	newOwner = "0x0000000000000000000000000000000000000002"
	alice    = "0x1111111111111111111111111111111111111111"
	bob      = "0x2222222222222222222222222222222222222222"
	carol    = "0x3333333333333333333333333333333333333333"
	dave     = "0x4444444444444444444444444444444444444444"
	erin     = "0x5555555555555555555555555555555555555555"
	stranger = "0x9999999999999999999999999999999999999999"
)

type fixture struct {
	mu      sync.Mutex
	now     time.Time
	store   kvstore.Store
	reg     *guardians.Registry
	machine *Machine
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) init(t *testing.T, p policy.Policy, members ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	f.reg = guardians.NewRegistry(f.store).WithClock(f.clock)
	f.machine = NewMachine(f.store).WithClock(f.clock)
	f.reg.OnIneligible(f.machine.StripApproval)

	require.NoError(t, policy.NewRepository(f.store).Set(ctx, account, p))
	require.NoError(t, f.reg.SetOwner(ctx, account, owner))
	for _, addr := range members {
		c, err := f.reg.AddGuardian(ctx, account, guardians.Guardian{Address: addr, Method: guardians.MethodEmail})
		require.NoError(t, err)
		_, err = f.reg.VerifyGuardian(ctx, account, addr, c.Code)
		require.NoError(t, err)
	}
	return f
}

func newFixture(t *testing.T, p policy.Policy, members ...string) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(1_700_000_000, 0).UTC()}
	f.store = kvstore.NewMemoryStore().WithClock(f.clock)
	return f.init(t, p, members...)
}

func remainingSeconds(t *testing.T, err error) int64 {
	t.Helper()
	e, ok := apperr.As(err)
	require.True(t, ok, "expected *apperr.Error, got %v", err)
	return e.RemainingSeconds()
}

// Two verified guardians, threshold two: the first approval leaves the
// request pending and the second makes it ready.
func TestApprovalReachesThreshold(t *testing.T) {
	f := newFixture(t, policy.Default(), alice, bob)
	ctx := context.Background()

	req, err := f.machine.CreateRequest(ctx, account, alice, newOwner)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, 2, req.RequiredApprovals)
	assert.Equal(t, req.CreatedAt.Add(24*time.Hour), req.ExecutesAt)
	assert.Equal(t, req.CreatedAt.Add(48*time.Hour), req.CancelDeadline)
	assert.Empty(t, req.Approvals, "initiating does not approve")

	got, err := f.machine.Approve(ctx, account, req.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	_, err = f.machine.Approve(ctx, account, req.ID, alice)
	require.ErrorIs(t, err, apperr.ErrDuplicateApproval)

	got, err = f.machine.Approve(ctx, account, req.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.Equal(t, []string{alice, bob}, got.Approvals)

	_, err = f.machine.Approve(ctx, account, req.ID, bob)
	assert.ErrorIs(t, err, apperr.ErrNotPending)
}

func TestExecute_TooEarly(t *testing.T) {
	f := newFixture(t, policy.Default(), alice, bob)
	ctx := context.Background()
	req := f.readyRequest(t)

	f.advance(time.Hour)
	_, err := f.machine.Execute(ctx, account, req.ID)
	require.ErrorIs(t, err, apperr.ErrTooEarly)
	assert.Equal(t, int64(82800), remainingSeconds(t, err))
	assert.Equal(t, apperr.KindTemporalGuard, apperr.KindOf(err))
}

func TestExecute_CancelWindowExpired(t *testing.T) {
	f := newFixture(t, policy.Default(), alice, bob)
	ctx := context.Background()
	req := f.readyRequest(t)

	var expired []Request
	f.machine.OnExpiry(func(_ context.Context, r Request) { expired = append(expired, r) })

	f.advance(200000 * time.Second)
	_, err := f.machine.Execute(ctx, account, req.ID)
	require.ErrorIs(t, err, apperr.ErrCancelWindowExpired)
	require.Len(t, expired, 1)

	got, err := f.machine.GetRequest(ctx, account, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, ReasonExpired, got.CancelReason)
	assert.Equal(t, req.CancelDeadline, got.TerminalAt)

	_, err = f.machine.Execute(ctx, account, req.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyTerminal)
	_, err = f.machine.Cancel(ctx, account, req.ID, owner)
	assert.ErrorIs(t, err, apperr.ErrAlreadyTerminal)
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t, policy.Default(), alice, bob)
	ctx := context.Background()
	req := f.readyRequest(t)

	f.advance(24 * time.Hour)
	got, err := f.machine.Execute(ctx, account, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, got.Status)
	assert.Equal(t, newOwner, got.NewOwner)

	ownerNow, err := f.reg.Owner(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, newOwner, ownerNow)

	_, err = f.machine.Execute(ctx, account, req.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyTerminal)

	status, err := f.machine.GetStatus(ctx, account)
	require.NoError(t, err)
	assert.Nil(t, status.ActiveRequest)
	assert.False(t, status.CanInitiate)
	assert.Equal(t, 7*24*time.Hour, status.CooldownRemaining)
}

func TestExecute_NotReady(t *testing.T) {
	f := newFixture(t, policy.Default(), alice, bob)
	ctx := context.Background()
	req, err := f.machine.CreateRequest(ctx, account, owner, newOwner)
	require.NoError(t, err)

	f.advance(25 * time.Hour)
	_, err = f.machine.Execute(ctx, account, req.ID)
	assert.ErrorIs(t, err, apperr.ErrNotReady)

	_, err = f.machine.Execute(ctx, account, "rr_missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateRequest_Cooldown(t *testing.T) {
	f := newFixture(t, policy.Default(), alice, bob)
	ctx := context.Background()
	req, err := f.machine.CreateRequest(ctx, account, alice, newOwner)
	require.NoError(t, err)

	got, err := f.machine.Cancel(ctx, account, req.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, ReasonOwner, got.CancelReason)
	assert.Equal(t, owner, got.CancelledBy)

	f.advance(time.Hour)
	_, err = f.machine.CreateRequest(ctx, account, alice, newOwner)
	require.ErrorIs(t, err, apperr.ErrCooldownActive)
	assert.Equal(t, int64(603600), remainingSeconds(t, err))

	f.advance(603600 * time.Second)
	_, err = f.machine.CreateRequest(ctx, account, alice, newOwner)
	assert.NoError(t, err)
}

func TestCreateRequest_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("single active request", func(t *testing.T) {
		f := newFixture(t, policy.Default(), alice, bob)
		_, err := f.machine.CreateRequest(ctx, account, alice, newOwner)
		require.NoError(t, err)
		_, err = f.machine.CreateRequest(ctx, account, bob, newOwner)
		assert.ErrorIs(t, err, apperr.ErrAlreadyInProgress)
	})

	t.Run("initiator must be owner or guardian", func(t *testing.T) {
		f := newFixture(t, policy.Default(), alice, bob)
		_, err := f.machine.CreateRequest(ctx, account, stranger, newOwner)
		assert.ErrorIs(t, err, apperr.ErrInvalidInitiator)
		assert.True(t, apperr.IsSecurity(err))
	})

	t.Run("new owner must differ", func(t *testing.T) {
		f := newFixture(t, policy.Default(), alice, bob)
		_, err := f.machine.CreateRequest(ctx, account, alice, owner)
		assert.ErrorIs(t, err, apperr.ErrInvalidAddress)
		_, err = f.machine.CreateRequest(ctx, account, alice, "not-an-address")
		assert.ErrorIs(t, err, apperr.ErrInvalidAddress)
	})

	t.Run("guardians not ready", func(t *testing.T) {
		f := newFixture(t, policy.Default(), alice)
		_, err := f.machine.CreateRequest(ctx, account, alice, newOwner)
		assert.ErrorIs(t, err, apperr.ErrGuardiansNotReady)
	})
}

func TestCreateRequest_ReplacesExpiredRequest(t *testing.T) {
	p := policy.Default()
	p.CooldownPeriod = 0
	f := newFixture(t, p, alice, bob)
	ctx := context.Background()

	first, err := f.machine.CreateRequest(ctx, account, alice, newOwner)
	require.NoError(t, err)

	f.advance(49 * time.Hour)
	second, err := f.machine.CreateRequest(ctx, account, bob, newOwner)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := f.machine.GetRequest(ctx, account, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, old.Status)
	assert.Equal(t, ReasonExpired, old.CancelReason)
}

func TestCreateRequest_ExpiredRequestStartsCooldown(t *testing.T) {
	f := newFixture(t, policy.Default(), alice, bob)
	ctx := context.Background()
	first, err := f.machine.CreateRequest(ctx, account, alice, newOwner)
	require.NoError(t, err)

	f.advance(49 * time.Hour)
	_, err = f.machine.CreateRequest(ctx, account, alice, newOwner)
	require.ErrorIs(t, err, apperr.ErrCooldownActive)
	// Cooldown runs from the deadline, an hour before now.
	assert.Equal(t, int64(7*24*3600-3600), remainingSeconds(t, err))

	old, err := f.store.GetHash(ctx, RequestKey(first.ID))
	require.NoError(t, err)
	assert.Equal(t, string(StatusCancelled), old[fieldStatus], "expiry is persisted even though creation failed")
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("guardian", func(t *testing.T) {
		f := newFixture(t, policy.Default(), alice, bob)
		req, err := f.machine.CreateRequest(ctx, account, alice, newOwner)
		require.NoError(t, err)
		got, err := f.machine.Cancel(ctx, account, req.ID, bob)
		require.NoError(t, err)
		assert.Equal(t, ReasonGuardian, got.CancelReason)
		assert.Equal(t, f.clock(), got.TerminalAt)
	})

	t.Run("unauthorized", func(t *testing.T) {
		f := newFixture(t, policy.Default(), alice, bob)
		req, err := f.machine.CreateRequest(ctx, account, alice, newOwner)
		require.NoError(t, err)
		_, err = f.machine.Cancel(ctx, account, req.ID, stranger)
		assert.ErrorIs(t, err, apperr.ErrUnauthorizedCanceller)
	})

	t.Run("after deadline", func(t *testing.T) {
		f := newFixture(t, policy.Default(), alice, bob)
		req, err := f.machine.CreateRequest(ctx, account, alice, newOwner)
		require.NoError(t, err)
		f.advance(48*time.Hour + time.Second)
		_, err = f.machine.Cancel(ctx, account, req.ID, owner)
		require.ErrorIs(t, err, apperr.ErrWindowExpired)

		got, _ := f.machine.GetRequest(ctx, account, req.ID)
		assert.Equal(t, ReasonExpired, got.CancelReason)
	})

	t.Run("wrong account", func(t *testing.T) {
		f := newFixture(t, policy.Default(), alice, bob)
		req, err := f.machine.CreateRequest(ctx, account, alice, newOwner)
		require.NoError(t, err)
		_, err = f.machine.Cancel(ctx, stranger, req.ID, owner)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestApprove_Rejections(t *testing.T) {
	f := newFixture(t, policy.Default(), alice, bob, carol)
	ctx := context.Background()
	req, err := f.machine.CreateRequest(ctx, account, owner, newOwner)
	require.NoError(t, err)

	_, err = f.machine.Approve(ctx, account, req.ID, stranger)
	assert.ErrorIs(t, err, apperr.ErrIneligibleGuardian)

	require.NoError(t, f.reg.SuspendGuardian(ctx, account, carol))
	_, err = f.machine.Approve(ctx, account, req.ID, carol)
	assert.ErrorIs(t, err, apperr.ErrIneligibleGuardian)

	f.advance(48*time.Hour + time.Second)
	_, err = f.machine.Approve(ctx, account, req.ID, alice)
	assert.ErrorIs(t, err, apperr.ErrWindowExpired)

	_, err = f.machine.Approve(ctx, account, req.ID, alice)
	assert.ErrorIs(t, err, apperr.ErrNotPending)
}

func TestRemoveGuardianStripsApproval(t *testing.T) {
	f := newFixture(t, policy.Default(), alice, bob, carol)
	ctx := context.Background()
	req := f.readyRequest(t)

	require.NoError(t, f.reg.RemoveGuardian(ctx, account, bob))

	got, err := f.machine.GetRequest(ctx, account, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "ready request falls back below threshold")
	assert.Equal(t, []string{alice}, got.Approvals)

	got, err = f.machine.Approve(ctx, account, req.ID, carol)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
}

func TestStripApproval_LeavesExpiredRequest(t *testing.T) {
	f := newFixture(t, policy.Default(), alice, bob, carol)
	ctx := context.Background()
	req := f.readyRequest(t)

	var expired []Request
	f.machine.OnExpiry(func(_ context.Context, r Request) { expired = append(expired, r) })

	f.advance(49 * time.Hour)
	require.NoError(t, f.reg.RemoveGuardian(ctx, account, bob))

	raw, err := f.store.GetHash(ctx, RequestKey(req.ID))
	require.NoError(t, err)
	assert.Equal(t, string(StatusReady), raw[fieldStatus], "an expired request is not demoted to pending")

	require.NoError(t, f.machine.ExpireStale(ctx, account))
	require.Len(t, expired, 1)
	assert.Equal(t, req.ID, expired[0].ID)
	assert.Equal(t, ReasonExpired, expired[0].CancelReason)

	raw, err = f.store.GetHash(ctx, RequestKey(req.ID))
	require.NoError(t, err)
	assert.Equal(t, string(StatusCancelled), raw[fieldStatus])

	require.NoError(t, f.machine.ExpireStale(ctx, account))
	assert.Len(t, expired, 1, "already cancelled")
}

func TestExpireStale_OpenWindow(t *testing.T) {
	f := newFixture(t, policy.Default(), alice, bob)
	ctx := context.Background()
	require.NoError(t, f.machine.ExpireStale(ctx, account), "no request yet")

	req := f.readyRequest(t)
	called := false
	f.machine.OnExpiry(func(context.Context, Request) { called = true })

	f.advance(47 * time.Hour)
	require.NoError(t, f.machine.ExpireStale(ctx, account))
	assert.False(t, called)

	got, err := f.machine.GetRequest(ctx, account, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
}

func TestExecute_NewOwnerBecameGuardian(t *testing.T) {
	f := newFixture(t, policy.Default(), alice, bob)
	ctx := context.Background()
	req := f.readyRequest(t)

	_, err := f.reg.AddGuardian(ctx, account, guardians.Guardian{Address: newOwner, Method: guardians.MethodEmail})
	require.NoError(t, err)

	f.advance(24 * time.Hour)
	_, err = f.machine.Execute(ctx, account, req.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidAddress)

	ownerNow, err := f.reg.Owner(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, owner, ownerNow)
	got, err := f.machine.GetRequest(ctx, account, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
}

func TestGetStatus_ProjectsExpiryWithoutWriting(t *testing.T) {
	f := newFixture(t, policy.Default(), alice, bob)
	ctx := context.Background()

	status, err := f.machine.GetStatus(ctx, account)
	require.NoError(t, err)
	assert.True(t, status.HasGuardians)
	assert.True(t, status.GuardiansReady)
	assert.True(t, status.CanInitiate)
	assert.Equal(t, owner, status.Owner)

	req, err := f.machine.CreateRequest(ctx, account, alice, newOwner)
	require.NoError(t, err)
	status, _ = f.machine.GetStatus(ctx, account)
	require.NotNil(t, status.ActiveRequest)
	assert.Equal(t, req.ID, status.ActiveRequest.ID)
	assert.False(t, status.CanInitiate)

	f.advance(49 * time.Hour)
	status, err = f.machine.GetStatus(ctx, account)
	require.NoError(t, err)
	assert.Nil(t, status.ActiveRequest)
	require.NotNil(t, status.LastRequest)
	assert.Equal(t, StatusCancelled, status.LastRequest.Status)
	assert.Equal(t, 7*24*time.Hour-time.Hour, status.CooldownRemaining)

	raw, err := f.store.GetHash(ctx, RequestKey(req.ID))
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), raw[fieldStatus])
}

// Five guardians race to approve a threshold-3 request. Exactly three
// approvals may land before the request turns ready.
func TestConcurrentApprovals(t *testing.T) {
	p := policy.Default()
	p.MinGuardians, p.Threshold, p.MaxGuardians = 5, 3, 5
	f := newFixture(t, p, alice, bob, carol, dave, erin)
	ctx := context.Background()
	req, err := f.machine.CreateRequest(ctx, account, owner, newOwner)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for _, g := range []string{alice, bob, carol, dave, erin} {
		wg.Add(1)
		go func(g string) {
			defer wg.Done()
			for {
				_, err := f.machine.Approve(ctx, account, req.ID, g)
				if errors.Is(err, kvstore.ErrConflict) {
					continue
				}
				if err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, apperr.ErrNotPending)
				}
				return
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	got, err := f.machine.GetRequest(ctx, account, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.Len(t, got.Approvals, 3)
}

// An approval racing the approver's removal must never leave the removed
// guardian's approval on the request.
func TestApproveRemoveInterleaving(t *testing.T) {
	p := policy.Default()
	p.MinGuardians, p.Threshold = 2, 2
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		f := newFixture(t, p, alice, bob, carol)
		req, err := f.machine.CreateRequest(ctx, account, owner, newOwner)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.machine.Approve(ctx, account, req.ID, carol)
		}()
		go func() {
			defer wg.Done()
			for {
				err := f.reg.RemoveGuardian(ctx, account, carol)
				if !errors.Is(err, kvstore.ErrConflict) {
					assert.NoError(t, err)
					return
				}
			}
		}()
		wg.Wait()

		got, err := f.machine.GetRequest(ctx, account, req.ID)
		require.NoError(t, err)
		assert.False(t, got.HasApproval(carol), "iteration %d", i)
		assert.Equal(t, StatusPending, got.Status)
	}
}

func TestRedisEndToEnd(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{now: time.Unix(1_700_000_000, 0).UTC(), store: kvstore.NewRedisStore(client)}
	f.init(t, policy.Default(), alice, bob)
	ctx := context.Background()

	req, err := f.machine.CreateRequest(ctx, account, alice, newOwner)
	require.NoError(t, err)
	_, err = f.machine.Approve(ctx, account, req.ID, alice)
	require.NoError(t, err)
	got, err := f.machine.Approve(ctx, account, req.ID, bob)
	require.NoError(t, err)
	require.Equal(t, StatusReady, got.Status)

	f.advance(24 * time.Hour)
	got, err = f.machine.Execute(ctx, account, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, got.Status)

	ttl := server.TTL(RequestKey(req.ID))
	assert.Equal(t, DefaultRetention, ttl)

	ownerNow, err := f.reg.Owner(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, newOwner, ownerNow)
}

func (f *fixture) readyRequest(t *testing.T) *Request {
	t.Helper()
	ctx := context.Background()
	req, err := f.machine.CreateRequest(ctx, account, alice, newOwner)
	require.NoError(t, err)
	_, err = f.machine.Approve(ctx, account, req.ID, alice)
	require.NoError(t, err)
	got, err := f.machine.Approve(ctx, account, req.ID, bob)
	require.NoError(t, err)
	require.Equal(t, StatusReady, got.Status)
	return got
}
