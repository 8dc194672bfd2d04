package guardians

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guardian/internal/apperr"
	"github.com/mbd888/guardian/internal/ethsig"
	"github.com/mbd888/guardian/internal/kvstore"
	"github.com/mbd888/guardian/internal/policy"
)

const (
	account = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	owner   = "0x0000000000000000000000000000000000000001"
	alice   = "0x1111111111111111111111111111111111111111"
	bob     = "0x2222222222222222222222222222222222222222"
	carol   = "0x3333333333333333333333333333333333333333"
	dave    = "0x4444444444444444444444444444444444444444"
)

type fixture struct {
	now   time.Time
	store *kvstore.MemoryStore
	reg   *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(1_700_000_000, 0).UTC()}
	clock := func() time.Time { return f.now }
	f.store = kvstore.NewMemoryStore().WithClock(clock)
	f.reg = NewRegistry(f.store).WithClock(clock)
	require.NoError(t, f.reg.SetOwner(context.Background(), account, owner))
	return f
}

func (f *fixture) add(t *testing.T, addr string) *Challenge {
	t.Helper()
	c, err := f.reg.AddGuardian(context.Background(), account, Guardian{Address: addr, Nickname: "g", Method: MethodEmail})
	require.NoError(t, err)
	return c
}

func (f *fixture) addVerified(t *testing.T, addr string) {
	t.Helper()
	c := f.add(t, addr)
	_, err := f.reg.VerifyGuardian(context.Background(), account, addr, c.Code)
	require.NoError(t, err)
}

func TestAddGuardian(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.add(t, alice)
	assert.Len(t, c.Code, 6)
	assert.Equal(t, f.now.Add(DefaultChallengeTTL), c.ExpiresAt)

	setup, err := f.reg.Setup(ctx, account)
	require.NoError(t, err)
	g, ok := setup.Get(alice)
	require.True(t, ok)
	assert.Equal(t, StatusPending, g.Status)
	assert.Equal(t, owner, setup.Owner)

	_, err = f.reg.AddGuardian(ctx, account, Guardian{Address: strings.ToUpper(alice[2:]), Method: MethodEmail})
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)

	_, err = f.reg.AddGuardian(ctx, account, Guardian{Address: bob, Method: "pigeon"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.reg.AddGuardian(ctx, account, Guardian{Address: owner, Method: MethodEmail})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestAddGuardian_LimitExceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := policy.Default()
	p.MaxGuardians = 2
	require.NoError(t, policy.NewRepository(f.store).Set(ctx, account, p))

	f.add(t, alice)
	f.add(t, bob)
	_, err := f.reg.AddGuardian(ctx, account, Guardian{Address: carol, Method: MethodEmail})
	assert.ErrorIs(t, err, apperr.ErrLimitExceeded)
}

func TestVerifyGuardian_Code(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.add(t, alice)

	_, err := f.reg.VerifyGuardian(ctx, account, alice, "not-it")
	require.ErrorIs(t, err, apperr.ErrCodeMismatch)

	f.now = f.now.Add(time.Minute)
	g, err := f.reg.VerifyGuardian(ctx, account, alice, c.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, g.Status)
	assert.Equal(t, f.now, g.LastActivity)

	eligible, err := f.reg.IsEligibleSigner(ctx, account, alice)
	require.NoError(t, err)
	assert.True(t, eligible)

	// Challenge is consumed; verifying again is a no-op.
	_, err = f.reg.VerifyGuardian(ctx, account, alice, "000000")
	require.NoError(t, err)
}

func TestVerifyGuardian_AttemptsExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.add(t, alice)

	wrong := "000000"
	if c.Code == wrong {
		wrong = "111111"
	}
	for i := 0; i < DefaultMaxAttempts; i++ {
		_, err := f.reg.VerifyGuardian(ctx, account, alice, wrong)
		require.ErrorIs(t, err, apperr.ErrCodeMismatch)
	}

	_, err := f.reg.VerifyGuardian(ctx, account, alice, c.Code)
	require.ErrorIs(t, err, apperr.ErrCodeMismatch, "correct code must be refused after too many attempts")

	c2, err := f.reg.ReissueChallenge(ctx, account, alice)
	require.NoError(t, err)
	_, err = f.reg.VerifyGuardian(ctx, account, alice, c2.Code)
	require.NoError(t, err)
}

func TestVerifyGuardian_ChallengeExpired(t *testing.T) {
	f := newFixture(t)
	c := f.add(t, alice)

	f.now = f.now.Add(DefaultChallengeTTL + time.Second)
	_, err := f.reg.VerifyGuardian(context.Background(), account, alice, c.Code)
	assert.ErrorIs(t, err, apperr.ErrCodeMismatch)
}

func TestVerifyGuardian_WalletSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	c, err := f.reg.AddGuardian(ctx, account, Guardian{Address: addr, Method: MethodWalletSignature})
	require.NoError(t, err)
	require.NotEmpty(t, c.Message)
	assert.Empty(t, c.Code)

	// A signature from another key is rejected.
	other, _ := crypto.GenerateKey()
	badSig, _ := crypto.Sign(ethsig.HashMessage(c.Message), other)
	_, err = f.reg.VerifyGuardian(ctx, account, addr, "0x"+hex.EncodeToString(badSig))
	require.ErrorIs(t, err, apperr.ErrCodeMismatch)

	sig, err := crypto.Sign(ethsig.HashMessage(c.Message), key)
	require.NoError(t, err)
	sig[64] += 27
	g, err := f.reg.VerifyGuardian(ctx, account, addr, "0x"+hex.EncodeToString(sig))
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, g.Status)
}

func TestVerifyGuardian_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.VerifyGuardian(context.Background(), account, carol, "123456")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListGuardians_ActiveProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addVerified(t, alice)
	list, err := f.reg.ListGuardians(ctx, account)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusVerified, list[0].Status, "one of two required guardians is not active yet")

	f.now = f.now.Add(time.Second)
	f.addVerified(t, bob)
	list, err = f.reg.ListGuardians(ctx, account)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, alice, list[0].Address)
	for _, g := range list {
		assert.Equal(t, StatusActive, g.Status)
	}

	setup, _ := f.reg.Setup(ctx, account)
	assert.True(t, setup.IsActive(policy.Default()))

	// A pending guardian deactivates the registry until verified.
	f.add(t, carol)
	setup, _ = f.reg.Setup(ctx, account)
	assert.False(t, setup.IsActive(policy.Default()))
}

func TestRemoveGuardian_MinimumViolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addVerified(t, alice)
	f.addVerified(t, bob)

	err := f.reg.RemoveGuardian(ctx, account, alice)
	require.ErrorIs(t, err, apperr.ErrMinimumViolation)

	setup, _ := f.reg.Setup(ctx, account)
	assert.Equal(t, 2, setup.Count(), "registry must be unchanged")

	// Pending guardians can always be removed.
	f.add(t, carol)
	require.NoError(t, f.reg.RemoveGuardian(ctx, account, carol))

	challenge, err := f.store.GetHash(ctx, ChallengeKey(account, carol))
	require.NoError(t, err)
	assert.Empty(t, challenge, "challenge of a removed guardian is deleted")

	err = f.reg.RemoveGuardian(ctx, account, carol)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRemoveGuardian_RunsHooksAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addVerified(t, alice)
	f.addVerified(t, bob)
	f.addVerified(t, carol)
	f.addVerified(t, dave)

	var seen []string
	f.reg.OnIneligible(func(tx kvstore.Txn, acct, guardian string) error {
		seen = append(seen, guardian)
		tx.SetHash("marker:"+acct, map[string]string{"removed": guardian})
		return nil
	})
	require.NoError(t, f.reg.RemoveGuardian(ctx, account, bob))
	assert.Equal(t, []string{bob}, seen)

	marker, _ := f.store.GetHash(ctx, "marker:"+account)
	assert.Equal(t, bob, marker["removed"])

	blocked := errors.New("blocked")
	f.reg.OnIneligible(func(kvstore.Txn, string, string) error { return blocked })
	err := f.reg.RemoveGuardian(ctx, account, carol)
	require.ErrorIs(t, err, blocked)

	setup, _ := f.reg.Setup(ctx, account)
	_, stillThere := setup.Get(carol)
	assert.True(t, stillThere)
}

func TestSuspendAndReinstate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addVerified(t, alice)
	f.addVerified(t, bob)

	require.NoError(t, f.reg.SuspendGuardian(ctx, account, alice))
	eligible, _ := f.reg.IsEligibleSigner(ctx, account, alice)
	assert.False(t, eligible)

	setup, _ := f.reg.Setup(ctx, account)
	assert.False(t, setup.IsActive(policy.Default()))

	err := f.reg.SuspendGuardian(ctx, account, alice)
	assert.ErrorIs(t, err, apperr.ErrNotPending)

	require.NoError(t, f.reg.ReinstateGuardian(ctx, account, alice))
	eligible, _ = f.reg.IsEligibleSigner(ctx, account, alice)
	assert.True(t, eligible)
}

func TestSetOwnerRejectsGuardian(t *testing.T) {
	f := newFixture(t)
	f.add(t, alice)
	err := f.reg.SetOwner(context.Background(), account, alice)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	got, err := f.reg.Owner(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, owner, got)
}
