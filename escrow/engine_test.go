package escrow

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/variablefate/ridestr-sub008/bdhke"
	"github.com/variablefate/ridestr-sub008/cashu"
	"github.com/variablefate/ridestr-sub008/internal/minttest"
	"github.com/variablefate/ridestr-sub008/ledger"
	"github.com/variablefate/ridestr-sub008/mint"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type side struct {
	engine *Engine
	ledger *ledger.Ledger
	key    *LocalPaymentKey
}

type env struct {
	mint   *minttest.Mint
	client *mint.Client
	clock  *testClock
	payer  side
	payee  side
}

const feePpk = 100

func newSide(t *testing.T, c *mint.Client, clock *testClock, seed []byte, policy ClaimPolicy) side {
	t.Helper()
	l, err := ledger.Open(ledger.Config{
		Path: filepath.Join(t.TempDir(), "ledger.db"),
		Key:  bytes.Repeat([]byte{7}, 32),
		Log:  slog.Disabled,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	key, err := GeneratePaymentKey()
	require.NoError(t, err)
	e, err := NewEngine(Config{Mint: c, Ledger: l, Keys: key, Seed: seed, Policy: policy, Log: slog.Disabled, Now: clock.now})
	require.NoError(t, err)
	return side{engine: e, ledger: l, key: key}
}

func newEnv(t *testing.T, policy ClaimPolicy) *env {
	t.Helper()
	m := minttest.New(minttest.Options{InputFeePpk: feePpk})
	t.Cleanup(m.Close)
	clock := &testClock{t: time.Unix(1700000000, 0)}
	m.SetNow(clock.now)
	c, err := mint.NewClient(mint.Config{URL: m.URL, Log: slog.Disabled})
	require.NoError(t, err)
	return &env{
		mint:   m,
		client: c,
		clock:  clock,
		payer:  newSide(t, c, clock, bytes.Repeat([]byte{1}, 64), policy),
		payee:  newSide(t, c, clock, bytes.Repeat([]byte{2}, 64), policy),
	}
}

// lock has the payer lock amount to the payee and the payee receive it.
func (e *env) lock(t *testing.T, amount uint64, preimage string) (*Result, *ledger.PendingHtlc) {
	t.Helper()
	ctx := context.Background()
	inputs := e.mint.Issue(2000)
	res, err := e.payer.engine.Lock(ctx, inputs, LockParams{
		EscrowID:    "ride-1",
		Amount:      amount,
		PaymentHash: PaymentHash(preimage),
		Locktime:    e.clock.now().Add(time.Hour),
		PayeePubKey: e.payee.key.PublicKey(),
	})
	require.NoError(t, err)
	require.NoError(t, e.payer.ledger.DeletePendingOp(res.OpID))

	recv, err := e.payee.engine.Receive(ctx, res.Htlc.Token, ReceiveParams{EscrowID: "ride-1", PaymentHash: PaymentHash(preimage)})
	require.NoError(t, err)
	return res, recv
}

func lockedProofs(t *testing.T, h *ledger.PendingHtlc) cashu.Proofs {
	t.Helper()
	p, err := h.Proofs()
	require.NoError(t, err)
	return p
}

func TestLockConservesValue(t *testing.T) {
	e := newEnv(t, VerifyWithMint)
	preimage, _, err := NewPreimage()
	require.NoError(t, err)
	res, _ := e.lock(t, 1000, preimage)

	locked := lockedProofs(t, res.Htlc)
	assert.Equal(t, uint64(1000), locked.Amount())
	// 2000 in six proofs, fee ceil(600/1000) = 1.
	assert.Equal(t, uint64(999), res.Proofs.Amount())
	assert.Equal(t, uint64(2000), res.Spent.Amount())
	assert.Equal(t, ledger.StatusLocked, res.Htlc.Status)
	assert.Equal(t, ledger.RolePayer, res.Htlc.Role)

	for _, p := range locked {
		s, err := cashu.ParseSecret(p.Secret)
		require.NoError(t, err)
		assert.Equal(t, cashu.KindHTLC, s.Kind)
		assert.Equal(t, PaymentHash(preimage), s.Data)
	}
	// Change is deterministic, so the counter moved past it.
	c, err := e.payer.ledger.Counter(e.mint.KeysetID())
	require.NoError(t, err)
	assert.Equal(t, uint64(len(res.Proofs)), c)
}

func TestRefundRespectsLocktime(t *testing.T) {
	e := newEnv(t, VerifyWithMint)
	preimage, _, err := NewPreimage()
	require.NoError(t, err)
	res, _ := e.lock(t, 1000, preimage)
	ctx := context.Background()
	T := time.Unix(res.Htlc.Locktime, 0)

	e.clock.set(T.Add(-time.Second))
	_, err = e.payer.engine.Refund(ctx, "ride-1")
	assert.ErrorIs(t, err, ErrNotYetRefundable)
	h, err := e.payer.ledger.Htlc("ride-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusLocked, h.Status)

	e.clock.set(T.Add(time.Second))
	out, err := e.payer.engine.Refund(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, out.Htlc.Status)

	fee := cashu.Fee(lockedProofs(t, res.Htlc), map[string]uint{e.mint.KeysetID(): feePpk})
	assert.Equal(t, 1000-fee, out.Proofs.Amount())

	h, err = e.payer.ledger.Htlc("ride-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, h.Status)
}

func TestClaim(t *testing.T) {
	e := newEnv(t, VerifyWithMint)
	ctx := context.Background()
	preimage, _, err := NewPreimage()
	require.NoError(t, err)
	e.lock(t, 1000, preimage)

	wrong, _, err := NewPreimage()
	require.NoError(t, err)
	_, err = e.payee.engine.Claim(ctx, "ride-1", wrong)
	assert.ErrorIs(t, err, ErrWrongPreimage)
	h, err := e.payee.ledger.Htlc("ride-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusLocked, h.Status)

	res, err := e.payee.engine.Claim(ctx, "ride-1", preimage)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClaimed, res.Htlc.Status)
	assert.Equal(t, uint64(999), res.Proofs.Amount())
	assert.Equal(t, preimage, res.Htlc.Preimage)

	_, err = e.payee.engine.Claim(ctx, "ride-1", preimage)
	assert.ErrorIs(t, err, ErrSettled)

	// The payer hears about it and confirms against the mint.
	ph, err := e.payer.engine.ConfirmClaimNotice(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClaimed, ph.Status)

	e.clock.set(e.clock.now().Add(2 * time.Hour))
	_, err = e.payer.engine.Refund(ctx, "ride-1")
	assert.ErrorIs(t, err, ErrSettled)
}

func TestClaimByOtherKeyRejected(t *testing.T) {
	e := newEnv(t, VerifyWithMint)
	preimage, _, err := NewPreimage()
	require.NoError(t, err)
	res, _ := e.lock(t, 64, preimage)

	// The payer holds the token but is not the payee.
	_, err = e.payer.engine.Receive(context.Background(), res.Htlc.Token, ReceiveParams{EscrowID: "x"})
	assert.ErrorIs(t, err, ErrNotPayee)
}

func TestRefundAfterClaimMarksClaimed(t *testing.T) {
	e := newEnv(t, VerifyWithMint)
	ctx := context.Background()
	preimage, _, err := NewPreimage()
	require.NoError(t, err)
	res, _ := e.lock(t, 1000, preimage)

	_, err = e.payee.engine.Claim(ctx, "ride-1", preimage)
	require.NoError(t, err)

	e.clock.set(time.Unix(res.Htlc.Locktime+1, 0))
	out, err := e.payer.engine.Refund(ctx, "ride-1")
	assert.ErrorIs(t, err, ErrCounterpartyActed)
	require.NotNil(t, out)
	assert.Equal(t, ledger.StatusClaimed, out.Htlc.Status)
	assert.Empty(t, out.Proofs)
}

func TestClaimAfterRefundFails(t *testing.T) {
	e := newEnv(t, VerifyWithMint)
	ctx := context.Background()
	preimage, _, err := NewPreimage()
	require.NoError(t, err)
	res, _ := e.lock(t, 1000, preimage)

	e.clock.set(time.Unix(res.Htlc.Locktime+1, 0))
	_, err = e.payer.engine.Refund(ctx, "ride-1")
	require.NoError(t, err)

	out, err := e.payee.engine.Claim(ctx, "ride-1", preimage)
	assert.ErrorIs(t, err, ErrCounterpartyActed)
	assert.Equal(t, ledger.StatusFailed, out.Htlc.Status)

	h, err := e.payee.ledger.Htlc("ride-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, h.Status)
	ops, err := e.payee.ledger.PendingOps()
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestTransportFailureKeepsState(t *testing.T) {
	e := newEnv(t, VerifyWithMint)
	ctx := context.Background()
	preimage, _, err := NewPreimage()
	require.NoError(t, err)
	res, _ := e.lock(t, 1000, preimage)
	e.clock.set(time.Unix(res.Htlc.Locktime+1, 0))

	e.mint.FailNext("swap", minttest.FailBefore, 1)
	_, err = e.payer.engine.Refund(ctx, "ride-1")
	assert.True(t, mint.IsTransport(err))
	h, err := e.payer.ledger.Htlc("ride-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusLocked, h.Status)

	// The marker survives and resolves to "never happened".
	ops, err := e.payer.ledger.PendingOps()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	out, err := e.payer.engine.Resume(ctx, ops[0])
	require.NoError(t, err)
	assert.Nil(t, out)
	ops, err = e.payer.ledger.PendingOps()
	require.NoError(t, err)
	assert.Empty(t, ops)

	out, err = e.payer.engine.Refund(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, out.Htlc.Status)
}

func TestCanceledRefundKeepsState(t *testing.T) {
	e := newEnv(t, VerifyWithMint)
	preimage, _, err := NewPreimage()
	require.NoError(t, err)
	res, _ := e.lock(t, 1000, preimage)
	e.clock.set(time.Unix(res.Htlc.Locktime+1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.payer.engine.Refund(ctx, "ride-1")
	assert.Error(t, err)
	h, err := e.payer.ledger.Htlc("ride-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusLocked, h.Status)
}

func TestResumeLostClaimResponse(t *testing.T) {
	e := newEnv(t, VerifyWithMint)
	ctx := context.Background()
	preimage, _, err := NewPreimage()
	require.NoError(t, err)
	e.lock(t, 1000, preimage)

	e.mint.FailNext("swap", minttest.FailAfter, 1)
	_, err = e.payee.engine.Claim(ctx, "ride-1", preimage)
	require.Error(t, err)

	ops, err := e.payee.ledger.PendingOps()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	out, err := e.payee.engine.Resume(ctx, ops[0])
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClaimed, out.Htlc.Status)
	assert.Equal(t, uint64(999), out.Proofs.Amount())
	assert.Equal(t, ops[0].ID, out.OpID)
}

func TestClaimNoticePolicy(t *testing.T) {
	ctx := context.Background()
	preimage, _, err := NewPreimage()
	require.NoError(t, err)

	e := newEnv(t, VerifyWithMint)
	e.lock(t, 100, preimage)
	h, err := e.payer.engine.ConfirmClaimNotice(ctx, "ride-1")
	assert.ErrorIs(t, err, ErrClaimNotConfirmed)
	assert.Equal(t, ledger.StatusLocked, h.Status)

	trusting := newEnv(t, TrustNotice)
	trusting.lock(t, 100, preimage)
	h, err = trusting.payer.engine.ConfirmClaimNotice(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClaimed, h.Status)
}

func TestClaimNoticeRefusedWhileRefundInFlight(t *testing.T) {
	// A trusting policy would otherwise settle the notice without a mint check.
	e := newEnv(t, TrustNotice)
	ctx := context.Background()
	preimage, _, err := NewPreimage()
	require.NoError(t, err)
	res, _ := e.lock(t, 1000, preimage)
	e.clock.set(time.Unix(res.Htlc.Locktime+1, 0))

	e.mint.FailNext("swap", minttest.FailAfter, 1)
	_, err = e.payer.engine.Refund(ctx, "ride-1")
	require.Error(t, err)
	ops, err := e.payer.ledger.PendingOps()
	require.NoError(t, err)
	require.Len(t, ops, 1)

	h, err := e.payer.engine.ConfirmClaimNotice(ctx, "ride-1")
	assert.ErrorIs(t, err, ErrOpInFlight)
	assert.Equal(t, ledger.StatusLocked, h.Status)

	out, err := e.payer.engine.Resume(ctx, ops[0])
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, out.Htlc.Status)
	require.NoError(t, e.payer.ledger.DeletePendingOp(out.OpID))

	h, err = e.payer.engine.ConfirmClaimNotice(ctx, "ride-1")
	assert.ErrorIs(t, err, ErrSettled)
	assert.Equal(t, ledger.StatusRefunded, h.Status)
}

func TestRefundPartlySpent(t *testing.T) {
	e := newEnv(t, VerifyWithMint)
	ctx := context.Background()
	preimage, _, err := NewPreimage()
	require.NoError(t, err)
	res, _ := e.lock(t, 1000, preimage)
	locked := lockedProofs(t, res.Htlc)
	require.Greater(t, len(locked), 1)

	// The payee redeemed one proof and kept quiet about it.
	e.mint.MarkSpent(locked[:1])
	rest := locked[1:]

	e.clock.set(time.Unix(res.Htlc.Locktime+1, 0))
	out, err := e.payer.engine.Refund(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, out.Htlc.Status)
	fee := cashu.Fee(rest, map[string]uint{e.mint.KeysetID(): feePpk})
	assert.Equal(t, rest.Amount()-fee, out.Proofs.Amount())

	states, err := e.client.CheckProofs(ctx, locked)
	require.NoError(t, err)
	for _, st := range states {
		assert.Equal(t, cashu.StateSpent, st)
	}
}

func TestRefundExpired(t *testing.T) {
	e := newEnv(t, VerifyWithMint)
	preimage, _, err := NewPreimage()
	require.NoError(t, err)
	res, _ := e.lock(t, 500, preimage)

	results, err := e.payer.engine.RefundExpired(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)

	e.clock.set(time.Unix(res.Htlc.Locktime+1, 0))
	results, err = e.payer.engine.RefundExpired(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ledger.StatusRefunded, results[0].Htlc.Status)
	assert.NotEmpty(t, results[0].Proofs)

	// The payee side never refunds.
	results, err = e.payee.engine.RefundExpired(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLockRejectsStaleInputs(t *testing.T) {
	e := newEnv(t, VerifyWithMint)
	inputs := e.mint.Issue(2000)
	e.mint.MarkSpent(inputs[:1])
	_, err := e.payer.engine.Lock(context.Background(), inputs, LockParams{
		Amount:      100,
		Locktime:    e.clock.now().Add(time.Hour),
		PayeePubKey: e.payee.key.PublicKey(),
	})
	assert.EqualError(t, err, "escrow needs a payment hash")

	_, ph, err := NewPreimage()
	require.NoError(t, err)
	_, err = e.payer.engine.Lock(context.Background(), inputs, LockParams{
		Amount:      100,
		PaymentHash: ph,
		Locktime:    e.clock.now().Add(time.Hour),
		PayeePubKey: e.payee.key.PublicKey(),
	})
	var stale *StaleInputsError
	require.True(t, errors.As(err, &stale))
	assert.Len(t, stale.Proofs, 1)
	assert.ErrorIs(t, err, ErrStaleInputs)
}

func TestLockWithoutSeedFailsClosed(t *testing.T) {
	e := newEnv(t, VerifyWithMint)
	seedless := newSide(t, e.client, e.clock, nil, VerifyWithMint)
	_, ph, err := NewPreimage()
	require.NoError(t, err)
	_, err = seedless.engine.Lock(context.Background(), e.mint.Issue(64), LockParams{
		Amount:      32,
		PaymentHash: ph,
		Locktime:    e.clock.now().Add(time.Hour),
		PayeePubKey: e.payee.key.PublicKey(),
	})
	assert.ErrorIs(t, err, bdhke.ErrNoSeed)
}

func TestParseClaimPolicy(t *testing.T) {
	p, err := ParseClaimPolicy("")
	require.NoError(t, err)
	assert.Equal(t, VerifyWithMint, p)
	p, err = ParseClaimPolicy("Trust")
	require.NoError(t, err)
	assert.Equal(t, TrustNotice, p)
	_, err = ParseClaimPolicy("maybe")
	assert.Error(t, err)
}
