package wallet

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"

	"github.com/variablefate/ridestr-sub008/bdhke"
	"github.com/variablefate/ridestr-sub008/cashu"
	"github.com/variablefate/ridestr-sub008/escrow"
	"github.com/variablefate/ridestr-sub008/internal/minttest"
	"github.com/variablefate/ridestr-sub008/internal/relaytest"
	"github.com/variablefate/ridestr-sub008/ledger"
	"github.com/variablefate/ridestr-sub008/mint"
	"github.com/variablefate/ridestr-sub008/proofstore"
	"github.com/variablefate/ridestr-sub008/retry"
)

var testSeed = bytes.Repeat([]byte{3}, 64)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// stepClock advances one second per call so relay events never share a
// timestamp.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type harness struct {
	mint   *minttest.Mint
	client *mint.Client
	clock  *testClock
}

func newHarness(t *testing.T, opts minttest.Options) *harness {
	t.Helper()
	opts.AutoPay = true
	m := minttest.New(opts)
	t.Cleanup(m.Close)
	clock := &testClock{t: time.Unix(1700000000, 0)}
	m.SetNow(clock.now)
	c, err := mint.NewClient(mint.Config{URL: m.URL, Log: slog.Disabled, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	return &harness{mint: m, client: c, clock: clock}
}

// node is one wallet with its own ledger, relay and identity unless shared.
type node struct {
	wallet *Wallet
	ledger *ledger.Ledger
	relay  *relaytest.MemRelay
	store  *proofstore.Store
	keys   *proofstore.LocalKeys
	pay    *escrow.LocalPaymentKey
	reg    *prometheus.Registry
}

type nodeOpt func(*node, *Config)

// sharing reuses another node's ledger, relay and identity, as a second
// process of the same wallet would.
func sharing(o *node) nodeOpt {
	return func(n *node, _ *Config) {
		n.ledger, n.relay, n.keys, n.pay = o.ledger, o.relay, o.keys, o.pay
	}
}

// sharingStore reuses only the relay and identity, as a second device would.
func sharingStore(o *node) nodeOpt {
	return func(n *node, _ *Config) {
		n.relay, n.keys, n.pay = o.relay, o.keys, o.pay
	}
}

func withConfig(fn func(*Config)) nodeOpt {
	return func(_ *node, cfg *Config) { fn(cfg) }
}

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(ledger.Config{
		Path: filepath.Join(t.TempDir(), "ledger.db"),
		Key:  bytes.Repeat([]byte{9}, 32),
		Log:  slog.Disabled,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func (h *harness) newNode(t *testing.T, opts ...nodeOpt) *node {
	t.Helper()
	n := &node{reg: prometheus.NewRegistry()}
	cfg := Config{
		Mint:  h.client,
		Seed:  testSeed,
		Retry: retry.Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1, MaxAttempts: 2},
		Log:   slog.Disabled,
		Now:   h.clock.now,
	}
	for _, o := range opts {
		o(n, &cfg)
	}
	var err error
	if n.ledger == nil {
		n.ledger = openLedger(t)
	}
	if n.relay == nil {
		n.relay = relaytest.New()
	}
	if n.keys == nil {
		n.keys, err = proofstore.GenerateKeys()
		require.NoError(t, err)
	}
	if n.pay == nil {
		n.pay, err = escrow.GeneratePaymentKey()
		require.NoError(t, err)
	}
	sc := &stepClock{t: time.Unix(1700000000, 0)}
	n.store, err = proofstore.New(proofstore.Config{
		Relays:  []proofstore.Relay{n.relay},
		Keys:    n.keys,
		MintURL: h.client.URL(),
		Log:     slog.Disabled,
		Now:     sc.now,
	})
	require.NoError(t, err)

	cfg.Store = n.store
	cfg.Ledger = n.ledger
	cfg.PaymentKeys = n.pay
	cfg.Metrics = NewMetrics(n.reg)
	n.wallet, err = New(cfg)
	require.NoError(t, err)
	return n
}

func (n *node) deposit(t *testing.T, amount uint64) cashu.Proofs {
	t.Helper()
	ctx := context.Background()
	q, err := n.wallet.RequestDeposit(ctx, amount)
	require.NoError(t, err)
	proofs, err := n.wallet.CompleteDeposit(ctx, q.Quote, amount)
	require.NoError(t, err)
	return proofs
}

func (n *node) stored(t *testing.T) uint64 {
	t.Helper()
	ps, err := n.store.Fetch(context.Background())
	require.NoError(t, err)
	return ps.Amount()
}

func (n *node) pendingOps(t *testing.T) []*ledger.PendingOp {
	t.Helper()
	ops, err := n.ledger.PendingOps()
	require.NoError(t, err)
	return ops
}

func (n *node) metric(t *testing.T, name string, labels ...string) float64 {
	t.Helper()
	mfs, err := n.reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != metricsSubsystem+"_"+name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
						found = true
					}
				}
				if !found {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestNewRequiresLogger(t *testing.T) {
	_, err := New(Config{})
	assert.EqualError(t, err, "wallet must have logger")
}

func TestDepositDerivesFromSeed(t *testing.T) {
	h := newHarness(t, minttest.Options{})
	n := h.newNode(t)

	proofs := n.deposit(t, 1000)
	assert.Equal(t, uint64(1000), proofs.Amount())
	assert.Equal(t, uint64(1000), n.wallet.Balance())
	assert.Equal(t, uint64(1000), n.stored(t))
	assert.Empty(t, n.pendingOps(t))

	secret, _, err := bdhke.DeriveSecret(testSeed, h.mint.KeysetID(), 0)
	require.NoError(t, err)
	assert.Equal(t, secret, proofs[0].Secret)

	c, err := n.ledger.Counter(h.mint.KeysetID())
	require.NoError(t, err)
	assert.Equal(t, uint64(len(cashu.SplitAmount(1000))), c)
	assert.Equal(t, float64(1000), n.metric(t, "balance_sats"))
}

func TestDepositWithoutSeedFailsClosed(t *testing.T) {
	h := newHarness(t, minttest.Options{})
	n := h.newNode(t, withConfig(func(c *Config) { c.Seed = nil }))
	_, err := n.wallet.RequestDeposit(context.Background(), 100)
	assert.ErrorIs(t, err, bdhke.ErrNoSeed)
	assert.Equal(t, 0, h.mint.Calls("mintquote"))
}

func TestWithdrawReturnsChange(t *testing.T) {
	h := newHarness(t, minttest.Options{FeeReserve: 4, ActualFee: 1})
	n := h.newNode(t)
	n.deposit(t, 1000)

	res, err := n.wallet.Withdraw(context.Background(), minttest.Invoice(100))
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assert.Equal(t, uint64(3), res.Change.Amount())
	assert.Equal(t, uint64(1), res.Fee)
	assert.Equal(t, uint64(899), n.wallet.Balance())
	assert.Equal(t, uint64(899), n.stored(t))
	assert.Empty(t, n.pendingOps(t))

	// The spent record was replaced, not left beside the new one.
	assert.Len(t, n.relay.Events(proofstore.KindToken), 1)
}

func TestWithdrawPendingResolvedOnReconcile(t *testing.T) {
	h := newHarness(t, minttest.Options{MeltPending: true})
	n := h.newNode(t)
	n.deposit(t, 1000)
	ctx := context.Background()

	res, err := n.wallet.Withdraw(ctx, minttest.Invoice(100))
	require.NoError(t, err)
	require.True(t, res.Pending)
	assert.Len(t, n.pendingOps(t), 1)
	assert.Less(t, n.wallet.Balance(), uint64(1000))

	// Still pending: reconcile leaves it and spends are not blocked.
	require.NoError(t, n.wallet.Reconcile(ctx))
	assert.Len(t, n.pendingOps(t), 1)

	h.mint.SettleMelt(res.Quote.Quote, false)
	require.NoError(t, n.wallet.Reconcile(ctx))
	assert.Empty(t, n.pendingOps(t))

	bal, err := n.wallet.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal)
}

func TestPublishFailureFallsBackToRecoveryToken(t *testing.T) {
	h := newHarness(t, minttest.Options{})
	n := h.newNode(t)
	ctx := context.Background()
	n.deposit(t, 1000)

	n.relay.FailPublish = func(ev nostr.Event) bool { return ev.Kind == proofstore.KindToken }
	n.deposit(t, 500)
	assert.Empty(t, n.pendingOps(t))

	tokens, err := n.ledger.RecoveryTokens()
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, uint64(500), tokens[0].TotalAmount)
	assert.Equal(t, uint64(1500), n.wallet.Balance())
	assert.Equal(t, float64(1), n.metric(t, "recovery_tokens_total"))
	assert.Equal(t, float64(2), n.metric(t, "publish_retries_total"))

	n.relay.FailPublish = nil
	recovered, err := n.wallet.RecoverTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), recovered)
	tokens, err = n.ledger.RecoveryTokens()
	require.NoError(t, err)
	assert.Empty(t, tokens)
	assert.Equal(t, uint64(1500), n.stored(t))
	assert.Equal(t, float64(500), n.metric(t, "recovered_sats_total"))
}

func TestFailedRepublishNeverDeletesUnspent(t *testing.T) {
	h := newHarness(t, minttest.Options{})
	n := h.newNode(t)
	ctx := context.Background()
	n.deposit(t, 1000)
	before := n.relay.Events(proofstore.KindToken)
	require.Len(t, before, 1)

	n.relay.FailPublish = func(ev nostr.Event) bool { return ev.Kind == proofstore.KindToken }
	_, err := n.wallet.Withdraw(ctx, minttest.Invoice(100))
	require.NoError(t, err)

	// The old record still holds the survivors; they are also parked.
	after := n.relay.Events(proofstore.KindToken)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID)
	tokens, err := n.ledger.RecoveryTokens()
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, uint64(900), tokens[0].TotalAmount)

	n.relay.FailPublish = nil
	bal, err := n.wallet.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(900), bal)
	_, err = n.wallet.RecoverTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(900), n.stored(t))
	for _, ev := range n.relay.Events(proofstore.KindToken) {
		assert.NotEqual(t, before[0].ID, ev.ID)
	}
}

func TestPersistReportsDurabilityFailure(t *testing.T) {
	h := newHarness(t, minttest.Options{})
	n := h.newNode(t)
	n.relay.FailPublish = func(nostr.Event) bool { return true }
	require.NoError(t, n.ledger.Close())

	err := n.wallet.persist(context.Background(), nil, h.mint.Issue(8), "test")
	assert.ErrorIs(t, err, ErrDurability)
}

func TestSelectionResyncsFromStore(t *testing.T) {
	h := newHarness(t, minttest.Options{})
	a := h.newNode(t)
	a.deposit(t, 1000)

	// A second process of the same wallet starts with an empty proof set.
	b := h.newNode(t, sharing(a))
	assert.Zero(t, b.wallet.Balance())
	res, err := b.wallet.Withdraw(context.Background(), minttest.Invoice(100))
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assert.Equal(t, uint64(900), b.wallet.Balance())
}

func TestInsufficientFunds(t *testing.T) {
	h := newHarness(t, minttest.Options{})
	n := h.newNode(t)
	n.deposit(t, 100)
	_, err := n.wallet.Withdraw(context.Background(), minttest.Invoice(500))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Empty(t, n.pendingOps(t))
	assert.Equal(t, uint64(100), n.wallet.Balance())
}

func TestSpentProofsDroppedBeforeSpend(t *testing.T) {
	h := newHarness(t, minttest.Options{})
	n := h.newNode(t)
	proofs := n.deposit(t, 96)

	// Another device spent the 64.
	var big cashu.Proofs
	for _, p := range proofs {
		if p.Amount == 64 {
			big = append(big, p)
		}
	}
	h.mint.MarkSpent(big)

	_, err := n.wallet.Withdraw(context.Background(), minttest.Invoice(40))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, uint64(32), n.wallet.Balance())
	assert.Equal(t, uint64(32), n.stored(t))
}

func TestReconcileLostMintResponse(t *testing.T) {
	h := newHarness(t, minttest.Options{})
	n := h.newNode(t)
	ctx := context.Background()

	q, err := n.wallet.RequestDeposit(ctx, 1000)
	require.NoError(t, err)
	h.mint.FailNext("mint", minttest.FailAfter, 2)
	_, err = n.wallet.CompleteDeposit(ctx, q.Quote, 1000)
	require.Error(t, err)
	assert.True(t, mint.IsTransport(err))
	require.Len(t, n.pendingOps(t), 1)
	assert.Zero(t, n.wallet.Balance())

	require.NoError(t, n.wallet.Reconcile(ctx))
	assert.Empty(t, n.pendingOps(t))
	assert.Equal(t, uint64(1000), n.wallet.Balance())
	assert.Equal(t, uint64(1000), n.stored(t))
	c, err := n.ledger.Counter(h.mint.KeysetID())
	require.NoError(t, err)
	assert.Equal(t, uint64(len(cashu.SplitAmount(1000))), c)
}

func TestRestoreFromSeed(t *testing.T) {
	h := newHarness(t, minttest.Options{})
	a := h.newNode(t)
	a.deposit(t, 1000)

	// Same seed, nothing else: a fresh device with no relay history.
	b := h.newNode(t)
	ctx := context.Background()
	restored, err := b.wallet.RestoreFromSeed(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), restored)
	assert.Equal(t, uint64(1000), b.stored(t))
	c, err := b.ledger.Counter(h.mint.KeysetID())
	require.NoError(t, err)
	assert.Equal(t, uint64(len(cashu.SplitAmount(1000))), c)

	again, err := b.wallet.RestoreFromSeed(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestSyncSharesCounters(t *testing.T) {
	h := newHarness(t, minttest.Options{})
	entropy, err := bip39.NewEntropy(128)
	require.NoError(t, err)
	phrase, err := bip39.NewMnemonic(entropy)
	require.NoError(t, err)
	mnemonic := withConfig(func(c *Config) {
		c.Seed = nil
		c.Mnemonic = phrase
	})

	a := h.newNode(t, mnemonic)
	a.deposit(t, 1000)
	ctx := context.Background()
	_, err = a.wallet.Sync(ctx)
	require.NoError(t, err)

	meta, err := a.store.FetchWalletMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, phrase, meta.Seed)
	assert.Equal(t, a.pay.PrivateKey(), meta.PrivKey)
	assert.Equal(t, h.client.URL(), meta.Mint)

	// Another device under the same identity picks up the counters.
	b := h.newNode(t, sharingStore(a), mnemonic)
	bal, err := b.wallet.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal)
	c, err := b.ledger.Counter(h.mint.KeysetID())
	require.NoError(t, err)
	assert.Equal(t, uint64(len(cashu.SplitAmount(1000))), c)
}

func TestSpendLockHonoursContext(t *testing.T) {
	h := newHarness(t, minttest.Options{})
	n := h.newNode(t)
	unlock, err := n.wallet.lockSpend(context.Background())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = n.wallet.Sync(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartLoadsAndStops(t *testing.T) {
	h := newHarness(t, minttest.Options{})
	a := h.newNode(t)
	a.deposit(t, 1000)

	b := h.newNode(t, sharing(a), withConfig(func(c *Config) {
		c.RefundScanInterval = 10 * time.Millisecond
	}))
	require.NoError(t, b.wallet.Start(context.Background()))
	assert.Equal(t, uint64(1000), b.wallet.Balance())
	assert.Error(t, b.wallet.Start(context.Background()))
	require.NoError(t, b.wallet.Stop())
}

func TestWatchQuoteReportsPayment(t *testing.T) {
	m := minttest.New(minttest.Options{})
	t.Cleanup(m.Close)
	c, err := mint.NewClient(mint.Config{URL: m.URL, Log: slog.Disabled, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	h := &harness{mint: m, client: c, clock: &testClock{t: time.Unix(1700000000, 0)}}
	n := h.newNode(t, withConfig(func(cfg *Config) { cfg.QuotePollInterval = 10 * time.Millisecond }))

	ctx := context.Background()
	require.NoError(t, n.wallet.Start(ctx))
	defer n.wallet.Stop()

	q, err := n.wallet.RequestDeposit(ctx, 500)
	require.NoError(t, err)
	updates, unwatch := n.wallet.WatchQuote(q.Quote)
	defer unwatch()

	next := func() mint.QuoteUpdate {
		t.Helper()
		select {
		case u := <-updates:
			require.NoError(t, u.Err)
			assert.Equal(t, q.Quote, u.Quote)
			return u
		case <-time.After(5 * time.Second):
			t.Fatal("no quote update")
		}
		return mint.QuoteUpdate{}
	}
	assert.Equal(t, mint.QuoteUnpaid, next().State)

	m.PayQuote(q.Quote)
	for next().State != mint.QuotePaid {
	}

	proofs, err := n.wallet.CompleteDeposit(ctx, q.Quote, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), proofs.Amount())
}
