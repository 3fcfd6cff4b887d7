package mint

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/variablefate/ridestr-sub008/bdhke"
	"github.com/variablefate/ridestr-sub008/cashu"
	"github.com/variablefate/ridestr-sub008/internal/minttest"
)

func newTestClient(t *testing.T, opts minttest.Options) (*Client, *minttest.Mint) {
	t.Helper()
	m := minttest.New(opts)
	t.Cleanup(m.Close)
	c, err := NewClient(Config{URL: m.URL, Log: slog.Disabled, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	return c, m
}

var testSeed = bytes.Repeat([]byte{0x5a}, 64)

func mintProofs(t *testing.T, c *Client, amount uint64, counter uint64) cashu.Proofs {
	t.Helper()
	ctx := context.Background()
	ks, err := c.ActiveKeyset(ctx)
	require.NoError(t, err)
	q, err := c.RequestMintQuote(ctx, amount)
	require.NoError(t, err)
	pms, err := bdhke.DeterministicPreMints(testSeed, ks.Id, counter, cashu.SplitAmount(amount))
	require.NoError(t, err)
	sigs, err := c.Mint(ctx, q.Quote, bdhke.Messages(pms))
	require.NoError(t, err)
	proofs, err := bdhke.ConstructProofs(sigs, pms, ks)
	require.NoError(t, err)
	return proofs
}

func TestNewClientRequiresLogger(t *testing.T) {
	_, err := NewClient(Config{URL: "http://localhost"})
	assert.Error(t, err)
}

func TestActiveKeyset(t *testing.T) {
	c, m := newTestClient(t, minttest.Options{InputFeePpk: 100})
	ks, err := c.ActiveKeyset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, m.KeysetID(), ks.Id)
	assert.Equal(t, uint(100), ks.InputFeePpk)
	assert.True(t, ks.Active)

	// Cached keys are served without another request.
	before := m.Calls("keys")
	_, err = c.Keys(context.Background(), ks.Id)
	require.NoError(t, err)
	assert.Equal(t, before, m.Calls("keys"))

	_, err = c.Keys(context.Background(), "00ffffffffffffff")
	assert.True(t, HasCode(err, CodeKeysetUnknown))
}

func TestMintAndCheckState(t *testing.T) {
	c, _ := newTestClient(t, minttest.Options{AutoPay: true, DLEQ: true})
	proofs := mintProofs(t, c, 13, 0)
	assert.Equal(t, uint64(13), proofs.Amount())
	for _, p := range proofs {
		assert.NotNil(t, p.DLEQ)
	}

	states, err := c.CheckProofs(context.Background(), proofs)
	require.NoError(t, err)
	for _, s := range states {
		assert.Equal(t, cashu.StateUnspent, s)
	}
}

func TestMintUnpaidQuoteRejected(t *testing.T) {
	c, m := newTestClient(t, minttest.Options{})
	ctx := context.Background()
	ks, err := c.ActiveKeyset(ctx)
	require.NoError(t, err)
	q, err := c.RequestMintQuote(ctx, 4)
	require.NoError(t, err)
	pms, err := bdhke.DeterministicPreMints(testSeed, ks.Id, 0, []uint64{4})
	require.NoError(t, err)

	_, err = c.Mint(ctx, q.Quote, bdhke.Messages(pms))
	assert.True(t, HasCode(err, CodeQuoteNotPaid))
	assert.False(t, IsTransport(err))
	assert.Equal(t, 1, m.Calls("mint"))
}

func TestMintLegacyPromisesFallsBack(t *testing.T) {
	c, m := newTestClient(t, minttest.Options{AutoPay: true, Legacy: true})
	proofs := mintProofs(t, c, 8, 0)
	assert.Equal(t, uint64(8), proofs.Amount())
	// regular path, direct path (already issued), then restore
	assert.Equal(t, 2, m.Calls("mint"))
	assert.Equal(t, 1, m.Calls("restore"))
}

func TestMintLostResponseRestored(t *testing.T) {
	c, m := newTestClient(t, minttest.Options{AutoPay: true})
	m.FailNext("mint", minttest.FailAfter, 1)
	proofs := mintProofs(t, c, 5, 0)
	assert.Equal(t, uint64(5), proofs.Amount())
	assert.Equal(t, 1, m.Calls("restore"))
}

func TestSwapErrors(t *testing.T) {
	c, m := newTestClient(t, minttest.Options{})
	ctx := context.Background()
	ks, err := c.ActiveKeyset(ctx)
	require.NoError(t, err)

	inputs := m.Issue(8)
	pms, err := bdhke.DeterministicPreMints(testSeed, ks.Id, 0, []uint64{8})
	require.NoError(t, err)
	_, err = c.Swap(ctx, inputs, bdhke.Messages(pms))
	require.NoError(t, err)

	pms2, err := bdhke.DeterministicPreMints(testSeed, ks.Id, 1, []uint64{8})
	require.NoError(t, err)
	_, err = c.Swap(ctx, inputs, bdhke.Messages(pms2))
	assert.True(t, IsAlreadySpent(err))
	assert.True(t, IsRejected(err))

	// Reusing outputs is rejected as already signed.
	_, err = c.Swap(ctx, m.Issue(8), bdhke.Messages(pms))
	assert.True(t, HasCode(err, CodeOutputsAlreadySigned))

	m.FailNext("swap", minttest.FailBefore, 1)
	_, err = c.Swap(ctx, m.Issue(8), bdhke.Messages(pms2))
	assert.True(t, IsTransport(err))
	assert.False(t, IsRejected(err))
}

func TestCheckStateBatches(t *testing.T) {
	c, m := newTestClient(t, minttest.Options{})
	var proofs cashu.Proofs
	for i := 0; i < 250; i++ {
		proofs = append(proofs, m.Issue(1)...)
	}
	m.MarkSpent(proofs[120:121])

	states, err := c.CheckProofs(context.Background(), proofs)
	require.NoError(t, err)
	require.Len(t, states, 250)
	assert.Equal(t, 3, m.Calls("checkstate"))
	for i, s := range states {
		if i == 120 {
			assert.Equal(t, cashu.StateSpent, s)
			continue
		}
		assert.Equal(t, cashu.StateUnspent, s)
	}
}

func TestMeltReturnsChange(t *testing.T) {
	c, m := newTestClient(t, minttest.Options{FeeReserve: 4, ActualFee: 1})
	ctx := context.Background()
	ks, err := c.ActiveKeyset(ctx)
	require.NoError(t, err)

	q, err := c.RequestMeltQuote(ctx, minttest.Invoice(50))
	require.NoError(t, err)
	assert.Equal(t, uint64(50), q.Amount)
	assert.Equal(t, uint64(4), q.FeeReserve)

	inputs := m.Issue(64)
	pms, err := bdhke.DeterministicPreMints(testSeed, ks.Id, 0, cashu.SplitAmount(64-50))
	require.NoError(t, err)
	res, err := c.Melt(ctx, q.Quote, inputs, bdhke.Messages(pms))
	require.NoError(t, err)
	assert.Equal(t, QuotePaid, res.State)

	change, err := bdhke.ConstructProofs(res.Change, pms, ks)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), change.Amount())
	assert.Equal(t, inputs.Amount()-q.Amount-1, change.Amount())
}

func TestWaitMintQuotePaidPolls(t *testing.T) {
	c, m := newTestClient(t, minttest.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q, err := c.RequestMintQuote(ctx, 21)
	require.NoError(t, err)
	go func() {
		time.Sleep(50 * time.Millisecond)
		m.PayQuote(q.Quote)
	}()
	paid, err := c.WaitMintQuotePaid(ctx, q.Quote)
	require.NoError(t, err)
	assert.True(t, paid.Paid())
}

func TestQuoteWatcher(t *testing.T) {
	c, m := newTestClient(t, minttest.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewQuoteWatcher(slog.Disabled, c, 10*time.Millisecond)
	go w.Run(ctx)
	defer w.Stop()

	q, err := c.RequestMintQuote(ctx, 3)
	require.NoError(t, err)
	ch, unsub := w.Subscribe(q.Quote)
	defer unsub()

	m.PayQuote(q.Quote)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u := <-ch:
			require.NoError(t, u.Err)
			if u.State == QuotePaid {
				return
			}
		case <-timeout:
			t.Fatalf("no paid update")
		}
	}
}
