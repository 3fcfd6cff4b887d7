package proofstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/variablefate/ridestr-sub008/cashu"
	"github.com/variablefate/ridestr-sub008/internal/relaytest"
)

const testMint = "https://mint.example"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

// now advances one second per call so events never share a timestamp.
func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T, keys Keys, relays ...Relay) *Store {
	t.Helper()
	c := &clock{t: time.Unix(1700000000, 0)}
	s, err := New(Config{Relays: relays, Keys: keys, MintURL: testMint, Log: slog.Disabled, Now: c.now})
	require.NoError(t, err)
	return s
}

func testKeys(t *testing.T) *LocalKeys {
	t.Helper()
	k, err := GenerateKeys()
	require.NoError(t, err)
	return k
}

func proofs(prefix string, amounts ...uint64) cashu.Proofs {
	out := make(cashu.Proofs, 0, len(amounts))
	for i, a := range amounts {
		out = append(out, cashu.Proof{
			Amount: a,
			Id:     "009a1f293253e41e",
			Secret: fmt.Sprintf("%s-%d", prefix, i),
			C:      "02" + strings.Repeat("ab", 32),
		})
	}
	return out
}

func secrets(ps ...cashu.Proof) map[string]struct{} {
	out := make(map[string]struct{}, len(ps))
	for _, p := range ps {
		out[p.Secret] = struct{}{}
	}
	return out
}

func TestNewRequiresLogger(t *testing.T) {
	_, err := New(Config{Relays: []Relay{relaytest.New()}, Keys: testKeys(t)})
	assert.Error(t, err)
}

func TestPublishAndFetch(t *testing.T) {
	ctx := context.Background()
	relay := relaytest.New()
	s := newTestStore(t, testKeys(t), relay)

	_, err := s.Publish(ctx, proofs("a", 1, 2, 4), nil)
	require.NoError(t, err)
	_, err = s.Publish(ctx, proofs("b", 8), nil)
	require.NoError(t, err)

	got, err := s.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), got.Amount())

	_, err = s.Publish(ctx, nil, nil)
	assert.ErrorIs(t, err, cashu.ErrEmptyProofs)
}

func TestContentEncrypted(t *testing.T) {
	ctx := context.Background()
	relay := relaytest.New()
	s := newTestStore(t, testKeys(t), relay)
	_, err := s.Publish(ctx, proofs("secret", 16), nil)
	require.NoError(t, err)

	evs := relay.Events(KindToken)
	require.Len(t, evs, 1)
	assert.NotContains(t, evs[0].Content, "secret-0")
	assert.NotContains(t, evs[0].Content, testMint)

	// Another identity reading the same relay sees nothing.
	other := newTestStore(t, testKeys(t), relay)
	got, err := other.Fetch(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRotateRepublishesBeforeDelete(t *testing.T) {
	ctx := context.Background()
	relay := relaytest.New()
	s := newTestStore(t, testKeys(t), relay)

	held := proofs("a", 1, 2, 4, 8)
	old, err := s.Publish(ctx, held, nil)
	require.NoError(t, err)

	change := proofs("c", 1)
	res, err := s.Rotate(ctx, secrets(held[3]), change)
	require.NoError(t, err)
	require.NotNil(t, res.Published)
	assert.Equal(t, []string{old.ID}, res.Deleted)
	assert.Equal(t, []string{old.ID}, res.Published.Supersedes)

	got, err := s.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1+2+4+1), got.Amount())
	assert.Len(t, relay.Events(KindToken), 1)
}

func TestRotatePublishFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	relay := relaytest.New()
	s := newTestStore(t, testKeys(t), relay)

	held := proofs("a", 1, 2, 4, 8)
	_, err := s.Publish(ctx, held, nil)
	require.NoError(t, err)

	relay.FailPublish = func(ev nostr.Event) bool { return true }
	_, err = s.Rotate(ctx, secrets(held[0]), nil)
	var rerr *RepublishError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, uint64(14), rerr.Proofs.Amount())
	assert.ErrorIs(t, err, ErrNoRelays)

	// The original record is untouched.
	relay.FailPublish = nil
	got, err := s.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), got.Amount())
	assert.Empty(t, relay.Events(KindDeletion))
}

func TestRotateDeleteFailureNonFatal(t *testing.T) {
	ctx := context.Background()
	relay := relaytest.New()
	s := newTestStore(t, testKeys(t), relay)

	held := proofs("a", 1, 2)
	_, err := s.Publish(ctx, held, nil)
	require.NoError(t, err)

	relay.FailPublish = func(ev nostr.Event) bool { return ev.Kind == KindDeletion }
	res, err := s.Rotate(ctx, secrets(held[0]), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Deleted)

	// The superseded record still sits on the relay but is hidden.
	assert.Len(t, relay.Events(KindToken), 2)
	got, err := s.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Amount())
}

func TestSupersededHiddenWhenRelayIgnoresDeletes(t *testing.T) {
	ctx := context.Background()
	relay := relaytest.New()
	relay.IgnoreDeletes = true
	s := newTestStore(t, testKeys(t), relay)

	held := proofs("a", 4, 8)
	_, err := s.Publish(ctx, held, nil)
	require.NoError(t, err)
	_, err = s.Rotate(ctx, secrets(held[1]), nil)
	require.NoError(t, err)

	got, err := s.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Amount())
}

func TestRotateLeavesUnrelatedRecords(t *testing.T) {
	ctx := context.Background()
	relay := relaytest.New()
	keys := testKeys(t)
	phone := newTestStore(t, keys, relay)
	laptop := newTestStore(t, keys, relay)

	mine := proofs("phone", 1, 2)
	_, err := phone.Publish(ctx, mine, nil)
	require.NoError(t, err)
	theirs, err := laptop.Publish(ctx, proofs("laptop", 32), nil)
	require.NoError(t, err)

	res, err := phone.Rotate(ctx, secrets(mine...), nil)
	require.NoError(t, err)
	assert.Nil(t, res.Published)
	assert.NotContains(t, res.Deleted, theirs.ID)

	got, err := laptop.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(32), got.Amount())
}

func TestFetchUnionAcrossRelays(t *testing.T) {
	ctx := context.Background()
	r1, r2 := relaytest.New(), relaytest.New()
	keys := testKeys(t)

	only1 := newTestStore(t, keys, r1)
	_, err := only1.Publish(ctx, proofs("x", 2), nil)
	require.NoError(t, err)

	both := newTestStore(t, keys, r1, r2)
	_, err = both.Publish(ctx, proofs("y", 4), nil)
	require.NoError(t, err)

	got, err := both.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), got.Amount())

	// One relay down still succeeds.
	r2.FailPublish = func(nostr.Event) bool { return true }
	_, err = both.Publish(ctx, proofs("z", 8), nil)
	require.NoError(t, err)
}

func TestWalletMetaNewestWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testKeys(t), relaytest.New())

	_, err := s.FetchWalletMeta(ctx)
	assert.ErrorIs(t, err, ErrNoWalletMeta)

	require.NoError(t, s.PublishWalletMeta(ctx, &WalletMeta{PrivKey: "aa", Mint: testMint,
		Counters: map[string]uint64{"00aa": 3}}))
	require.NoError(t, s.PublishWalletMeta(ctx, &WalletMeta{PrivKey: "aa", Mint: testMint, Seed: "beef",
		Counters: map[string]uint64{"00aa": 7, "00bb": 1}}))

	m, err := s.FetchWalletMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, "beef", m.Seed)
	assert.Equal(t, map[string]uint64{"00aa": 7, "00bb": 1}, m.Counters)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, testKeys(t), relaytest.New())

	require.NoError(t, s.PublishHistory(ctx, HistoryEntry{Direction: DirectionIn, Amount: 1000, Kind: HistoryDeposit}))
	require.NoError(t, s.PublishHistory(ctx, HistoryEntry{Direction: DirectionOut, Amount: 500, Kind: HistoryEscrowLock, Ref: "ride-1"}))
	assert.Error(t, s.PublishHistory(ctx, HistoryEntry{Kind: "tip"}))

	h, err := s.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, HistoryEscrowLock, h[0].Kind)
	assert.Equal(t, "ride-1", h[0].Ref)
	assert.Equal(t, uint64(1000), h[1].Amount)
}
