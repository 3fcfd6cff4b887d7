package proofstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

var ErrNoWalletMeta = errors.New("no wallet metadata published")

// WalletMeta is the replaceable wallet description shared between devices.
type WalletMeta struct {
	// PrivKey is the P2PK/HTLC signing key, hex.
	PrivKey string
	Mint    string
	// Seed is the BIP-39 phrase the seed derives from. Empty for seedless
	// wallets.
	Seed     string
	Counters map[string]uint64
	// UpdatedAt is filled on fetch.
	UpdatedAt time.Time
}

// Encoded as ordered pairs so that unknown entries from newer clients are
// skipped instead of breaking decoding.
func (m *WalletMeta) pairs() [][]string {
	out := [][]string{{"privkey", m.PrivKey}, {"mint", m.Mint}}
	if m.Seed != "" {
		out = append(out, []string{"seed", m.Seed})
	}
	for id, c := range m.Counters {
		out = append(out, []string{"counter", id, strconv.FormatUint(c, 10)})
	}
	return out
}

func parseWalletMeta(pairs [][]string) (*WalletMeta, error) {
	m := &WalletMeta{Counters: make(map[string]uint64)}
	for _, p := range pairs {
		if len(p) < 2 {
			continue
		}
		switch p[0] {
		case "privkey":
			m.PrivKey = p[1]
		case "mint":
			m.Mint = p[1]
		case "seed":
			m.Seed = p[1]
		case "counter":
			if len(p) < 3 {
				continue
			}
			c, err := strconv.ParseUint(p[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("counter %s: %w", p[1], err)
			}
			m.Counters[p[1]] = c
		}
	}
	return m, nil
}

func (s *Store) PublishWalletMeta(ctx context.Context, m *WalletMeta) error {
	raw, err := json.Marshal(m.pairs())
	if err != nil {
		return err
	}
	enc, err := s.keys.Encrypt(string(raw))
	if err != nil {
		return fmt.Errorf("encrypt wallet meta: %w", err)
	}
	ev := &nostr.Event{
		CreatedAt: s.timestamp(),
		Kind:      KindWalletMeta,
		Tags:      nostr.Tags{{"mint", m.Mint}},
		Content:   enc,
	}
	return s.publish(ctx, ev)
}

// FetchWalletMeta returns the newest wallet metadata across relays.
func (s *Store) FetchWalletMeta(ctx context.Context) (*WalletMeta, error) {
	evs, err := s.query(ctx, nostr.Filter{
		Kinds:   []int{KindWalletMeta},
		Authors: []string{s.keys.PublicKey()},
	})
	if err != nil {
		return nil, err
	}
	// query sorts oldest first.
	for i := len(evs) - 1; i >= 0; i-- {
		ev := evs[i]
		plain, err := s.keys.Decrypt(ev.Content)
		if err != nil {
			s.log.Warnf("Skipping undecryptable wallet meta %s: %v", ev.ID, err)
			continue
		}
		var pairs [][]string
		if err := json.Unmarshal([]byte(plain), &pairs); err != nil {
			s.log.Warnf("Skipping malformed wallet meta %s: %v", ev.ID, err)
			continue
		}
		m, err := parseWalletMeta(pairs)
		if err != nil {
			s.log.Warnf("Skipping wallet meta %s: %v", ev.ID, err)
			continue
		}
		m.UpdatedAt = ev.CreatedAt.Time()
		return m, nil
	}
	return nil, ErrNoWalletMeta
}

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// HistoryKind is a closed set of spending-history categories.
type HistoryKind string

const (
	HistoryDeposit      HistoryKind = "deposit"
	HistoryWithdraw     HistoryKind = "withdraw"
	HistoryEscrowLock   HistoryKind = "escrow_lock"
	HistoryEscrowClaim  HistoryKind = "escrow_claim"
	HistoryEscrowRefund HistoryKind = "escrow_refund"
	HistoryRestore      HistoryKind = "restore"
)

func (k HistoryKind) Valid() bool {
	switch k {
	case HistoryDeposit, HistoryWithdraw, HistoryEscrowLock,
		HistoryEscrowClaim, HistoryEscrowRefund, HistoryRestore:
		return true
	}
	return false
}

type HistoryEntry struct {
	Direction Direction
	Amount    uint64
	Kind      HistoryKind
	// Ref is an escrow id, quote id or record id the entry relates to.
	Ref string
	At  time.Time
}

func (s *Store) PublishHistory(ctx context.Context, h HistoryEntry) error {
	if !h.Kind.Valid() {
		return fmt.Errorf("unknown history kind %q", h.Kind)
	}
	pairs := [][]string{
		{"direction", string(h.Direction)},
		{"amount", strconv.FormatUint(h.Amount, 10)},
		{"kind", string(h.Kind)},
	}
	if h.Ref != "" {
		pairs = append(pairs, []string{"ref", h.Ref})
	}
	raw, err := json.Marshal(pairs)
	if err != nil {
		return err
	}
	enc, err := s.keys.Encrypt(string(raw))
	if err != nil {
		return err
	}
	return s.publish(ctx, &nostr.Event{
		CreatedAt: s.timestamp(),
		Kind:      KindHistory,
		Tags:      nostr.Tags{},
		Content:   enc,
	})
}

// History returns up to limit entries, newest first. Entries with an
// unknown kind are dropped.
func (s *Store) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	evs, err := s.query(ctx, nostr.Filter{
		Kinds:   []int{KindHistory},
		Authors: []string{s.keys.PublicKey()},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	var out []HistoryEntry
	for i := len(evs) - 1; i >= 0; i-- {
		plain, err := s.keys.Decrypt(evs[i].Content)
		if err != nil {
			continue
		}
		var pairs [][]string
		if err := json.Unmarshal([]byte(plain), &pairs); err != nil {
			continue
		}
		h := HistoryEntry{At: evs[i].CreatedAt.Time()}
		for _, p := range pairs {
			if len(p) < 2 {
				continue
			}
			switch p[0] {
			case "direction":
				h.Direction = Direction(p[1])
			case "amount":
				h.Amount, _ = strconv.ParseUint(p[1], 10, 64)
			case "kind":
				h.Kind = HistoryKind(p[1])
			case "ref":
				h.Ref = p[1]
			}
		}
		if !h.Kind.Valid() {
			continue
		}
		out = append(out, h)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
