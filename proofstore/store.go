// Package proofstore keeps the wallet's unspent proofs as encrypted nostr
// events on relays the wallet does not own. Other devices under the same
// identity may write concurrently, so every change is additive first:
// survivors are republished before anything is deleted.
package proofstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/decred/slog"
	"github.com/nbd-wtf/go-nostr"

	"github.com/variablefate/ridestr-sub008/cashu"
)

const (
	KindToken      = 7375
	KindHistory    = 7376
	KindWalletMeta = 17375
	KindDeletion   = 5
)

var ErrNoRelays = errors.New("no relay accepted the event")

// RepublishError is returned by Rotate when the surviving proofs could not
// be republished. Nothing was deleted; Proofs must be kept some other way.
type RepublishError struct {
	Proofs cashu.Proofs
	Err    error
}

func (e *RepublishError) Error() string {
	return fmt.Sprintf("republish %d proofs: %v", len(e.Proofs), e.Err)
}

func (e *RepublishError) Unwrap() error { return e.Err }

// Record is one decrypted proof event. One record bundles many proofs.
type Record struct {
	ID         string
	Mint       string
	Proofs     cashu.Proofs
	Supersedes []string
	CreatedAt  time.Time
}

type tokenContent struct {
	Mint   string       `json:"mint"`
	Proofs cashu.Proofs `json:"proofs"`
	Del    []string     `json:"del,omitempty"`
}

type Config struct {
	Relays  []Relay
	Keys    Keys
	MintURL string
	Log     slog.Logger

	// Now overrides the event clock in tests.
	Now func() time.Time
}

type Store struct {
	relays []Relay
	keys   Keys
	mint   string
	log    slog.Logger
	now    func() time.Time
}

func New(cfg Config) (*Store, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("proof store must have logger")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("proof store needs keys")
	}
	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("proof store needs at least one relay")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{relays: cfg.Relays, keys: cfg.Keys, mint: cfg.MintURL, log: cfg.Log, now: now}, nil
}

func (s *Store) timestamp() nostr.Timestamp { return nostr.Timestamp(s.now().Unix()) }

// PublicKey is the identity records are written under.
func (s *Store) PublicKey() string { return s.keys.PublicKey() }

// publish signs ev and sends it to every relay. It succeeds if at least one
// relay accepted it.
func (s *Store) publish(ctx context.Context, ev *nostr.Event) error {
	if err := s.keys.SignEvent(ev); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	var ok int
	var lastErr error
	for _, r := range s.relays {
		if err := r.Publish(ctx, *ev); err != nil {
			s.log.Debugf("Publish kind %d to %v: %v", ev.Kind, r, err)
			lastErr = err
			continue
		}
		ok++
	}
	if ok == 0 {
		return fmt.Errorf("%w: %v", ErrNoRelays, lastErr)
	}
	if ok < len(s.relays) {
		s.log.Warnf("Event %s accepted by %d of %d relays", ev.ID, ok, len(s.relays))
	}
	return nil
}

// query unions the results of every relay. It fails only if every relay
// failed.
func (s *Store) query(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	byID := make(map[string]*nostr.Event)
	var failed int
	var lastErr error
	for _, r := range s.relays {
		evs, err := r.QuerySync(ctx, f)
		if err != nil {
			s.log.Debugf("Query %v: %v", r, err)
			failed++
			lastErr = err
			continue
		}
		for _, ev := range evs {
			if ev.PubKey != s.keys.PublicKey() {
				continue
			}
			byID[ev.ID] = ev
		}
	}
	if failed == len(s.relays) {
		return nil, fmt.Errorf("query relays: %w", lastErr)
	}
	out := make([]*nostr.Event, 0, len(byID))
	for _, ev := range byID {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// Records returns every live proof record: not deleted by a kind 5 event
// and not superseded by a newer record.
func (s *Store) Records(ctx context.Context) ([]Record, error) {
	evs, err := s.query(ctx, nostr.Filter{
		Kinds:   []int{KindToken, KindDeletion},
		Authors: []string{s.keys.PublicKey()},
	})
	if err != nil {
		return nil, err
	}

	dead := make(map[string]struct{})
	var records []Record
	for _, ev := range evs {
		if ev.Kind == KindDeletion {
			for _, t := range ev.Tags {
				if len(t) >= 2 && t[0] == "e" {
					dead[t[1]] = struct{}{}
				}
			}
			continue
		}
		plain, err := s.keys.Decrypt(ev.Content)
		if err != nil {
			s.log.Warnf("Skipping undecryptable record %s: %v", ev.ID, err)
			continue
		}
		var c tokenContent
		if err := json.Unmarshal([]byte(plain), &c); err != nil {
			s.log.Warnf("Skipping malformed record %s: %v", ev.ID, err)
			continue
		}
		for _, id := range c.Del {
			dead[id] = struct{}{}
		}
		records = append(records, Record{
			ID:         ev.ID,
			Mint:       c.Mint,
			Proofs:     c.Proofs,
			Supersedes: c.Del,
			CreatedAt:  ev.CreatedAt.Time(),
		})
	}

	live := records[:0]
	for _, r := range records {
		if _, ok := dead[r.ID]; ok {
			continue
		}
		if s.mint != "" && r.Mint != s.mint {
			continue
		}
		live = append(live, r)
	}
	return live, nil
}

// Fetch returns the deduplicated proofs of every live record.
func (s *Store) Fetch(ctx context.Context) (cashu.Proofs, error) {
	recs, err := s.Records(ctx)
	if err != nil {
		return nil, err
	}
	var all cashu.Proofs
	for _, r := range recs {
		all = append(all, r.Proofs...)
	}
	return all.Dedup(), nil
}

// Publish writes proofs as a new record. It never removes anything.
func (s *Store) Publish(ctx context.Context, proofs cashu.Proofs, supersedes []string) (*Record, error) {
	if len(proofs) == 0 {
		return nil, cashu.ErrEmptyProofs
	}
	raw, err := json.Marshal(tokenContent{Mint: s.mint, Proofs: proofs, Del: supersedes})
	if err != nil {
		return nil, err
	}
	enc, err := s.keys.Encrypt(string(raw))
	if err != nil {
		return nil, fmt.Errorf("encrypt record: %w", err)
	}
	ev := &nostr.Event{
		CreatedAt: s.timestamp(),
		Kind:      KindToken,
		Tags:      nostr.Tags{},
		Content:   enc,
	}
	if err := s.publish(ctx, ev); err != nil {
		return nil, err
	}
	s.log.Debugf("Published record %s with %d proofs (%d sats)", ev.ID, len(proofs), proofs.Amount())
	return &Record{ID: ev.ID, Mint: s.mint, Proofs: proofs, Supersedes: supersedes, CreatedAt: ev.CreatedAt.Time()}, nil
}

func (s *Store) deleteRecords(ctx context.Context, ids []string) error {
	tags := make(nostr.Tags, 0, len(ids)+1)
	for _, id := range ids {
		tags = append(tags, nostr.Tag{"e", id})
	}
	tags = append(tags, nostr.Tag{"k", strconv.Itoa(KindToken)})
	ev := &nostr.Event{
		CreatedAt: s.timestamp(),
		Kind:      KindDeletion,
		Tags:      tags,
	}
	return s.publish(ctx, ev)
}

// RotateResult describes what Rotate changed.
type RotateResult struct {
	// Published is the record holding the survivors, nil if there were none.
	Published *Record
	Deleted   []string
}

// Rotate removes spent proofs from the store and adds new ones. It is the
// only way records are deleted:
//
//  1. every record holding a spent secret is found,
//  2. its unspent proofs, plus add, are published as a new record that
//     supersedes the old ones,
//  3. only then are the old records deleted.
//
// If step 2 fails nothing is deleted and a *RepublishError carries the
// proofs that still need a home. A failed deletion is not an error: the new
// record's supersedes list already hides the old ones.
func (s *Store) Rotate(ctx context.Context, spent map[string]struct{}, add cashu.Proofs) (*RotateResult, error) {
	var affected []Record
	if len(spent) > 0 {
		recs, err := s.Records(ctx)
		if err != nil {
			return nil, &RepublishError{Proofs: add, Err: err}
		}
		for _, r := range recs {
			for _, p := range r.Proofs {
				if _, ok := spent[p.Secret]; ok {
					affected = append(affected, r)
					break
				}
			}
		}
	}

	var keep cashu.Proofs
	ids := make([]string, 0, len(affected))
	for _, r := range affected {
		keep = append(keep, r.Proofs.Without(spent)...)
		ids = append(ids, r.ID)
	}
	keep = append(keep, add.Without(spent)...)
	keep = keep.Dedup()

	res := &RotateResult{}
	if len(keep) > 0 {
		rec, err := s.Publish(ctx, keep, ids)
		if err != nil {
			s.log.Errorf("Republish of %d proofs failed, keeping %d old records: %v", len(keep), len(ids), err)
			return nil, &RepublishError{Proofs: keep, Err: err}
		}
		res.Published = rec
	}
	if len(ids) == 0 {
		return res, nil
	}
	if err := s.deleteRecords(ctx, ids); err != nil {
		s.log.Warnf("Delete of %d superseded records failed: %v", len(ids), err)
		return res, nil
	}
	res.Deleted = ids
	return res, nil
}
