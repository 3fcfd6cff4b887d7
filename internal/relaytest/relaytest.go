// Package relaytest provides an in-memory nostr relay.
package relaytest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

var ErrInjected = errors.New("relaytest: injected publish failure")

// MemRelay stores events in memory. It honours ids, kinds, authors and
// limit filters and applies kind 5 deletions from the same author, like a
// well-behaved relay.
type MemRelay struct {
	mu     sync.Mutex
	events map[string]*nostr.Event

	// FailPublish, when set, decides per event whether Publish fails.
	FailPublish func(ev nostr.Event) bool
	// IgnoreDeletes stores kind 5 events without removing their targets.
	IgnoreDeletes bool

	published int
}

func New() *MemRelay {
	return &MemRelay{events: make(map[string]*nostr.Event)}
}

func (r *MemRelay) Publish(ctx context.Context, ev nostr.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailPublish != nil && r.FailPublish(ev) {
		return ErrInjected
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return errors.New("relaytest: bad signature")
	}
	r.published++
	cp := ev
	r.events[ev.ID] = &cp

	if ev.Kind == 5 && !r.IgnoreDeletes {
		for _, t := range ev.Tags {
			if len(t) < 2 || t[0] != "e" {
				continue
			}
			if target, ok := r.events[t[1]]; ok && target.PubKey == ev.PubKey {
				delete(r.events, t[1])
			}
		}
	}
	return nil
}

func (r *MemRelay) QuerySync(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*nostr.Event
	for _, ev := range r.events {
		if matches(f, ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Events returns the stored events of kind.
func (r *MemRelay) Events(kind int) []*nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*nostr.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out
}

// Published counts accepted publishes.
func (r *MemRelay) Published() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published
}

func matches(f nostr.Filter, ev *nostr.Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
