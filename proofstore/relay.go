package proofstore

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Relay is one remote event store.
type Relay interface {
	Publish(ctx context.Context, ev nostr.Event) error
	QuerySync(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error)
}

// nostrRelay connects lazily and drops the connection after any error so
// the next call redials.
type nostrRelay struct {
	url string

	mu   sync.Mutex
	conn *nostr.Relay
}

// DialRelays wraps urls as relays. No connection is made until first use.
func DialRelays(urls []string) []Relay {
	out := make([]Relay, 0, len(urls))
	for _, u := range urls {
		out = append(out, &nostrRelay{url: u})
	}
	return out
}

func (r *nostrRelay) connect(ctx context.Context) (*nostr.Relay, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn, nil
	}
	c, err := nostr.RelayConnect(ctx, r.url)
	if err != nil {
		return nil, err
	}
	r.conn = c
	return c, nil
}

func (r *nostrRelay) drop(c *nostr.Relay) {
	r.mu.Lock()
	if r.conn == c {
		r.conn = nil
	}
	r.mu.Unlock()
	c.Close()
}

func (r *nostrRelay) Publish(ctx context.Context, ev nostr.Event) error {
	c, err := r.connect(ctx)
	if err != nil {
		return err
	}
	if err := c.Publish(ctx, ev); err != nil {
		r.drop(c)
		return err
	}
	return nil
}

func (r *nostrRelay) QuerySync(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	c, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	evs, err := c.QuerySync(ctx, f)
	if err != nil {
		r.drop(c)
		return nil, err
	}
	return evs, nil
}

func (r *nostrRelay) String() string { return r.url }
