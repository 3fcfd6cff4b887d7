package mint

import (
	"context"
	"sync"
	"time"

	"github.com/decred/slog"
)

// QuoteUpdate is broadcast for a watched quote on every poll.
type QuoteUpdate struct {
	Quote string
	State QuoteState
	At    time.Time
	Err   error
}

// QuoteSource is the subset of Client the watcher polls.
type QuoteSource interface {
	MintQuoteState(ctx context.Context, quoteID string) (*MintQuote, error)
}

// QuoteWatcher polls the state of every quote that has at least one
// subscriber and broadcasts an update each tick. Subscribers unsubscribe
// once they have seen the state they wait for.
type QuoteWatcher struct {
	log      slog.Logger
	src      QuoteSource
	interval time.Duration

	mu   sync.RWMutex
	subs map[string]map[chan QuoteUpdate]struct{}

	quit chan struct{}
	once sync.Once
}

func NewQuoteWatcher(log slog.Logger, src QuoteSource, interval time.Duration) *QuoteWatcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &QuoteWatcher{
		log:      log,
		src:      src,
		interval: interval,
		subs:     make(map[string]map[chan QuoteUpdate]struct{}),
		quit:     make(chan struct{}),
	}
}

func (w *QuoteWatcher) Stop() { w.once.Do(func() { close(w.quit) }) }

func (w *QuoteWatcher) Run(ctx context.Context) {
	w.log.Infof("quote watcher: started")
	t := time.NewTicker(w.interval)
	defer t.Stop()
	defer w.log.Infof("quote watcher: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-t.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *QuoteWatcher) pollOnce(ctx context.Context) {
	w.mu.RLock()
	if len(w.subs) == 0 {
		w.mu.RUnlock()
		return
	}
	ids := make([]string, 0, len(w.subs))
	for id := range w.subs {
		ids = append(ids, id)
	}
	w.mu.RUnlock()

	for _, id := range ids {
		q, err := w.src.MintQuoteState(ctx, id)
		u := QuoteUpdate{Quote: id, At: time.Now()}
		if err != nil {
			if IsTransport(err) {
				w.log.Debugf("quote watcher: %s: %v", id, err)
				continue
			}
			u.Err = err
		} else {
			u.State = q.State
		}
		w.broadcastUpdate(id, u)
	}
}

// Subscribe adds a listener for quoteID and returns the channel and an
// unsubscribe func. The first update arrives on the next tick.
func (w *QuoteWatcher) Subscribe(quoteID string) (<-chan QuoteUpdate, func()) {
	ch := make(chan QuoteUpdate, 8)

	w.mu.Lock()
	if _, ok := w.subs[quoteID]; !ok {
		w.subs[quoteID] = make(map[chan QuoteUpdate]struct{})
	}
	w.subs[quoteID][ch] = struct{}{}
	n := len(w.subs[quoteID])
	w.mu.Unlock()
	w.log.Debugf("quote watcher: subscribed %s (subs=%d)", quoteID, n)

	unsub := func() {
		w.mu.Lock()
		if set, ok := w.subs[quoteID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(w.subs, quoteID)
			}
		}
		w.mu.Unlock()
	}
	return ch, unsub
}

// broadcastUpdate snapshots subscribers for the quote, then sends without
// blocking.
func (w *QuoteWatcher) broadcastUpdate(quoteID string, u QuoteUpdate) {
	w.mu.RLock()
	set := w.subs[quoteID]
	chs := make([]chan QuoteUpdate, 0, len(set))
	for ch := range set {
		chs = append(chs, ch)
	}
	w.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- u:
		default:
			// Drop if receiver is slow.
		}
	}
}
