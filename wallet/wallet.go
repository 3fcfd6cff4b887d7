// Package wallet ties the mint gateway, the proof ledger, the distributed
// proof store and the escrow engine into one wallet per identity.
//
// Every operation that selects, spends or derives proofs runs under a
// single spend lock. Before such an operation starts, in-flight markers
// left by an earlier run are reconciled against the mint.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/sync/errgroup"

	"github.com/variablefate/ridestr-sub008/cashu"
	"github.com/variablefate/ridestr-sub008/escrow"
	"github.com/variablefate/ridestr-sub008/ledger"
	"github.com/variablefate/ridestr-sub008/mint"
	"github.com/variablefate/ridestr-sub008/proofstore"
	"github.com/variablefate/ridestr-sub008/retry"
)

const (
	defaultRefundScanInterval = time.Minute
	defaultQuotePollInterval  = 3 * time.Second
)

// Mint is the part of the mint client the wallet uses.
type Mint interface {
	escrow.Mint
	Keysets(ctx context.Context) ([]mint.KeysetInfo, error)
	RequestMintQuote(ctx context.Context, amount uint64) (*mint.MintQuote, error)
	MintQuoteState(ctx context.Context, quoteID string) (*mint.MintQuote, error)
	Mint(ctx context.Context, quoteID string, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error)
	WaitMintQuotePaid(ctx context.Context, quoteID string) (*mint.MintQuote, error)
	RequestMeltQuote(ctx context.Context, invoice string) (*mint.MeltQuote, error)
	MeltQuoteState(ctx context.Context, quoteID string) (*mint.MeltQuote, error)
	Melt(ctx context.Context, quoteID string, inputs cashu.Proofs, outputs cashu.BlindedMessages) (*mint.MeltQuote, error)
}

// Store is the distributed proof store.
type Store interface {
	Fetch(ctx context.Context) (cashu.Proofs, error)
	Rotate(ctx context.Context, spent map[string]struct{}, add cashu.Proofs) (*proofstore.RotateResult, error)
	PublishWalletMeta(ctx context.Context, m *proofstore.WalletMeta) error
	FetchWalletMeta(ctx context.Context) (*proofstore.WalletMeta, error)
	PublishHistory(ctx context.Context, h proofstore.HistoryEntry) error
}

type Config struct {
	Mint        Mint
	Store       Store
	Ledger      *ledger.Ledger
	PaymentKeys escrow.PaymentKeys

	// Seed derives every plain output. When empty it is derived from
	// Mnemonic. A wallet with neither refuses to mint.
	Seed     []byte
	Mnemonic string

	ClaimPolicy escrow.ClaimPolicy
	// Retry bounds proof store publishes before falling back to a
	// recovery token. Zero means retry.Durable.
	Retry              retry.Config
	RefundScanInterval time.Duration
	QuotePollInterval  time.Duration

	Metrics *Metrics
	Log     slog.Logger
	// EscrowLog is the escrow engine's logger. Defaults to Log.
	EscrowLog slog.Logger
	Now       func() time.Time
}

type Wallet struct {
	mint    Mint
	store   Store
	ledger  *ledger.Ledger
	keys    escrow.PaymentKeys
	seed    []byte
	phrase  string
	escrow  *escrow.Engine
	watcher *mint.QuoteWatcher
	retry   *retry.Retry
	metrics *Metrics
	log     slog.Logger
	now     func() time.Time

	refundInterval time.Duration

	// spend is the wallet's spend lock. It is a channel so that waiting
	// for it honours the caller's context.
	spend chan struct{}

	mu     sync.Mutex
	proofs cashu.Proofs
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(cfg Config) (*Wallet, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("wallet must have logger")
	}
	if cfg.Mint == nil || cfg.Store == nil || cfg.Ledger == nil || cfg.PaymentKeys == nil {
		return nil, fmt.Errorf("wallet needs mint, store, ledger and payment keys")
	}
	seed := cfg.Seed
	if len(seed) == 0 && cfg.Mnemonic != "" {
		if !bip39.IsMnemonicValid(cfg.Mnemonic) {
			return nil, fmt.Errorf("invalid mnemonic")
		}
		seed = bip39.NewSeed(cfg.Mnemonic, "")
	}
	if len(seed) == 0 {
		cfg.Log.Warnf("Wallet has no seed: deposits, change and escrow redemption are disabled")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	elog := cfg.EscrowLog
	if elog == nil {
		elog = cfg.Log
	}
	engine, err := escrow.NewEngine(escrow.Config{
		Mint:   cfg.Mint,
		Ledger: cfg.Ledger,
		Keys:   cfg.PaymentKeys,
		Seed:   seed,
		Policy: cfg.ClaimPolicy,
		Log:    elog,
		Now:    now,
	})
	if err != nil {
		return nil, err
	}
	rcfg := cfg.Retry
	if rcfg.MaxAttempts == 0 && rcfg.InitialDelay == 0 {
		rcfg = retry.Durable
	}
	refundInterval := cfg.RefundScanInterval
	if refundInterval <= 0 {
		refundInterval = defaultRefundScanInterval
	}
	pollInterval := cfg.QuotePollInterval
	if pollInterval <= 0 {
		pollInterval = defaultQuotePollInterval
	}
	return &Wallet{
		mint:           cfg.Mint,
		store:          cfg.Store,
		ledger:         cfg.Ledger,
		keys:           cfg.PaymentKeys,
		seed:           seed,
		phrase:         cfg.Mnemonic,
		escrow:         engine,
		watcher:        mint.NewQuoteWatcher(cfg.Log, cfg.Mint, pollInterval),
		retry:          retry.New(rcfg, cfg.Log),
		metrics:        cfg.Metrics,
		log:            cfg.Log,
		now:            now,
		refundInterval: refundInterval,
		spend:          make(chan struct{}, 1),
	}, nil
}

// lockSpend takes the spend lock or gives up when ctx ends.
func (w *Wallet) lockSpend(ctx context.Context) (func(), error) {
	select {
	case w.spend <- struct{}{}:
		return func() { <-w.spend }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start reconciles leftovers from an earlier run, loads the proof set and
// starts the quote watcher and the auto-refund loop. Failures of the
// initial steps are logged; the background tasks retry them.
func (w *Wallet) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return fmt.Errorf("wallet already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	w.cancel = cancel
	w.group = g
	w.mu.Unlock()

	if err := w.Reconcile(ctx); err != nil {
		w.log.Warnf("Reconcile on start: %v", err)
	}
	if _, err := w.Sync(ctx); err != nil {
		w.log.Warnf("Sync on start: %v", err)
	}
	if _, err := w.RecoverTokens(ctx); err != nil {
		w.log.Warnf("Recovery tokens on start: %v", err)
	}

	g.Go(func() error {
		w.watcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return w.refundLoop(gctx)
	})
	return nil
}

// Stop ends the background tasks and waits for them.
func (w *Wallet) Stop() error {
	w.mu.Lock()
	cancel, g := w.cancel, w.group
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	w.watcher.Stop()
	return g.Wait()
}

func (w *Wallet) refundLoop(ctx context.Context) error {
	t := time.NewTicker(w.refundInterval)
	defer t.Stop()
	for {
		if err := w.refundExpired(ctx); err != nil && ctx.Err() == nil {
			w.log.Warnf("Auto-refund: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Balance is the spendable value known locally.
func (w *Wallet) Balance() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.proofs.Amount()
}

// Proofs returns a copy of the spendable proofs known locally.
func (w *Wallet) Proofs() cashu.Proofs {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(cashu.Proofs, len(w.proofs))
	copy(out, w.proofs)
	return out
}

// Escrow returns the escrow record for id.
func (w *Wallet) Escrow(id string) (*ledger.PendingHtlc, error) {
	return w.ledger.Htlc(id)
}

// Escrows lists every escrow this wallet takes part in.
func (w *Wallet) Escrows() ([]*ledger.PendingHtlc, error) {
	return w.ledger.Htlcs()
}

// PaymentPubKey is the key counterparties lock escrows to.
func (w *Wallet) PaymentPubKey() string {
	return w.keys.PublicKey()
}

func (w *Wallet) setProofs(ps cashu.Proofs) {
	w.mu.Lock()
	w.proofs = ps.Dedup()
	total := w.proofs.Amount()
	w.mu.Unlock()
	w.metrics.setBalance(total)
}

// updateCache drops spent from the local proof set and adds add.
func (w *Wallet) updateCache(spent map[string]struct{}, add cashu.Proofs) {
	w.mu.Lock()
	w.proofs = append(w.proofs.Without(spent), add...).Dedup()
	total := w.proofs.Amount()
	w.mu.Unlock()
	w.metrics.setBalance(total)
	if err := w.ledger.SetCachedBalance(w.mint.URL(), total); err != nil {
		w.log.Warnf("Record cached balance: %v", err)
	}
}

func (w *Wallet) history(ctx context.Context, dir proofstore.Direction, kind proofstore.HistoryKind, amount uint64, ref string) {
	err := w.store.PublishHistory(ctx, proofstore.HistoryEntry{
		Direction: dir,
		Amount:    amount,
		Kind:      kind,
		Ref:       ref,
		At:        w.now(),
	})
	if err != nil {
		w.log.Warnf("Publish %s history for %s: %v", kind, ref, err)
	}
}

func (w *Wallet) dropOp(id string) {
	if err := w.ledger.DeletePendingOp(id); err != nil {
		w.log.Errorf("Delete pending op %s: %v", id, err)
	}
}

// finishOp persists the proofs an operation produced and then clears its
// in-flight marker. The marker stays when the proofs could not be kept.
func (w *Wallet) finishOp(ctx context.Context, opID string, spent, add cashu.Proofs, reason string) error {
	if err := w.persist(ctx, spent, add, reason); err != nil {
		return err
	}
	if opID != "" {
		w.dropOp(opID)
	}
	return nil
}

var errStaleRetry = errors.New("selected proofs went stale twice")
