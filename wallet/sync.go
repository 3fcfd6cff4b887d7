package wallet

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/variablefate/ridestr-sub008/bdhke"
	"github.com/variablefate/ridestr-sub008/cashu"
	"github.com/variablefate/ridestr-sub008/escrow"
	"github.com/variablefate/ridestr-sub008/ledger"
	"github.com/variablefate/ridestr-sub008/mint"
	"github.com/variablefate/ridestr-sub008/proofstore"
)

const (
	restoreBatch        = 100
	restoreEmptyBatches = 3
)

// Sync reloads the proof set from the proof store and recovery tokens,
// keeps what the mint reports unspent and removes spent proofs from the
// store. Counters are merged with the wallet metadata shared between
// devices. It returns the spendable balance.
func (w *Wallet) Sync(ctx context.Context) (uint64, error) {
	unlock, err := w.lockSpend(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return w.syncLocked(ctx)
}

func (w *Wallet) syncLocked(ctx context.Context) (uint64, error) {
	stored, err := w.store.Fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch proofs: %w", err)
	}
	parked, _, err := w.recoveryProofs()
	if err != nil {
		return 0, err
	}
	all := append(stored, parked...).Dedup()

	var unspent, spent cashu.Proofs
	if len(all) > 0 {
		states, err := w.mint.CheckProofs(ctx, all)
		if err != nil {
			return 0, err
		}
		for i, st := range states {
			switch st {
			case cashu.StateUnspent:
				unspent = append(unspent, all[i])
			case cashu.StateSpent:
				spent = append(spent, all[i])
			}
		}
	}
	w.setProofs(unspent)
	if len(spent) > 0 {
		w.log.Infof("Sync: removing %d spent proofs (%d sats) from the store", len(spent), spent.Amount())
		if err := w.persist(ctx, spent, nil, "sync cleanup"); err != nil {
			w.log.Warnf("Sync cleanup: %v", err)
		}
	}
	balance := w.Balance()
	if err := w.ledger.SetCachedBalance(w.mint.URL(), balance); err != nil {
		w.log.Warnf("Record cached balance: %v", err)
	}
	w.syncMeta(ctx)
	w.log.Debugf("Sync: %d proofs, %d sats", len(unspent), balance)
	return balance, nil
}

// syncMeta merges counters with the shared wallet metadata and republishes
// it when this device knows more.
func (w *Wallet) syncMeta(ctx context.Context) {
	remote, err := w.store.FetchWalletMeta(ctx)
	switch {
	case errors.Is(err, proofstore.ErrNoWalletMeta):
		remote = nil
	case err != nil:
		w.log.Warnf("Fetch wallet meta: %v", err)
		return
	default:
		if err := w.ledger.MergeCounters(remote.Counters); err != nil {
			w.log.Errorf("Merge counters: %v", err)
			return
		}
	}
	local, err := w.ledger.Counters()
	if err != nil {
		w.log.Errorf("Read counters: %v", err)
		return
	}
	if remote != nil && maps.Equal(remote.Counters, local) {
		return
	}
	meta := &proofstore.WalletMeta{
		Mint:     w.mint.URL(),
		Seed:     w.phrase,
		Counters: local,
	}
	if k, ok := w.keys.(interface{ PrivateKey() string }); ok {
		meta.PrivKey = k.PrivateKey()
	}
	if err := w.store.PublishWalletMeta(ctx, meta); err != nil {
		w.log.Warnf("Publish wallet meta: %v", err)
	}
}

// RestoreFromSeed asks the mint for every output this seed could have
// produced on each keyset and keeps the unspent ones not already held. It
// returns the value restored.
func (w *Wallet) RestoreFromSeed(ctx context.Context) (uint64, error) {
	if len(w.seed) == 0 {
		return 0, bdhke.ErrNoSeed
	}
	unlock, err := w.lockSpend(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	keysets, err := w.mint.Keysets(ctx)
	if err != nil {
		return 0, err
	}
	var found cashu.Proofs
	for _, info := range keysets {
		if !mint.IsHexKeysetID(info.Id) {
			continue
		}
		ps, err := w.restoreKeyset(ctx, info.Id)
		if err != nil {
			return 0, fmt.Errorf("restore keyset %s: %w", info.Id, err)
		}
		found = append(found, ps...)
	}
	fresh := found.Without(w.Proofs().Secrets())
	if len(fresh) == 0 {
		return 0, nil
	}
	states, err := w.mint.CheckProofs(ctx, fresh)
	if err != nil {
		return 0, err
	}
	var unspent cashu.Proofs
	for i, st := range states {
		if st == cashu.StateUnspent {
			unspent = append(unspent, fresh[i])
		}
	}
	if len(unspent) == 0 {
		return 0, nil
	}
	if err := w.persist(ctx, nil, unspent, "seed restore"); err != nil {
		return 0, err
	}
	amount := unspent.Amount()
	w.metrics.addRecovered(amount)
	w.history(ctx, proofstore.DirectionIn, proofstore.HistoryRestore, amount, "")
	w.log.Infof("Restored %d sats from seed", amount)
	return amount, nil
}

// restoreKeyset walks counters in batches until restoreEmptyBatches batches
// in a row come back without signatures, then moves the counter past the
// last signed output.
func (w *Wallet) restoreKeyset(ctx context.Context, id string) (cashu.Proofs, error) {
	ks, err := w.mint.Keyset(ctx, id)
	if err != nil {
		return nil, err
	}
	ones := make([]uint64, restoreBatch)
	for i := range ones {
		ones[i] = 1
	}
	var out cashu.Proofs
	var next uint64
	for start, empty := uint64(0), 0; empty < restoreEmptyBatches; start += restoreBatch {
		pms, err := bdhke.DeterministicPreMints(w.seed, id, start, ones)
		if err != nil {
			return nil, err
		}
		matched, err := w.mint.RestoreMatched(ctx, bdhke.Messages(pms))
		if err != nil {
			return nil, err
		}
		if len(matched) == 0 {
			empty++
			continue
		}
		empty = 0
		for _, pm := range pms {
			sig, ok := matched[pm.BlindedMessage]
			if !ok {
				continue
			}
			p, err := bdhke.ConstructProof(sig, pm, ks)
			if err != nil {
				w.log.Criticalf("Restore counter %d on %s: %v", pm.Counter, id, err)
				return nil, err
			}
			out = append(out, p)
			next = pm.Counter + 1
		}
	}
	if next > 0 {
		if err := w.ledger.AdvanceCounter(id, next); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Reconcile resolves every in-flight marker left by an interrupted
// operation.
func (w *Wallet) Reconcile(ctx context.Context) error {
	unlock, err := w.lockSpend(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return w.settlePending(ctx)
}

// settlePending is Reconcile with the spend lock held. Any marker it
// cannot resolve blocks further spends; a melt still routing does not.
func (w *Wallet) settlePending(ctx context.Context) error {
	ops, err := w.ledger.PendingOps()
	if err != nil {
		return err
	}
	var errs []error
	for _, op := range ops {
		if op.MintURL != w.mint.URL() {
			continue
		}
		if err := w.resolve(ctx, op); err != nil {
			errs = append(errs, fmt.Errorf("%s op %s: %w", op.Kind, op.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (w *Wallet) resolve(ctx context.Context, op *ledger.PendingOp) error {
	switch op.Kind {
	case ledger.OpLock, ledger.OpClaim, ledger.OpRefund:
		return w.resolveEscrow(ctx, op)
	case ledger.OpMint:
		return w.resolveMint(ctx, op)
	case ledger.OpMelt:
		return w.resolveMelt(ctx, op)
	}
	return fmt.Errorf("unknown op kind %q", op.Kind)
}

func (w *Wallet) resolveEscrow(ctx context.Context, op *ledger.PendingOp) error {
	res, err := w.escrow.Resume(ctx, op)
	switch {
	case errors.Is(err, escrow.ErrCounterpartyActed):
		if res != nil && res.Htlc != nil {
			w.metrics.incEscrow(string(res.Htlc.Status))
		}
		w.log.Warnf("Escrow %s settled by counterparty while %s was in flight", op.EscrowID, op.Kind)
		return nil
	case errors.Is(err, escrow.ErrStaleInputs):
		w.dropStale(ctx, op.Inputs, nil)
		return nil
	case err != nil:
		return err
	case res == nil:
		w.log.Infof("%s for escrow %s never reached the mint", op.Kind, op.EscrowID)
		return nil
	}
	var spent cashu.Proofs
	if op.Kind == ledger.OpLock {
		spent = res.Spent
	}
	if err := w.finishOp(ctx, res.OpID, spent, res.Proofs, "resumed "+string(op.Kind)+" "+op.EscrowID); err != nil {
		return err
	}
	if op.Kind != ledger.OpLock {
		w.metrics.incEscrow(string(res.Htlc.Status))
	}
	return nil
}

// resolveMint recovers a deposit whose answer was lost by asking the mint
// to restore the persisted outputs.
func (w *Wallet) resolveMint(ctx context.Context, op *ledger.PendingOp) error {
	ks, err := w.mint.Keyset(ctx, op.KeysetID)
	if err != nil {
		return err
	}
	matched, err := w.mint.RestoreMatched(ctx, bdhke.Messages(op.Outputs))
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		w.log.Infof("%s %s never reached the mint, dropping", op.Kind, op.ID)
		w.dropOp(op.ID)
		return nil
	}
	if len(matched) != len(op.Outputs) {
		w.log.Warnf("%s %s: mint signed %d of %d outputs", op.Kind, op.ID, len(matched), len(op.Outputs))
	}
	proofs, err := w.restoredProofs(op, ks, matched)
	if err != nil {
		return err
	}
	if err := w.ledger.AdvanceCounter(op.KeysetID, op.CounterEnd()); err != nil {
		return err
	}
	w.log.Infof("Recovered %d sats from interrupted %s %s", proofs.Amount(), op.Kind, op.ID)
	if err := w.finishOp(ctx, op.ID, nil, proofs, "resumed "+string(op.Kind)); err != nil {
		return err
	}
	w.history(ctx, proofstore.DirectionIn, proofstore.HistoryDeposit, proofs.Amount(), op.QuoteID)
	return nil
}

func (w *Wallet) restoredProofs(op *ledger.PendingOp, ks *cashu.Keyset, matched map[string]cashu.BlindedSignature) (cashu.Proofs, error) {
	var out cashu.Proofs
	for _, pm := range op.Outputs {
		sig, ok := matched[pm.BlindedMessage]
		if !ok {
			continue
		}
		p, err := bdhke.ConstructProof(sig, pm, ks)
		if err != nil {
			w.log.Criticalf("%s %s: cannot construct restored proof: %v", op.Kind, op.ID, err)
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (w *Wallet) resolveMelt(ctx context.Context, op *ledger.PendingOp) error {
	q, err := w.mint.MeltQuoteState(ctx, op.QuoteID)
	if err != nil {
		return err
	}
	switch q.State {
	case mint.QuotePending:
		w.log.Infof("Withdrawal %s still pending at mint", op.QuoteID)
		w.updateCache(op.Inputs.Secrets(), nil)
		return nil
	case mint.QuotePaid:
	default:
		w.log.Infof("Withdrawal %s was not paid, inputs stay in the wallet", op.QuoteID)
		w.dropOp(op.ID)
		return nil
	}

	ks, err := w.mint.Keyset(ctx, op.KeysetID)
	if err != nil {
		return err
	}
	var change cashu.Proofs
	if len(q.Change) > 0 {
		change, err = bdhke.ConstructProofs(q.Change, op.Outputs, ks)
	} else if len(op.Outputs) > 0 {
		var matched map[string]cashu.BlindedSignature
		matched, err = w.mint.RestoreMatched(ctx, bdhke.Messages(op.Outputs))
		if err == nil {
			change, err = w.restoredProofs(op, ks, matched)
		}
	}
	if err != nil {
		return err
	}
	if err := w.ledger.AdvanceCounter(op.KeysetID, op.CounterEnd()); err != nil {
		return err
	}
	if err := w.finishOp(ctx, op.ID, op.Inputs, change, "resumed melt "+op.QuoteID); err != nil {
		return err
	}
	w.history(ctx, proofstore.DirectionOut, proofstore.HistoryWithdraw, op.Inputs.Amount()-change.Amount(), op.QuoteID)
	w.log.Infof("Withdrawal %s completed while the wallet was away", op.QuoteID)
	return nil
}
