// Package ledger is the wallet's local bookkeeping store: derivation
// counters, in-flight operation markers, escrow records and recovery tokens.
// It is a single bbolt file; every value is sealed with XChaCha20-Poly1305.
package ledger

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/decred/slog"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	bucketCounters = []byte("counters")
	bucketOps      = []byte("pendingops")
	bucketHtlcs    = []byte("htlcs")
	bucketRecovery = []byte("recovery")
	bucketMeta     = []byte("meta")

	allBuckets = [][]byte{bucketCounters, bucketOps, bucketHtlcs, bucketRecovery, bucketMeta}
)

const sealInfo = "ledger-seal-v1"

type Config struct {
	// Path is the database file.
	Path string
	// Key is the master secret values are sealed with.
	Key []byte
	Log slog.Logger
}

type Ledger struct {
	db   *bolt.DB
	aead cipher.AEAD
	log  slog.Logger
}

func Open(cfg Config) (*Ledger, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("ledger must have logger")
	}
	if len(cfg.Key) < 16 {
		return nil, fmt.Errorf("ledger key too short")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, err
	}

	var sealKey [chacha20poly1305.KeySize]byte
	kdf := hkdf.New(sha256.New, cfg.Key, nil, []byte(sealInfo))
	if _, err := io.ReadFull(kdf, sealKey[:]); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(sealKey[:])
	if err != nil {
		return nil, err
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger buckets: %w", err)
	}
	cfg.Log.Debugf("Opened ledger %s", cfg.Path)
	return &Ledger{db: db, aead: aead, log: cfg.Log}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func additional(bucket, key []byte) []byte {
	ad := make([]byte, 0, len(bucket)+len(key)+1)
	ad = append(ad, bucket...)
	ad = append(ad, '/')
	return append(ad, key...)
}

func (l *Ledger) seal(bucket, key, plain []byte) ([]byte, error) {
	nonce := make([]byte, l.aead.NonceSize(), l.aead.NonceSize()+len(plain)+l.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, plain, additional(bucket, key)), nil
}

func (l *Ledger) open(bucket, key, sealed []byte) ([]byte, error) {
	ns := l.aead.NonceSize()
	if len(sealed) < ns {
		return nil, ErrCorrupt
	}
	plain, err := l.aead.Open(nil, sealed[:ns], sealed[ns:], additional(bucket, key))
	if err != nil {
		l.log.Criticalf("Ledger record %s/%s failed authentication", bucket, key)
		return nil, ErrCorrupt
	}
	return plain, nil
}

func (l *Ledger) put(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := l.seal(bucket, []byte(key), raw)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), sealed)
}

func (l *Ledger) get(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	sealed := tx.Bucket(bucket).Get([]byte(key))
	if sealed == nil {
		return ErrNotFound
	}
	raw, err := l.open(bucket, []byte(key), sealed)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (l *Ledger) forEach(tx *bolt.Tx, bucket []byte, fn func(raw []byte) error) error {
	return tx.Bucket(bucket).ForEach(func(k, sealed []byte) error {
		raw, err := l.open(bucket, k, sealed)
		if err != nil {
			return err
		}
		return fn(raw)
	})
}

// --- counters ---

func (l *Ledger) counter(tx *bolt.Tx, keysetID string) (uint64, error) {
	var c uint64
	err := l.get(tx, bucketCounters, keysetID, &c)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	return c, err
}

// Counter returns the next unused derivation counter recorded for keysetID.
func (l *Ledger) Counter(keysetID string) (uint64, error) {
	var c uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = l.counter(tx, keysetID)
		return err
	})
	return c, err
}

// NextCounter returns the first counter that is neither recorded as used
// nor reserved by an in-flight operation.
func (l *Ledger) NextCounter(keysetID string) (uint64, error) {
	var next uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		c, err := l.counter(tx, keysetID)
		if err != nil {
			return err
		}
		next = c
		return l.forEach(tx, bucketOps, func(raw []byte) error {
			var op PendingOp
			if err := json.Unmarshal(raw, &op); err != nil {
				return err
			}
			if op.KeysetID == keysetID && op.CounterCount > 0 && op.CounterEnd() > next {
				next = op.CounterEnd()
			}
			return nil
		})
	})
	return next, err
}

func (l *Ledger) advance(tx *bolt.Tx, keysetID string, next uint64) error {
	cur, err := l.counter(tx, keysetID)
	if err != nil {
		return err
	}
	if next <= cur {
		return nil
	}
	return l.put(tx, bucketCounters, keysetID, next)
}

// AdvanceCounter raises the counter for keysetID to next. Counters never
// move backwards.
func (l *Ledger) AdvanceCounter(keysetID string, next uint64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return l.advance(tx, keysetID, next)
	})
}

func (l *Ledger) Counters() (map[string]uint64, error) {
	out := make(map[string]uint64)
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCounters).ForEach(func(k, sealed []byte) error {
			raw, err := l.open(bucketCounters, k, sealed)
			if err != nil {
				return err
			}
			var c uint64
			if err := json.Unmarshal(raw, &c); err != nil {
				return err
			}
			out[string(k)] = c
			return nil
		})
	})
	return out, err
}

// MergeCounters takes the max of each local and remote counter, as written
// by another device under the same identity.
func (l *Ledger) MergeCounters(remote map[string]uint64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		for id, c := range remote {
			if err := l.advance(tx, id, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- pending ops ---

func (l *Ledger) SavePendingOp(op *PendingOp) error {
	if op.ID == "" {
		return fmt.Errorf("pending op without id")
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return l.put(tx, bucketOps, op.ID, op)
	})
}

func (l *Ledger) PendingOp(id string) (*PendingOp, error) {
	var op PendingOp
	err := l.db.View(func(tx *bolt.Tx) error {
		return l.get(tx, bucketOps, id, &op)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// PendingOps returns every in-flight marker, oldest first.
func (l *Ledger) PendingOps() ([]*PendingOp, error) {
	var ops []*PendingOp
	err := l.db.View(func(tx *bolt.Tx) error {
		return l.forEach(tx, bucketOps, func(raw []byte) error {
			var op PendingOp
			if err := json.Unmarshal(raw, &op); err != nil {
				return err
			}
			ops = append(ops, &op)
			return nil
		})
	})
	sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt.Before(ops[j].CreatedAt) })
	return ops, err
}

func (l *Ledger) DeletePendingOp(id string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).Delete([]byte(id))
	})
}

// --- htlcs ---

func (l *Ledger) SaveHtlc(h *PendingHtlc) error {
	if !h.Status.Valid() {
		return fmt.Errorf("htlc %s: invalid status %q", h.EscrowID, h.Status)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return l.put(tx, bucketHtlcs, h.EscrowID, h)
	})
}

func (l *Ledger) Htlc(escrowID string) (*PendingHtlc, error) {
	var h PendingHtlc
	err := l.db.View(func(tx *bolt.Tx) error {
		return l.get(tx, bucketHtlcs, escrowID, &h)
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (l *Ledger) Htlcs() ([]*PendingHtlc, error) {
	var out []*PendingHtlc
	err := l.db.View(func(tx *bolt.Tx) error {
		return l.forEach(tx, bucketHtlcs, func(raw []byte) error {
			var h PendingHtlc
			if err := json.Unmarshal(raw, &h); err != nil {
				return err
			}
			out = append(out, &h)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// --- recovery tokens ---

func (l *Ledger) SaveRecoveryToken(rt *RecoveryToken) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return l.put(tx, bucketRecovery, rt.ID, rt)
	})
}

func (l *Ledger) RecoveryTokens() ([]*RecoveryToken, error) {
	var out []*RecoveryToken
	err := l.db.View(func(tx *bolt.Tx) error {
		return l.forEach(tx, bucketRecovery, func(raw []byte) error {
			var rt RecoveryToken
			if err := json.Unmarshal(raw, &rt); err != nil {
				return err
			}
			out = append(out, &rt)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (l *Ledger) DeleteRecoveryToken(id string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecovery).Delete([]byte(id))
	})
}

// --- meta ---

func balanceKey(mintURL string) string { return "balance/" + mintURL }

// SetCachedBalance records the last known balance. It is only a hint used
// to decide whether a failed selection deserves a resync.
func (l *Ledger) SetCachedBalance(mintURL string, amount uint64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return l.put(tx, bucketMeta, balanceKey(mintURL), amount)
	})
}

func (l *Ledger) CachedBalance(mintURL string) (uint64, error) {
	var amount uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		return l.get(tx, bucketMeta, balanceKey(mintURL), &amount)
	})
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	return amount, err
}
