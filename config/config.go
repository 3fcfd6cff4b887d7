// Package config loads the escrow wallet's key=value configuration file.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/joho/godotenv"
	"github.com/tyler-smith/go-bip39"

	"github.com/variablefate/ridestr-sub008/escrow"
	"github.com/variablefate/ridestr-sub008/logging"
	"github.com/variablefate/ridestr-sub008/retry"
)

const (
	AppName  = "escrowwallet"
	Filename = AppName + ".conf"

	defaultDebugLevel     = "info"
	defaultHTTPTimeout    = 30 * time.Second
	defaultRefundInterval = time.Minute
	defaultMaxLogFiles    = 10
)

// Config file keys.
const (
	KeyMint           = "mint"
	KeyRelays         = "relays"
	KeyDebugLevel     = "debuglevel"
	KeyWalletKey      = "walletkey"
	KeyPaymentKey     = "paymentkey"
	KeyMnemonic       = "mnemonic"
	KeyLedgerKey      = "ledgerkey"
	KeySyncTries      = "synctries"
	KeySyncDelay      = "syncdelay"
	KeyHTTPTimeout    = "httptimeout"
	KeyClaimPolicy    = "claimpolicy"
	KeyRefundInterval = "refundinterval"
	KeyMaxLogFiles    = "maxlogfiles"
)

// ConfigOverrides carries optional CLI overrides for config values.
type ConfigOverrides struct {
	MintURL     string
	Relays      string
	DebugLevel  string
	ClaimPolicy string
}

// AppConfig is the validated configuration of one wallet instance.
type AppConfig struct {
	// Absolute directory where the config, ledger and logs live.
	DataDir string

	MintURL    string
	Relays     []string
	DebugLevel string

	// WalletKey is the hex nostr key the proof store signs and encrypts
	// with. PaymentKey is the hex secp256k1 key escrows are locked to.
	WalletKey  string
	PaymentKey string

	// Mnemonic is optional. Seed is derived from it when set.
	Mnemonic string
	Seed     []byte

	LedgerKey []byte

	SyncTries      int
	SyncDelay      time.Duration
	HTTPTimeout    time.Duration
	RefundInterval time.Duration
	ClaimPolicy    escrow.ClaimPolicy
	MaxLogFiles    int
}

// LedgerPath is the local ledger database file.
func (c *AppConfig) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// LogFile is the rotating log file.
func (c *AppConfig) LogFile() string {
	return filepath.Join(c.DataDir, "logs", AppName+".log")
}

// RetryConfig is the proof store publish policy built from synctries and
// syncdelay.
func (c *AppConfig) RetryConfig() retry.Config {
	return retry.Config{
		InitialDelay: c.SyncDelay,
		MaxDelay:     c.SyncDelay * 16,
		Factor:       retry.Durable.Factor,
		MaxAttempts:  c.SyncTries,
	}
}

// DefaultDataDir is the per-user application data directory.
func DefaultDataDir() string {
	return dcrutil.AppDataDir(AppName, false)
}

// LoadAppConfig reads escrowwallet.conf from datadir, applies overrides and
// validates the result. If datadir is empty the default application data
// dir is used.
func LoadAppConfig(datadir string, ov ConfigOverrides) (*AppConfig, error) {
	if datadir == "" {
		datadir = DefaultDataDir()
	}
	vals, err := godotenv.Read(filepath.Join(datadir, Filename))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Overrides win over the file.
	set := func(key, v string) {
		if v != "" {
			vals[key] = v
		}
	}
	set(KeyMint, ov.MintURL)
	set(KeyRelays, ov.Relays)
	set(KeyDebugLevel, ov.DebugLevel)
	set(KeyClaimPolicy, ov.ClaimPolicy)

	return parse(datadir, vals)
}

func parse(datadir string, vals map[string]string) (*AppConfig, error) {
	get := func(key string) string { return strings.TrimSpace(vals[key]) }

	cfg := &AppConfig{
		DataDir:    datadir,
		MintURL:    strings.TrimRight(get(KeyMint), "/"),
		Relays:     splitList(get(KeyRelays)),
		DebugLevel: get(KeyDebugLevel),
		WalletKey:  get(KeyWalletKey),
		PaymentKey: get(KeyPaymentKey),
		Mnemonic:   strings.Join(strings.Fields(get(KeyMnemonic)), " "),
	}
	if cfg.MintURL == "" {
		return nil, fmt.Errorf("missing %s", KeyMint)
	}
	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("missing %s", KeyRelays)
	}
	if cfg.DebugLevel == "" {
		cfg.DebugLevel = defaultDebugLevel
	}
	if _, _, err := logging.ParseDebugLevel(cfg.DebugLevel); err != nil {
		return nil, err
	}
	if err := checkHexKey(KeyWalletKey, cfg.WalletKey); err != nil {
		return nil, err
	}
	if err := checkHexKey(KeyPaymentKey, cfg.PaymentKey); err != nil {
		return nil, err
	}
	if err := checkHexKey(KeyLedgerKey, get(KeyLedgerKey)); err != nil {
		return nil, err
	}
	cfg.LedgerKey, _ = hex.DecodeString(get(KeyLedgerKey))

	if cfg.Mnemonic != "" {
		seed, err := bip39.NewSeedWithErrorChecking(cfg.Mnemonic, "")
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", KeyMnemonic, err)
		}
		cfg.Seed = seed
	}

	var err error
	if cfg.SyncTries, err = intValue(get(KeySyncTries), retry.Durable.MaxAttempts); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeySyncTries, err)
	}
	if cfg.SyncTries < 1 {
		return nil, fmt.Errorf("invalid %s: must be at least 1", KeySyncTries)
	}
	if cfg.MaxLogFiles, err = intValue(get(KeyMaxLogFiles), defaultMaxLogFiles); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyMaxLogFiles, err)
	}
	if cfg.SyncDelay, err = durationValue(get(KeySyncDelay), retry.Durable.InitialDelay); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeySyncDelay, err)
	}
	if cfg.HTTPTimeout, err = durationValue(get(KeyHTTPTimeout), defaultHTTPTimeout); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyHTTPTimeout, err)
	}
	if cfg.RefundInterval, err = durationValue(get(KeyRefundInterval), defaultRefundInterval); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyRefundInterval, err)
	}
	if cfg.ClaimPolicy, err = escrow.ParseClaimPolicy(get(KeyClaimPolicy)); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyClaimPolicy, err)
	}
	return cfg, nil
}

func checkHexKey(key, v string) error {
	if v == "" {
		return fmt.Errorf("missing %s", key)
	}
	b, err := hex.DecodeString(v)
	if err != nil || len(b) != 32 {
		return fmt.Errorf("invalid %s: expected 64 hex chars (32 bytes)", key)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intValue(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func durationValue(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

// Write creates the config file in datadir from vals. An existing file is
// never overwritten.
func Write(datadir string, vals map[string]string) (string, error) {
	if err := os.MkdirAll(datadir, 0700); err != nil {
		return "", err
	}
	path := filepath.Join(datadir, Filename)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if err := godotenv.Write(vals, path); err != nil {
		return "", err
	}
	// The file holds private keys.
	return path, os.Chmod(path, 0600)
}
