package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"strings"

	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tyler-smith/go-bip39"

	"github.com/variablefate/ridestr-sub008/config"
	"github.com/variablefate/ridestr-sub008/escrow"
	"github.com/variablefate/ridestr-sub008/ledger"
	"github.com/variablefate/ridestr-sub008/logging"
	"github.com/variablefate/ridestr-sub008/mint"
	"github.com/variablefate/ridestr-sub008/proofstore"
	"github.com/variablefate/ridestr-sub008/wallet"
)

type app struct {
	cfg    *config.AppConfig
	mint   *mint.Client
	store  *proofstore.Store
	ledger *ledger.Ledger
	wallet *wallet.Wallet
	reg    *prometheus.Registry
	log    slog.Logger
}

func openApp(cfg *config.AppConfig, lb *logging.LogBackend) (*app, error) {
	mc, err := mint.NewClient(mint.Config{
		URL:     cfg.MintURL,
		Log:     lb.Logger(logging.SubsysMint),
		Timeout: cfg.HTTPTimeout,
	})
	if err != nil {
		return nil, err
	}
	keys, err := proofstore.NewLocalKeys(cfg.WalletKey)
	if err != nil {
		return nil, err
	}
	store, err := proofstore.New(proofstore.Config{
		Relays:  proofstore.DialRelays(cfg.Relays),
		Keys:    keys,
		MintURL: cfg.MintURL,
		Log:     lb.Logger(logging.SubsysStore),
	})
	if err != nil {
		return nil, err
	}
	pay, err := escrow.NewLocalPaymentKey(cfg.PaymentKey)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(ledger.Config{
		Path: cfg.LedgerPath(),
		Key:  cfg.LedgerKey,
		Log:  lb.Logger(logging.SubsysLedger),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	w, err := wallet.New(wallet.Config{
		Mint:               mc,
		Store:              store,
		Ledger:             led,
		PaymentKeys:        pay,
		Seed:               cfg.Seed,
		Mnemonic:           cfg.Mnemonic,
		ClaimPolicy:        cfg.ClaimPolicy,
		Retry:              cfg.RetryConfig(),
		RefundScanInterval: cfg.RefundInterval,
		Metrics:            wallet.NewMetrics(reg),
		Log:                lb.Logger(logging.SubsysWallet),
		EscrowLog:          lb.Logger(logging.SubsysEscrow),
	})
	if err != nil {
		led.Close()
		return nil, err
	}
	return &app{
		cfg:    cfg,
		mint:   mc,
		store:  store,
		ledger: led,
		wallet: w,
		reg:    reg,
		log:    lb.Logger(logging.SubsysWallet),
	}, nil
}

func (a *app) close() {
	if err := a.ledger.Close(); err != nil {
		a.log.Errorf("Closing ledger: %v", err)
	}
}

// initConfig writes a config file with freshly generated keys.
func initConfig(dir string, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	mintURL := fs.String("mint", *flagMint, "Mint URL")
	relays := fs.String("relays", *flagRelays, "Comma separated relay URLs")
	phrase := fs.String("mnemonic", "", "Existing BIP-39 phrase to restore from; a new one is generated when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *mintURL == "" || *relays == "" {
		return fmt.Errorf("init needs -mint and -relays")
	}

	words := strings.Join(strings.Fields(*phrase), " ")
	if words == "" {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return err
		}
		if words, err = bip39.NewMnemonic(entropy); err != nil {
			return err
		}
	} else if !bip39.IsMnemonicValid(words) {
		return fmt.Errorf("invalid mnemonic")
	}

	walletKeys, err := proofstore.GenerateKeys()
	if err != nil {
		return err
	}
	payKey, err := escrow.GeneratePaymentKey()
	if err != nil {
		return err
	}
	var ledgerKey [32]byte
	if _, err := rand.Read(ledgerKey[:]); err != nil {
		return err
	}

	path, err := config.Write(dir, map[string]string{
		config.KeyMint:       *mintURL,
		config.KeyRelays:     *relays,
		config.KeyDebugLevel: "info",
		config.KeyWalletKey:  walletKeys.SecretKey(),
		config.KeyPaymentKey: payKey.PrivateKey(),
		config.KeyLedgerKey:  hex.EncodeToString(ledgerKey[:]),
		config.KeyMnemonic:   words,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	if *phrase == "" {
		fmt.Printf("Recovery phrase (write it down, it restores your funds):\n\n  %s\n\n", words)
	} else {
		fmt.Println("Run 'escrowwallet restore' to recover funds from the phrase.")
	}
	return nil
}
