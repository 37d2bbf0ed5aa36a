package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"chaintv/internal/chain"
	"chaintv/internal/config"
	"chaintv/internal/logging"
	"chaintv/internal/payments"
	"chaintv/internal/price"
	"chaintv/internal/receipts"
	"chaintv/internal/store"
	"chaintv/internal/streams"
	"chaintv/internal/wallet"
)

// app is the set of components every command works with.
type app struct {
	cfg      *config.Config
	journal  *store.SQLiteStore
	archive  receipts.Archive
	bridge   *wallet.Bridge
	chain    chain.Client
	oracle   *price.Oracle
	backend  *streams.Client
	fetcher  *streams.Fetcher
	payments *payments.Service
}

func newApp(cfg *config.Config) (*app, error) {
	journal, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	a := &app{cfg: cfg, journal: journal}

	a.archive, err = openArchive(cfg)
	if err != nil {
		journal.Close()
		return nil, err
	}

	a.bridge = wallet.NewBridge()
	if err := connectWallet(a.bridge, cfg.Wallet); err != nil {
		journal.Close()
		return nil, err
	}

	if cfg.Chain.Mock {
		a.chain = chain.NewMockClient()
		logging.Internal.Warn().Msg("using mock chain client; no real transfers will be made")
	} else {
		a.chain = chain.NewRPCClient(cfg.Chain.RPCEndpoint)
		logging.Internal.Info().Str("endpoint", cfg.Chain.RPCEndpoint).Msg("using Solana RPC")
	}

	fallback, err := decimal.NewFromString(cfg.Price.FallbackUSD)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("invalid fallback price %q: %w", cfg.Price.FallbackUSD, err)
	}
	a.oracle = price.NewOracle(price.Config{
		URL:      cfg.Price.URL,
		Interval: cfg.Price.Interval,
		Fallback: fallback,
	})

	a.backend = streams.NewClient(cfg.BackendURL, &http.Client{Timeout: 15 * time.Second})
	a.fetcher = streams.NewFetcher(a.backend, cfg.DescriptorTTL)

	a.payments = payments.NewService(payments.Deps{
		Wallet:      a.bridge,
		Chain:       a.chain,
		Quoter:      a.oracle,
		Recorder:    a.backend,
		Journal:     journal,
		Archive:     a.archive,
		Invalidator: a.fetcher,
	}, payments.Config{
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
		PollInterval:   cfg.Chain.PollInterval,
	})
	return a, nil
}

func (a *app) Close() {
	if err := a.journal.Close(); err != nil {
		logging.Internal.Error().Err(err).Msg("failed to close journal")
	}
}

// openArchive picks S3 when a bucket is configured, otherwise the local
// receipts directory, otherwise none.
func openArchive(cfg *config.Config) (receipts.Archive, error) {
	if cfg.S3.Bucket != "" {
		a, err := receipts.NewS3Archive(receipts.S3Config{
			Endpoint: cfg.S3.Endpoint,
			KeyID:    cfg.S3.KeyID,
			AppKey:   cfg.S3.AppKey,
			Bucket:   cfg.S3.Bucket,
			Prefix:   cfg.S3.Prefix,
			Insecure: cfg.S3.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 receipt archive: %w", err)
		}
		logging.Internal.Info().Str("bucket", cfg.S3.Bucket).Msg("archiving receipts to S3")
		return a, nil
	}
	if cfg.ReceiptsDir != "" {
		a, err := receipts.NewFSArchive(cfg.ReceiptsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize receipt archive: %w", err)
		}
		logging.Internal.Info().Str("dir", cfg.ReceiptsDir).Msg("archiving receipts to local filesystem")
		return a, nil
	}
	return nil, nil
}

func connectWallet(bridge *wallet.Bridge, cfg config.Wallet) error {
	switch {
	case cfg.Mock:
		mw, err := wallet.NewMockWallet()
		if err != nil {
			return fmt.Errorf("failed to create mock wallet: %w", err)
		}
		logging.Internal.Warn().Msg("using mock wallet")
		return bridge.Connect(mw)
	case cfg.Keypair != "":
		kp, err := wallet.LoadKeypairWallet(cfg.Keypair)
		if err != nil {
			return err
		}
		return bridge.Connect(wallet.NewPromptWallet(kp, cfg.AutoApprove))
	case cfg.Watch != "":
		return bridge.Connect(wallet.NewWatchWallet(cfg.Watch))
	}
	logging.Internal.Info().Msg("no wallet configured; only free streams can be watched")
	return nil
}
