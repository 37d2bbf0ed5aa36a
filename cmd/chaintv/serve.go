package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chaintv/internal/api"
	"chaintv/internal/logging"
)

const sessionIdleTimeout = 30 * time.Minute

var (
	serveAddr string
	serveDev  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local HTTP API for a player front end",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.Addr = serveAddr
		}
		if cmd.Flags().Changed("dev") {
			cfg.DevMode = serveDev
		}
		return runServer()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "Development mode: disables CORS restrictions and rate limiting")
}

func runServer() error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pick up payments left pending or unreported by an earlier run
	if res, err := a.payments.Reconcile(ctx); err != nil {
		logging.Internal.Warn().Err(err).Msg("startup reconciliation failed")
	} else if res.Landed+res.Reported+res.Dropped > 0 {
		logging.Internal.Info().
			Int("landed", res.Landed).
			Int("reported", res.Reported).
			Int("dropped", res.Dropped).
			Msg("reconciled journal from previous run")
	}

	sessions := api.NewSessionRegistry(cfg.MaxSessions)
	defer sessions.Close()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := sessions.CleanupIdle(sessionIdleTimeout); n > 0 {
					logging.Internal.Info().Int("count", n).Msg("closed idle sessions")
				}
			}
		}
	}()

	handler := api.NewHandler(a.fetcher, a.oracle, a.bridge, a.payments, sessions)

	var corsConfig api.CORSConfig
	if cfg.DevMode {
		logging.Internal.Info().Msg("development mode: CORS allowing all origins")
	} else {
		corsConfig.AllowedOrigins = cfg.CORSOrigins
		logging.Internal.Info().Strs("origins", cfg.CORSOrigins).Msg("CORS restricted")
	}

	// Apply middleware (order: Logger -> RateLimit -> CORS -> handler)
	var finalHandler http.Handler = handler
	finalHandler = api.CORS(corsConfig)(finalHandler)
	var rateLimiter *api.RateLimiter
	if !cfg.DevMode {
		rateLimiter = api.NewRateLimiter(api.DefaultRateLimitConfig())
		finalHandler = rateLimiter.Middleware(finalHandler)
		logging.Internal.Info().Msg("rate limiting enabled")
	}
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Info().Msg("shutting down...")
		cancel()

		if rateLimiter != nil {
			rateLimiter.Stop()
		}

		// Payments in flight keep running until they reach an outcome
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Chain.ConfirmTimeout+10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Error().Err(err).Msg("shutdown error")
		}
	}()

	logging.Internal.Info().Str("addr", cfg.Addr).Str("version", Version).Msg("starting server")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}
