// Command walletd serves the wallet view of the active principal and
// evaluates trust-gated access requirements.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/wallet_layer/internal/config"
	"github.com/R3E-Network/wallet_layer/internal/logging"
	"github.com/R3E-Network/wallet_layer/internal/metrics"
	"github.com/R3E-Network/wallet_layer/internal/middleware"
	"github.com/R3E-Network/wallet_layer/internal/wallet"
)

func main() {
	configPath := flag.String("config", os.Getenv("WALLET_CONFIG"), "Path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.PublicKeyPath == "" {
		return errors.New("auth.public_key_path is required")
	}
	publicKey, err := middleware.LoadPublicKey(cfg.Auth.PublicKeyPath)
	if err != nil {
		return err
	}

	log := logging.New(cfg.Service, cfg.Log.Level, cfg.Log.Format)
	m := metrics.New(true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer b.Close()

	ctrl, err := wallet.NewController(b.store, b.feed, wallet.Options{
		Table:              cfg.Wallet.Table,
		Limit:              cfg.Wallet.Limit,
		FetchTimeout:       cfg.Wallet.FetchTimeout,
		MinRefreshInterval: cfg.Wallet.MinRefreshInterval,
		RefreshSchedule:    cfg.Wallet.RefreshSchedule,
		Logger:             log,
		Metrics:            m,
	})
	if err != nil {
		return fmt.Errorf("wallet controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.Stop()

	srv := &server{
		cfg:     cfg,
		ctrl:    ctrl,
		mem:     b.mem,
		auth:    middleware.NewAuthMiddleware(publicKey, log, cfg.Auth.SkipPaths),
		gate:    middleware.NewGate(log, m),
		log:     log,
		metrics: m,
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).
			WithField("store", cfg.Wallet.Store).
			WithField("feed", cfg.Wallet.Feed).
			Info("walletd listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	return nil
}
