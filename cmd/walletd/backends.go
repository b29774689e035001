package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/wallet_layer/internal/config"
	"github.com/R3E-Network/wallet_layer/internal/logging"
	"github.com/R3E-Network/wallet_layer/internal/metrics"
	"github.com/R3E-Network/wallet_layer/internal/wallet"
	"github.com/R3E-Network/wallet_layer/internal/wallet/postgres"
	"github.com/R3E-Network/wallet_layer/internal/wallet/redisfeed"
	walletsupabase "github.com/R3E-Network/wallet_layer/internal/wallet/supabase"
	"github.com/R3E-Network/wallet_layer/supabase/client"
)

// backends holds the configured store and feed plus their cleanup.
type backends struct {
	store   wallet.Store
	feed    wallet.ChangeFeed
	closers []func() error

	pg  *postgres.Store
	mem *wallet.MemoryStore
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, log *logging.Logger, m *metrics.Metrics) (*backends, error) {
	b := &backends{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	switch cfg.Wallet.Store {
	case config.BackendSupabase:
		c, _, err := client.NewEnhanced(supabaseConfig(cfg, log, m))
		if err != nil {
			return nil, fmt.Errorf("supabase client: %w", err)
		}
		b.store = walletsupabase.NewStore(c, cfg.Wallet.Table, log, m)
	case config.BackendPostgres:
		pg, err := b.postgres(ctx, cfg, log, m)
		if err != nil {
			return nil, err
		}
		b.store = pg
	case config.BackendMemory:
		b.store = b.memory()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Wallet.Store)
	}

	switch cfg.Wallet.Feed {
	case config.BackendSupabase:
		rt := client.NewRealtimeClient(client.RealtimeConfig{
			URL:    cfg.Supabase.URL,
			APIKey: cfg.Supabase.APIKey,
			Logger: log,
		})
		b.closers = append(b.closers, rt.Close)
		b.feed = walletsupabase.NewFeed(rt, cfg.Supabase.Schema)
	case config.BackendPostgres:
		pg, err := b.postgres(ctx, cfg, log, m)
		if err != nil {
			return nil, err
		}
		b.feed = pg
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, rdb.Close)
		b.feed = redisfeed.New(rdb, cfg.Redis.ChannelPrefix, log)
	case config.BackendMemory:
		b.feed = b.memory()
	case config.BackendNone:
	default:
		return nil, fmt.Errorf("unknown feed backend %q", cfg.Wallet.Feed)
	}

	ok = true
	return b, nil
}

// postgres opens the database once for both roles.
func (b *backends) postgres(ctx context.Context, cfg *config.Config, log *logging.Logger, m *metrics.Metrics) (*postgres.Store, error) {
	if b.pg != nil {
		return b.pg, nil
	}
	pg, err := postgres.Open(ctx, cfg.Postgres.DSN, postgres.Config{
		Table:         cfg.Wallet.Table,
		NotifyChannel: cfg.Postgres.NotifyChannel,
		Logger:        log,
		Metrics:       m,
	})
	if err != nil {
		return nil, err
	}
	b.pg = pg
	b.closers = append(b.closers, pg.Close)
	return pg, nil
}

func (b *backends) memory() *wallet.MemoryStore {
	if b.mem == nil {
		b.mem = wallet.NewMemoryStore()
	}
	return b.mem
}

func supabaseConfig(cfg *config.Config, log *logging.Logger, m *metrics.Metrics) client.EnhancedConfig {
	retry := client.DefaultRetryConfig()
	retry.MaxRetries = cfg.Supabase.MaxRetries

	breaker := client.DefaultCircuitBreakerConfig()
	if cfg.Supabase.BreakerThreshold > 0 {
		breaker.FailureThreshold = cfg.Supabase.BreakerThreshold
	}
	if cfg.Supabase.BreakerTimeout > 0 {
		breaker.Timeout = cfg.Supabase.BreakerTimeout
	}

	return client.EnhancedConfig{
		Config: client.Config{
			URL:    cfg.Supabase.URL,
			APIKey: cfg.Supabase.APIKey,
			Schema: cfg.Supabase.Schema,
		},
		RetryConfig:          retry,
		CircuitBreakerConfig: breaker,
		Timeout:              cfg.Supabase.Timeout,
		Logger:               log,
		Metrics:              m,
	}
}
