package main

import (
	"context"
	"fmt"
	"time"

	"qms/patient-queue/internal/config"
	"qms/patient-queue/internal/directory"
	"qms/patient-queue/internal/store"
	"qms/patient-queue/internal/store/memory"
	"qms/patient-queue/internal/store/postgres"
	"qms/patient-queue/internal/token"
	"qms/patient-queue/internal/visit"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// backends are the collaborators selected by configuration.
type backends struct {
	store     store.QueueStore
	tokens    token.Issuer
	visits    visit.Linker
	directory directory.Directory
	closers   []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	if cfg.DatabaseURL != "" {
		pool, err := openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		b.store = postgres.NewStore(pool)
		b.tokens = token.NewPostgresIssuer(pool)
		b.visits = visit.NewPostgresLinker(pool)
		b.directory = directory.NewPostgres(pool)
		log.Info().Msg("using postgres queue store")
	} else {
		b.store = memory.NewStore()
		b.tokens = token.NewMemoryIssuer()
		b.visits = visit.NewMemoryLinker()
		log.Warn().Msg("DB_DSN not set; queue state is in memory and patient references are not checked")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			b.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.tokens = token.NewRedisIssuer(rdb, "")
		log.Info().Msg("using redis token issuer")
	}

	if cfg.MongoURI != "" {
		mongoDir, err := directory.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		b.closers = append(b.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoDir.Close(closeCtx)
		})
		b.directory = mongoDir
		log.Info().Str("database", cfg.MongoDatabase).Msg("using mongo directory")
	}

	if cfg.VisitServiceURL != "" {
		b.visits = visit.NewHTTPLinker(cfg.VisitServiceURL, cfg.UpstreamTimeout())
		log.Info().Str("url", cfg.VisitServiceURL).Msg("using remote visit service")
	}

	return b, nil
}
