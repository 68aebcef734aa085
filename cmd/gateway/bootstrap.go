package main

import (
	"context"
	"fmt"
	"log"

	"github.com/mrmushfiq/langroute/internal/gateway/cache"
	"github.com/mrmushfiq/langroute/internal/gateway/credentials"
	"github.com/mrmushfiq/langroute/internal/shared/config"
	"github.com/mrmushfiq/langroute/internal/shared/database"
	"github.com/mrmushfiq/langroute/internal/shared/redis"
)

// app holds the stores shared by every command.
type app struct {
	db    *database.DB
	redis *redis.Client
	store *credentials.Store
}

func bootstrap(ctx context.Context, cfg *config.Config) (*app, error) {
	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Println("✓ Connected to database")

	cipher, err := credentials.NewCipher(cfg.EncryptionKey, cfg.EncryptionIV)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &app{db: db}
	var opts []credentials.Option

	// Initialize Redis
	if cfg.RedisURL != "" {
		a.redis, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		opts = append(opts, credentials.WithCache(cache.New(a.redis, cfg.CallerCacheTTL)))
		log.Println("✓ Connected to Redis (caller cache enabled)")
	}

	a.store = credentials.NewStore(db, cipher, credentials.Limits{
		RequestsPerMinute: cfg.DefaultRequestsPerMinute,
		TokensPerMinute:   cfg.DefaultTokensPerMinute,
	}, opts...)

	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
}
