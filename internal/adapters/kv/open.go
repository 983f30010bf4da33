package kv

import (
	"context"
	"fmt"
)

// Config selects and configures a Store driver.
type Config struct {
	Driver        string // memory, sqlite, redis
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// Open builds the Store named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "", "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case "redis":
		return NewRedisStore(ctx,
			WithRedisAddr(cfg.RedisAddr),
			WithRedisPassword(cfg.RedisPassword),
			WithRedisDB(cfg.RedisDB),
			WithKeyPrefix(cfg.KeyPrefix),
		)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, cfg.Driver)
	}
}
