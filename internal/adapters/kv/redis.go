package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"github.com/hixprotocol/hix/pkg/logger"
)

const (
	defaultRedisAddr       = "localhost:6379"
	defaultConnectAttempts = 5
)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisAddr sets the host:port of the server.
func WithRedisAddr(addr string) RedisOption {
	return func(r *RedisStore) {
		if addr != "" {
			r.opts.Addr = addr
		}
	}
}

// WithRedisPassword sets the AUTH password.
func WithRedisPassword(password string) RedisOption {
	return func(r *RedisStore) {
		r.opts.Password = password
	}
}

// WithRedisDB selects the logical database.
func WithRedisDB(db int) RedisOption {
	return func(r *RedisStore) {
		if db >= 0 {
			r.opts.DB = db
		}
	}
}

// WithKeyPrefix namespaces every key, e.g. per device.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisStore) {
		r.prefix = prefix
	}
}

// WithConnectAttempts bounds the connect retries.
func WithConnectAttempts(n int) RedisOption {
	return func(r *RedisStore) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// RedisStore keeps each value as one Redis string.
type RedisStore struct {
	client   *redis.Client
	opts     redis.Options
	prefix   string
	attempts int
	logger   logger.Logger
}

// NewRedisStore connects to Redis, retrying the initial ping with exponential
// backoff.
func NewRedisStore(ctx context.Context, opts ...RedisOption) (*RedisStore, error) {
	r := &RedisStore{
		opts: redis.Options{
			Addr:         defaultRedisAddr,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		attempts: defaultConnectAttempts,
		logger:   logger.Get().Named("kv.redis"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.client = redis.NewClient(&r.opts)

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.attempts-1)), ctx)
	err := backoff.Retry(func() error {
		if err := r.client.Ping(ctx).Err(); err != nil {
			r.logger.Warn(ctx, "redis connection failed, retrying",
				logger.String("addr", r.opts.Addr), logger.Error(err))
			return err
		}
		return nil
	}, b)
	if err != nil {
		_ = r.client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", r.opts.Addr, err)
	}

	r.logger.Info(ctx, "redis store ready", logger.String("addr", r.opts.Addr))
	return r, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Close releases the client connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
