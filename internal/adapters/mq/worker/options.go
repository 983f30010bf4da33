package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hixprotocol/hix/pkg/logger"
)

// Option applies a configuration option to the Flusher.
type Option func(*Flusher)

// WithBatchSize sets how many entries go in one upload.
func WithBatchSize(n int) Option {
	return func(f *Flusher) {
		if n > 0 {
			f.batchSize = n
		}
	}
}

// WithBackoff sets the policy that spaces foreground retries after a failed
// cycle.
func WithBackoff(b backoff.BackOff) Option {
	return func(f *Flusher) {
		if b != nil {
			f.backoff = b
		}
	}
}

// WithExponentialBackoff is WithBackoff for an exponential policy between
// initial and maxInterval that never gives up.
func WithExponentialBackoff(initial, maxInterval time.Duration) Option {
	return func(f *Flusher) {
		if initial <= 0 || maxInterval < initial {
			return
		}
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = initial
		eb.MaxInterval = maxInterval
		eb.MaxElapsedTime = 0
		f.backoff = eb
	}
}

// WithOnFlushed registers a callback run after every completed cycle, while
// the flush guard is still held.
func WithOnFlushed(fn func(ctx context.Context, r Report)) Option {
	return func(f *Flusher) {
		f.onFlushed = fn
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Flusher) {
		if now != nil {
			f.now = now
		}
	}
}

// WithLogger sets a custom logger for the flusher.
func WithLogger(l logger.Logger) Option {
	return func(f *Flusher) {
		if l != nil {
			f.logger = l
		}
	}
}
