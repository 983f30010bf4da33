package queue

import (
	"github.com/hixprotocol/hix/internal/domain/dedupe"
	"github.com/hixprotocol/hix/pkg/logger"
)

// Option applies a configuration option to the BatchQueue.
type Option func(*BatchQueue)

// WithCapacity sets the in-memory bound.
func WithCapacity(capacity int) Option {
	return func(q *BatchQueue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithMaxAttempts sets how many failed uploads an entry survives.
func WithMaxAttempts(n uint) Option {
	return func(q *BatchQueue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithOverflow sets where entries go once the queue is full.
func WithOverflow(fn OverflowFunc) Option {
	return func(q *BatchQueue) {
		q.overflow = fn
	}
}

// WithOnDeadLetter registers a callback for dead-lettered entries.
func WithOnDeadLetter(fn DeadLetterFunc) Option {
	return func(q *BatchQueue) {
		q.onDeadLetter = fn
	}
}

// WithDeduper replaces the dead-letter ID tracker.
func WithDeduper(d dedupe.Deduper) Option {
	return func(q *BatchQueue) {
		if d != nil {
			q.deadSeen = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(q *BatchQueue) {
		if l != nil {
			q.logger = l
		}
	}
}
