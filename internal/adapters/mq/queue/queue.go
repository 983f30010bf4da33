// Package queue holds accepted samples in memory until a flush uploads them.
//
// The queue is bounded. A push at capacity is handed to the overflow hook,
// normally the durable spool, and is never dropped. Drain does not remove
// anything: entries leave the queue only when acknowledged, discarded or
// dead-lettered, so an interrupted flush loses nothing.
package queue

import (
	"context"
	"slices"
	"sync"

	"github.com/hixprotocol/hix/internal/domain/dedupe"
	"github.com/hixprotocol/hix/internal/domain/model"
	"github.com/hixprotocol/hix/pkg/logger"
	"github.com/hixprotocol/hix/pkg/metrics"
)

// Default queue configuration constants.
const (
	defaultCapacity    = 50
	defaultMaxAttempts = 5
)

// OverflowFunc receives an entry that did not fit.
type OverflowFunc func(ctx context.Context, e model.QueueEntry) error

// DeadLetterFunc is told about entries as they are dead-lettered.
type DeadLetterFunc func(ctx context.Context, entries []model.QueueEntry)

// BatchQueue is a bounded FIFO of queue entries plus the dead-letter set.
type BatchQueue struct {
	mu          sync.Mutex
	entries     []model.QueueEntry
	capacity    int
	maxAttempts uint

	overflow     OverflowFunc
	onDeadLetter DeadLetterFunc

	dead     []model.QueueEntry
	deadSeen dedupe.Deduper

	logger logger.Logger
}

// New creates a BatchQueue with configuration options.
func New(opts ...Option) *BatchQueue {
	q := &BatchQueue{
		capacity:    defaultCapacity,
		maxAttempts: defaultMaxAttempts,
		deadSeen:    dedupe.NewInMemoryDeduper(),
		logger:      logger.Get().Named("queue"),
	}
	for _, opt := range opts {
		opt(q)
	}

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0, q.capacity)
	return q
}

// Capacity returns the in-memory bound.
func (q *BatchQueue) Capacity() int { return q.capacity }

// MaxAttempts returns the upload attempt limit.
func (q *BatchQueue) MaxAttempts() uint { return q.maxAttempts }

// Push appends e. At capacity e goes to the overflow hook instead; if the
// hook is missing or fails, e stays in memory above the bound and the
// condition is logged.
func (q *BatchQueue) Push(ctx context.Context, e model.QueueEntry) error {
	q.mu.Lock()
	if len(q.entries) < q.capacity {
		q.entries = append(q.entries, e)
		size := len(q.entries)
		q.mu.Unlock()

		metrics.RecordQueuePush()
		metrics.UpdateQueueSize(size, q.capacity)
		return nil
	}
	q.mu.Unlock()

	if q.overflow != nil {
		err := q.overflow(ctx, e)
		if err == nil {
			metrics.RecordQueueSpill()
			return nil
		}
		metrics.RecordErrorByComponent("queue", "overflow_failed")
		q.logger.Warn(ctx, "overflow failed, holding entry in memory",
			logger.String("id", e.ID), logger.Error(err))
	}

	q.mu.Lock()
	q.entries = append(q.entries, e)
	size := len(q.entries)
	q.mu.Unlock()

	metrics.RecordQueuePush()
	metrics.UpdateQueueSize(size, q.capacity)
	return nil
}

// Drain returns copies of up to maxEntries entries from the head without
// removing them. maxEntries <= 0 returns everything.
func (q *BatchQueue) Drain(maxEntries int) []model.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	if maxEntries > 0 && maxEntries < n {
		n = maxEntries
	}
	return slices.Clone(q.entries[:n])
}

// Acknowledge removes the entries with the given IDs and returns how many
// were removed.
func (q *BatchQueue) Acknowledge(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	set := toSet(ids)

	q.mu.Lock()
	before := len(q.entries)
	q.entries = slices.DeleteFunc(q.entries, func(e model.QueueEntry) bool {
		_, ok := set[e.ID]
		return ok
	})
	removed := before - len(q.entries)
	size := len(q.entries)
	q.mu.Unlock()

	metrics.UpdateQueueSize(size, q.capacity)
	return removed
}

// Requeue records a failed upload of entries. Each entry still held by the
// queue keeps its position and has Attempts incremented; entries that reach
// the attempt limit are moved to the dead-letter set and returned. Entries
// the queue no longer holds, for instance after a discard, are ignored.
func (q *BatchQueue) Requeue(ctx context.Context, entries []model.QueueEntry) []model.QueueEntry {
	if len(entries) == 0 {
		return nil
	}
	set := toSet(model.IDs(entries))

	var exhausted []model.QueueEntry
	retried := 0

	q.mu.Lock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, ok := set[e.ID]; ok {
			e.Attempts++
			if e.Attempts >= q.maxAttempts {
				exhausted = append(exhausted, e)
				continue
			}
			retried++
		}
		kept = append(kept, e)
	}
	clear(q.entries[len(kept):])
	q.entries = kept
	size := len(q.entries)
	q.mu.Unlock()

	metrics.RecordQueueRequeue(retried)
	metrics.UpdateQueueSize(size, q.capacity)

	return q.DeadLetter(ctx, exhausted)
}

// DeadLetter moves entries to the dead-letter set. Each entry ID is
// dead-lettered at most once; the entries newly recorded are returned and
// passed to the dead-letter callback.
func (q *BatchQueue) DeadLetter(ctx context.Context, entries []model.QueueEntry) []model.QueueEntry {
	if len(entries) == 0 {
		return nil
	}

	var fresh []model.QueueEntry
	for _, e := range entries {
		if !q.deadSeen.SeenAndRecord(ctx, e.ID) {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	set := toSet(model.IDs(fresh))
	q.mu.Lock()
	q.entries = slices.DeleteFunc(q.entries, func(e model.QueueEntry) bool {
		_, ok := set[e.ID]
		return ok
	})
	q.dead = append(q.dead, fresh...)
	size := len(q.entries)
	q.mu.Unlock()

	metrics.RecordDeadLetters(len(fresh))
	metrics.UpdateQueueSize(size, q.capacity)
	q.logger.Warn(ctx, "entries dead-lettered",
		logger.Int("count", len(fresh)), logger.Any("ids", model.IDs(fresh)))

	if q.onDeadLetter != nil {
		q.onDeadLetter(ctx, fresh)
	}
	return fresh
}

// LoadDeadLetters records entries dead-lettered by an earlier run, typically
// read back from storage at startup. Already known IDs are skipped and the
// dead-letter callback is not called. It returns how many were added.
func (q *BatchQueue) LoadDeadLetters(ctx context.Context, entries []model.QueueEntry) int {
	var fresh []model.QueueEntry
	for _, e := range entries {
		if !q.deadSeen.SeenAndRecord(ctx, e.ID) {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		return 0
	}

	q.mu.Lock()
	q.dead = append(q.dead, fresh...)
	q.mu.Unlock()
	return len(fresh)
}

// DeadLetters returns a copy of the dead-letter set.
func (q *BatchQueue) DeadLetters() []model.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.dead)
}

// Len returns the number of entries held in memory.
func (q *BatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear discards every entry held in memory and returns how many there were.
// The dead-letter set is kept.
func (q *BatchQueue) Clear() int {
	q.mu.Lock()
	n := len(q.entries)
	q.entries = nil
	q.mu.Unlock()

	metrics.UpdateQueueSize(0, q.capacity)
	return n
}

// BumpAttempts increments Attempts on copies of entries and splits them into
// those still eligible for retry and those that reached maxAttempts.
func BumpAttempts(entries []model.QueueEntry, maxAttempts uint) (retry, exhausted []model.QueueEntry) {
	for _, e := range entries {
		e.Attempts++
		if e.Attempts >= maxAttempts {
			exhausted = append(exhausted, e)
			continue
		}
		retry = append(retry, e)
	}
	return retry, exhausted
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
