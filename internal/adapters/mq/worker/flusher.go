// Package worker drains the batch queue and the durable spool to the
// collector, either on a foreground ticker or when a background task, the
// session stop or the operator asks for it.
package worker

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/hixprotocol/hix/internal/adapters/mq/queue"
	"github.com/hixprotocol/hix/internal/domain/model"
	"github.com/hixprotocol/hix/pkg/logger"
	"github.com/hixprotocol/hix/pkg/metrics"
)

// Default flusher configuration constants.
const (
	defaultBatchSize      = 50
	defaultBackoffInitial = 5 * time.Second
	defaultBackoffMax     = 5 * time.Minute
	bookkeepingTimeout    = 5 * time.Second
)

// Trigger names what started a flush cycle.
type Trigger string

// Flush triggers.
const (
	TriggerForeground Trigger = "foreground"
	TriggerBackground Trigger = "background"
	TriggerFinal      Trigger = "final"
	TriggerManual     Trigger = "manual"
)

// Result is the outcome of a flush cycle as reported to schedulers.
type Result int

// Flush results.
const (
	ResultNoData Result = iota
	ResultNewData
	ResultFailed
)

// MarshalText renders the result name in JSON.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r Result) String() string {
	switch r {
	case ResultNewData:
		return "new-data"
	case ResultFailed:
		return "failed"
	default:
		return "no-data"
	}
}

// Report summarises one flush cycle.
type Report struct {
	Trigger      Trigger       `json:"trigger"`
	Result       Result        `json:"result"`
	Uploaded     int           `json:"uploaded"`
	Requeued     int           `json:"requeued"`
	DeadLettered int           `json:"dead_lettered"`
	Duration     time.Duration `json:"duration"`
	At           time.Time     `json:"at"`
}

// Queue is the in-memory side of the pipeline.
type Queue interface {
	Drain(maxEntries int) []model.QueueEntry
	Acknowledge(ids []string) int
	Requeue(ctx context.Context, entries []model.QueueEntry) []model.QueueEntry
	DeadLetter(ctx context.Context, entries []model.QueueEntry) []model.QueueEntry
	MaxAttempts() uint
}

// Spool is the durable side of the pipeline.
type Spool interface {
	ReadAll(ctx context.Context) ([]model.QueueEntry, error)
	Remove(ctx context.Context, ids []string) (int, error)
	Modify(ctx context.Context, fn func([]model.QueueEntry) []model.QueueEntry) error
}

// Uploader delivers a batch; nil means acknowledged.
type Uploader interface {
	Upload(ctx context.Context, batch []model.QueueEntry) error
}

// Flusher runs flush cycles. At most one cycle runs at a time.
type Flusher struct {
	queue     Queue
	spool     Spool
	uploader  Uploader
	batchSize int

	guard *semaphore.Weighted

	// Guarded by guard.
	backoff     backoff.BackOff
	nextAttempt time.Time

	mu   sync.RWMutex
	last Report

	onFlushed func(ctx context.Context, r Report)
	now       func() time.Time
	logger    logger.Logger
}

// NewFlusher creates a Flusher with configuration options. spool may be nil.
func NewFlusher(q Queue, sp Spool, up Uploader, opts ...Option) *Flusher {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = defaultBackoffInitial
	eb.MaxInterval = defaultBackoffMax
	eb.MaxElapsedTime = 0

	f := &Flusher{
		queue:     q,
		spool:     sp,
		uploader:  up,
		batchSize: defaultBatchSize,
		guard:     semaphore.NewWeighted(1),
		backoff:   eb,
		now:       time.Now,
		logger:    logger.Get().Named("flusher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.backoff.Reset()
	return f
}

// Flush runs one cycle. If another cycle is running it returns at once with
// ResultNoData and ErrFlushInProgress, except for TriggerFinal which waits
// for the running cycle to finish. Foreground flushes are skipped with
// ErrBackingOff while the failure backoff is in effect.
func (f *Flusher) Flush(ctx context.Context, trigger Trigger) (Report, error) {
	if trigger == TriggerFinal {
		if err := f.guard.Acquire(ctx, 1); err != nil {
			return f.skipped(trigger), err
		}
	} else if !f.guard.TryAcquire(1) {
		return f.skipped(trigger), ErrFlushInProgress
	}
	defer f.guard.Release(1)

	if trigger == TriggerForeground && f.now().Before(f.nextAttempt) {
		return f.skipped(trigger), ErrBackingOff
	}

	start := f.now()
	report := f.cycle(ctx, trigger)
	report.At = start
	report.Duration = f.now().Sub(start)

	if report.Result == ResultFailed {
		wait := f.backoff.NextBackOff()
		if wait == backoff.Stop {
			wait = defaultBackoffMax
		}
		f.nextAttempt = f.now().Add(wait)
	} else {
		f.backoff.Reset()
		f.nextAttempt = time.Time{}
	}

	f.mu.Lock()
	f.last = report
	f.mu.Unlock()

	metrics.RecordFlush(string(trigger), report.Result.String(), float64(report.Duration.Milliseconds()))
	f.logger.Debug(ctx, "flush cycle finished",
		logger.String("trigger", string(trigger)),
		logger.String("result", report.Result.String()),
		logger.Int("uploaded", report.Uploaded),
		logger.Int("requeued", report.Requeued),
		logger.Int("dead_lettered", report.DeadLettered),
	)

	if f.onFlushed != nil {
		f.onFlushed(ctx, report)
	}
	return report, nil
}

// Last returns the most recent completed cycle.
func (f *Flusher) Last() Report {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last
}

func (f *Flusher) skipped(trigger Trigger) Report {
	return newReport(trigger, ResultNoData)
}

func newReport(trigger Trigger, r Result) Report {
	return Report{Trigger: trigger, Result: r}
}

// cycle uploads a snapshot of everything pending in batches until the
// snapshot is exhausted or an upload fails. Entries pushed during the cycle
// wait for the next one.
func (f *Flusher) cycle(ctx context.Context, trigger Trigger) Report {
	report := newReport(trigger, ResultNoData)

	pending, fromSpool := f.pending(ctx)
	for len(pending) > 0 {
		n := min(f.batchSize, len(pending))
		batch := pending[:n]
		pending = pending[n:]

		if err := f.uploader.Upload(ctx, batch); err != nil {
			bctx, cancel := bookkeeping(ctx)
			requeued, dead := f.fail(bctx, batch, fromSpool)
			cancel()
			report.Requeued += requeued
			report.DeadLettered += dead
			report.Result = ResultFailed
			f.logger.Warn(ctx, "flush batch failed",
				logger.String("trigger", string(trigger)),
				logger.Int("batch", n), logger.Error(err))
			return report
		}

		bctx, cancel := bookkeeping(ctx)
		f.ack(bctx, batch, fromSpool)
		cancel()
		report.Uploaded += n
		report.Result = ResultNewData
	}
	return report
}

// bookkeeping returns the context that records an upload outcome. The
// outcome is recorded even when ctx has already ended, e.g. a background
// budget that ran out mid-upload.
func bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

// pending merges the queue and the spool by EnqueuedAt. Ties keep queue
// entries first. An unreadable spool is treated as empty for this cycle.
func (f *Flusher) pending(ctx context.Context) ([]model.QueueEntry, map[string]bool) {
	fromQueue := f.queue.Drain(0)
	fromSpool := make(map[string]bool)

	merged := fromQueue
	if f.spool != nil {
		spooled, err := f.spool.ReadAll(ctx)
		if err != nil {
			f.logger.Warn(ctx, "spool unavailable, flushing memory only", logger.Error(err))
		}
		inQueue := make(map[string]struct{}, len(fromQueue))
		for _, e := range fromQueue {
			inQueue[e.ID] = struct{}{}
		}
		for _, e := range spooled {
			if _, dup := inQueue[e.ID]; dup {
				continue
			}
			fromSpool[e.ID] = true
			merged = append(merged, e)
		}
	}

	slices.SortStableFunc(merged, func(a, b model.QueueEntry) int {
		return cmp.Compare(a.EnqueuedAt.UnixNano(), b.EnqueuedAt.UnixNano())
	})
	return merged, fromSpool
}

func split(batch []model.QueueEntry, fromSpool map[string]bool) (mem, spooled []model.QueueEntry) {
	for _, e := range batch {
		if fromSpool[e.ID] {
			spooled = append(spooled, e)
		} else {
			mem = append(mem, e)
		}
	}
	return mem, spooled
}

func (f *Flusher) ack(ctx context.Context, batch []model.QueueEntry, fromSpool map[string]bool) {
	mem, spooled := split(batch, fromSpool)
	f.queue.Acknowledge(model.IDs(mem))
	if len(spooled) == 0 {
		return
	}
	if _, err := f.spool.Remove(ctx, model.IDs(spooled)); err != nil {
		// Uploaded already; they will be sent again on a later cycle.
		f.logger.Error(ctx, "could not remove uploaded entries from spool",
			logger.Int("entries", len(spooled)), logger.Error(err))
	}
}

// fail records a failed attempt for every entry in batch, wherever it lives,
// and returns how many stay pending and how many were dead-lettered.
func (f *Flusher) fail(ctx context.Context, batch []model.QueueEntry, fromSpool map[string]bool) (int, int) {
	mem, spooled := split(batch, fromSpool)
	dead := len(f.queue.Requeue(ctx, mem))
	requeued := len(mem) - dead

	if len(spooled) == 0 {
		return requeued, dead
	}

	var exhausted []model.QueueEntry
	err := f.spool.Modify(ctx, func(cur []model.QueueEntry) []model.QueueEntry {
		failed := make(map[string]struct{}, len(spooled))
		for _, e := range spooled {
			failed[e.ID] = struct{}{}
		}
		var matched []model.QueueEntry
		for _, e := range cur {
			if _, ok := failed[e.ID]; ok {
				matched = append(matched, e)
			}
		}
		retry, ex := queue.BumpAttempts(matched, f.queue.MaxAttempts())
		exhausted = ex

		bumped := make(map[string]model.QueueEntry, len(retry))
		for _, e := range retry {
			bumped[e.ID] = e
		}
		out := make([]model.QueueEntry, 0, len(cur))
		for _, e := range cur {
			if _, ok := failed[e.ID]; !ok {
				out = append(out, e)
				continue
			}
			if b, ok := bumped[e.ID]; ok {
				out = append(out, b)
			}
		}
		return out
	})
	if err != nil {
		// The attempt is not counted; the entries stay spooled as they were.
		f.logger.Error(ctx, "could not record failed attempt in spool", logger.Error(err))
		return requeued + len(spooled), dead
	}

	spoolDead := len(f.queue.DeadLetter(ctx, exhausted))
	return requeued + len(spooled) - len(exhausted), dead + spoolDead
}

// IsBusy reports whether a cycle is running right now.
func (f *Flusher) IsBusy() bool {
	if f.guard.TryAcquire(1) {
		f.guard.Release(1)
		return false
	}
	return true
}

// IsSkipped reports whether err means the cycle did not run because another
// was in flight or the failure backoff was in effect.
func IsSkipped(err error) bool {
	return errors.Is(err, ErrFlushInProgress) || errors.Is(err, ErrBackingOff)
}
