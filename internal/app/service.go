// Package app provides the capture session controller that ties sensors,
// filtering, reward accrual, the queue and the flusher together.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hixprotocol/hix/internal/adapters/kv"
	"github.com/hixprotocol/hix/internal/adapters/mq/queue"
	"github.com/hixprotocol/hix/internal/adapters/mq/worker"
	"github.com/hixprotocol/hix/internal/adapters/sensor"
	"github.com/hixprotocol/hix/internal/adapters/spool"
	"github.com/hixprotocol/hix/internal/adapters/uploader"
	"github.com/hixprotocol/hix/internal/domain/filter"
	"github.com/hixprotocol/hix/internal/domain/model"
	"github.com/hixprotocol/hix/internal/domain/reward"
	"github.com/hixprotocol/hix/internal/domain/types"
	"github.com/hixprotocol/hix/pkg/logger"
	"github.com/hixprotocol/hix/pkg/metrics"
)

// Default service configuration constants.
const (
	defaultQueueCapacity = 50
	defaultMaxAttempts   = 5
	defaultBatchSize     = 50
	defaultFlushInterval = 30 * time.Second

	// persistTimeout bounds writes that must happen even after the caller's
	// context ended.
	persistTimeout = 5 * time.Second
)

// Service is the capture session controller. It is Idle until Start and
// returns to Idle on Stop.
type Service struct {
	// ingest serializes sensor callbacks so entries are pushed in the order
	// they were stamped, and lets Stop wait out a callback in progress.
	ingest sync.Mutex

	mu       sync.RWMutex
	session  model.SessionState
	accrual  model.AccrualState
	distance float64
	operator string // last persisted identity
	ticker   *worker.Ticker

	// Components
	store       kv.Store
	source      sensor.Source
	filter      *filter.Filter
	reward      *reward.Accrual
	spool       *spool.Spool
	deadLetters *spool.Spool
	queue       *queue.BatchQueue
	flusher     *worker.Flusher

	// Configuration
	queueCapacity  int
	maxAttempts    uint
	batchSize      int
	flushInterval  time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	minMagnitude   float64
	maxMagnitude   float64
	rewardOpts     []reward.Option
	caps           reward.Capabilities
	taskMultiplier float64

	now    func() time.Time
	newID  func() string
	logger logger.Logger
}

// New builds a Service over store. source may be nil when readings only
// arrive through the API.
func New(store kv.Store, source sensor.Source, up uploader.Uploader, opts ...Option) *Service {
	s := &Service{
		store:          store,
		source:         source,
		queueCapacity:  defaultQueueCapacity,
		maxAttempts:    defaultMaxAttempts,
		batchSize:      defaultBatchSize,
		flushInterval:  defaultFlushInterval,
		minMagnitude:   filter.DefaultMinMagnitude,
		maxMagnitude:   filter.DefaultMaxMagnitude,
		taskMultiplier: 1,
		now:            time.Now,
		newID:          uuid.NewString,
		logger:         logger.Get().Named("session"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.filter = filter.New(
		filter.WithMagnitudeRange(s.minMagnitude, s.maxMagnitude),
		filter.WithClock(s.now),
	)
	s.reward = reward.New(s.rewardOpts...)
	s.spool = spool.New(store)
	s.deadLetters = spool.New(store,
		spool.WithKey(kv.KeyDeadLetters),
		spool.WithSizeReporter(func(int) {}),
		spool.WithLogger(logger.Get().Named("deadletters")),
	)
	s.queue = queue.New(
		queue.WithCapacity(s.queueCapacity),
		queue.WithMaxAttempts(s.maxAttempts),
		queue.WithOverflow(func(ctx context.Context, e model.QueueEntry) error {
			return s.spool.Append(ctx, e)
		}),
		queue.WithOnDeadLetter(s.onDeadLetter),
	)

	flusherOpts := []worker.Option{
		worker.WithBatchSize(s.batchSize),
		worker.WithOnFlushed(s.onFlushed),
		worker.WithClock(s.now),
	}
	if s.backoffInitial > 0 {
		flusherOpts = append(flusherOpts, worker.WithExponentialBackoff(s.backoffInitial, s.backoffMax))
	}
	s.flusher = worker.NewFlusher(s.queue, s.spool, up, flusherOpts...)

	s.session.Bonus = 1
	s.session.TaskMultiplier = s.reward.ClampTaskMultiplier(s.taskMultiplier)
	s.session.Tier = s.reward.TierFor(s.caps)
	return s
}

// Restore loads the accrual checkpoint, the persisted operator identity and
// the dead-letter set, and reads the spool size. Missing or malformed values
// leave the defaults in place; the first store error is returned after every
// key was tried.
func (s *Service) Restore(ctx context.Context) error {
	var firstErr error

	raw, ok, err := s.store.Get(ctx, kv.KeyAccrual)
	switch {
	case err != nil:
		firstErr = fmt.Errorf("restore accrual: %w", err)
		s.logger.Warn(ctx, "accrual checkpoint unavailable", logger.Error(err))
	case ok:
		var st model.AccrualState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			s.logger.Warn(ctx, "malformed accrual checkpoint ignored", logger.Error(err))
			break
		}
		s.mu.Lock()
		s.accrual = st
		s.mu.Unlock()
	}

	op, ok, err := s.store.Get(ctx, kv.KeyWallet)
	switch {
	case err != nil:
		if firstErr == nil {
			firstErr = fmt.Errorf("restore operator: %w", err)
		}
		s.logger.Warn(ctx, "operator identity unavailable", logger.Error(err))
	case ok:
		s.mu.Lock()
		s.operator = op
		s.mu.Unlock()
	}

	dead, err := s.deadLetters.ReadAll(ctx)
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("restore dead letters: %w", err)
	}
	s.queue.LoadDeadLetters(ctx, dead)

	if _, err := s.spool.ReadAll(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("restore spool: %w", err)
	}

	snap := s.Snapshot(ctx)
	s.logger.Info(ctx, "state restored",
		logger.Uint64("vectors", snap.VectorsCaptured),
		logger.Float64("reward", snap.RewardEarned),
		logger.Int("spooled", snap.Spooled),
	)
	return firstErr
}

// Operator returns the identity of the current or most recent session.
func (s *Service) Operator() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.operator
}

// Start begins a capture session for operator.
func (s *Service) Start(ctx context.Context, operator string) error {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return ErrMissingOperator
	}

	s.mu.Lock()
	if s.session.Active {
		s.mu.Unlock()
		return ErrAlreadyCapturing
	}
	s.session = model.SessionState{
		SessionID:      s.newID(),
		Operator:       operator,
		Active:         true,
		Tier:           s.reward.TierFor(s.caps),
		TaskMultiplier: s.reward.ClampTaskMultiplier(s.taskMultiplier),
		Bonus:          1,
	}
	s.distance = 0
	s.operator = operator
	ticker := worker.NewTicker(s.flusher, s.flushInterval)
	s.ticker = ticker
	session := s.session
	s.mu.Unlock()

	if err := s.store.Set(ctx, kv.KeyWallet, operator); err != nil {
		s.logger.Warn(ctx, "could not persist operator identity", logger.Error(err))
	}

	if s.source != nil {
		if err := s.source.Subscribe(context.WithoutCancel(ctx), s); err != nil {
			s.mu.Lock()
			s.session.Active = false
			s.ticker = nil
			s.mu.Unlock()
			return fmt.Errorf("subscribe sensors: %w", err)
		}
	}

	go ticker.Run(context.WithoutCancel(ctx))

	metrics.UpdateSessionActive(true)
	s.logger.Info(ctx, "session started",
		logger.String("session_id", session.SessionID),
		logger.String("operator", session.Operator),
		logger.Int("tier", session.Tier),
	)
	return nil
}

// Stop ends the session: sensors are released, the foreground ticker is
// stopped, one final flush runs to completion, anything it could not upload
// is moved to the spool and the accrual is checkpointed. The session is Idle
// afterwards even if the flush failed.
func (s *Service) Stop(ctx context.Context) (worker.Report, error) {
	s.ingest.Lock()
	s.mu.Lock()
	if !s.session.Active {
		s.mu.Unlock()
		s.ingest.Unlock()
		return worker.Report{}, ErrNotCapturing
	}
	s.session.Active = false
	ticker := s.ticker
	s.ticker = nil
	sessionID := s.session.SessionID
	s.mu.Unlock()
	s.ingest.Unlock()

	if s.source != nil {
		if err := s.source.Unsubscribe(); err != nil {
			s.logger.Warn(ctx, "could not release sensors", logger.Error(err))
		}
	}
	if ticker != nil {
		ticker.Stop()
	}

	report, err := s.flusher.Flush(ctx, worker.TriggerFinal)
	if err != nil {
		s.logger.Error(ctx, "final flush did not run", logger.Error(err))
		s.spillPending(ctx)
	}
	s.checkpoint(ctx)
	metrics.UpdateSessionActive(false)

	s.logger.Info(ctx, "session stopped",
		logger.String("session_id", sessionID),
		logger.String("final_flush", report.Result.String()),
		logger.Int("uploaded", report.Uploaded),
	)
	if err != nil {
		return report, fmt.Errorf("final flush: %w", err)
	}
	return report, nil
}

// Capturing reports whether a session is active.
func (s *Service) Capturing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Active
}

// OnAcceleration filters, accrues and enqueues one reading.
func (s *Service) OnAcceleration(v model.Vec3) {
	defer s.recoverCallback("acceleration")

	s.ingest.Lock()
	defer s.ingest.Unlock()

	entry, ok := s.accept(v)
	if !ok {
		return
	}

	metrics.RecordSampleAccepted(entry.Reward)
	ctx := context.Background()
	if err := s.queue.Push(ctx, entry); err != nil {
		s.logger.Error(ctx, "enqueue failed", logger.String("id", entry.ID), logger.Error(err))
	}
}

// accept turns v into a queue entry and accrues its reward.
func (s *Service) accept(v model.Vec3) (model.QueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.session.Active {
		return model.QueueEntry{}, false
	}
	sample, err := s.filter.Filter(v)
	if err != nil {
		metrics.RecordSampleRejected()
		return model.QueueEntry{}, false
	}
	delta, vectors := s.reward.Accrue(sample, s.session)
	s.accrual = s.accrual.Add(delta, vectors)
	return model.QueueEntry{
		ID:         s.newID(),
		Sample:     sample,
		SessionID:  s.session.SessionID,
		Operator:   s.session.Operator,
		Tier:       s.session.Tier,
		Reward:     delta,
		EnqueuedAt: s.now(),
	}, true
}

// OnRotation records the latest rotation reading.
func (s *Service) OnRotation(v model.Vec3) {
	defer s.recoverCallback("rotation")

	s.mu.RLock()
	active := s.session.Active
	s.mu.RUnlock()
	if active {
		s.filter.ObserveRotation(v)
	}
}

// OnDistance raises the session bonus for meters travelled.
func (s *Service) OnDistance(meters float64) {
	defer s.recoverCallback("distance")

	if meters <= 0 || math.IsNaN(meters) || math.IsInf(meters, 0) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.session.Active {
		return
	}
	s.distance += meters
	s.session.Bonus = s.reward.ApplyDistance(s.session.Bonus, meters)
}

func (s *Service) recoverCallback(channel string) {
	if r := recover(); r != nil {
		metrics.RecordErrorByComponent("session", "callback_panic")
		s.logger.Error(context.Background(), "sensor callback panicked",
			logger.String("channel", channel), logger.Any("panic", r))
	}
}

// Snapshot returns the current capture metrics.
func (s *Service) Snapshot(ctx context.Context) types.Snapshot {
	s.mu.RLock()
	snap := types.Snapshot{
		State:           types.StateIdle,
		Tier:            s.session.Tier,
		TaskMultiplier:  s.session.TaskMultiplier,
		Bonus:           s.session.Bonus,
		VectorsCaptured: s.accrual.VectorsCaptured,
		RewardEarned:    s.accrual.RewardEarned,
		DistanceMeters:  s.distance,
		Operator:        s.operator,
	}
	if s.session.Active {
		snap.State = types.StateCapturing
		snap.SessionID = s.session.SessionID
	}
	s.mu.RUnlock()

	snap.Queued = s.queue.Len()
	snap.QueueCapacity = s.queue.Capacity()
	snap.Spooled = s.spool.Size()
	snap.DeadLettered = len(s.queue.DeadLetters())
	if last := s.flusher.Last(); !last.At.IsZero() {
		snap.LastFlush = last.Result.String()
	}
	return snap
}

// Flush runs an operator-requested flush.
func (s *Service) Flush(ctx context.Context) (worker.Report, error) {
	return s.flusher.Flush(ctx, worker.TriggerManual)
}

// Discard drops everything pending in memory and in the spool. Dead letters
// are kept. It returns how many entries were dropped.
func (s *Service) Discard(ctx context.Context) (int, error) {
	spooled := s.spool.Len(ctx)
	n := s.queue.Clear()
	if err := s.spool.Clear(ctx); err != nil {
		return n, fmt.Errorf("clear spool: %w", err)
	}
	s.logger.Warn(ctx, "pending entries discarded",
		logger.Int("queued", n), logger.Int("spooled", spooled))
	return n + spooled, nil
}

// DeadLetters returns entries that exhausted their upload attempts.
func (s *Service) DeadLetters() []model.QueueEntry {
	return s.queue.DeadLetters()
}

// Flusher exposes the flusher for the background task host.
func (s *Service) Flusher() *worker.Flusher {
	return s.flusher
}

// onFlushed runs after every completed cycle, with the flusher guard held.
func (s *Service) onFlushed(ctx context.Context, r worker.Report) {
	if r.Result == worker.ResultNewData {
		s.checkpoint(ctx)
	}
	if r.Trigger == worker.TriggerFinal {
		s.spillPending(ctx)
	}
}

// spillPending moves whatever the queue still holds into the spool so it
// survives the process. Entries stay in memory if the spool write fails.
func (s *Service) spillPending(ctx context.Context) {
	pending := s.queue.Drain(0)
	if len(pending) == 0 {
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.spool.Append(pctx, pending...); err != nil {
		metrics.RecordErrorByComponent("session", "spill_failed")
		s.logger.Error(ctx, "could not spool pending entries, keeping them in memory",
			logger.Int("entries", len(pending)), logger.Error(err))
		return
	}
	s.queue.Acknowledge(model.IDs(pending))
	s.logger.Info(ctx, "pending entries spooled", logger.Int("entries", len(pending)))
}

func (s *Service) onDeadLetter(ctx context.Context, entries []model.QueueEntry) {
	metrics.RecordErrorByComponent("session", "dead_letter")
	s.logger.Error(ctx, "entries will not be uploaded",
		logger.Int("count", len(entries)),
		logger.String("operator", s.Operator()),
	)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.deadLetters.Append(pctx, entries...); err != nil {
		s.logger.Warn(ctx, "could not persist dead letters", logger.Error(err))
	}
}

// checkpoint persists the accrual state. Failure is logged; the in-memory
// value stays authoritative.
func (s *Service) checkpoint(ctx context.Context) {
	s.mu.RLock()
	st := s.accrual
	s.mu.RUnlock()

	raw, err := json.Marshal(st)
	if err != nil {
		s.logger.Error(ctx, "encode accrual checkpoint", logger.Error(err))
		return
	}
	if err := s.store.Set(ctx, kv.KeyAccrual, string(raw)); err != nil {
		metrics.RecordErrorByComponent("session", "checkpoint_failed")
		s.logger.Warn(ctx, "could not checkpoint accrual", logger.Error(err))
	}
}
