// Package spool persists queue entries that did not fit in memory, or that
// must survive a restart, under a single key of a kv.Store.
//
// The whole sequence is written as one JSON document per Set, so a reader
// never observes a half-applied change. Every read-modify-write runs under
// the spool mutex, which keeps Append from racing a flush cycle that is
// rewriting the same key.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hixprotocol/hix/internal/adapters/kv"
	"github.com/hixprotocol/hix/internal/domain/model"
	"github.com/hixprotocol/hix/pkg/logger"
	"github.com/hixprotocol/hix/pkg/metrics"
)

// Option configures a Spool.
type Option func(*Spool)

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(s *Spool) {
		if key != "" {
			s.key = key
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Spool) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSizeReporter sets the function told about the spool size after every
// load and save. The default feeds the spool size gauge.
func WithSizeReporter(fn func(int)) Option {
	return func(s *Spool) {
		if fn != nil {
			s.report = fn
		}
	}
}

// Spool is the durable overflow store.
type Spool struct {
	store  kv.Store
	key    string
	mu     sync.Mutex
	size   atomic.Int64
	report func(int)
	logger logger.Logger
}

// New creates a Spool over store.
func New(store kv.Store, opts ...Option) *Spool {
	s := &Spool{
		store:  store,
		key:    kv.KeySpool,
		report: metrics.UpdateSpoolSize,
		logger: logger.Get().Named("spool"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds entries after the ones already spooled.
func (s *Spool) Append(ctx context.Context, entries ...model.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.Modify(ctx, func(cur []model.QueueEntry) []model.QueueEntry {
		return append(cur, entries...)
	})
}

// ReadAll returns the spooled entries in order. Malformed content is logged
// and read as empty. A store failure is logged and returned so callers can
// treat the spool as empty for now without overwriting it.
func (s *Spool) ReadAll(ctx context.Context) ([]model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Len reads the spool and returns the number of entries, 0 when unreadable.
func (s *Spool) Len(ctx context.Context) int {
	entries, _ := s.ReadAll(ctx)
	return len(entries)
}

// Size returns the entry count seen by the last successful load or save
// without touching the store. It is 0 until the spool is first read or
// written.
func (s *Spool) Size() int {
	return int(s.size.Load())
}

// Clear empties the spool.
func (s *Spool) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, nil)
}

// Replace overwrites the spool with entries.
func (s *Spool) Replace(ctx context.Context, entries []model.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, entries)
}

// Modify applies fn to the current contents and stores the result. If the
// current contents cannot be read from the store nothing is written.
func (s *Spool) Modify(ctx context.Context, fn func([]model.QueueEntry) []model.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.load(ctx)
	if err != nil {
		return err
	}
	return s.save(ctx, fn(cur))
}

// Remove deletes the entries whose IDs are given and returns how many it
// removed.
func (s *Spool) Remove(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	removed := 0
	err := s.Modify(ctx, func(cur []model.QueueEntry) []model.QueueEntry {
		before := len(cur)
		cur = slices.DeleteFunc(cur, func(e model.QueueEntry) bool {
			_, ok := drop[e.ID]
			return ok
		})
		removed = before - len(cur)
		return cur
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// load reads and decodes the stored document. Caller holds mu.
func (s *Spool) load(ctx context.Context) ([]model.QueueEntry, error) {
	raw, ok, err := s.store.Get(ctx, s.key)
	if err != nil {
		metrics.RecordSpoolError("get")
		s.logger.Warn(ctx, "spool read failed, treating as empty",
			logger.String("key", s.key), logger.Error(err))
		return nil, fmt.Errorf("read spool: %w", err)
	}
	if !ok || raw == "" {
		s.setSize(0)
		return nil, nil
	}

	var entries []model.QueueEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		metrics.RecordSpoolError("decode")
		s.logger.Warn(ctx, "spool content malformed, treating as empty",
			logger.String("key", s.key), logger.Error(err))
		s.setSize(0)
		return nil, nil
	}
	s.setSize(len(entries))
	return entries, nil
}

// save encodes and stores entries. Caller holds mu.
func (s *Spool) save(ctx context.Context, entries []model.QueueEntry) error {
	if entries == nil {
		entries = []model.QueueEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode spool: %w", err)
	}
	if err := s.store.Set(ctx, s.key, string(data)); err != nil {
		metrics.RecordSpoolError("set")
		s.logger.Error(ctx, "spool write failed",
			logger.String("key", s.key), logger.Int("entries", len(entries)), logger.Error(err))
		return fmt.Errorf("write spool: %w", err)
	}
	s.setSize(len(entries))
	return nil
}

func (s *Spool) setSize(n int) {
	s.size.Store(int64(n))
	s.report(n)
}
