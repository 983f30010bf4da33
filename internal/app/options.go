package app

import (
	"time"

	"github.com/hixprotocol/hix/internal/domain/reward"
	"github.com/hixprotocol/hix/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithQueueCapacity sets the in-memory queue bound.
func WithQueueCapacity(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queueCapacity = n
		}
	}
}

// WithMaxAttempts sets how many failed uploads an entry survives.
func WithMaxAttempts(n uint) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBatchSize sets the upload batch size.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFlushInterval sets the foreground flush period.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithBackoff sets the foreground retry backoff range.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(s *Service) {
		s.backoffInitial = initial
		s.backoffMax = maxInterval
	}
}

// WithMagnitudeRange sets the admissible acceleration magnitude.
func WithMagnitudeRange(minMagnitude, maxMagnitude float64) Option {
	return func(s *Service) {
		s.minMagnitude = minMagnitude
		s.maxMagnitude = maxMagnitude
	}
}

// WithRewardOptions configures reward accrual.
func WithRewardOptions(opts ...reward.Option) Option {
	return func(s *Service) {
		s.rewardOpts = append(s.rewardOpts, opts...)
	}
}

// WithCapabilities sets the device permissions used to derive the tier.
func WithCapabilities(c reward.Capabilities) Option {
	return func(s *Service) {
		s.caps = c
	}
}

// WithTaskMultiplier sets the multiplier for the task being captured.
func WithTaskMultiplier(m float64) Option {
	return func(s *Service) {
		s.taskMultiplier = m
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides how entry and session IDs are made.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
