// Package filter turns raw accelerometer readings into accepted motion samples.
package filter

import (
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/hixprotocol/hix/internal/domain/model"
)

// Default admissible magnitude range.
const (
	DefaultMinMagnitude = 0.1
	DefaultMaxMagnitude = 20.0
)

// ErrRejected marks a reading outside the admissible range. It is expected
// filtering, not a failure.
var ErrRejected = errors.New("reading rejected")

// Option applies a configuration option to the Filter.
type Option func(*Filter)

// WithMagnitudeRange sets the admissible magnitude range (inclusive).
func WithMagnitudeRange(minMagnitude, maxMagnitude float64) Option {
	return func(f *Filter) {
		if minMagnitude >= 0 && maxMagnitude > minMagnitude {
			f.minMagnitude = minMagnitude
			f.maxMagnitude = maxMagnitude
		}
	}
}

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) {
		if now != nil {
			f.now = now
		}
	}
}

// Filter accepts or rejects acceleration readings and merges in the latest
// rotation reading. Rotation and acceleration arrive on independent streams
// and are joined by latest value, not by timestamp.
type Filter struct {
	minMagnitude float64
	maxMagnitude float64
	now          func() time.Time

	lastRotation atomic.Pointer[model.Vec3]
}

// New creates a Filter with configuration options.
func New(opts ...Option) *Filter {
	f := &Filter{
		minMagnitude: DefaultMinMagnitude,
		maxMagnitude: DefaultMaxMagnitude,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ObserveRotation records the most recent rotation reading.
func (f *Filter) ObserveRotation(r model.Vec3) {
	f.lastRotation.Store(&r)
}

// LastRotation returns the most recent rotation reading, or the zero vector.
func (f *Filter) LastRotation() model.Vec3 {
	if r := f.lastRotation.Load(); r != nil {
		return *r
	}
	return model.Vec3{}
}

// Range returns the admissible magnitude bounds.
func (f *Filter) Range() (minMagnitude, maxMagnitude float64) {
	return f.minMagnitude, f.maxMagnitude
}

// Filter returns an accepted sample or ErrRejected.
func (f *Filter) Filter(raw model.Vec3) (model.MotionSample, error) {
	magnitude := raw.Norm()
	if math.IsNaN(magnitude) || math.IsInf(magnitude, 0) {
		return model.MotionSample{}, ErrRejected
	}
	if magnitude < f.minMagnitude || magnitude > f.maxMagnitude {
		return model.MotionSample{}, ErrRejected
	}
	return model.MotionSample{
		Acceleration: raw,
		Rotation:     f.LastRotation(),
		Magnitude:    magnitude,
		CapturedAt:   f.now(),
	}, nil
}
