package sensor

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hixprotocol/hix/internal/domain/model"
	"github.com/hixprotocol/hix/pkg/logger"
)

const (
	// DefaultSampleInterval matches the device sensor update rate.
	DefaultSampleInterval = 16 * time.Millisecond
	distanceEvery         = 60 // samples between distance events
)

// SimulatedSource produces plausible handheld motion on a ticker, for
// development without a device.
type SimulatedSource struct {
	interval time.Duration
	speed    float64 // meters per second walked

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	produced atomic.Uint64
	logger   logger.Logger
}

// NewSimulatedSource creates a simulator emitting every interval.
func NewSimulatedSource(interval time.Duration) *SimulatedSource {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &SimulatedSource{
		interval: interval,
		speed:    1.4,
		logger:   logger.Get().Named("sensor.sim"),
	}
}

// Produced returns how many readings were emitted.
func (s *SimulatedSource) Produced() uint64 { return s.produced.Load() }

// Subscribe starts the simulation.
func (s *SimulatedSource) Subscribe(ctx context.Context, l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSubscribed
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, l, s.done)

	s.logger.Info(ctx, "simulator started", logger.Duration("interval", s.interval))
	return nil
}

// Unsubscribe stops the simulation and waits for the loop to exit.
func (s *SimulatedSource) Unsubscribe() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *SimulatedSource) run(ctx context.Context, l Listener, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var step float64
	var n int
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "simulator stopped", logger.Uint64("produced", s.produced.Load()))
			return
		case <-ticker.C:
			l.OnRotation(model.Vec3{
				X: 0.05*math.Sin(step*2) + rand.Float64()*0.01,
				Y: 0.05*math.Cos(step*2) + rand.Float64()*0.01,
				Z: 0.01 + rand.Float64()*0.005,
			})
			l.OnAcceleration(model.Vec3{
				X: 0.8*math.Sin(step) + rand.Float64()*0.1,
				Y: 0.5*math.Cos(step) + rand.Float64()*0.1,
				Z: 9.81 + rand.Float64()*0.2,
			})
			s.produced.Add(1)
			step += 0.05

			n++
			if n%distanceEvery == 0 {
				l.OnDistance(s.speed * s.interval.Seconds() * distanceEvery)
			}
		}
	}
}
