package worker

import (
	"context"
	"sync"
	"time"

	"github.com/hixprotocol/hix/pkg/logger"
)

const defaultFlushInterval = 30 * time.Second

// Ticker runs foreground flushes on a fixed interval while a session is
// capturing.
type Ticker struct {
	flusher  *Flusher
	interval time.Duration

	// Shutdown control
	stopOnce sync.Once
	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewTicker creates a Ticker. A non-positive interval uses the default.
func NewTicker(f *Flusher, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &Ticker{
		flusher:  f,
		interval: interval,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Get().Named("ticker"),
	}
}

// Run flushes every interval until ctx is canceled or Stop is called. A flush
// that is already running when the ticker stops completes on its own context
// and its outcome is kept.
func (t *Ticker) Run(ctx context.Context) {
	defer close(t.done)

	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	flushCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.shutdown:
			return
		case <-tk.C:
			report, err := t.flusher.Flush(flushCtx, TriggerForeground)
			if err != nil && !IsSkipped(err) {
				t.logger.Warn(ctx, "foreground flush error", logger.Error(err))
				continue
			}
			if report.Result == ResultFailed {
				t.logger.Info(ctx, "foreground flush failed, will retry",
					logger.Int("requeued", report.Requeued))
			}
		}
	}
}

// Stop signals the loop to exit and returns immediately. Safe to call more
// than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.shutdown) })
}

// Done is closed once Run has returned.
func (t *Ticker) Done() <-chan struct{} {
	return t.done
}

// Shutdown stops the ticker and waits for Run to return or ctx to end.
func (t *Ticker) Shutdown(ctx context.Context) error {
	t.Stop()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		t.logger.Warn(ctx, "ticker shutdown timed out")
		return ctx.Err()
	}
}
