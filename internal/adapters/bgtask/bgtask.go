// Package bgtask registers the periodic background flush with a task host.
//
// On a phone the host is the operating system's background scheduler; here
// LocalHost plays that role in-process. A task is a plain function from a
// budget-bounded context to a flush result, so it never depends on the
// session or any UI state being alive.
package bgtask

import (
	"context"
	"errors"
	"time"

	"github.com/hixprotocol/hix/internal/adapters/mq/worker"
)

// Registration values for the flush task.
const (
	TaskName               = "hix-background-mine"
	DefaultMinimumInterval = 15 * time.Minute
	DefaultBudget          = 30 * time.Second
)

// Sentinel errors.
var (
	ErrAlreadyRegistered = errors.New("task already registered")
	ErrNotRegistered     = errors.New("task not registered")
)

// Registration describes how the host should schedule a task.
type Registration struct {
	Name            string
	MinimumInterval time.Duration
	StopOnTerminate bool
	StartOnBoot     bool
}

// DefaultRegistration returns the flush task registration.
func DefaultRegistration() Registration {
	return Registration{
		Name:            TaskName,
		MinimumInterval: DefaultMinimumInterval,
		StopOnTerminate: false,
		StartOnBoot:     true,
	}
}

// TaskFunc does one unit of background work.
type TaskFunc func(ctx context.Context) worker.Result

// Host schedules registered tasks.
type Host interface {
	Register(reg Registration, fn TaskFunc) error
	Unregister(name string) error
}

// Flusher is what the flush task drives.
type Flusher interface {
	Flush(ctx context.Context, trigger worker.Trigger) (worker.Report, error)
}

// NewFlushTask builds the background flush task. Each run gets at most budget
// to finish; running out of budget counts as a failure even if part of the
// work was uploaded. A run that finds another flush in progress reports no
// data.
func NewFlushTask(f Flusher, budget time.Duration) TaskFunc {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return func(ctx context.Context) worker.Result {
		ctx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		report, err := f.Flush(ctx, worker.TriggerBackground)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return worker.ResultFailed
		}
		if err != nil {
			if worker.IsSkipped(err) {
				return worker.ResultNoData
			}
			return worker.ResultFailed
		}
		return report.Result
	}
}
