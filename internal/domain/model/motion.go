// Package model contains domain models passed between layers.
package model

import (
	"math"
	"time"
)

// Vec3 is a tri-axis reading.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Norm returns sqrt(x²+y²+z²).
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Slice returns the reading as [x, y, z].
func (v Vec3) Slice() []float64 {
	return []float64{v.X, v.Y, v.Z}
}

// MotionSample is an accepted reading. It is immutable once created and its
// Magnitude is computed exactly once, by the filter.
type MotionSample struct {
	Acceleration Vec3      `json:"acceleration"`
	Rotation     Vec3      `json:"rotation"`
	Magnitude    float64   `json:"magnitude"`
	CapturedAt   time.Time `json:"captured_at"`
}

// QueueEntry wraps a sample on its way to the collector.
// Only Attempts is ever changed after creation.
type QueueEntry struct {
	ID         string       `json:"id"`
	Sample     MotionSample `json:"sample"`
	SessionID  string       `json:"session_id"`
	Operator   string       `json:"operator"`
	Tier       int          `json:"tier"`
	Reward     float64      `json:"reward"`
	Attempts   uint         `json:"attempts"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// SessionState is frozen for the lifetime of one capture session, except for
// Bonus which only grows through distance events.
type SessionState struct {
	SessionID      string  `json:"session_id"`
	Operator       string  `json:"operator"`
	Active         bool    `json:"active"`
	Tier           int     `json:"tier"`
	TaskMultiplier float64 `json:"task_multiplier"`
	Bonus          float64 `json:"bonus"`
}

// AccrualState outlives sessions and never decreases.
type AccrualState struct {
	VectorsCaptured uint64  `json:"vectors_captured"`
	RewardEarned    float64 `json:"reward_earned"`
}

// Add applies one accrual step.
func (a AccrualState) Add(reward float64, vectors uint64) AccrualState {
	if reward < 0 {
		reward = 0
	}
	return AccrualState{
		VectorsCaptured: a.VectorsCaptured + vectors,
		RewardEarned:    a.RewardEarned + reward,
	}
}

// IDs returns the entry IDs in order.
func IDs(entries []QueueEntry) []string {
	ids := make([]string, len(entries))
	for i := range entries {
		ids[i] = entries[i].ID
	}
	return ids
}
