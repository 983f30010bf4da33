// Package types contains common types used across the application
package types

// Snapshot is the read shape of a node's capture metrics, served to the UI layer.
type Snapshot struct {
	State           string  `json:"state"`
	SessionID       string  `json:"session_id,omitempty"`
	Operator        string  `json:"operator,omitempty"`
	Tier            int     `json:"tier"`
	TaskMultiplier  float64 `json:"task_multiplier"`
	Bonus           float64 `json:"bonus"`
	VectorsCaptured uint64  `json:"vectors_captured"`
	RewardEarned    float64 `json:"reward_earned"`
	DistanceMeters  float64 `json:"distance_meters"`
	Queued          int     `json:"queued"`
	QueueCapacity   int     `json:"queue_capacity"`
	Spooled         int     `json:"spooled"`
	DeadLettered    int     `json:"dead_lettered"`
	LastFlush       string  `json:"last_flush,omitempty"`
}

// Session states as reported in Snapshot.State.
const (
	StateIdle      = "idle"
	StateCapturing = "capturing"
)
