package session

import (
	"sync/atomic"
	"time"
)

// State is the engine's conversational state for one connection.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateGenerating State = "generating"
	StateSpeaking   State = "speaking"
	StateCancelling State = "cancelling"
)

// GenerationRequest tracks one in-flight turn. Seq increases monotonically
// per connection so superseded turns can be told apart from the current one.
// The cancel flag is set exactly once and only ever flips false → true.
type GenerationRequest struct {
	Seq        int64
	TurnID     string
	Transcript string
	StartedAt  time.Time

	cancelled atomic.Bool
}

// Cancel marks the request cancelled. It reports true on the first call only.
func (r *GenerationRequest) Cancel() bool {
	return r.cancelled.CompareAndSwap(false, true)
}

// Cancelled reports whether the request has been cancelled. The generate and
// synth stages poll this between fragments and between audio chunks.
func (r *GenerationRequest) Cancelled() bool {
	return r.cancelled.Load()
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	Status          Status    `json:"status"`
	State           State     `json:"state"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
