package generate

import "context"

// Request is the normalized prompt sent to the text-generation collaborator.
type Request struct {
	SessionID string   `json:"session_id"`
	TurnID    string   `json:"turn_id"`
	Prompt    string   `json:"prompt"`
	History   []string `json:"history,omitempty"`
}

// Response is the final response after streaming deltas.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments. Returning an error aborts
// the underlying stream best-effort.
type DeltaHandler func(delta string) error

// Streamer bridges the session engine with a text-generation backend.
type Streamer interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}
