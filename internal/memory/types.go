package memory

import (
	"context"
	"time"
)

// TurnRecord stores a single user or assistant conversational turn. Partial
// marks an assistant turn that was cut off by barge-in before completion.
type TurnRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Partial   bool      `json:"partial"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists completed conversation turns and session lifecycle marks.
// The session engine writes turns as they finish and reads them back once,
// as prompt context, when a connection attaches to an existing session.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentContext(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	MarkSessionClosed(ctx context.Context, sessionID string) error
	Close() error
}
