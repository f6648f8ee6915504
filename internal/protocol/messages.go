package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket JSON payload variants. Audio travels in the
// other direction as raw binary frames (see AudioFrame) and carries no type tag.
type MessageType string

const (
	// Client → agent.
	TypeTranscript        MessageType = "transcript"
	TypeInterimTranscript MessageType = "interim_transcript"
	TypeStopGeneration    MessageType = "stop_generation"
	TypeClose             MessageType = "close"

	// Agent → client.
	TypeTurnStarted  MessageType = "turn_started"
	TypeTurnComplete MessageType = "turn_complete"
	TypeListening    MessageType = "listening"
	TypeErrorEvent   MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Transcript carries one finalized utterance. Receiving it starts a new
// generation turn and supersedes any turn still in flight.
type Transcript struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

// InterimTranscript carries running partial text. It never triggers
// generation; it only feeds barge-in detection.
type InterimTranscript struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

// StopGeneration is a client-initiated interrupt of the active turn.
type StopGeneration struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

// Close ends the session.
type Close struct {
	Type MessageType `json:"type"`
}

type TurnStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Seq       int64       `json:"seq"`
}

type TurnComplete struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
}

type Listening struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Message   string      `json:"message"`
}

// AudioFrame is one PCM16LE mono audio chunk bound for the client. The
// gateway writes it as a binary websocket message, in arrival order.
type AudioFrame []byte

// ParseClientMessage decodes and validates one inbound JSON control message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeTranscript:
		var msg Transcript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid transcript: empty text")
		}
		return msg, nil
	case TypeInterimTranscript:
		var msg InterimTranscript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeStopGeneration:
		var msg StopGeneration
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClose:
		var msg Close
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
