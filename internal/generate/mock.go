package generate

import (
	"context"
	"strings"
	"time"
)

// MockStreamer is a local fallback backend used when no generation endpoint
// is configured. It streams a canned reply word by word so the downstream
// segmenter and dispatcher see realistic pacing.
type MockStreamer struct {
	// Reply overrides the canned response when non-empty.
	Reply string
	// Delay between words; zero means no pacing.
	Delay time.Duration
}

func NewMockStreamer() *MockStreamer {
	return &MockStreamer{Delay: 20 * time.Millisecond}
}

func (m *MockStreamer) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	reply := m.Reply
	if strings.TrimSpace(reply) == "" {
		reply = "I heard you say: " + req.Prompt + ". This is a simulated reply. Configure a generation endpoint for real answers."
	}

	var out strings.Builder
	words := strings.Fields(reply)
	for i, w := range words {
		delta := w
		if i < len(words)-1 {
			delta += " "
		}
		select {
		case <-ctx.Done():
			return Response{Text: out.String()}, ctx.Err()
		default:
		}
		if m.Delay > 0 {
			timer := time.NewTimer(m.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Response{Text: out.String()}, ctx.Err()
			case <-timer.C:
			}
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: out.String()}, nil
}
