package synth

import (
	"context"
	"time"
)

// MockSynthesizer emits silence-filled PCM sized to a rough speaking pace.
// It is the fallback backend when no synthesis credentials are configured,
// and the workhorse for tests.
type MockSynthesizer struct {
	SampleRate int
	// ChunkMS is the duration of each emitted chunk.
	ChunkMS int
	// Delay paces chunk emission; zero emits as fast as the consumer reads.
	Delay time.Duration
}

func NewMockSynthesizer(sampleRate int) *MockSynthesizer {
	return &MockSynthesizer{SampleRate: sampleRate, ChunkMS: 100}
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte, 8)
	errs := make(chan error, 1)

	sampleRate := m.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	chunkMS := m.ChunkMS
	if chunkMS <= 0 {
		chunkMS = 100
	}

	go func() {
		defer close(chunks)
		defer close(errs)

		// Roughly 60ms of audio per character, emitted in fixed chunks.
		totalMS := 60 * len(text)
		chunkBytes := sampleRate * chunkMS / 1000 * 2
		for remaining := totalMS; remaining > 0; remaining -= chunkMS {
			if m.Delay > 0 {
				timer := time.NewTimer(m.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			select {
			case chunks <- make([]byte, chunkBytes):
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, errs
}
