package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/voxloop/voxloop/internal/segment"
)

// ErrCancelled marks a turn that was aborted by barge-in or superseding
// input. It is a control-flow outcome, not a failure: callers use it to skip
// history bookkeeping, never to report an error to the client.
var ErrCancelled = errors.New("generation cancelled")

// ErrGenerationFailed marks an upstream text-generation failure. The session
// reports it to the client as a non-fatal event and returns to listening.
var ErrGenerationFailed = errors.New("generation failed")

// Pipeline consumes a cancellable token stream and feeds complete sentences
// onto the synthesis queue.
type Pipeline struct {
	streamer Streamer
}

func NewPipeline(streamer Streamer) *Pipeline {
	return &Pipeline{streamer: streamer}
}

// Run streams a response for req, segmenting fragments into sentence units
// sent on out. The cancelled flag is polled before every emission; once it
// reports true the upstream stream is aborted and no further units are sent.
//
// Run closes out when it returns. It returns the accumulated response text —
// on ErrCancelled the text covers only what was generated before the abort,
// so the caller can record a partial turn.
func (p *Pipeline) Run(ctx context.Context, req Request, cancelled func() bool, out chan<- segment.Unit) (string, error) {
	defer close(out)

	seg := segment.New()
	var full strings.Builder

	emit := func(u segment.Unit) error {
		if cancelled() {
			return ErrCancelled
		}
		select {
		case out <- u:
			return nil
		case <-ctx.Done():
			return ErrCancelled
		}
	}

	resp, err := p.streamer.StreamResponse(ctx, req, func(delta string) error {
		if cancelled() {
			return ErrCancelled
		}
		full.WriteString(delta)
		for _, u := range seg.Push(delta) {
			if err := emit(u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCancelled) || cancelled() || ctx.Err() != nil {
			return full.String(), ErrCancelled
		}
		return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	if u, ok := seg.Flush(); ok {
		if err := emit(u); err != nil {
			return full.String(), ErrCancelled
		}
	}
	if cancelled() {
		return full.String(), ErrCancelled
	}

	text := strings.TrimSpace(full.String())
	if text == "" {
		text = strings.TrimSpace(resp.Text)
	}
	return text, nil
}
