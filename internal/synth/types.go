package synth

import (
	"context"
	"errors"
)

// ErrSynthesisFailed marks a single-sentence synthesis failure. It never
// aborts the response; the dispatcher logs it and moves to the next sentence.
var ErrSynthesisFailed = errors.New("synthesis failed")

// Synthesizer streams PCM16LE mono audio for the given text. The audio
// channel closes when the utterance is complete; any terminal error is
// delivered on the error channel. Cancelling ctx aborts the stream
// best-effort.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Forwarder delivers one audio chunk to the transport. It is called in
// strict sentence order, one chunk at a time.
type Forwarder func(pcm []byte) error
