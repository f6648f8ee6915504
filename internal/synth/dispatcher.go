package synth

import (
	"context"
	"log"

	"github.com/voxloop/voxloop/internal/segment"
)

// Dispatcher is the single consumer of the sentence queue. It synthesizes
// sentences strictly in queue order — never concurrently — so audio reaches
// the transport in response order.
type Dispatcher struct {
	synth Synthesizer

	// OnSentenceStart fires before a sentence's synthesis call; the session
	// uses it for the Generating → Speaking transition.
	OnSentenceStart func(u segment.Unit)
	// OnSentenceDone fires after a sentence finished (err is nil on success,
	// wraps ErrSynthesisFailed otherwise).
	OnSentenceDone func(u segment.Unit, err error)
}

func NewDispatcher(synth Synthesizer) *Dispatcher {
	return &Dispatcher{synth: synth}
}

// Run consumes queue until it is closed and drained, or ctx ends. The
// cancelled flag is checked before every dequeue and before every chunk
// forward; once it reports true no further audio is emitted, but the queue
// is still drained so the producer never blocks on a dead consumer.
//
// A failing sentence is logged and skipped: one unsynthesizable sentence
// must not silence the rest of the answer.
func (d *Dispatcher) Run(ctx context.Context, queue <-chan segment.Unit, cancelled func() bool, forward Forwarder) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-queue:
			if !ok {
				return nil
			}
			if cancelled() {
				continue
			}
			if d.OnSentenceStart != nil {
				d.OnSentenceStart(u)
			}
			err := d.speak(ctx, u, cancelled, forward)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("synth: sentence %d failed, skipping: %v", u.Index, err)
			}
			if d.OnSentenceDone != nil {
				d.OnSentenceDone(u, err)
			}
		}
	}
}

// speak runs one synthesis call and forwards chunks as they arrive. On
// cancellation mid-sentence it aborts the call and discards the remainder
// of the stream instead of forwarding it.
func (d *Dispatcher) speak(ctx context.Context, u segment.Unit, cancelled func() bool, forward Forwarder) error {
	text := SanitizeSpeechText(u.Text)
	if text == "" {
		return nil
	}

	sctx, abort := context.WithCancel(ctx)
	defer abort()

	chunks, errs := d.synth.Synthesize(sctx, text)
	chunksOpen, errsOpen := true, true
	var synthErr error
	muted := false

	for chunksOpen || errsOpen {
		select {
		case pcm, ok := <-chunks:
			if !ok {
				chunksOpen = false
				continue
			}
			if muted || len(pcm) == 0 {
				continue
			}
			if cancelled() {
				muted = true
				abort()
				continue
			}
			if err := forward(pcm); err != nil {
				// Transport gone; drain the stream without emitting.
				log.Printf("synth: forward failed, muting sentence %d: %v", u.Index, err)
				muted = true
				abort()
			}
		case err, ok := <-errs:
			if !ok {
				errsOpen = false
				continue
			}
			if err != nil && synthErr == nil {
				synthErr = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if synthErr != nil && !cancelled() {
		return synthErr
	}
	return nil
}
