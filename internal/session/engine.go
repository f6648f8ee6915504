package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxloop/voxloop/internal/bargein"
	"github.com/voxloop/voxloop/internal/generate"
	"github.com/voxloop/voxloop/internal/memory"
	"github.com/voxloop/voxloop/internal/observability"
	"github.com/voxloop/voxloop/internal/protocol"
	"github.com/voxloop/voxloop/internal/reliability"
	"github.com/voxloop/voxloop/internal/segment"
	"github.com/voxloop/voxloop/internal/synth"
)

const (
	memorySaveTimeout   = 2 * time.Second
	turnEventBuffer     = 16
	defaultHistoryLimit = 8
)

var errTransportDown = errors.New("transport down")

// EngineConfig tunes per-connection turn handling.
type EngineConfig struct {
	// GenerationTimeout bounds one full turn, generation through synthesis.
	GenerationTimeout time.Duration
	// SupersedeGrace is the pause between cancelling a superseded turn and
	// starting the one that replaced it, so a final transcript arriving right
	// behind a barge-in does not race the teardown.
	SupersedeGrace time.Duration
	// SentenceQueueCap bounds the generation → synthesis queue.
	SentenceQueueCap int
	// BargeInMinRunes is the qualifying-speech threshold for barge-in.
	BargeInMinRunes int
	// HistoryLimit caps how many prior turns are handed to generation.
	HistoryLimit int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 60 * time.Second
	}
	if c.SupersedeGrace < 0 {
		c.SupersedeGrace = 0
	}
	if c.SentenceQueueCap <= 0 {
		c.SentenceQueueCap = 64
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	return c
}

// Engine drives the conversational state machine for websocket connections.
// Each connection gets its own RunConnection loop; the engine itself only
// holds shared collaborators and is safe for concurrent use.
type Engine struct {
	sessions *Manager
	pipeline *generate.Pipeline
	synth    synth.Synthesizer
	store    memory.Store
	metrics  *observability.Metrics
	cfg      EngineConfig
}

func NewEngine(
	sessions *Manager,
	pipeline *generate.Pipeline,
	synthesizer synth.Synthesizer,
	store memory.Store,
	metrics *observability.Metrics,
	cfg EngineConfig,
) *Engine {
	return &Engine{
		sessions: sessions,
		pipeline: pipeline,
		synth:    synthesizer,
		store:    store,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
	}
}

// turnEvent flows from a turn goroutine back into the connection loop, which
// owns all state transitions.
type turnEvent struct {
	req      *GenerationRequest
	speaking bool

	done     bool
	text     string // full generated text, possibly partial
	spoken   string // sentences fully forwarded before any cancellation
	genErr   error
	timedOut bool // the turn cancelled itself (deadline), not the loop
}

// RunConnection processes one websocket connection until the client closes,
// the context ends, or inbound is closed. It enforces the core invariant of
// the engine: at most one non-cancelled GenerationRequest exists at any time.
func (e *Engine) RunConnection(ctx context.Context, s *Session, inbound <-chan any, outbound chan<- any) error {
	barge := bargein.New(bargein.Config{MinRunes: e.cfg.BargeInMinRunes})
	events := make(chan turnEvent, turnEventBuffer)

	var (
		state         = StateListening
		seq           int64
		active        *GenerationRequest
		turnCancel    context.CancelFunc
		inFlight      int
		history       []memory.TurnRecord
		bargeDetected time.Time
	)

	// A reconnect to an existing session picks up where the last connection
	// left off: prior turns come back as prompt context for generation.
	if e.store != nil {
		mctx, cancel := context.WithTimeout(ctx, memorySaveTimeout)
		prior, err := e.store.RecentContext(mctx, s.ID, e.cfg.HistoryLimit)
		cancel()
		if err != nil {
			log.Printf("session %s: recent context: %v", s.ID, err)
		} else {
			history = prior
		}
	}

	send := func(msg any) {
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	setState := func(next State) {
		if state == next {
			return
		}
		state = next
		_ = e.sessions.SetState(s.ID, next)
		e.metrics.SessionEvents.WithLabelValues("state_" + string(next)).Inc()
	}

	// cancelActive flips the active request's cancel flag, aborts its context
	// and tells the client the turn is over. The turn goroutine keeps running
	// until its queue drains; its done event finishes the bookkeeping.
	cancelActive := func(reason string) {
		if active == nil || !active.Cancel() {
			return
		}
		if turnCancel != nil {
			turnCancel()
		}
		barge.SetActive(false)
		setState(StateCancelling)
		_ = e.sessions.Interrupt(s.ID)
		e.metrics.SessionEvents.WithLabelValues("turn_cancelled_" + reason).Inc()
		send(protocol.TurnComplete{
			Type:      protocol.TypeTurnComplete,
			SessionID: s.ID,
			TurnID:    active.TurnID,
			Reason:    reason,
		})
	}

	historyLines := func() []string {
		start := 0
		if len(history) > e.cfg.HistoryLimit {
			start = len(history) - e.cfg.HistoryLimit
		}
		lines := make([]string, 0, len(history)-start)
		for _, r := range history[start:] {
			lines = append(lines, fmt.Sprintf("%s: %s", r.Role, r.Content))
		}
		return lines
	}

	startTurn := func(text string) {
		if active != nil && !active.Cancelled() {
			cancelActive("superseded")
			if e.cfg.SupersedeGrace > 0 {
				timer := time.NewTimer(e.cfg.SupersedeGrace)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return
				}
			}
		}

		bargeDetected = time.Time{}
		seq++
		req := &GenerationRequest{
			Seq:        seq,
			TurnID:     uuid.NewString(),
			Transcript: text,
			StartedAt:  time.Now(),
		}
		active = req

		tctx, cancel := context.WithTimeout(ctx, e.cfg.GenerationTimeout)
		turnCancel = cancel

		setState(StateGenerating)
		barge.SetActive(true)
		_ = e.sessions.StartTurn(s.ID, req.TurnID)
		send(protocol.TurnStarted{
			Type:      protocol.TypeTurnStarted,
			SessionID: s.ID,
			TurnID:    req.TurnID,
			Seq:       req.Seq,
		})

		inFlight++
		go e.runTurn(tctx, *s, req, historyLines(), outbound, barge, events)
	}

	teardown := func() {
		cancelActive("session_closed")
		if turnCancel != nil {
			turnCancel()
		}
		setState(StateIdle)
		if e.store != nil {
			mctx, cancel := context.WithTimeout(context.Background(), memorySaveTimeout)
			defer cancel()
			if err := e.store.MarkSessionClosed(mctx, s.ID); err != nil {
				log.Printf("session %s: mark closed: %v", s.ID, err)
			}
		}
	}

	setState(StateListening)
	send(protocol.Listening{Type: protocol.TypeListening, SessionID: s.ID})

	for {
		select {
		case <-ctx.Done():
			teardown()
			return ctx.Err()

		case evt := <-events:
			if evt.speaking {
				if evt.req == active && !evt.req.Cancelled() {
					setState(StateSpeaking)
				}
				continue
			}
			if !evt.done {
				continue
			}
			inFlight--
			history = e.recordOutcome(s.ID, history, evt)

			if evt.req != active {
				// A superseded turn finished draining; the current turn owns
				// the state machine now.
				continue
			}
			active = nil
			if turnCancel != nil {
				turnCancel()
				turnCancel = nil
			}
			barge.SetActive(false)

			switch {
			case evt.req.Cancelled():
				// The turn goroutine has drained, so no more audio can reach
				// the client: this is the silence the barge-in latency ends at.
				if !bargeDetected.IsZero() {
					e.metrics.ObserveBargeInLatency(time.Since(bargeDetected))
					bargeDetected = time.Time{}
				}
				// turn_complete already went out when the cancel fired,
				// unless the turn cancelled itself on deadline.
				if evt.timedOut {
					e.metrics.SessionEvents.WithLabelValues("turn_timeout").Inc()
					send(protocol.TurnComplete{
						Type:      protocol.TypeTurnComplete,
						SessionID: s.ID,
						TurnID:    evt.req.TurnID,
						Reason:    "timeout",
					})
				}
			case evt.genErr != nil:
				retryable := false
				var upstream *generate.StatusError
				if errors.As(evt.genErr, &upstream) {
					retryable = reliability.IsRetryableHTTPStatus(upstream.Code)
				}
				send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: s.ID,
					Code:      "generation_failed",
					Source:    "generation",
					Retryable: retryable,
					Message:   evt.genErr.Error(),
				})
				e.metrics.ProviderErrors.WithLabelValues("generation", "generation_failed").Inc()
			default:
				send(protocol.TurnComplete{
					Type:      protocol.TypeTurnComplete,
					SessionID: s.ID,
					TurnID:    evt.req.TurnID,
					Reason:    "complete",
				})
				e.metrics.SessionEvents.WithLabelValues("turn_complete").Inc()
			}
			setState(StateListening)
			send(protocol.Listening{Type: protocol.TypeListening, SessionID: s.ID})

		case msg, ok := <-inbound:
			if !ok {
				teardown()
				return nil
			}
			_ = e.sessions.Touch(s.ID)

			switch m := msg.(type) {
			case protocol.Transcript:
				text := strings.TrimSpace(m.Text)
				if text == "" {
					continue
				}
				e.metrics.SessionEvents.WithLabelValues("transcript_committed").Inc()
				startTurn(text)

			case protocol.InterimTranscript:
				if state != StateGenerating && state != StateSpeaking {
					continue
				}
				if barge.Observe(m.Text) {
					bargeDetected = time.Now()
					e.metrics.SessionEvents.WithLabelValues("barge_in").Inc()
					cancelActive("barge_in")
				}

			case protocol.StopGeneration:
				cancelActive("stopped")

			case protocol.Close:
				teardown()
				return nil

			default:
				log.Printf("session %s: dropping unexpected inbound %T", s.ID, msg)
			}
		}
	}
}

// runTurn executes one turn end to end: generation streaming into the
// sentence queue, synthesis draining it, audio frames onto outbound. It
// always delivers exactly one done event, even when cancelled.
func (e *Engine) runTurn(
	ctx context.Context,
	s Session,
	req *GenerationRequest,
	history []string,
	outbound chan<- any,
	barge *bargein.Controller,
	events chan<- turnEvent,
) {
	queue := make(chan segment.Unit, e.cfg.SentenceQueueCap)

	type genResult struct {
		text string
		err  error
	}
	genCh := make(chan genResult, 1)
	go func() {
		text, err := e.pipeline.Run(ctx, generate.Request{
			SessionID: s.ID,
			TurnID:    req.TurnID,
			Prompt:    req.Transcript,
			History:   history,
		}, req.Cancelled, queue)
		genCh <- genResult{text: text, err: err}
	}()

	var (
		spoken        strings.Builder
		speakingSent  bool
		firstAudio    sync.Once
		transportDown bool
	)

	disp := synth.NewDispatcher(e.synth)
	disp.OnSentenceStart = func(u segment.Unit) {
		barge.NotifySpokenText(u.Text)
		if speakingSent {
			return
		}
		speakingSent = true
		select {
		case events <- turnEvent{req: req, speaking: true}:
		case <-ctx.Done():
		}
	}
	disp.OnSentenceDone = func(u segment.Unit, err error) {
		if err != nil || req.Cancelled() {
			return
		}
		if spoken.Len() > 0 {
			spoken.WriteByte(' ')
		}
		spoken.WriteString(u.Text)
		e.metrics.SentencesSpoken.Inc()
	}

	forward := func(pcm []byte) error {
		if transportDown {
			return errTransportDown
		}
		select {
		case outbound <- protocol.AudioFrame(pcm):
			firstAudio.Do(func() {
				e.metrics.ObserveFirstAudioLatency(time.Since(req.StartedAt))
			})
			return nil
		case <-ctx.Done():
			transportDown = true
			return ctx.Err()
		}
	}

	dispErr := disp.Run(ctx, queue, req.Cancelled, forward)
	gen := <-genCh
	if dispErr != nil && !errors.Is(dispErr, context.Canceled) && !errors.Is(dispErr, context.DeadlineExceeded) {
		log.Printf("session %s turn %s: dispatcher: %v", s.ID, req.TurnID, dispErr)
	}

	genErr := gen.err
	timedOut := false
	if errors.Is(genErr, generate.ErrCancelled) {
		genErr = nil
		// Cancel returning true here means nobody else flipped the flag, so
		// the abort came from this turn's own deadline.
		timedOut = req.Cancel()
	}

	evt := turnEvent{
		req:      req,
		done:     true,
		text:     gen.text,
		spoken:   strings.TrimSpace(spoken.String()),
		genErr:   genErr,
		timedOut: timedOut,
	}
	select {
	case events <- evt:
	case <-ctx.Done():
		// Loop is gone; deliver best-effort so bookkeeping still happens
		// when the loop is merely busy.
		select {
		case events <- evt:
		default:
		}
	}
}

// recordOutcome applies the history rules for one finished turn: a completed
// turn is recorded in full, a turn cancelled before any audio leaves no
// trace, and a turn cancelled mid-speech is recorded partial-marked up to
// the last fully spoken sentence.
func (e *Engine) recordOutcome(sessionID string, history []memory.TurnRecord, evt turnEvent) []memory.TurnRecord {
	if evt.genErr != nil {
		return history
	}

	assistantText := evt.text
	partial := false
	if evt.req.Cancelled() {
		if evt.spoken == "" {
			return history
		}
		assistantText = evt.spoken
		partial = true
	}
	if strings.TrimSpace(assistantText) == "" {
		return history
	}

	now := time.Now().UTC()
	user := memory.TurnRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       evt.req.Seq,
		Role:      "user",
		Content:   evt.req.Transcript,
		CreatedAt: now,
	}
	assistant := memory.TurnRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       evt.req.Seq,
		Role:      "assistant",
		Content:   assistantText,
		Partial:   partial,
		CreatedAt: now,
	}
	e.saveTurnBestEffort(user)
	e.saveTurnBestEffort(assistant)
	return append(history, user, assistant)
}

func (e *Engine) saveTurnBestEffort(record memory.TurnRecord) {
	if e.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), memorySaveTimeout)
		defer cancel()
		if err := e.store.SaveTurn(ctx, record); err != nil {
			log.Printf("memory: save turn %s: %v", record.ID, err)
			e.metrics.ProviderErrors.WithLabelValues("memory", "save_failed").Inc()
		}
	}()
}
