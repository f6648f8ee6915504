package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/voxloop/voxloop/internal/generate"
	"github.com/voxloop/voxloop/internal/memory"
	"github.com/voxloop/voxloop/internal/observability"
	"github.com/voxloop/voxloop/internal/protocol"
)

type streamerFunc func(ctx context.Context, req generate.Request, onDelta generate.DeltaHandler) (generate.Response, error)

func (f streamerFunc) StreamResponse(ctx context.Context, req generate.Request, onDelta generate.DeltaHandler) (generate.Response, error) {
	return f(ctx, req, onDelta)
}

// chunkSynth emits a fixed number of PCM chunks per sentence, immediately.
type chunkSynth struct {
	chunks int
	size   int
}

func (c chunkSynth) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	out := make(chan []byte, c.chunks)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for i := 0; i < c.chunks; i++ {
			select {
			case out <- make([]byte, c.size):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errs
}

type captureStore struct {
	mu     sync.Mutex
	prior  []memory.TurnRecord // returned by RecentContext, seeded per test
	turns  []memory.TurnRecord
	closed []string
	saved  chan memory.TurnRecord
}

func newCaptureStore() *captureStore {
	return &captureStore{saved: make(chan memory.TurnRecord, 16)}
}

func (c *captureStore) SaveTurn(ctx context.Context, r memory.TurnRecord) error {
	c.mu.Lock()
	c.turns = append(c.turns, r)
	c.mu.Unlock()
	c.saved <- r
	return nil
}

func (c *captureStore) RecentContext(ctx context.Context, sessionID string, limit int) ([]memory.TurnRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	arr := c.prior
	if limit > 0 && len(arr) > limit {
		arr = arr[len(arr)-limit:]
	}
	return append([]memory.TurnRecord(nil), arr...), nil
}

func (c *captureStore) MarkSessionClosed(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.closed = append(c.closed, sessionID)
	c.mu.Unlock()
	return nil
}

func (c *captureStore) Close() error { return nil }

func (c *captureStore) closedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closed...)
}

func newTestEngine(t *testing.T, streamer generate.Streamer, store memory.Store, cfg EngineConfig) (*Engine, *Session) {
	t.Helper()
	if cfg.GenerationTimeout == 0 {
		cfg.GenerationTimeout = 5 * time.Second
	}
	if cfg.BargeInMinRunes == 0 {
		cfg.BargeInMinRunes = 6
	}
	metrics := observability.NewMetrics(fmt.Sprintf("voxloop_test_engine_%d", time.Now().UnixNano()))
	mgr := NewManager(time.Minute)
	s := mgr.Create()
	eng := NewEngine(mgr, generate.NewPipeline(streamer), chunkSynth{chunks: 2, size: 320}, store, metrics, cfg)
	return eng, s
}

func startConnection(t *testing.T, eng *Engine, s *Session) (chan any, chan any, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	inbound := make(chan any, 16)
	outbound := make(chan any, 256)
	done := make(chan error, 1)
	go func() {
		done <- eng.RunConnection(ctx, s, inbound, outbound)
	}()
	return inbound, outbound, done
}

func nextMatching(t *testing.T, outbound <-chan any, timeout time.Duration, match func(any) bool) any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-outbound:
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatal("timed out waiting for outbound message")
			return nil
		}
	}
}

func turnCompleteWithReason(reason string) func(any) bool {
	return func(msg any) bool {
		tc, ok := msg.(protocol.TurnComplete)
		return ok && tc.Reason == reason
	}
}

func isAudioFrame(msg any) bool {
	_, ok := msg.(protocol.AudioFrame)
	return ok
}

func bargeLatencySamples(t *testing.T, eng *Engine) uint64 {
	t.Helper()
	var m dto.Metric
	if err := eng.metrics.BargeInLatency.Write(&m); err != nil {
		t.Fatalf("read barge-in histogram: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestRunConnectionCompletesTurn(t *testing.T) {
	streamer := streamerFunc(func(ctx context.Context, req generate.Request, onDelta generate.DeltaHandler) (generate.Response, error) {
		if err := onDelta("Hi there. "); err != nil {
			return generate.Response{}, err
		}
		if err := onDelta("All good today."); err != nil {
			return generate.Response{}, err
		}
		return generate.Response{}, nil
	})
	store := newCaptureStore()
	eng, s := newTestEngine(t, streamer, store, EngineConfig{})
	inbound, outbound, done := startConnection(t, eng, s)

	inbound <- protocol.Transcript{Type: protocol.TypeTranscript, Text: "hello"}

	started := nextMatching(t, outbound, 2*time.Second, func(msg any) bool {
		_, ok := msg.(protocol.TurnStarted)
		return ok
	}).(protocol.TurnStarted)
	if started.Seq != 1 {
		t.Fatalf("first turn seq = %d, want 1", started.Seq)
	}

	sawAudio := false
	nextMatching(t, outbound, 2*time.Second, func(msg any) bool {
		if isAudioFrame(msg) {
			sawAudio = true
			return false
		}
		return turnCompleteWithReason("complete")(msg)
	})
	if !sawAudio {
		t.Fatal("no audio frames before turn_complete")
	}

	byRole := map[string]memory.TurnRecord{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-store.saved:
			byRole[r.Role] = r
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for saved turns")
		}
	}
	if byRole["user"].Content != "hello" {
		t.Fatalf("user turn = %q", byRole["user"].Content)
	}
	assistant := byRole["assistant"]
	if assistant.Partial {
		t.Fatal("completed turn recorded as partial")
	}
	if assistant.Content != "Hi there. All good today." {
		t.Fatalf("assistant turn = %q", assistant.Content)
	}

	close(inbound)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunConnection: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunConnection did not return after inbound closed")
	}
	if got := store.closedSessions(); len(got) != 1 || got[0] != s.ID {
		t.Fatalf("closed sessions = %v", got)
	}
}

func TestBargeInCancelsActiveTurn(t *testing.T) {
	streamer := streamerFunc(func(ctx context.Context, req generate.Request, onDelta generate.DeltaHandler) (generate.Response, error) {
		if err := onDelta("This is the first sentence. "); err != nil {
			return generate.Response{}, err
		}
		<-ctx.Done()
		return generate.Response{}, ctx.Err()
	})
	eng, s := newTestEngine(t, streamer, nil, EngineConfig{})
	inbound, outbound, _ := startConnection(t, eng, s)

	inbound <- protocol.Transcript{Type: protocol.TypeTranscript, Text: "tell me a story"}
	nextMatching(t, outbound, 2*time.Second, isAudioFrame)

	inbound <- protocol.InterimTranscript{Type: protocol.TypeInterimTranscript, Text: "actually wait stop"}
	nextMatching(t, outbound, 2*time.Second, turnCompleteWithReason("barge_in"))

	// Cancellation is checked per chunk, so at most one in-flight frame may
	// still trail the turn_complete.
	trailing := 0
	nextMatching(t, outbound, 2*time.Second, func(msg any) bool {
		if isAudioFrame(msg) {
			trailing++
			return false
		}
		_, ok := msg.(protocol.Listening)
		return ok
	})
	if trailing > 1 {
		t.Fatalf("%d audio frames after barge-in turn_complete", trailing)
	}

	// Latency is observed once per barge-in, when the turn stops forwarding.
	if got := bargeLatencySamples(t, eng); got != 1 {
		t.Fatalf("barge-in latency samples = %d, want 1", got)
	}
}

func TestInterimBelowThresholdDoesNotCancel(t *testing.T) {
	release := make(chan struct{})
	streamer := streamerFunc(func(ctx context.Context, req generate.Request, onDelta generate.DeltaHandler) (generate.Response, error) {
		if err := onDelta("Counting to ten slowly. "); err != nil {
			return generate.Response{}, err
		}
		select {
		case <-release:
		case <-ctx.Done():
			return generate.Response{}, ctx.Err()
		}
		return generate.Response{}, nil
	})
	eng, s := newTestEngine(t, streamer, nil, EngineConfig{})
	inbound, outbound, _ := startConnection(t, eng, s)

	inbound <- protocol.Transcript{Type: protocol.TypeTranscript, Text: "count"}
	nextMatching(t, outbound, 2*time.Second, isAudioFrame)

	inbound <- protocol.InterimTranscript{Type: protocol.TypeInterimTranscript, Text: "hm"}
	close(release)

	nextMatching(t, outbound, 2*time.Second, turnCompleteWithReason("complete"))
}

func TestTranscriptSupersedesActiveTurn(t *testing.T) {
	var calls int
	var mu sync.Mutex
	streamer := streamerFunc(func(ctx context.Context, req generate.Request, onDelta generate.DeltaHandler) (generate.Response, error) {
		mu.Lock()
		calls++
		call := calls
		mu.Unlock()
		if call == 1 {
			if err := onDelta("Sentence one of the long answer. "); err != nil {
				return generate.Response{}, err
			}
			<-ctx.Done()
			return generate.Response{}, ctx.Err()
		}
		if err := onDelta("Second answer."); err != nil {
			return generate.Response{}, err
		}
		return generate.Response{}, nil
	})
	eng, s := newTestEngine(t, streamer, nil, EngineConfig{SupersedeGrace: 10 * time.Millisecond})
	inbound, outbound, _ := startConnection(t, eng, s)

	inbound <- protocol.Transcript{Type: protocol.TypeTranscript, Text: "first question"}
	nextMatching(t, outbound, 2*time.Second, isAudioFrame)

	inbound <- protocol.Transcript{Type: protocol.TypeTranscript, Text: "second question"}

	// The superseded turn must be closed out before the new one starts.
	sawSecondStart := false
	nextMatching(t, outbound, 2*time.Second, func(msg any) bool {
		if ts, ok := msg.(protocol.TurnStarted); ok && ts.Seq == 2 {
			sawSecondStart = true
			return false
		}
		return turnCompleteWithReason("superseded")(msg)
	})
	if sawSecondStart {
		t.Fatal("second turn started before superseded turn_complete")
	}

	started := nextMatching(t, outbound, 2*time.Second, func(msg any) bool {
		_, ok := msg.(protocol.TurnStarted)
		return ok
	}).(protocol.TurnStarted)
	if started.Seq != 2 {
		t.Fatalf("new turn seq = %d, want 2", started.Seq)
	}
	nextMatching(t, outbound, 2*time.Second, turnCompleteWithReason("complete"))
}

func TestStopGenerationCancelsTurn(t *testing.T) {
	streamer := streamerFunc(func(ctx context.Context, req generate.Request, onDelta generate.DeltaHandler) (generate.Response, error) {
		if err := onDelta("A very long reply begins here. "); err != nil {
			return generate.Response{}, err
		}
		<-ctx.Done()
		return generate.Response{}, ctx.Err()
	})
	eng, s := newTestEngine(t, streamer, nil, EngineConfig{})
	inbound, outbound, _ := startConnection(t, eng, s)

	inbound <- protocol.Transcript{Type: protocol.TypeTranscript, Text: "go"}
	nextMatching(t, outbound, 2*time.Second, isAudioFrame)

	inbound <- protocol.StopGeneration{Type: protocol.TypeStopGeneration}
	nextMatching(t, outbound, 2*time.Second, turnCompleteWithReason("stopped"))
	nextMatching(t, outbound, 2*time.Second, func(msg any) bool {
		_, ok := msg.(protocol.Listening)
		return ok
	})

	// Only barge-in cancellations feed the barge-in latency histogram.
	if got := bargeLatencySamples(t, eng); got != 0 {
		t.Fatalf("barge-in latency samples = %d, want 0", got)
	}
}

func TestGenerationFailureReturnsToListening(t *testing.T) {
	streamer := streamerFunc(func(ctx context.Context, req generate.Request, onDelta generate.DeltaHandler) (generate.Response, error) {
		return generate.Response{}, fmt.Errorf("backend exploded")
	})
	store := newCaptureStore()
	eng, s := newTestEngine(t, streamer, store, EngineConfig{})
	inbound, outbound, _ := startConnection(t, eng, s)

	inbound <- protocol.Transcript{Type: protocol.TypeTranscript, Text: "hello"}

	errEvt := nextMatching(t, outbound, 2*time.Second, func(msg any) bool {
		_, ok := msg.(protocol.ErrorEvent)
		return ok
	}).(protocol.ErrorEvent)
	if errEvt.Code != "generation_failed" {
		t.Fatalf("error code = %q", errEvt.Code)
	}
	if errEvt.Retryable {
		t.Fatal("unclassified failure reported as retryable")
	}
	nextMatching(t, outbound, 2*time.Second, func(msg any) bool {
		_, ok := msg.(protocol.Listening)
		return ok
	})

	select {
	case r := <-store.saved:
		t.Fatalf("failed turn saved to history: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	// The engine must accept a new turn after the failure.
	inbound <- protocol.Transcript{Type: protocol.TypeTranscript, Text: "retry"}
	nextMatching(t, outbound, 2*time.Second, func(msg any) bool {
		ts, ok := msg.(protocol.TurnStarted)
		return ok && ts.Seq == 2
	})
}

func TestGenerationFailureRetryableClassification(t *testing.T) {
	streamer := streamerFunc(func(ctx context.Context, req generate.Request, onDelta generate.DeltaHandler) (generate.Response, error) {
		return generate.Response{}, &generate.StatusError{Code: 503, Body: "overloaded"}
	})
	eng, s := newTestEngine(t, streamer, nil, EngineConfig{})
	inbound, outbound, _ := startConnection(t, eng, s)

	inbound <- protocol.Transcript{Type: protocol.TypeTranscript, Text: "hello"}
	errEvt := nextMatching(t, outbound, 2*time.Second, func(msg any) bool {
		_, ok := msg.(protocol.ErrorEvent)
		return ok
	}).(protocol.ErrorEvent)
	if !errEvt.Retryable {
		t.Fatal("503 upstream failure should be reported as retryable")
	}
}

func TestReconnectSeedsPromptContext(t *testing.T) {
	gotHistory := make(chan []string, 1)
	streamer := streamerFunc(func(ctx context.Context, req generate.Request, onDelta generate.DeltaHandler) (generate.Response, error) {
		gotHistory <- append([]string(nil), req.History...)
		if err := onDelta("Still noon."); err != nil {
			return generate.Response{}, err
		}
		return generate.Response{}, nil
	})
	store := newCaptureStore()
	store.prior = []memory.TurnRecord{
		{Role: "user", Content: "what time is it"},
		{Role: "assistant", Content: "It is noon."},
	}
	eng, s := newTestEngine(t, streamer, store, EngineConfig{})
	inbound, outbound, _ := startConnection(t, eng, s)

	inbound <- protocol.Transcript{Type: protocol.TypeTranscript, Text: "still?"}
	nextMatching(t, outbound, 2*time.Second, turnCompleteWithReason("complete"))

	select {
	case history := <-gotHistory:
		want := []string{"user: what time is it", "assistant: It is noon."}
		if len(history) != len(want) {
			t.Fatalf("history = %q, want %q", history, want)
		}
		for i := range want {
			if history[i] != want[i] {
				t.Fatalf("history[%d] = %q, want %q", i, history[i], want[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("generation never ran")
	}
}

func TestGenerationTimeoutNotifiesClient(t *testing.T) {
	streamer := streamerFunc(func(ctx context.Context, req generate.Request, onDelta generate.DeltaHandler) (generate.Response, error) {
		<-ctx.Done()
		return generate.Response{}, ctx.Err()
	})
	eng, s := newTestEngine(t, streamer, nil, EngineConfig{GenerationTimeout: 50 * time.Millisecond})
	inbound, outbound, _ := startConnection(t, eng, s)

	inbound <- protocol.Transcript{Type: protocol.TypeTranscript, Text: "hang"}
	nextMatching(t, outbound, 2*time.Second, turnCompleteWithReason("timeout"))
}

func TestRecordOutcomeHistoryRules(t *testing.T) {
	store := newCaptureStore()
	eng, _ := newTestEngine(t, nil, store, EngineConfig{})

	completed := &GenerationRequest{Seq: 1, TurnID: "t1", Transcript: "question"}
	history := eng.recordOutcome("s1", nil, turnEvent{req: completed, done: true, text: "Full answer."})
	if len(history) != 2 {
		t.Fatalf("completed turn: history len = %d, want 2", len(history))
	}
	if history[1].Partial || history[1].Content != "Full answer." {
		t.Fatalf("assistant record = %+v", history[1])
	}

	// Cancelled before any audio: no trace.
	silent := &GenerationRequest{Seq: 2, TurnID: "t2", Transcript: "ignored"}
	silent.Cancel()
	history = eng.recordOutcome("s1", history, turnEvent{req: silent, done: true, text: "Unspoken draft."})
	if len(history) != 2 {
		t.Fatalf("silent cancel: history len = %d, want 2", len(history))
	}

	// Cancelled mid-speech: spoken prefix recorded, marked partial.
	cut := &GenerationRequest{Seq: 3, TurnID: "t3", Transcript: "interrupted"}
	cut.Cancel()
	history = eng.recordOutcome("s1", history, turnEvent{req: cut, done: true, text: "One. Two. Three.", spoken: "One."})
	if len(history) != 4 {
		t.Fatalf("partial cancel: history len = %d, want 4", len(history))
	}
	last := history[len(history)-1]
	if !last.Partial || last.Content != "One." {
		t.Fatalf("partial record = %+v", last)
	}

	// Failed generation leaves history untouched.
	failed := &GenerationRequest{Seq: 4, TurnID: "t4", Transcript: "broken"}
	history = eng.recordOutcome("s1", history, turnEvent{req: failed, done: true, genErr: fmt.Errorf("boom")})
	if len(history) != 4 {
		t.Fatalf("failed turn: history len = %d, want 4", len(history))
	}
}
