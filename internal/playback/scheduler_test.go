package playback

import (
	"sync"
	"testing"
	"time"
)

type recordedPlay struct {
	start time.Time
	size  int
}

type recordingSink struct {
	mu      sync.Mutex
	plays   []recordedPlay
	stopped int
}

func (s *recordingSink) PlayAt(start time.Time, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays = append(s.plays, recordedPlay{start: start, size: len(pcm)})
	return nil
}

func (s *recordingSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
}

func (s *recordingSink) snapshot() ([]recordedPlay, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedPlay(nil), s.plays...), s.stopped
}

// chunk of n milliseconds at 16kHz mono PCM16.
func chunkMS(n int) []byte {
	return make([]byte, 16000*n/1000*2)
}

func newTestScheduler(sink Sink, minChunks int) (*Scheduler, *time.Time) {
	s := NewScheduler(Config{
		SampleRate:      16000,
		MinBufferChunks: minChunks,
		MaxBufferWait:   50 * time.Millisecond,
		UnderrunMargin:  20 * time.Millisecond,
	}, sink)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestSchedulerBuffersUntilMinDepth(t *testing.T) {
	sink := &recordingSink{}
	s, _ := newTestScheduler(sink, 3)

	s.Enqueue(chunkMS(100))
	s.Enqueue(chunkMS(100))
	if plays, _ := sink.snapshot(); len(plays) != 0 {
		t.Fatalf("played %d chunks before min depth reached", len(plays))
	}
	if got := s.BufferedChunks(); got != 2 {
		t.Fatalf("BufferedChunks() = %d, want 2", got)
	}

	s.Enqueue(chunkMS(100))
	plays, _ := sink.snapshot()
	if len(plays) != 3 {
		t.Fatalf("played %d chunks after min depth, want 3", len(plays))
	}
}

func TestSchedulerStartTimesAreCumulative(t *testing.T) {
	sink := &recordingSink{}
	s, nowPtr := newTestScheduler(sink, 1)
	base := *nowPtr

	for i := 0; i < 4; i++ {
		s.Enqueue(chunkMS(100))
	}

	plays, _ := sink.snapshot()
	if len(plays) != 4 {
		t.Fatalf("played %d chunks, want 4", len(plays))
	}
	for i, p := range plays {
		want := base.Add(time.Duration(i) * 100 * time.Millisecond)
		if !p.start.Equal(want) {
			t.Fatalf("chunk %d start = %v, want %v", i, p.start.Sub(base), want.Sub(base))
		}
		if p.start.Before(base) {
			t.Fatalf("chunk %d scheduled before the playback clock", i)
		}
	}
}

func TestSchedulerUnderrunAddsMargin(t *testing.T) {
	sink := &recordingSink{}
	s, nowPtr := newTestScheduler(sink, 1)
	base := *nowPtr

	s.Enqueue(chunkMS(100)) // watermark now base+100ms

	// Network stalled: the real clock passes the watermark.
	*nowPtr = base.Add(300 * time.Millisecond)
	s.Enqueue(chunkMS(100))

	plays, _ := sink.snapshot()
	if len(plays) != 2 {
		t.Fatalf("played %d chunks, want 2", len(plays))
	}
	want := base.Add(300*time.Millisecond + 20*time.Millisecond)
	if !plays[1].start.Equal(want) {
		t.Fatalf("underrun chunk start = %v, want now+margin = %v", plays[1].start.Sub(base), want.Sub(base))
	}
}

func TestSchedulerTimeoutStartsShortResponse(t *testing.T) {
	sink := &recordingSink{}
	s, _ := newTestScheduler(sink, 5)

	s.Enqueue(chunkMS(40))

	deadline := time.After(1 * time.Second)
	for {
		if plays, _ := sink.snapshot(); len(plays) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("single buffered chunk never started playing after MaxBufferWait")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSchedulerFlushDropsPendingAndStops(t *testing.T) {
	sink := &recordingSink{}
	s, nowPtr := newTestScheduler(sink, 3)
	base := *nowPtr

	s.Enqueue(chunkMS(100))
	s.Enqueue(chunkMS(100))
	s.Flush()

	plays, stopped := sink.snapshot()
	if len(plays) != 0 {
		t.Fatalf("flushed chunks were still played: %d", len(plays))
	}
	if stopped != 1 {
		t.Fatalf("Stop() called %d times, want 1", stopped)
	}
	if got := s.BufferedChunks(); got != 0 {
		t.Fatalf("BufferedChunks() after Flush = %d, want 0", got)
	}

	// Watermark was reset: the next response starts from the real clock.
	*nowPtr = base.Add(5 * time.Second)
	s.Enqueue(chunkMS(100))
	s.Enqueue(chunkMS(100))
	s.Enqueue(chunkMS(100))
	plays, _ = sink.snapshot()
	if len(plays) != 3 {
		t.Fatalf("played %d chunks after flush, want 3", len(plays))
	}
	if !plays[0].start.Equal(base.Add(5 * time.Second)) {
		t.Fatalf("first chunk after flush start = %v, want fresh clock", plays[0].start.Sub(base))
	}
}

func TestSchedulerDiscardsCorruptChunks(t *testing.T) {
	sink := &recordingSink{}
	s, _ := newTestScheduler(sink, 1)

	s.Enqueue(nil)
	s.Enqueue([]byte{0x01})             // undersized
	s.Enqueue([]byte{0x01, 0x02, 0x03}) // odd length
	if plays, _ := sink.snapshot(); len(plays) != 0 {
		t.Fatalf("corrupt chunks were scheduled: %d", len(plays))
	}

	s.Enqueue(chunkMS(20))
	if plays, _ := sink.snapshot(); len(plays) != 1 {
		t.Fatalf("valid chunk after corrupt ones not scheduled")
	}
}
