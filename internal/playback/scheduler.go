package playback

import (
	"sync"
	"time"
)

// Sink is the audio output device. PlayAt schedules one PCM16LE mono chunk
// to begin at start; Stop immediately silences any chunk already started.
type Sink interface {
	PlayAt(start time.Time, pcm []byte) error
	Stop()
}

// Config tunes the jitter buffer.
type Config struct {
	// SampleRate of the incoming PCM16LE mono chunks.
	SampleRate int
	// MinBufferChunks must accumulate before playback begins.
	MinBufferChunks int
	// MaxBufferWait bounds buffering latency: once it elapses with at least
	// one chunk queued, playback begins regardless of depth. Short responses
	// must not wait for a buffer that will never fill.
	MaxBufferWait time.Duration
	// UnderrunMargin is added when the real clock overtakes the watermark,
	// so a late chunk is never scheduled in the past.
	UnderrunMargin time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.MinBufferChunks <= 0 {
		c.MinBufferChunks = 3
	}
	if c.MaxBufferWait <= 0 {
		c.MaxBufferWait = 250 * time.Millisecond
	}
	if c.UnderrunMargin <= 0 {
		c.UnderrunMargin = 20 * time.Millisecond
	}
	return c
}

// Scheduler turns an arbitrarily-chunked, jittery audio stream into gap-free
// in-order playback. Chunks buffer until MinBufferChunks or MaxBufferWait,
// then are scheduled back to back on the watermark clock.
type Scheduler struct {
	cfg  Config
	sink Sink

	mu        sync.Mutex
	clock     Clock
	pending   [][]byte
	buffering bool
	waitTimer *time.Timer
	now       func() time.Time
}

func NewScheduler(cfg Config, sink Sink) *Scheduler {
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		sink:      sink,
		buffering: true,
		now:       time.Now,
	}
}

// Enqueue accepts one chunk for the current response. Corrupt or undersized
// chunks (fewer than one 16-bit sample, or an odd byte length) are discarded
// rather than breaking playback.
func (s *Scheduler) Enqueue(pcm []byte) {
	if len(pcm) < 2 || len(pcm)%2 != 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.buffering {
		s.scheduleLocked(pcm)
		return
	}

	s.pending = append(s.pending, pcm)
	if len(s.pending) >= s.cfg.MinBufferChunks {
		s.startLocked()
		return
	}
	if s.waitTimer == nil {
		s.waitTimer = time.AfterFunc(s.cfg.MaxBufferWait, s.onWaitTimeout)
	}
}

// Flush drops all not-yet-started chunks, stops in-flight output, and resets
// the watermark. The next Enqueue buffers from scratch.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	s.pending = nil
	s.buffering = true
	s.clock.Reset()
	if s.waitTimer != nil {
		s.waitTimer.Stop()
		s.waitTimer = nil
	}
	s.mu.Unlock()

	s.sink.Stop()
}

// BufferedChunks reports the jitter-buffer depth (pending, unscheduled chunks).
func (s *Scheduler) BufferedChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) onWaitTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffering && len(s.pending) > 0 {
		s.startLocked()
	}
	s.waitTimer = nil
}

func (s *Scheduler) startLocked() {
	s.buffering = false
	if s.waitTimer != nil {
		s.waitTimer.Stop()
		s.waitTimer = nil
	}
	for _, pcm := range s.pending {
		s.scheduleLocked(pcm)
	}
	s.pending = nil
}

func (s *Scheduler) scheduleLocked(pcm []byte) {
	d := s.chunkDuration(pcm)
	start := s.clock.Schedule(s.now(), d, s.cfg.UnderrunMargin)
	_ = s.sink.PlayAt(start, pcm)
}

func (s *Scheduler) chunkDuration(pcm []byte) time.Duration {
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(s.cfg.SampleRate)
}
