package bargein

import (
	"strings"
	"sync"
)

// Config holds the thresholds for barge-in detection.
type Config struct {
	// MinRunes of qualifying new speech before a trigger fires. Filters out
	// coughs, backchannels and single-word noise.
	MinRunes int
}

func (c Config) withDefaults() Config {
	if c.MinRunes <= 0 {
		c.MinRunes = 6
	}
	return c
}

// Controller watches interim transcript activity while the agent is
// generating or speaking and decides when the user has genuinely barged in.
// It fires at most once per armed period; SetActive(true) re-arms it.
//
// All methods are safe for concurrent use, though the session engine calls
// them from its single event loop.
type Controller struct {
	cfg Config

	mu        sync.Mutex
	active    bool
	triggered bool
	spoken    map[string]struct{}
}

func New(cfg Config) *Controller {
	return &Controller{
		cfg:    cfg.withDefaults(),
		spoken: make(map[string]struct{}),
	}
}

// SetActive arms detection while the agent is producing output and disarms
// it otherwise. Disarming clears the trigger latch and the echo vocabulary.
func (c *Controller) SetActive(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = on
	if !on {
		c.triggered = false
		c.spoken = make(map[string]struct{})
	}
}

// NotifySpokenText records words the agent is currently speaking so echoed
// audio picked up by the microphone is discounted.
func (c *Controller) NotifySpokenText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range strings.Fields(strings.ToLower(text)) {
		c.spoken[strings.Trim(w, ".,!?;:'\"")] = struct{}{}
	}
}

// Observe feeds one interim transcript. It returns true exactly once per
// armed period, when qualifying new speech crosses the threshold.
func (c *Controller) Observe(interim string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || c.triggered {
		return false
	}

	var runes int
	for _, w := range strings.Fields(strings.ToLower(interim)) {
		w = strings.Trim(w, ".,!?;:'\"")
		if w == "" || isStopword(w) {
			continue
		}
		if _, echoed := c.spoken[w]; echoed {
			continue
		}
		runes += len([]rune(w))
	}
	if runes < c.cfg.MinRunes {
		return false
	}
	c.triggered = true
	return true
}

func isStopword(s string) bool {
	switch s {
	case "the", "a", "an", "and", "or", "to", "of", "in", "on", "for", "is", "it", "uh", "um":
		return true
	}
	return false
}
