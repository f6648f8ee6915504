package playback

import "time"

// Clock tracks the "next scheduled start time" watermark for gap-free
// playback. Scheduled starts are monotonically non-decreasing and never
// precede the real playback clock.
//
// The zero value is ready to use; Reset returns it there after cancellation.
type Clock struct {
	watermark time.Time
	started   bool
}

// Schedule picks the start time for a chunk of duration d and advances the
// watermark. When the real clock has overtaken the watermark (an underrun),
// margin is added so the chunk is never scheduled in the past.
func (c *Clock) Schedule(now time.Time, d, margin time.Duration) time.Time {
	start := c.watermark
	if !c.started {
		start = now
		c.started = true
	} else if now.After(start) {
		start = now.Add(margin)
	}
	c.watermark = start.Add(d)
	return start
}

// Watermark returns the next scheduled start time.
func (c *Clock) Watermark() time.Time { return c.watermark }

// Reset clears the watermark; the next Schedule starts fresh from the real
// clock.
func (c *Clock) Reset() { *c = Clock{} }
