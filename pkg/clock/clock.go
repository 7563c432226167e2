// Package clock implements the mixer's master clock: a single atomic
// monotonic sample position that every synchronized reader measures
// its own drift against. Modeled on the atomic counter idiom the
// teacher's audioplayer.Player uses for its jitter and buffer-usage
// metrics (atomic.Uint64/Int64 fields updated from one goroutine and
// read from others without a mutex).
package clock

import (
	"sync/atomic"
)

// Mode selects how the clock advances.
type Mode int

const (
	// RealTime advances the clock from the sink's own pacing; the
	// mixer calls Advance once per rendered block and readers measure
	// drift against wall-clock-paced sample position.
	RealTime Mode = iota
	// Offline advances the clock as fast as the mixer can render,
	// used by RenderOffline to produce output faster than real time
	// with no drift correction pressure from a live sink.
	Offline
)

// Clock is the mixer's single source of playback time. All fields are
// accessed through atomics so the mixer thread (writer) and any
// reader/monitoring goroutine (readers) never need a lock.
type Clock struct {
	samplePosition atomic.Int64 // frames elapsed since the last reset/seek
	sampleRate     int
	channels       int
	mode           atomic.Int32
}

// New creates a clock at sample position 0 in RealTime mode.
func New(sampleRate, channels int) *Clock {
	c := &Clock{
		sampleRate: sampleRate,
		channels:   channels,
	}
	c.mode.Store(int32(RealTime))
	return c
}

// SampleRate returns the fixed mix sample rate.
func (c *Clock) SampleRate() int { return c.sampleRate }

// Channels returns the fixed mix channel count.
func (c *Clock) Channels() int { return c.channels }

// Mode returns the clock's current render mode.
func (c *Clock) Mode() Mode {
	return Mode(c.mode.Load())
}

// SetMode switches between RealTime and Offline rendering.
func (c *Clock) SetMode(m Mode) {
	c.mode.Store(int32(m))
}

// CurrentSamplePosition returns the current sample frame position.
func (c *Clock) CurrentSamplePosition() int64 {
	return c.samplePosition.Load()
}

// CurrentTimestamp returns the current playback time in seconds.
func (c *Clock) CurrentTimestamp() float64 {
	if c.sampleRate == 0 {
		return 0
	}
	return float64(c.samplePosition.Load()) / float64(c.sampleRate)
}

// Advance moves the clock forward by frames sample frames. Called
// exactly once per mixer block, after the block has been produced.
func (c *Clock) Advance(frames int) {
	c.samplePosition.Add(int64(frames))
}

// SeekTo jumps the clock directly to the given timestamp in seconds.
// Used only for whole-mix seeks (not per-track predictive seek, which
// lives entirely inside the synchronized reader).
func (c *Clock) SeekTo(seconds float64) {
	c.samplePosition.Store(int64(seconds * float64(c.sampleRate)))
}

// Reset returns the clock to sample position 0.
func (c *Clock) Reset() {
	c.samplePosition.Store(0)
}
