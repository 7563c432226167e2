// Package events defines the anomaly/state notifications emitted on
// the audio path instead of errors, and a small channel-based
// dispatcher to carry them off the audio thread. The audio path stays
// total: it always fills its output block and reports anomalies here.
package events

import "fmt"

// Kind identifies the category of an Event.
type Kind int

const (
	KindStateChanged Kind = iota
	KindBufferUnderrun
	KindError
	KindTrackDropout
)

func (k Kind) String() string {
	switch k {
	case KindStateChanged:
		return "StateChanged"
	case KindBufferUnderrun:
		return "BufferUnderrun"
	case KindError:
		return "Error"
	case KindTrackDropout:
		return "TrackDropout"
	default:
		return "Unknown"
	}
}

// Event is the common envelope for every notification a reader or
// mixer emits. Exactly one of the payload fields is meaningful,
// matching Kind.
type Event struct {
	Kind Kind
	TrackID string

	StateChanged   *StateChanged
	BufferUnderrun *BufferUnderrun
	Error          *Error
	TrackDropout   *TrackDropout
}

// StateChanged reports a reader playback-state transition.
type StateChanged struct {
	Old string
	New string
}

// BufferUnderrun reports the ring buffer ran dry during read_at_time.
type BufferUnderrun struct {
	MissedFrames int
	Position     float64
}

// Error reports a source or seek failure.
type Error struct {
	Message string
	Cause   error
}

func (e Error) String() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// TrackDropout is the mixer-level consequence of a reader failure: it
// still mixed whatever frames were produced (silence-padded) but flags
// the block as a dropout.
type TrackDropout struct {
	TrackID              string
	MasterTimestamp      float64
	MasterSamplePosition int64
	MissedFrames         int
	Reason               string
}

// Sink is a non-blocking, best-effort event channel. Producers
// (reader/mixer, running on the audio thread) never block on a full
// sink; events are dropped rather than stalling the audio path. The
// buffer is sized generously so drops only happen under sustained
// event storms, which themselves indicate a problem worth losing a
// little telemetry over rather than risking an audio glitch.
type Sink struct {
	ch chan Event
}

// NewSink creates an event sink with the given channel buffer depth.
func NewSink(capacity int) *Sink {
	return &Sink{ch: make(chan Event, capacity)}
}

// Emit publishes an event without blocking. If the channel is full,
// the event is dropped.
func (s *Sink) Emit(e Event) {
	if s == nil {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

// C exposes the receive side for a subscriber goroutine.
func (s *Sink) C() <-chan Event {
	return s.ch
}
