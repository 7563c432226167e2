// Package types holds the contracts shared across the mixer engine:
// the decoder and engine collaborators it consumes, plus the common
// sentinel errors used by the lock-free buffers and readers.
package types

import "errors"

// Decoder is the abstract contract for anything that can hand the
// engine interleaved float32 samples. Concrete container/codec
// decoders (wav, mp3, flac, oggvorbis) implement this; the core never
// depends on a specific format.
type Decoder interface {
	// Open opens the underlying source for decoding.
	Open(fileName string) error

	// StreamInfo returns the decoder's native sample rate, channel
	// count, and duration (zero duration if unknown).
	StreamInfo() StreamInfo

	// ReadFrames decodes into dest, which holds interleaved float32
	// samples at StreamInfo().Channels. The frame count requested is
	// len(dest)/Channels. Returns the number of frames actually
	// decoded (never more than requested), whether the stream has
	// reached end-of-stream, and an error for hard decode failures
	// (never for ordinary end-of-stream).
	ReadFrames(dest []float32) (framesRead int, eof bool, err error)

	// TrySeek seeks to the given position in seconds. Returns
	// ErrSeekNotSupported if the underlying source cannot seek.
	TrySeek(seconds float64) error

	// Close releases the decoder's resources. Safe to call more than once.
	Close() error
}

// StreamInfo describes a decoder's format.
type StreamInfo struct {
	SampleRate int
	Channels   int
	Duration   float64 // seconds; 0 if unknown
}

// Engine is the abstract contract for the platform audio sink the
// mixer pushes mixed blocks to. Device enumeration is out of scope;
// Receive exists only for optional input passthrough by a host.
type Engine interface {
	// Send blocks for approximately one block's worth of wall-clock
	// time in real-time mode, and returns immediately in offline
	// mode. frames holds interleaved float32 samples.
	Send(frames []float32) error

	// Receive optionally returns a captured input block; implementations
	// without input capture return (nil, nil).
	Receive(framesCount int) ([]float32, error)

	// Close releases the sink's resources.
	Close() error
}

// Common ring buffer errors, shared by the byte- and sample-oriented
// ring buffers in this module.
var (
	// ErrInsufficientSpace indicates the ring buffer doesn't have
	// enough free space for the requested write.
	ErrInsufficientSpace = errors.New("insufficient space in ringbuffer")

	// ErrInsufficientData indicates the ring buffer doesn't have
	// enough data for the requested read.
	ErrInsufficientData = errors.New("insufficient data in ringbuffer")
)

// Common decoder/reader errors.
var (
	// ErrSeekNotSupported is returned by TrySeek when the underlying
	// decoder cannot seek.
	ErrSeekNotSupported = errors.New("decoder does not support seeking")

	// ErrNotOpen is returned by decoder operations invoked before Open.
	ErrNotOpen = errors.New("decoder not opened")

	// ErrRoutingMismatch is returned when a reader's channel count
	// differs from the mixer's output channel count and no routing
	// map was supplied.
	ErrRoutingMismatch = errors.New("channel routing map required: reader channels do not match output channels")

	// ErrRoutingMapLength is returned when a supplied routing map's
	// length does not equal the reader's channel count.
	ErrRoutingMapLength = errors.New("channel routing map length must equal reader channel count")
)

// PlaybackStatus holds point-in-time playback metrics for a reader,
// mirroring the teacher's unified status-reporting idiom.
type PlaybackStatus struct {
	TrackID         string
	SampleRate      int
	Channels        int
	TrackLocalTime  float64
	BufferedSamples uint64
	Underruns       uint64
}

// PlaybackMonitor is implemented by anything that can report a
// PlaybackStatus snapshot.
type PlaybackMonitor interface {
	GetPlaybackStatus() PlaybackStatus
}
