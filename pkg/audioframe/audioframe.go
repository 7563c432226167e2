// Package audioframe defines a "Decoded Frame" value type: a
// contiguous block of interleaved float32 samples at a fixed channel
// count. The decoder worker and time-stretch stage in this module pass
// raw []float32 slices and do not use this type.
package audioframe

import "fmt"

// Format describes the sample rate and channel count of a Frame.
type Format struct {
	SampleRate int
	Channels   int
}

// Frame is a contiguous, interleaved block of decoded float32 audio.
// Audio is a slice, so copying a Frame by value shares its samples.
type Frame struct {
	Format Format
	Audio  []float32 // interleaved, len == FrameCount()*Format.Channels
}

// FrameCount returns the number of sample frames (one value per
// channel) held in Audio.
func (f Frame) FrameCount() int {
	if f.Format.Channels == 0 {
		return 0
	}
	return len(f.Audio) / f.Format.Channels
}

// Duration returns the playback duration of the frame in seconds.
func (f Frame) Duration() float64 {
	if f.Format.SampleRate == 0 {
		return 0
	}
	return float64(f.FrameCount()) / float64(f.Format.SampleRate)
}

// Validate checks that Audio's length is a whole multiple of the
// channel count, returning an error describing the mismatch
// otherwise.
func (f Frame) Validate() error {
	if f.Format.Channels <= 0 {
		return fmt.Errorf("audioframe: invalid channel count %d", f.Format.Channels)
	}
	if len(f.Audio)%f.Format.Channels != 0 {
		return fmt.Errorf("audioframe: audio length %d is not a multiple of channel count %d", len(f.Audio), f.Format.Channels)
	}
	return nil
}
