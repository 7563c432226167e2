// Package mixer implements the fixed-block mixer loop that drives the
// master clock and every attached synchronized reader, summing their
// contributions into a single mix buffer and pushing it to a sink.
// Zero allocation in steady state: the mix and per-source scratch
// buffers are pre-allocated once at construction.
package mixer

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/drgolem/trackmixer/pkg/clock"
	"github.com/drgolem/trackmixer/pkg/events"
	"github.com/drgolem/trackmixer/pkg/reader"
	"github.com/drgolem/trackmixer/pkg/types"
)

// ErrRoutingMismatch is returned by AddSource when a reader's channel
// count doesn't match the mix's output channel count and no routing
// map was supplied to reconcile them.
var ErrRoutingMismatch = types.ErrRoutingMismatch

type source struct {
	reader  *reader.Reader
	scratch []float32 // frameCount * source channel count, reused every block
}

// Mixer owns the master clock, the sink, and the set of attached
// sources. One mixer drives exactly one dedicated audio thread.
type Mixer struct {
	clk         *clock.Clock
	sink        types.Engine
	events      *events.Sink
	blockFrames int
	outChannels int

	sources []*source
	mixBuf  []float32 // blockFrames * outChannels, zeroed every iteration

	encodeBuf []byte // RenderOffline's reusable PCM staging buffer
}

// New creates a mixer rendering blockFrames-frame blocks at the given
// output channel count, pushing to sink.
func New(sink types.Engine, eventSink *events.Sink, sampleRate, outChannels, blockFrames int) *Mixer {
	return &Mixer{
		clk:         clock.New(sampleRate, outChannels),
		sink:        sink,
		events:      eventSink,
		blockFrames: blockFrames,
		outChannels: outChannels,
		mixBuf:      make([]float32, blockFrames*outChannels),
		encodeBuf:   make([]byte, blockFrames*outChannels*4),
	}
}

// Clock exposes the mixer's master clock.
func (m *Mixer) Clock() *clock.Clock { return m.clk }

// AddSource attaches a synchronized reader to the mixer. If the
// reader's channel count differs from the mix's output channel count,
// a routing map must already be installed on it (reader.SetRouting),
// or the source is rejected (§6 channel routing).
func (m *Mixer) AddSource(r *reader.Reader) error {
	if err := m.validateRouting(r.Channels(), r.Routing()); err != nil {
		return err
	}
	m.sources = append(m.sources, &source{
		reader:  r,
		scratch: make([]float32, m.blockFrames*r.Channels()),
	})
	return nil
}

func (m *Mixer) validateRouting(inChannels int, routing []int) error {
	if routing == nil {
		if inChannels != m.outChannels {
			return fmt.Errorf("mixer: source has %d channels, mix has %d: %w", inChannels, m.outChannels, ErrRoutingMismatch)
		}
		return nil
	}
	if len(routing) != inChannels {
		return fmt.Errorf("mixer: routing map length %d, want %d: %w", len(routing), inChannels, types.ErrRoutingMapLength)
	}
	seen := make(map[int]bool, len(routing))
	for _, c := range routing {
		if c < 0 || c >= m.outChannels || seen[c] {
			return fmt.Errorf("mixer: routing entry %d invalid for %d output channels: %w", c, m.outChannels, ErrRoutingMismatch)
		}
		seen[c] = true
	}
	return nil
}

// RunOnce executes exactly one mixer iteration: read the clock, zero
// the mix buffer, pull every source, sum into the mix, push to the
// sink, advance the clock (§4.7).
func (m *Mixer) RunOnce() error {
	T := m.clk.CurrentTimestamp()

	for i := range m.mixBuf {
		m.mixBuf[i] = 0
	}

	for _, s := range m.sources {
		m.renderSource(s, T)
	}

	if err := m.sink.Send(m.mixBuf); err != nil {
		return fmt.Errorf("mixer: sink send: %w", err)
	}

	m.clk.Advance(m.blockFrames)
	return nil
}

func (m *Mixer) renderSource(s *source, T float64) {
	inChannels := s.reader.Channels()

	var framesRead int
	if s.reader.IsAttached() {
		result := s.reader.ReadAtTime(T, s.scratch, m.blockFrames)
		framesRead = result.FramesRead
		if !result.OK {
			m.events.Emit(events.Event{
				Kind:    events.KindTrackDropout,
				TrackID: s.reader.TrackID(),
				TrackDropout: &events.TrackDropout{
					TrackID:              s.reader.TrackID(),
					MasterTimestamp:      T,
					MasterSamplePosition: m.clk.CurrentSamplePosition(),
					MissedFrames:         m.blockFrames - framesRead,
					Reason:               result.Reason,
				},
			})
		}
	} else {
		// Detached sources contribute silence until reattached; the
		// legacy non-clock playback path named in §4.7 has no caller
		// in this module (every source in scope is clock-attached).
		return
	}

	routing := s.reader.Routing()
	sumInto(m.mixBuf, s.scratch, framesRead, inChannels, m.outChannels, routing)
}

// sumInto adds frameCount frames of src (inChannels-wide) into dst
// (outChannels-wide), either straight (inChannels == outChannels, no
// routing) or through routing[i] = output channel for input channel i.
func sumInto(dst, src []float32, frameCount, inChannels, outChannels int, routing []int) {
	if routing == nil {
		n := frameCount * inChannels
		if n > len(dst) {
			n = len(dst)
		}
		for i := 0; i < n; i++ {
			dst[i] += src[i]
		}
		return
	}
	for f := 0; f < frameCount; f++ {
		srcBase := f * inChannels
		dstBase := f * outChannels
		for ch := 0; ch < inChannels; ch++ {
			dst[dstBase+routing[ch]] += src[srcBase+ch]
		}
	}
}

// RunRealTime runs the mixer loop until stop is closed. Each
// iteration blocks in engine.Send for approximately one block's
// wall-clock duration, which paces the loop to real time.
func (m *Mixer) RunRealTime(stop <-chan struct{}) error {
	m.clk.SetMode(clock.RealTime)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if err := m.RunOnce(); err != nil {
			slog.Error("mixer iteration failed", "error", err)
			return err
		}
	}
}

// RenderOffline renders duration seconds of audio as fast as the CPU
// allows (Offline mode: engine.Send must return immediately) and
// writes interleaved float32 samples to w.
func (m *Mixer) RenderOffline(w io.Writer, duration float64) error {
	m.clk.SetMode(clock.Offline)
	totalFrames := int(duration * float64(m.clk.SampleRate()))
	rendered := 0

	for rendered < totalFrames {
		if err := m.RunOnce(); err != nil {
			return err
		}
		if err := writeFloat32LE(w, m.mixBuf, m.encodeBuf); err != nil {
			return fmt.Errorf("mixer: offline write: %w", err)
		}
		rendered += m.blockFrames
	}
	return nil
}
