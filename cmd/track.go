package cmd

import (
	"fmt"

	"github.com/drgolem/trackmixer/pkg/decoders"
	"github.com/drgolem/trackmixer/pkg/events"
	"github.com/drgolem/trackmixer/pkg/reader"
	"github.com/drgolem/trackmixer/pkg/ringbuffer"
	"github.com/drgolem/trackmixer/pkg/stretch"
	"github.com/drgolem/trackmixer/pkg/types"
	"github.com/drgolem/trackmixer/pkg/worker"
)

const (
	trackRingCapacitySamples = 1 << 18 // per-track ringbuffer, in samples
	trackMaxChunkFrames      = 4096
)

// track bundles one decoded source's worker and synchronized reader,
// plus the decoder it owns, so callers can close it as a unit.
type track struct {
	id      string
	decoder types.Decoder
	worker  *worker.Worker
	reader  *reader.Reader
}

// openTrack opens fileName and wires a decoder -> ringbuffer -> stretch
// stage -> worker -> reader chain for it, mirroring the per-track setup
// in §3/§4 of the mixing engine. The mixer's output channel count and
// sample rate are assumed to match every track's native format; this
// module carries no resampling stage of its own (per spec.md's
// Non-goal on sample-rate conversion beyond the decoder contract).
func openTrack(id, fileName string, sink *events.Sink) (*track, error) {
	dec, err := decoders.NewDecoder(fileName)
	if err != nil {
		return nil, fmt.Errorf("open track %s: %w", id, err)
	}

	info := dec.StreamInfo()
	ring := ringbuffer.New(trackRingCapacitySamples)
	stage := stretch.New(info.Channels, info.SampleRate, trackMaxChunkFrames)
	w := worker.New(id, dec, ring, stage, info.Channels, info.SampleRate, trackMaxChunkFrames, sink)
	w.Start()

	cfg := reader.DefaultConfig(id, info.Channels, info.SampleRate)
	r := reader.New(cfg, ring, w, sink)

	return &track{id: id, decoder: dec, worker: w, reader: r}, nil
}

// close stops the worker goroutine and releases the decoder.
func (t *track) close() {
	t.worker.Stop()
	t.decoder.Close()
}
