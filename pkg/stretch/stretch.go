// Package stretch implements the per-track time-stretch stage: a
// streaming tempo/pitch processor with pre-allocated input, analysis,
// and output buffers, sized once for the worst-case expansion at the
// lowest permitted tempo and pitch, and never reallocated afterward.
//
// No corpus library in this module's retrieval pack offers
// independent tempo/pitch time-domain stretching (WSOLA or a phase
// vocoder) — the resampling libraries present (zaf/resample, a SoXR
// binding) only perform sample-rate conversion, which changes tempo
// and pitch together and cannot satisfy the two independent knobs
// this stage's contract requires. This stage is therefore original
// DSP code, not grounded on a specific pack dependency; see
// DESIGN.md.
package stretch

import (
	"fmt"
	"math"
)

// ErrOverflow is returned by Put when a chunk cannot fit in the
// pre-allocated input buffer. The worker must report a source-error
// event and drop the chunk rather than reallocating on the audio path.
var ErrOverflow = fmt.Errorf("stretch: input chunk exceeds pre-allocated buffer capacity")

const (
	// analysisWindow is the OLA analysis/synthesis window size, in
	// frames (one sample per channel).
	analysisWindow = 1024
	// outputHop is the fixed output-domain hop between successive
	// synthesis windows (50% overlap).
	outputHop = analysisWindow / 2
)

// Stage is a streaming, pre-allocated time-stretch/pitch-shift
// processor for one reader.
//
// The algorithm is a two-phase pipeline:
//
//  1. Overlap-add (OLA) time-stretches the raw input by the combined
//     tempo/pitch ratio, using a fixed output-domain hop and a
//     fractional analysis-hop accumulator so no sample is dropped or
//     duplicated to integer truncation (the same technique spec'd for
//     the synchronized reader's position tracking). OLA changes
//     duration without changing pitch.
//  2. Linear-interpolation resampling by the pitch ratio alone
//     restores the tempo-correct duration while introducing the
//     requested pitch shift (classic "stretch then resample"
//     pitch-shifting technique).
//
// Bypassed (tempo==1.0 && pitch==0) chunks skip both phases; the
// worker is expected to check IsProcessingNeeded and write directly
// to the ring buffer when stretching is not needed at all (§4.2).
type Stage struct {
	channels   int
	sampleRate int

	tempoChangePercent float64 // (tempo-1)*100, set by the decoder worker via SetTempoPercent
	pitchSemitones     float64

	// Phase 1: OLA input/carry state.
	inputBuf    []float32 // pending raw samples awaiting windowing
	inputLen    int       // valid frames in inputBuf
	overlapTail []float32 // OLA accumulation buffer (crossfade carry)
	overlapLen  int       // valid frames in overlapTail
	analysisAcc float64   // fractional analysis-hop accumulator
	window      []float32 // precomputed Hann window, analysisWindow long

	// Intermediate: OLA output, pre-resample.
	olaBuf []float32
	olaLen int

	// Phase 2: resample input/carry state.
	resampleAcc float64 // fractional read position into olaBuf, [0,1)

	// Final output, drained by Receive.
	outputBuf []float32
	outputLen int

	// overflowed latches true whenever an internal append truncates
	// because a pre-allocated buffer filled up. Cleared by Overflowed.
	overflowed bool
}

// New creates a stage for the given channel count and sample rate.
// maxChunkFrames bounds the largest chunk ever passed to Put in one
// call; all internal buffers are sized from it once, to the
// worst-case expansion at tempo=0.8 and pitch=+12 semitones, and never
// grown again.
func New(channels, sampleRate, maxChunkFrames int) *Stage {
	inputCap := maxChunkFrames + analysisWindow
	olaCap := 3*maxChunkFrames + analysisWindow // worst-case OLA expansion, combinedRatio as low as 0.4
	outputCap := 2*maxChunkFrames + analysisWindow

	s := &Stage{
		channels:    channels,
		sampleRate:  sampleRate,
		inputBuf:    make([]float32, inputCap*channels),
		overlapTail: make([]float32, analysisWindow*channels),
		window:      make([]float32, analysisWindow),
		olaBuf:      make([]float32, olaCap*channels),
		outputBuf:   make([]float32, outputCap*channels),
	}
	for i := range s.window {
		// Hann window.
		s.window[i] = float32(0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(analysisWindow-1)))
	}
	return s
}

// SetTempoPercent sets the tempo change as a percentage, e.g. -10 for
// a 10% slowdown, matching the stretch-stage's native parameter (the
// Reader computes this from its clamped tempo ratio via (tempo-1)*100).
func (s *Stage) SetTempoPercent(percent float64) {
	s.tempoChangePercent = percent
}

// SetPitchSemitones sets the pitch shift in semitones.
func (s *Stage) SetPitchSemitones(semitones float64) {
	s.pitchSemitones = semitones
}

// IsProcessingNeeded reports whether the stage would do anything to
// the signal at its current tempo/pitch settings.
func (s *Stage) IsProcessingNeeded() bool {
	return s.tempoChangePercent != 0 || s.pitchSemitones != 0
}

// Overflowed reports whether an internal buffer has truncated output
// since the last call, and clears the latch. The worker polls this
// after every Put/Receive round trip and reports a source-error event
// when it is set, per §4.2/§7's programmer-error/drop-the-chunk rule.
func (s *Stage) Overflowed() bool {
	v := s.overflowed
	s.overflowed = false
	return v
}

func (s *Stage) tempoRatio() float64 {
	return 1.0 + s.tempoChangePercent/100.0
}

func (s *Stage) pitchRatio() float64 {
	return math.Pow(2.0, s.pitchSemitones/12.0)
}

// Put appends a chunk of interleaved float32 samples (frameCount
// frames at s.channels) and runs as much of the OLA+resample pipeline
// as the currently buffered input allows. It never reallocates: if
// the chunk would overflow the pre-allocated input buffer it is
// dropped entirely and ErrOverflow is returned.
func (s *Stage) Put(samples []float32, frameCount int) error {
	need := frameCount * s.channels
	if s.inputLen*s.channels+need > len(s.inputBuf) {
		return ErrOverflow
	}

	copy(s.inputBuf[s.inputLen*s.channels:], samples[:need])
	s.inputLen += frameCount

	s.runOLA(false)
	s.runResample(false)
	return nil
}

// Receive drains up to len(out)/channels frames of processed output
// into out, returning the number of frames actually copied. It never
// blocks and never allocates.
func (s *Stage) Receive(out []float32) (framesReceived int) {
	avail := s.outputLen
	want := len(out) / s.channels
	n := min(avail, want)
	if n == 0 {
		return 0
	}

	copy(out[:n*s.channels], s.outputBuf[:n*s.channels])
	remaining := (s.outputLen - n) * s.channels
	copy(s.outputBuf, s.outputBuf[n*s.channels:n*s.channels+remaining])
	s.outputLen -= n
	return n
}

// Flush forces out any residual samples held in the OLA overlap tail
// and the intermediate resample buffer, draining them through to the
// output buffer. Called on an active->bypassed transition and at
// end-of-stream (§4.2).
func (s *Stage) Flush() {
	s.runOLA(true)
	s.runResample(true)
}

// Clear discards all buffered state without producing output. Called
// on a bypassed->active transition (§4.2) so stale samples from
// before the transition never leak into the newly-active stream.
func (s *Stage) Clear() {
	s.inputLen = 0
	s.overlapLen = 0
	s.analysisAcc = 0
	s.olaLen = 0
	s.resampleAcc = 0
	s.outputLen = 0
}

// runOLA consumes as many full analysis windows as available from
// inputBuf, overlap-adding them into overlapTail and releasing
// finalized samples into olaBuf. When final is true (Flush), it also
// windows and releases whatever partial tail remains, padding with
// silence, so no residual input is lost.
func (s *Stage) runOLA(final bool) {
	ratio := s.tempoRatio() / s.pitchRatio()
	if ratio <= 0 {
		ratio = 1e-3
	}

	for s.inputLen >= analysisWindow {
		s.olaStep(s.inputBuf[:analysisWindow*s.channels])
		s.advanceAnalysis(ratio)
	}

	if final && s.inputLen > 0 {
		// Pad the trailing partial window with silence so it can
		// still be windowed and overlap-added.
		padded := make([]float32, analysisWindow*s.channels)
		copy(padded, s.inputBuf[:s.inputLen*s.channels])
		s.olaStep(padded)
		s.inputLen = 0
		s.analysisAcc = 0
	}

	if final {
		// Release everything left in the overlap tail; nothing more
		// will ever be added to it.
		s.appendOLA(s.overlapTail[:s.overlapLen*s.channels])
		s.overlapLen = 0
	}
}

// olaStep windows one analysis-length block and overlap-adds it into
// overlapTail at its current head, then releases the first outputHop
// frames (which no further window will touch) into olaBuf.
func (s *Stage) olaStep(block []float32) {
	for ch := 0; ch < s.channels; ch++ {
		for i := 0; i < analysisWindow; i++ {
			s.overlapTail[i*s.channels+ch] += block[i*s.channels+ch] * s.window[i]
		}
	}
	if s.overlapLen < analysisWindow {
		s.overlapLen = analysisWindow
	}

	release := min(outputHop, s.overlapLen)
	s.appendOLA(s.overlapTail[:release*s.channels])

	// Shift the tail down by the released amount and zero the
	// newly-exposed region so the next window's overlap-add starts
	// from silence rather than stale data.
	copy(s.overlapTail, s.overlapTail[release*s.channels:s.overlapLen*s.channels])
	for i := (s.overlapLen - release) * s.channels; i < s.overlapLen*s.channels; i++ {
		s.overlapTail[i] = 0
	}
	s.overlapLen -= release
}

// advanceAnalysis consumes the fractional analysis hop from inputBuf,
// shifting the remainder down. The fractional accumulator guarantees
// the long-run average hop equals outputHop*ratio exactly, the same
// load-bearing technique spec'd for the reader's position tracking.
func (s *Stage) advanceAnalysis(ratio float64) {
	s.analysisAcc += float64(outputHop) * ratio
	hop := int(math.Floor(s.analysisAcc))
	s.analysisAcc -= float64(hop)
	if hop > s.inputLen {
		hop = s.inputLen
	}
	if hop <= 0 {
		hop = 1 // always make progress
	}
	remaining := (s.inputLen - hop) * s.channels
	copy(s.inputBuf, s.inputBuf[hop*s.channels:hop*s.channels+remaining])
	s.inputLen -= hop
}

// appendOLA copies frames into olaBuf, truncating and latching
// overflowed if the pre-allocated worst-case capacity is ever
// exceeded (should not happen given New's sizing; guards against a
// programmer error rather than reallocating).
func (s *Stage) appendOLA(frames []float32) {
	room := len(s.olaBuf) - s.olaLen*s.channels
	n := min(len(frames), room)
	if n < len(frames) {
		s.overflowed = true
	}
	copy(s.olaBuf[s.olaLen*s.channels:], frames[:n])
	s.olaLen += n / s.channels
}

// runResample drains olaBuf through linear-interpolation resampling
// at the pitch ratio, appending results to outputBuf. When final is
// true it also flushes the last partial sample using the final two
// available frames rather than waiting for more input that will
// never arrive.
func (s *Stage) runResample(final bool) {
	pr := s.pitchRatio()
	if pr <= 0 {
		pr = 1e-3
	}

	// Need at least 2 source frames to interpolate, unless final.
	for s.olaLen >= 2 {
		pos := s.resampleAcc
		i0 := int(pos)
		if i0 >= s.olaLen-1 {
			break
		}
		frac := float32(pos - float64(i0))
		s.appendResampled(i0, frac)

		s.resampleAcc += pr
		consumed := int(s.resampleAcc)
		if consumed > 0 {
			s.shiftOLA(consumed)
			s.resampleAcc -= float64(consumed)
		}
	}

	if final && s.olaLen > 0 {
		// Drain the remainder without interpolation; duplicating the
		// single trailing frame as a last resort, never dropping it.
		last := (s.olaLen - 1) * s.channels
		s.appendOutput(s.olaBuf[last : last+s.channels])
		s.olaLen = 0
	}
}

func (s *Stage) appendResampled(i0 int, frac float32) {
	room := len(s.outputBuf) - s.outputLen*s.channels
	if room < s.channels {
		s.overflowed = true
		return
	}
	base := s.outputLen * s.channels
	for ch := 0; ch < s.channels; ch++ {
		a := s.olaBuf[i0*s.channels+ch]
		b := s.olaBuf[(i0+1)*s.channels+ch]
		s.outputBuf[base+ch] = a + (b-a)*frac
	}
	s.outputLen++
}

func (s *Stage) appendOutput(frame []float32) {
	room := len(s.outputBuf) - s.outputLen*s.channels
	if room < s.channels {
		s.overflowed = true
		return
	}
	copy(s.outputBuf[s.outputLen*s.channels:], frame)
	s.outputLen++
}

func (s *Stage) shiftOLA(frames int) {
	if frames > s.olaLen {
		frames = s.olaLen
	}
	remaining := (s.olaLen - frames) * s.channels
	copy(s.olaBuf, s.olaBuf[frames*s.channels:frames*s.channels+remaining])
	s.olaLen -= frames
}

// AvailableOutput returns the number of frames currently ready to be
// drained by Receive.
func (s *Stage) AvailableOutput() int {
	return s.outputLen
}
