// Package worker implements the per-track decoder worker: a
// long-running background task that decodes a track's source into the
// time-stretch stage and the lock-free ring buffer, polling pause/stop
// flags and a short-held seek-request slot. Grounded on the producer
// goroutine in the teacher's audioplayer.Player (stopChan select,
// time.Sleep backoff on a full/empty buffer, pre-allocated scratch
// buffers reused every iteration).
package worker

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/trackmixer/pkg/events"
	"github.com/drgolem/trackmixer/pkg/ringbuffer"
	"github.com/drgolem/trackmixer/pkg/stretch"
	"github.com/drgolem/trackmixer/pkg/types"
)

const (
	pauseWait    = 100 * time.Millisecond
	refillWait   = 10 * time.Millisecond
	fillActive   = 0.50 // ring target fill fraction while time-stretch is active
	fillBypassed = 0.75 // ring target fill fraction while bypassed
)

// Worker decodes one track's source in the background, running the
// stretch stage over decoded chunks and publishing the result into a
// shared ring buffer. Exactly one worker per reader.
type Worker struct {
	trackID    string
	decoder    types.Decoder
	ring       *ringbuffer.RingBuffer
	stage      *stretch.Stage
	channels   int
	sampleRate int
	sink       *events.Sink

	playing atomic.Bool
	stopped atomic.Bool

	// pendingSoftSyncTempo is the single atomic float cell the mixer
	// thread writes without taking any lock. NaN means "restore the
	// configured tempo"; any other value is applied verbatim.
	pendingSoftSyncTempo atomic.Uint64
	// configuredTempoPercent is set only by hard/smooth tempo setters
	// (control thread, plain atomic store) and read only by the worker
	// goroutine when resolving a NaN pending value.
	configuredTempoPercent atomic.Uint64
	configuredPitchSemis   atomic.Uint64
	hardClearRequested     atomic.Bool
	loopCount              atomic.Uint64

	seekMu      sync.Mutex
	seekPending bool
	seekTarget  float64
	loop        bool

	endOfStream atomic.Bool
	wake        chan struct{}
	stop        chan struct{}
	wg          sync.WaitGroup

	wasStretchActive bool

	scratchDecode []float32
	scratchDrain  []float32
	accum         []float32
	accumLen      int
}

// New creates a worker for trackID, reading from decoder and writing
// into ring via stage. maxChunkFrames bounds the largest decode chunk
// requested per iteration and sizes every pre-allocated scratch
// buffer; it must match the figure stage was constructed with.
func New(trackID string, decoder types.Decoder, ring *ringbuffer.RingBuffer, stage *stretch.Stage, channels, sampleRate, maxChunkFrames int, sink *events.Sink) *Worker {
	w := &Worker{
		trackID:       trackID,
		decoder:       decoder,
		ring:          ring,
		stage:         stage,
		channels:      channels,
		sampleRate:    sampleRate,
		sink:          sink,
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		scratchDecode: make([]float32, maxChunkFrames*channels),
		scratchDrain:  make([]float32, maxChunkFrames*channels),
		// accum must absorb a full stage flush on top of whatever a
		// steady-state iteration already produced; sized generously
		// rather than exactly, since it is never reallocated.
		accum: make([]float32, 4*maxChunkFrames*channels),
	}
	w.pendingSoftSyncTempo.Store(math.Float64bits(math.NaN()))
	return w
}

// Start launches the decode loop in its own goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the worker to exit and waits up to 2s for it to do so,
// matching the dispose timeout the teacher's Player.Stop uses.
func (w *Worker) Stop() {
	if w.stopped.CompareAndSwap(false, true) {
		close(w.stop)
	}
	done := make(chan struct{})
	go func() { w.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("worker stop timed out", "track_id", w.trackID)
	}
}

// Play resumes decoding.
func (w *Worker) Play() { w.playing.Store(true); w.signalWake() }

// Pause suspends decoding; the decoder and buffers are left intact.
func (w *Worker) Pause() { w.playing.Store(false) }

// SetLoop configures whether end-of-stream restarts the source from 0.
func (w *Worker) SetLoop(loop bool) {
	w.seekMu.Lock()
	w.loop = loop
	w.seekMu.Unlock()
}

// RequestSeek asks the worker to seek the decoder to the given
// timestamp on its next loop iteration. Non-blocking on the audio
// path: the mutex here covers only the request slot.
func (w *Worker) RequestSeek(seconds float64) {
	w.seekMu.Lock()
	w.seekPending = true
	w.seekTarget = seconds
	w.seekMu.Unlock()
	w.signalWake()
}

// SetConfiguredTempo records the reader's hard/smooth tempo setting,
// the value the worker restores when the mixer clears soft sync.
func (w *Worker) SetConfiguredTempo(tempoChangePercent float64) {
	w.configuredTempoPercent.Store(math.Float64bits(tempoChangePercent))
}

// SetConfiguredPitch records the reader's hard/smooth pitch setting.
// The stage itself is only ever touched by the worker goroutine; this
// just publishes the value for the next loop iteration to apply.
func (w *Worker) SetConfiguredPitch(semitones float64) {
	w.configuredPitchSemis.Store(math.Float64bits(semitones))
}

// SetSoftSyncTempo is the mixer thread's lock-free write of the
// pending soft-sync tempo cell. Pass math.NaN() to restore the
// configured tempo.
func (w *Worker) SetSoftSyncTempo(percent float64) {
	w.pendingSoftSyncTempo.Store(math.Float64bits(percent))
}

// RequestHardClear asks the worker to clear the stretch stage and its
// accumulation buffer on its next loop iteration, the side effect
// tempo_hard/pitch_hard require (§4.5) without the control thread ever
// touching the stage directly.
func (w *Worker) RequestHardClear() {
	w.hardClearRequested.Store(true)
	w.signalWake()
}

// IsEndOfStream reports whether the worker has reached the end of the
// source and is not looping.
func (w *Worker) IsEndOfStream() bool {
	return w.endOfStream.Load()
}

// LoopCount returns the number of times the worker has restarted the
// source from the beginning due to looping. The reader compares
// successive values to detect a loop boundary and reset its own
// track-local time (§4.4 step 6).
func (w *Worker) LoopCount() uint64 {
	return w.loopCount.Load()
}

// NotifyBufferNeedsRefill wakes the worker from its refill-wait sleep
// early; the reader calls this when ring fill drops below half
// capacity during a normal read (§4.4 step 4).
func (w *Worker) NotifyBufferNeedsRefill() {
	w.signalWake()
}

func (w *Worker) signalWake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		if w.stopped.Load() {
			return
		}

		if !w.playing.Load() {
			w.waitWakeOrStop(pauseWait)
			continue
		}

		w.applyPendingSoftSync()
		w.stage.SetPitchSemitones(math.Float64frombits(w.configuredPitchSemis.Load()))
		if w.hardClearRequested.CompareAndSwap(true, false) {
			w.stage.Clear()
			w.accumLen = 0
		}

		if w.handleSeekIfPending() {
			continue
		}

		target := uint64(float64(w.ring.Capacity()) * w.fillTarget())
		if w.ring.AvailableRead() >= target {
			w.waitWakeOrStop(refillWait)
			continue
		}

		if w.decodeOnce() {
			continue
		}
	}
}

func (w *Worker) fillTarget() float64 {
	if w.stage.IsProcessingNeeded() {
		return fillActive
	}
	return fillBypassed
}

func (w *Worker) waitWakeOrStop(d time.Duration) {
	select {
	case <-w.stop:
	case <-w.wake:
	case <-time.After(d):
	}
}

func (w *Worker) applyPendingSoftSync() {
	bits := w.pendingSoftSyncTempo.Load()
	v := math.Float64frombits(bits)
	if math.IsNaN(v) {
		configured := math.Float64frombits(w.configuredTempoPercent.Load())
		w.stage.SetTempoPercent(configured)
		return
	}
	w.stage.SetTempoPercent(v)
}

// handleSeekIfPending services a pending seek request, resetting
// buffers and position state. Returns true if a seek was handled (the
// caller should restart its loop iteration).
func (w *Worker) handleSeekIfPending() bool {
	w.seekMu.Lock()
	pending := w.seekPending
	target := w.seekTarget
	w.seekPending = false
	w.seekMu.Unlock()

	if !pending {
		return false
	}

	if err := w.decoder.TrySeek(target); err != nil {
		w.emitError("seek failed", err)
	}
	w.ring.Clear()
	w.stage.Clear()
	w.accumLen = 0
	w.wasStretchActive = w.stage.IsProcessingNeeded()
	w.endOfStream.Store(false)
	return true
}

func (w *Worker) decodeOnce() bool {
	maxFrames := len(w.scratchDecode) / w.channels
	framesRead, eof, err := w.decoder.ReadFrames(w.scratchDecode[:maxFrames*w.channels])
	if err != nil {
		w.emitError("decode error", err)
		w.endOfStream.Store(true)
		return false
	}

	w.handleStretchTransition()

	if framesRead > 0 {
		w.processChunk(w.scratchDecode[:framesRead*w.channels], framesRead)
	}

	if eof {
		w.handleEndOfStream()
	}

	w.drainAccumToRing()
	return true
}

// handleStretchTransition detects a bypassed<->active transition in
// the stretch stage and enforces the transition policy from §4.2.
func (w *Worker) handleStretchTransition() {
	active := w.stage.IsProcessingNeeded()
	if active == w.wasStretchActive {
		return
	}
	if active {
		w.stage.Clear()
		w.accumLen = 0
	} else {
		w.flushStageToAccum()
	}
	w.wasStretchActive = active
}

func (w *Worker) flushStageToAccum() {
	w.stage.Flush()
	for {
		n := w.stage.Receive(w.scratchDrain)
		if n == 0 {
			break
		}
		w.appendAccum(w.scratchDrain[:n*w.channels])
	}
	if w.stage.Overflowed() {
		w.emitError("stretch stage internal buffer overflow, output truncated", nil)
	}
}

func (w *Worker) processChunk(chunk []float32, frameCount int) {
	if w.stage.IsProcessingNeeded() {
		if err := w.stage.Put(chunk, frameCount); err != nil {
			w.emitError("stretch stage overflow", err)
			return
		}
		for {
			n := w.stage.Receive(w.scratchDrain)
			if n == 0 {
				break
			}
			w.appendAccum(w.scratchDrain[:n*w.channels])
		}
		if w.stage.Overflowed() {
			w.emitError("stretch stage internal buffer overflow, output truncated", nil)
		}
		return
	}
	w.appendAccum(chunk)
}

func (w *Worker) handleEndOfStream() {
	if w.wasStretchActive {
		w.flushStageToAccum()
		w.wasStretchActive = false
	}

	w.seekMu.Lock()
	loop := w.loop
	w.seekMu.Unlock()

	if loop {
		if err := w.decoder.TrySeek(0); err != nil {
			w.emitError("loop seek failed", err)
			w.endOfStream.Store(true)
			return
		}
		w.loopCount.Add(1)
		return
	}
	w.endOfStream.Store(true)
}

// appendAccum copies frames into the accumulation buffer, dropping
// whatever doesn't fit if the pre-allocated capacity is ever exceeded
// (should not happen given New's sizing) and reporting it as a
// source-error event, per §4.2's programmer-error/drop-the-chunk rule.
func (w *Worker) appendAccum(frames []float32) {
	room := len(w.accum) - w.accumLen*w.channels
	n := min(len(frames), room)
	if n < len(frames) {
		w.emitError("accumulation buffer overflow, dropping excess frames", nil)
	}
	copy(w.accum[w.accumLen*w.channels:], frames[:n])
	w.accumLen += n / w.channels
}

// drainAccumToRing writes as much of the accumulation buffer as the
// ring currently has space for, shifting any remainder down for the
// next iteration, per §4.2's "retained and re-attempted" contract.
func (w *Worker) drainAccumToRing() {
	if w.accumLen == 0 {
		return
	}
	avail := w.ring.AvailableWrite()
	n := min(uint64(w.accumLen), avail)
	if n == 0 {
		return
	}
	if _, err := w.ring.Write(w.accum[:n*uint64(w.channels)]); err != nil {
		return
	}
	remaining := (uint64(w.accumLen) - n) * uint64(w.channels)
	copy(w.accum, w.accum[n*uint64(w.channels):n*uint64(w.channels)+remaining])
	w.accumLen -= int(n)
}

func (w *Worker) emitError(message string, cause error) {
	w.sink.Emit(events.Event{
		Kind:    events.KindError,
		TrackID: w.trackID,
		Error:   &events.Error{Message: message, Cause: cause},
	})
}
