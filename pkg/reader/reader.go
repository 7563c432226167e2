// Package reader implements the synchronized reader: the per-track
// controller that pulls decoded audio out of a worker's ring buffer in
// lock-step with the mixer's master clock, correcting drift through a
// three-zone (green/yellow/red) controller with soft-sync tempo nudges,
// buffer-skip resync, predictive seek, and seek-cascade hard reset.
//
// read_at_time is the only entry point ever called from the mixer
// thread; every other field it touches (track-local time, drift
// state, the seek-cascade window) belongs exclusively to that thread
// and needs no lock. Fields also reachable from control threads
// (play/pause/stop/seek/tempo/pitch) are guarded by a small mutex.
package reader

import (
	"math"
	"sync"

	"github.com/drgolem/trackmixer/pkg/events"
	"github.com/drgolem/trackmixer/pkg/ringbuffer"
	"github.com/drgolem/trackmixer/pkg/types"
	"github.com/drgolem/trackmixer/pkg/worker"
)

// State is the reader's playback state machine: Idle -> Playing ->
// {Paused, Stopped, EndOfStream}; Paused <-> Playing; Stopped ->
// Playing (restart).
type State int

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
	StateStopped
	StateEndOfStream
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePlaying:
		return "Playing"
	case StatePaused:
		return "Paused"
	case StateStopped:
		return "Stopped"
	case StateEndOfStream:
		return "EndOfStream"
	default:
		return "Unknown"
	}
}

const (
	defaultSyncTolerance         = 0.010 // seconds
	defaultSoftSyncTolerance     = 0.150 // seconds
	defaultMaxSoftSyncAdjustment = 0.02  // fraction (2%)
	defaultGracePeriod           = 1.0   // seconds
	latencyCompensationNormal    = 0.100 // seconds
	latencyCompensationRecovery  = 0.300 // seconds
	seekCascadeThreshold         = 10
	seekCascadeWindow            = 5.0 // seconds
	seekHistorySize              = 16  // fixed-size ring, no allocation on the audio path

	tempoMin = 0.8
	tempoMax = 1.2
	pitchMin = -12.0
	pitchMax = 12.0
)

// ReadResult is the audio-path's total, non-throwing outcome of one
// read_at_time call.
type ReadResult struct {
	OK         bool
	FramesRead int
	Reason     string
}

// Config holds the per-reader tunables; zero values are replaced with
// spec defaults by New.
type Config struct {
	TrackID     string
	Channels    int
	SampleRate  int
	StartOffset float64 // seconds; may be negative

	SyncTolerance         float64
	SoftSyncTolerance     float64
	MaxSoftSyncAdjustment float64
	GracePeriod           float64

	Loop   bool
	Volume float64 // 1.0 = unity
}

// DefaultConfig returns the spec's default tuning constants for the
// given identity/format triple.
func DefaultConfig(trackID string, channels, sampleRate int) Config {
	return Config{
		TrackID:               trackID,
		Channels:              channels,
		SampleRate:            sampleRate,
		StartOffset:           0,
		SyncTolerance:         defaultSyncTolerance,
		SoftSyncTolerance:     defaultSoftSyncTolerance,
		MaxSoftSyncAdjustment: defaultMaxSoftSyncAdjustment,
		GracePeriod:           defaultGracePeriod,
		Volume:                1.0,
	}
}

// Reader is one track's synchronized playback controller.
type Reader struct {
	trackID    string
	channels   int
	sampleRate int
	ring       *ringbuffer.RingBuffer
	worker     *worker.Worker
	sink       *events.Sink

	syncTolerance         float64
	softSyncTolerance     float64
	maxSoftSyncAdjustment float64
	gracePeriodDuration   float64

	// controlMu guards fields reachable from both the mixer thread and
	// control threads (play/pause/stop/seek/tempo/pitch/routing).
	controlMu   sync.Mutex
	state       State
	startOffset float64
	tempo       float64
	pitch       float64
	volume      float64
	loop        bool
	attached    bool
	routing     []int // optional Cin->Cout map; nil means straight passthrough

	// Mixer-thread-only state (no lock: read_at_time is the sole caller).
	trackLocalTime        float64
	gracePeriodEnd        float64
	softSyncActive        bool
	consecutiveUnderruns  int
	underrunTotal         uint64
	lastObservedLoopCount uint64

	seekHistory [seekHistorySize]float64
	seekIdx     int
	seekFilled  int
}

// New creates a reader bound to ring and worker, which must share the
// same track identity.
func New(cfg Config, ring *ringbuffer.RingBuffer, w *worker.Worker, sink *events.Sink) *Reader {
	volume := cfg.Volume
	if volume == 0 {
		volume = 1.0
	}
	syncTol := cfg.SyncTolerance
	if syncTol == 0 {
		syncTol = defaultSyncTolerance
	}
	softTol := cfg.SoftSyncTolerance
	if softTol == 0 {
		softTol = defaultSoftSyncTolerance
	}
	maxAdj := cfg.MaxSoftSyncAdjustment
	if maxAdj == 0 {
		maxAdj = defaultMaxSoftSyncAdjustment
	}
	grace := cfg.GracePeriod
	if grace == 0 {
		grace = defaultGracePeriod
	}

	r := &Reader{
		trackID:               cfg.TrackID,
		channels:              cfg.Channels,
		sampleRate:            cfg.SampleRate,
		ring:                  ring,
		worker:                w,
		sink:                  sink,
		syncTolerance:         syncTol,
		softSyncTolerance:     softTol,
		maxSoftSyncAdjustment: maxAdj,
		gracePeriodDuration:   grace,
		state:                 StateIdle,
		startOffset:           cfg.StartOffset,
		tempo:                 1.0,
		pitch:                 0,
		volume:                volume,
		loop:                  cfg.Loop,
	}
	w.SetLoop(cfg.Loop)
	w.SetConfiguredTempo(0)
	w.SetConfiguredPitch(0)
	return r
}

// TrackID returns the reader's identity.
func (r *Reader) TrackID() string { return r.trackID }

// Channels returns the reader's native (input) channel count.
func (r *Reader) Channels() int { return r.channels }

// State returns the reader's current playback state.
func (r *Reader) State() State {
	r.controlMu.Lock()
	defer r.controlMu.Unlock()
	return r.state
}

func (r *Reader) setState(s State) {
	old := r.state
	r.state = s
	if old != s {
		r.sink.Emit(events.Event{
			Kind:    events.KindStateChanged,
			TrackID: r.trackID,
			StateChanged: &events.StateChanged{Old: old.String(), New: s.String()},
		})
	}
}

// Play transitions Idle/Paused/Stopped -> Playing and resumes the
// decoder worker.
func (r *Reader) Play() {
	r.controlMu.Lock()
	r.setState(StatePlaying)
	r.controlMu.Unlock()
	r.worker.Play()
}

// Pause transitions Playing -> Paused; the decoder worker is
// suspended but its buffers are left intact.
func (r *Reader) Pause() {
	r.controlMu.Lock()
	r.setState(StatePaused)
	r.controlMu.Unlock()
	r.worker.Pause()
}

// Stop transitions to Stopped; a subsequent Play restarts playback.
func (r *Reader) Stop() {
	r.controlMu.Lock()
	r.setState(StateStopped)
	r.controlMu.Unlock()
	r.worker.Pause()
}

// Seek requests an explicit seek to the given source timestamp,
// forcing a fresh grace period so drift correction doesn't fight the
// intentional jump.
func (r *Reader) Seek(seconds float64) {
	r.controlMu.Lock()
	r.gracePeriodEnd = seconds + r.gracePeriodDuration
	r.controlMu.Unlock()
	r.worker.RequestSeek(seconds)
}

// AttachToClock binds the reader to the mixer's master clock at
// masterTime, starting a fresh grace period. Calling
// AttachToClock;DetachFromClock;AttachToClock again at the same
// masterTime reproduces a single attach's observable behavior, since
// the reset is fully deterministic (testable property 7). A negative
// start_offset means the track should already be partway through at
// masterTime 0, so the worker is asked to seek to that file position
// instead of playing from the beginning.
func (r *Reader) AttachToClock(masterTime float64) {
	r.controlMu.Lock()
	r.attached = true
	startOffset := r.startOffset
	r.controlMu.Unlock()

	rel := masterTime - startOffset
	if startOffset < 0 && rel > 0 {
		r.worker.RequestSeek(rel)
	}
	r.trackLocalTime = rel
	r.gracePeriodEnd = rel + r.gracePeriodDuration
	r.softSyncActive = false
	r.consecutiveUnderruns = 0
	r.seekIdx = 0
	r.seekFilled = 0
}

// DetachFromClock unbinds the reader; the mixer contributes silence
// for this source until it is reattached.
func (r *Reader) DetachFromClock() {
	r.controlMu.Lock()
	r.attached = false
	r.controlMu.Unlock()
}

// IsAttached reports whether the reader is bound to a master clock.
func (r *Reader) IsAttached() bool {
	r.controlMu.Lock()
	defer r.controlMu.Unlock()
	return r.attached
}

// SetVolume sets the linear output gain applied in step 7.
func (r *Reader) SetVolume(v float64) {
	r.controlMu.Lock()
	r.volume = v
	r.controlMu.Unlock()
}

// SetRouting installs an optional channel-routing map; entries must be
// distinct indices in [0, outChannels). Pass nil to clear it (straight
// passthrough, valid only when Channels() == outChannels).
func (r *Reader) SetRouting(routing []int) {
	r.controlMu.Lock()
	r.routing = routing
	r.controlMu.Unlock()
}

// Routing returns the current channel-routing map, or nil if none is set.
func (r *Reader) Routing() []int {
	r.controlMu.Lock()
	defer r.controlMu.Unlock()
	return r.routing
}

// SetLoop configures whether end-of-stream restarts the source.
func (r *Reader) SetLoop(loop bool) {
	r.controlMu.Lock()
	r.loop = loop
	r.controlMu.Unlock()
	r.worker.SetLoop(loop)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TempoHard sets tempo immediately, clamped to [0.8, 1.2], clears the
// stretch stage and its accumulation buffer, and opens a fresh 1s
// grace period so sync doesn't fight the transient (§4.5).
func (r *Reader) TempoHard(v float64) float64 {
	v = clamp(v, tempoMin, tempoMax)
	r.controlMu.Lock()
	r.tempo = v
	r.gracePeriodEnd = r.trackLocalTime + r.gracePeriodDuration
	r.controlMu.Unlock()

	r.worker.SetConfiguredTempo((v - 1) * 100)
	r.worker.RequestHardClear()
	return v
}

// TempoSmooth sets tempo immediately, clamped, without clearing
// buffers or starting a grace period. Intended for continuous UI
// sliders (§4.5).
func (r *Reader) TempoSmooth(v float64) float64 {
	v = clamp(v, tempoMin, tempoMax)
	r.controlMu.Lock()
	r.tempo = v
	r.controlMu.Unlock()
	r.worker.SetConfiguredTempo((v - 1) * 100)
	return v
}

// PitchHard is TempoHard's pitch analogue, clamped to [-12, +12] semitones.
func (r *Reader) PitchHard(semitones float64) float64 {
	semitones = clamp(semitones, pitchMin, pitchMax)
	r.controlMu.Lock()
	r.pitch = semitones
	r.gracePeriodEnd = r.trackLocalTime + r.gracePeriodDuration
	r.controlMu.Unlock()

	r.worker.SetConfiguredPitch(semitones)
	r.worker.RequestHardClear()
	return semitones
}

// PitchSmooth is TempoSmooth's pitch analogue.
func (r *Reader) PitchSmooth(semitones float64) float64 {
	semitones = clamp(semitones, pitchMin, pitchMax)
	r.controlMu.Lock()
	r.pitch = semitones
	r.controlMu.Unlock()
	r.worker.SetConfiguredPitch(semitones)
	return semitones
}

// Tempo returns the current tempo ratio.
func (r *Reader) Tempo() float64 {
	r.controlMu.Lock()
	defer r.controlMu.Unlock()
	return r.tempo
}

// Pitch returns the current pitch shift in semitones.
func (r *Reader) Pitch() float64 {
	r.controlMu.Lock()
	defer r.controlMu.Unlock()
	return r.pitch
}

// TrackLocalTime returns the reader's current position on its own
// timeline, in seconds. Mixer-thread-only state; safe to read from
// the mixer thread or for diagnostics between mixer iterations.
func (r *Reader) TrackLocalTime() float64 {
	return r.trackLocalTime
}

// ConsecutiveUnderruns returns the current post-underrun recovery counter.
func (r *Reader) ConsecutiveUnderruns() int {
	return r.consecutiveUnderruns
}

// GetPlaybackStatus implements types.PlaybackMonitor, mirroring the
// teacher's unified status-reporting idiom used by CLI monitors.
func (r *Reader) GetPlaybackStatus() types.PlaybackStatus {
	return types.PlaybackStatus{
		TrackID:         r.trackID,
		SampleRate:      r.sampleRate,
		Channels:        r.channels,
		TrackLocalTime:  r.trackLocalTime,
		BufferedSamples: r.ring.AvailableRead(),
		Underruns:       r.underrunTotal,
	}
}

// ReadAtTime is the mixer's single entry point into the reader,
// called once per mixer block with the master timestamp T and the
// frame count to fill. out must have length frameCount*Channels().
// It never blocks, never allocates in steady state, and always fills
// out completely (with silence where necessary) regardless of the
// returned result.
func (r *Reader) ReadAtTime(T float64, out []float32, frameCount int) ReadResult {
	r.controlMu.Lock()
	startOffset := r.startOffset
	volume := r.volume
	r.controlMu.Unlock()

	rel := T - startOffset

	// Step 1: pre-track silence region.
	if rel < 0 {
		zero(out)
		return ReadResult{OK: true, FramesRead: frameCount}
	}

	r.detectLoopBoundary()

	// Step 2: grace period.
	if rel < r.gracePeriodEnd {
		r.trackLocalTime = rel
	}

	// Step 3: drift computation and three-zone correction.
	drift := math.Abs(rel - r.trackLocalTime)

	switch {
	case drift <= r.syncTolerance:
		r.greenZone()

	case r.consecutiveUnderruns == 0 && drift <= r.softSyncTolerance:
		r.yellowZone(rel, drift)

	default:
		if res, handled := r.redZone(rel, drift, out, frameCount); handled {
			r.applyVolume(out, volume)
			return res
		}
	}

	// Step 4: normal read.
	result := r.normalRead(out, frameCount)
	r.applyVolume(out, volume)
	return result
}

func (r *Reader) detectLoopBoundary() {
	lc := r.worker.LoopCount()
	if lc != r.lastObservedLoopCount {
		r.lastObservedLoopCount = lc
		r.trackLocalTime = 0
	}
}

func (r *Reader) greenZone() {
	if r.softSyncActive {
		r.worker.SetSoftSyncTempo(math.NaN())
		r.softSyncActive = false
	}
	if r.consecutiveUnderruns > 0 {
		r.consecutiveUnderruns = 0
	}
}

func (r *Reader) yellowZone(rel, drift float64) {
	span := r.softSyncTolerance - r.syncTolerance
	frac := 0.0
	if span > 0 {
		frac = clamp((drift-r.syncTolerance)/span, 0, 1)
	}
	adjustment := frac * r.maxSoftSyncAdjustment

	behind := rel > r.trackLocalTime
	sign := 1.0
	if !behind {
		sign = -1.0
	}

	r.controlMu.Lock()
	tempo := r.tempo
	r.controlMu.Unlock()

	pendingPercent := (tempo-1)*100 + sign*adjustment*100
	r.worker.SetSoftSyncTempo(pendingPercent)
	r.softSyncActive = true

	rate := 0.01
	switch {
	case drift > 0.100:
		rate = 0.10
	case drift > 0.050:
		rate = 0.05
	}
	r.trackLocalTime += sign * rate * drift
}

// redZone runs the red-zone correction ladder (buffer-skip, predictive
// seek, hard reset). It returns handled=true when it has already
// produced the block's contents (silence, for seek/reset paths).
func (r *Reader) redZone(rel, drift float64, out []float32, frameCount int) (ReadResult, bool) {
	if r.softSyncActive {
		r.worker.SetSoftSyncTempo(math.NaN())
		r.softSyncActive = false
	}

	behind := rel > r.trackLocalTime
	recovering := r.consecutiveUnderruns > 0

	if behind {
		k := uint64(drift * float64(r.sampleRate))
		needed := k * uint64(r.channels)
		if needed > 0 && r.ring.AvailableRead() >= needed {
			r.ring.Skip(needed)
			r.trackLocalTime = rel
			return ReadResult{}, false // fall through to normal read
		}
	}

	within := r.recordSeekAndCountWindow(rel)
	if within > seekCascadeThreshold {
		r.hardReset(rel)
		zero(out)
		return ReadResult{OK: true, FramesRead: frameCount}, true
	}

	latencyComp := latencyCompensationNormal
	if recovering {
		latencyComp = latencyCompensationRecovery
	}

	r.controlMu.Lock()
	tempo := r.tempo
	r.controlMu.Unlock()

	target := (rel + latencyComp) * tempo
	r.worker.RequestSeek(target)

	r.gracePeriodEnd = rel + 1.0
	r.trackLocalTime = rel + latencyComp
	zero(out)
	return ReadResult{OK: true, FramesRead: frameCount}, true
}

// recordSeekAndCountWindow appends rel to the fixed-size seek history
// ring and returns how many recorded seeks (including this one) fall
// within the trailing seekCascadeWindow.
func (r *Reader) recordSeekAndCountWindow(rel float64) int {
	r.seekHistory[r.seekIdx] = rel
	r.seekIdx = (r.seekIdx + 1) % seekHistorySize
	if r.seekFilled < seekHistorySize {
		r.seekFilled++
	}

	count := 0
	for i := 0; i < r.seekFilled; i++ {
		if rel-r.seekHistory[i] <= seekCascadeWindow {
			count++
		}
	}
	return count
}

func (r *Reader) hardReset(rel float64) {
	r.worker.RequestSeek(rel) // worker clears ring + stretch stage as part of handling the seek
	r.consecutiveUnderruns = 0
	r.seekIdx = 0
	r.seekFilled = 0
	r.gracePeriodEnd = rel + 1.0
	r.trackLocalTime = rel
	r.softSyncActive = false
}

func (r *Reader) normalRead(out []float32, frameCount int) ReadResult {
	need := frameCount * r.channels
	n, _ := r.ring.Read(out[:need])
	framesRead := n / r.channels

	if r.ring.AvailableRead() < r.ring.Capacity()/2 {
		r.worker.NotifyBufferNeedsRefill()
	}

	r.trackLocalTime += float64(framesRead) / float64(r.sampleRate)

	if framesRead < frameCount {
		endOfStream := r.worker.IsEndOfStream()
		zero(out[framesRead*r.channels:])

		if !endOfStream {
			r.consecutiveUnderruns = 5
			r.underrunTotal++
			r.sink.Emit(events.Event{
				Kind:    events.KindBufferUnderrun,
				TrackID: r.trackID,
				BufferUnderrun: &events.BufferUnderrun{
					MissedFrames: frameCount - framesRead,
					Position:     r.trackLocalTime,
				},
			})
			return ReadResult{OK: false, FramesRead: frameCount, Reason: "underrun"}
		}

		// End-of-stream with an empty ring and no active loop: report
		// completion, not failure.
		r.controlMu.Lock()
		loop := r.loop
		r.controlMu.Unlock()
		if !loop {
			r.controlMu.Lock()
			r.setState(StateEndOfStream)
			r.controlMu.Unlock()
		}
		return ReadResult{OK: true, FramesRead: framesRead}
	}

	return ReadResult{OK: true, FramesRead: framesRead}
}

func (r *Reader) applyVolume(out []float32, volume float64) {
	if volume == 1.0 {
		return
	}
	v := float32(volume)
	for i := range out {
		out[i] *= v
	}
}

func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}
