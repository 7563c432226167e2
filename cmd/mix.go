package cmd

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/drgolem/trackmixer/pkg/events"
	"github.com/drgolem/trackmixer/pkg/mixer"
	"github.com/drgolem/trackmixer/pkg/resample"
	"github.com/drgolem/trackmixer/pkg/sink/portaudio"
	"github.com/drgolem/trackmixer/pkg/types"

	paapi "github.com/drgolem/go-portaudio/portaudio"
	"github.com/spf13/cobra"
)

var (
	mixOffsets    []string
	mixTempos     []string
	mixPitches    []string
	mixDeviceIdx  int
	mixFrames     int
	mixSampleRate int
	mixOffline    float64
	mixOut        string
)

var mixCmd = &cobra.Command{
	Use:   "mix <audio_file> [audio_file...]",
	Short: "Mix one or more audio files through one clock-synchronized mixer",
	Long: `Opens each given file as its own track (decoder worker, ring buffer,
synchronized reader) and attaches all of them to a single Mixer, the
first end-to-end exercise of the full per-track pipeline together.

Each track can be given its own start offset (seconds, may be
negative), tempo (fraction, 1.0 = unchanged), and pitch (semitones)
via the repeatable --offset/--tempo/--pitch flags, matched to tracks
by position.

Examples:
  # Play two files together, the second starting 2 seconds late
  trackmixer mix drums.wav bass.wav --offset 0 --offset 2

  # Render 10 seconds of a three-track mix to a WAV file, no live output
  trackmixer mix a.wav b.wav c.wav --offline 10 --out mix.wav`,
	Args: cobra.MinimumNArgs(1),
	Run:  runMix,
}

func init() {
	rootCmd.AddCommand(mixCmd)

	mixCmd.Flags().StringArrayVar(&mixOffsets, "offset", nil, "Per-track start offset in seconds (repeatable, matched by position)")
	mixCmd.Flags().StringArrayVar(&mixTempos, "tempo", nil, "Per-track tempo fraction, 1.0 = unchanged (repeatable, matched by position)")
	mixCmd.Flags().StringArrayVar(&mixPitches, "pitch", nil, "Per-track pitch shift in semitones (repeatable, matched by position)")
	mixCmd.Flags().IntVarP(&mixDeviceIdx, "device", "d", 1, "Audio output device index (real-time mode)")
	mixCmd.Flags().IntVarP(&mixFrames, "frames", "f", 512, "Mixer block size, in frames")
	mixCmd.Flags().IntVar(&mixSampleRate, "samplerate", 48000, "Mixer output sample rate")
	mixCmd.Flags().Float64Var(&mixOffline, "offline", 0, "Render offline for this many seconds instead of live playback")
	mixCmd.Flags().StringVar(&mixOut, "out", "mix_out.wav", "Output WAV path for --offline mode")
}

func runMix(cmd *cobra.Command, args []string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	for _, fileName := range args {
		if _, err := os.Stat(fileName); os.IsNotExist(err) {
			slog.Error("File not found", "path", fileName)
			os.Exit(1)
		}
	}

	eventSink := events.NewSink(64)
	logDone := make(chan struct{})
	go logEvents(eventSink, logDone)
	defer close(logDone)

	tracks := make([]*track, 0, len(args))
	for i, fileName := range args {
		trk, err := openTrack(fmt.Sprintf("track-%d", i), fileName, eventSink)
		if err != nil {
			slog.Error("Failed to open track", "file", fileName, "error", err)
			os.Exit(1)
		}
		tracks = append(tracks, trk)
	}
	defer func() {
		for _, trk := range tracks {
			trk.close()
		}
	}()

	// Output channel count: every attached reader must either match it
	// or supply a routing map (§6); we use the mixer's own channel
	// count, taken from the first track, as the common bus width.
	outChannels := tracks[0].decoder.StreamInfo().Channels

	var sink types.Engine
	var paSink *portaudio.Sink
	var bufSink *bufferSink

	if mixOffline > 0 {
		bufSink = &bufferSink{}
		sink = bufSink
	} else {
		if err := paapi.Initialize(); err != nil {
			slog.Error("Failed to initialize PortAudio", "error", err)
			os.Exit(1)
		}
		defer paapi.Terminate()

		var err error
		paSink, err = portaudio.Open(portaudio.Config{
			SampleRate:      mixSampleRate,
			Channels:        outChannels,
			FramesPerBuffer: mixFrames,
			DeviceIndex:     mixDeviceIdx,
		})
		if err != nil {
			slog.Error("Failed to open output stream", "error", err)
			os.Exit(1)
		}
		defer paSink.Close()
		sink = paSink
	}

	m := mixer.New(sink, eventSink, mixSampleRate, outChannels, mixFrames)

	for i, trk := range tracks {
		offset := flagAtOrDefault(mixOffsets, i, 0)
		tempo := flagAtOrDefault(mixTempos, i, 1.0)
		pitch := flagAtOrDefault(mixPitches, i, 0)

		if err := m.AddSource(trk.reader); err != nil {
			slog.Error("Failed to attach track", "track", trk.id, "error", err)
			os.Exit(1)
		}

		trk.reader.AttachToClock(m.Clock().CurrentTimestamp() + offset)
		if tempo != 1.0 {
			trk.reader.TempoHard(tempo)
		}
		if pitch != 0 {
			trk.reader.PitchHard(pitch)
		}
		trk.reader.Play()

		slog.Info("Track attached", "track", trk.id, "offset", offset, "tempo", tempo, "pitch", pitch)
	}

	if mixOffline > 0 {
		slog.Info("Rendering offline", "duration", mixOffline, "out", mixOut)
		if err := m.RenderOffline(&bufSink.pcm, mixOffline); err != nil {
			slog.Error("Offline render failed", "error", err)
			os.Exit(1)
		}
		if err := writeFloatPCMAsWAV(mixOut, bufSink.pcm.Bytes(), outChannels, mixSampleRate); err != nil {
			slog.Error("Failed to write output WAV", "error", err)
			os.Exit(1)
		}
		slog.Info("Offline render complete", "out", mixOut)
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	stop := make(chan struct{})
	runDone := make(chan error, 1)
	go func() { runDone <- m.RunRealTime(stop) }()

	slog.Info("Mixing", "tracks", len(tracks))
	select {
	case err := <-runDone:
		if err != nil {
			slog.Error("Mixer run ended with error", "error", err)
		}
	case sig := <-sigChan:
		slog.Info("Signal received, stopping", "signal", sig)
		close(stop)
		<-runDone
	}
	slog.Info("Exiting")
}

// bufferSink is a no-op types.Engine used to satisfy Mixer.RunOnce's
// sink.Send call during offline rendering; the actual PCM comes from
// RenderOffline's io.Writer argument, not from Send.
type bufferSink struct {
	pcm bytes.Buffer
}

func (s *bufferSink) Send([]float32) error           { return nil }
func (s *bufferSink) Receive(int) ([]float32, error) { return nil, nil }
func (s *bufferSink) Close() error                   { return nil }

// writeFloatPCMAsWAV converts RenderOffline's interleaved float32 LE
// bytes to 16-bit PCM and writes a standard WAV container via
// pkg/resample, shared with the transform command.
func writeFloatPCMAsWAV(fileName string, floatBytes []byte, channels, sampleRate int) error {
	pcm := resample.FloatBytesToPCM16(floatBytes)
	numSamples := len(pcm) / 2 / channels
	return resample.WriteWAVFile(fileName, pcm, uint32(numSamples), uint16(channels), uint32(sampleRate), 16)
}

// flagAtOrDefault parses the i-th string in vals as a float64,
// returning def if there aren't enough values or parsing fails.
func flagAtOrDefault(vals []string, i int, def float64) float64 {
	if i >= len(vals) {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(vals[i]), 64)
	if err != nil {
		return def
	}
	return v
}
