package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drgolem/trackmixer/pkg/events"
	"github.com/drgolem/trackmixer/pkg/mixer"
	"github.com/drgolem/trackmixer/pkg/sink/portaudio"

	paapi "github.com/drgolem/go-portaudio/portaudio"
	"github.com/spf13/cobra"
)

const version = "2.0.0"

var (
	playDeviceIdx   int
	playFrames      int
	playShowVersion bool
	playVerbose     bool
)

var playerCmd = &cobra.Command{
	Use:   "play <audio_file>",
	Short: "Play a single audio file (MP3, FLAC, WAV, Ogg Vorbis)",
	Long: `Plays one audio file through the mixing engine's real-time path:
decoder worker -> ring buffer -> synchronized reader -> mixer -> PortAudio sink.

Examples:
  # Play an MP3 file
  trackmixer play music.mp3

  # Play a FLAC file on a specific output device
  trackmixer play --device 0 music.flac

  # Lower latency with a smaller block size
  trackmixer play --frames 256 music.flac`,
	Args: cobra.ExactArgs(1),
	Run:  runPlayer,
}

func init() {
	rootCmd.AddCommand(playerCmd)

	playerCmd.Flags().IntVarP(&playDeviceIdx, "device", "d", 1, "Audio output device index")
	playerCmd.Flags().IntVarP(&playFrames, "frames", "f", 512, "Mixer block size, in frames")
	playerCmd.Flags().BoolVarP(&playVerbose, "verbose", "v", false, "Verbose output (debug logging)")
	playerCmd.Flags().BoolVar(&playShowVersion, "version", false, "Show version information")
}

func runPlayer(cmd *cobra.Command, args []string) {
	if playShowVersion {
		fmt.Printf("trackmixer v%s\n", version)
		fmt.Println("Built with:")
		fmt.Println("  - Lock-free SPSC ringbuffer per track")
		fmt.Println("  - Clock-synchronized reader with drift correction")
		fmt.Println("  - PortAudio for cross-platform audio output")
		os.Exit(0)
	}

	fileName := args[0]

	logLevel := slog.LevelInfo
	if playVerbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if _, err := os.Stat(fileName); os.IsNotExist(err) {
		slog.Error("File not found", "path", fileName)
		os.Exit(1)
	}

	slog.Info("Initializing PortAudio")
	if err := paapi.Initialize(); err != nil {
		slog.Error("Failed to initialize PortAudio", "error", err)
		slog.Error("Hint: Make sure PortAudio is installed on your system")
		os.Exit(1)
	}
	defer paapi.Terminate()

	eventSink := events.NewSink(64)
	logDone := make(chan struct{})
	go logEvents(eventSink, logDone)
	defer close(logDone)

	slog.Info("Opening audio file", "path", fileName)
	trk, err := openTrack("main", fileName, eventSink)
	if err != nil {
		slog.Error("Failed to open track", "error", err)
		os.Exit(1)
	}
	defer trk.close()

	info := trk.decoder.StreamInfo()

	sinkCfg := portaudio.Config{
		SampleRate:      info.SampleRate,
		Channels:        info.Channels,
		FramesPerBuffer: playFrames,
		DeviceIndex:     playDeviceIdx,
	}
	paSink, err := portaudio.Open(sinkCfg)
	if err != nil {
		slog.Error("Failed to open output stream", "error", err)
		os.Exit(1)
	}
	defer paSink.Close()

	slog.Info("Audio configuration",
		"device_index", playDeviceIdx,
		"sample_rate", info.SampleRate,
		"channels", info.Channels,
		"frames_per_buffer", playFrames)

	m := mixer.New(paSink, eventSink, info.SampleRate, info.Channels, playFrames)
	if err := m.AddSource(trk.reader); err != nil {
		slog.Error("Failed to attach track to mixer", "error", err)
		os.Exit(1)
	}

	trk.reader.AttachToClock(m.Clock().CurrentTimestamp())
	trk.reader.Play()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	stop := make(chan struct{})
	runDone := make(chan error, 1)
	go func() { runDone <- m.RunRealTime(stop) }()

	statusDone := make(chan struct{})
	go monitorTrack(trk, statusDone)

	slog.Info("Starting playback")
	select {
	case err := <-runDone:
		if err != nil {
			slog.Error("Mixer run ended with error", "error", err)
		} else {
			slog.Info("Playback completed successfully")
		}
	case sig := <-sigChan:
		slog.Info("Signal received, stopping playback", "signal", sig)
		close(stop)
		<-runDone
	}

	close(statusDone)
	slog.Info("Exiting")
}

// logEvents drains the event sink and logs notable occurrences.
func logEvents(sink *events.Sink, done <-chan struct{}) {
	for {
		select {
		case ev := <-sink.C():
			switch ev.Kind {
			case events.KindBufferUnderrun:
				slog.Warn("Buffer underrun", "track", ev.TrackID, "details", ev.BufferUnderrun)
			case events.KindError:
				slog.Error("Track error", "track", ev.TrackID, "details", ev.Error.String())
			case events.KindTrackDropout:
				slog.Warn("Track dropout", "track", ev.TrackID, "details", ev.TrackDropout)
			case events.KindStateChanged:
				slog.Debug("State changed", "track", ev.TrackID, "details", ev.StateChanged)
			}
		case <-done:
			return
		}
	}
}

// monitorTrack periodically logs playback position.
func monitorTrack(trk *track, done <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status := trk.reader.GetPlaybackStatus()
			slog.Info("Playback status",
				"track_time", fmt.Sprintf("%.2fs", status.TrackLocalTime),
				"state", trk.reader.State().String(),
				"buffered_samples", status.BufferedSamples,
				"underruns", status.Underruns)
		case <-done:
			return
		}
	}
}
