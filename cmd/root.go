package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "trackmixer",
	Short: "Multi-track audio mixing engine",
	Long: `trackmixer - a real-time multi-track mixing engine built on a
lock-free SPSC ringbuffer per decoded track, a clock-synchronized
reader with drift correction, and a time-stretch stage for independent
tempo/pitch control.

Features:
  - Lock-free SPSC ringbuffer feeding each track
  - Clock-synchronized playback with drift correction and soft-sync
  - Independent tempo and pitch control per track
  - Support for MP3, FLAC, WAV, and Ogg Vorbis audio formats
  - Configurable buffer sizes and audio devices
  - Sample rate transformation and format conversion

Commands:
  - play: Play a single audio file with real-time status reporting
  - mix: Mix multiple audio files together in real time or offline
  - transform: Convert audio files to different sample rates and WAV format`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
