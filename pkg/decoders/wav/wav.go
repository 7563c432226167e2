// Package wav wraps github.com/youpy/go-wav behind the engine's
// types.Decoder contract, converting its per-channel integer samples
// to interleaved float32 in [-1, 1].
package wav

import (
	"fmt"
	"os"

	"github.com/youpy/go-wav"

	"github.com/drgolem/trackmixer/pkg/types"
)

// Decoder decodes PCM WAV files into interleaved float32 frames.
type Decoder struct {
	fileName string
	file     *os.File
	reader   *wav.Reader
	info     types.StreamInfo
	bps      int
	maxValue float64

	framesDecoded int64
}

// NewDecoder creates an unopened WAV decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Open(fileName string) error {
	file, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("wav: open: %w", err)
	}

	reader := wav.NewReader(file)
	format, err := reader.Format()
	if err != nil {
		file.Close()
		return fmt.Errorf("wav: read format: %w", err)
	}
	if format.AudioFormat != wav.AudioFormatPCM {
		file.Close()
		return fmt.Errorf("wav: unsupported audio format %d, only PCM is supported", format.AudioFormat)
	}

	d.fileName = fileName
	d.file = file
	d.reader = reader
	d.bps = int(format.BitsPerSample)
	d.maxValue = float64(int64(1) << (uint(d.bps) - 1))
	d.info = types.StreamInfo{
		SampleRate: int(format.SampleRate),
		Channels:   int(format.NumChannels),
	}
	d.framesDecoded = 0
	return nil
}

func (d *Decoder) StreamInfo() types.StreamInfo {
	return d.info
}

func (d *Decoder) ReadFrames(dest []float32) (int, bool, error) {
	if d.reader == nil {
		return 0, false, types.ErrNotOpen
	}
	channels := d.info.Channels
	maxFrames := len(dest) / channels

	framesRead := 0
	for framesRead < maxFrames {
		samples, err := d.reader.ReadSamples(1)
		if err != nil {
			if len(samples) == 0 {
				return framesRead, true, nil
			}
		}
		if len(samples) == 0 {
			return framesRead, true, nil
		}

		base := framesRead * channels
		for ch := 0; ch < channels; ch++ {
			var v int
			if ch < len(samples[0].Values) {
				v = samples[0].Values[ch]
			}
			dest[base+ch] = float32(float64(v) / d.maxValue)
		}
		framesRead++
		d.framesDecoded++
	}
	return framesRead, false, nil
}

// TrySeek reopens the file and sequentially decodes up to the target
// position; go-wav's Reader exposes no native seek primitive.
func (d *Decoder) TrySeek(seconds float64) error {
	if d.fileName == "" {
		return types.ErrNotOpen
	}
	target := int64(seconds * float64(d.info.SampleRate))
	if target < d.framesDecoded {
		if err := d.reopen(); err != nil {
			return err
		}
	}

	discard := make([]float32, 4096*d.info.Channels)
	for d.framesDecoded < target {
		want := target - d.framesDecoded
		n := int64(len(discard) / d.info.Channels)
		if n > want {
			n = want
		}
		framesRead, eof, err := d.ReadFrames(discard[:n*int64(d.info.Channels)])
		if err != nil {
			return fmt.Errorf("wav: seek: %w", err)
		}
		if framesRead == 0 || eof {
			break
		}
	}
	return nil
}

func (d *Decoder) reopen() error {
	if d.file != nil {
		d.file.Close()
	}
	file, err := os.Open(d.fileName)
	if err != nil {
		return fmt.Errorf("wav: reopen: %w", err)
	}
	reader := wav.NewReader(file)
	if _, err := reader.Format(); err != nil {
		file.Close()
		return fmt.Errorf("wav: reopen format: %w", err)
	}
	d.file = file
	d.reader = reader
	d.framesDecoded = 0
	return nil
}

func (d *Decoder) Close() error {
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}
