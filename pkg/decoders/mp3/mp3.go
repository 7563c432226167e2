// Package mp3 wraps github.com/imcarsen/go-mp3 behind the engine's
// types.Decoder contract. The underlying decoder always produces
// 16-bit little-endian stereo PCM at its detected sample rate, which
// this package converts to interleaved float32.
package mp3

import (
	"fmt"
	"io"
	"os"

	"github.com/imcarsen/go-mp3"

	"github.com/drgolem/trackmixer/pkg/types"
)

const mp3Channels = 2

// Decoder decodes MP3 files into interleaved float32 frames.
type Decoder struct {
	fileName string
	file     *os.File
	decoder  *mp3.Decoder
	info     types.StreamInfo

	pcmScratch []byte // reused raw-PCM staging buffer
}

// NewDecoder creates an unopened MP3 decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Open(fileName string) error {
	file, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("mp3: open: %w", err)
	}

	dec, err := mp3.NewDecoder(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("mp3: new decoder: %w", err)
	}

	d.fileName = fileName
	d.file = file
	d.decoder = dec
	d.info = types.StreamInfo{
		SampleRate: dec.SampleRate(),
		Channels:   mp3Channels,
	}
	return nil
}

func (d *Decoder) StreamInfo() types.StreamInfo {
	return d.info
}

func (d *Decoder) ReadFrames(dest []float32) (int, bool, error) {
	if d.decoder == nil {
		return 0, false, types.ErrNotOpen
	}

	maxFrames := len(dest) / mp3Channels
	needBytes := maxFrames * mp3Channels * 2
	if cap(d.pcmScratch) < needBytes {
		d.pcmScratch = make([]byte, needBytes)
	}
	buf := d.pcmScratch[:needBytes]

	n, err := io.ReadFull(d.decoder, buf)
	if n == 0 {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, true, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("mp3: decode: %w", err)
		}
	}

	// io.ReadFull may return ErrUnexpectedEOF with a short, still
	// usable read right at end of stream; truncate to whole frames.
	frames := (n / 2) / mp3Channels
	eof := err == io.EOF || err == io.ErrUnexpectedEOF

	for f := 0; f < frames; f++ {
		for ch := 0; ch < mp3Channels; ch++ {
			off := (f*mp3Channels + ch) * 2
			v := int16(buf[off]) | int16(buf[off+1])<<8
			dest[f*mp3Channels+ch] = float32(v) / 32768.0
		}
	}
	return frames, eof, nil
}

func (d *Decoder) TrySeek(seconds float64) error {
	if d.decoder == nil {
		return types.ErrNotOpen
	}
	offset := int64(seconds*float64(d.info.SampleRate)) * int64(mp3Channels) * 2
	if _, err := d.decoder.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("mp3: seek: %w", err)
	}
	return nil
}

func (d *Decoder) Close() error {
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}
