// Package oggvorbis wraps github.com/jfreymuth/oggvorbis behind the
// engine's types.Decoder contract. Unlike the other decoders in this
// module, jfreymuth/oggvorbis already decodes directly to interleaved
// float32, so this wrapper needs no integer-to-float conversion path.
package oggvorbis

import (
	"fmt"
	"io"
	"os"

	"github.com/jfreymuth/oggvorbis"

	"github.com/drgolem/trackmixer/pkg/types"
)

// Decoder decodes Ogg Vorbis files into interleaved float32 frames.
type Decoder struct {
	fileName string
	file     *os.File
	reader   *oggvorbis.Reader
	info     types.StreamInfo

	framesDecoded int64
}

// NewDecoder creates an unopened Ogg Vorbis decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Open(fileName string) error {
	file, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("oggvorbis: open: %w", err)
	}

	reader, err := oggvorbis.NewReader(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("oggvorbis: new reader: %w", err)
	}

	d.fileName = fileName
	d.file = file
	d.reader = reader
	d.info = types.StreamInfo{
		SampleRate: reader.SampleRate(),
		Channels:   reader.Channels(),
	}
	if total := reader.Length(); total > 0 && d.info.SampleRate > 0 {
		d.info.Duration = float64(total) / float64(d.info.SampleRate)
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

	n, err := d.reader.Read(dest)
	if err != nil && err != io.EOF {
		return 0, false, fmt.Errorf("oggvorbis: decode: %w", err)
	}

	framesRead := n / d.info.Channels
	d.framesDecoded += int64(framesRead)
	eof := err == io.EOF
	return framesRead, eof, nil
}

// TrySeek uses the reader's native sample-accurate seek, which
// jfreymuth/oggvorbis supports directly when the underlying source
// implements io.Seeker (an *os.File always does).
func (d *Decoder) TrySeek(seconds float64) error {
	if d.reader == nil {
		return types.ErrNotOpen
	}
	target := int64(seconds * float64(d.info.SampleRate))
	if err := d.reader.SetPosition(target); err != nil {
		return fmt.Errorf("oggvorbis: seek: %w", err)
	}
	d.framesDecoded = target
	return nil
}

func (d *Decoder) Close() error {
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}
