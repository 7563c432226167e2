// Package flac wraps github.com/drgolem/go-flac behind the engine's
// types.Decoder contract, converting its byte-oriented 32-bit PCM
// output into interleaved float32 in [-1, 1].
package flac

import (
	"fmt"

	goflac "github.com/drgolem/go-flac/flac"

	"github.com/drgolem/trackmixer/pkg/types"
)

const flacBitsPerSample = 32

// Decoder decodes FLAC files into interleaved float32 frames.
type Decoder struct {
	fileName string
	decoder  *goflac.FlacDecoder
	info     types.StreamInfo
	bps      int
	maxValue float64

	framesDecoded int64
	pcmScratch    []byte // reused raw-PCM staging buffer
}

// NewDecoder creates an unopened FLAC decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Open(fileName string) error {
	decoder, err := goflac.NewFlacFrameDecoder(flacBitsPerSample)
	if err != nil {
		return fmt.Errorf("flac: create decoder: %w", err)
	}

	if err := decoder.Open(fileName); err != nil {
		decoder.Delete()
		return fmt.Errorf("flac: open %s: %w", fileName, err)
	}

	rate, channels, bps := decoder.GetFormat()

	d.fileName = fileName
	d.decoder = decoder
	d.bps = bps
	d.maxValue = float64(int64(1) << (uint(bps) - 1))
	d.info = types.StreamInfo{
		SampleRate: rate,
		Channels:   channels,
	}
	d.framesDecoded = 0
	return nil
}

func (d *Decoder) StreamInfo() types.StreamInfo {
	return d.info
}

func (d *Decoder) ReadFrames(dest []float32) (int, bool, error) {
	if d.decoder == nil {
		return 0, false, types.ErrNotOpen
	}
	channels := d.info.Channels
	bytesPerSample := d.bps / 8
	maxFrames := len(dest) / channels

	needBytes := maxFrames * channels * bytesPerSample
	if cap(d.pcmScratch) < needBytes {
		d.pcmScratch = make([]byte, needBytes)
	}
	buf := d.pcmScratch[:needBytes]

	n, err := d.decoder.DecodeSamples(maxFrames*channels, buf)
	if err != nil {
		if n == 0 {
			return 0, true, nil
		}
	}
	if n == 0 {
		return 0, true, nil
	}

	framesRead := n / channels
	for f := 0; f < framesRead; f++ {
		for ch := 0; ch < channels; ch++ {
			off := (f*channels + ch) * bytesPerSample
			v := decodeLittleEndianInt(buf[off : off+bytesPerSample])
			dest[f*channels+ch] = float32(float64(v) / d.maxValue)
		}
	}
	d.framesDecoded += int64(framesRead)
	return framesRead, false, nil
}

func decodeLittleEndianInt(b []byte) int64 {
	var v int64
	for i, by := range b {
		v |= int64(by) << (8 * uint(i))
	}
	shift := uint(64 - 8*len(b))
	return (v << shift) >> shift
}

// TrySeek reopens the file and sequentially decodes up to the target
// position; go-flac's frame decoder exposes no native seek primitive.
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
			return fmt.Errorf("flac: seek: %w", err)
		}
		if framesRead == 0 || eof {
			break
		}
	}
	return nil
}

func (d *Decoder) reopen() error {
	if d.decoder != nil {
		d.decoder.Close()
		d.decoder.Delete()
	}
	decoder, err := goflac.NewFlacFrameDecoder(flacBitsPerSample)
	if err != nil {
		return fmt.Errorf("flac: reopen: %w", err)
	}
	if err := decoder.Open(d.fileName); err != nil {
		decoder.Delete()
		return fmt.Errorf("flac: reopen: %w", err)
	}
	d.decoder = decoder
	d.framesDecoded = 0
	return nil
}

func (d *Decoder) Close() error {
	if d.decoder != nil {
		d.decoder.Close()
		d.decoder.Delete()
		d.decoder = nil
	}
	return nil
}
