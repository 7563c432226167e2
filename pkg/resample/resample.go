// Package resample provides the offline sample-rate conversion and
// PCM/WAV utilities used by the transform and mix CLI commands. None
// of this runs on the mixer's real-time path: it drains a whole
// decoder (or a whole offline render) into memory, unlike the
// bounded, pre-allocated buffers the worker and stretch stage use.
//
// Grounded on the teacher's cmd/transform.go, which called SoXR
// directly inline; here the same conversion is a reusable package so
// both the transform and mix commands share one implementation and
// one set of tests.
package resample

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	wav "github.com/youpy/go-wav"
	soxr "github.com/zaf/resample"

	"github.com/drgolem/trackmixer/pkg/types"
)

// ToPCM16 converts one float32 sample in [-1, 1] to a clamped 16-bit
// PCM value.
func ToPCM16(f float32) int16 {
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	return int16(f * 32767)
}

// DecodeAllPCM16 drains decoder to end-of-stream, converting every
// frame to 16-bit little-endian PCM, the format both soxr.I16 and
// go-wav expect. Returns the encoded bytes and the total frame count.
func DecodeAllPCM16(decoder types.Decoder, channels int) ([]byte, int, error) {
	const bufferFrames = 4096
	frameBuf := make([]float32, bufferFrames*channels)
	byteBuf := make([]byte, bufferFrames*channels*2)

	pcm := make([]byte, 0, len(byteBuf)*10)
	totalFrames := 0

	for {
		framesRead, eof, err := decoder.ReadFrames(frameBuf)
		if err != nil {
			return nil, 0, fmt.Errorf("resample: decode: %w", err)
		}

		if framesRead > 0 {
			n := framesRead * channels
			for i := 0; i < n; i++ {
				v := ToPCM16(frameBuf[i])
				byteBuf[i*2] = byte(v)
				byteBuf[i*2+1] = byte(v >> 8)
			}
			pcm = append(pcm, byteBuf[:n*2]...)
			totalFrames += framesRead
		}

		if eof || framesRead == 0 {
			break
		}
	}

	return pcm, totalFrames, nil
}

// Convert resamples 16-bit little-endian PCM audio using SoXR
// (high-quality). Returns audioData unchanged if fromRate == toRate.
func Convert(audioData []byte, fromRate, toRate, channels int) ([]byte, error) {
	if fromRate == toRate {
		return audioData, nil
	}

	var out bytes.Buffer
	bufWriter := bufio.NewWriter(&out)

	resampler, err := soxr.New(
		bufWriter,
		float64(fromRate),
		float64(toRate),
		channels,
		soxr.I16,
		soxr.HighQ,
	)
	if err != nil {
		return nil, fmt.Errorf("resample: new resampler: %w", err)
	}

	if _, err := resampler.Write(audioData); err != nil {
		resampler.Close()
		return nil, fmt.Errorf("resample: write: %w", err)
	}
	if err := resampler.Close(); err != nil {
		return nil, fmt.Errorf("resample: close: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return nil, fmt.Errorf("resample: flush: %w", err)
	}

	return out.Bytes(), nil
}

// ToMono16 downmixes interleaved 16-bit PCM to mono by averaging
// channels. Returns data unchanged if channels == 1.
func ToMono16(data []byte, channels int) []byte {
	if channels <= 1 {
		return data
	}

	mono := make([]byte, 0, len(data)/channels)
	idx := 0
	for idx+2*channels <= len(data) {
		sum := int32(0)
		for ch := 0; ch < channels; ch++ {
			sample := int16(binary.LittleEndian.Uint16(data[idx : idx+2]))
			sum += int32(sample)
			idx += 2
		}
		avg := int16(sum / int32(channels))
		mono = append(mono, byte(avg), byte(avg>>8))
	}
	return mono
}

// FloatBytesToPCM16 converts a block of interleaved float32
// little-endian bytes (as Mixer.RenderOffline produces) to 16-bit PCM
// bytes.
func FloatBytesToPCM16(floatBytes []byte) []byte {
	frameCount := len(floatBytes) / 4
	pcm := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		bits := binary.LittleEndian.Uint32(floatBytes[i*4 : i*4+4])
		f := math.Float32frombits(bits)
		v := ToPCM16(f)
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm
}

// WriteWAVFile writes 16-bit (or other bitsPerSample) PCM audio data
// to a standard WAV container.
func WriteWAVFile(fileName string, audioData []byte, numSamples uint32, numChannels uint16, sampleRate uint32, bitsPerSample uint16) error {
	fOut, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("resample: create output file: %w", err)
	}
	defer fOut.Close()

	wavWriter := wav.NewWriter(fOut, numSamples, numChannels, sampleRate, bitsPerSample)
	if _, err := wavWriter.Write(audioData); err != nil {
		return fmt.Errorf("resample: write WAV data: %w", err)
	}
	return nil
}
