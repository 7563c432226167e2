package resample

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	wav "github.com/youpy/go-wav"
)

func TestToPCM16(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"half", 0.5, int16(0.5 * 32767)},
		{"clamp high", 2.0, 32767},
		{"clamp low", -2.0, -32767},
		{"negative half", -0.5, int16(-0.5 * 32767)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToPCM16(tt.in); got != tt.want {
				t.Errorf("ToPCM16(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestConvertSameRateIsNoop(t *testing.T) {
	in := []byte{1, 2, 3, 4, 5, 6}
	out, err := Convert(in, 48000, 48000, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("Convert with equal rates changed length: got %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("Convert with equal rates changed data at index %d", i)
		}
	}
}

func TestToMono16(t *testing.T) {
	// Two stereo frames: (100, 200), (-100, -300).
	stereo := make([]byte, 8)
	binary.LittleEndian.PutUint16(stereo[0:2], uint16(int16(100)))
	binary.LittleEndian.PutUint16(stereo[2:4], uint16(int16(200)))
	binary.LittleEndian.PutUint16(stereo[4:6], uint16(int16(-100)))
	binary.LittleEndian.PutUint16(stereo[6:8], uint16(int16(-300)))

	mono := ToMono16(stereo, 2)
	if len(mono) != 4 {
		t.Fatalf("ToMono16 length = %d, want 4", len(mono))
	}

	first := int16(binary.LittleEndian.Uint16(mono[0:2]))
	second := int16(binary.LittleEndian.Uint16(mono[2:4]))
	if first != 150 {
		t.Errorf("first averaged sample = %d, want 150", first)
	}
	if second != -200 {
		t.Errorf("second averaged sample = %d, want -200", second)
	}
}

func TestToMono16PassthroughWhenAlreadyMono(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	out := ToMono16(data, 1)
	if len(out) != len(data) {
		t.Fatalf("ToMono16 with channels=1 changed length: got %d, want %d", len(out), len(data))
	}
}

func TestFloatBytesToPCM16(t *testing.T) {
	floats := []float32{0, 0.5, -0.5, 1, -1}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(f))
	}

	pcm := FloatBytesToPCM16(buf)
	if len(pcm) != len(floats)*2 {
		t.Fatalf("FloatBytesToPCM16 length = %d, want %d", len(pcm), len(floats)*2)
	}

	for i, f := range floats {
		want := ToPCM16(f)
		got := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		if got != want {
			t.Errorf("frame %d: got %d, want %d", i, got, want)
		}
	}
}

func TestWriteWAVFileRoundTrip(t *testing.T) {
	const channels = 2
	const sampleRate = 44100
	const numFrames = 4

	pcm := make([]byte, numFrames*channels*2)
	for i := 0; i < numFrames*channels; i++ {
		v := int16(i * 1000)
		binary.LittleEndian.PutUint16(pcm[i*2:i*2+2], uint16(v))
	}

	outPath := filepath.Join(t.TempDir(), "out.wav")
	if err := WriteWAVFile(outPath, pcm, numFrames, channels, sampleRate, 16); err != nil {
		t.Fatalf("WriteWAVFile failed: %v", err)
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatalf("failed to reopen written WAV: %v", err)
	}
	defer f.Close()

	reader := wav.NewReader(f)
	format, err := reader.Format()
	if err != nil {
		t.Fatalf("failed to read WAV format: %v", err)
	}
	if int(format.SampleRate) != sampleRate {
		t.Errorf("sample rate = %d, want %d", format.SampleRate, sampleRate)
	}
	if int(format.NumChannels) != channels {
		t.Errorf("channels = %d, want %d", format.NumChannels, channels)
	}
	if format.BitsPerSample != 16 {
		t.Errorf("bits per sample = %d, want 16", format.BitsPerSample)
	}
}
