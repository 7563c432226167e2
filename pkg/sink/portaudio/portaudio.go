// Package portaudio adapts github.com/drgolem/go-portaudio into the
// mixer's types.Engine sink contract. Grounded on the stream
// lifecycle in the teacher's audioplayer.Player (initStream/Write),
// adapted from a byte-oriented producer/consumer player into a
// blocking float32 Send called once per mixer iteration.
//
// The binding's confirmed sample formats (seen throughout the
// teacher's examples) are the fixed-point Int16/Int24/Int32 formats;
// no caller in the retrieved pack exercises a float32 PortAudio
// format, so this sink converts the mixer's internal float32 samples
// to 16-bit PCM at the stream boundary rather than guess at an
// unconfirmed format constant.
package portaudio

import (
	"fmt"
	"sync"

	paapi "github.com/drgolem/go-portaudio/portaudio"
)

// Config mirrors the teacher's Player Config for the output stream.
type Config struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	DeviceIndex     int
}

// DefaultConfig matches the teacher's DefaultConfig tuning.
func DefaultConfig() Config {
	return Config{
		SampleRate:      48000,
		Channels:        2,
		FramesPerBuffer: 512,
		DeviceIndex:     1,
	}
}

// Sink is a types.Engine backed by a PortAudio output stream.
type Sink struct {
	stream *paapi.PaStream
	mu     sync.Mutex

	channels int
	pcmBuf   []int16 // reused conversion scratch, sized once
	byteBuf  []byte
}

// Open creates and starts a PortAudio output stream for cfg.
func Open(cfg Config) (*Sink, error) {
	outParams := paapi.PaStreamParameters{
		DeviceIndex:  cfg.DeviceIndex,
		ChannelCount: cfg.Channels,
		SampleFormat: paapi.SampleFmtInt16,
	}

	stream, err := paapi.NewStream(outParams, float64(cfg.SampleRate))
	if err != nil {
		return nil, fmt.Errorf("portaudio sink: new stream: %w", err)
	}
	if err := stream.Open(cfg.FramesPerBuffer); err != nil {
		return nil, fmt.Errorf("portaudio sink: open stream: %w", err)
	}
	if err := stream.StartStream(); err != nil {
		return nil, fmt.Errorf("portaudio sink: start stream: %w", err)
	}

	return &Sink{
		stream:   stream,
		channels: cfg.Channels,
		pcmBuf:   make([]int16, cfg.FramesPerBuffer*cfg.Channels),
		byteBuf:  make([]byte, cfg.FramesPerBuffer*cfg.Channels*2),
	}, nil
}

// Send blocks for approximately one block's worth of wall-clock time,
// the mixer's only blocking operation in Real-time mode (§4.7 step 5).
func (s *Sink) Send(frames []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cap(s.pcmBuf) < len(frames) {
		s.pcmBuf = make([]int16, len(frames))
	}
	pcm := s.pcmBuf[:len(frames)]
	for i, f := range frames {
		pcm[i] = floatToInt16(f)
	}

	if cap(s.byteBuf) < len(pcm)*2 {
		s.byteBuf = make([]byte, len(pcm)*2)
	}
	buf := s.byteBuf[:len(pcm)*2]
	for i, v := range pcm {
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(v >> 8)
	}

	frameCount := len(frames) / s.channels
	return s.stream.Write(frameCount, buf)
}

// Receive is not supported by this output-only sink; device
// enumeration and input capture are out of scope (§6).
func (s *Sink) Receive(int) ([]float32, error) {
	return nil, fmt.Errorf("portaudio sink: input capture not supported")
}

// Close stops and closes the underlying stream.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stream.StopStream(); err != nil {
		return fmt.Errorf("portaudio sink: stop stream: %w", err)
	}
	return s.stream.Close()
}

func floatToInt16(f float32) int16 {
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	return int16(f * 32767)
}

