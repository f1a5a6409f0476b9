// Package portaudio implements audio.Device on top of the PortAudio default
// input and output devices.
package portaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"aleph/audio"

	pa "github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog/log"
)

type Device struct{}

// Open initializes PortAudio. Close must be called once the device is no
// longer used.
func Open() (*Device, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &Device{}, nil
}

func (d *Device) Close() error {
	return pa.Terminate()
}

func (d *Device) OpenInput(f audio.Format) (audio.InputStream, error) {
	samples := make([]int16, f.ChunkSize*f.Channels)
	stream, err := pa.OpenDefaultStream(f.Channels, 0, float64(f.SampleRate), f.ChunkSize, samples)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	return &inputStream{stream: stream, samples: samples}, nil
}

func (d *Device) OpenOutput(f audio.Format) (audio.OutputStream, error) {
	samples := make([]int16, f.ChunkSize*f.Channels)
	stream, err := pa.OpenDefaultStream(0, f.Channels, float64(f.SampleRate), f.ChunkSize, samples)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	return &outputStream{stream: stream, samples: samples}, nil
}

type inputStream struct {
	mu      sync.Mutex
	stream  *pa.Stream
	samples []int16
	closed  bool
}

func (s *inputStream) Read(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrStreamClosed
	}

	if err := s.stream.Read(); err != nil {
		if !errors.Is(err, pa.InputOverflowed) {
			return err
		}
		log.Debug().Str("module", "portaudio").Msg("input overflowed")
	}
	encodeSamples(frame, s.samples)
	return nil
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.Stop()
	return s.stream.Close()
}

type outputStream struct {
	mu      sync.Mutex
	stream  *pa.Stream
	samples []int16
	closed  bool
}

func (s *outputStream) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrStreamClosed
	}

	decodeSamples(s.samples, frame)
	if err := s.stream.Write(); err != nil {
		if !errors.Is(err, pa.OutputUnderflowed) {
			return err
		}
		log.Debug().Str("module", "portaudio").Msg("output underflowed")
	}
	return nil
}

func (s *outputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.Stop()
	return s.stream.Close()
}

// encodeSamples writes samples into frame as int16 little endian.
func encodeSamples(frame []byte, samples []int16) {
	for i, v := range samples {
		if 2*i+1 >= len(frame) {
			return
		}
		binary.LittleEndian.PutUint16(frame[2*i:], uint16(v))
	}
}

// decodeSamples fills samples from frame, padding with silence when the
// frame is short.
func decodeSamples(samples []int16, frame []byte) {
	for i := range samples {
		if 2*i+1 < len(frame) {
			samples[i] = int16(binary.LittleEndian.Uint16(frame[2*i:]))
		} else {
			samples[i] = 0
		}
	}
}
