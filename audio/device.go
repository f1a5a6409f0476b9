// Package audio moves raw PCM between a sound device and the network: a
// capture loop reads frames from the microphone and sends them over UDP, a
// receiver queues incoming datagrams in a RingBuffer, and a playback loop
// drains that buffer into the speaker.
package audio

import (
	"errors"
)

// ErrStreamClosed is returned by a stream after Close. Loops treat it as the
// signal to exit rather than as a failure.
var ErrStreamClosed = errors.New("audio stream closed")

// Format describes the PCM layout. Samples are signed 16-bit little endian.
type Format struct {
	SampleRate int
	ChunkSize  int // samples per channel in one frame
	Channels   int
}

func DefaultFormat() Format {
	return Format{
		SampleRate: 44100,
		ChunkSize:  1024,
		Channels:   1,
	}
}

// FrameBytes is the size of one frame on the wire.
func (f Format) FrameBytes() int {
	return f.ChunkSize * f.Channels * 2
}

// InputStream delivers one frame per Read, blocking until it is available.
type InputStream interface {
	Read(frame []byte) error
	Close() error
}

// OutputStream plays one frame per Write. Short frames are padded with silence.
type OutputStream interface {
	Write(frame []byte) error
	Close() error
}

type Device interface {
	OpenInput(f Format) (InputStream, error)
	OpenOutput(f Format) (OutputStream, error)
}
