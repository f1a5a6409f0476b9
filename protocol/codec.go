package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	DefaultChunkSize = 4096
	DefaultMaxFrame  = 1 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrMissingKind   = errors.New("envelope has no type")
)

// DecodeError reports a frame that was delimited correctly but could not be
// decoded. The stream itself is still usable.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes env as one newline-terminated JSON frame.
func Encode(env *Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses a single frame without its delimiter.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	if env.Kind == "" {
		return nil, ErrMissingKind
	}
	return &env, nil
}

// Decoder splits a byte stream, read in fixed-size chunks, into newline
// delimited envelopes. Not safe for concurrent use.
type Decoder struct {
	r        io.Reader
	buf      []byte
	pending  []byte
	maxFrame int
	err      error
}

func NewDecoder(r io.Reader, chunkSize, maxFrame int) *Decoder {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Decoder{
		r:        r,
		buf:      make([]byte, chunkSize),
		maxFrame: maxFrame,
	}
}

// Next returns the next envelope. A *DecodeError means one frame was dropped
// and Next may be called again; any other error is terminal.
func (d *Decoder) Next() (*Envelope, error) {
	for {
		if idx := bytes.IndexByte(d.pending, '\n'); idx >= 0 {
			frame := bytes.TrimSpace(d.pending[:idx])
			if len(frame) > d.maxFrame {
				return nil, ErrFrameTooLarge
			}
			var env *Envelope
			var err error
			if len(frame) > 0 {
				env, err = Decode(frame)
				if err != nil {
					err = &DecodeError{Frame: append([]byte(nil), frame...), Err: err}
				}
			}
			n := copy(d.pending, d.pending[idx+1:])
			d.pending = d.pending[:n]
			if err != nil {
				return nil, err
			}
			if env != nil {
				return env, nil
			}
			continue
		}

		if len(d.pending) > d.maxFrame {
			return nil, ErrFrameTooLarge
		}
		if d.err != nil {
			return nil, d.err
		}

		n, err := d.r.Read(d.buf)
		if n > 0 {
			d.pending = append(d.pending, d.buf[:n]...)
		}
		if err != nil {
			d.err = err
		}
	}
}
