package audio

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Receiver reads PCM datagrams from a UDP socket into a RingBuffer.
type Receiver struct {
	conn      *net.UDPConn
	buf       *RingBuffer
	readSize  int
	closeOnce sync.Once
	done      chan struct{}
	received  atomic.Uint64
}

// ListenReceiver binds addr and starts receiving. Each read uses a buffer of
// twice the frame size so one full frame always fits.
func ListenReceiver(addr string, frameBytes int, buf *RingBuffer) (*Receiver, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if buf == nil {
		buf = NewRingBuffer(DefaultBufferFrames)
	}

	r := &Receiver{
		conn:     conn,
		buf:      buf,
		readSize: 2 * frameBytes,
		done:     make(chan struct{}),
	}
	log.Info().Str("module", "audio").Str("addr", conn.LocalAddr().String()).Msg("receiver listening")

	go r.loop()
	return r, nil
}

func (r *Receiver) loop() {
	defer close(r.done)

	packet := make([]byte, r.readSize)
	for {
		n, _, err := r.conn.ReadFromUDP(packet)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Str("module", "audio").Err(err).Msg("receive failed")
			continue
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, packet[:n])
		r.buf.Push(frame)
		r.received.Add(1)
	}
}

func (r *Receiver) Buffer() *RingBuffer {
	return r.buf
}

func (r *Receiver) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Received counts datagrams pushed into the buffer.
func (r *Receiver) Received() uint64 {
	return r.received.Load()
}

// Close stops the receive loop and waits for it.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.conn.Close()
		<-r.done
	})
	return err
}
