package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"aleph/protocol"

	"github.com/rs/zerolog/log"
)

// DefaultSendQueue is how many encoded envelopes may wait for a slow client
// before its connection is dropped.
const DefaultSendQueue = 256

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Endpoint is the sending side of a client connection as seen by the
// registry, router and supervisor.
type Endpoint interface {
	Send(env *protocol.Envelope) error
	Close() error
	RemoteAddr() string
}

// Conn wraps a client net.Conn. Send only queues; a single write pump owns
// the socket, so frames never interleave and a slow reader never blocks the
// caller. Any write failure or queue overflow closes the connection, which
// ends its read loop and runs the offline path.
type Conn struct {
	conn         net.Conn
	writeTimeout time.Duration
	send         chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu     sync.Mutex
	userID string
}

func NewConn(c net.Conn, writeTimeout time.Duration, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultSendQueue
	}
	conn := &Conn{
		conn:         c,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queueSize),
		closed:       make(chan struct{}),
	}
	go conn.writePump()
	return conn
}

// Send queues env for the write pump. It never blocks.
func (c *Conn) Send(env *protocol.Envelope) error {
	b, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Kind, err)
	}

	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- b:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		log.Warn().Str("module", "conn").Str("peer", c.RemoteAddr()).Int("queued", len(c.send)).Msg("send queue full, dropping connection")
		c.Close()
		return ErrSendQueueFull
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case b := <-c.send:
			if c.writeTimeout > 0 {
				c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if _, err := c.conn.Write(b); err != nil {
				select {
				case <-c.closed:
				default:
					log.Warn().Str("module", "conn").Str("peer", c.RemoteAddr()).Str("user", c.UserID()).Err(err).Msg("write failed, dropping connection")
				}
				c.Close()
				return
			}
		}
	}
}

// Close is idempotent. Envelopes still queued are discarded.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// UserID is the user this connection last announced itself as.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) bind(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}
