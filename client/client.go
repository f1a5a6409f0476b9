// Package client is the signalling side of the relay protocol: it connects to
// the server, announces presence and dispatches inbound envelopes to handlers
// registered per kind.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"aleph/protocol"

	"github.com/rs/zerolog/log"
)

var ErrNotConnected = errors.New("not connected")

type Handler func(env *protocol.Envelope)

type Client struct {
	userID            string
	heartbeatInterval time.Duration
	writeTimeout      time.Duration

	conn   net.Conn
	sendMu sync.Mutex

	mu           sync.Mutex
	handlers     map[protocol.Kind][]Handler
	onDisconnect []func(error)
	connected    bool
	lastAck      time.Time

	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Client)

// WithHeartbeat makes the client send its own heartbeat every interval.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = interval }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

func New(userID string, opts ...Option) *Client {
	c := &Client{
		userID:       userID,
		writeTimeout: 10 * time.Second,
		handlers:     make(map[protocol.Kind][]Handler),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) UserID() string {
	return c.userID
}

// Connect dials the server and starts reading. It does not announce presence;
// call Online for that.
func (c *Client) Connect(ctx context.Context, addr string) error {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	c.attach(conn)
	log.Info().Str("module", "client").Str("addr", addr).Str("user", c.userID).Msg("connected")
	return nil
}

func (c *Client) attach(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastAck = time.Now()
	c.mu.Unlock()

	go c.readLoop()
	if c.heartbeatInterval > 0 {
		go c.heartbeatLoop()
	}
}

// Disconnect announces the user offline and closes the connection.
func (c *Client) Disconnect() error {
	if !c.IsConnected() {
		return nil
	}
	c.Offline()
	return c.close(nil)
}

func (c *Client) close(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		callbacks := append([]func(error){}, c.onDisconnect...)
		c.mu.Unlock()

		close(c.done)
		err = c.conn.Close()
		for _, fn := range callbacks {
			fn(cause)
		}
	})
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastAck is when the server last answered a heartbeat.
func (c *Client) LastAck() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck
}

func (c *Client) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// OnEnvelope registers a handler for kind. Handlers run on the read
// goroutine in arrival order and must not block for long.
func (c *Client) OnEnvelope(kind protocol.Kind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

// OnDisconnect registers fn to run once when the connection ends. cause is
// nil after a local Disconnect.
func (c *Client) OnDisconnect(fn func(cause error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

func (c *Client) readLoop() {
	dec := protocol.NewDecoder(c.conn, protocol.DefaultChunkSize, protocol.DefaultMaxFrame)
	for {
		env, err := dec.Next()
		if err != nil {
			var decErr *protocol.DecodeError
			if errors.As(err, &decErr) {
				log.Warn().Str("module", "client").Err(decErr.Err).Msg("malformed frame dropped")
				continue
			}
			if c.IsConnected() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Str("module", "client").Err(err).Msg("connection lost")
			}
			if !c.IsConnected() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			c.close(err)
			return
		}

		switch env.Kind {
		case protocol.KindHeartbeat:
			if err := c.Send(&protocol.Envelope{Kind: protocol.KindHeartbeatAck, Timestamp: protocol.Now()}); err != nil {
				log.Debug().Str("module", "client").Err(err).Msg("heartbeat ack failed")
			}
		case protocol.KindHeartbeatAck:
			c.mu.Lock()
			c.lastAck = time.Now()
			c.mu.Unlock()
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	c.mu.Lock()
	handlers := c.handlers[env.Kind]
	c.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.Heartbeat()
		}
	}
}

// Send writes one envelope to the server.
func (c *Client) Send(env *protocol.Envelope) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("send %s: %w", env.Kind, err)
	}
	return nil
}

// Online announces this user; the server binds the connection to it.
func (c *Client) Online() error {
	return c.Send(&protocol.Envelope{Kind: protocol.KindStatusUpdate, UserID: c.userID, IsOnline: protocol.Bool(true)})
}

func (c *Client) Offline() error {
	return c.Send(&protocol.Envelope{Kind: protocol.KindStatusUpdate, UserID: c.userID, IsOnline: protocol.Bool(false)})
}

func (c *Client) Heartbeat() error {
	return c.Send(&protocol.Envelope{Kind: protocol.KindHeartbeat, UserID: c.userID, Timestamp: protocol.Now()})
}

// SendMessage sends text to a user. The server echoes it back once stored.
func (c *Client) SendMessage(to, text string) error {
	return c.Send(&protocol.Envelope{
		Kind:        protocol.KindMessage,
		SenderID:    c.userID,
		ReceiverID:  to,
		MessageText: text,
		Timestamp:   protocol.Now(),
	})
}

func (c *Client) RequestUsers() error {
	return c.Send(&protocol.Envelope{Kind: protocol.KindUserListRequest, UserID: c.userID})
}

// RequestHistory asks for the conversation with peer. A zero since returns
// the latest limit messages.
func (c *Client) RequestHistory(peer string, since time.Time, limit int) error {
	env := &protocol.Envelope{Kind: protocol.KindHistoryRequest, UserID: c.userID, PeerID: peer, Limit: limit}
	if !since.IsZero() {
		env.Since = protocol.Timestamp(since)
	}
	return c.Send(env)
}

func (c *Client) AddContact(contactID string) error {
	return c.Send(&protocol.Envelope{Kind: protocol.KindContactAdd, UserID: c.userID, ContactID: contactID})
}

func (c *Client) RequestContacts() error {
	return c.Send(&protocol.Envelope{Kind: protocol.KindContactListRequest, UserID: c.userID})
}

// RequestCall rings receiver. audioAddr is where we listen for the peer's audio.
func (c *Client) RequestCall(receiver, audioAddr string) error {
	return c.Send(&protocol.Envelope{
		Kind:       protocol.KindCallRequest,
		CallerID:   c.userID,
		ReceiverID: receiver,
		AudioAddr:  audioAddr,
		Timestamp:  protocol.Now(),
	})
}

func (c *Client) RespondCall(caller string, accepted bool, audioAddr string) error {
	return c.Send(&protocol.Envelope{
		Kind:       protocol.KindCallResponse,
		CallerID:   caller,
		ReceiverID: c.userID,
		Accepted:   protocol.Bool(accepted),
		AudioAddr:  audioAddr,
		Timestamp:  protocol.Now(),
	})
}

func (c *Client) EndCall(callerID, receiverID string) error {
	return c.Send(&protocol.Envelope{
		Kind:       protocol.KindCallEnd,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Timestamp:  protocol.Now(),
	})
}
