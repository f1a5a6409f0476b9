package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"aleph/db"
	"aleph/protocol"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrServerStarted is returned by Run on a server that has already run.
var ErrServerStarted = errors.New("server already started")

type Server struct {
	store      db.Store
	config     *ServerConfig
	registry   *Registry
	calls      *CallTable
	router     *Router
	supervisor *Supervisor
	metrics    *Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	cancel   context.CancelFunc
	ready    chan struct{}
	started  bool
	wg       sync.WaitGroup
}

type ServerConfig struct {
	Addr              string
	ReadChunk         int
	MaxFrameBytes     int
	WriteTimeout      time.Duration
	SendQueue         int
	MaxConnections    int
	HeartbeatInterval time.Duration
	OnlineTimeout     time.Duration
	CallTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

func New(store db.Store, config *ServerConfig, presence Presence) *Server {
	if config.ReadChunk <= 0 {
		config.ReadChunk = protocol.DefaultChunkSize
	}
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = protocol.DefaultMaxFrame
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}

	metrics := NewMetrics("aleph")
	registry := NewRegistry()
	calls := NewCallTable(config.CallTimeout)
	router := NewRouter(registry, store, calls, metrics, presence)

	return &Server{
		store:      store,
		config:     config,
		registry:   registry,
		calls:      calls,
		router:     router,
		supervisor: NewSupervisor(registry, router, metrics, config.HeartbeatInterval, config.OnlineTimeout),
		metrics:    metrics,
		conns:      make(map[*Conn]struct{}),
		ready:      make(chan struct{}),
	}
}

// Run listens on the configured address and serves until ctx is cancelled or
// Shutdown is called. Open connections are closed on the way out and their
// handlers get ShutdownTimeout to finish.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrServerStarted
	}
	s.started = true
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.listener = listener
	s.cancel = cancel
	s.mu.Unlock()
	close(s.ready)

	log.Info().Str("module", "server").Str("addr", listener.Addr().String()).Msg("relay started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop(gctx, listener)
	})
	g.Go(func() error {
		return s.supervisor.Run(gctx)
	})
	g.Go(func() error {
		s.calls.RunCleanup(gctx, CleanupInterval(s.config.CallTimeout), s.router.ExpireCall)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		listener.Close()
		s.closeAll()
		return nil
	})

	err = g.Wait()
	s.waitConnections(s.config.ShutdownTimeout)
	log.Info().Str("module", "server").Msg("relay stopped")
	return err
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops a running server.
func (s *Server) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Warn().Str("module", "server").Err(err).Msg("accept timeout")
				continue
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, netConn net.Conn) {
	conn := NewConn(netConn, s.config.WriteTimeout, s.config.SendQueue)
	remoteAddr := conn.RemoteAddr()

	if !s.track(ctx, conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	log.Debug().Str("module", "server").Str("peer", remoteAddr).Msg("client connected")

	defer func() {
		if userID := conn.UserID(); userID != "" {
			s.router.Disconnect(context.WithoutCancel(ctx), userID, conn, "disconnect")
		}
		conn.Close()
		log.Debug().Str("module", "server").Str("peer", remoteAddr).Str("user", conn.UserID()).Msg("client disconnected")
	}()

	dec := protocol.NewDecoder(netConn, s.config.ReadChunk, s.config.MaxFrameBytes)
	for {
		env, err := dec.Next()
		if err != nil {
			var decErr *protocol.DecodeError
			if errors.As(err, &decErr) {
				s.metrics.DroppedFrames.Inc()
				log.Warn().Str("module", "server").Str("peer", remoteAddr).Err(decErr.Err).Int("bytes", len(decErr.Frame)).Msg("malformed frame dropped")
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				log.Warn().Str("module", "server").Str("peer", remoteAddr).Err(err).Msg("read failed")
			}
			return
		}

		s.router.Dispatch(ctx, env, conn)
	}
}

// track records conn unless the server is stopping or full. The ctx check
// runs under the same lock closeAll takes, so a connection accepted during
// shutdown is either closed by closeAll or refused here.
func (s *Server) track(ctx context.Context, conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		log.Debug().Str("module", "server").Str("peer", conn.RemoteAddr()).Msg("connection refused during shutdown")
		return false
	}
	if s.config.MaxConnections > 0 && len(s.conns) >= s.config.MaxConnections {
		s.metrics.RejectedAccepts.Inc()
		log.Warn().Str("module", "server").Str("peer", conn.RemoteAddr()).Int("max", s.config.MaxConnections).Msg("connection limit reached")
		return false
	}
	s.conns[conn] = struct{}{}
	s.metrics.Connections.Set(float64(len(s.conns)))
	return true
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	s.metrics.Connections.Set(float64(len(s.conns)))
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) waitConnections(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn().Str("module", "server").Dur("timeout", timeout).Msg("connection handlers did not finish in time")
	}
}

// Kick closes userID's session as if the client had disconnected.
func (s *Server) Kick(ctx context.Context, userID string) bool {
	conn, ok := s.registry.Lookup(userID)
	if !ok {
		return false
	}
	s.router.Disconnect(ctx, userID, conn, "kick")
	conn.Close()
	return true
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Calls() *CallTable {
	return s.calls
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	users := s.registry.AllUserIDs()
	return "connections=" + strconv.Itoa(s.ConnectionCount()) +
		",sessions=" + strconv.Itoa(len(users)) +
		",calls=" + strconv.Itoa(s.calls.Len()) +
		",users=" + strings.Join(users, ";")
}
