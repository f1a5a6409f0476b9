package server

import (
	"context"
	"time"

	"aleph/protocol"

	"github.com/rs/zerolog/log"
)

// Supervisor probes every registered session once per interval and evicts
// the ones whose probe fails or that have been silent past onlineTimeout.
type Supervisor struct {
	registry      *Registry
	router        *Router
	metrics       *Metrics
	interval      time.Duration
	onlineTimeout time.Duration
	now           func() time.Time
}

func NewSupervisor(registry *Registry, router *Router, metrics *Metrics, interval, onlineTimeout time.Duration) *Supervisor {
	return &Supervisor{
		registry:      registry,
		router:        router,
		metrics:       metrics,
		interval:      interval,
		onlineTimeout: onlineTimeout,
		now:           time.Now,
	}
}

func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one probe round and returns the number of heartbeats sent.
func (s *Supervisor) Tick(ctx context.Context) int {
	now := s.now()
	sent := 0
	for _, sess := range s.registry.Sessions() {
		if s.onlineTimeout > 0 && now.Sub(sess.LastSeen) > s.onlineTimeout {
			s.evict(ctx, sess, "silent")
			continue
		}

		err := sess.Conn.Send(&protocol.Envelope{
			Kind:      protocol.KindHeartbeat,
			UserID:    sess.UserID,
			Timestamp: protocol.Timestamp(now),
		})
		if err != nil {
			log.Warn().Str("module", "heartbeat").Str("user", sess.UserID).Err(err).Msg("heartbeat send failed")
			s.evict(ctx, sess, "send_failed")
			continue
		}
		s.metrics.Envelopes.WithLabelValues("out", string(protocol.KindHeartbeat)).Inc()
		sent++
	}
	return sent
}

func (s *Supervisor) evict(ctx context.Context, sess Session, cause string) {
	if !s.router.Disconnect(ctx, sess.UserID, sess.Conn, "heartbeat:"+cause) {
		return
	}
	sess.Conn.Close()
	s.metrics.Evictions.WithLabelValues(cause).Inc()
	log.Info().
		Str("module", "heartbeat").
		Str("user", sess.UserID).
		Str("peer", sess.PeerAddress).
		Str("cause", cause).
		Time("last_seen", sess.LastSeen).
		Msg("session evicted")
}
