package server

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Session struct {
	UserID      string
	Conn        Endpoint
	PeerAddress string
	ConnectedAt time.Time
	LastSeen    time.Time
}

// SessionInfo is a Session without its connection.
type SessionInfo struct {
	UserID      string    `json:"user_id"`
	PeerAddress string    `json:"peer_address"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Registry maps user ids to their single live connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Register binds userID to conn. A different connection already bound to the
// user is replaced and closed. Registering the same connection again only
// refreshes lastSeen. It reports whether a previous connection was replaced.
func (r *Registry) Register(userID string, conn Endpoint) bool {
	now := r.now()

	r.mu.Lock()
	prev, ok := r.sessions[userID]
	if ok && prev.Conn == conn {
		prev.LastSeen = now
		r.mu.Unlock()
		return false
	}
	r.sessions[userID] = &Session{
		UserID:      userID,
		Conn:        conn,
		PeerAddress: conn.RemoteAddr(),
		ConnectedAt: now,
		LastSeen:    now,
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	log.Info().
		Str("module", "registry").
		Str("user", userID).
		Str("old_peer", prev.PeerAddress).
		Str("new_peer", conn.RemoteAddr()).
		Msg("session replaced")
	prev.Conn.Close()
	return true
}

// Unregister removes the user's session regardless of which connection owns it.
func (r *Registry) Unregister(userID string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, userID)
	return sess.Conn, true
}

// UnregisterConn removes the session only while conn still owns it.
func (r *Registry) UnregisterConn(userID string, conn Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID]
	if !ok || sess.Conn != conn {
		return false
	}
	delete(r.sessions, userID)
	return true
}

func (r *Registry) Lookup(userID string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[userID]
	if !ok {
		return nil, false
	}
	return sess.Conn, true
}

// Touch refreshes lastSeen if conn owns the user's session.
func (r *Registry) Touch(userID string, conn Endpoint) {
	now := r.now()
	r.mu.Lock()
	if sess, ok := r.sessions[userID]; ok && sess.Conn == conn {
		sess.LastSeen = now
	}
	r.mu.Unlock()
}

// AllUserIDs returns the registered ids, sorted.
func (r *Registry) AllUserIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Sessions returns a copy of every session, sorted by user id.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) Snapshot() []SessionInfo {
	sessions := r.Sessions()
	out := make([]SessionInfo, len(sessions))
	for i, sess := range sessions {
		out[i] = SessionInfo{
			UserID:      sess.UserID,
			PeerAddress: sess.PeerAddress,
			ConnectedAt: sess.ConnectedAt,
			LastSeen:    sess.LastSeen,
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
