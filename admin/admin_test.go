package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"aleph/db"
	"aleph/protocol"
	"aleph/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEndpoint struct {
	addr   string
	mu     sync.Mutex
	closed bool
}

func (e *stubEndpoint) Send(*protocol.Envelope) error { return nil }

func (e *stubEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *stubEndpoint) RemoteAddr() string { return e.addr }

func (e *stubEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func setupAdmin(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := server.New(store, &server.ServerConfig{Addr: "127.0.0.1:0", CallTimeout: time.Minute}, nil)
	ts := httptest.NewServer(New(srv).Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHealthz(t *testing.T) {
	srv, ts := setupAdmin(t)
	srv.Registry().Register("alice", &stubEndpoint{addr: "10.0.0.1:4000"})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["sessions"])
}

func TestSessionsSnapshot(t *testing.T) {
	srv, ts := setupAdmin(t)
	srv.Registry().Register("bob", &stubEndpoint{addr: "10.0.0.2:4000"})
	srv.Registry().Register("alice", &stubEndpoint{addr: "10.0.0.1:4000"})

	resp, err := http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var sessions []server.SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 2)
	assert.Equal(t, "alice", sessions[0].UserID)
	assert.Equal(t, "10.0.0.1:4000", sessions[0].PeerAddress)
	assert.Equal(t, "bob", sessions[1].UserID)
}

func TestKickSession(t *testing.T) {
	srv, ts := setupAdmin(t)
	ep := &stubEndpoint{addr: "10.0.0.1:4000"}
	srv.Registry().Register("alice", ep)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/alice", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, srv.Registry().Len())
	assert.True(t, ep.isClosed())

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCalls(t *testing.T) {
	srv, ts := setupAdmin(t)
	_, err := srv.Calls().Request("alice", "bob")
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/calls")
	require.NoError(t, err)
	defer resp.Body.Close()

	var calls []callInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&calls))
	require.Len(t, calls, 1)
	assert.Equal(t, "alice", calls[0].CallerID)
	assert.Equal(t, "requested", calls[0].State)
	assert.NotEmpty(t, calls[0].ID)
	assert.False(t, calls[0].ExpiresAt.IsZero())
}

func TestMetrics(t *testing.T) {
	srv, ts := setupAdmin(t)
	srv.Metrics().Sessions.Set(3)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "aleph_registered_sessions 3")
	assert.Contains(t, string(body), "go_goroutines")
}
