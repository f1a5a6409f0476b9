package server

import (
	"context"
	"net"
	"testing"
	"time"

	"aleph/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(store *fakeStore, onlineTimeout time.Duration) (*Supervisor, *Registry, *CallTable) {
	metrics := NewMetrics("test")
	registry := NewRegistry()
	calls := NewCallTable(0)
	router := NewRouter(registry, store, calls, metrics, nil)
	return NewSupervisor(registry, router, metrics, time.Second, onlineTimeout), registry, calls
}

func TestHeartbeatTickSendsOnePerSession(t *testing.T) {
	sup, registry, _ := newTestSupervisor(newFakeStore(), time.Minute)

	endpoints := map[string]*fakeEndpoint{}
	for _, id := range []string{"alice", "bob", "carol"} {
		endpoints[id] = newFakeEndpoint(id)
		registry.Register(id, endpoints[id])
	}

	assert.Equal(t, 3, sup.Tick(context.Background()))
	for id, ep := range endpoints {
		beats := ep.sentOf(protocol.KindHeartbeat)
		require.Len(t, beats, 1, id)
		assert.Equal(t, id, beats[0].UserID)
	}
	assert.Equal(t, 3, registry.Len())
}

func TestHeartbeatFailedSendEvicts(t *testing.T) {
	store := newFakeStore()
	sup, registry, _ := newTestSupervisor(store, time.Minute)

	alice := newFakeEndpoint("alice")
	bob := newFakeEndpoint("bob")
	registry.Register("alice", alice)
	registry.Register("bob", bob)
	bob.setFail(true)

	assert.Equal(t, 1, sup.Tick(context.Background()))

	_, ok := registry.Lookup("bob")
	assert.False(t, ok)
	assert.True(t, bob.isClosed())

	online, ok := store.lastStatus("bob")
	require.True(t, ok)
	assert.False(t, online)

	_, ok = registry.Lookup("alice")
	assert.True(t, ok)
}

func TestHeartbeatEvictsSilentSession(t *testing.T) {
	store := newFakeStore()
	sup, registry, _ := newTestSupervisor(store, time.Minute)

	alice := newFakeEndpoint("alice")
	registry.Register("alice", alice)
	sup.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	assert.Equal(t, 0, sup.Tick(context.Background()))
	assert.Empty(t, alice.sentOf(protocol.KindHeartbeat))
	assert.True(t, alice.isClosed())
	assert.Equal(t, 0, registry.Len())
}

func TestHeartbeatEvictionEndsCalls(t *testing.T) {
	sup, registry, calls := newTestSupervisor(newFakeStore(), time.Minute)

	alice := newFakeEndpoint("alice")
	bob := newFakeEndpoint("bob")
	registry.Register("alice", alice)
	registry.Register("bob", bob)
	_, err := calls.Request("alice", "bob")
	require.NoError(t, err)

	alice.setFail(true)
	sup.Tick(context.Background())

	ends := bob.sentOf(protocol.KindCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, protocol.ReasonPeerDisconnected, ends[0].Reason)
	assert.Equal(t, "alice", ends[0].CallerID)
	assert.Equal(t, 0, calls.Len())
}

func TestHeartbeatRunStopsOnCancel(t *testing.T) {
	sup, registry, _ := newTestSupervisor(newFakeStore(), 0)
	sup.interval = 10 * time.Millisecond

	alice := newFakeEndpoint("alice")
	registry.Register("alice", alice)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(alice.sentOf(protocol.KindHeartbeat)) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestHeartbeatTickDoesNotWaitOnStalledPeer(t *testing.T) {
	store := newFakeStore()
	sup, registry, _ := newTestSupervisor(store, time.Minute)

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	stalled := NewConn(serverSide, time.Hour, 0)
	defer stalled.Close()
	registry.Register("bob", stalled)
	alice := newFakeEndpoint("alice")
	registry.Register("alice", alice)

	done := make(chan int, 1)
	go func() { done <- sup.Tick(context.Background()) }()
	select {
	case sent := <-done:
		assert.Equal(t, 2, sent)
	case <-time.After(time.Second):
		t.Fatal("tick blocked on a peer that does not read")
	}
	assert.Len(t, alice.sentOf(protocol.KindHeartbeat), 1)
}
