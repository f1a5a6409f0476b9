package client

import (
	"context"
	"net"
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

const waitFor = 2 * time.Second

// pipeServer is the far end of a net.Pipe standing in for the relay.
type pipeServer struct {
	t     *testing.T
	conn  net.Conn
	inbox chan *protocol.Envelope
}

func newPipeClient(t *testing.T, userID string) (*Client, *pipeServer) {
	t.Helper()
	local, remote := net.Pipe()
	c := New(userID, WithWriteTimeout(waitFor))
	c.attach(local)

	ps := &pipeServer{t: t, conn: remote, inbox: make(chan *protocol.Envelope, 64)}
	go func() {
		dec := protocol.NewDecoder(remote, 0, 0)
		for {
			env, err := dec.Next()
			if err != nil {
				close(ps.inbox)
				return
			}
			ps.inbox <- env
		}
	}()
	t.Cleanup(func() {
		c.close(nil)
		remote.Close()
	})
	return c, ps
}

func (ps *pipeServer) send(env *protocol.Envelope) {
	ps.t.Helper()
	b, err := protocol.Encode(env)
	require.NoError(ps.t, err)
	ps.conn.SetWriteDeadline(time.Now().Add(waitFor))
	_, err = ps.conn.Write(b)
	require.NoError(ps.t, err)
}

func (ps *pipeServer) expect(kind protocol.Kind) *protocol.Envelope {
	ps.t.Helper()
	select {
	case env, ok := <-ps.inbox:
		require.True(ps.t, ok, "connection closed while waiting for %s", kind)
		require.Equal(ps.t, kind, env.Kind)
		return env
	case <-time.After(waitFor):
		ps.t.Fatalf("timed out waiting for %s", kind)
		return nil
	}
}

func TestOnlineAnnouncesUser(t *testing.T) {
	c, ps := newPipeClient(t, "alice")

	require.NoError(t, c.Online())
	env := ps.expect(protocol.KindStatusUpdate)
	assert.Equal(t, "alice", env.UserID)
	assert.True(t, env.Online())

	require.NoError(t, c.Offline())
	env = ps.expect(protocol.KindStatusUpdate)
	assert.False(t, env.Online())
}

func TestRequestsCarryFields(t *testing.T) {
	c, ps := newPipeClient(t, "alice")

	require.NoError(t, c.SendMessage("bob", "hi"))
	env := ps.expect(protocol.KindMessage)
	assert.Equal(t, "alice", env.SenderID)
	assert.Equal(t, "bob", env.ReceiverID)
	assert.Equal(t, "hi", env.MessageText)
	assert.NotZero(t, env.Timestamp)

	since := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, c.RequestHistory("bob", since, 20))
	env = ps.expect(protocol.KindHistoryRequest)
	assert.Equal(t, "bob", env.PeerID)
	assert.Equal(t, 20, env.Limit)
	assert.Equal(t, since, protocol.Time(env.Since))

	require.NoError(t, c.RequestHistory("bob", time.Time{}, 0))
	env = ps.expect(protocol.KindHistoryRequest)
	assert.Zero(t, env.Since)

	require.NoError(t, c.RequestCall("bob", "10.0.0.1:5000"))
	env = ps.expect(protocol.KindCallRequest)
	assert.Equal(t, "alice", env.CallerID)
	assert.Equal(t, "10.0.0.1:5000", env.AudioAddr)

	require.NoError(t, c.RespondCall("carol", false, ""))
	env = ps.expect(protocol.KindCallResponse)
	assert.Equal(t, "carol", env.CallerID)
	assert.Equal(t, "alice", env.ReceiverID)
	require.NotNil(t, env.Accepted)
	assert.False(t, *env.Accepted)

	require.NoError(t, c.EndCall("alice", "bob"))
	ps.expect(protocol.KindCallEnd)

	require.NoError(t, c.AddContact("bob"))
	assert.Equal(t, "bob", ps.expect(protocol.KindContactAdd).ContactID)
	require.NoError(t, c.RequestContacts())
	ps.expect(protocol.KindContactListRequest)
	require.NoError(t, c.RequestUsers())
	ps.expect(protocol.KindUserListRequest)
}

func TestServerHeartbeatIsAcknowledged(t *testing.T) {
	c, ps := newPipeClient(t, "alice")
	seen := make(chan struct{}, 1)
	c.OnEnvelope(protocol.KindHeartbeat, func(*protocol.Envelope) { seen <- struct{}{} })

	ps.send(&protocol.Envelope{Kind: protocol.KindHeartbeat, UserID: "alice"})
	ps.expect(protocol.KindHeartbeatAck)

	select {
	case <-seen:
	case <-time.After(waitFor):
		t.Fatal("heartbeat handler not called")
	}
}

func TestHandlersRunInArrivalOrder(t *testing.T) {
	c, ps := newPipeClient(t, "alice")

	var mu sync.Mutex
	var got []string
	record := func(env *protocol.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env.MessageText)
	}
	c.OnEnvelope(protocol.KindMessage, record)

	for _, text := range []string{"one", "two", "three"} {
		ps.send(&protocol.Envelope{Kind: protocol.KindMessage, SenderID: "bob", ReceiverID: "alice", MessageText: text})
	}
	ps.conn.Write([]byte("{broken\n"))
	ps.send(&protocol.Envelope{Kind: protocol.KindMessage, SenderID: "bob", ReceiverID: "alice", MessageText: "four"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three", "four"}, got)
	assert.True(t, c.IsConnected())
}

func TestRemoteCloseNotifies(t *testing.T) {
	c, ps := newPipeClient(t, "alice")
	causes := make(chan error, 1)
	c.OnDisconnect(func(cause error) { causes <- cause })

	ps.conn.Close()

	select {
	case cause := <-causes:
		assert.Error(t, cause)
	case <-time.After(waitFor):
		t.Fatal("disconnect not reported")
	}
	<-c.Done()
	assert.ErrorIs(t, c.Send(&protocol.Envelope{Kind: protocol.KindHeartbeat}), ErrNotConnected)
}

func TestDisconnectAnnouncesOffline(t *testing.T) {
	c, ps := newPipeClient(t, "alice")
	causes := make(chan error, 1)
	c.OnDisconnect(func(cause error) { causes <- cause })

	go c.Disconnect()
	env := ps.expect(protocol.KindStatusUpdate)
	assert.False(t, env.Online())

	select {
	case cause := <-causes:
		assert.NoError(t, cause)
	case <-time.After(waitFor):
		t.Fatal("disconnect not reported")
	}
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Disconnect())
}

func TestHeartbeatLoop(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	c := New("alice", WithHeartbeat(10*time.Millisecond))
	c.attach(local)
	defer c.close(nil)

	remote.SetReadDeadline(time.Now().Add(waitFor))
	env, err := protocol.NewDecoder(remote, 0, 0).Next()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindHeartbeat, env.Kind)
	assert.Equal(t, "alice", env.UserID)
}

func TestConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := New("alice")
	assert.Error(t, c.Connect(context.Background(), addr))
	assert.ErrorIs(t, c.Send(&protocol.Envelope{Kind: protocol.KindHeartbeat}), ErrNotConnected)
}

func TestChatThroughRelay(t *testing.T) {
	store, err := db.New(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer store.Close()

	srv := server.New(store, &server.ServerConfig{
		Addr:              "127.0.0.1:0",
		WriteTimeout:      waitFor,
		HeartbeatInterval: time.Hour,
		ShutdownTimeout:   time.Second,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	select {
	case <-srv.Ready():
	case <-time.After(waitFor):
		t.Fatal("server did not start")
	}
	addr := srv.Addr().String()

	alice := New("alice")
	require.NoError(t, alice.Connect(ctx, addr))
	defer alice.Disconnect()
	bob := New("bob")
	require.NoError(t, bob.Connect(ctx, addr))
	defer bob.Disconnect()

	inbox := make(chan *protocol.Envelope, 4)
	bob.OnEnvelope(protocol.KindMessage, func(env *protocol.Envelope) { inbox <- env })
	echo := make(chan *protocol.Envelope, 4)
	alice.OnEnvelope(protocol.KindMessage, func(env *protocol.Envelope) { echo <- env })

	require.NoError(t, alice.Online())
	require.NoError(t, bob.Online())
	require.Eventually(t, func() bool { return srv.Registry().Len() == 2 }, waitFor, 5*time.Millisecond)

	require.NoError(t, alice.SendMessage("bob", "hello"))
	for _, ch := range []chan *protocol.Envelope{inbox, echo} {
		select {
		case env := <-ch:
			assert.Equal(t, "hello", env.MessageText)
			assert.Equal(t, "alice", env.SenderID)
		case <-time.After(waitFor):
			t.Fatal("message not delivered")
		}
	}
}
