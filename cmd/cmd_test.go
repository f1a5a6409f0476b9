package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"aleph/audio"
	"aleph/client"
	"aleph/config"
	"aleph/db"
	"aleph/server"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	require.NoError(t, setupLogging(config.LogConfig{Level: "DEBUG", Format: "json"}))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	require.NoError(t, setupLogging(config.LogConfig{}))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	assert.Error(t, setupLogging(config.LogConfig{Level: "loud"}))
	assert.Error(t, setupLogging(config.LogConfig{Format: "xml"}))
}

func TestPrintControlReply(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	require.NoError(t, printControlReply(cmd, "OK|connections=2,sessions=1,calls=0,users=alice"))
	assert.Equal(t, "connections=2\nsessions=1\ncalls=0\nusers=alice\n", out.String())

	out.Reset()
	require.NoError(t, printControlReply(cmd, "OK|kicked bob"))
	assert.Equal(t, "kicked bob\n", out.String())

	assert.EqualError(t, printControlReply(cmd, "ERROR|user bob is not connected"), "user bob is not connected")
	assert.Error(t, printControlReply(cmd, "garbage"))
}

func TestRunServeAnswersControlSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "aleph")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	v, err := config.New("")
	require.NoError(t, err)
	c, err := config.FromViper(v)
	require.NoError(t, err)
	c.Server.Host = "127.0.0.1"
	c.Server.Port = 0
	c.Server.ControlSocket = filepath.Join(dir, "ctl.sock")
	c.Server.DefaultUsers = []string{"alice"}
	c.DB.Path = filepath.Join(dir, "serve.db")
	c.Admin.Addr = ""

	done := make(chan error, 1)
	go func() { done <- runServe(context.Background(), c) }()

	var reply string
	require.Eventually(t, func() bool {
		reply, err = server.SendControl(c.Server.ControlSocket, "stats")
		return err == nil
	}, waitFor, 20*time.Millisecond)
	assert.Equal(t, "OK|connections=0,sessions=0,calls=0,users=", reply)

	reply, err = server.SendControl(c.Server.ControlSocket, "shutdown")
	require.NoError(t, err)
	assert.Equal(t, "OK|Shutting down", reply)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("serve did not stop")
	}

	store, err := db.New(c.DB.Path)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.GetUser(context.Background(), "alice")
	assert.NoError(t, err)
}

func startRelay(t *testing.T) *server.Server {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := server.New(store, &server.ServerConfig{
		Addr:              "127.0.0.1:0",
		WriteTimeout:      waitFor,
		HeartbeatInterval: time.Hour,
		CallTimeout:       time.Minute,
		ShutdownTimeout:   time.Second,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)

	select {
	case <-srv.Ready():
	case <-time.After(waitFor):
		t.Fatal("relay did not start")
	}
	return srv
}

func connectSession(t *testing.T, srv *server.Server, userID string) (*chatSession, *syncBuffer) {
	t.Helper()
	c := client.New(userID)
	require.NoError(t, c.Connect(context.Background(), srv.Addr().String()))
	t.Cleanup(func() { c.Disconnect() })

	out := &syncBuffer{}
	s := newChatSession(c, out, nil, audio.CallOptions{})
	require.NoError(t, c.Online())
	return s, out
}

func waitOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return strings.Contains(out.String(), want) }, waitFor, 5*time.Millisecond,
		"output never contained %q, got:\n%s", want, out.String())
}

func TestChatSessionMessaging(t *testing.T) {
	srv := startRelay(t)
	alice, aliceOut := connectSession(t, srv, "alice")
	_, bobOut := connectSession(t, srv, "bob")
	require.Eventually(t, func() bool { return srv.Registry().Len() == 2 }, waitFor, 5*time.Millisecond)

	_, err := alice.handleLine("/msg bob hello  there")
	require.NoError(t, err)
	waitOutput(t, bobOut, "alice: hello  there")
	waitOutput(t, aliceOut, "you -> bob: hello  there")

	_, err = alice.handleLine("/history bob 5")
	require.NoError(t, err)
	waitOutput(t, aliceOut, "] alice: hello  there")

	_, err = alice.handleLine("/add bob")
	require.NoError(t, err)
	waitOutput(t, aliceOut, "* bob (bob)")
}

func TestChatSessionCall(t *testing.T) {
	srv := startRelay(t)
	alice, aliceOut := connectSession(t, srv, "alice")
	bob, bobOut := connectSession(t, srv, "bob")
	require.Eventually(t, func() bool { return srv.Registry().Len() == 2 }, waitFor, 5*time.Millisecond)

	_, err := alice.handleLine("/call bob")
	require.NoError(t, err)
	waitOutput(t, aliceOut, "calling bob...")
	waitOutput(t, bobOut, "incoming call from alice")

	_, err = bob.handleLine("/accept")
	require.NoError(t, err)
	waitOutput(t, bobOut, "call with alice started")
	waitOutput(t, aliceOut, "call with bob started")

	_, err = alice.handleLine("/hangup")
	require.NoError(t, err)
	waitOutput(t, bobOut, "call with alice ended")
	require.Eventually(t, func() bool { return srv.Calls().Len() == 0 }, waitFor, 5*time.Millisecond)

	_, err = bob.handleLine("/hangup")
	assert.EqualError(t, err, "no active call")
}

func TestChatSessionRejectedCall(t *testing.T) {
	srv := startRelay(t)
	alice, aliceOut := connectSession(t, srv, "alice")
	bob, bobOut := connectSession(t, srv, "bob")
	require.Eventually(t, func() bool { return srv.Registry().Len() == 2 }, waitFor, 5*time.Millisecond)

	_, err := alice.handleLine("/call bob")
	require.NoError(t, err)
	waitOutput(t, bobOut, "incoming call from alice")

	_, err = bob.handleLine("/reject")
	require.NoError(t, err)
	waitOutput(t, aliceOut, "call to bob rejected")

	_, err = bob.handleLine("/accept")
	assert.EqualError(t, err, "no incoming call")
}

func TestHandleLineUsage(t *testing.T) {
	s := &chatSession{client: client.New("alice"), out: &syncBuffer{}}

	quit, err := s.handleLine("   ")
	assert.False(t, quit)
	assert.NoError(t, err)

	_, err = s.handleLine("/msg bob")
	assert.ErrorContains(t, err, "usage")
	_, err = s.handleLine("/history bob many")
	assert.ErrorContains(t, err, "bad limit")
	_, err = s.handleLine("/dance")
	assert.ErrorContains(t, err, "unknown command")
	_, err = s.handleLine("/users")
	assert.ErrorIs(t, err, client.ErrNotConnected)

	quit, err = s.handleLine("/quit")
	assert.True(t, quit)
	assert.NoError(t, err)
}
