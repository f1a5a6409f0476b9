package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ServeControl answers management commands on a unix socket until ctx is
// done. One line in, one line out:
//
//	stats          -> OK|connections=...,sessions=...,calls=...,users=a;b
//	kick|<user>    -> OK|kicked <user> or ERROR|...
//	shutdown       -> OK|Shutting down, then stops the server
func (s *Server) ServeControl(ctx context.Context, path string) error {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control socket %s: %w", path, err)
	}
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info().Str("module", "control").Str("path", path).Msg("control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Str("module", "control").Err(err).Msg("accept failed")
			continue
		}
		go s.handleControlCommand(ctx, conn)
	}
}

func (s *Server) handleControlCommand(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	conn.Write([]byte(s.ControlCommand(ctx, line) + "\n"))
}

// ControlCommand executes one control line and returns the reply line.
func (s *Server) ControlCommand(ctx context.Context, line string) string {
	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		return "OK|" + s.GetStats()

	case "kick":
		if len(parts) < 2 || parts[1] == "" {
			return "ERROR|kick requires a user id"
		}
		if !s.Kick(ctx, parts[1]) {
			return "ERROR|user " + parts[1] + " is not connected"
		}
		log.Info().Str("module", "control").Str("user", parts[1]).Msg("user kicked")
		return "OK|kicked " + parts[1]

	case "shutdown":
		log.Info().Str("module", "control").Msg("shutdown requested")
		s.Shutdown()
		return "OK|Shutting down"

	case "":
		return "ERROR|Invalid command"

	default:
		return "ERROR|Unknown command"
	}
}

// SendControl sends one command to a control socket and returns the reply.
func SendControl(path, command string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return "", fmt.Errorf("connect to control socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return strings.TrimSpace(reply), nil
}
