package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"aleph/audio"
	"aleph/audio/portaudio"
	"aleph/client"
	"aleph/protocol"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	clientUser    string
	clientServer  string
	clientNoAudio bool
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Interactive chat and call client",
	Long: `Connects to a relay as --user and reads commands from stdin:

  /msg <user> <text>      send a message
  /users                  list users
  /history <user> [n]     show the conversation with a user
  /contacts               list contacts
  /add <user>             add a contact
  /call <user>            start a voice call
  /accept, /reject        answer an incoming call
  /hangup                 end the current call
  /quit                   disconnect`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if clientUser == "" {
			return errors.New("--user is required")
		}
		addr := clientServer
		if addr == "" {
			addr = cfg.Client.ServerAddr
		}

		var device audio.Device
		if !clientNoAudio {
			d, err := portaudio.Open()
			if err != nil {
				log.Warn().Str("module", "client").Err(err).Msg("audio disabled")
			} else {
				defer d.Close()
				device = d
			}
		}

		c := client.New(clientUser, client.WithWriteTimeout(cfg.Server.WriteTimeout))
		if err := c.Connect(cmd.Context(), addr); err != nil {
			return err
		}
		defer c.Disconnect()

		s := newChatSession(c, cmd.OutOrStdout(), device, audio.CallOptions{
			ListenAddr: cfg.Audio.ListenAddr,
			Format: audio.Format{
				SampleRate: cfg.Audio.SampleRate,
				ChunkSize:  cfg.Audio.ChunkSize,
				Channels:   cfg.Audio.Channels,
			},
			BufferFrames: cfg.Audio.BufferFrames,
		})
		defer s.stopCall()

		if err := c.Online(); err != nil {
			return err
		}
		return s.run(cmd.Context(), cmd.InOrStdin())
	},
}

func init() {
	clientCmd.Flags().StringVarP(&clientUser, "user", "u", "", "user id to sign in as")
	clientCmd.Flags().StringVarP(&clientServer, "server", "s", "", "relay address (default from client.server_addr)")
	clientCmd.Flags().BoolVar(&clientNoAudio, "no-audio", false, "signal calls without opening audio devices")
}

// chatSession renders inbound envelopes and turns typed commands into
// requests. It also owns the audio side of the current call.
type chatSession struct {
	client    *client.Client
	device    audio.Device
	audioOpts audio.CallOptions

	outMu sync.Mutex
	out   io.Writer

	mu       sync.Mutex
	call     *audio.Call
	callPeer string
	callerID string
	incoming *protocol.Envelope
}

func newChatSession(c *client.Client, out io.Writer, device audio.Device, opts audio.CallOptions) *chatSession {
	s := &chatSession{client: c, out: out, device: device, audioOpts: opts}

	c.OnEnvelope(protocol.KindMessage, s.onMessage)
	c.OnEnvelope(protocol.KindUserListResponse, s.onUserList)
	c.OnEnvelope(protocol.KindHistoryResponse, s.onHistory)
	c.OnEnvelope(protocol.KindContactListResponse, s.onContacts)
	c.OnEnvelope(protocol.KindCallRequest, s.onCallRequest)
	c.OnEnvelope(protocol.KindCallResponse, s.onCallResponse)
	c.OnEnvelope(protocol.KindCallEnd, s.onCallEnd)
	c.OnDisconnect(func(cause error) {
		if cause != nil {
			s.printf("connection lost: %v", cause)
		}
	})
	return s
}

func (s *chatSession) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.client.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := s.handleLine(line)
			if err != nil {
				s.printf("error: %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (s *chatSession) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

// handleLine runs one command. quit is true after /quit.
func (s *chatSession) handleLine(line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	switch name {
	case "/msg":
		if len(args) < 2 {
			return false, errors.New("usage: /msg <user> <text>")
		}
		_, text, _ := strings.Cut(strings.TrimSpace(line[len(name):]), args[0])
		text = strings.TrimSpace(text)
		return false, s.client.SendMessage(args[0], text)
	case "/users":
		return false, s.client.RequestUsers()
	case "/history":
		if len(args) < 1 {
			return false, errors.New("usage: /history <user> [n]")
		}
		limit := 0
		if len(args) > 1 {
			if limit, err = strconv.Atoi(args[1]); err != nil {
				return false, fmt.Errorf("bad limit %q", args[1])
			}
		}
		return false, s.client.RequestHistory(args[0], time.Time{}, limit)
	case "/contacts":
		return false, s.client.RequestContacts()
	case "/add":
		if len(args) != 1 {
			return false, errors.New("usage: /add <user>")
		}
		if err := s.client.AddContact(args[0]); err != nil {
			return false, err
		}
		return false, s.client.RequestContacts()
	case "/call":
		if len(args) != 1 {
			return false, errors.New("usage: /call <user>")
		}
		return false, s.startCall(args[0])
	case "/accept":
		return false, s.answer(true)
	case "/reject":
		return false, s.answer(false)
	case "/hangup":
		return false, s.hangup()
	case "/quit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
}

func (s *chatSession) onMessage(env *protocol.Envelope) {
	ts := protocol.Time(env.Timestamp).Local().Format(time.TimeOnly)
	if env.SenderID == s.client.UserID() && env.ReceiverID != s.client.UserID() {
		s.printf("[%s] you -> %s: %s", ts, env.ReceiverID, env.MessageText)
		return
	}
	s.printf("[%s] %s: %s", ts, env.SenderID, env.MessageText)
}

func (s *chatSession) onUserList(env *protocol.Envelope) {
	for _, u := range env.Users {
		s.printf("%s %s (%s)", onlineMark(u.IsOnline), u.UserID, u.DisplayName)
	}
}

func (s *chatSession) onHistory(env *protocol.Envelope) {
	if len(env.Messages) == 0 {
		s.printf("no messages with %s", env.PeerID)
		return
	}
	for _, m := range env.Messages {
		ts := protocol.Time(m.Timestamp).Local().Format(time.DateTime)
		s.printf("[%s] %s: %s", ts, m.SenderID, m.MessageText)
	}
}

func (s *chatSession) onContacts(env *protocol.Envelope) {
	if len(env.Contacts) == 0 {
		s.printf("no contacts")
		return
	}
	for _, c := range env.Contacts {
		s.printf("%s %s (%s)", onlineMark(c.IsOnline), c.ContactID, c.DisplayName)
	}
}

func onlineMark(online bool) string {
	if online {
		return "*"
	}
	return " "
}

func (s *chatSession) onCallRequest(env *protocol.Envelope) {
	s.mu.Lock()
	busy := s.callPeer != ""
	if !busy {
		s.incoming = env
	}
	s.mu.Unlock()

	if busy {
		s.client.RespondCall(env.CallerID, false, "")
		s.printf("missed call from %s", env.CallerID)
		return
	}
	s.printf("incoming call from %s, /accept or /reject", env.CallerID)
}

func (s *chatSession) onCallResponse(env *protocol.Envelope) {
	if env.CallerID != s.client.UserID() {
		return
	}
	s.mu.Lock()
	if s.callPeer != env.ReceiverID {
		s.mu.Unlock()
		return
	}
	call := s.call
	s.mu.Unlock()

	if !env.IsAccepted() {
		s.stopCall()
		if env.Reason != "" {
			s.printf("call to %s rejected: %s", env.ReceiverID, env.Reason)
		} else {
			s.printf("call to %s rejected", env.ReceiverID)
		}
		return
	}

	s.printf("call with %s started", env.ReceiverID)
	s.startAudio(call, env.AudioAddr)
}

func (s *chatSession) onCallEnd(env *protocol.Envelope) {
	peer := env.CallerID
	if peer == s.client.UserID() {
		peer = env.ReceiverID
	}

	s.mu.Lock()
	if s.incoming != nil && s.incoming.CallerID == peer {
		s.incoming = nil
	}
	active := s.callPeer == peer
	s.mu.Unlock()

	if !active {
		return
	}
	s.stopCall()
	if env.Reason != "" {
		s.printf("call with %s ended: %s", peer, env.Reason)
	} else {
		s.printf("call with %s ended", peer)
	}
}

func (s *chatSession) startCall(peer string) error {
	s.mu.Lock()
	if s.callPeer != "" {
		s.mu.Unlock()
		return fmt.Errorf("already in a call with %s", s.callPeer)
	}
	s.mu.Unlock()

	call, addr, err := s.prepareAudio()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.call = call
	s.callPeer = peer
	s.callerID = s.client.UserID()
	s.mu.Unlock()

	if err := s.client.RequestCall(peer, addr); err != nil {
		s.stopCall()
		return err
	}
	s.printf("calling %s...", peer)
	return nil
}

func (s *chatSession) answer(accept bool) error {
	s.mu.Lock()
	req := s.incoming
	s.incoming = nil
	s.mu.Unlock()
	if req == nil {
		return errors.New("no incoming call")
	}

	if !accept {
		return s.client.RespondCall(req.CallerID, false, "")
	}

	call, addr, err := s.prepareAudio()
	if err != nil {
		s.client.RespondCall(req.CallerID, false, "")
		return err
	}

	s.mu.Lock()
	s.call = call
	s.callPeer = req.CallerID
	s.callerID = req.CallerID
	s.mu.Unlock()

	if err := s.client.RespondCall(req.CallerID, true, addr); err != nil {
		s.stopCall()
		return err
	}
	s.printf("call with %s started", req.CallerID)
	s.startAudio(call, req.AudioAddr)
	return nil
}

func (s *chatSession) hangup() error {
	s.mu.Lock()
	peer, caller := s.callPeer, s.callerID
	s.mu.Unlock()
	if peer == "" {
		return errors.New("no active call")
	}

	receiver := peer
	if caller != s.client.UserID() {
		receiver = s.client.UserID()
	}
	s.stopCall()
	s.printf("call with %s ended", peer)
	return s.client.EndCall(caller, receiver)
}

// prepareAudio binds the receiver so its address can go into the signalling
// envelope. Without a device the call is signalled with no audio.
func (s *chatSession) prepareAudio() (*audio.Call, string, error) {
	if s.device == nil {
		return nil, "", nil
	}
	call, err := audio.ListenCall(s.device, s.audioOpts)
	if err != nil {
		return nil, "", err
	}
	return call, audio.AdvertiseAddr(s.client.LocalAddr(), call.LocalAddr()), nil
}

func (s *chatSession) startAudio(call *audio.Call, remote string) {
	if call == nil {
		return
	}
	if err := call.Start(remote); err != nil {
		s.printf("audio: %v", err)
	}
}

func (s *chatSession) stopCall() {
	s.mu.Lock()
	call := s.call
	s.call = nil
	s.callPeer = ""
	s.callerID = ""
	s.mu.Unlock()

	if call != nil {
		call.Stop()
	}
}
