package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"aleph/db"
	"aleph/models"
	"aleph/protocol"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeEndpoint records what the server sends to a user.
type fakeEndpoint struct {
	addr string

	mu     sync.Mutex
	sent   []*protocol.Envelope
	fail   bool
	closed bool
}

func newFakeEndpoint(addr string) *fakeEndpoint {
	return &fakeEndpoint{addr: addr}
}

func (f *fakeEndpoint) Send(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return errBrokenPipe
	}
	cp := *env
	f.sent = append(f.sent, &cp)
	return nil
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEndpoint) RemoteAddr() string { return f.addr }

func (f *fakeEndpoint) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeEndpoint) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeEndpoint) sentOf(kind protocol.Kind) []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range f.sent {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

// fakeStore is an in-memory db.Store that counts calls.
type fakeStore struct {
	mu              sync.Mutex
	users           map[string]*models.User
	messages        []models.Message
	contacts        map[string][]string
	addMessageCalls int
	statusUpdates   []statusUpdate
	failMessages    bool
}

type statusUpdate struct {
	userID string
	online bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]*models.User),
		contacts: make(map[string][]string),
	}
}

func (s *fakeStore) AddUser(ctx context.Context, userID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = &models.User{UserID: userID, DisplayName: displayName, CreatedAt: time.Now()}
	}
	return nil
}

func (s *fakeStore) GetUser(ctx context.Context, userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) GetAllUsers(ctx context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out, nil
}

func (s *fakeStore) UpdateUserStatus(ctx context.Context, userID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusUpdates = append(s.statusUpdates, statusUpdate{userID: userID, online: online})
	if u, ok := s.users[userID]; ok {
		u.IsOnline = online
		u.LastSeen = time.Now()
	}
	return nil
}

func (s *fakeStore) AddMessage(ctx context.Context, senderID, receiverID, text string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMessageCalls++
	if s.failMessages {
		return nil, errors.New("disk full")
	}
	msg := models.Message{
		ID:         int64(len(s.messages) + 1),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		Timestamp:  time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	return &msg, nil
}

func (s *fakeStore) GetMessages(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	return s.GetMessagesSince(ctx, a, b, time.Time{}, limit)
}

func (s *fakeStore) GetMessagesSince(ctx context.Context, a, b string, since time.Time, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		between := (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
		if between && m.Timestamp.After(since) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) MarkMessagesRead(ctx context.Context, senderID, receiverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].SenderID == senderID && s.messages[i].ReceiverID == receiverID {
			s.messages[i].IsRead = true
		}
	}
	return nil
}

func (s *fakeStore) AddContact(ctx context.Context, userID, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts[userID] {
		if c == contactID {
			return nil
		}
	}
	s.contacts[userID] = append(s.contacts[userID], contactID)
	return nil
}

func (s *fakeStore) GetContacts(ctx context.Context, userID string) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Contact
	for _, id := range s.contacts[userID] {
		c := models.Contact{Owner: userID, ContactID: id, DisplayName: id}
		if u, ok := s.users[id]; ok {
			c.DisplayName = u.DisplayName
			c.IsOnline = u.IsOnline
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) messageCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMessageCalls
}

func (s *fakeStore) storedMessages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

func (s *fakeStore) lastStatus(userID string) (online, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.statusUpdates) - 1; i >= 0; i-- {
		if s.statusUpdates[i].userID == userID {
			return s.statusUpdates[i].online, true
		}
	}
	return false, false
}

// fakePresence records published status changes.
type fakePresence struct {
	mu     sync.Mutex
	events []statusUpdate
}

func (p *fakePresence) PublishStatus(ctx context.Context, userID string, online bool) error {
	p.mu.Lock()
	p.events = append(p.events, statusUpdate{userID: userID, online: online})
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) published() []statusUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]statusUpdate(nil), p.events...)
}
