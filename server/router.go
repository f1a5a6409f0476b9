package server

import (
	"context"
	"errors"

	"aleph/db"
	"aleph/models"
	"aleph/protocol"

	"github.com/rs/zerolog/log"
)

// Presence receives every online/offline transition the router applies.
type Presence interface {
	PublishStatus(ctx context.Context, userID string, online bool) error
}

// Router applies inbound envelopes to the registry, the store and the call
// table, and relays them to the addressed users.
type Router struct {
	registry *Registry
	store    db.Store
	calls    *CallTable
	metrics  *Metrics
	presence Presence
}

// NewRouter wires the router. presence may be nil.
func NewRouter(registry *Registry, store db.Store, calls *CallTable, metrics *Metrics, presence Presence) *Router {
	return &Router{
		registry: registry,
		store:    store,
		calls:    calls,
		metrics:  metrics,
		presence: presence,
	}
}

// Dispatch handles one envelope received on src.
func (r *Router) Dispatch(ctx context.Context, env *protocol.Envelope, src *Conn) {
	r.metrics.Envelopes.WithLabelValues("in", string(env.Kind)).Inc()
	if userID := src.UserID(); userID != "" {
		r.registry.Touch(userID, src)
	}

	switch env.Kind {
	case protocol.KindStatusUpdate:
		r.handleStatusUpdate(ctx, env, src)
	case protocol.KindMessage:
		r.handleMessage(ctx, env)
	case protocol.KindHeartbeat:
		r.handleHeartbeat(ctx, env, src)
	case protocol.KindHeartbeatAck:
		// lastSeen already refreshed
	case protocol.KindCallRequest:
		r.handleCallRequest(env, src)
	case protocol.KindCallResponse:
		r.handleCallResponse(env)
	case protocol.KindCallEnd:
		r.handleCallEnd(env)
	case protocol.KindUserListRequest:
		r.handleUserList(ctx, env, src)
	case protocol.KindHistoryRequest:
		r.handleHistory(ctx, env, src)
	case protocol.KindContactAdd:
		r.handleContactAdd(ctx, env, src)
	case protocol.KindContactListRequest:
		r.handleContactList(ctx, env, src)
	case protocol.KindUserListResponse, protocol.KindHistoryResponse, protocol.KindContactListResponse:
		log.Debug().Str("module", "router").Str("type", string(env.Kind)).Str("peer", src.RemoteAddr()).Msg("ignoring server-only envelope from client")
	default:
		log.Warn().Str("module", "router").Str("type", string(env.Kind)).Str("peer", src.RemoteAddr()).Msg("unknown envelope type")
	}
}

func (r *Router) handleStatusUpdate(ctx context.Context, env *protocol.Envelope, src *Conn) {
	if env.UserID == "" {
		log.Debug().Str("module", "router").Str("peer", src.RemoteAddr()).Msg("status_update without user_id")
		return
	}

	if !env.Online() {
		// Only the owning connection tears the session down; a user with no
		// live session is still marked offline in the store.
		if !r.Disconnect(ctx, env.UserID, src, "status_update") {
			if _, live := r.registry.Lookup(env.UserID); !live {
				r.setStatus(ctx, env.UserID, false)
			}
		}
		if src.UserID() == env.UserID {
			src.bind("")
		}
		return
	}

	if prev := src.UserID(); prev != "" && prev != env.UserID {
		r.Disconnect(ctx, prev, src, "rebind")
	}

	if err := r.store.AddUser(ctx, env.UserID, env.UserID); err != nil {
		r.storeError("add_user", env.UserID, err)
	}
	src.bind(env.UserID)
	r.registry.Register(env.UserID, src)
	r.metrics.Sessions.Set(float64(r.registry.Len()))
	r.setStatus(ctx, env.UserID, true)

	log.Info().Str("module", "router").Str("user", env.UserID).Str("peer", src.RemoteAddr()).Int("sessions", r.registry.Len()).Msg("user online")
}

// Disconnect runs the offline path for userID if conn still owns its session:
// unregister, mark offline, and end the user's calls. It reports whether the
// session was removed.
func (r *Router) Disconnect(ctx context.Context, userID string, conn Endpoint, cause string) bool {
	if !r.registry.UnregisterConn(userID, conn) {
		return false
	}
	r.metrics.Sessions.Set(float64(r.registry.Len()))
	r.setStatus(ctx, userID, false)
	r.endCallsFor(userID, protocol.ReasonPeerDisconnected)

	log.Info().Str("module", "router").Str("user", userID).Str("peer", conn.RemoteAddr()).Str("cause", cause).Msg("user offline")
	return true
}

func (r *Router) setStatus(ctx context.Context, userID string, online bool) {
	if err := r.store.UpdateUserStatus(ctx, userID, online); err != nil {
		r.storeError("update_user_status", userID, err)
	}
	if r.presence == nil {
		return
	}
	if err := r.presence.PublishStatus(ctx, userID, online); err != nil {
		log.Warn().Str("module", "router").Str("user", userID).Err(err).Msg("presence publish failed")
	}
}

func (r *Router) handleMessage(ctx context.Context, env *protocol.Envelope) {
	if env.SenderID == "" || env.ReceiverID == "" || env.MessageText == "" {
		log.Debug().Str("module", "router").Str("sender", env.SenderID).Str("receiver", env.ReceiverID).Msg("incomplete message dropped")
		return
	}

	ts := protocol.Now()
	if msg, err := r.store.AddMessage(ctx, env.SenderID, env.ReceiverID, env.MessageText); err != nil {
		r.storeError("add_message", env.SenderID, err)
	} else {
		ts = protocol.Timestamp(msg.Timestamp)
	}

	out := &protocol.Envelope{
		Kind:        protocol.KindMessage,
		SenderID:    env.SenderID,
		ReceiverID:  env.ReceiverID,
		MessageText: env.MessageText,
		Timestamp:   ts,
	}
	r.sendTo(env.SenderID, out)
	if env.ReceiverID != env.SenderID {
		r.sendTo(env.ReceiverID, out)
	}
}

func (r *Router) handleHeartbeat(ctx context.Context, env *protocol.Envelope, src *Conn) {
	userID := env.UserID
	if userID == "" {
		userID = src.UserID()
	}
	if userID == "" {
		return
	}
	if err := r.store.UpdateUserStatus(ctx, userID, true); err != nil {
		r.storeError("update_user_status", userID, err)
	}
	r.send(src, &protocol.Envelope{Kind: protocol.KindHeartbeatAck, Timestamp: protocol.Now()})
}

func (r *Router) handleCallRequest(env *protocol.Envelope, src *Conn) {
	if env.CallerID == "" || env.ReceiverID == "" || env.CallerID == env.ReceiverID {
		return
	}
	receiver, ok := r.registry.Lookup(env.ReceiverID)
	if !ok {
		log.Debug().Str("module", "calls").Str("caller", env.CallerID).Str("receiver", env.ReceiverID).Msg("call_request to offline user")
		return
	}

	attempt, err := r.calls.Request(env.CallerID, env.ReceiverID)
	if errors.Is(err, ErrBusy) {
		r.metrics.CallEvents.WithLabelValues("busy").Inc()
		log.Info().Str("module", "calls").Str("caller", env.CallerID).Str("receiver", env.ReceiverID).Str("call_id", attempt.ID).Msg("call rejected: busy")
		r.send(src, &protocol.Envelope{
			Kind:       protocol.KindCallResponse,
			CallerID:   env.CallerID,
			ReceiverID: env.ReceiverID,
			Accepted:   protocol.Bool(false),
			Reason:     protocol.ReasonBusy,
			Timestamp:  protocol.Now(),
		})
		return
	}
	r.metrics.CallEvents.WithLabelValues("request").Inc()
	r.metrics.ActiveCalls.Set(float64(r.calls.Len()))
	log.Info().Str("module", "calls").Str("caller", env.CallerID).Str("receiver", env.ReceiverID).Str("call_id", attempt.ID).Msg("call requested")

	r.send(receiver, &protocol.Envelope{
		Kind:       protocol.KindCallRequest,
		CallerID:   env.CallerID,
		ReceiverID: env.ReceiverID,
		AudioAddr:  env.AudioAddr,
		Timestamp:  protocol.Now(),
	})
}

func (r *Router) handleCallResponse(env *protocol.Envelope) {
	if env.CallerID == "" || env.ReceiverID == "" {
		return
	}
	accepted := env.IsAccepted()
	if attempt, ok := r.calls.Respond(env.CallerID, env.ReceiverID, accepted); ok {
		r.metrics.CallEvents.WithLabelValues(attempt.State.String()).Inc()
		r.metrics.ActiveCalls.Set(float64(r.calls.Len()))
		log.Info().Str("module", "calls").Str("call_id", attempt.ID).Str("state", attempt.State.String()).Msg("call answered")
	}

	r.sendTo(env.CallerID, &protocol.Envelope{
		Kind:       protocol.KindCallResponse,
		CallerID:   env.CallerID,
		ReceiverID: env.ReceiverID,
		Accepted:   protocol.Bool(accepted),
		Reason:     env.Reason,
		AudioAddr:  env.AudioAddr,
		Timestamp:  protocol.Now(),
	})
}

func (r *Router) handleCallEnd(env *protocol.Envelope) {
	if attempt, ok := r.calls.End(env.CallerID, env.ReceiverID); ok {
		r.metrics.CallEvents.WithLabelValues("end").Inc()
		r.metrics.ActiveCalls.Set(float64(r.calls.Len()))
		log.Info().Str("module", "calls").Str("call_id", attempt.ID).Msg("call ended")
	}

	out := &protocol.Envelope{
		Kind:       protocol.KindCallEnd,
		CallerID:   env.CallerID,
		ReceiverID: env.ReceiverID,
		Reason:     env.Reason,
		Timestamp:  protocol.Now(),
	}
	for _, userID := range []string{env.CallerID, env.ReceiverID} {
		if userID != "" {
			r.sendTo(userID, out)
		}
	}
}

// ExpireCall notifies both parties that a ringing attempt went unanswered.
func (r *Router) ExpireCall(attempt CallAttempt) {
	r.metrics.CallEvents.WithLabelValues("no_answer").Inc()
	r.metrics.ActiveCalls.Set(float64(r.calls.Len()))
	log.Info().Str("module", "calls").Str("call_id", attempt.ID).Str("caller", attempt.CallerID).Str("receiver", attempt.ReceiverID).Msg("call not answered")
	r.notifyCallEnd(attempt, protocol.ReasonNoAnswer, attempt.CallerID, attempt.ReceiverID)
}

func (r *Router) endCallsFor(userID, reason string) {
	ended := r.calls.EndUser(userID)
	if len(ended) == 0 {
		return
	}
	r.metrics.ActiveCalls.Set(float64(r.calls.Len()))
	for _, attempt := range ended {
		r.metrics.CallEvents.WithLabelValues(reason).Inc()
		log.Info().Str("module", "calls").Str("call_id", attempt.ID).Str("user", userID).Msg("call ended by disconnect")
		r.notifyCallEnd(attempt, reason, attempt.Peer(userID))
	}
}

func (r *Router) notifyCallEnd(attempt CallAttempt, reason string, userIDs ...string) {
	out := &protocol.Envelope{
		Kind:       protocol.KindCallEnd,
		CallerID:   attempt.CallerID,
		ReceiverID: attempt.ReceiverID,
		Reason:     reason,
		Timestamp:  protocol.Now(),
	}
	for _, userID := range userIDs {
		r.sendTo(userID, out)
	}
}

func (r *Router) handleUserList(ctx context.Context, env *protocol.Envelope, src *Conn) {
	users, err := r.store.GetAllUsers(ctx)
	if err != nil {
		r.storeError("get_all_users", env.UserID, err)
		return
	}
	infos := make([]protocol.UserInfo, 0, len(users))
	for _, u := range users {
		infos = append(infos, userInfo(u))
	}
	r.send(src, &protocol.Envelope{
		Kind:      protocol.KindUserListResponse,
		Users:     infos,
		Timestamp: protocol.Now(),
	})
}

func (r *Router) handleHistory(ctx context.Context, env *protocol.Envelope, src *Conn) {
	userID := env.UserID
	if userID == "" {
		userID = src.UserID()
	}
	if userID == "" || env.PeerID == "" {
		return
	}

	var (
		msgs []models.Message
		err  error
	)
	if env.Since > 0 {
		msgs, err = r.store.GetMessagesSince(ctx, userID, env.PeerID, protocol.Time(env.Since), env.Limit)
	} else {
		msgs, err = r.store.GetMessages(ctx, userID, env.PeerID, env.Limit)
	}
	if err != nil {
		r.storeError("get_messages", userID, err)
		return
	}
	if err := r.store.MarkMessagesRead(ctx, env.PeerID, userID); err != nil {
		r.storeError("mark_messages_read", userID, err)
	}

	out := make([]protocol.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.ChatMessage{
			SenderID:    m.SenderID,
			ReceiverID:  m.ReceiverID,
			MessageText: m.Text,
			Timestamp:   protocol.Timestamp(m.Timestamp),
			IsRead:      m.IsRead,
		})
	}
	r.send(src, &protocol.Envelope{
		Kind:      protocol.KindHistoryResponse,
		PeerID:    env.PeerID,
		Messages:  out,
		Timestamp: protocol.Now(),
	})
}

func (r *Router) handleContactAdd(ctx context.Context, env *protocol.Envelope, src *Conn) {
	userID := env.UserID
	if userID == "" {
		userID = src.UserID()
	}
	if userID == "" || env.ContactID == "" || env.ContactID == userID {
		return
	}
	if err := r.store.AddContact(ctx, userID, env.ContactID); err != nil {
		r.storeError("add_contact", userID, err)
		return
	}
	r.sendContacts(ctx, userID, src)
}

func (r *Router) handleContactList(ctx context.Context, env *protocol.Envelope, src *Conn) {
	userID := env.UserID
	if userID == "" {
		userID = src.UserID()
	}
	if userID == "" {
		return
	}
	r.sendContacts(ctx, userID, src)
}

func (r *Router) sendContacts(ctx context.Context, userID string, src *Conn) {
	contacts, err := r.store.GetContacts(ctx, userID)
	if err != nil {
		r.storeError("get_contacts", userID, err)
		return
	}
	infos := make([]protocol.ContactInfo, 0, len(contacts))
	for _, c := range contacts {
		infos = append(infos, protocol.ContactInfo{
			ContactID:   c.ContactID,
			DisplayName: c.DisplayName,
			IsOnline:    c.IsOnline,
			LastSeen:    protocol.FormatTime(c.LastSeen),
		})
	}
	r.send(src, &protocol.Envelope{
		Kind:      protocol.KindContactListResponse,
		UserID:    userID,
		Contacts:  infos,
		Timestamp: protocol.Now(),
	})
}

// sendTo relays env to userID's current connection; absent users are a no-op.
func (r *Router) sendTo(userID string, env *protocol.Envelope) {
	conn, ok := r.registry.Lookup(userID)
	if !ok {
		return
	}
	r.send(conn, env)
}

func (r *Router) send(conn Endpoint, env *protocol.Envelope) {
	if err := conn.Send(env); err != nil {
		log.Debug().Str("module", "router").Str("type", string(env.Kind)).Str("peer", conn.RemoteAddr()).Err(err).Msg("send failed")
		return
	}
	r.metrics.Envelopes.WithLabelValues("out", string(env.Kind)).Inc()
}

func (r *Router) storeError(op, userID string, err error) {
	r.metrics.StoreErrors.WithLabelValues(op).Inc()
	log.Error().Str("module", "store").Str("op", op).Str("user", userID).Err(err).Msg("store operation failed")
}

func userInfo(u models.User) protocol.UserInfo {
	return protocol.UserInfo{
		UserID:      u.UserID,
		DisplayName: u.DisplayName,
		IsOnline:    u.IsOnline,
		LastSeen:    protocol.FormatTime(u.LastSeen),
		CreatedAt:   protocol.FormatTime(u.CreatedAt),
	}
}
