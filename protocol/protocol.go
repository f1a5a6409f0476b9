package protocol

import (
	"math"
	"time"
)

// Kind tags an envelope. The set is closed: the router switches over it.
type Kind string

const (
	KindStatusUpdate        Kind = "status_update"
	KindMessage             Kind = "message"
	KindHeartbeat           Kind = "heartbeat"
	KindHeartbeatAck        Kind = "heartbeat_ack"
	KindCallRequest         Kind = "call_request"
	KindCallResponse        Kind = "call_response"
	KindCallEnd             Kind = "call_end"
	KindUserListRequest     Kind = "user_list_request"
	KindUserListResponse    Kind = "user_list_response"
	KindHistoryRequest      Kind = "history_request"
	KindHistoryResponse     Kind = "history_response"
	KindContactAdd          Kind = "contact_add"
	KindContactListRequest  Kind = "contact_list_request"
	KindContactListResponse Kind = "contact_list_response"
)

// Kinds lists every known kind.
var Kinds = []Kind{
	KindStatusUpdate,
	KindMessage,
	KindHeartbeat,
	KindHeartbeatAck,
	KindCallRequest,
	KindCallResponse,
	KindCallEnd,
	KindUserListRequest,
	KindUserListResponse,
	KindHistoryRequest,
	KindHistoryResponse,
	KindContactAdd,
	KindContactListRequest,
	KindContactListResponse,
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Call end / rejection reasons synthesized by the server.
const (
	ReasonBusy             = "busy"
	ReasonNoAnswer         = "no_answer"
	ReasonPeerDisconnected = "peer_disconnected"
)

// Envelope is one protocol message. Fields not used by a kind stay empty and
// are omitted on the wire.
type Envelope struct {
	Kind Kind `json:"type"`

	UserID   string `json:"user_id,omitempty"`
	IsOnline *bool  `json:"is_online,omitempty"`

	SenderID    string `json:"sender_id,omitempty"`
	ReceiverID  string `json:"receiver_id,omitempty"`
	MessageText string `json:"message_text,omitempty"`

	CallerID  string `json:"caller_id,omitempty"`
	Accepted  *bool  `json:"accepted,omitempty"`
	Reason    string `json:"reason,omitempty"`
	AudioAddr string `json:"audio_addr,omitempty"`

	PeerID    string  `json:"peer_id,omitempty"`
	ContactID string  `json:"contact_id,omitempty"`
	Since     float64 `json:"since,omitempty"`
	Limit     int     `json:"limit,omitempty"`

	// Seconds since the Unix epoch.
	Timestamp float64 `json:"timestamp,omitempty"`

	Users    []UserInfo    `json:"users,omitempty"`
	Messages []ChatMessage `json:"messages,omitempty"`
	Contacts []ContactInfo `json:"contacts,omitempty"`
}

type UserInfo struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsOnline    bool   `json:"is_online"`
	LastSeen    string `json:"last_seen,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type ChatMessage struct {
	SenderID    string  `json:"sender_id"`
	ReceiverID  string  `json:"receiver_id"`
	MessageText string  `json:"message_text"`
	Timestamp   float64 `json:"timestamp"`
	IsRead      bool    `json:"is_read"`
}

type ContactInfo struct {
	ContactID   string `json:"contact_id"`
	DisplayName string `json:"display_name"`
	IsOnline    bool   `json:"is_online"`
	LastSeen    string `json:"last_seen,omitempty"`
}

// Online reports the is_online flag; a status_update without it means online.
func (e *Envelope) Online() bool {
	if e.IsOnline == nil {
		return true
	}
	return *e.IsOnline
}

// IsAccepted reports the accepted flag; absent means rejected.
func (e *Envelope) IsAccepted() bool {
	return e.Accepted != nil && *e.Accepted
}

func Bool(v bool) *bool {
	return &v
}

// Now returns the current time as envelope seconds.
func Now() float64 {
	return Timestamp(time.Now())
}

func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Time converts envelope seconds back to a time, rounded to the microsecond
// so that values read from the store survive the float round trip.
func Time(ts float64) time.Time {
	usec := int64(math.Round(ts * 1e6))
	return time.UnixMicro(usec).UTC()
}

// FormatTime renders directory timestamps; zero time renders empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
