package models

import "time"

type User struct {
	UserID      string
	DisplayName string
	IsOnline    bool
	LastSeen    time.Time // zero if the user was never seen
	CreatedAt   time.Time
}

type Contact struct {
	Owner       string
	ContactID   string
	DisplayName string
	IsOnline    bool
	LastSeen    time.Time
}

type Message struct {
	ID         int64
	SenderID   string
	ReceiverID string
	Text       string
	Timestamp  time.Time
	IsRead     bool
}
