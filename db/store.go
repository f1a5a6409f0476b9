package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aleph/models"
)

var ErrNotFound = errors.New("not found")

// Store is everything the relay needs from persistence. Implementations must be
// safe for concurrent use; the relay calls them from every connection goroutine.
type Store interface {
	// AddUser is idempotent: an existing user keeps its display name.
	AddUser(ctx context.Context, userID, displayName string) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetAllUsers(ctx context.Context) ([]models.User, error)
	UpdateUserStatus(ctx context.Context, userID string, online bool) error

	AddMessage(ctx context.Context, senderID, receiverID, text string) (*models.Message, error)
	// GetMessages returns the latest limit messages between a and b, oldest first.
	GetMessages(ctx context.Context, a, b string, limit int) ([]models.Message, error)
	// GetMessagesSince returns messages between a and b strictly after since, oldest first.
	GetMessagesSince(ctx context.Context, a, b string, since time.Time, limit int) ([]models.Message, error)
	MarkMessagesRead(ctx context.Context, senderID, receiverID string) error

	AddContact(ctx context.Context, userID, contactID string) error
	GetContacts(ctx context.Context, userID string) ([]models.Contact, error)

	Close() error
}

const DefaultHistoryLimit = 100

// Open picks the store implementation by driver name.
func Open(ctx context.Context, driver, path, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return New(path)
	case "postgres", "pgx":
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// SeedUsers makes sure every id in ids exists.
func SeedUsers(ctx context.Context, s Store, ids []string) error {
	for _, id := range ids {
		if err := s.AddUser(ctx, id, id); err != nil {
			return fmt.Errorf("seed user %s: %w", id, err)
		}
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
