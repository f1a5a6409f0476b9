package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aleph/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the PostgreSQL-backed Store, selected with db.driver=postgres.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL,
			is_online BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen TIMESTAMPTZ NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			message_text TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
			is_read BOOLEAN NOT NULL DEFAULT FALSE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender_id, receiver_id, timestamp);`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, contact_id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) AddUser(ctx context.Context, userID, displayName string) error {
	if displayName == "" {
		displayName = userID
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (user_id, display_name) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, displayName,
	)
	if err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	return nil
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (*models.User, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT user_id, display_name, is_online, last_seen, created_at FROM users WHERE user_id = $1`,
		userID,
	)
	u, err := scanPgUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (p *Postgres) GetAllUsers(ctx context.Context) ([]models.User, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT user_id, display_name, is_online, last_seen, created_at FROM users ORDER BY display_name, user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}
	return users, nil
}

func (p *Postgres) UpdateUserStatus(ctx context.Context, userID string, online bool) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE users SET is_online = $1, last_seen = now() WHERE user_id = $2`,
		online, userID,
	)
	if err != nil {
		return fmt.Errorf("update user status: %w", err)
	}
	return nil
}

func (p *Postgres) AddMessage(ctx context.Context, senderID, receiverID, text string) (*models.Message, error) {
	m := &models.Message{SenderID: senderID, ReceiverID: receiverID, Text: text}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO messages (sender_id, receiver_id, message_text) VALUES ($1, $2, $3) RETURNING id, timestamp`,
		senderID, receiverID, text,
	).Scan(&m.ID, &m.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}
	m.Timestamp = m.Timestamp.UTC()
	return m, nil
}

func (p *Postgres) GetMessages(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	msgs, err := p.queryMessages(ctx,
		`SELECT id, sender_id, receiver_id, message_text, timestamp, is_read
		 FROM messages
		 WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		 ORDER BY timestamp DESC, id DESC LIMIT $3`,
		a, b, normalizeLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (p *Postgres) GetMessagesSince(ctx context.Context, a, b string, since time.Time, limit int) ([]models.Message, error) {
	return p.queryMessages(ctx,
		`SELECT id, sender_id, receiver_id, message_text, timestamp, is_read
		 FROM messages
		 WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
		   AND timestamp > $3
		 ORDER BY timestamp ASC, id ASC LIMIT $4`,
		a, b, since.UTC(), normalizeLimit(limit),
	)
}

func (p *Postgres) MarkMessagesRead(ctx context.Context, senderID, receiverID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE messages SET is_read = TRUE WHERE sender_id = $1 AND receiver_id = $2 AND NOT is_read`,
		senderID, receiverID,
	)
	if err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	return nil
}

func (p *Postgres) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Timestamp, &m.IsRead); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return msgs, nil
}

func (p *Postgres) AddContact(ctx context.Context, userID, contactID string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO contacts (user_id, contact_id) VALUES ($1, $2) ON CONFLICT (user_id, contact_id) DO NOTHING`,
		userID, contactID,
	)
	if err != nil {
		return fmt.Errorf("add contact: %w", err)
	}
	return nil
}

func (p *Postgres) GetContacts(ctx context.Context, userID string) ([]models.Contact, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT c.contact_id, u.display_name, u.is_online, u.last_seen
		 FROM contacts c JOIN users u ON c.contact_id = u.user_id
		 WHERE c.user_id = $1
		 ORDER BY u.display_name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		c := models.Contact{Owner: userID}
		var lastSeen *time.Time
		if err := rows.Scan(&c.ContactID, &c.DisplayName, &c.IsOnline, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		if lastSeen != nil {
			c.LastSeen = lastSeen.UTC()
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact rows: %w", err)
	}
	return contacts, nil
}

func scanPgUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var lastSeen *time.Time
	if err := row.Scan(&u.UserID, &u.DisplayName, &u.IsOnline, &lastSeen, &u.CreatedAt); err != nil {
		return nil, err
	}
	if lastSeen != nil {
		u.LastSeen = lastSeen.UTC()
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}
