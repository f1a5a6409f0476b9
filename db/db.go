package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"aleph/models"

	_ "github.com/mattn/go-sqlite3"
)

// Fixed-width UTC layout so timestamps compare correctly as TEXT.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// DB is the SQLite-backed Store.
type DB struct {
	conn *sql.DB
}

var _ Store = (*DB)(nil)

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT UNIQUE NOT NULL,
			display_name TEXT,
			is_online BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			message_text TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(user_id, contact_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_user ON contacts(user_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate adds columns that older databases lack.
func (db *DB) migrate() error {
	if !db.columnExists("users", "display_name") {
		if _, err := db.conn.Exec("ALTER TABLE users ADD COLUMN display_name TEXT"); err != nil {
			return err
		}
		if _, err := db.conn.Exec("UPDATE users SET display_name = user_id WHERE display_name IS NULL"); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// User methods
func (db *DB) AddUser(ctx context.Context, userID, displayName string) error {
	if displayName == "" {
		displayName = userID
	}
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO users (user_id, display_name, created_at) VALUES (?, ?, ?)",
		userID, displayName, formatTS(time.Now()),
	)
	return err
}

func (db *DB) GetUser(ctx context.Context, userID string) (*models.User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT user_id, COALESCE(display_name, user_id), is_online, COALESCE(last_seen, ''), created_at FROM users WHERE user_id = ?",
		userID,
	)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (db *DB) GetAllUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT user_id, COALESCE(display_name, user_id), is_online, COALESCE(last_seen, ''), created_at FROM users ORDER BY display_name, user_id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (db *DB) UpdateUserStatus(ctx context.Context, userID string, online bool) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET is_online = ?, last_seen = ? WHERE user_id = ?",
		online, formatTS(time.Now()), userID,
	)
	return err
}

// Message methods
func (db *DB) AddMessage(ctx context.Context, senderID, receiverID, text string) (*models.Message, error) {
	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (sender_id, receiver_id, message_text, timestamp) VALUES (?, ?, ?, ?)",
		senderID, receiverID, text, formatTS(now),
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		Timestamp:  parseTS(formatTS(now)),
	}, nil
}

func (db *DB) GetMessages(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, sender_id, receiver_id, message_text, timestamp, is_read
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`
	msgs, err := db.queryMessages(ctx, query, a, b, b, a, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (db *DB) GetMessagesSince(ctx context.Context, a, b string, since time.Time, limit int) ([]models.Message, error) {
	query := `
		SELECT id, sender_id, receiver_id, message_text, timestamp, is_read
		FROM messages
		WHERE ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
		  AND timestamp > ?
		ORDER BY timestamp ASC, id ASC
		LIMIT ?
	`
	return db.queryMessages(ctx, query, a, b, b, a, formatTS(since), normalizeLimit(limit))
}

func (db *DB) MarkMessagesRead(ctx context.Context, senderID, receiverID string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE WHERE sender_id = ? AND receiver_id = ? AND is_read = FALSE",
		senderID, receiverID,
	)
	return err
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var ts string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &ts, &m.IsRead); err != nil {
			return nil, err
		}
		m.Timestamp = parseTS(ts)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Contact methods
func (db *DB) AddContact(ctx context.Context, userID, contactID string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO contacts (user_id, contact_id, created_at) VALUES (?, ?, ?)",
		userID, contactID, formatTS(time.Now()),
	)
	return err
}

func (db *DB) GetContacts(ctx context.Context, userID string) ([]models.Contact, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT c.contact_id, COALESCE(u.display_name, c.contact_id), u.is_online, COALESCE(u.last_seen, '')
		FROM contacts c
		JOIN users u ON c.contact_id = u.user_id
		WHERE c.user_id = ?
		ORDER BY u.display_name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		c := models.Contact{Owner: userID}
		var lastSeen string
		if err := rows.Scan(&c.ContactID, &c.DisplayName, &c.IsOnline, &lastSeen); err != nil {
			return nil, err
		}
		c.LastSeen = parseTS(lastSeen)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var lastSeen, createdAt string
	if err := row.Scan(&u.UserID, &u.DisplayName, &u.IsOnline, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	u.LastSeen = parseTS(lastSeen)
	u.CreatedAt = parseTS(createdAt)
	return &u, nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// parseTS returns the zero time for empty or unparsable values.
func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}
