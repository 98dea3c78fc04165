// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is RFC 3339 with fixed-width nanoseconds. Fixed width keeps
// the lexicographic order of stored strings identical to chronological
// order, which the unread-count and read-marker comparisons rely on.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Wait for writer locks instead of failing fast; concurrent appends to
	// the same conversation serialize on the row update.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			username     TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			user_a           TEXT NOT NULL,
			user_b           TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,
			last_seq         INTEGER NOT NULL DEFAULT 0,

			CHECK (user_a < user_b)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair
			ON conversations(user_a, user_b);

		CREATE INDEX IF NOT EXISTS idx_conversations_activity
			ON conversations(last_activity_at DESC);

		CREATE TABLE IF NOT EXISTS participants (
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			last_read       TEXT,

			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			edited          INTEGER NOT NULL DEFAULT 0,
			edited_at       TEXT,
			deleted         INTEGER NOT NULL DEFAULT 0,
			deleted_at      TEXT,

			UNIQUE (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// GetUser retrieves a user by ID. Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, username, display_name, created_at
		FROM users
		WHERE id = ?
	`

	var user User
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Username,
		&user.DisplayName,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &user, nil
}

// PutUser inserts or replaces a user row. This is the sync entry point for
// the external identity system (and for tests); parley itself only reads.
func (s *SQLiteStore) PutUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, username, display_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username,
			display_name = excluded.display_name
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.DisplayName,
		formatTime(user.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// CreateConversation inserts a conversation and both participant rows in one
// transaction. The participant pair must already be normalized (UserA < UserB).
// If a conversation for the pair already exists, it returns
// ErrDuplicateConversation so the caller can retry the lookup.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_a, user_b, created_at, last_activity_at, last_seq)
		VALUES (?, ?, ?, ?, ?, 0)
	`,
		conv.ID,
		conv.UserA,
		conv.UserB,
		formatTime(conv.CreatedAt),
		formatTime(conv.LastActivityAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for _, userID := range []string{conv.UserA, conv.UserB} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id, last_read)
			VALUES (?, ?, NULL)
		`, conv.ID, userID); err != nil {
			return fmt.Errorf("inserting participant %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "user_a", conv.UserA, "user_b", conv.UserB)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, user_a, user_b, created_at, last_activity_at, last_seq
		FROM conversations
		WHERE id = ?
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// GetConversationByPair retrieves the conversation between two users.
// The pair is normalized internally, so argument order does not matter.
// Returns ErrNotFound if no conversation exists for the pair.
func (s *SQLiteStore) GetConversationByPair(ctx context.Context, userA, userB string) (*Conversation, error) {
	a, b := NormalizePair(userA, userB)
	query := `
		SELECT id, user_a, user_b, created_at, last_activity_at, last_seq
		FROM conversations
		WHERE user_a = ? AND user_b = ?
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, a, b))
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var createdAtStr, activityStr string

	err := row.Scan(
		&conv.ID,
		&conv.UserA,
		&conv.UserB,
		&createdAtStr,
		&activityStr,
		&conv.LastSeq,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	if conv.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.LastActivityAt, err = parseTime(activityStr); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}

	return &conv, nil
}

// ListConversationsByUser returns the user's conversations ordered by last
// activity (newest first), each annotated with the other participant's
// profile and the unread count derived from the read marker. Unread counts
// only consider the peer's messages; a user's own sends are never unread.
func (s *SQLiteStore) ListConversationsByUser(ctx context.Context, userID string) ([]*ConversationSummary, error) {
	query := `
		SELECT c.id, c.user_a, c.user_b, c.created_at, c.last_activity_at, c.last_seq,
		       p.last_read,
		       u.id, u.username, u.display_name, u.created_at,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = c.id
		          AND m.sender_id != ?
		          AND (p.last_read IS NULL OR m.created_at > p.last_read))
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id AND p.user_id = ?
		JOIN users u ON u.id = CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END
		ORDER BY c.last_activity_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var summaries []*ConversationSummary
	for rows.Next() {
		var sum ConversationSummary
		var convCreated, activity, peerCreated string
		var lastRead sql.NullString

		if err := rows.Scan(
			&sum.Conversation.ID,
			&sum.Conversation.UserA,
			&sum.Conversation.UserB,
			&convCreated,
			&activity,
			&sum.Conversation.LastSeq,
			&lastRead,
			&sum.Peer.ID,
			&sum.Peer.Username,
			&sum.Peer.DisplayName,
			&peerCreated,
			&sum.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		if sum.Conversation.CreatedAt, err = parseTime(convCreated); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if sum.Conversation.LastActivityAt, err = parseTime(activity); err != nil {
			return nil, fmt.Errorf("parsing last_activity_at: %w", err)
		}
		if sum.Peer.CreatedAt, err = parseTime(peerCreated); err != nil {
			return nil, fmt.Errorf("parsing peer created_at: %w", err)
		}
		if lastRead.Valid {
			t, err := parseTime(lastRead.String)
			if err != nil {
				return nil, fmt.Errorf("parsing last_read: %w", err)
			}
			sum.LastRead = &t
		}

		summaries = append(summaries, &sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return summaries, nil
}

// AppendMessage assigns the conversation's next sequence number and inserts
// the message in a single transaction. The sequence bump and the insert
// commit atomically, so concurrent appends to the same conversation can
// never receive the same seq or leave a gap. The conversation's
// last-activity timestamp advances in the same transaction.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		UPDATE conversations
		SET last_seq = last_seq + 1, last_activity_at = ?
		WHERE id = ?
		RETURNING last_seq
	`, formatTime(msg.CreatedAt), msg.ConversationID).Scan(&seq)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("advancing sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		seq,
		msg.SenderID,
		msg.Content,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	msg.Seq = seq
	s.logger.Debug("appended message",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"seq", seq,
	)
	return nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `
		SELECT id, conversation_id, seq, sender_id, content, created_at,
		       edited, edited_at, deleted, deleted_at
		FROM messages
		WHERE id = ?
	`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var createdAtStr string
	var editedAt, deletedAt sql.NullString

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Seq,
		&msg.SenderID,
		&msg.Content,
		&createdAtStr,
		&msg.Edited,
		&editedAt,
		&msg.Deleted,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if msg.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if editedAt.Valid {
		t, err := parseTime(editedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing edited_at: %w", err)
		}
		msg.EditedAt = &t
	}
	if deletedAt.Valid {
		t, err := parseTime(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing deleted_at: %w", err)
		}
		msg.DeletedAt = &t
	}

	return &msg, nil
}

// UpdateMessageContent replaces a message's content in place and sets the
// edited flag. Seq and created_at are untouched: edits never reorder.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET content = ?, edited = 1, edited_at = ?
		WHERE id = ?
	`, content, formatTime(editedAt), id)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TombstoneMessage soft-deletes a message: content is cleared and the
// deleted flag set, but the row keeps its id and seq so clients mid-stream
// never observe a gap. Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) TombstoneMessage(ctx context.Context, id string, deletedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET content = '', deleted = 1, deleted_at = ?
		WHERE id = ?
	`, formatTime(deletedAt), id)
	if err != nil {
		return fmt.Errorf("tombstoning message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns messages for a conversation in ascending sequence
// order, starting after afterSeq. Tombstones are included, never omitted.
// limit defaults to 100 and is capped at 500.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT id, conversation_id, seq, sender_id, content, created_at,
		       edited, edited_at, deleted, deleted_at
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// MarkRead advances a participant's read marker. The marker only moves
// forward: a commit based on an older observation than the stored marker
// is a no-op rather than a regression.
// Returns ErrNotFound if the participant row doesn't exist.
func (s *SQLiteStore) MarkRead(ctx context.Context, userID, conversationID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE participants
		SET last_read = ?
		WHERE conversation_id = ? AND user_id = ?
		  AND (last_read IS NULL OR last_read < ?)
	`, formatTime(at), conversationID, userID, formatTime(at))
	if err != nil {
		return fmt.Errorf("updating read marker: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		// Either the row doesn't exist or the marker is already newer.
		// Distinguish so unknown participants surface as ErrNotFound.
		var one int
		err := s.db.QueryRowContext(ctx, `
			SELECT 1 FROM participants WHERE conversation_id = ? AND user_id = ?
		`, conversationID, userID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking participant: %w", err)
		}
	}

	s.logger.Debug("read marker advanced",
		"conversation_id", conversationID,
		"user_id", userID,
	)
	return nil
}

// GetParticipant retrieves the participant-state row for a user in a
// conversation. Returns ErrNotFound if the user is not a participant.
func (s *SQLiteStore) GetParticipant(ctx context.Context, conversationID, userID string) (*Participant, error) {
	query := `
		SELECT conversation_id, user_id, last_read
		FROM participants
		WHERE conversation_id = ? AND user_id = ?
	`

	var p Participant
	var lastRead sql.NullString

	err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(
		&p.ConversationID,
		&p.UserID,
		&lastRead,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying participant: %w", err)
	}

	if lastRead.Valid {
		t, err := parseTime(lastRead.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_read: %w", err)
		}
		p.LastRead = &t
	}

	return &p, nil
}
