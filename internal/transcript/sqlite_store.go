package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cloud-shuttle/parley/pkg/types"
)

// SQLiteStore implements Store using SQLite. It survives process
// restarts, unlike MemoryStore, but remains a single-process store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed transcript store at
// the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for concurrent readers, busy timeout for lock contention
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_message_at INTEGER,
		message_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS bindings (
		conversation_id TEXT PRIMARY KEY REFERENCES conversations(id),
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		group_name TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

// Append adds a message to a conversation, creating the conversation row
// if absent. The sequence number is assigned inside a transaction so
// concurrent appends cannot collide.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, msg types.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := msg.Timestamp.UnixNano()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, last_message_at, message_count)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING
	`, conversationID, time.Now().UnixNano(), now)
	if err != nil {
		return fmt.Errorf("ensuring conversation: %w", err)
	}

	var seq int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("assigning sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, conversationID, seq, msg.Role, msg.Content, now)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1, last_message_at = ?
		WHERE id = ?
	`, now, conversationID)
	if err != nil {
		return fmt.Errorf("updating conversation metadata: %w", err)
	}

	return tx.Commit()
}

// Get returns the ordered message list for a conversation
func (s *SQLiteStore) Get(ctx context.Context, conversationID string) ([]types.Message, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)
	`, conversationID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("checking conversation: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var msg types.Message
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Timestamp = time.Unix(0, createdAt)
		out = append(out, msg)
	}
	if out == nil {
		out = []types.Message{}
	}
	return out, rows.Err()
}

// Bind records the binding for a conversation, create-if-absent
func (s *SQLiteStore) Bind(ctx context.Context, binding types.Binding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, message_count)
		VALUES (?, ?, 0)
		ON CONFLICT(id) DO NOTHING
	`, binding.ConversationID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("ensuring conversation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bindings (conversation_id, user_id, session_id, group_name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			group_name = CASE WHEN bindings.group_name = '' THEN excluded.group_name ELSE bindings.group_name END
	`, binding.ConversationID, binding.UserID, binding.SessionID, binding.GroupName)
	if err != nil {
		return fmt.Errorf("recording binding: %w", err)
	}
	return nil
}

// GetBinding returns the binding for a conversation
func (s *SQLiteStore) GetBinding(ctx context.Context, conversationID string) (types.Binding, error) {
	var binding types.Binding
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, session_id, group_name
		FROM bindings WHERE conversation_id = ?
	`, conversationID).Scan(
		&binding.ConversationID, &binding.UserID, &binding.SessionID, &binding.GroupName,
	)
	if err == sql.ErrNoRows {
		return types.Binding{}, ErrNotFound
	}
	if err != nil {
		return types.Binding{}, fmt.Errorf("getting binding: %w", err)
	}
	return binding, nil
}

// Summaries lists locally known conversations
func (s *SQLiteStore) Summaries(ctx context.Context) ([]types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, message_count, COALESCE(last_message_at, 0)
		FROM conversations ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []types.Conversation
	for rows.Next() {
		var conv types.Conversation
		var createdAt, lastAt int64
		if err := rows.Scan(&conv.ID, &createdAt, &conv.MessageCount, &lastAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		conv.CreatedAt = time.Unix(0, createdAt)
		if lastAt > 0 {
			conv.LastMessageAt = time.Unix(0, lastAt)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
