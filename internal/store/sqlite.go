package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
	"github.com/ashureev/shsh-chat/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes write transactions to prevent SQLITE_BUSY
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers, foreign keys for message cascade.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chats_session_updated ON chats(session_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content_json TEXT NOT NULL,
		checkpoint_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// ListChats returns the session's chats, most recently updated first.
func (s *SQLiteStore) ListChats(ctx context.Context, sessionID string) ([]*domain.Chat, error) {
	query := `
		SELECT id, session_id, title, created_at, updated_at
		FROM chats WHERE session_id = ?
		ORDER BY updated_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat rows", "error", closeErr)
		}
	}()

	chats := make([]*domain.Chat, 0)
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

// GetChat returns a chat owned by sessionID.
func (s *SQLiteStore) GetChat(ctx context.Context, chatID, sessionID string) (*domain.Chat, error) {
	return getChat(ctx, s.db, chatID, sessionID)
}

// CreateChat creates a chat owned by sessionID.
func (s *SQLiteStore) CreateChat(ctx context.Context, sessionID, title string) (*domain.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultChatTitle
	}
	now := s.now()
	chat := &domain.Chat{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Title:     title,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
		UpdatedAt: time.UnixMilli(now.UnixMilli()),
	}

	err := s.write(ctx, "create chat", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO chats (id, session_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			chat.ID, chat.SessionID, chat.Title, chat.CreatedAt.UnixMilli(), chat.UpdatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	return chat, nil
}

// UpdateTitle renames a chat.
func (s *SQLiteStore) UpdateTitle(ctx context.Context, chatID, sessionID, title string) (*domain.Chat, error) {
	var chat *domain.Chat
	err := s.write(ctx, "update chat title", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			current, err := getChat(ctx, tx, chatID, sessionID)
			if err != nil {
				return err
			}
			updated := nextTimestamp(s.now(), current.UpdatedAt)
			if _, err := tx.ExecContext(ctx,
				`UPDATE chats SET title = ?, updated_at = ? WHERE id = ?`,
				title, updated.UnixMilli(), chatID,
			); err != nil {
				return fmt.Errorf("update chat: %w", err)
			}
			current.Title = title
			current.UpdatedAt = updated
			chat = current
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// DeleteChat removes a chat and its messages.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID, sessionID string) error {
	return s.write(ctx, "delete chat", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := getChat(ctx, tx, chatID, sessionID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
				return fmt.Errorf("delete chat messages: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID); err != nil {
				return fmt.Errorf("delete chat: %w", err)
			}
			return nil
		})
	})
}

// GetMessages returns the chat's messages in creation order.
func (s *SQLiteStore) GetMessages(ctx context.Context, chatID, sessionID string) ([]domain.ChatMessage, error) {
	if _, err := getChat(ctx, s.db, chatID, sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, chat_id, role, content_json, checkpoint_id, created_at
		FROM messages WHERE chat_id = ?
		ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := make([]domain.ChatMessage, 0)
	for rows.Next() {
		var msg domain.ChatMessage
		var role, contentJSON string
		var checkpointID sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.ChatID, &role, &contentJSON, &checkpointID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if err := json.Unmarshal([]byte(contentJSON), &msg.Content); err != nil {
			return nil, fmt.Errorf("decode message %s content: %w", msg.ID, err)
		}
		msg.Role = domain.Role(role)
		msg.CheckpointID = checkpointID.String
		msg.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// AddMessage appends a message to a chat.
func (s *SQLiteStore) AddMessage(ctx context.Context, chatID string, role domain.Role, content []domain.ContentBlock, checkpointID string) (*domain.ChatMessage, error) {
	if content == nil {
		content = []domain.ContentBlock{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode message content: %w", err)
	}

	msg := &domain.ChatMessage{
		ID:           uuid.NewString(),
		ChatID:       chatID,
		Role:         role,
		Content:      content,
		CheckpointID: checkpointID,
	}

	err = s.write(ctx, "add message", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var prev int64
			err := tx.QueryRowContext(ctx, `SELECT updated_at FROM chats WHERE id = ?`, chatID).Scan(&prev)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("read chat: %w", err)
			}

			created := nextTimestamp(s.now(), time.UnixMilli(prev))
			var checkpoint interface{}
			if checkpointID != "" {
				checkpoint = checkpointID
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (id, chat_id, role, content_json, checkpoint_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				msg.ID, chatID, string(role), string(contentJSON), checkpoint, created.UnixMilli(),
			); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, created.UnixMilli(), chatID); err != nil {
				return fmt.Errorf("touch chat: %w", err)
			}
			msg.CreatedAt = created
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// DeleteMessage removes one message from a chat owned by sessionID.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, chatID, sessionID, messageID string) error {
	return s.write(ctx, "delete message", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := getChat(ctx, tx, chatID, sessionID); err != nil {
				return err
			}
			result, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND chat_id = ?`, messageID, chatID)
			if err != nil {
				return fmt.Errorf("delete message: %w", err)
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("get rows affected: %w", err)
			}
			if rows == 0 {
				return ErrNotFound
			}
			return nil
		})
	})
}

func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return shared.RetryOnConflict(ctx, op, shared.DefaultRetryPolicy, fn)
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func getChat(ctx context.Context, q queryer, chatID, sessionID string) (*domain.Chat, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, session_id, title, created_at, updated_at FROM chats WHERE id = ? AND session_id = ?`,
		chatID, sessionID,
	)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return chat, err
}

func scanChat(row scanner) (*domain.Chat, error) {
	var chat domain.Chat
	var createdAt, updatedAt int64
	if err := row.Scan(&chat.ID, &chat.SessionID, &chat.Title, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan chat row: %w", err)
	}
	chat.CreatedAt = time.UnixMilli(createdAt)
	chat.UpdatedAt = time.UnixMilli(updatedAt)
	return &chat, nil
}

// nextTimestamp returns now truncated to milliseconds, or prev+1ms if that
// would not move forward.
func nextTimestamp(now, prev time.Time) time.Time {
	ms := now.UnixMilli()
	if p := prev.UnixMilli(); ms <= p {
		ms = p + 1
	}
	return time.UnixMilli(ms)
}
