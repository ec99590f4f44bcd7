package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yegors/co-coach/internal/storage"
	"github.com/yegors/co-coach/pkg/logger"
	_ "modernc.org/sqlite"
)

// Import logger functions
var (
	String = logger.String
	Error  = logger.Error
)

// Fixed width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ConversationStorage stores sessions and messages in a SQLite file
type ConversationStorage struct {
	db     *sql.DB
	logger *logger.Logger
	now    func() time.Time
}

var _ storage.Store = (*ConversationStorage)(nil)

// Open opens (creating if needed) the database at path and applies migrations
func Open(ctx context.Context, path string, log *logger.Logger) (*ConversationStorage, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// Transcript writes arrive from several goroutines; one writer avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := storage.Migrate(ctx, db, storage.DialectSQLite); err != nil {
		db.Close()
		return nil, err
	}

	return New(db, log), nil
}

// New wraps an already migrated database
func New(db *sql.DB, log *logger.Logger) *ConversationStorage {
	return &ConversationStorage{
		db:     db,
		logger: log.Named("sqlite-conv"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession starts a new conversation for userID
func (s *ConversationStorage) CreateSession(ctx context.Context, userID string) (*storage.Session, error) {
	session := &storage.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: s.now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, started_at) VALUES (?, ?, ?)`,
		session.ID, session.UserID, session.StartedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	s.logger.Debug("Created session", String("session_id", session.ID), String("user_id", userID))
	return session, nil
}

// GetSession returns a session by id
func (s *ConversationStorage) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, started_at, ended_at, summary FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns sessions newest first. An empty userID lists every user.
func (s *ConversationStorage) ListSessions(ctx context.Context, userID string, limit int) ([]*storage.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, user_id, started_at, ended_at, summary FROM sessions`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*storage.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// EndSession marks the session ended. Ending an ended session keeps the first end time.
func (s *ConversationStorage) EndSession(ctx context.Context, id string) (*storage.Session, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		s.now().Format(timeLayout), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// SetSummary stores a transcript summary on the session
func (s *ConversationStorage) SetSummary(ctx context.Context, id, summary string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AppendMessage writes a finalized utterance to the session's log
func (s *ConversationStorage) AppendMessage(ctx context.Context, sessionID, role, content string) (*storage.Message, error) {
	if err := storage.ValidateMessage(role, content); err != nil {
		return nil, err
	}

	msg := &storage.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at)
		SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM sessions WHERE id = ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt.Format(timeLayout), sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}

	return msg, nil
}

// ListMessages returns a session's messages in the order they were written
func (s *ConversationStorage) ListMessages(ctx context.Context, sessionID string) ([]*storage.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*storage.Message, 0)
	for rows.Next() {
		var (
			msg       storage.Message
			createdAt string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// MostRecentOpenSession returns the latest session that has not ended
func (s *ConversationStorage) MostRecentOpenSession(ctx context.Context, userID string) (*storage.Session, error) {
	query := `SELECT id, user_id, started_at, ended_at, summary FROM sessions WHERE ended_at IS NULL`
	args := []any{}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT 1`

	return scanSession(s.db.QueryRowContext(ctx, query, args...))
}

// Close closes the database
func (s *ConversationStorage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*storage.Session, error) {
	var (
		session   storage.Session
		startedAt string
		endedAt   sql.NullString
		summary   sql.NullString
	)

	err := row.Scan(&session.ID, &session.UserID, &startedAt, &endedAt, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if session.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid && strings.TrimSpace(endedAt.String) != "" {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		session.EndedAt = &t
	}
	session.Summary = summary.String

	return &session, nil
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", value, err)
	}
	return t, nil
}
