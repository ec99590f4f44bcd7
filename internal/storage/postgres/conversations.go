// Package postgres stores the conversation log in PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/yegors/co-coach/internal/storage"
	"github.com/yegors/co-coach/pkg/logger"
)

// ConversationStorage stores sessions and messages in PostgreSQL
type ConversationStorage struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

var _ storage.Store = (*ConversationStorage)(nil)

// Open connects to databaseURL and applies migrations
func Open(ctx context.Context, databaseURL string, log *logger.Logger) (*ConversationStorage, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = storage.Migrate(ctx, db, storage.DialectPostgres)
	db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &ConversationStorage{
		pool:   pool,
		logger: log.Named("pg-conv"),
	}, nil
}

// CreateSession starts a new conversation for userID
func (s *ConversationStorage) CreateSession(ctx context.Context, userID string) (*storage.Session, error) {
	session := &storage.Session{ID: uuid.NewString(), UserID: userID}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id) VALUES ($1, $2) RETURNING started_at`,
		session.ID, userID,
	).Scan(&session.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	session.StartedAt = session.StartedAt.UTC()

	s.logger.Debug("Created session", logger.String("session_id", session.ID), logger.String("user_id", userID))
	return session, nil
}

// GetSession returns a session by id
func (s *ConversationStorage) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, storage.ErrNotFound
	}
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT id::text, user_id, started_at, ended_at, COALESCE(summary, '') FROM sessions WHERE id = $1`, id))
}

// ListSessions returns sessions newest first. An empty userID lists every user.
func (s *ConversationStorage) ListSessions(ctx context.Context, userID string, limit int) ([]*storage.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id::text, user_id, started_at, ended_at, COALESCE(summary, '')
		FROM sessions
		WHERE $1::text = '' OR user_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2`,
		userID, limit,
	)
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
	if _, err := uuid.Parse(id); err != nil {
		return nil, storage.ErrNotFound
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = now() WHERE id = $1 AND ended_at IS NULL`, id); err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// SetSummary stores a transcript summary on the session
func (s *ConversationStorage) SetSummary(ctx context.Context, id, summary string) error {
	if _, err := uuid.Parse(id); err != nil {
		return storage.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET summary = $2 WHERE id = $1`, id, summary)
	if err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AppendMessage writes a finalized utterance to the session's log
func (s *ConversationStorage) AppendMessage(ctx context.Context, sessionID, role, content string) (*storage.Message, error) {
	if err := storage.ValidateMessage(role, content); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}

	msg := &storage.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (id, session_id, role, content)
		SELECT $1::uuid, $2::uuid, $3::text, $4::text WHERE EXISTS (SELECT 1 FROM sessions WHERE id = $2::uuid)
		RETURNING created_at`,
		msg.ID, sessionID, role, content,
	).Scan(&msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	return msg, nil
}

// ListMessages returns a session's messages in the order they were written
func (s *ConversationStorage) ListMessages(ctx context.Context, sessionID string) ([]*storage.Message, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return []*storage.Message{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id::text, session_id::text, role, content, created_at
		FROM messages WHERE session_id = $1 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*storage.Message, 0)
	for rows.Next() {
		var msg storage.Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// MostRecentOpenSession returns the latest session that has not ended
func (s *ConversationStorage) MostRecentOpenSession(ctx context.Context, userID string) (*storage.Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT id::text, user_id, started_at, ended_at, COALESCE(summary, '')
		FROM sessions
		WHERE ended_at IS NULL AND ($1::text = '' OR user_id = $1)
		ORDER BY started_at DESC
		LIMIT 1`,
		userID,
	))
}

// Close releases the connection pool
func (s *ConversationStorage) Close() error {
	s.pool.Close()
	return nil
}

func scanSession(row pgx.Row) (*storage.Session, error) {
	var (
		session storage.Session
		endedAt *time.Time
	)

	err := row.Scan(&session.ID, &session.UserID, &session.StartedAt, &endedAt, &session.Summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	session.StartedAt = session.StartedAt.UTC()
	if endedAt != nil {
		t := endedAt.UTC()
		session.EndedAt = &t
	}
	return &session, nil
}
