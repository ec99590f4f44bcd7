// Package storage holds the durable conversation log: sessions and the
// finalized messages spoken or typed in them.
package storage

import (
	"context"
	"errors"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNotFound is returned when a session does not exist or no open session matches.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRole is returned when a message role is neither user nor assistant.
	ErrInvalidRole = errors.New("invalid message role")
	// ErrEmptyContent is returned when a message has no text.
	ErrEmptyContent = errors.New("empty message content")
)

// Session is one durable conversation.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Summary   string     `json:"summary,omitempty"`
}

// Open reports whether the session has not been marked ended.
func (s *Session) Open() bool {
	return s.EndedAt == nil
}

// Message is a finalized utterance. Messages are never mutated once written.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is implemented by the sqlite and postgres backends.
type Store interface {
	CreateSession(ctx context.Context, userID string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error)
	EndSession(ctx context.Context, id string) (*Session, error)
	SetSummary(ctx context.Context, id, summary string) error

	AppendMessage(ctx context.Context, sessionID, role, content string) (*Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]*Message, error)

	// MostRecentOpenSession returns the latest started session that has not
	// ended, optionally scoped to userID. ErrNotFound when there is none.
	MostRecentOpenSession(ctx context.Context, userID string) (*Session, error)

	Close() error
}

// ValidateMessage checks role and content before a write.
func ValidateMessage(role, content string) error {
	if role != RoleUser && role != RoleAssistant {
		return ErrInvalidRole
	}
	if content == "" {
		return ErrEmptyContent
	}
	return nil
}

// MessageSink adapts a Store to the narrow append/lookup view used by live
// voice sessions. OnAppend, when set, is called after every successful write.
type MessageSink struct {
	Store    Store
	UserID   string
	OnAppend func(*Message)
}

func (s *MessageSink) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	msg, err := s.Store.AppendMessage(ctx, sessionID, role, content)
	if err != nil {
		return err
	}
	if s.OnAppend != nil {
		s.OnAppend(msg)
	}
	return nil
}

// MostRecentOpenSession returns "" with a nil error when no open session exists.
func (s *MessageSink) MostRecentOpenSession(ctx context.Context) (string, error) {
	session, err := s.Store.MostRecentOpenSession(ctx, s.UserID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return session.ID, nil
}
