package realtime

import (
	"context"
	"errors"
	"sync"
)

type appended struct {
	SessionID string
	Role      string
	Content   string
}

type fakeSink struct {
	mu        sync.Mutex
	messages  []appended
	openID    string
	lookupErr error
	appendErr error
	lookups   int
}

func (s *fakeSink) AppendMessage(_ context.Context, sessionID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.messages = append(s.messages, appended{SessionID: sessionID, Role: role, Content: content})
	return nil
}

func (s *fakeSink) MostRecentOpenSession(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	return s.openID, s.lookupErr
}

func (s *fakeSink) Messages() []appended {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appended(nil), s.messages...)
}

func (s *fakeSink) Lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

var errBoom = errors.New("boom")

func strPtr(s string) *string { return &s }
