// Package storetest is a behavioral test suite shared by every storage backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/co-coach/internal/storage"
)

// Run exercises store against the storage.Store contract. store must be empty.
func Run(t *testing.T, store storage.Store) {
	ctx := context.Background()

	t.Run("append and list in order", func(t *testing.T) {
		session, err := store.CreateSession(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, session.Open())

		_, err = store.AppendMessage(ctx, session.ID, storage.RoleUser, "I feel anxious today")
		require.NoError(t, err)
		_, err = store.AppendMessage(ctx, session.ID, storage.RoleAssistant, "Hello there")
		require.NoError(t, err)

		messages, err := store.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, storage.RoleUser, messages[0].Role)
		assert.Equal(t, "I feel anxious today", messages[0].Content)
		assert.Equal(t, storage.RoleAssistant, messages[1].Role)
		assert.Equal(t, "Hello there", messages[1].Content)
		assert.Equal(t, session.ID, messages[1].SessionID)
	})

	t.Run("append rejects bad input", func(t *testing.T) {
		session, err := store.CreateSession(ctx, "alice")
		require.NoError(t, err)

		_, err = store.AppendMessage(ctx, session.ID, "narrator", "hi")
		assert.ErrorIs(t, err, storage.ErrInvalidRole)

		_, err = store.AppendMessage(ctx, session.ID, storage.RoleUser, "")
		assert.ErrorIs(t, err, storage.ErrEmptyContent)

		_, err = store.AppendMessage(ctx, "00000000-0000-0000-0000-000000000000", storage.RoleUser, "hi")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("most recent open session", func(t *testing.T) {
		older, err := store.CreateSession(ctx, "bob")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		newer, err := store.CreateSession(ctx, "bob")
		require.NoError(t, err)

		found, err := store.MostRecentOpenSession(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, newer.ID, found.ID)

		ended, err := store.EndSession(ctx, newer.ID)
		require.NoError(t, err)
		assert.False(t, ended.Open())

		found, err = store.MostRecentOpenSession(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, older.ID, found.ID)

		_, err = store.EndSession(ctx, older.ID)
		require.NoError(t, err)
		_, err = store.MostRecentOpenSession(ctx, "bob")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("end is idempotent", func(t *testing.T) {
		session, err := store.CreateSession(ctx, "carol")
		require.NoError(t, err)

		first, err := store.EndSession(ctx, session.ID)
		require.NoError(t, err)
		require.NotNil(t, first.EndedAt)

		second, err := store.EndSession(ctx, session.ID)
		require.NoError(t, err)
		require.NotNil(t, second.EndedAt)
		assert.True(t, first.EndedAt.Equal(*second.EndedAt))
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := store.GetSession(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.EndSession(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		err = store.SetSummary(ctx, "00000000-0000-0000-0000-000000000000", "x")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("summary and listing", func(t *testing.T) {
		session, err := store.CreateSession(ctx, "dave")
		require.NoError(t, err)
		require.NoError(t, store.SetSummary(ctx, session.ID, "Talked about sleep."))

		got, err := store.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, "Talked about sleep.", got.Summary)

		sessions, err := store.ListSessions(ctx, "dave", 10)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, session.ID, sessions[0].ID)

		all, err := store.ListSessions(ctx, "", 100)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(all), 2)
	})

	t.Run("message sink adapter", func(t *testing.T) {
		var appended []*storage.Message
		sink := &storage.MessageSink{
			Store:    store,
			UserID:   "erin",
			OnAppend: func(m *storage.Message) { appended = append(appended, m) },
		}

		id, err := sink.MostRecentOpenSession(ctx)
		require.NoError(t, err)
		assert.Empty(t, id)

		session, err := store.CreateSession(ctx, "erin")
		require.NoError(t, err)

		id, err = sink.MostRecentOpenSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, session.ID, id)

		require.NoError(t, sink.AppendMessage(ctx, id, storage.RoleUser, "hello"))
		require.Len(t, appended, 1)
		assert.Equal(t, "hello", appended[0].Content)
	})
}
