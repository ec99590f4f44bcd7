package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/co-coach/internal/storage"
)

func TestCoachTools(t *testing.T) {
	ended := make(chan string, 1)
	tools := coachTools(func(reason string) { ended <- reason })

	defs := tools.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "current_time", defs[0].Name)
	assert.Equal(t, "end_conversation", defs[1].Name)

	var now map[string]string
	require.NoError(t, json.Unmarshal([]byte(tools.Call(context.Background(), "current_time", "")), &now))
	assert.NotEmpty(t, now["time"])

	assert.JSONEq(t, `{"ok":true}`, tools.Call(context.Background(), "end_conversation", "{}"))
	select {
	case reason := <-ended:
		assert.Equal(t, "end_conversation", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("end_conversation did not finish the call")
	}
}

func TestPrintSession(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)

	var buf bytes.Buffer
	printSession(&buf, &storage.Session{ID: "s-1", StartedAt: started, EndedAt: &ended, Summary: "Calmer.\nMore detail"})
	assert.Contains(t, buf.String(), "s-1")
	assert.Contains(t, buf.String(), "ended after 1m30s")
	assert.Contains(t, buf.String(), "Calmer.")
	assert.NotContains(t, buf.String(), "More detail")

	buf.Reset()
	printSession(&buf, &storage.Session{ID: "s-2", StartedAt: started})
	assert.Contains(t, buf.String(), "open")
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty())
	assert.Equal(t, "coach", speaker(storage.RoleAssistant))
	assert.Equal(t, "you", speaker(storage.RoleUser))
}
