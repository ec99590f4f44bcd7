package gemini

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yegors/co-coach/internal/ai"
	"github.com/yegors/co-coach/pkg/logger"
	"google.golang.org/genai"
)

func TestToContentsMapsRoles(t *testing.T) {
	system, contents := toContents([]ai.ChatMessage{
		{Role: ai.RoleSystem, Content: "be kind"},
		{Role: ai.RoleUser, Content: "hi"},
		{Role: ai.RoleAssistant, Content: "hello"},
		{Role: ai.RoleSystem, Content: "be brief"},
	})

	require.NotNil(t, system)
	require.Len(t, system.Parts, 1)
	assert.Equal(t, "be kind\n\nbe brief", system.Parts[0].Text)

	require.Len(t, contents, 2)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, "hi", contents[0].Parts[0].Text)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, "hello", contents[1].Parts[0].Text)
}

func TestToContentsWithoutSystem(t *testing.T) {
	system, contents := toContents([]ai.ChatMessage{{Role: ai.RoleUser, Content: "hi"}})
	assert.Nil(t, system)
	assert.Len(t, contents, 1)
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(context.Background(), "", "", logger.NewNop())
	assert.Error(t, err)
}
