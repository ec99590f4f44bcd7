package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolsDefinitionsSortedWithDefaultSchema(t *testing.T) {
	tools := NewTools(
		Tool{Name: "end_conversation", Description: "End the call"},
		Tool{Name: "current_time", Parameters: json.RawMessage(`{"type":"object","properties":{"tz":{"type":"string"}}}`)},
	)

	defs := tools.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "current_time", defs[0].Name)
	assert.Equal(t, "end_conversation", defs[1].Name)
	assert.Equal(t, "function", defs[1].Type)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(defs[1].Parameters))

	assert.Nil(t, Tools(nil).Definitions())
}

func TestToolsCall(t *testing.T) {
	tools := NewTools(
		Tool{
			Name: "echo",
			Handler: func(_ context.Context, args json.RawMessage) (any, error) {
				var in struct {
					Say string `json:"say"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, err
				}
				return map[string]string{"said": in.Say}, nil
			},
		},
		Tool{
			Name: "broken",
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return nil, errors.New("unavailable")
			},
		},
	)

	assert.JSONEq(t, `{"said":"hi"}`, tools.Call(context.Background(), "echo", `{"say":"hi"}`))
	assert.JSONEq(t, `{"said":""}`, tools.Call(context.Background(), "echo", ""))
	assert.JSONEq(t, `{"error":"unavailable"}`, tools.Call(context.Background(), "broken", "{}"))
	assert.JSONEq(t, `{"error":"unknown tool \"missing\""}`, tools.Call(context.Background(), "missing", "{}"))
}
