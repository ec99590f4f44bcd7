package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ToolHandler runs one tool call. The result is JSON-encoded and returned to the model.
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (any, error)

// Tool is a function the model may call during a voice session.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema; nil means no arguments
	Handler     ToolHandler
}

// Tools maps tool names to their definitions. Each VoiceSession owns its own.
type Tools map[string]Tool

// NewTools indexes tools by name. Later duplicates replace earlier ones.
func NewTools(tools ...Tool) Tools {
	m := make(Tools, len(tools))
	for _, tool := range tools {
		m[tool.Name] = tool
	}
	return m
}

// Definitions returns what session.update advertises.
func (ts Tools) Definitions() []ToolDefinition {
	if len(ts) == 0 {
		return nil
	}
	defs := make([]ToolDefinition, 0, len(ts))
	for _, tool := range ts {
		params := tool.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		defs = append(defs, ToolDefinition{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Call runs the named tool and returns the JSON output sent back to the model.
// Failures become {"error": "..."} so the model can recover in conversation.
func (ts Tools) Call(ctx context.Context, name string, arguments string) string {
	tool, ok := ts[name]
	if !ok || tool.Handler == nil {
		return errorOutput(fmt.Errorf("unknown tool %q", name))
	}

	args := json.RawMessage(arguments)
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return errorOutput(err)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return errorOutput(fmt.Errorf("encode result: %w", err))
	}
	return string(out)
}

func errorOutput(err error) string {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(out)
}
