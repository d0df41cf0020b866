package mirage

import (
	"context"
	"encoding/json"
)

// Tool defines an agent capability with one or more tool functions.
//
// Execute receives the raw argument text exactly as the model emitted it;
// implementations are responsible for decoding it and must report malformed
// arguments inside the result rather than failing the turn. The returned
// value is always a valid JSON document describing the outcome.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name, args string) json.RawMessage
}

// ToolRegistry holds all registered tools and dispatches execution.
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Execute dispatches a tool call by name. Unknown tools produce a structured
// failure result so the model can see and react to the mistake.
func (r *ToolRegistry) Execute(ctx context.Context, name, args string) json.RawMessage {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t.Execute(ctx, name, args)
			}
		}
	}
	out, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   "Unknown tool: " + name,
	})
	return out
}
