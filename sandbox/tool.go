package sandbox

import (
	"context"
	"encoding/json"

	"github.com/nevindra/mirage"
)

// ToolName is the function name the model calls to run a command.
const ToolName = "execute_command"

// Tool exposes an Executor as a mirage.Tool bound to one session's work
// directory. The Executor is shared; the binding is per-session.
type Tool struct {
	exec    *Executor
	workDir string
}

// NewTool binds exec to workDir.
func NewTool(exec *Executor, workDir string) *Tool {
	return &Tool{exec: exec, workDir: workDir}
}

func (t *Tool) Definitions() []mirage.ToolDefinition {
	return []mirage.ToolDefinition{{
		Name:        ToolName,
		Description: "Execute a whitelisted shell command in the chat's working directory. Returns stdout and stderr. Available commands: " + allowedList + ".",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"}},"required":["command"]}`),
	}}
}

// Execute decodes the model-emitted arguments and runs the command. Malformed
// arguments become a structured failure so the model can see and correct them.
func (t *Tool) Execute(ctx context.Context, _ string, args string) json.RawMessage {
	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(args), &params); err != nil || params.Command == "" {
		return marshalResult(Result{Success: false, Error: "Invalid arguments"})
	}
	return marshalResult(t.exec.Execute(ctx, params.Command, t.workDir))
}

func marshalResult(r Result) json.RawMessage {
	out, _ := json.Marshal(r)
	return out
}

// Compile-time interface check.
var _ mirage.Tool = (*Tool)(nil)
