package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anemos/assistant-fabric/internal/skills"
)

// ToolAgent looks up a requested skill in the registry, validates its
// arguments, and runs it. It never talks to the model gateway.
type ToolAgent struct {
	Registry *skills.Registry
}

// ToolOutcome is the result of running one tool call, shaped to become
// a bus.ToolResult once the caller attaches TaskID.
type ToolOutcome struct {
	Name   string
	OK     bool
	Result json.RawMessage
	Error  string
}

// Invoke validates call.Arguments against the named skill's schema and
// runs it, translating both validation failures and runtime errors into
// a ToolOutcome rather than propagating them as Go errors — a failed
// tool call is a normal orchestration outcome, not an exceptional one.
func (t *ToolAgent) Invoke(ctx context.Context, call *ToolCallRequest) ToolOutcome {
	if call == nil {
		return ToolOutcome{Error: "nil tool call"}
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return ToolOutcome{Name: call.Name, Error: fmt.Sprintf("invalid arguments: %v", err)}
		}
	}

	out, err := t.Registry.Dispatch(ctx, call.Name, args)
	if err != nil {
		return ToolOutcome{Name: call.Name, Error: err.Error()}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return ToolOutcome{Name: call.Name, Error: fmt.Sprintf("marshal result: %v", err)}
	}
	return ToolOutcome{Name: call.Name, OK: true, Result: data}
}
