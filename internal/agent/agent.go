// Package agent builds the message context handed to a model provider
// and interprets its response, without ever knowing which concrete
// provider answered.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anemos/assistant-fabric/internal/taskstore"
)

// Message is one turn in the array handed to a model gateway.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ToolSpec describes one callable skill to the model, mirroring its
// registry descriptor.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// GenerateRequest is what AssistantAgent hands to a ModelGateway.
type GenerateRequest struct {
	Messages []Message
	Tools    []ToolSpec
}

// ResponseKind distinguishes a plain text reply from a tool invocation
// request.
type ResponseKind string

const (
	KindText     ResponseKind = "text"
	KindToolCall ResponseKind = "tool_call"
)

// ToolCallRequest is the parsed shape of a model's request to invoke a
// skill.
type ToolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// GenerateResponse is a ModelGateway's answer to a GenerateRequest.
type GenerateResponse struct {
	Kind     ResponseKind
	Text     string
	ToolCall *ToolCallRequest

	// Quality is the model's own self-reported confidence in Text, on a
	// [0,1] scale. Zero means the gateway doesn't report one, in which
	// case Text is trusted as a final answer without a quality-threshold
	// check.
	Quality float64
}

// ModelGateway is the abstract boundary to whichever model provider is
// configured. The fabric never depends on a concrete provider SDK; it
// wires this interface to one wherever the deployment configures it.
type ModelGateway interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	Stream(ctx context.Context, req GenerateRequest, onToken func(token string) error) (GenerateResponse, error)
}

// SystemPromptFunc builds the system prompt for a task, e.g. from a
// persona file plus the set of skills currently available.
type SystemPromptFunc func(tools []ToolSpec) string

// AssistantAgent assembles a task's message array and asks the model
// gateway to continue the conversation. It never itself executes a
// tool; it only recognizes when the model wants one.
type AssistantAgent struct {
	Gateway      ModelGateway
	SystemPrompt SystemPromptFunc
	Tools        []ToolSpec
}

// Step runs one model turn given a task's bounded window and the
// user-data block, returning either text or a tool call request.
func (a *AssistantAgent) Step(ctx context.Context, window []taskstore.WindowEntry, userDataBlock string) (GenerateResponse, error) {
	messages := a.buildMessages(window, userDataBlock)
	return a.Gateway.Generate(ctx, GenerateRequest{Messages: messages, Tools: a.Tools})
}

// StreamStep is Step's streaming counterpart: onToken is invoked for
// each incremental chunk of a text response as it arrives. Tool-call
// responses are not streamed; onToken is never called if the model
// answers with a tool call.
func (a *AssistantAgent) StreamStep(ctx context.Context, window []taskstore.WindowEntry, userDataBlock string, onToken func(string) error) (GenerateResponse, error) {
	messages := a.buildMessages(window, userDataBlock)
	return a.Gateway.Stream(ctx, GenerateRequest{Messages: messages, Tools: a.Tools}, onToken)
}

func (a *AssistantAgent) buildMessages(window []taskstore.WindowEntry, userDataBlock string) []Message {
	var systemPrompt string
	if a.SystemPrompt != nil {
		systemPrompt = a.SystemPrompt(a.Tools)
	}

	messages := make([]Message, 0, len(window)+2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	if userDataBlock != "" {
		messages = append(messages, Message{Role: "system", Content: userDataBlock})
	}
	for _, entry := range window {
		role := entry.Role
		if role != "user" && role != "assistant" && role != "system" {
			role = "user"
		}
		messages = append(messages, Message{Role: role, Content: entry.Text})
	}
	return messages
}

// FormatToolDiagnostic renders a tool call the orchestrator declined to
// run (non-autonomous mode) as a plain-text diagnostic appended to the
// reply, instead of executing it.
func FormatToolDiagnostic(call *ToolCallRequest) string {
	if call == nil {
		return ""
	}
	args := strings.TrimSpace(string(call.Arguments))
	if args == "" {
		args = "{}"
	}
	return fmt.Sprintf("\n\n[tool call suppressed: %s(%s) — autonomous mode is off]", call.Name, args)
}

// FormatIterationLimitNotice appends a user-visible annotation to text
// marking it as a best-effort answer surfaced because the bounded
// iteration budget ran out before the model reached a final response.
func FormatIterationLimitNotice(text string) string {
	return text + "\n\n[iteration limit reached: replying with the last partial answer]"
}

// FormatStreamInterruptedNotice appends the user-visible suffix marking a
// reply as cut short by the model stream disconnecting mid-token.
func FormatStreamInterruptedNotice(text string) string {
	return text + " (connection interrupted)"
}
