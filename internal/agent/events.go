package agent

import "encoding/json"

// Event is one typed item from the agent's stdout stream. The concrete
// types are SystemInit, AssistantMessage, UserEcho, Result, and the
// supervisor-synthesized ProcessError.
type Event interface {
	event()
}

// ContentBlock is one element of an assistant or user message body.
// Type is "text", "thinking", "tool_use" or "tool_result".
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// SystemInit announces a session id. The CLI emits it at startup and again
// whenever it rotates the session internally, so the id must be re-tracked
// every time one arrives.
type SystemInit struct {
	SessionID string
	Tools     []string
	Model     string
}

// AssistantMessage carries the model's content blocks for one message.
type AssistantMessage struct {
	MsgID   string
	Model   string
	Content []ContentBlock
}

// UserEcho is the stream's echo of injected user input and tool results.
type UserEcho struct {
	Content []ContentBlock
}

// Result closes a turn: success flag, final text, cost and turn count.
type Result struct {
	Success   bool
	Result    string
	Cost      float64
	Turns     int
	SessionID string
}

// ProcessError is synthesized when a process dies abnormally. It never
// comes from the stream itself.
type ProcessError struct {
	Err error
}

func (SystemInit) event()       {}
func (AssistantMessage) event() {}
func (UserEcho) event()         {}
func (Result) event()           {}
func (ProcessError) event()     {}

// ToolUse is a tool invocation extracted from an assistant message.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ExtractText concatenates the text blocks of an assistant message.
func ExtractText(m AssistantMessage) string {
	var out string
	for _, b := range m.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// ExtractToolUses returns the tool_use blocks of an assistant message.
func ExtractToolUses(m AssistantMessage) []ToolUse {
	var uses []ToolUse
	for _, b := range m.Content {
		if b.Type == "tool_use" {
			uses = append(uses, ToolUse{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return uses
}

// HasThinking reports whether the message contains thinking blocks.
func HasThinking(m AssistantMessage) bool {
	for _, b := range m.Content {
		if b.Type == "thinking" {
			return true
		}
	}
	return false
}
