// Package permission is the rendezvous between agent tool hooks (blocking
// HTTP calls) and human decisions (arriving from chat callbacks).
package permission

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Decision is a permission verdict.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// DefaultTimeout is how long a hook blocks waiting for a human.
const DefaultTimeout = 300 * time.Second

// autoAllowed tools never reach a human.
var autoAllowed = map[string]bool{
	"Read":      true,
	"Grep":      true,
	"Glob":      true,
	"TodoRead":  true,
	"TodoWrite": true,
}

type reply struct {
	decision Decision
	reason   string
}

// Pending is one tool invocation waiting on a decision.
type Pending struct {
	ToolName   string
	ToolInput  json.RawMessage
	ToolUseID  string
	SessionID  string
	Cwd        string
	ChatMsgID  string
	replySlot  chan reply
	registered time.Time
}

// Notification tells the daemon a new request needs a chat prompt.
type Notification struct {
	ToolUseID string
	SessionID string
}

// Broker tracks pending permissions by tool_use_id. The mutex guards the
// maps only; waiting happens on each record's one-shot reply channel so a
// slow human never holds the lock.
type Broker struct {
	mu        sync.Mutex
	pending   map[string]*Pending
	msgToTool map[string]string
	notify    chan Notification
	timeout   time.Duration
}

// NewBroker builds a Broker. A zero timeout means DefaultTimeout.
func NewBroker(timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		pending:   make(map[string]*Pending),
		msgToTool: make(map[string]string),
		notify:    make(chan Notification, 64),
		timeout:   timeout,
	}
}

// Request blocks until a decision arrives or the timeout elapses.
// Auto-allowed tools return immediately. The pending record and its
// message mapping are removed on the way out, whatever the outcome.
func (b *Broker) Request(toolName string, toolInput json.RawMessage, toolUseID, sessionID, cwd string) (Decision, string) {
	if autoAllowed[toolName] {
		slog.Debug("permission auto-allowed", "tool", toolName, "tool_use_id", toolUseID)
		return Allow, "Auto-allowed: " + toolName
	}

	p := &Pending{
		ToolName:   toolName,
		ToolInput:  toolInput,
		ToolUseID:  toolUseID,
		SessionID:  sessionID,
		Cwd:        cwd,
		replySlot:  make(chan reply, 1),
		registered: time.Now(),
	}

	b.mu.Lock()
	b.pending[toolUseID] = p
	b.mu.Unlock()
	defer b.remove(toolUseID)

	slog.Info("permission requested", "tool", toolName, "tool_use_id", toolUseID, "session_id", sessionID)

	select {
	case b.notify <- Notification{ToolUseID: toolUseID, SessionID: sessionID}:
	default:
		slog.Warn("permission notification queue full, prompt dropped", "tool_use_id", toolUseID)
	}

	select {
	case r := <-p.replySlot:
		slog.Info("permission decided", "tool", toolName, "tool_use_id", toolUseID, "decision", r.decision)
		return r.decision, r.reason
	case <-time.After(b.timeout):
		slog.Warn("permission timed out", "tool", toolName, "tool_use_id", toolUseID)
		return Deny, "Permission request timed out"
	}
}

func (b *Broker) remove(toolUseID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, toolUseID)
	for msgID, tid := range b.msgToTool {
		if tid == toolUseID {
			delete(b.msgToTool, msgID)
		}
	}
}

// Respond fulfils a pending request. The second response to the same id
// returns false, as does an unknown id.
func (b *Broker) Respond(toolUseID string, decision Decision, reason string) bool {
	b.mu.Lock()
	p, ok := b.pending[toolUseID]
	b.mu.Unlock()
	if !ok {
		slog.Debug("respond: tool_use_id not pending", "tool_use_id", toolUseID)
		return false
	}
	select {
	case p.replySlot <- reply{decision: decision, reason: reason}:
		return true
	default:
		return false
	}
}

// RespondByMessage resolves a decision arriving as a chat callback on the
// prompt message.
func (b *Broker) RespondByMessage(msgID string, decision Decision, reason string) bool {
	b.mu.Lock()
	toolUseID, ok := b.msgToTool[msgID]
	b.mu.Unlock()
	if !ok {
		slog.Debug("respond: message not mapped", "msg_id", msgID)
		return false
	}
	return b.Respond(toolUseID, decision, reason)
}

// RegisterChatMessage binds the posted prompt message to its request so
// button callbacks can find it.
func (b *Broker) RegisterChatMessage(toolUseID, msgID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[toolUseID]
	if !ok {
		return
	}
	p.ChatMsgID = msgID
	b.msgToTool[msgID] = toolUseID
}

// Pending returns a snapshot of a pending request.
func (b *Broker) Pending(toolUseID string) (Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[toolUseID]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// Notifications is the stream of requests needing a chat prompt.
func (b *Broker) Notifications() <-chan Notification {
	return b.notify
}
