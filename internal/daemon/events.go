package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/agentherd/internal/agent"
	"github.com/nextlevelbuilder/agentherd/internal/frontend/telegram"
	"github.com/nextlevelbuilder/agentherd/internal/registry"
	"github.com/nextlevelbuilder/agentherd/internal/supervisor"
)

// handleAgentEvents is the loop over the supervisor's multiplexed stream.
func (d *Daemon) handleAgentEvents(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-d.sup.Events():
			if !ok {
				return nil
			}
			d.handleAgentEvent(ctx, ev)
		case <-d.sup.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Daemon) handleAgentEvent(ctx context.Context, ev supervisor.NamedEvent) {
	switch e := ev.Event.(type) {
	case agent.SystemInit:
		// The CLI re-announces the session id after internal rotation,
		// so it is re-tracked on every init.
		sid := e.SessionID
		d.store.UpdateSessionTracking(ev.Task, registry.SessionUpdate{SessionID: &sid})
		slog.Info("session tracked", "task", ev.Task, "session_id", sid)

	case agent.AssistantMessage:
		if agent.HasThinking(e) {
			slog.Debug("assistant thinking", "task", ev.Task)
		}
		if text := agent.ExtractText(e); text != "" {
			if _, err := d.chat.Send(ctx, ev.Task, telegram.EscapeMarkdownV2(text), nil); err != nil {
				slog.Warn("chat send failed", "task", ev.Task, "error", err)
			}
		}
		for _, t := range agent.ExtractToolUses(e) {
			slog.Info("tool requested", "task", ev.Task, "tool", formatToolDetail(t.Name, t.Input))
		}

	case agent.Result:
		// End of a turn, not of the session; too noisy for the chat.
		slog.Info("turn complete", "task", ev.Task,
			"success", e.Success, "cost_usd", e.Cost, "turns", e.Turns)

	case agent.ProcessError:
		slog.Warn("process error", "task", ev.Task, "error", e.Err)
		notice := "Process error: " + e.Err.Error()
		if _, err := d.chat.Send(ctx, ev.Task, telegram.EscapeMarkdownV2(notice), nil); err != nil {
			slog.Warn("error notice failed", "task", ev.Task, "error", err)
		}
	}
}

// formatToolDetail renders a tool invocation with its most telling input
// field, for logs and permission prompts.
func formatToolDetail(name string, input json.RawMessage) string {
	var in map[string]any
	if len(input) == 0 || json.Unmarshal(input, &in) != nil {
		return name
	}
	pick := func(key string) string {
		s, _ := in[key].(string)
		return s
	}
	switch name {
	case "Bash":
		if cmd := pick("command"); cmd != "" {
			return fmt.Sprintf("Bash(%s)", clip(cmd, 80))
		}
	case "Read", "Write", "Edit":
		if p := pick("file_path"); p != "" {
			return fmt.Sprintf("%s(%s)", name, p)
		}
	case "Grep", "Glob":
		if p := pick("pattern"); p != "" {
			return fmt.Sprintf("%s(%s)", name, p)
		}
	}
	return name
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
