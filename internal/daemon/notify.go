package daemon

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/agentherd/internal/frontend"
	"github.com/nextlevelbuilder/agentherd/internal/frontend/telegram"
	"github.com/nextlevelbuilder/agentherd/internal/permission"
)

// handleNotifications is the loop that turns pending permission requests
// into chat prompts with Allow/Deny buttons.
func (d *Daemon) handleNotifications(ctx context.Context) error {
	for {
		select {
		case n, ok := <-d.broker.Notifications():
			if !ok {
				return nil
			}
			d.notifyPermission(ctx, n)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Daemon) notifyPermission(ctx context.Context, n permission.Notification) {
	p, ok := d.broker.Pending(n.ToolUseID)
	if !ok {
		return // resolved before we got here
	}
	if p.ChatMsgID != "" {
		return // already prompted
	}

	task, ok := d.store.TaskForSession(n.SessionID)
	if !ok {
		// The session id no longer maps to a task (the CLI rotates ids
		// internally); the operator thread takes the prompt rather than
		// letting the hook time out to a deny.
		slog.Warn("permission for unmapped session, prompting operator",
			"session_id", n.SessionID, "tool_use_id", n.ToolUseID)
		task = frontend.OperatorTask
	}

	msgID, err := d.chat.Send(ctx, task, permissionPrompt(p), []frontend.Button{
		{Text: "✅ Allow", CallbackData: "allow:" + n.ToolUseID},
		{Text: "❌ Deny", CallbackData: "deny:" + n.ToolUseID},
	})
	if err != nil {
		slog.Warn("permission prompt failed", "tool_use_id", n.ToolUseID, "error", err)
		return
	}
	d.broker.RegisterChatMessage(n.ToolUseID, msgID)
	slog.Info("permission prompt posted", "task", task, "tool", p.ToolName, "msg_id", msgID)
}

func permissionPrompt(p permission.Pending) string {
	var b strings.Builder
	b.WriteString("🔐 *Permission request*\n\n")
	b.WriteString(telegram.EscapeMarkdownV2(formatToolDetail(p.ToolName, p.ToolInput)))
	if p.Cwd != "" {
		b.WriteString("\n\nin ")
		b.WriteString(telegram.EscapeMarkdownV2(p.Cwd))
	}
	return b.String()
}
