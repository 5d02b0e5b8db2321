package daemon

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/agentherd/internal/frontend"
	"github.com/nextlevelbuilder/agentherd/internal/permission"
	"github.com/nextlevelbuilder/agentherd/internal/supervisor"
)

// handleIncoming is the loop over human inputs from the chat frontend.
func (d *Daemon) handleIncoming(ctx context.Context) error {
	for {
		select {
		case msg, ok := <-d.chat.Incoming():
			if !ok {
				return nil
			}
			d.handleMessage(ctx, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Daemon) handleMessage(ctx context.Context, msg frontend.IncomingMessage) {
	if msg.CallbackData != "" {
		d.handleCallback(ctx, msg)
		return
	}
	if msg.Text == "" {
		return
	}
	slog.Debug("incoming message", "task", msg.TaskID, "text", clip(msg.Text, 50))

	if strings.HasPrefix(msg.Text, "/") && d.handleCommand(ctx, msg) {
		return
	}
	d.route(ctx, msg.TaskID, msg.Text)
}

// handleCallback resolves permission button presses. The decided prompt
// keeps a single inert button showing the outcome.
func (d *Daemon) handleCallback(ctx context.Context, msg frontend.IncomingMessage) {
	action, toolUseID, ok := strings.Cut(msg.CallbackData, ":")
	if !ok {
		return
	}

	var decision permission.Decision
	var reason, label string
	switch action {
	case "allow":
		decision, reason, label = permission.Allow, "User approved", "✓ Allowed"
	case "deny":
		decision, reason, label = permission.Deny, "User denied", "✗ Denied"
	default:
		return
	}

	if !d.broker.Respond(toolUseID, decision, reason) {
		slog.Debug("callback for resolved request", "tool_use_id", toolUseID)
		return
	}
	err := d.chat.Update(ctx, msg.TaskID, msg.MsgID, "",
		[]frontend.Button{{Text: label, CallbackData: "noop"}})
	if err != nil {
		slog.Warn("prompt button update failed", "msg_id", msg.MsgID, "error", err)
	}
}

// route delivers text to a task's agent, resurrecting it when needed.
// Unknown tasks fall back to the operator; with no operator either, the
// message is dropped.
func (d *Daemon) route(ctx context.Context, taskID, text string) {
	if err := d.chat.ShowTyping(ctx, taskID); err != nil {
		slog.Debug("typing indicator failed", "task", taskID, "error", err)
	}

	if taskID != frontend.OperatorTask {
		err := d.sup.Send(ctx, taskID, text)
		if err == nil {
			return
		}
		if !errors.Is(err, supervisor.ErrUnknownTask) {
			slog.Warn("send to task failed, falling back to operator", "task", taskID, "error", err)
		}
	}

	if err := d.sup.Send(ctx, frontend.OperatorTask, text); err != nil {
		slog.Error("message dropped, no operator available", "task", taskID, "error", err)
	}
}
