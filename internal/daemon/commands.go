package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/agentherd/internal/frontend"
	"github.com/nextlevelbuilder/agentherd/internal/frontend/telegram"
	"github.com/nextlevelbuilder/agentherd/internal/registry"
	"github.com/nextlevelbuilder/agentherd/internal/worker"
)

const helpText = `Commands:
/tasks - list tasks and their state
/spawn <name> <dir> [description] - new task in an existing directory
/worktree <name> <repo> [description] - new task on a fresh git worktree
/pause <name> - stop the task's agent, keep its session
/resume <name> - restart a paused task
/cleanup <name> - remove a task, its topic and its worktree
/archive <name> - remove a task but keep its topic (closed)
/todo <item> - append to this task's TODO file
/help - this text

Anything else you type is sent to this topic's agent.`

// handleCommand dispatches slash commands. Returns false for commands it
// does not know, which then go to the agent like any other text.
func (d *Daemon) handleCommand(ctx context.Context, msg frontend.IncomingMessage) bool {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return false
	}
	// Group chats suffix commands with the bot name: /tasks@somebot.
	name, _, _ := strings.Cut(fields[0], "@")
	args := fields[1:]

	switch name {
	case "/help":
		d.reply(ctx, msg.TaskID, helpText)
	case "/tasks":
		d.reply(ctx, msg.TaskID, d.listTasks())
	case "/spawn":
		d.cmdSpawn(ctx, msg.TaskID, args, false)
	case "/worktree":
		d.cmdSpawn(ctx, msg.TaskID, args, true)
	case "/pause":
		d.cmdLifecycle(ctx, msg.TaskID, args, "pause", func(n string) error {
			return d.workers.Pause(n)
		})
	case "/resume":
		d.cmdLifecycle(ctx, msg.TaskID, args, "resume", func(n string) error {
			return d.workers.Resume(ctx, n)
		})
	case "/cleanup":
		d.cmdLifecycle(ctx, msg.TaskID, args, "cleanup", func(n string) error {
			return d.workers.Cleanup(ctx, n, false)
		})
	case "/archive":
		d.cmdLifecycle(ctx, msg.TaskID, args, "archive", func(n string) error {
			return d.workers.Cleanup(ctx, n, true)
		})
	case "/todo":
		d.cmdTodo(ctx, msg.TaskID, args)
	default:
		return false
	}
	return true
}

func (d *Daemon) listTasks() string {
	tasks := d.store.AllTasks()
	if len(tasks) == 0 {
		return "No tasks yet."
	}

	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Tasks:\n")
	for _, name := range names {
		t := tasks[name]
		state := "stopped"
		if d.sup.IsRunning(name) {
			state = "running"
		} else if t.Status == registry.StatusPaused {
			state = registry.StatusPaused
		}
		fmt.Fprintf(&b, "• %s (%s, %s)", name, t.Type, state)
		if t.Description != "" {
			fmt.Fprintf(&b, " — %s", clip(t.Description, 60))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// cmdSpawn handles /spawn (existing directory) and /worktree (fresh git
// worktree): <name> <dir-or-repo> [description...].
func (d *Daemon) cmdSpawn(ctx context.Context, replyTo string, args []string, worktree bool) {
	if len(args) < 2 {
		usage := "Usage: /spawn <name> <dir> [description]"
		if worktree {
			usage = "Usage: /worktree <name> <repo> [description]"
		}
		d.reply(ctx, replyTo, usage)
		return
	}
	name, path := args[0], args[1]
	description := strings.Join(args[2:], " ")

	var err error
	if worktree {
		_, err = d.workers.SpawnWorktree(ctx, path, name, description)
	} else {
		_, err = d.workers.SpawnSession(ctx, path, name, description)
	}
	if err != nil {
		d.reply(ctx, replyTo, fmt.Sprintf("Spawn failed: %v", err))
		return
	}
	d.reply(ctx, replyTo, fmt.Sprintf("Task %s created.", name))
}

func (d *Daemon) cmdLifecycle(ctx context.Context, replyTo string, args []string, verb string, op func(string) error) {
	if len(args) != 1 {
		d.reply(ctx, replyTo, fmt.Sprintf("Usage: /%s <name>", verb))
		return
	}
	if err := op(args[0]); err != nil {
		d.reply(ctx, replyTo, fmt.Sprintf("Failed to %s %s: %v", verb, args[0], err))
		return
	}
	d.reply(ctx, replyTo, fmt.Sprintf("Task %s: %s done.", args[0], verb))
}

// cmdTodo appends an item to the TODO file of the task whose topic the
// command arrived in.
func (d *Daemon) cmdTodo(ctx context.Context, taskID string, args []string) {
	if len(args) == 0 {
		d.reply(ctx, taskID, "Usage: /todo <item>")
		return
	}
	task, ok := d.store.GetTask(taskID)
	if !ok || task.Path == "" {
		d.reply(ctx, taskID, "No task directory for this topic.")
		return
	}
	item := strings.Join(args, " ")
	if err := worker.AppendTodo(task.Path, item); err != nil {
		d.reply(ctx, taskID, fmt.Sprintf("Failed to add todo: %v", err))
		return
	}
	d.reply(ctx, taskID, "Added to "+worker.TodoFile+".")
}

func (d *Daemon) reply(ctx context.Context, taskID, text string) {
	if _, err := d.chat.Send(ctx, taskID, telegram.EscapeMarkdownV2(text), nil); err != nil {
		slog.Warn("command reply failed", "task", taskID, "error", err)
	}
}
