package worker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// NotesFile is the per-task scratchpad the agent keeps its learnings in.
const NotesFile = "NOTES.local.md"

// TodoFile is the per-task todo list humans can append to out of band.
const TodoFile = "TODO.local.md"

const notesTemplate = `# Task: %s

%s

## Instructions

- Update this file with learnings as you work. These persist across sessions.
- Check ` + TodoFile + ` periodically for new items from the user.
- Mark items done in ` + TodoFile + ` after completing them.

## Learnings

<!-- Add your learnings below -->
`

// writeTaskNotes bootstraps the notes file in a new task directory.
// An existing file is left alone so learnings survive respawns.
func writeTaskNotes(dir, name, description string) {
	path := filepath.Join(dir, NotesFile)
	if _, err := os.Stat(path); err == nil {
		return
	}
	if description == "" {
		description = "(No description provided)"
	}
	if err := os.WriteFile(path, fmt.Appendf(nil, notesTemplate, name, description), 0o644); err != nil {
		slog.Warn("failed to write task notes", "dir", dir, "error", err)
		return
	}
	slog.Info("created task notes", "path", path)
}

// AppendTodo adds one item to the task's todo file, creating it on first
// use.
func AppendTodo(dir, item string) error {
	path := filepath.Join(dir, TodoFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open todo file: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		if _, err := f.WriteString("# TODO\n\n"); err != nil {
			return fmt.Errorf("write todo header: %w", err)
		}
	}
	if _, err := fmt.Fprintf(f, "- [ ] %s\n", item); err != nil {
		return fmt.Errorf("append todo: %w", err)
	}
	return nil
}
