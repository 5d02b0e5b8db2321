package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// SetupHookName is an optional executable at the repository root, run in
// each new worktree after creation.
const SetupHookName = ".agentherd-setup.sh"

const setupHookTimeout = 60 * time.Second

// WorktreePath is where a task's worktree lives under its repository.
func WorktreePath(repo, name string) string {
	return filepath.Join(repo, "trees", name)
}

// createWorktree makes a git worktree on a fresh branch named after the
// task. When the branch already exists (a respawn after cleanup kept it),
// it is checked out instead.
func createWorktree(repo, name string) (string, error) {
	path := WorktreePath(repo, name)
	if _, err := os.Stat(path); err == nil {
		slog.Info("worktree already exists", "path", path)
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create worktree parent: %w", err)
	}

	out, err := exec.Command("git", "-C", repo, "worktree", "add", "-b", name, path, "HEAD").CombinedOutput()
	if err != nil {
		out, err = exec.Command("git", "-C", repo, "worktree", "add", path, name).CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("git worktree add: %s: %w", out, err)
		}
	}
	slog.Info("created worktree", "path", path, "branch", name)

	if err := runSetupHook(repo, name, path); err != nil {
		slog.Warn("setup hook failed", "task", name, "error", err)
	}
	return path, nil
}

// deleteWorktree removes a task's worktree. A missing directory counts as
// success.
func deleteWorktree(repo, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	out, err := exec.Command("git", "-C", repo, "worktree", "remove", "--force", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("git worktree remove: %s: %w", out, err)
	}
	slog.Info("deleted worktree", "path", path)
	return nil
}

// runSetupHook executes the repo's setup hook inside the worktree with
// task metadata in the environment. No hook file means nothing to do.
func runSetupHook(repo, name, worktree string) error {
	hook := filepath.Join(repo, SetupHookName)
	if _, err := os.Stat(hook); os.IsNotExist(err) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupHookTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", hook)
	cmd.Dir = worktree
	cmd.Env = append(os.Environ(),
		"TASK_NAME="+name,
		"REPO_PATH="+repo,
		"WORKTREE_PATH="+worktree,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("setup hook: %s: %w", out, err)
	}
	slog.Info("setup hook completed", "task", name)
	return nil
}
