// Package worker is the task lifecycle layer above the supervisor:
// crash-safe creation of named tasks with their chat topics, pause,
// resume, cleanup, and recovery from markers left on disk.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nextlevelbuilder/agentherd/internal/registry"
	"github.com/nextlevelbuilder/agentherd/internal/supervisor"
)

// ErrTaskExists means the name is already taken by a registry row or a
// live process.
var ErrTaskExists = errors.New("worker: task already exists")

// Topics is the slice of the chat frontend the lifecycle needs.
type Topics interface {
	CreateTopic(ctx context.Context, name string) (int, error)
	CloseTopic(ctx context.Context, topicID int) error
	DeleteTopic(ctx context.Context, topicID int) error
	SendToTopic(ctx context.Context, topicID int, content string) (string, error)
}

// confirmPrompt is the first thing a new task's agent is asked to do.
const confirmPrompt = "New task: %s\n\n" +
	"Please:\n" +
	"1. Summarize what you understand the task to be\n" +
	"2. Outline your planned approach\n" +
	"3. Wait for user confirmation before starting work"

// Manager coordinates registry, supervisor and chat topics for task
// lifecycle operations.
type Manager struct {
	store       *registry.Store
	sup         *supervisor.Supervisor
	topics      Topics
	triggerFile string
}

// NewManager wires the lifecycle layer.
func NewManager(store *registry.Store, sup *supervisor.Supervisor, topics Topics, triggerFile string) *Manager {
	return &Manager{store: store, sup: sup, topics: topics, triggerFile: triggerFile}
}

// TriggerDiscovery touches the trigger file so a running daemon rescans
// for new work. Failures are logged, never fatal.
func (m *Manager) TriggerDiscovery() {
	if m.triggerFile == "" {
		return
	}
	now := time.Now()
	if err := os.Chtimes(m.triggerFile, now, now); err != nil {
		if f, cerr := os.Create(m.triggerFile); cerr == nil {
			f.Close()
		} else {
			slog.Warn("failed to touch discovery trigger", "path", m.triggerFile, "error", cerr)
		}
	}
}

// SpawnSession creates a task bound to an existing directory.
func (m *Manager) SpawnSession(ctx context.Context, dir, name, description string) (registry.Task, error) {
	if _, err := os.Stat(dir); err != nil {
		return registry.Task{}, fmt.Errorf("worker: task directory: %w", err)
	}
	return m.spawn(ctx, spawnSpec{
		name:        name,
		dir:         dir,
		description: description,
		taskType:    registry.TypeSession,
	})
}

// SpawnWorktree creates the worktree, then a task bound to it.
func (m *Manager) SpawnWorktree(ctx context.Context, repo, name, description string) (registry.Task, error) {
	if err := m.checkCollision(name); err != nil {
		return registry.Task{}, err
	}
	dir, err := createWorktree(repo, name)
	if err != nil {
		return registry.Task{}, fmt.Errorf("worker: %w", err)
	}
	task, err := m.spawn(ctx, spawnSpec{
		name:        name,
		dir:         dir,
		description: description,
		taskType:    registry.TypeWorktree,
		repo:        repo,
	})
	if err != nil {
		if derr := deleteWorktree(repo, dir); derr != nil {
			slog.Warn("rollback: worktree removal failed", "task", name, "error", derr)
		}
		return registry.Task{}, err
	}
	return task, nil
}

type spawnSpec struct {
	name        string
	dir         string
	description string
	taskType    string
	repo        string
}

func (m *Manager) checkCollision(name string) error {
	if name == registry.OperatorName {
		return fmt.Errorf("%w: %s is reserved", ErrTaskExists, name)
	}
	if _, ok := m.store.GetTask(name); ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, name)
	}
	if m.sup.IsRunning(name) {
		return fmt.Errorf("%w: %s (process running)", ErrTaskExists, name)
	}
	return nil
}

// spawn runs the crash-safe creation sequence: pending marker, topic,
// welcome, completed marker, registry row, agent process. Failures after
// the pending marker roll back in reverse.
func (m *Manager) spawn(ctx context.Context, spec spawnSpec) (registry.Task, error) {
	if err := m.checkCollision(spec.name); err != nil {
		return registry.Task{}, err
	}

	if err := registry.WritePending(spec.dir, registry.Marker{
		Name:        spec.name,
		Type:        spec.taskType,
		Repo:        spec.repo,
		Description: spec.description,
	}); err != nil {
		return registry.Task{}, fmt.Errorf("worker: write pending marker: %w", err)
	}

	topicID, err := m.topics.CreateTopic(ctx, spec.name)
	if err != nil {
		registry.RemoveMarker(spec.dir)
		return registry.Task{}, fmt.Errorf("worker: create topic: %w", err)
	}

	welcome := fmt.Sprintf("Task created: %s", spec.name)
	if spec.description != "" {
		welcome += "\n\n" + spec.description
	}
	if _, err := m.topics.SendToTopic(ctx, topicID, welcome); err != nil {
		slog.Warn("welcome post failed", "task", spec.name, "error", err)
	}

	if err := registry.CompletePending(spec.dir, topicID); err != nil {
		m.topics.DeleteTopic(ctx, topicID)
		registry.RemoveMarker(spec.dir)
		return registry.Task{}, fmt.Errorf("worker: complete marker: %w", err)
	}

	task := registry.Task{
		Type:        spec.taskType,
		Path:        spec.dir,
		Repo:        spec.repo,
		TopicID:     topicID,
		Status:      registry.StatusActive,
		Description: spec.description,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := m.store.AddTask(spec.name, task); err != nil {
		m.topics.DeleteTopic(ctx, topicID)
		registry.RemoveMarker(spec.dir)
		return registry.Task{}, fmt.Errorf("worker: add registry row: %w", err)
	}

	writeTaskNotes(spec.dir, spec.name, spec.description)

	if _, err := m.sup.Spawn(ctx, spec.name, spec.dir, fmt.Sprintf(confirmPrompt, spec.description), nil); err != nil {
		m.topics.CloseTopic(ctx, topicID)
		m.store.RemoveTask(spec.name)
		registry.RemoveMarker(spec.dir)
		return registry.Task{}, fmt.Errorf("worker: spawn agent: %w", err)
	}

	m.TriggerDiscovery()
	slog.Info("spawned task", "task", spec.name, "type", spec.taskType, "dir", spec.dir, "topic_id", topicID)

	// The supervisor recorded session id and pid; return the fresh row.
	created, _ := m.store.GetTask(spec.name)
	return created, nil
}

// Pause stops a task's process and marks it paused in both the registry
// and its marker.
func (m *Manager) Pause(name string) error {
	task, ok := m.store.GetTask(name)
	if !ok {
		return fmt.Errorf("worker: no such task: %s", name)
	}

	if m.sup.IsRunning(name) {
		m.sup.Stop(name, 5*time.Second)
	}

	if marker, err := registry.ReadMarker(task.Path); err == nil {
		marker.Status = registry.StatusPaused
		registry.WriteMarker(task.Path, marker)
	}

	zero := 0
	paused := registry.StatusPaused
	if err := m.store.UpdateSessionTracking(name, registry.SessionUpdate{PID: &zero, Status: &paused}); err != nil {
		return fmt.Errorf("worker: pause %s: %w", name, err)
	}
	slog.Info("paused task", "task", name)
	return nil
}

// Resume restarts a paused task: --resume when a session id exists, a
// fresh spawn with a resume prompt otherwise.
func (m *Manager) Resume(ctx context.Context, name string) error {
	task, ok := m.store.GetTask(name)
	if !ok {
		return fmt.Errorf("worker: no such task: %s", name)
	}

	if marker, err := registry.ReadMarker(task.Path); err == nil {
		marker.Status = registry.StatusActive
		registry.WriteMarker(task.Path, marker)
	}

	active := registry.StatusActive
	if m.sup.IsRunning(name) {
		m.store.UpdateSessionTracking(name, registry.SessionUpdate{Status: &active})
		return nil
	}

	var err error
	if task.SessionID != "" {
		_, err = m.sup.Resume(ctx, name, task.Path, task.SessionID, nil)
	} else {
		description := task.Description
		if description == "" {
			description = name
		}
		_, err = m.sup.Spawn(ctx, name, task.Path, "Resuming task: "+description, nil)
	}
	if err != nil {
		return fmt.Errorf("worker: resume %s: %w", name, err)
	}

	m.store.UpdateSessionTracking(name, registry.SessionUpdate{Status: &active})
	m.TriggerDiscovery()
	slog.Info("resumed task", "task", name)
	return nil
}

// Cleanup tears a task down: process, chat topic (deleted, or closed
// when archiving), worktree for worktree tasks, marker, registry row.
func (m *Manager) Cleanup(ctx context.Context, name string, archive bool) error {
	task, ok := m.store.GetTask(name)
	if !ok {
		return fmt.Errorf("worker: no such task: %s", name)
	}

	if m.sup.IsRunning(name) {
		m.sup.Stop(name, 5*time.Second)
	}

	if task.TopicID != 0 {
		var err error
		if archive {
			err = m.topics.CloseTopic(ctx, task.TopicID)
		} else {
			err = m.topics.DeleteTopic(ctx, task.TopicID)
		}
		if err != nil {
			slog.Warn("topic teardown failed", "task", name, "archive", archive, "error", err)
		}
	}

	if task.Type == registry.TypeWorktree && task.Repo != "" && task.Path != "" {
		if err := deleteWorktree(task.Repo, task.Path); err != nil {
			slog.Warn("worktree removal failed", "task", name, "error", err)
		}
	} else if task.Path != "" {
		registry.RemoveMarker(task.Path)
	}

	if err := m.store.RemoveTask(name); err != nil {
		return fmt.Errorf("worker: remove row %s: %w", name, err)
	}
	slog.Info("cleaned up task", "task", name, "archive", archive)
	return nil
}

// RebuildFromMarkers rescans the roots for completed markers and
// restores missing registry rows. Pending markers are reported so a
// human can diagnose creations that crashed midway.
func (m *Manager) RebuildFromMarkers(roots []string) ([]string, error) {
	for _, fm := range registry.ScanRoots(roots) {
		if fm.Marker.State == registry.MarkerPending {
			slog.Warn("pending marker found, creation crashed midway",
				"dir", fm.Dir, "name", fm.Marker.Name, "since", fm.Marker.CreatedAt)
		}
	}
	added, err := registry.RebuildRegistry(m.store, roots)
	if err != nil {
		return added, fmt.Errorf("worker: rebuild registry: %w", err)
	}
	if len(added) > 0 {
		slog.Info("rebuilt registry rows from markers", "tasks", added)
	}
	return added, nil
}

// RecoverCrashed zeroes stale pids and rebuilds rows from markers; run at
// startup and on demand from the discovery trigger.
func (m *Manager) RecoverCrashed(roots []string) {
	if cleaned := m.sup.CleanupCrashed(); len(cleaned) > 0 {
		slog.Info("cleared stale pids", "tasks", cleaned)
	}
	if _, err := m.RebuildFromMarkers(roots); err != nil {
		slog.Warn("marker rebuild failed", "error", err)
	}
}
