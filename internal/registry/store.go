// Package registry is the durable name→task mapping the daemon recovers from.
// One JSON document on disk, written atomically, reloaded whenever its mtime
// advances so concurrent processes observe one another's writes.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Task statuses.
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Task types.
const (
	TypeOperator = "operator"
	TypeSession  = "session"
	TypeWorktree = "worktree"
)

// OperatorName is the reserved task name for the singleton coordinator.
const OperatorName = "operator"

// Task is one registry row: the durable state for a named agent.
type Task struct {
	Type        string `json:"type"`
	Path        string `json:"path"`
	Repo        string `json:"repo,omitempty"` // worktree tasks only
	TopicID     int    `json:"topic_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	PID         int    `json:"pid,omitempty"`
	Status      string `json:"status,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// document is the on-disk shape: tasks plus a small config blob
// (reserved topic id, poll cursor, topic-name mirror).
type document struct {
	Tasks  map[string]Task            `json:"tasks"`
	Config map[string]json.RawMessage `json:"config,omitempty"`
}

// Store is the registry plus config KV. All writes go through it and are
// serialized by an internal lock; reads transparently reload when the file
// changed on disk.
type Store struct {
	mu    sync.Mutex
	path  string
	doc   document
	mtime time.Time
}

// Open creates a Store backed by the given file. A missing or unreadable
// file is treated as an empty registry.
func Open(path string) *Store {
	s := &Store{path: path}
	s.doc = emptyDocument()
	s.reloadLocked()
	return s
}

func emptyDocument() document {
	return document{
		Tasks:  make(map[string]Task),
		Config: make(map[string]json.RawMessage),
	}
}

// reloadLocked re-reads the file if its mtime advanced. Callers must hold mu
// (or be the constructor). Parse and stat failures never raise: a broken file
// reads as empty, a stat error keeps the cached copy.
func (s *Store) reloadLocked() {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = emptyDocument()
			s.mtime = time.Time{}
		}
		return
	}
	if !info.ModTime().After(s.mtime) {
		return
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Warn("registry file unparseable, treating as empty", "path", s.path, "error", err)
		s.doc = emptyDocument()
		s.mtime = info.ModTime()
		return
	}
	if doc.Tasks == nil {
		doc.Tasks = make(map[string]Task)
	}
	if doc.Config == nil {
		doc.Config = make(map[string]json.RawMessage)
	}
	s.doc = doc
	s.mtime = info.ModTime()
}

// saveLocked writes the document atomically: temp file → fsync → rename.
// The temp file is unlinked when the rename never happens.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync registry: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename registry: %w", err)
	}
	cleanup = false

	if info, err := os.Stat(s.path); err == nil {
		s.mtime = info.ModTime()
	}
	return nil
}

// AddTask inserts or replaces a task row.
func (s *Store) AddTask(name string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	s.doc.Tasks[name] = task
	return s.saveLocked()
}

// GetTask returns the task row and whether it exists.
func (s *Store) GetTask(name string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	t, ok := s.doc.Tasks[name]
	return t, ok
}

// RemoveTask deletes a task row. Removing an unknown name is not an error.
func (s *Store) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	if _, ok := s.doc.Tasks[name]; !ok {
		return nil
	}
	delete(s.doc.Tasks, name)
	return s.saveLocked()
}

// AllTasks returns a snapshot of every task row.
func (s *Store) AllTasks() map[string]Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	out := make(map[string]Task, len(s.doc.Tasks))
	for name, t := range s.doc.Tasks {
		out[name] = t
	}
	return out
}

// FindTaskByTopic returns the task bound to a chat topic, if any.
func (s *Store) FindTaskByTopic(topicID int) (string, Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	for name, t := range s.doc.Tasks {
		if t.TopicID == topicID && topicID != 0 {
			return name, t, true
		}
	}
	return "", Task{}, false
}

// TopicForSession resolves an agent session id to the owning task's topic.
// Linear scan: the fleet is small. Returns 0 when no task owns the session.
func (s *Store) TopicForSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	if sessionID == "" {
		return 0
	}
	for _, t := range s.doc.Tasks {
		if t.SessionID == sessionID {
			return t.TopicID
		}
	}
	return 0
}

// TaskForSession resolves an agent session id to the owning task name.
func (s *Store) TaskForSession(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	if sessionID == "" {
		return "", false
	}
	for name, t := range s.doc.Tasks {
		if t.SessionID == sessionID {
			return name, true
		}
	}
	return "", false
}

// SessionUpdate is a partial update for UpdateSessionTracking. Nil fields
// are left untouched.
type SessionUpdate struct {
	SessionID *string
	PID       *int
	Status    *string
}

// UpdateSessionTracking applies a partial update to a task row.
// A no-op when the name is unknown.
func (s *Store) UpdateSessionTracking(name string, upd SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	t, ok := s.doc.Tasks[name]
	if !ok {
		return nil
	}
	if upd.SessionID != nil {
		t.SessionID = *upd.SessionID
	}
	if upd.PID != nil {
		t.PID = *upd.PID
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	s.doc.Tasks[name] = t
	return s.saveLocked()
}

// Clear removes every task and config entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = emptyDocument()
	return s.saveLocked()
}

// ConfigSet stores a config value under key.
func (s *Store) ConfigSet(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal config value: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	s.doc.Config[key] = data
	return s.saveLocked()
}

// ConfigGet unmarshals the config value under key into dst.
// Returns false when the key is absent or does not decode.
func (s *Store) ConfigGet(key string, dst any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	raw, ok := s.doc.Config[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// ConfigDelete removes a config key. Unknown keys are not an error.
func (s *Store) ConfigDelete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked()
	if _, ok := s.doc.Config[key]; !ok {
		return nil
	}
	delete(s.doc.Config, key)
	return s.saveLocked()
}

// Well-known config keys.
const (
	KeyGeneralTopic   = "general_topic_id" // the operator's reserved topic
	KeyTelegramOffset = "telegram_offset"  // poll cursor, survives restarts
	KeyTopicName      = "topic_name:"      // prefix: topic id → task name mirror
)

// GeneralTopicID returns the operator's reserved topic id, or 0 if unset.
func (s *Store) GeneralTopicID() int {
	var id int
	s.ConfigGet(KeyGeneralTopic, &id)
	return id
}

// StoreTopicMapping mirrors a topic id → name pair, used when the chat
// service reports a topic created outside the daemon.
func (s *Store) StoreTopicMapping(topicID int, name string) error {
	return s.ConfigSet(fmt.Sprintf("%s%d", KeyTopicName, topicID), name)
}
