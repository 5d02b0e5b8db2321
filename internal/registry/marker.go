package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// MarkerFile is the per-directory marker identifying a managed task dir.
const MarkerFile = ".task-marker.json"

// Marker states. A marker starts pending, then is completed once the chat
// topic exists and the registry row is written. A pending marker found on
// disk means creation crashed midway and the directory needs repair.
const (
	MarkerPending  = "pending"
	MarkerComplete = "complete"
)

// Marker is the durable per-directory record that lets the registry be
// rebuilt from the filesystem alone.
type Marker struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Repo        string `json:"repo,omitempty"`
	TopicID     int    `json:"topic_id,omitempty"`
	State       string `json:"state"`
	Status      string `json:"status,omitempty"` // active or paused
	Description string `json:"description,omitempty"`
	Nonce       string `json:"nonce,omitempty"` // stamped on pending markers
	CreatedAt   string `json:"created_at"`
}

func markerPath(dir string) string {
	return filepath.Join(dir, MarkerFile)
}

// WriteMarker writes a marker into dir, atomically.
func WriteMarker(dir string, m Marker) error {
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".task-marker-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp marker: %w", err)
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
		return fmt.Errorf("write marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync marker: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, markerPath(dir)); err != nil {
		return fmt.Errorf("rename marker: %w", err)
	}
	cleanup = false
	return nil
}

// ReadMarker loads the marker in dir. Returns os.ErrNotExist when absent.
func ReadMarker(dir string) (Marker, error) {
	data, err := os.ReadFile(markerPath(dir))
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("parse marker in %s: %w", dir, err)
	}
	return m, nil
}

// RemoveMarker deletes the marker in dir. Missing markers are not an error.
func RemoveMarker(dir string) error {
	err := os.Remove(markerPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsManaged reports whether dir carries a completed marker.
func IsManaged(dir string) bool {
	m, err := ReadMarker(dir)
	return err == nil && m.State == MarkerComplete
}

// WritePending writes the crash-safe pre-creation marker. It is written
// before any external side effect so an interrupted creation leaves
// evidence on disk. Each pending marker gets a fresh nonce so retries of
// the same name are distinguishable.
func WritePending(dir string, m Marker) error {
	m.State = MarkerPending
	m.Nonce = uuid.NewString()
	return WriteMarker(dir, m)
}

// CompletePending flips a pending marker to complete, recording the topic
// id allocated for it.
func CompletePending(dir string, topicID int) error {
	m, err := ReadMarker(dir)
	if err != nil {
		return fmt.Errorf("read pending marker: %w", err)
	}
	m.State = MarkerComplete
	m.TopicID = topicID
	return WriteMarker(dir, m)
}

// FoundMarker is a marker plus the directory it was found in.
type FoundMarker struct {
	Dir    string
	Marker Marker
}

// ScanRoots walks each root one level deep and collects every marker,
// pending or complete. Unreadable roots are skipped.
func ScanRoots(roots []string) []FoundMarker {
	var found []FoundMarker
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(root, e.Name())
			m, err := ReadMarker(dir)
			if err != nil {
				continue
			}
			found = append(found, FoundMarker{Dir: dir, Marker: m})
		}
	}
	return found
}

// RebuildRegistry repopulates the store from completed markers found under
// roots. Existing rows win: a marker never overwrites a live registry row.
// Returns the names added.
func RebuildRegistry(s *Store, roots []string) ([]string, error) {
	var added []string
	for _, fm := range ScanRoots(roots) {
		if fm.Marker.State != MarkerComplete {
			continue
		}
		name := fm.Marker.Name
		if name == "" {
			name = filepath.Base(fm.Dir)
		}
		if _, ok := s.GetTask(name); ok {
			continue
		}
		status := fm.Marker.Status
		if status == "" {
			status = StatusActive
		}
		task := Task{
			Type:        fm.Marker.Type,
			Path:        fm.Dir,
			Repo:        fm.Marker.Repo,
			TopicID:     fm.Marker.TopicID,
			Status:      status,
			Description: fm.Marker.Description,
			CreatedAt:   fm.Marker.CreatedAt,
		}
		if err := s.AddTask(name, task); err != nil {
			return added, fmt.Errorf("rebuild %s: %w", name, err)
		}
		added = append(added, name)
	}
	return added, nil
}
