package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestSingletonClaimsAndBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	if err := CheckSingleton(path); err != nil {
		t.Fatalf("CheckSingleton: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if got := string(data); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("pid file = %q, want our pid", got)
	}

	// The file now names a live process (us), so a second claim fails.
	if err := CheckSingleton(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second claim error = %v, want ErrAlreadyRunning", err)
	}

	RemovePIDFile(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pid file survived removal")
	}
	RemovePIDFile(path) // missing file is fine
}

func TestSingletonOverwritesStaleFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"dead pid", "4999999"},
		{"garbage", "not-a-pid"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "daemon.pid")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if err := CheckSingleton(path); err != nil {
				t.Fatalf("CheckSingleton over stale file: %v", err)
			}
			data, _ := os.ReadFile(path)
			if got := string(data); got != strconv.Itoa(os.Getpid()) {
				t.Errorf("pid file = %q, want our pid", got)
			}
		})
	}
}
