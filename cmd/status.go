package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentherd/internal/config"
	"github.com/nextlevelbuilder/agentherd/internal/registry"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and task status",
		Run: func(cmd *cobra.Command, args []string) {
			runStatus()
		},
	}
}

func runStatus() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if pid, ok := daemonPID(cfg.Daemon.PIDFile); ok {
		fmt.Printf("daemon: running (pid %d)\n", pid)
	} else {
		fmt.Println("daemon: not running")
	}

	tasks := registry.Open(cfg.Daemon.RegistryFile).AllTasks()
	if len(tasks) == 0 {
		fmt.Println("tasks:  none")
		return
	}

	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("tasks:")
	for _, name := range names {
		t := tasks[name]
		alive := t.PID != 0 && syscall.Kill(t.PID, 0) == nil
		state := t.Status
		if state == "" {
			state = registry.StatusActive
		}
		if alive {
			state += ", running"
		}
		fmt.Printf("  %-20s %-9s %s  %s\n", name, t.Type, state, t.Path)
	}
}

// daemonPID reads the pid file and probes the process with signal 0.
func daemonPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, syscall.Kill(pid, 0) == nil
}
