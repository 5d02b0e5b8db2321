// Package supervisor runs the pool of agent processes: spawn, resume,
// message routing with transparent resurrection, and a single multiplexed
// event stream for the daemon loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/agentherd/internal/agent"
	"github.com/nextlevelbuilder/agentherd/internal/registry"
)

// ErrUnknownTask means a message targeted a task with no live process and
// no registry row to resurrect from.
var ErrUnknownTask = errors.New("supervisor: unknown task")

const stopTimeout = 5 * time.Second

// NamedEvent tags an agent event with the task that produced it.
type NamedEvent struct {
	Task  string
	Event agent.Event
}

// Options configures a Supervisor.
type Options struct {
	// Env is appended to every child's environment (permission server url,
	// supervision flag).
	Env []string
	// Command and Args override the agent binary, for tests.
	Command string
	Args    []string
}

// Supervisor owns the process pool. All map access goes through mu; the
// events channel is fed by one monitor goroutine per process.
type Supervisor struct {
	store *registry.Store
	opts  Options

	mu        sync.Mutex
	processes map[string]*agent.Process
	monitored map[string]bool

	events chan NamedEvent
	quit   chan struct{}
	once   sync.Once
}

// New builds a Supervisor over the given registry store.
func New(store *registry.Store, opts Options) *Supervisor {
	return &Supervisor{
		store:     store,
		opts:      opts,
		processes: make(map[string]*agent.Process),
		monitored: make(map[string]bool),
		events:    make(chan NamedEvent, 256),
		quit:      make(chan struct{}),
	}
}

func (s *Supervisor) newProcess(dir, resumeID string, allowedTools []string) *agent.Process {
	return agent.New(agent.Options{
		Dir:             dir,
		ResumeSessionID: resumeID,
		AllowedTools:    allowedTools,
		Env:             s.opts.Env,
		Command:         s.opts.Command,
		Args:            s.opts.Args,
	})
}

// Spawn starts a fresh agent for a task, records its session id and pid in
// the registry, begins monitoring, and sends the initial prompt.
func (s *Supervisor) Spawn(ctx context.Context, name, dir, prompt string, allowedTools []string) (*agent.Process, error) {
	s.mu.Lock()
	if _, ok := s.processes[name]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor: process already exists: %s", name)
	}
	s.mu.Unlock()

	proc := s.newProcess(dir, "", allowedTools)
	sessionID, err := proc.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("supervisor: spawn %s: %w", name, err)
	}

	pid := proc.PID()
	s.store.UpdateSessionTracking(name, registry.SessionUpdate{SessionID: &sessionID, PID: &pid})

	s.mu.Lock()
	s.processes[name] = proc
	s.mu.Unlock()
	s.startMonitor(name, proc)

	if prompt != "" {
		proc.SendMessage(prompt)
	}
	slog.Info("spawned process", "task", name, "session_id", sessionID, "pid", pid)
	return proc, nil
}

// Resume restarts a task's agent against its previous session. The CLI
// must come back with the same session id; a different id means the
// session is gone and the caller should treat the task as fresh.
func (s *Supervisor) Resume(ctx context.Context, name, dir, sessionID string, allowedTools []string) (*agent.Process, error) {
	s.mu.Lock()
	if _, ok := s.processes[name]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor: process already exists: %s", name)
	}
	s.mu.Unlock()

	proc := s.newProcess(dir, sessionID, allowedTools)
	resumedID, err := proc.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("supervisor: resume %s: %w", name, err)
	}
	if resumedID != sessionID {
		proc.Stop(stopTimeout)
		return nil, fmt.Errorf("supervisor: resume %s: session id mismatch (want %s, got %s)", name, sessionID, resumedID)
	}

	pid := proc.PID()
	s.store.UpdateSessionTracking(name, registry.SessionUpdate{PID: &pid})

	s.mu.Lock()
	s.processes[name] = proc
	s.mu.Unlock()
	s.startMonitor(name, proc)

	slog.Info("resumed process", "task", name, "session_id", sessionID, "pid", pid)
	return proc, nil
}

// Register adds an externally-started process to the pool. With
// startEvents false the caller drains the process's own event channel
// first and calls StartMonitoring when ready.
func (s *Supervisor) Register(name string, proc *agent.Process, startEvents bool) error {
	s.mu.Lock()
	if _, ok := s.processes[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: process already exists: %s", name)
	}
	s.processes[name] = proc
	s.mu.Unlock()
	if startEvents {
		s.startMonitor(name, proc)
	}
	return nil
}

// StartMonitoring begins event forwarding for a registered process.
func (s *Supervisor) StartMonitoring(name string) error {
	s.mu.Lock()
	proc, ok := s.processes[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: process not registered: %s", name)
	}
	if s.monitored[name] {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: monitoring already started: %s", name)
	}
	s.mu.Unlock()
	s.startMonitor(name, proc)
	return nil
}

// startMonitor forwards a process's events into the shared stream. When
// the stream ends with the process still registered, the exit was not a
// deliberate Stop: a ProcessError is synthesized and the entry removed.
func (s *Supervisor) startMonitor(name string, proc *agent.Process) {
	s.mu.Lock()
	s.monitored[name] = true
	s.mu.Unlock()

	go func() {
		for ev := range proc.Events() {
			select {
			case s.events <- NamedEvent{Task: name, Event: ev}:
			case <-s.quit:
				return
			}
		}

		s.mu.Lock()
		abnormal := s.processes[name] == proc
		if abnormal {
			delete(s.processes, name)
			delete(s.monitored, name)
		}
		s.mu.Unlock()

		if abnormal {
			slog.Warn("process exited unexpectedly", "task", name)
			select {
			case s.events <- NamedEvent{Task: name, Event: agent.ProcessError{Err: fmt.Errorf("process exited unexpectedly")}}:
			case <-s.quit:
			}
		}
	}()
}

// Send routes a message to a task, resurrecting a dead process from its
// registry row. Returns ErrUnknownTask when there is nothing to resurrect
// from.
func (s *Supervisor) Send(ctx context.Context, name, message string) error {
	s.mu.Lock()
	proc := s.processes[name]
	s.mu.Unlock()

	if proc != nil && proc.IsRunning() {
		if proc.SendMessage(message) {
			return nil
		}
		// Pipe broken, fall through to resurrection.
	}

	if proc != nil {
		s.mu.Lock()
		if s.processes[name] == proc {
			delete(s.processes, name)
			delete(s.monitored, name)
		}
		s.mu.Unlock()
		slog.Info("process not running, resurrecting", "task", name)
	}

	task, ok := s.store.GetTask(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if task.Path == "" {
		return fmt.Errorf("supervisor: cannot resurrect %s: no working directory", name)
	}

	fresh := s.newProcess(task.Path, task.SessionID, nil)
	sessionID, err := fresh.Start(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: resurrect %s: %w", name, err)
	}

	pid := fresh.PID()
	s.store.UpdateSessionTracking(name, registry.SessionUpdate{SessionID: &sessionID, PID: &pid})

	s.mu.Lock()
	s.processes[name] = fresh
	s.mu.Unlock()
	s.startMonitor(name, fresh)

	slog.Info("resurrected process", "task", name, "session_id", sessionID)
	if !fresh.SendMessage(message) {
		return fmt.Errorf("supervisor: send to resurrected %s failed", name)
	}
	return nil
}

// Stop terminates one task's process and forgets it.
func (s *Supervisor) Stop(name string, timeout time.Duration) error {
	s.mu.Lock()
	proc, ok := s.processes[name]
	if ok {
		delete(s.processes, name)
		delete(s.monitored, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: process not found: %s", name)
	}
	proc.Stop(timeout)
	slog.Info("stopped process", "task", name)
	return nil
}

// StopAll terminates every process and ends the event stream.
func (s *Supervisor) StopAll(timeout time.Duration) {
	s.mu.Lock()
	procs := make(map[string]*agent.Process, len(s.processes))
	for name, p := range s.processes {
		procs[name] = p
	}
	s.processes = make(map[string]*agent.Process)
	s.monitored = make(map[string]bool)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for name, p := range procs {
		wg.Add(1)
		go func(name string, p *agent.Process) {
			defer wg.Done()
			p.Stop(timeout)
		}(name, p)
	}
	wg.Wait()

	s.once.Do(func() { close(s.quit) })
	slog.Info("all processes stopped", "count", len(procs))
}

// Events is the multiplexed stream of (task, event) pairs.
func (s *Supervisor) Events() <-chan NamedEvent {
	return s.events
}

// Done is closed once StopAll has run; consumers select on it alongside
// Events to notice shutdown.
func (s *Supervisor) Done() <-chan struct{} {
	return s.quit
}

// Get returns the live process for a task, if any.
func (s *Supervisor) Get(name string) (*agent.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[name]
	return p, ok
}

// IsRunning reports whether the task has a live process.
func (s *Supervisor) IsRunning(name string) bool {
	p, ok := s.Get(name)
	return ok && p.IsRunning()
}

// Names lists tasks with pooled processes.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.processes))
	for name := range s.processes {
		names = append(names, name)
	}
	return names
}

// CleanupCrashed probes every registry pid with signal 0 and clears the
// pid of tasks whose process is gone. Session ids are kept so the task
// can still be resumed. Returns the cleaned task names.
func (s *Supervisor) CleanupCrashed() []string {
	var cleaned []string
	for name, task := range s.store.AllTasks() {
		if _, live := s.Get(name); live {
			continue
		}
		if task.PID == 0 {
			continue
		}
		if err := syscall.Kill(task.PID, 0); err == nil {
			continue
		}
		slog.Info("cleaning up crashed process", "task", name, "pid", task.PID)
		zero := 0
		s.store.UpdateSessionTracking(name, registry.SessionUpdate{PID: &zero})
		cleaned = append(cleaned, name)
	}
	return cleaned
}
