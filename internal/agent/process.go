// Package agent wraps one Claude CLI subprocess speaking the stream-json
// protocol: JSONL events on stdout, JSONL user messages on stdin.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// initTimeout bounds how long Start waits for the first init event.
const initTimeout = 30 * time.Second

// maxLineBytes sizes the stdout scanner buffer. Assistant messages with
// large tool results routinely exceed the bufio default.
const maxLineBytes = 1024 * 1024

// Options configures a Process before Start.
type Options struct {
	Dir             string   // working directory for the subprocess
	ResumeSessionID string   // non-empty adds --resume
	AllowedTools    []string // non-empty adds --allowedTools
	ExtraArgs       []string
	Env             []string // appended to os.Environ()

	// Command overrides the executable, for tests. Empty means "claude".
	Command string
	// Args replaces the protocol argv entirely when non-nil, for tests.
	Args []string
}

// Process is one agent subprocess. Create with New, drive with Start /
// SendMessage / Events / Stop. Not restartable: spawn a new Process to
// resume a session.
type Process struct {
	opts Options

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	sessionID string
	started   bool
	exited    bool

	stdinMu     sync.Mutex
	stdinClosed bool

	events chan Event
	initCh chan string
	done   chan struct{} // closed after the child is reaped
}

// New builds an unstarted Process.
func New(opts Options) *Process {
	return &Process{
		opts:   opts,
		events: make(chan Event, 256),
		initCh: make(chan string, 1),
		done:   make(chan struct{}),
	}
}

func (p *Process) argv() (string, []string) {
	name := p.opts.Command
	if name == "" {
		name = "claude"
	}
	if p.opts.Args != nil {
		return name, p.opts.Args
	}
	// -p is required for multi-turn stream-json, --verbose for stream output.
	args := []string{
		"-p", "--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
	}
	if p.opts.ResumeSessionID != "" {
		args = append(args, "--resume", p.opts.ResumeSessionID)
	}
	if len(p.opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(p.opts.AllowedTools, ","))
	}
	args = append(args, p.opts.ExtraArgs...)
	return name, args
}

// Start spawns the subprocess and blocks until the stream announces a
// session id, the context is cancelled, or the init timeout elapses.
// The init event still reaches Events() observers.
func (p *Process) Start(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return "", fmt.Errorf("agent: already started")
	}
	p.started = true

	name, args := p.argv()
	cmd := exec.Command(name, args...)
	cmd.Dir = p.opts.Dir
	cmd.Env = append(os.Environ(), p.opts.Env...)
	setPdeathsig(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("agent: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("agent: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("agent: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("agent: spawn %s: %w", name, err)
	}
	p.cmd = cmd
	p.stdin = stdin
	p.mu.Unlock()

	slog.Info("agent process started", "pid", cmd.Process.Pid, "dir", p.opts.Dir, "resume", p.opts.ResumeSessionID != "")

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(stderr)
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		if err != nil {
			slog.Debug("agent process exited", "pid", cmd.Process.Pid, "error", err)
		}
		close(p.events)
		close(p.done)
	}()

	select {
	case sid := <-p.initCh:
		return sid, nil
	case <-p.done:
		return "", fmt.Errorf("agent: process exited before init")
	case <-ctx.Done():
		p.Stop(2 * time.Second)
		return "", ctx.Err()
	case <-time.After(initTimeout):
		p.Stop(2 * time.Second)
		return "", fmt.Errorf("agent: no init event within %s", initTimeout)
	}
}

// rawEvent is the superset of stream-json line shapes we care about.
type rawEvent struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype"`
	SessionID string   `json:"session_id"`
	Tools     []string `json:"tools"`
	Model     string   `json:"model"`
	Message   struct {
		ID      string         `json:"id"`
		Model   string         `json:"model"`
		Content []ContentBlock `json:"content"`
	} `json:"message"`
	Result string  `json:"result"`
	Cost   float64 `json:"total_cost_usd"`
	Turns  int     `json:"num_turns"`
}

func (p *Process) readStdout(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw rawEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			slog.Warn("agent: skipping malformed stream line", "error", err, "prefix", truncate(string(line), 120))
			continue
		}
		if ev := p.typedEvent(raw); ev != nil {
			p.events <- ev
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("agent: stdout read failed", "error", err)
	}
}

// typedEvent converts a raw line to a typed event, or nil to drop it.
func (p *Process) typedEvent(raw rawEvent) Event {
	switch raw.Type {
	case "system":
		if raw.Subtype != "init" {
			return nil
		}
		p.mu.Lock()
		p.sessionID = raw.SessionID
		p.mu.Unlock()
		select {
		case p.initCh <- raw.SessionID:
		default:
		}
		slog.Info("agent session initialized", "session_id", raw.SessionID, "model", raw.Model)
		return SystemInit{SessionID: raw.SessionID, Tools: raw.Tools, Model: raw.Model}
	case "assistant":
		return AssistantMessage{MsgID: raw.Message.ID, Model: raw.Message.Model, Content: raw.Message.Content}
	case "user":
		return UserEcho{Content: raw.Message.Content}
	case "result":
		slog.Info("agent turn result", "success", raw.Subtype == "success", "cost_usd", raw.Cost, "turns", raw.Turns)
		return Result{
			Success:   raw.Subtype == "success",
			Result:    raw.Result,
			Cost:      raw.Cost,
			Turns:     raw.Turns,
			SessionID: raw.SessionID,
		}
	default:
		slog.Debug("agent: unhandled event type", "type", raw.Type)
		return nil
	}
}

func (p *Process) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			slog.Debug("agent stderr", "line", line)
		}
	}
}

// SendMessage writes one user message line to stdin. Returns false when
// the process is not running or the pipe is gone.
func (p *Process) SendMessage(text string) bool {
	p.mu.Lock()
	stdin := p.stdin
	running := p.cmd != nil && !p.exited
	p.mu.Unlock()
	if !running || stdin == nil {
		return false
	}

	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	data = append(data, '\n')

	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdinClosed {
		return false
	}
	if _, err := stdin.Write(data); err != nil {
		slog.Warn("agent: stdin write failed", "error", err)
		return false
	}
	return true
}

// Events returns the typed event stream. Closed after the process exits
// and its output is drained.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Stop closes stdin, waits up to timeout for a clean exit, then SIGKILLs.
// Safe to call multiple times and on a dead process.
func (p *Process) Stop(timeout time.Duration) {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return
	}

	p.stdinMu.Lock()
	if !p.stdinClosed {
		p.stdinClosed = true
		p.stdin.Close()
	}
	p.stdinMu.Unlock()

	select {
	case <-p.done:
		return
	case <-time.After(timeout):
	}

	slog.Warn("agent: process did not exit, killing", "pid", cmd.Process.Pid)
	cmd.Process.Kill()
	<-p.done
}

// IsRunning reports whether the child is alive.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && !p.exited
}

// PID returns the child pid, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// SessionID returns the most recent session id seen on the stream.
func (p *Process) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Wait blocks until the process has exited and been reaped.
func (p *Process) Wait() {
	<-p.done
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
