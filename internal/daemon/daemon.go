// Package daemon is the orchestrator: it claims the pid file, starts the
// permission server and the chat frontend, spawns the operator agent, and
// runs the event, routing, notification, discovery and recovery loops
// until a signal arrives.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentherd/internal/agent"
	"github.com/nextlevelbuilder/agentherd/internal/config"
	"github.com/nextlevelbuilder/agentherd/internal/frontend"
	"github.com/nextlevelbuilder/agentherd/internal/frontend/telegram"
	"github.com/nextlevelbuilder/agentherd/internal/permission"
	"github.com/nextlevelbuilder/agentherd/internal/registry"
	"github.com/nextlevelbuilder/agentherd/internal/supervisor"
	"github.com/nextlevelbuilder/agentherd/internal/worker"
)

// initTurnTimeout bounds the operator's first turn; it may use tools, so
// it gets far longer than process startup.
const initTurnTimeout = 120 * time.Second

const operatorPrompt = "You are the operator agent for agentherd. " +
	"You coordinate tasks, spawn workers, and handle high-level planning. " +
	"Use the tools available to manage the task registry and spawn new workers as needed."

// Chat is what the daemon needs from the frontend: the messaging surface
// plus forum topic management for the worker lifecycle.
type Chat interface {
	frontend.Frontend
	worker.Topics
	Start(ctx context.Context) error
}

// Daemon wires every component together.
type Daemon struct {
	cfg     *config.Config
	store   *registry.Store
	sup     *supervisor.Supervisor
	broker  *permission.Broker
	server  *permission.Server
	chat    Chat
	workers *worker.Manager

	// agentEnv is injected into every agent child so its permission hook
	// finds its way back to us.
	agentEnv []string

	// agentCmd and agentArgs override the agent binary in tests.
	agentCmd  string
	agentArgs []string
}

// New assembles a Daemon from config. The Telegram credentials must be
// present; everything else has defaults.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	store := registry.Open(cfg.Daemon.RegistryFile)
	broker := permission.NewBroker(time.Duration(cfg.Permission.RequestTimeout * float64(time.Second)))

	chat, err := telegram.New(cfg.Telegram, store)
	if err != nil {
		return nil, fmt.Errorf("daemon: telegram adapter: %w", err)
	}

	env := []string{
		permission.SupervisedEnv + "=1",
		permission.ServerEnv + "=" + cfg.PermissionURL(),
	}
	sup := supervisor.New(store, supervisor.Options{Env: env})

	return &Daemon{
		cfg:      cfg,
		store:    store,
		sup:      sup,
		broker:   broker,
		server:   permission.NewServer(broker, cfg.Permission.Host, cfg.Permission.Port),
		chat:     chat,
		workers:  worker.NewManager(store, sup, chat, cfg.Daemon.TriggerFile),
		agentEnv: env,
	}, nil
}

// Run starts everything and blocks until a signal or a loop failure.
func (d *Daemon) Run(ctx context.Context) error {
	if err := CheckSingleton(d.cfg.Daemon.PIDFile); err != nil {
		return err
	}

	// LIFO: the pid file is removed before the group-wide SIGTERM goes
	// out, so cleanup never races our own termination signal.
	killGroup := setupProcessGroup()
	defer killGroup()
	defer RemovePIDFile(d.cfg.Daemon.PIDFile)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		slog.Info("signal received, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("starting daemon", "pid", os.Getpid())

	if err := d.server.Start(); err != nil {
		return fmt.Errorf("daemon: permission server: %w", err)
	}
	defer d.server.Shutdown(context.Background())

	if err := d.chat.Start(ctx); err != nil {
		return fmt.Errorf("daemon: chat frontend: %w", err)
	}
	defer d.chat.Stop()

	d.workers.RecoverCrashed(d.cfg.Recovery.Roots)

	if err := d.spawnOperator(ctx); err != nil {
		// The daemon still serves existing tasks; messages for unknown
		// ones will be dropped until an operator exists.
		slog.Error("operator spawn failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.handleAgentEvents(ctx) })
	g.Go(func() error { return d.handleIncoming(ctx) })
	g.Go(func() error { return d.handleNotifications(ctx) })
	g.Go(func() error { return d.watchDiscovery(ctx) })
	g.Go(func() error { return d.recoverySweep(ctx) })

	err := g.Wait()
	d.sup.StopAll(5 * time.Second)
	if errors.Is(err, context.Canceled) {
		slog.Info("daemon stopped")
		return nil
	}
	return err
}

// spawnOperator brings up the coordinator agent: resume its previous
// session when the registry remembers one, otherwise spawn fresh, prompt
// it, and drain the init turn before its events reach the chat.
func (d *Daemon) spawnOperator(ctx context.Context) error {
	name := registry.OperatorName

	if task, ok := d.store.GetTask(name); ok && task.SessionID != "" {
		dir := task.Path
		if dir == "" {
			dir = d.cfg.Daemon.OperatorDir
		}
		if _, err := d.sup.Resume(ctx, name, dir, task.SessionID, nil); err == nil {
			active := registry.StatusActive
			d.store.UpdateSessionTracking(name, registry.SessionUpdate{Status: &active})
			slog.Info("operator session resumed", "session_id", task.SessionID)
			return nil
		} else {
			slog.Warn("operator resume failed, spawning fresh", "error", err)
		}
	}

	dir := d.cfg.Daemon.OperatorDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("operator directory: %w", err)
	}

	proc := agent.New(agent.Options{
		Dir:     dir,
		Env:     d.agentEnv,
		Command: d.agentCmd,
		Args:    d.agentArgs,
	})
	sessionID, err := proc.Start(ctx)
	if err != nil {
		return fmt.Errorf("start operator: %w", err)
	}

	// Monitoring starts only after the init turn is drained, so the
	// operator's self-introduction never lands in the chat.
	if err := d.sup.Register(name, proc, false); err != nil {
		proc.Stop(5 * time.Second)
		return fmt.Errorf("register operator: %w", err)
	}

	proc.SendMessage(operatorPrompt)
	d.drainInitTurn(proc)

	if err := d.sup.StartMonitoring(name); err != nil {
		return fmt.Errorf("monitor operator: %w", err)
	}

	pid := proc.PID()
	d.store.AddTask(name, registry.Task{
		Type:      registry.TypeOperator,
		Path:      dir,
		TopicID:   d.store.GeneralTopicID(),
		Status:    registry.StatusActive,
		SessionID: sessionID,
		PID:       pid,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	slog.Info("operator spawned", "session_id", sessionID, "pid", pid)
	return nil
}

// drainInitTurn consumes the operator's events through the first Result,
// logging instead of forwarding.
func (d *Daemon) drainInitTurn(proc *agent.Process) {
	deadline := time.After(initTurnTimeout)
	for {
		select {
		case ev, ok := <-proc.Events():
			if !ok {
				slog.Warn("operator exited during init turn")
				return
			}
			switch e := ev.(type) {
			case agent.SystemInit:
				slog.Info("init turn", "session_id", e.SessionID)
			case agent.AssistantMessage:
				if text := agent.ExtractText(e); text != "" {
					slog.Info("init turn response", "text", text)
				}
				for _, t := range agent.ExtractToolUses(e) {
					slog.Info("init turn tool call", "tool", t.Name)
				}
			case agent.Result:
				slog.Info("init turn complete", "success", e.Success, "cost_usd", e.Cost)
				return
			}
		case <-deadline:
			slog.Warn("init turn timed out", "timeout", initTurnTimeout)
			return
		}
	}
}
