package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fsnotify/fsnotify"
)

// watchDiscovery reruns crash recovery whenever the trigger file is
// touched. The CLI and the worker layer touch it after creating tasks so
// a running daemon picks them up without restarting.
func (d *Daemon) watchDiscovery(ctx context.Context) error {
	trigger := d.cfg.Daemon.TriggerFile
	if trigger == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	if f, err := os.OpenFile(trigger, os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
		f.Close()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("discovery watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors and touch replace files, which drops
	// a watch placed on the file itself.
	if err := w.Add(filepath.Dir(trigger)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(trigger), err)
	}
	slog.Info("discovery watcher started", "trigger", trigger)

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != trigger {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) == 0 {
				continue
			}
			slog.Info("discovery trigger touched, rescanning")
			d.workers.RecoverCrashed(d.cfg.Recovery.Roots)
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("discovery watcher error", "error", werr)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// recoverySweep clears stale pids on the configured cron schedule.
func (d *Daemon) recoverySweep(ctx context.Context) error {
	expr := d.cfg.Recovery.Cron
	gron := gronx.New()
	if expr == "" || !gron.IsValid(expr) {
		if expr != "" {
			slog.Warn("invalid recovery cron, sweep disabled", "cron", expr)
		}
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			due, err := gron.IsDue(expr, now)
			if err != nil {
				slog.Warn("recovery cron evaluation failed", "cron", expr, "error", err)
				continue
			}
			if !due {
				continue
			}
			if cleaned := d.sup.CleanupCrashed(); len(cleaned) > 0 {
				slog.Info("recovery sweep cleared stale pids", "tasks", cleaned)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
