package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/vitalplan/vitalplan/internal/plan"
)

// debounceInterval is the delay after an fsnotify event before re-reading
// the file, so editors that write in multiple steps are read once.
const debounceInterval = 100 * time.Millisecond

// ApprovalDefaults serves the current default approval policy and watches
// its backing file for edits. Plans snapshot the policy at creation time;
// a reload affects only plans created afterwards.
type ApprovalDefaults struct {
	path string

	mu      sync.RWMutex
	current plan.ApprovalConfig
}

func NewApprovalDefaults(path string) *ApprovalDefaults {
	d := &ApprovalDefaults{
		path: path,
		current: plan.ApprovalConfig{
			AutoApproveLowRisk: true,
			NotifyOnCompletion: true,
		},
	}
	if err := d.reload(); err != nil {
		slog.Warn("approval defaults file not loaded, using built-in policy", "path", path, "error", err)
	}
	return d
}

// Current returns a copy of the active policy.
func (d *ApprovalDefaults) Current() plan.ApprovalConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

func (d *ApprovalDefaults) reload() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return err
	}
	var cfg plan.ApprovalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}
	d.mu.Lock()
	d.current = cfg
	d.mu.Unlock()
	return nil
}

// Watch re-reads the policy file whenever it changes, until ctx is done.
// The parent directory is watched rather than the file itself, so renames
// from atomic writers keep working.
func (d *ApprovalDefaults) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(d.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceInterval, func() {
					if err := d.reload(); err != nil {
						slog.Warn("approval defaults reload failed", "path", d.path, "error", err)
						return
					}
					slog.Info("approval defaults reloaded", "path", d.path)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("approval defaults watcher error", "error", err)
			}
		}
	}()
	return nil
}
