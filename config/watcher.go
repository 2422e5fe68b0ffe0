package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
)

// debounceWindow coalesces the burst of fs events an editor or
// atomic-rename write produces for a single save.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads a configuration file on change and pushes validated
// updates into a SafeConfig. A reload that fails to parse or validate
// is logged and dropped; the previous configuration stays live.
type Watcher struct {
	path     string
	safe     *SafeConfig
	logger   *slog.Logger
	onChange func(*Config)

	fw     *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for path. onChange may be nil; when set
// it is called with each accepted configuration.
func NewWatcher(path string, safe *SafeConfig, logger *slog.Logger, onChange func(*Config)) (*Watcher, error) {
	if path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Watcher", "NewWatcher", "validate path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		safe:     safe,
		logger:   logger.With("component", "config-watcher"),
		onChange: onChange,
	}, nil
}

// Start begins watching. Watching the parent directory rather than the
// file itself survives atomic renames, which replace the inode.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapFatal(err, "Watcher", "Start", "create fs watcher")
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return errors.WrapFatal(err, "Watcher", "Start", "watch config directory")
	}
	w.fw = fw

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.run(runCtx)

	w.logger.Info("watching configuration file", "path", w.path)
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.fw != nil {
		err = w.fw.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				timer.Reset(debounceWindow)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fs watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping previous configuration",
			"path", w.path,
			"error", err)
		return
	}
	if err := w.safe.Update(cfg); err != nil {
		w.logger.Error("config update rejected", "error", err)
		return
	}
	w.logger.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
