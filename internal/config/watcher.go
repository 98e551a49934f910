package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/oshokin/piguard/internal/logger"
)

// reloadDebounce coalesces the burst of filesystem events editors
// produce when rewriting a file.
const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and
// delivers validated snapshots on Updates. Invalid revisions are logged
// and skipped, so consumers only ever observe configurations that passed
// Validate.
type Watcher struct {
	// path is the watched configuration file.
	path string
	// watcher is the underlying fsnotify watcher on the file's directory.
	watcher *fsnotify.Watcher
	// updates delivers validated configuration snapshots.
	updates chan *Config
}

// NewWatcher creates a watcher for the configuration file at path.
// Watching the parent directory instead of the file itself keeps the
// watch alive across rename-based atomic saves.
func NewWatcher(path string) (*Watcher, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	path = filepath.Clean(path)

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		_ = fsWatcher.Close()

		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		path:    path,
		watcher: fsWatcher,
		updates: make(chan *Config, 1),
	}, nil
}

// Updates returns the channel of validated configuration snapshots.
func (w *Watcher) Updates() <-chan *Config {
	return w.updates
}

// Run processes filesystem events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var (
		debounce = time.NewTimer(reloadDebounce)
		pending  bool
	)

	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if pending {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
			}

			debounce.Reset(reloadDebounce)

			pending = true
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}

			logger.Errorf(ctx, "Config watcher error: %v", err)
		case <-debounce.C:
			pending = false

			w.reload(ctx)
		}
	}
}

// reload loads and validates the file, publishing the snapshot on success.
// Only the latest snapshot is retained if the consumer is slow.
func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Errorf(ctx, "Ignoring invalid config revision: %v", err)

		return
	}

	select {
	case w.updates <- cfg:
	default:
		// Drop the stale queued snapshot and publish the fresh one.
		select {
		case <-w.updates:
		default:
		}

		w.updates <- cfg
	}

	logger.InfoKV(ctx, "Configuration reloaded",
		"phone_numbers", len(cfg.PhoneNumbers),
		"cooldown_window", cfg.CooldownWindow)
}
