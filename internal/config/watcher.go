package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher reloads a config file when it changes on disk and hands valid
// configurations to a callback
type Watcher struct {
	path     string
	onChange func(*Config)

	mu      sync.RWMutex
	current *Config
}

// NewWatcher creates a watcher for path. onChange runs on every valid reload.
func NewWatcher(path string, initial *Config, onChange func(*Config)) *Watcher {
	return &Watcher{path: path, onChange: onChange, current: initial}
}

// Config returns the most recently loaded configuration
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory so editors that replace the file are seen
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[Config] Watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		log.Printf("[Config] Reload failed: %v", err)
		return
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Printf("[Config] Rejected reload: %v", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	log.Printf("[Config] Reloaded %s", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
