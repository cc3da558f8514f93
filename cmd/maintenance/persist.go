package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/maintenance/config"
	"github.com/migadu/maintenance/maintenance"
)

// selfWriteWindow hides our own config writes from the file watcher.
const selfWriteWindow = 2 * time.Second

// configFile keeps the live configuration and writes maintenance state back
// into it. It implements maintenance.Persister.
type configFile struct {
	path string

	mu      sync.Mutex
	cfg     config.Config
	watcher *config.Watcher
}

func newConfigFile(path string, cfg config.Config) *configFile {
	return &configFile{path: path, cfg: cfg}
}

func (f *configFile) setWatcher(w *config.Watcher) {
	f.mu.Lock()
	f.watcher = w
	f.mu.Unlock()
}

func (f *configFile) Current() config.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// Replace records a configuration that was loaded from disk.
func (f *configFile) Replace(cfg config.Config) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

// Load re-reads and validates the file without applying it.
func (f *configFile) Load() (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(f.path, &cfg); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (f *configFile) Persist(snap maintenance.Snapshot, whitelist map[uuid.UUID]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cfg.Maintenance.Enabled = snap.Global
	f.cfg.Maintenance.Servers = append([]string{}, snap.Backends...)
	wl := make(map[string]string, len(whitelist))
	for id, name := range whitelist {
		wl[id.String()] = name
	}
	f.cfg.Whitelist = wl

	if f.watcher != nil {
		f.watcher.Suppress(selfWriteWindow)
	}
	if err := config.SaveToFile(f.path, &f.cfg); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.path, err)
	}
	return nil
}
