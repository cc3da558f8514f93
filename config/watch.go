package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration when the file on disk changes. The
// containing directory is watched so that editors which replace the file
// (write to temp + rename) are also picked up.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(Config)
	watcher  *fsnotify.Watcher

	// suppress is set around our own writes so SaveToFile does not trigger
	// a reload of what we just wrote.
	mu       sync.Mutex
	suppress time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewWatcher creates a watcher for configPath. onChange receives a freshly
// loaded config on top of NewDefaultConfig; files that fail to parse or
// validate are logged and ignored.
func NewWatcher(configPath string, debounce time.Duration, onChange func(Config)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}
	w := &Watcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		watcher:  fw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Suppress ignores change events for the given duration. Used right before
// the daemon writes the config itself.
func (w *Watcher) Suppress(d time.Duration) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.suppress = time.Now().Add(d)
	w.mu.Unlock()
}

func (w *Watcher) suppressed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Now().Before(w.suppress)
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("WARNING: config watcher error: %v", err)
		case <-fire:
			fire = nil
			if w.suppressed() {
				continue
			}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(w.path, &cfg); err != nil {
		log.Printf("WARNING: ignoring config change, failed to load '%s': %v", w.path, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("WARNING: ignoring config change, invalid configuration in '%s': %v", w.path, err)
		return
	}
	w.onChange(cfg)
}
