package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	"github.com/roelfdiedericks/serialmon/internal/logging"
)

// TopicReloaded is published with the new *Config after a successful reload.
const TopicReloaded = "config.reloaded"

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	watcher      *fsnotify.Watcher
	path         string
	debounceMs   int
	onChange     func(*Config)
	stopCh       chan struct{}
	stopOnce     sync.Once
	mu           sync.Mutex
	lastReload   time.Time
	pendingTimer *time.Timer
}

// NewWatcher watches path. onChange may be nil; subscribers of
// TopicReloaded are notified either way.
func NewWatcher(path string, debounceMs int, onChange func(*Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if debounceMs <= 0 {
		debounceMs = 500 // Default 500ms debounce
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}

	// Watch the directory: editors often replace the file instead of writing it.
	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return &Watcher{
		watcher:    fsWatcher,
		path:       abs,
		debounceMs: debounceMs,
		onChange:   onChange,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start begins watching for file changes.
// This spawns a goroutine internally.
func (w *Watcher) Start() {
	logging.L_debug("config: watching", "path", w.path)
	go w.run()
}

// run is the main event loop.
func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.L_warn("config: watcher error", "error", err)
		}
	}
}

// handleEvent processes a file system event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}

	isRelevant := event.Op&fsnotify.Write != 0 ||
		event.Op&fsnotify.Create != 0 ||
		event.Op&fsnotify.Rename != 0

	if !isRelevant {
		return
	}

	logging.L_trace("config: file changed", "path", event.Name, "op", event.Op.String())
	w.triggerReload()
}

// triggerReload schedules a reload with debouncing.
func (w *Watcher) triggerReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}

	w.pendingTimer = time.AfterFunc(time.Duration(w.debounceMs)*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	w.pendingTimer = nil
	w.mu.Unlock()

	cfg, _, err := Load(w.path)
	if err != nil {
		logging.L_warn("config: reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.lastReload = time.Now()
	w.mu.Unlock()

	logging.L_info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
	bus.PublishEvent(TopicReloaded, cfg)
}

// Stop stops watching for changes.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	w.mu.Lock()
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}

// LastReload returns the time of the last successful reload.
func (w *Watcher) LastReload() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReload
}
