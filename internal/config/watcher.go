package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
// Editors often produce several write events per save.
const DebounceDelay = 100 * time.Millisecond

// SettingsWatcher monitors a settings file and notifies a callback with the
// reloaded settings whenever the file changes and still parses.
//
// Thread-safety: all public methods are safe for concurrent use.
type SettingsWatcher struct {
	path     string
	onChange func(*Settings)
	logger   *slog.Logger

	watcher *fsnotify.Watcher

	debounceMu    sync.Mutex
	debounceDelay time.Duration
	debounceTimer *time.Timer

	// done signals the event loop to stop.
	done chan struct{}
	// stopped is closed when the event loop has exited.
	stopped chan struct{}
}

// NewSettingsWatcher creates a watcher for the given settings file.
// Call Start() to begin watching and Close() when done.
func NewSettingsWatcher(path string, logger *slog.Logger, onChange func(*Settings)) (*SettingsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the parent directory: editors replace files on save, which would
	// drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	return &SettingsWatcher{
		path:          path,
		onChange:      onChange,
		logger:        logger,
		watcher:       watcher,
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the debounce delay for batching rapid changes.
// Must be called before Start().
func (sw *SettingsWatcher) SetDebounceDelay(d time.Duration) {
	sw.debounceMu.Lock()
	defer sw.debounceMu.Unlock()
	sw.debounceDelay = d
}

// Start begins the event processing loop.
func (sw *SettingsWatcher) Start() {
	go sw.eventLoop()
}

// Close stops the watcher and releases resources.
// After Close returns, the callback will not be invoked again.
func (sw *SettingsWatcher) Close() error {
	close(sw.done)
	err := sw.watcher.Close()
	<-sw.stopped
	sw.debounceMu.Lock()
	if sw.debounceTimer != nil {
		sw.debounceTimer.Stop()
	}
	sw.debounceMu.Unlock()
	return err
}

func (sw *SettingsWatcher) eventLoop() {
	defer close(sw.stopped)

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(sw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			sw.scheduleReload()

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			if sw.logger != nil {
				sw.logger.Warn("settings watcher error", "error", err)
			}
		}
	}
}

// scheduleReload arms (or re-arms) the debounce timer.
func (sw *SettingsWatcher) scheduleReload() {
	sw.debounceMu.Lock()
	defer sw.debounceMu.Unlock()

	if sw.debounceTimer != nil {
		sw.debounceTimer.Stop()
	}
	sw.debounceTimer = time.AfterFunc(sw.debounceDelay, sw.reload)
}

func (sw *SettingsWatcher) reload() {
	select {
	case <-sw.done:
		return
	default:
	}

	settings, err := Load(sw.path)
	if err != nil {
		// A half-written file is expected during saves; keep the old settings.
		if sw.logger != nil {
			sw.logger.Warn("settings reload failed", "path", sw.path, "error", err)
		}
		return
	}

	if sw.logger != nil {
		sw.logger.Info("settings reloaded", "path", sw.path)
	}
	sw.onChange(settings)
}
