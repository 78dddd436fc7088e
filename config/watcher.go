package config

import (
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/hone/errors"
	"github.com/teranos/hone/logger"
)

// reloadDebounce coalesces editor write bursts (truncate + write + chmod)
// into one reload.
const reloadDebounce = 500 * time.Millisecond

// ReloadCallback receives the freshly loaded config after the watched file
// changes. Returning an error logs a warning; it does not stop the watcher
// or the remaining callbacks.
type ReloadCallback func(*Config) error

// ConfigWatcher reloads the config when the active config file changes on
// disk and fans the new *Config out to registered callbacks. Writes made
// by the UI persistence path are marked with MarkOwnWrite so they do not
// bounce back as a reload.
type ConfigWatcher struct {
	configPath string
	fs         *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []ReloadCallback
	pending   *time.Timer
	ownWrite  bool
}

// NewConfigWatcher watches configPath. Call Start to begin delivering
// reloads and Stop to release the underlying fsnotify watcher.
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fs.Add(configPath); err != nil {
		fs.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", configPath)
	}
	return &ConfigWatcher{configPath: configPath, fs: fs}, nil
}

// OnReload registers a callback. Registration order is delivery order.
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// MarkOwnWrite suppresses the reload for the next write event. The config
// persistence path calls this just before it writes the file it is being
// watched on.
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.ownWrite = true
}

// consumeOwnWrite reports whether the current event was our own write and
// clears the mark.
func (cw *ConfigWatcher) consumeOwnWrite() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	was := cw.ownWrite
	cw.ownWrite = false
	return was
}

// Start launches the watch loop in a goroutine.
func (cw *ConfigWatcher) Start() {
	go cw.run()
}

// Stop closes the fsnotify watcher, which also ends the watch loop.
func (cw *ConfigWatcher) Stop() error {
	return cw.fs.Close()
}

// relevant filters the event stream down to content changes, dropping
// attribute-only events and backup rotation noise.
func relevant(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
		return false
	}
	return !isBackupPath(ev.Name)
}

func (cw *ConfigWatcher) run() {
	for {
		select {
		case event, ok := <-cw.fs.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			if cw.consumeOwnWrite() {
				logger.Debugw("Skipping reload for own config write", "file", event.Name)
				continue
			}
			logger.Infow("Config file changed on disk",
				"file", event.Name,
				"op", event.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.fs.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watch error", "error", err)
		}
	}
}

// scheduleReload arms (or re-arms) the debounce timer.
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.pending != nil {
		cw.pending.Stop()
	}
	cw.pending = time.AfterFunc(reloadDebounce, func() {
		if err := cw.reload(); err != nil {
			logger.Errorw("Config reload failed", "error", err)
		}
	})
}

func (cw *ConfigWatcher) reload() error {
	// Drop the cached config so Load re-runs the full cascade merge.
	Reset()
	newConfig, err := Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	logger.Infow("Config reloaded", "path", cw.configPath)

	cw.mu.Lock()
	callbacks := slices.Clone(cw.callbacks)
	cw.mu.Unlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			logger.Warnw("Config reload callback failed", "error", err)
		}
	}
	return nil
}

// isBackupPath reports whether path is one of the rotating backups written
// next to the config file before each persisted change.
func isBackupPath(path string) bool {
	switch filepath.Ext(path) {
	case ".back1", ".back2", ".back3":
		return true
	}
	return false
}

var globalWatcher atomic.Pointer[ConfigWatcher]

// SetGlobalWatcher installs the watcher consulted by the persistence path
// for own-write marking.
func SetGlobalWatcher(watcher *ConfigWatcher) {
	globalWatcher.Store(watcher)
}

// GetGlobalWatcher returns the installed watcher, or nil before SetGlobalWatcher.
func GetGlobalWatcher() *ConfigWatcher {
	return globalWatcher.Load()
}
