package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// settleDelay absorbs the burst of events editors emit for one save.
const settleDelay = 50 * time.Millisecond

// Watcher hot-reloads the research config file, auxiliary yaml files in the
// same directory, and the feedback policy directory.
type Watcher struct {
	configPath string
	policyDir  string

	configHandlers []func(*Config) error
	fileHandlers   map[string][]func(path string) error
	policyHandlers []func() error

	watcher *fsnotify.Watcher
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewWatcher creates a watcher. Either path may be empty.
func NewWatcher(configPath, policyDir string, logger *zap.Logger) (*Watcher, error) {
	if configPath == "" && policyDir == "" {
		return nil, fmt.Errorf("nothing to watch")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		configPath:   configPath,
		policyDir:    policyDir,
		fileHandlers: make(map[string][]func(string) error),
		watcher:      fw,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		logger:       logger,
	}, nil
}

// OnConfigChange registers a handler receiving the reloaded config.
func (w *Watcher) OnConfigChange(fn func(*Config) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.configHandlers = append(w.configHandlers, fn)
}

// OnFileChange registers a handler for another file next to the config file, by base name.
func (w *Watcher) OnFileChange(name string, fn func(path string) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fileHandlers[name] = append(w.fileHandlers[name], fn)
}

// OnPolicyChange registers a handler run when any .rego file changes.
func (w *Watcher) OnPolicyChange(fn func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.policyHandlers = append(w.policyHandlers, fn)
}

// Start begins watching. Directories are watched so atomic renames are seen.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if w.stopped {
		return fmt.Errorf("watcher already stopped")
	}

	if w.configPath != "" {
		if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
			return fmt.Errorf("failed to watch config directory: %w", err)
		}
	}
	if w.policyDir != "" {
		if err := w.watcher.Add(w.policyDir); err != nil {
			return fmt.Errorf("failed to watch policy directory: %w", err)
		}
	}
	w.started = true

	go w.watchLoop()

	w.logger.Info("Configuration watcher started",
		zap.String("config_path", w.configPath),
		zap.String("policy_dir", w.policyDir),
	)
	return nil
}

// Stop stops watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.stopped = true
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.started = false
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.doneCh
	w.logger.Info("Configuration watcher stopped")
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.doneCh)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

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
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	name := filepath.Base(event.Name)

	switch {
	case w.configPath != "" && filepath.Clean(event.Name) == filepath.Clean(w.configPath):
		time.Sleep(settleDelay)
		w.reloadConfig()
	case filepath.Ext(name) == ".rego":
		time.Sleep(settleDelay)
		w.runPolicyHandlers(name, event.Op.String())
	default:
		w.mu.RLock()
		handlers := append([]func(string) error(nil), w.fileHandlers[name]...)
		w.mu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		time.Sleep(settleDelay)
		for _, h := range handlers {
			if err := h(event.Name); err != nil {
				w.logger.Error("File reload handler failed", zap.String("file", name), zap.Error(err))
			}
		}
	}
}

func (w *Watcher) reloadConfig() {
	cfg, err := Load(w.configPath)
	if err != nil {
		// Keep running on the previous config.
		w.logger.Error("Failed to reload config", zap.String("file", w.configPath), zap.Error(err))
		return
	}

	w.mu.RLock()
	handlers := append([]func(*Config) error(nil), w.configHandlers...)
	w.mu.RUnlock()

	w.logger.Info("Configuration reloaded",
		zap.String("file", w.configPath),
		zap.Int("handlers", len(handlers)),
	)
	for _, h := range handlers {
		if err := h(cfg); err != nil {
			w.logger.Error("Config change handler failed", zap.Error(err))
		}
	}
}

func (w *Watcher) runPolicyHandlers(file, action string) {
	w.mu.RLock()
	handlers := append([]func() error(nil), w.policyHandlers...)
	w.mu.RUnlock()

	w.logger.Info("Policy file changed, triggering reload",
		zap.String("file", file),
		zap.String("action", action),
		zap.Int("handlers", len(handlers)),
	)
	for _, h := range handlers {
		if err := h(); err != nil {
			w.logger.Error("Policy reload handler failed", zap.String("file", file), zap.Error(err))
		}
	}
}
