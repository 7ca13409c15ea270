package config

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeEvent represents a configuration change event
type ChangeEvent struct {
	File      string    `json:"file"`
	Path      string    `json:"path"`
	Action    string    `json:"action"` // initial_load, create, modify, delete, rename, polling_detected
	Data      []byte    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// ChangeHandler is called when configuration changes
type ChangeHandler func(event ChangeEvent) error

// Manager watches directories of YAML/JSON and .rego files and notifies
// handlers registered for a file name. Handlers run in registration order
// on the watcher goroutine.
type Manager struct {
	dirs           []string
	contents       map[string][]byte // path -> last seen bytes
	handlers       map[string][]ChangeHandler
	validators     map[string]func([]byte) error
	policyHandlers []func() error
	watcher        *fsnotify.Watcher
	started        bool
	stopCh         chan struct{}
	done           sync.WaitGroup
	logger         *zap.Logger
	mu             sync.RWMutex
	eventMu        sync.Mutex

	// Polling fallback for when fsnotify isn't reliable
	pollInterval  time.Duration
	enablePolling bool

	settle time.Duration
}

// NewManager creates a manager for dirs. Empty entries are skipped.
func NewManager(logger *zap.Logger, dirs ...string) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]bool)
	var clean []string
	for _, d := range dirs {
		if d == "" {
			continue
		}
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, fmt.Errorf("resolve config directory %s: %w", d, err)
		}
		if !seen[abs] {
			seen[abs] = true
			clean = append(clean, abs)
		}
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("config manager needs at least one directory")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Manager{
		dirs:         clean,
		contents:     make(map[string][]byte),
		handlers:     make(map[string][]ChangeHandler),
		validators:   make(map[string]func([]byte) error),
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
		settle:       50 * time.Millisecond,
	}, nil
}

// Start loads every watched file once, then begins watching for changes.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	for _, dir := range m.dirs {
		if err := m.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
		}
	}
	if err := m.loadAll("initial_load"); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	m.mu.Lock()
	m.started = true
	polling := m.enablePolling
	loaded := len(m.contents)
	m.mu.Unlock()

	m.done.Add(1)
	go m.watchLoop(ctx)
	if polling {
		m.done.Add(1)
		go m.pollLoop(ctx)
	}

	m.logger.Info("Configuration manager started",
		zap.Strings("dirs", m.dirs),
		zap.Int("loaded_files", loaded),
		zap.Bool("polling_enabled", polling),
	)
	return nil
}

// Stop stops watching and waits for the loops to exit.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	err := m.watcher.Close()
	m.done.Wait()
	m.logger.Info("Configuration manager stopped")
	return err
}

// RegisterHandler registers a change handler for a file name.
func (m *Manager) RegisterHandler(filename string, handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[filename] = append(m.handlers[filename], handler)
}

// RegisterValidator rejects changes to filename whose content fails validator.
// A rejected change leaves handlers un-notified.
func (m *Manager) RegisterValidator(filename string, validator func([]byte) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[filename] = validator
}

// RegisterPolicyHandler registers a handler for .rego changes.
func (m *Manager) RegisterPolicyHandler(handler func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyHandlers = append(m.policyHandlers, handler)
}

// EnablePolling enables polling fallback for unreliable filesystems.
// Call before Start.
func (m *Manager) EnablePolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval <= 0 {
		return
	}
	m.enablePolling = true
	m.pollInterval = interval
	m.logger.Info("Configuration polling enabled", zap.Duration("interval", interval))
}

// Reload re-reads path and notifies handlers if its content changed.
func (m *Manager) Reload(path string) error {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	return m.loadFile(path, "manual_reload")
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.done.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) pollLoop(ctx context.Context) {
	defer m.done.Done()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.eventMu.Lock()
			err := m.loadAll("polling_detected")
			m.eventMu.Unlock()
			if err != nil {
				m.logger.Error("Error during polling check", zap.Error(err))
			}
		}
	}
}

func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	isConfig := isConfigFile(event.Name)
	isPolicy := isPolicyFile(event.Name)
	if !isConfig && !isPolicy {
		return
	}

	var action string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case event.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		action = "delete"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		action = "rename"
	default:
		// chmod
		return
	}

	m.logger.Debug("File system event",
		zap.String("file", filepath.Base(event.Name)),
		zap.String("op", event.Op.String()),
	)

	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	if isPolicy {
		m.reloadPolicies(filepath.Base(event.Name), action)
		return
	}
	if action == "delete" || action == "rename" {
		m.handleRemoval(event.Name, action)
		return
	}

	// Small delay to handle rapid successive writes
	time.Sleep(m.settle)
	if err := m.loadFile(event.Name, action); err != nil {
		m.logger.Error("Failed to load config file",
			zap.String("file", filepath.Base(event.Name)),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (m *Manager) loadAll(action string) error {
	for _, dir := range m.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != dir {
					return filepath.SkipDir
				}
				return nil
			}
			if !isConfigFile(path) {
				return nil
			}
			if err := m.loadFile(path, action); err != nil {
				m.logger.Error("Failed to load config file", zap.String("path", path), zap.Error(err))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// loadFile must be called with eventMu held, except during Start.
func (m *Manager) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	filename := filepath.Base(path)

	m.mu.RLock()
	prev, seen := m.contents[path]
	validator := m.validators[filename]
	handlers := append([]ChangeHandler(nil), m.handlers[filename]...)
	m.mu.RUnlock()

	if seen && bytes.Equal(prev, data) {
		return nil
	}
	if validator != nil {
		if err := validator(data); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	m.mu.Lock()
	m.contents[path] = data
	m.mu.Unlock()

	m.notify(handlers, ChangeEvent{File: filename, Path: path, Action: action, Data: data, Timestamp: time.Now()})
	m.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func (m *Manager) handleRemoval(path, action string) {
	filename := filepath.Base(path)
	m.mu.Lock()
	_, known := m.contents[path]
	delete(m.contents, path)
	handlers := append([]ChangeHandler(nil), m.handlers[filename]...)
	m.mu.Unlock()
	if !known {
		return
	}
	m.notify(handlers, ChangeEvent{File: filename, Path: path, Action: action, Timestamp: time.Now()})
	m.logger.Info("Configuration file removed", zap.String("filename", filename))
}

func (m *Manager) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, h := range handlers {
		if err := h(event); err != nil {
			m.logger.Error("Configuration handler error",
				zap.String("filename", event.File),
				zap.String("action", event.Action),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) reloadPolicies(filename, action string) {
	m.mu.RLock()
	handlers := append([]func() error(nil), m.policyHandlers...)
	m.mu.RUnlock()

	m.logger.Info("Policy file changed, triggering reload",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("handlers", len(handlers)),
	)
	for _, handler := range handlers {
		if err := handler(); err != nil {
			m.logger.Error("Policy reload handler failed",
				zap.String("file", filename),
				zap.Error(err),
			)
		}
	}
}

func isConfigFile(filename string) bool {
	switch filepath.Ext(filename) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func isPolicyFile(filename string) bool {
	return filepath.Ext(filename) == ".rego"
}
