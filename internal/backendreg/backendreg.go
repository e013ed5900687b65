// Package backendreg loads and hot-reloads the set of named agent CLIs
// ("backends") an agent host can spawn: a command, its arguments, and
// environment overrides, per the glossary's "Backend" entry.
package backendreg

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
)

// Capability advertises what a backend's agent-client-protocol
// implementation supports beyond prompting.
type Capability struct {
	List     bool `yaml:"list" json:"list"`
	Load     bool `yaml:"load" json:"load"`
	Terminal bool `yaml:"terminal" json:"terminal"`
}

// Backend is a named agent CLI the host can launch a subprocess for.
type Backend struct {
	ID         string            `yaml:"id" json:"id"`
	Label      string            `yaml:"label" json:"label"`
	Command    string            `yaml:"command" json:"command"`
	Args       []string          `yaml:"args" json:"args"`
	Env        map[string]string `yaml:"env" json:"env"`
	Capability Capability        `yaml:"capability" json:"capability"`
}

type fileFormat struct {
	Default  string    `yaml:"default"`
	Backends []Backend `yaml:"backends"`
}

// Registry is the in-memory, hot-reloaded view of backends.yaml.
type Registry struct {
	path string

	mu       sync.RWMutex
	byID     map[string]Backend
	order    []string
	defaultB string

	watcher *fsnotify.Watcher
	logger  *slog.Logger
	done    chan struct{}
}

// Load reads path once and starts watching it for changes. If the file
// does not exist yet, Load starts with an empty registry and will pick up
// the file once it is created (the operator may write it after the host
// starts).
func Load(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:   path,
		byID:   make(map[string]Backend),
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := r.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create backend registry watcher: %w", err)
	}
	r.watcher = watcher

	dir := dirOf(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch backend registry dir: %w", err)
	}

	go r.watchLoop()
	return r, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Name != r.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				r.logger.Warn("backend registry reload failed", "error", err)
			} else {
				r.logger.Info("backend registry reloaded", "path", r.path)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("backend registry watcher error", "error", err)
		}
	}
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	var parsed fileFormat
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse backend registry: %w", err)
	}

	byID := make(map[string]Backend, len(parsed.Backends))
	order := make([]string, 0, len(parsed.Backends))
	for _, b := range parsed.Backends {
		if b.ID == "" {
			continue
		}
		byID[b.ID] = b
		order = append(order, b.ID)
	}

	r.mu.Lock()
	r.byID = byID
	r.order = order
	r.defaultB = parsed.Default
	r.mu.Unlock()
	return nil
}

// Get returns a backend by id.
func (r *Registry) Get(id string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[id]
	return b, ok
}

// Default returns the configured default backend; false if none is
// configured or its id is unknown.
func (r *Registry) Default() (Backend, bool) {
	r.mu.RLock()
	id := r.defaultB
	r.mu.RUnlock()
	if id == "" {
		return Backend{}, false
	}
	return r.Get(id)
}

// List returns all known backends in registry file order.
func (r *Registry) List() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Close stops the watcher goroutine.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	return r.watcher.Close()
}
