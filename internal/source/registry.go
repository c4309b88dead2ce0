package source

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/multiscrobbler/multiscrobbler/internal/bus"
	"github.com/multiscrobbler/multiscrobbler/internal/clock"
)

// Deps are the shared collaborators every constructor needs, rather than
// each adapter package importing the supervisor directly.
type Deps struct {
	Bus    *bus.Bus
	Clock  clock.Clock
	Logger *slog.Logger
}

// Constructor builds a Source of one type from its raw per-instance
// config (the "data"/"options" blob from the config file, §6) and the
// shared Deps. This is the "mapping from type string to constructor
// function" design note (§9), replacing a class-based registry.
type Constructor func(cfg Config, raw map[string]any, deps Deps) (*Source, error)

// Registry maps a source "type" string to its Constructor.
type Registry struct {
	mu   sync.RWMutex
	ctor map[string]Constructor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ctor: make(map[string]Constructor)}
}

// Register adds kind to the registry. Registering the same kind twice
// replaces the previous constructor, which is convenient for tests that
// stub a real adapter.
func (r *Registry) Register(kind string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctor[kind] = c
}

// Build constructs a Source of kind using its registered Constructor.
func (r *Registry) Build(kind string, cfg Config, raw map[string]any, deps Deps) (*Source, error) {
	r.mu.RLock()
	c, ok := r.ctor[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source: no constructor registered for type %q", kind)
	}
	return c(cfg, raw, deps)
}

// Kinds lists the registered type strings.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctor))
	for k := range r.ctor {
		out = append(out, k)
	}
	return out
}
