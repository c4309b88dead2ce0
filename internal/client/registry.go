package client

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/multiscrobbler/multiscrobbler/internal/bus"
	"github.com/multiscrobbler/multiscrobbler/internal/clock"
)

// Deps are the shared collaborators every client constructor needs,
// mirroring source.Deps.
type Deps struct {
	Bus    *bus.Bus
	Clock  clock.Clock
	Logger *slog.Logger
	// Persist durably mirrors each built Client's dead-letter queue, if
	// set (spec §5 "Persisted state"). Nil means in-memory only.
	Persist DeadLetterPersister
}

// Constructor builds a Client of one type from its raw per-instance
// config and the shared Deps (design note §9: "mapping from type string
// to constructor function").
type Constructor func(cfg Config, raw map[string]any, deps Deps) (*Client, error)

// Registry maps a client "type" string to its Constructor.
type Registry struct {
	mu   sync.RWMutex
	ctor map[string]Constructor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ctor: make(map[string]Constructor)}
}

// Register adds kind to the registry, replacing any existing
// constructor for the same kind.
func (r *Registry) Register(kind string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctor[kind] = c
}

// Build constructs a Client of kind using its registered Constructor.
func (r *Registry) Build(kind string, cfg Config, raw map[string]any, deps Deps) (*Client, error) {
	r.mu.RLock()
	c, ok := r.ctor[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("client: no constructor registered for type %q", kind)
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
