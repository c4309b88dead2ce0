// Package supervisor owns the event bus subscription that the rest of
// the pipeline is built around but none of C3/C4 reach for on their
// own: "every Source produces a Play -> emit newPlay on C6 -> every
// subscribing Client receives it -> C4 enqueue" (spec §2 data flow).
// Source and Client never hold a reference to each other — only to the
// bus (spec §9's cyclic-emitter redesign note) — so something has to sit
// above both and wire discovery to enqueue. That something is the
// Supervisor: it owns the registries, builds configured instances, and
// runs the fan-out goroutine.
package supervisor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/multiscrobbler/multiscrobbler/internal/bus"
	"github.com/multiscrobbler/multiscrobbler/internal/client"
	"github.com/multiscrobbler/multiscrobbler/internal/play"
	"github.com/multiscrobbler/multiscrobbler/internal/source"
)

// Supervisor holds every configured Source and Client and fans newPlay
// events from the bus out to each client's queue.
type Supervisor struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	sources map[string]*source.Source
	clients map[string]*client.Client

	subID int
	stop  chan struct{}
}

// New creates a Supervisor bound to bus b.
func New(b *bus.Bus, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		bus:     b,
		logger:  logger,
		sources: make(map[string]*source.Source),
		clients: make(map[string]*client.Client),
	}
}

// AddSource registers a built Source under name, so FanOut routes its
// newPlay events and Status/Snapshot can report on it.
func (sv *Supervisor) AddSource(name string, s *source.Source) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.sources[name] = s
}

// AddClient registers a built Client under name.
func (sv *Supervisor) AddClient(name string, c *client.Client) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.clients[name] = c
}

// Source returns the registered Source by name, for ingress wiring.
func (sv *Supervisor) Source(name string) (*source.Source, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	s, ok := sv.sources[name]
	return s, ok
}

// Sources returns a snapshot of every registered Source, for the
// dashboard/monitor surface.
func (sv *Supervisor) Sources() map[string]*source.Source {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make(map[string]*source.Source, len(sv.sources))
	for k, v := range sv.sources {
		out[k] = v
	}
	return out
}

// Clients returns a snapshot of every registered Client.
func (sv *Supervisor) Clients() map[string]*client.Client {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make(map[string]*client.Client, len(sv.clients))
	for k, v := range sv.clients {
		out[k] = v
	}
	return out
}

// Start subscribes to the bus and begins fanning out newPlay events to
// every client (spec §4.4 "Multi-client broadcast"). It does not start
// any individual Source's poll loop or Client's worker loop; callers
// start those explicitly once each component's Initialize has
// succeeded, so a config error in one component doesn't block the rest.
func (sv *Supervisor) Start(ctx context.Context) {
	id, events := sv.bus.Subscribe()
	sv.subID = id
	stop := make(chan struct{})
	sv.stop = stop

	go func() {
		for {
			select {
			case <-ctx.Done():
				sv.bus.Unsubscribe(id)
				return
			case <-stop:
				sv.bus.Unsubscribe(id)
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type != bus.KindNewPlay || ev.From != bus.OriginSource {
					continue
				}
				sv.fanOut(ev.Name, ev)
			}
		}
	}()
}

func (sv *Supervisor) fanOut(sourceName string, ev bus.Event) {
	p, ok := ev.Data.(play.Play)
	if !ok {
		if sv.logger != nil {
			sv.logger.Error("supervisor: newPlay event carried unexpected data type", "source", sourceName)
		}
		return
	}

	sv.mu.RLock()
	clients := make([]*client.Client, 0, len(sv.clients))
	for _, c := range sv.clients {
		clients = append(clients, c)
	}
	sv.mu.RUnlock()

	for _, c := range clients {
		if _, err := c.Enqueue(sourceName, p.Clone()); err != nil && sv.logger != nil {
			sv.logger.Error("supervisor: enqueue failed", "client", c.Name(), "source", sourceName, "error", err)
		}
	}
}

// Stop unsubscribes the fan-out goroutine from the bus.
func (sv *Supervisor) Stop() {
	if sv.stop != nil {
		close(sv.stop)
	}
}

// InitializeAll runs Initialize on every registered Source and Client,
// logging (not failing fast on) any single component's init error so
// one misconfigured source doesn't keep the rest of the daemon from
// starting (spec §7: a config-invalid component "stays NOT_INITIALIZED
// and is visible in the dashboard with an error status").
func (sv *Supervisor) InitializeAll(ctx context.Context) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	for name, s := range sv.sources {
		if err := s.Initialize(ctx); err != nil && sv.logger != nil {
			sv.logger.Error("supervisor: source init failed", "source", name, "error", err)
		}
	}
	for name, c := range sv.clients {
		if err := c.Initialize(ctx); err != nil && sv.logger != nil {
			sv.logger.Error("supervisor: client init failed", "client", name, "error", err)
		}
	}
}

// StartAll starts polling on every Source whose capability allows it
// and the worker + dead-letter loops on every Client.
func (sv *Supervisor) StartAll(ctx context.Context) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	for name, s := range sv.sources {
		if !s.Capability().CanPoll {
			continue
		}
		if err := s.Poll(ctx); err != nil && sv.logger != nil {
			sv.logger.Warn("supervisor: source poll start failed", "source", name, "error", err)
		}
	}
	for name, c := range sv.clients {
		if err := c.StartWorker(ctx); err != nil && sv.logger != nil {
			sv.logger.Warn("supervisor: client worker start failed", "client", name, "error", err)
			continue
		}
		c.StartDeadLetterLoop(ctx)
	}
}

// StopAll stops every Source's poll loop and every Client's worker and
// dead-letter loops.
func (sv *Supervisor) StopAll() {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	for _, s := range sv.sources {
		s.Stop()
	}
	for _, c := range sv.clients {
		c.StopWorker()
		c.StopDeadLetterLoop()
	}
}

// Status is a point-in-time summary of one Source or Client, the shape
// internal/monitor streams to cmd/msctl.
type Status struct {
	Name       string
	Kind       string // "source" or "client"
	State      string
	Authed     bool
	Discovered int // sources only
	QueueLen   int // clients only
	DeadLetter int // clients only
}

// Snapshot returns a Status for every registered Source and Client.
func (sv *Supervisor) Snapshot() []Status {
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	out := make([]Status, 0, len(sv.sources)+len(sv.clients))
	for name, s := range sv.sources {
		out = append(out, Status{
			Name:       name,
			Kind:       "source",
			State:      s.State().String(),
			Discovered: s.Discovered(),
		})
	}
	for name, c := range sv.clients {
		out = append(out, Status{
			Name:       name,
			Kind:       "client",
			State:      c.State().String(),
			Authed:     c.Authed(),
			QueueLen:   c.QueueLen(),
			DeadLetter: len(c.DeadLetters()),
		})
	}
	return out
}
