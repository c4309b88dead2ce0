// Package source implements the Source core (spec §4.3): a per-source
// ring buffer of discovered plays, discovery dedup against the §4.1
// comparator, a polling loop with backoff and the source-of-truth
// stability heuristic, and push-style ingress acceptance.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/multiscrobbler/multiscrobbler/internal/bus"
	"github.com/multiscrobbler/multiscrobbler/internal/clock"
	"github.com/multiscrobbler/multiscrobbler/internal/compare"
	"github.com/multiscrobbler/multiscrobbler/internal/errs"
	"github.com/multiscrobbler/multiscrobbler/internal/lifecycle"
	"github.com/multiscrobbler/multiscrobbler/internal/play"
	"github.com/multiscrobbler/multiscrobbler/internal/transform"
)

// Fetcher is implemented by poll-based source adapters: one fetch
// returns the adapter's current view of its history list, newest first
// (diffHistory treats entries added at the front as newly played).
type Fetcher interface {
	Fetch(ctx context.Context) ([]play.Play, error)
}

// BacklogFetcher is implemented by sources that can seed the ring buffer
// with historical plays at startup (spec §4.3 "Backlog").
type BacklogFetcher interface {
	Backlog(ctx context.Context) ([]play.Play, error)
}

// Capability is the registry's capability record (design note, §9):
// requiresAuth/canPoll/canBacklog, checked before the corresponding
// operation runs.
type Capability struct {
	RequiresAuth bool
	CanPoll      bool
	CanBacklog   bool
}

// Config holds the tunables SPEC_FULL.md exposes as defaults on
// SourceConfig: ring size, poll cadence, backoff, and the source-of-truth
// stability threshold.
type Config struct {
	Name                  string
	RingSize              int
	PollInterval          time.Duration
	BackoffBase           time.Duration
	BackoffMultiplier     float64
	BackoffMaxDelay       time.Duration
	MaxPollRetries        int
	HistoryStabilityTicks int
}

// DefaultConfig returns SPEC_FULL.md's documented defaults for name.
func DefaultConfig(name string) Config {
	return Config{
		Name:                  name,
		RingSize:              100,
		PollInterval:          60 * time.Second,
		BackoffBase:           30 * time.Second,
		BackoffMultiplier:     2.0,
		BackoffMaxDelay:       30 * time.Minute,
		MaxPollRetries:        5,
		HistoryStabilityTicks: 2,
	}
}

// Params constructs a Source.
type Params struct {
	Config     Config
	Capability Capability
	Fetcher    Fetcher        // nil for push-only sources
	Backlog    BacklogFetcher // nil unless Capability.CanBacklog
	Stages     lifecycle.Stages
	Bus        *bus.Bus
	Transform  *transform.Config
	Compare    compare.Options
	Clock      clock.Clock
	Logger     *slog.Logger
}

// StatusPayload is the Data carried by a bus.KindStatusChange event
// published by a Source.
type StatusPayload struct {
	State  string
	Authed bool
	Error  string
}

// Source is one configured instance of a source adapter.
type Source struct {
	cfg     Config
	cap     Capability
	fetcher Fetcher
	backlog BacklogFetcher
	lc      *lifecycle.Scaffold
	bus     *bus.Bus
	engine  *transform.Engine
	cmpOpts compare.Options
	clock   clock.Clock
	logger  *slog.Logger

	mu         sync.Mutex
	ring       *play.Ring[play.Play]
	discovered int
	stop       chan struct{}
}

// New builds a Source from Params.
func New(p Params) *Source {
	cl := p.Clock
	if cl == nil {
		cl = clock.System
	}
	ringSize := p.Config.RingSize
	if ringSize <= 0 {
		ringSize = 100
	}
	cmpOpts := p.Compare
	if cmpOpts == (compare.Options{}) {
		cmpOpts = compare.DefaultOptions()
	}

	s := &Source{
		cfg:     p.Config,
		cap:     p.Capability,
		fetcher: p.Fetcher,
		backlog: p.Backlog,
		bus:     p.Bus,
		engine:  transform.New(p.Transform, p.Logger),
		cmpOpts: cmpOpts,
		clock:   cl,
		logger:  p.Logger,
		ring:    play.NewRing[play.Play](ringSize),
	}
	s.lc = lifecycle.New(p.Stages, p.Capability.RequiresAuth, s.onStateChange)
	return s
}

func (s *Source) onStateChange(prev, next lifecycle.State, err error) {
	if s.bus == nil {
		return
	}
	payload := StatusPayload{State: next.String(), Authed: s.lc.Authed()}
	if err != nil {
		payload.Error = err.Error()
	}
	s.bus.Publish(bus.Event{
		Type: bus.KindStatusChange,
		Name: s.cfg.Name,
		From: bus.OriginSource,
		Data: payload,
	})
}

func (s *Source) Name() string             { return s.cfg.Name }
func (s *Source) State() lifecycle.State   { return s.lc.State() }
func (s *Source) Capability() Capability   { return s.cap }
func (s *Source) Discovered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discovered
}

// Recent returns a copy of the discovery ring buffer, oldest first.
func (s *Source) Recent() []play.Play {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Items()
}

// Initialize runs the lifecycle scaffold and, if the source supports it,
// seeds the ring buffer from Backlog.
func (s *Source) Initialize(ctx context.Context) error {
	if err := s.lc.Initialize(ctx); err != nil {
		return err
	}
	if s.cap.CanBacklog && s.backlog != nil {
		if err := s.loadBacklog(ctx); err != nil {
			return err
		}
	}
	return nil
}

// SeedRing loads previously-discovered plays (typically a
// store.LoadRingSnapshot result) into the ring buffer without firing
// newPlay events or incrementing the discovered counter, so a restart
// resumes discovery dedup exactly where it left off instead of
// re-announcing every play already scrobbled in a prior run.
func (s *Source) SeedRing(items []play.Play) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range items {
		s.ring.Add(p)
	}
}

func (s *Source) loadBacklog(ctx context.Context) error {
	items, err := s.backlog.Backlog(ctx)
	if err != nil {
		return errs.New(errs.KindNetworkTransient, "source.backlog", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range items {
		transformed, err := s.engine.PreCompare(p)
		if err != nil {
			continue
		}
		if transformed.Valid() {
			s.ring.Add(transformed)
		}
	}
	return nil
}

// Discover runs the discovery dedup algorithm (spec §4.3) against
// candidate: preCompare, comparator check against the ring, append +
// emit newPlay if new. It returns whether the play was new.
func (s *Source) Discover(candidate play.Play) (bool, error) {
	transformed, err := s.engine.PreCompare(candidate)
	if err != nil {
		if err == transform.ErrAllArtistsRemoved {
			if s.logger != nil {
				s.logger.Warn("source: play dropped, all artists removed by transform",
					"source", s.cfg.Name, "track", candidate.Track)
			}
			return false, nil
		}
		return false, errs.New(errs.KindDataMalformed, "source.preCompare", err)
	}
	if !transformed.Valid() {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.ring.Items() {
		if compare.Compare(transformed, r, s.cmpOpts).IsDuplicate() {
			return false, nil
		}
	}

	s.ring.Add(transformed)
	s.discovered++
	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Type: bus.KindNewPlay,
			Name: s.cfg.Name,
			From: bus.OriginSource,
			Data: transformed.Clone(),
		})
	}
	return true, nil
}

// Ingest accepts a Play from a push-style adapter (webhook ingress has
// already lowered the raw payload into a Play); it is the public
// ingest(rawEvent) contract from spec §4.3.
func (s *Source) Ingest(p play.Play) (bool, error) {
	if p.Source == "" {
		p.Source = s.cfg.Name
	}
	return s.Discover(p)
}

// Poll starts the poll loop in a background goroutine. It is valid only
// for a capability-poll source in INITIALIZED state, and rejects
// re-entrant calls.
func (s *Source) Poll(ctx context.Context) error {
	if !s.cap.CanPoll || s.fetcher == nil {
		return fmt.Errorf("source %s: does not support polling", s.cfg.Name)
	}
	if err := s.lc.MarkRunning(); err != nil {
		return fmt.Errorf("source %s: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return fmt.Errorf("source %s: poll already running", s.cfg.Name)
	}
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	go s.pollLoop(ctx, stop)
	return nil
}

// Stop signals the poll loop to exit at its next iteration boundary.
func (s *Source) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (s *Source) pollLoop(ctx context.Context, stop chan struct{}) {
	defer s.lc.MarkIdle()

	attempt := 0
	var prevHistory []play.Play
	okStreak := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		next, err := s.fetcher.Fetch(ctx)
		if err != nil {
			attempt++
			if s.logger != nil {
				s.logger.Warn("source poll failed", "source", s.cfg.Name, "attempt", attempt, "error", err)
			}
			if attempt > s.cfg.MaxPollRetries {
				s.lc.Deauth(fmt.Errorf("source %s: exceeded max poll retries: %w", s.cfg.Name, err))
				return
			}
			if !s.wait(ctx, stop, backoffDelay(s.cfg, attempt)) {
				return
			}
			continue
		}
		attempt = 0

		consistent, prepended := diffHistory(prevHistory, next)
		prevHistory = next
		if !consistent {
			okStreak = 0
		} else {
			okStreak++
			if okStreak >= s.cfg.HistoryStabilityTicks {
				for _, p := range prepended {
					if _, err := s.Discover(p); err != nil && s.logger != nil {
						s.logger.Error("discovery failed", "source", s.cfg.Name, "error", err)
					}
				}
			}
		}

		if !s.wait(ctx, stop, s.cfg.PollInterval) {
			return
		}
	}
}

func (s *Source) wait(ctx context.Context, stop chan struct{}, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-s.clock.After(d):
		return true
	}
}

func backoffDelay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.BackoffBase) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if max := float64(cfg.BackoffMaxDelay); max > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// identityKey is the identity used by diffHistory to recognize "the same
// entry" across two consecutive fetches, independent of any transform
// that might run later.
func identityKey(p play.Play) string {
	return strings.ToLower(p.Track) + "|" + strings.ToLower(p.PrimaryArtist()) + "|" + p.PlayDate.UTC().Format(time.RFC3339)
}

// diffHistory implements the source-of-truth reset heuristic (spec
// §4.3): next is consistent with prev iff prev appears as an exact,
// order-preserving suffix of next — i.e. next is prev with some number
// of entries coherently prepended. Any other shape (reordering,
// deletion, a gap) is flagged inconsistent and no prepended entries are
// returned.
func diffHistory(prev, next []play.Play) (consistent bool, prepended []play.Play) {
	if len(prev) == 0 {
		return true, next
	}
	if len(next) < len(prev) {
		return false, nil
	}
	suffix := next[len(next)-len(prev):]
	for i := range prev {
		if identityKey(prev[i]) != identityKey(suffix[i]) {
			return false, nil
		}
	}
	return true, next[:len(next)-len(prev)]
}
