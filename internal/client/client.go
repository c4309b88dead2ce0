// Package client implements the Client core (spec §4.4): a per-client
// FIFO queue, fuzzy existing-scrobble detection against both the
// client's own scrobble history and a snapshot of the upstream
// service's recent scrobbles, a scrobble-attempt worker loop with
// pacing, and a dead-letter queue with heartbeat retry.
//
// Structurally it mirrors internal/source: the same Config/Capability/
// Params shape, the same lifecycle.Scaffold-driven init, and the same
// transform.Engine + compare.Options collaborators, because both cores
// share the lifecycle scaffold described in spec §4.5.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multiscrobbler/multiscrobbler/internal/bus"
	"github.com/multiscrobbler/multiscrobbler/internal/clock"
	"github.com/multiscrobbler/multiscrobbler/internal/compare"
	"github.com/multiscrobbler/multiscrobbler/internal/errs"
	"github.com/multiscrobbler/multiscrobbler/internal/lifecycle"
	"github.com/multiscrobbler/multiscrobbler/internal/play"
	"github.com/multiscrobbler/multiscrobbler/internal/transform"
)

// Adapter is the single outbound operation a Client adapter exposes to
// the core (spec §6): scrobble(play) -> scrobbledPlay, raising
// *errs.UpstreamError on failure.
type Adapter interface {
	Scrobble(ctx context.Context, p play.Play) (play.Play, error)
}

// RecentFetcher is implemented by adapters that can pull a snapshot of
// the upstream service's recently-scrobbled plays, used to refresh
// recentScrobbles (spec §3/§4.4). Optional: a client with no
// RecentFetcher relies solely on its own scrobbledPlayObjs ring for
// dedup.
type RecentFetcher interface {
	FetchRecent(ctx context.Context) ([]play.Play, error)
}

// Capability is the registry's capability record (design note §9),
// mirroring source.Capability.
type Capability struct {
	RequiresAuth bool
}

// Config holds the tunables SPEC_FULL.md exposes as ClientConfig
// defaults.
type Config struct {
	Name                   string
	ScrobbledRingSize      int
	RecentScrobblesCap     int
	ScrobbleDelay          time.Duration
	ScrobbleSleep          time.Duration // worker idle sleep between empty-queue checks
	DeadLetterInterval     time.Duration
	DeadLetterRetries      int
	BackoffBase            time.Duration
	BackoffMultiplier      float64
	BackoffMaxDelay        time.Duration
	MaxPollRetries         int
	CheckExistingScrobbles bool
}

// DefaultConfig returns SPEC_FULL.md's documented defaults for name.
func DefaultConfig(name string) Config {
	return Config{
		Name:                   name,
		ScrobbledRingSize:      40,
		RecentScrobblesCap:     100,
		ScrobbleDelay:          time.Second,
		ScrobbleSleep:          5 * time.Second,
		DeadLetterInterval:     time.Second,
		DeadLetterRetries:      5,
		BackoffBase:            30 * time.Second,
		BackoffMultiplier:      2.0,
		BackoffMaxDelay:        30 * time.Minute,
		MaxPollRetries:         5,
		CheckExistingScrobbles: true,
	}
}

// Params constructs a Client.
type Params struct {
	Config     Config
	Capability Capability
	Adapter    Adapter
	Recent     RecentFetcher // nil if the adapter can't report recent scrobbles
	Stages     lifecycle.Stages
	Bus        *bus.Bus
	Transform  *transform.Config
	Compare    compare.Options
	Clock      clock.Clock
	Logger     *slog.Logger
	// Excluded lists source names this client never scrobbles from (the
	// per-source-per-client exclusion list, spec §4.4 "Multi-client
	// broadcast").
	Excluded []string
	// Persist durably mirrors the dead-letter queue, if set, so a
	// restart resumes retrying entries instead of dropping them (spec
	// §5 "Persisted state"). Nil means dead letters are in-memory only.
	Persist DeadLetterPersister
}

// DeadLetterPersister durably mirrors one client's dead-letter queue.
// internal/store.Store implements this; it is the only crash-resilience
// hook the client core depends on, so tests can pass nil or a fake.
type DeadLetterPersister interface {
	SaveDeadLetter(clientName string, d play.DeadLetterScrobble) error
	LoadDeadLetters(clientName string) ([]play.DeadLetterScrobble, error)
	DeleteDeadLetter(clientName, id string) error
}

// StatusPayload is the Data carried by a bus.KindStatusChange event
// published by a Client.
type StatusPayload struct {
	State  string
	Authed bool
	Error  string
}

// Client is one configured instance of a client adapter.
type Client struct {
	cfg      Config
	cap      Capability
	adapter  Adapter
	recent   RecentFetcher
	lc       *lifecycle.Scaffold
	bus      *bus.Bus
	engine   *transform.Engine
	cmpOpts  compare.Options
	clock    clock.Clock
	logger   *slog.Logger
	excluded map[string]bool
	persist  DeadLetterPersister

	mu                 sync.Mutex
	queue              []play.QueuedScrobble
	recentScrobbles    *play.Ring[play.Play]
	oldestScrobbleTime time.Time
	lastScrobbleCheck  time.Time
	scrobbledObjs      *play.Ring[play.ScrobbledPlayObject]
	deadLetter         []play.DeadLetterScrobble
	closestMatch       *compare.Score
	lastScrobbleAt     time.Time
	scrobbling         bool
	stop               chan struct{}
	dlStop             chan struct{}
}

// New builds a Client from Params.
func New(p Params) *Client {
	cl := p.Clock
	if cl == nil {
		cl = clock.System
	}
	cfg := p.Config
	if cfg.ScrobbledRingSize <= 0 {
		cfg.ScrobbledRingSize = 40
	}
	if cfg.RecentScrobblesCap <= 0 {
		cfg.RecentScrobblesCap = 100
	}
	cmpOpts := p.Compare
	if cmpOpts == (compare.Options{}) {
		cmpOpts = compare.DefaultOptions()
	}
	excluded := make(map[string]bool, len(p.Excluded))
	for _, n := range p.Excluded {
		excluded[n] = true
	}

	c := &Client{
		cfg:             cfg,
		cap:             p.Capability,
		adapter:         p.Adapter,
		recent:          p.Recent,
		bus:             p.Bus,
		engine:          transform.New(p.Transform, p.Logger),
		cmpOpts:         cmpOpts,
		clock:           cl,
		logger:          p.Logger,
		excluded:        excluded,
		persist:         p.Persist,
		recentScrobbles: play.NewRing[play.Play](cfg.RecentScrobblesCap),
		scrobbledObjs:   play.NewRing[play.ScrobbledPlayObject](cfg.ScrobbledRingSize),
	}
	c.lc = lifecycle.New(p.Stages, p.Capability.RequiresAuth, c.onStateChange)
	return c
}

func (c *Client) onStateChange(prev, next lifecycle.State, err error) {
	if c.bus == nil {
		return
	}
	payload := StatusPayload{State: next.String(), Authed: c.lc.Authed()}
	if err != nil {
		payload.Error = err.Error()
	}
	c.bus.Publish(bus.Event{
		Type: bus.KindStatusChange,
		Name: c.cfg.Name,
		From: bus.OriginClient,
		Data: payload,
	})
}

func (c *Client) Name() string           { return c.cfg.Name }
func (c *Client) State() lifecycle.State { return c.lc.State() }
func (c *Client) Authed() bool           { return c.lc.Authed() }

// Adapter returns the underlying Adapter, so a caller outside this
// package (the daemon's composition root) can type-assert to the
// concrete adapter when it needs adapter-specific state the generic
// Client surface doesn't expose, e.g. persisting lastfmclient's session
// key to creds.Store after an interactive auth completes.
func (c *Client) Adapter() Adapter { return c.adapter }

// RecentScrobbles returns a copy of the last-known upstream snapshot
// used by the existing-scrobble check, oldest first, so it can be
// persisted (store.SaveRecentScrobbles) and reloaded across a restart
// instead of re-fetched from upstream before the first worker tick.
func (c *Client) RecentScrobbles() []play.Play {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recentScrobbles.Items()
}

// SeedRecent primes the existing-scrobble check from a previously
// persisted snapshot (store.LoadRecentScrobbles), so a freshly
// restarted client doesn't treat every play as new until its first
// live refreshRecentScrobbles tick completes.
func (c *Client) SeedRecent(items []play.Play, fetchedAt time.Time) {
	sorted := append([]play.Play(nil), items...)
	sortByPlayDateAsc(sorted)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.recentScrobbles.Reset(sorted)
	if len(sorted) > 0 {
		c.oldestScrobbleTime = sorted[0].PlayDate
	}
	c.lastScrobbleCheck = fetchedAt
}

// Initialize runs the lifecycle scaffold (spec §4.5).
func (c *Client) Initialize(ctx context.Context) error {
	return c.lc.Initialize(ctx)
}

// ConfirmAuth completes an interactive OAuth handshake, delegating to
// the underlying Adapter if it supports one. This lets ingress.Router
// register a *Client directly as an ingress.Confirmer without knowing
// which adapter backs it (spec §6 "/:service/callback").
func (c *Client) ConfirmAuth(ctx context.Context) error {
	confirmer, ok := c.adapter.(interface{ ConfirmAuth(context.Context) error })
	if !ok {
		return errs.New(errs.KindConfigInvalid, "client.ConfirmAuth", fmt.Errorf("%s does not support interactive auth", c.cfg.Name))
	}
	return confirmer.ConfirmAuth(ctx)
}

// PendingAuthURL returns the adapter's pending interactive-auth URL, if
// it has one and supports reporting it, so the daemon can log "visit
// this URL to finish authenticating" after Initialize leaves a client
// Authed()==false.
func (c *Client) PendingAuthURL() string {
	urler, ok := c.adapter.(interface{ PendingAuthURL() string })
	if !ok {
		return ""
	}
	return urler.PendingAuthURL()
}

// LoadDeadLetters rehydrates the in-memory dead-letter queue from the
// configured Persist store, so entries from a previous run resume
// retrying instead of being silently dropped. Call once before
// StartDeadLetterLoop; a no-op if Persist is nil.
func (c *Client) LoadDeadLetters() error {
	if c.persist == nil {
		return nil
	}
	entries, err := c.persist.LoadDeadLetters(c.cfg.Name)
	if err != nil {
		return fmt.Errorf("client.LoadDeadLetters: %w", err)
	}
	c.mu.Lock()
	c.deadLetter = entries
	c.mu.Unlock()
	return nil
}

// ExcludesSource reports whether sourceName is on this client's
// per-source-per-client exclusion list.
func (c *Client) ExcludesSource(sourceName string) bool {
	return c.excluded[sourceName]
}

// Enqueue accepts a Play discovered by sourceName, applies the client's
// preCompare transform, and inserts it into the queue re-sorted by
// oldest playDate first (spec §5 ordering guarantee). It is a no-op
// (returns false) if sourceName is excluded or the transform drops the
// play.
func (c *Client) Enqueue(sourceName string, p play.Play) (bool, error) {
	if c.excluded[sourceName] {
		return false, nil
	}

	transformed, err := c.engine.PreCompare(p)
	if err != nil {
		if err == transform.ErrAllArtistsRemoved {
			if c.logger != nil {
				c.logger.Warn("client: play dropped, all artists removed by transform",
					"client", c.cfg.Name, "track", p.Track)
			}
			return false, nil
		}
		return false, errs.New(errs.KindDataMalformed, "client.preCompare", err)
	}
	if !transformed.Valid() {
		return false, nil
	}

	q := play.QueuedScrobble{
		ID:         uuid.NewString(),
		SourceName: sourceName,
		Play:       transformed,
	}

	c.mu.Lock()
	c.queue = append(c.queue, q)
	sort.SliceStable(c.queue, func(i, j int) bool {
		return c.queue[i].Play.PlayDate.Before(c.queue[j].Play.PlayDate)
	})
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Type: bus.KindScrobbleQueued,
			Name: c.cfg.Name,
			From: bus.OriginClient,
			Data: q,
		})
	}
	return true, nil
}

// QueueLen returns the number of scrobbles currently queued.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Queued returns a copy of the queue, oldest playDate first.
func (c *Client) Queued() []play.QueuedScrobble {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]play.QueuedScrobble, len(c.queue))
	copy(out, c.queue)
	return out
}

// DeadLetters returns a copy of the dead-letter list.
func (c *Client) DeadLetters() []play.DeadLetterScrobble {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]play.DeadLetterScrobble, len(c.deadLetter))
	copy(out, c.deadLetter)
	return out
}

// ScrobbledObjs returns a copy of the client's own ring of successful
// scrobbles.
func (c *Client) ScrobbledObjs() []play.ScrobbledPlayObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scrobbledObjs.Items()
}

// ClosestMatch returns the score recorded by the last fuzzy pass of
// alreadyScrobbled against recentScrobbles, for observability (spec
// §4.4: "the closest match is always tracked"): the matching score when
// a duplicate was found, otherwise the highest score seen. A check that
// ends on the exact-match path or with an empty snapshot leaves it
// unchanged.
func (c *Client) ClosestMatch() (compare.Score, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closestMatch == nil {
		return compare.Score{}, false
	}
	return *c.closestMatch, true
}

func (c *Client) popFront() (play.QueuedScrobble, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return play.QueuedScrobble{}, false
	}
	q := c.queue[0]
	c.queue = c.queue[1:]
	return q, true
}

func (c *Client) requeueFront(q play.QueuedScrobble) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append([]play.QueuedScrobble{q}, c.queue...)
}

func (c *Client) wait(ctx context.Context, stop chan struct{}, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-c.clock.After(d):
		return true
	}
}

func backoffDelay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= cfg.BackoffMultiplier
	}
	if max := float64(cfg.BackoffMaxDelay); max > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}
