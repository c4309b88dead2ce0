package source

import (
	"context"
	"sync"
	"time"

	"github.com/multiscrobbler/multiscrobbler/internal/clock"
	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// MemoryConfig tunes the Memory source extension (spec §4.3 "Memory
// source extension"): the progress-threshold scrobble rule and the
// stale-player eviction TTL.
type MemoryConfig struct {
	ScrobbleThresholdRatio    float64
	ScrobbleThresholdAbsolute time.Duration
	PlayerTTL                 time.Duration
}

// DefaultMemoryConfig returns SPEC_FULL.md's documented defaults:
// scrobble at 50% of duration or 4 minutes in, whichever comes first;
// evict a player after 5 minutes with no update.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		ScrobbleThresholdRatio:    0.5,
		ScrobbleThresholdAbsolute: 4 * time.Minute,
		PlayerTTL:                 5 * time.Minute,
	}
}

// ShouldScrobble reports whether progress into a track of the given
// duration has crossed the scrobble threshold.
func ShouldScrobble(progress, duration time.Duration, cfg MemoryConfig) bool {
	if duration <= 0 {
		return false
	}
	if cfg.ScrobbleThresholdAbsolute > 0 && progress >= cfg.ScrobbleThresholdAbsolute {
		return true
	}
	ratio := cfg.ScrobbleThresholdRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	return float64(progress) >= ratio*float64(duration)
}

// PlayerStatus is a push source's reported playback status.
type PlayerStatus int

const (
	StatusPlaying PlayerStatus = iota
	StatusPaused
	StatusStopped
)

// PlayerKey identifies one Player: a (deviceId, userId) pair, per spec
// §4.3.
type PlayerKey struct {
	DeviceID string
	User     string
}

type playerEntry struct {
	play      play.Play
	progress  time.Duration
	status    PlayerStatus
	scrobbled bool
	updatedAt time.Time
}

// Memory tracks per-(device,user) playback progress for push/real-time
// sources (Jellyfin, Plex, Cast, VLC, WebScrobbler) that report
// incremental progress rather than discrete completed plays. It calls
// back into a Source's discovery dedup once a Player crosses the
// scrobble threshold.
type Memory struct {
	mu      sync.Mutex
	cfg     MemoryConfig
	clock   clock.Clock
	players map[PlayerKey]*playerEntry
	source  *Source
}

// NewMemory creates a Memory bound to source, which receives the
// resulting plays via Discover.
func NewMemory(source *Source, cfg MemoryConfig, cl clock.Clock) *Memory {
	if cl == nil {
		cl = clock.System
	}
	return &Memory{
		cfg:     cfg,
		clock:   cl,
		players: make(map[PlayerKey]*playerEntry),
		source:  source,
	}
}

// Update records a progress report for key and, the first time the
// scrobble threshold is crossed while playing, hands the play to the
// bound Source's discovery dedup. It returns whether that happened.
func (m *Memory) Update(key PlayerKey, p play.Play, progress time.Duration, status PlayerStatus) (bool, error) {
	m.mu.Lock()
	entry, ok := m.players[key]
	if !ok {
		entry = &playerEntry{}
		m.players[key] = entry
	}
	entry.play = p
	entry.progress = progress
	entry.status = status
	entry.updatedAt = m.clock.Now()

	fire := !entry.scrobbled && status == StatusPlaying && ShouldScrobble(progress, p.Duration, m.cfg)
	if fire {
		entry.scrobbled = true
	}
	m.mu.Unlock()

	if !fire {
		return false, nil
	}
	return m.source.Discover(p)
}

// UpdateProgress is Update flattened to primitive arguments, so a caller
// outside this package (the ingress progress route) can drive it without
// importing PlayerKey/PlayerStatus directly.
func (m *Memory) UpdateProgress(deviceID, user string, p play.Play, progress time.Duration, playing bool) (bool, error) {
	status := StatusPaused
	if playing {
		status = StatusPlaying
	}
	return m.Update(PlayerKey{DeviceID: deviceID, User: user}, p, progress, status)
}

// Reset clears the scrobbled flag for key, used when a player restarts
// the same track (a loop, or a user seeking back to the start).
func (m *Memory) Reset(key PlayerKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.players[key]; ok {
		e.scrobbled = false
	}
}

// Evict removes Players that haven't been updated within PlayerTTL and
// returns their keys.
func (m *Memory) Evict() []PlayerKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var evicted []PlayerKey
	for k, e := range m.players {
		if now.Sub(e.updatedAt) >= m.cfg.PlayerTTL {
			delete(m.players, k)
			evicted = append(evicted, k)
		}
	}
	return evicted
}

// Len returns the number of Players currently tracked.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.players)
}

// StartEvictionLoop runs Evict on a ticker of PlayerTTL/2 until ctx is
// done, so a Player whose push source stopped reporting (app closed,
// device lost network) doesn't linger forever. Logging is the caller's
// concern; eviction itself is silent, matching Evict's own contract.
func (m *Memory) StartEvictionLoop(ctx context.Context) {
	interval := m.cfg.PlayerTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(interval):
				m.Evict()
			}
		}
	}()
}
