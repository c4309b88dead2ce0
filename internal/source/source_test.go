package source

import (
	"context"
	"testing"
	"time"

	"github.com/multiscrobbler/multiscrobbler/internal/clock"
	"github.com/multiscrobbler/multiscrobbler/internal/lifecycle"
	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

func newTestSource() *Source {
	return New(Params{
		Config:     DefaultConfig("test"),
		Capability: Capability{CanPoll: true},
	})
}

func TestDiscover_NewPlayEmitsOnce(t *testing.T) {
	// Invariant 3: N identical plays within the dedup window -> one newPlay.
	s := newTestSource()
	base := play.Play{Track: "Sonora", Artists: []string{"The Bongo Hop"}, PlayDate: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}

	for i := 0; i < 5; i++ {
		isNew, err := s.Discover(base)
		if err != nil {
			t.Fatalf("Discover: %v", err)
		}
		if i == 0 && !isNew {
			t.Fatalf("first Discover should be new")
		}
		if i > 0 && isNew {
			t.Fatalf("repeat Discover at i=%d should not be new", i)
		}
	}
	if s.Discovered() != 1 {
		t.Errorf("Discovered() = %d, want 1", s.Discovered())
	}
}

func TestDiscover_MultiArtistBonusDedup(t *testing.T) {
	// Scenario 1: ring already has the richer artist list; the
	// single-artist candidate should still be recognized as a dup.
	s := newTestSource()
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	existing := play.Play{Track: "Sonora", Artists: []string{"Nidia Gongora", "The Bongo Hop"}, PlayDate: t0.Add(5 * time.Minute)}
	if _, err := s.Discover(existing); err != nil {
		t.Fatalf("seed Discover: %v", err)
	}

	candidate := play.Play{Track: "Sonora", Artists: []string{"The Bongo Hop"}, PlayDate: t0}
	isNew, err := s.Discover(candidate)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if isNew {
		t.Errorf("expected candidate to be recognized as a duplicate via multi-artist bonus")
	}
}

func TestDiscover_NoArtistsIsNeverDiscovered(t *testing.T) {
	s := newTestSource()
	isNew, err := s.Discover(play.Play{Track: "X"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if isNew {
		t.Errorf("a play with no artists must never be discovered")
	}
}

func TestDiffHistory(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	mk := func(track string, offset time.Duration) play.Play {
		return play.Play{Track: track, Artists: []string{"A"}, PlayDate: t0.Add(offset)}
	}

	prev := []play.Play{mk("one", 0), mk("two", time.Minute)}

	t.Run("coherent prepend", func(t *testing.T) {
		next := []play.Play{mk("zero", -time.Minute), mk("one", 0), mk("two", time.Minute)}
		consistent, prepended := diffHistory(prev, next)
		if !consistent {
			t.Fatalf("expected consistent")
		}
		if len(prepended) != 1 || prepended[0].Track != "zero" {
			t.Errorf("prepended = %+v", prepended)
		}
	})

	t.Run("reordered is inconsistent", func(t *testing.T) {
		next := []play.Play{mk("two", time.Minute), mk("one", 0)}
		consistent, _ := diffHistory(prev, next)
		if consistent {
			t.Errorf("expected inconsistent on reorder")
		}
	})

	t.Run("empty prev is always consistent", func(t *testing.T) {
		consistent, prepended := diffHistory(nil, prev)
		if !consistent || len(prepended) != len(prev) {
			t.Errorf("consistent=%v prepended=%+v", consistent, prepended)
		}
	})
}

// fakeFetcher replays a fixed script of ticks, one per Fetch call.
type fakeFetcher struct {
	ticks [][]play.Play
	i     int
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]play.Play, error) {
	if f.i >= len(f.ticks) {
		return f.ticks[len(f.ticks)-1], nil
	}
	t := f.ticks[f.i]
	f.i++
	return t, nil
}

func TestPollLoop_SourceOfTruthStability(t *testing.T) {
	// Scenario 6: tick1=ok, tick2=reordered-inconsistent, tick3=ok,
	// tick4=ok -> tick2's prepend is suppressed, tick4's is emitted once
	// HistoryStabilityTicks(=2) consecutive OK ticks have elapsed.
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(track string, offset time.Duration) play.Play {
		return play.Play{Track: track, Artists: []string{"A"}, PlayDate: t0.Add(offset)}
	}

	tick1 := []play.Play{mk("a", 0)}
	tick2 := []play.Play{mk("b", time.Minute), mk("a", 0), mk("x-reordered", -time.Minute)} // inconsistent: not a clean suffix match
	tick3 := []play.Play{mk("b", time.Minute), mk("a", 0), mk("x-reordered", -time.Minute)}
	tick4 := []play.Play{mk("c", 2 * time.Minute), mk("b", time.Minute), mk("a", 0), mk("x-reordered", -time.Minute)}

	fetcher := &fakeFetcher{ticks: [][]play.Play{tick1, tick2, tick3, tick4}}
	fake := clock.NewFake(t0)

	s := New(Params{
		Config:     func() Config { c := DefaultConfig("ytm"); c.PollInterval = time.Second; return c }(),
		Capability: Capability{CanPoll: true},
		Fetcher:    fetcher,
		Clock:      fake,
		Stages:     lifecycle.Stages{},
	})

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Discovered() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Stop()

	recent := s.Recent()
	for _, p := range recent {
		if p.Track == "x-reordered" {
			t.Errorf("tick2's entries must never be discovered")
		}
	}
	if len(recent) != 1 || recent[0].Track != "c" {
		t.Errorf("Recent() = %+v, want only tick4's prepended play c", recent)
	}
}

func TestSeedRing_PreventsReDiscoveryAfterRestart(t *testing.T) {
	// A restarted source seeded from a prior ring snapshot must treat
	// the same play as a duplicate rather than emitting it again.
	s := newTestSource()
	seeded := play.Play{Track: "Sonora", Artists: []string{"The Bongo Hop"}, PlayDate: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	s.SeedRing([]play.Play{seeded})

	if got := len(s.Recent()); got != 1 {
		t.Fatalf("Recent() len = %d, want 1", got)
	}
	if s.Discovered() != 0 {
		t.Errorf("SeedRing must not increment Discovered(), got %d", s.Discovered())
	}

	isNew, err := s.Discover(seeded)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if isNew {
		t.Errorf("seeded play should be recognized as a duplicate, not re-discovered")
	}
}
