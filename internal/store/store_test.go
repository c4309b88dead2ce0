package store

import (
	"testing"
	"time"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeadLetter_SaveLoadDelete(t *testing.T) {
	s := setupTestStore(t)

	d := play.DeadLetterScrobble{
		QueuedScrobble: play.QueuedScrobble{
			ID:         "q1",
			SourceName: "plex",
			Play:       play.Play{Track: "Sonora", Artists: []string{"The Bongo Hop"}, PlayDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
		Retries:   1,
		Error:     "rate limited",
		LastRetry: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
	}

	if err := s.SaveDeadLetter("lastfm", d); err != nil {
		t.Fatalf("SaveDeadLetter failed: %v", err)
	}

	loaded, err := s.LoadDeadLetters("lastfm")
	if err != nil {
		t.Fatalf("LoadDeadLetters failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(loaded))
	}
	if loaded[0].QueuedScrobble.Play.Track != "Sonora" {
		t.Errorf("track = %q, want Sonora", loaded[0].QueuedScrobble.Play.Track)
	}
	if loaded[0].Retries != 1 {
		t.Errorf("retries = %d, want 1", loaded[0].Retries)
	}
	if loaded[0].Error != "rate limited" {
		t.Errorf("error = %q, want \"rate limited\"", loaded[0].Error)
	}

	if err := s.DeleteDeadLetter("lastfm", "q1"); err != nil {
		t.Fatalf("DeleteDeadLetter failed: %v", err)
	}
	loaded, err = s.LoadDeadLetters("lastfm")
	if err != nil {
		t.Fatalf("LoadDeadLetters after delete failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected 0 dead letters after delete, got %d", len(loaded))
	}
}

func TestDeadLetter_ScopedByClientName(t *testing.T) {
	s := setupTestStore(t)
	p := play.Play{Track: "X", Artists: []string{"Y"}, PlayDate: time.Now()}
	d := play.DeadLetterScrobble{QueuedScrobble: play.QueuedScrobble{ID: "q1", SourceName: "plex", Play: p}}

	if err := s.SaveDeadLetter("lastfm", d); err != nil {
		t.Fatalf("SaveDeadLetter failed: %v", err)
	}

	loaded, err := s.LoadDeadLetters("listenbrainz")
	if err != nil {
		t.Fatalf("LoadDeadLetters failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected dead letters scoped per client, got %d for unrelated client", len(loaded))
	}
}

func TestRingSnapshot_SaveLoadRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	items := []play.Play{
		{Track: "A", Artists: []string{"X"}, PlayDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Track: "B", Artists: []string{"X"}, PlayDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	}

	if err := s.SaveRingSnapshot("plex", items); err != nil {
		t.Fatalf("SaveRingSnapshot failed: %v", err)
	}

	loaded, err := s.LoadRingSnapshot("plex")
	if err != nil {
		t.Fatalf("LoadRingSnapshot failed: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Track != "A" || loaded[1].Track != "B" {
		t.Errorf("loaded = %+v, want order-preserved [A, B]", loaded)
	}
}

func TestRingSnapshot_SaveReplacesPrevious(t *testing.T) {
	s := setupTestStore(t)
	first := []play.Play{{Track: "A", PlayDate: time.Now()}, {Track: "B", PlayDate: time.Now()}}
	second := []play.Play{{Track: "C", PlayDate: time.Now()}}

	if err := s.SaveRingSnapshot("plex", first); err != nil {
		t.Fatalf("first SaveRingSnapshot failed: %v", err)
	}
	if err := s.SaveRingSnapshot("plex", second); err != nil {
		t.Fatalf("second SaveRingSnapshot failed: %v", err)
	}

	loaded, err := s.LoadRingSnapshot("plex")
	if err != nil {
		t.Fatalf("LoadRingSnapshot failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Track != "C" {
		t.Errorf("loaded = %+v, want snapshot fully replaced with [C]", loaded)
	}
}

func TestRecentScrobbles_SaveLoadRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	items := []play.Play{{Track: "A", PlayDate: time.Now()}}

	if err := s.SaveRecentScrobbles("lastfm", items); err != nil {
		t.Fatalf("SaveRecentScrobbles failed: %v", err)
	}

	loaded, fetchedAt, err := s.LoadRecentScrobbles("lastfm")
	if err != nil {
		t.Fatalf("LoadRecentScrobbles failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Track != "A" {
		t.Errorf("loaded = %+v, want [A]", loaded)
	}
	if fetchedAt.IsZero() {
		t.Error("fetchedAt should be set after a save")
	}
}

func TestRecentScrobbles_EmptyClientReturnsZeroFetchedAt(t *testing.T) {
	s := setupTestStore(t)
	loaded, fetchedAt, err := s.LoadRecentScrobbles("unknown")
	if err != nil {
		t.Fatalf("LoadRecentScrobbles failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected no items, got %d", len(loaded))
	}
	if !fetchedAt.IsZero() {
		t.Errorf("expected zero fetchedAt, got %v", fetchedAt)
	}
}
