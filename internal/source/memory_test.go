package source

import (
	"testing"
	"time"

	"github.com/multiscrobbler/multiscrobbler/internal/clock"
	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

func TestShouldScrobble(t *testing.T) {
	cfg := DefaultMemoryConfig()

	tests := []struct {
		name     string
		progress time.Duration
		duration time.Duration
		want     bool
	}{
		{"under both thresholds", 30 * time.Second, 10 * time.Minute, false},
		{"past ratio threshold", 6 * time.Minute, 10 * time.Minute, true},
		{"past absolute threshold on a long track", 4 * time.Minute, 20 * time.Minute, true},
		{"zero duration never scrobbles", time.Minute, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldScrobble(tt.progress, tt.duration, cfg); got != tt.want {
				t.Errorf("ShouldScrobble(%v, %v) = %v, want %v", tt.progress, tt.duration, got, tt.want)
			}
		})
	}
}

func TestMemory_UpdateFiresOnceThenSuppresses(t *testing.T) {
	s := newTestSource()
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewMemory(s, DefaultMemoryConfig(), fake)

	key := PlayerKey{DeviceID: "tv-1", User: "alice"}
	p := play.Play{Track: "Long Song", Artists: []string{"A"}, Duration: 10 * time.Minute, PlayDate: fake.Now()}

	fired, err := m.Update(key, p, 2*time.Minute, StatusPlaying)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if fired {
		t.Fatalf("should not fire before threshold")
	}

	fired, err = m.Update(key, p, 6*time.Minute, StatusPlaying)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !fired {
		t.Fatalf("should fire once threshold crossed")
	}

	fired, err = m.Update(key, p, 9*time.Minute, StatusPlaying)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if fired {
		t.Fatalf("must not fire twice for the same Player without a Reset")
	}
	if s.Discovered() != 1 {
		t.Errorf("Discovered() = %d, want 1", s.Discovered())
	}
}

func TestMemory_Evict(t *testing.T) {
	s := newTestSource()
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := DefaultMemoryConfig()
	cfg.PlayerTTL = time.Minute
	m := NewMemory(s, cfg, fake)

	key := PlayerKey{DeviceID: "tv-1", User: "alice"}
	p := play.Play{Track: "Song", Artists: []string{"A"}, Duration: 3 * time.Minute}
	if _, err := m.Update(key, p, 0, StatusPlaying); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}

	fake.Advance(2 * time.Minute)
	evicted := m.Evict()
	if len(evicted) != 1 || evicted[0] != key {
		t.Errorf("Evict() = %+v, want [%+v]", evicted, key)
	}
	if m.Len() != 0 {
		t.Errorf("Len() after evict = %d, want 0", m.Len())
	}
}
