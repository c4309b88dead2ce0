package compare

import (
	"testing"
	"time"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

func TestNormalizeString_Basic(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"The Bongo Hop", "the bongo hop"},
		{"AC/DC", "acdc"},
		{"Guns N' Roses", "guns n roses"},
		{"  Multiple   Spaces  ", "multiple spaces"},
		{"My Song (Album Version)", "my song"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := normalizeString(tt.input)
			if got != tt.want {
				t.Errorf("normalizeString(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"same", "same", 0},
	}
	for _, tt := range tests {
		got := levenshteinDistance(tt.a, tt.b)
		if got != tt.want {
			t.Errorf("levenshteinDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCompare_Identical(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a := play.Play{Track: "Sonora", Artists: []string{"The Bongo Hop"}, PlayDate: now}
	b := a
	score := Compare(a, b, DefaultOptions())
	if !score.IsDuplicate() {
		t.Fatalf("expected identical plays to be a duplicate, got score %+v", score)
	}
}

func TestCompare_MultiArtistBonus(t *testing.T) {
	// Scenario 1 from spec §8: one side reports only the primary artist,
	// the other reports both artists, 5 minutes apart (within FUZZY).
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	candidate := play.Play{Track: "Sonora", Artists: []string{"The Bongo Hop"}, PlayDate: base}
	existing := play.Play{
		Track:    "Sonora",
		Artists:  []string{"Nidia Gongora", "The Bongo Hop"},
		PlayDate: base.Add(5 * time.Minute),
	}

	score := Compare(candidate, existing, DefaultOptions())
	if !score.IsDuplicate() {
		t.Fatalf("expected multi-artist bonus to push score >= %.2f, got %+v", DupScoreThreshold, score)
	}
	if !score.BonusApplied {
		t.Errorf("expected multi-artist bonus to have applied")
	}
}

func TestCompare_DifferentSongs(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a := play.Play{Track: "Totally Different Track", Artists: []string{"Artist A"}, PlayDate: now}
	b := play.Play{Track: "Another Completely Unlike Title", Artists: []string{"Artist B"}, PlayDate: now.Add(2 * time.Hour)}

	score := Compare(a, b, DefaultOptions())
	if score.IsDuplicate() {
		t.Fatalf("expected dissimilar plays not to match, got %+v", score)
	}
}

func TestCompare_Symmetry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a := play.Play{Track: "Song A", Artists: []string{"X", "Y"}, PlayDate: now}
	b := play.Play{Track: "Song A", Artists: []string{"X", "Y"}, PlayDate: now.Add(30 * time.Second)}

	// With identical artist sets on both sides the multi-artist bonus
	// cannot introduce asymmetry (wholeMatches/artist score are the same
	// either direction), so score(a,b) == score(b,a) here.
	s1 := Compare(a, b, DefaultOptions())
	s2 := Compare(b, a, DefaultOptions())
	if s1.Overall != s2.Overall {
		t.Errorf("expected symmetric score, got %v vs %v", s1.Overall, s2.Overall)
	}
}

func TestTemporalScore_Tolerances(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	opts := DefaultOptions()

	tests := []struct {
		name string
		diff time.Duration
		want float64
	}{
		{"exact", 0, 1.0},
		{"close", 30 * time.Second, 1.0},
		{"fuzzy", 2 * time.Minute, 0.6},
		{"far", time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := temporalScore(now, now.Add(tt.diff), opts)
			if got != tt.want {
				t.Errorf("temporalScore diff=%v = %v, want %v", tt.diff, got, tt.want)
			}
		})
	}
}
