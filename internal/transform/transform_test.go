package transform

import (
	"testing"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

func TestParseConfig_RemoveRule(t *testing.T) {
	// Scenario 2: preCompare.title: ["(Album Version)"]
	raw := map[string]any{
		"preCompare": map[string]any{
			"title": []any{"(Album Version)"},
		},
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	p := play.Play{Track: "My Song (Album Version)", Artists: []string{"A"}}
	result, _, err := ApplyStage(cfg.PreCompare, p)
	if err != nil {
		t.Fatalf("ApplyStage: %v", err)
	}
	if result.Track != "My Song" {
		t.Errorf("Track = %q, want %q", result.Track, "My Song")
	}
}

func TestParseConfig_RegexConditional(t *testing.T) {
	// Scenario 3: when:[{artist:"/Elephant Gym/"}] gates album rewrite.
	raw := map[string]any{
		"preCompare": []any{
			map[string]any{
				"when": []any{
					map[string]any{"artist": "/Elephant Gym/"},
				},
				"album": []any{
					map[string]any{"search": "Dreams", "replace": "夢境"},
				},
			},
		},
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	matching := play.Play{Track: "T", Album: "Dreams", Artists: []string{"Elephant Gym"}}
	result, _, err := ApplyStage(cfg.PreCompare, matching)
	if err != nil {
		t.Fatalf("ApplyStage: %v", err)
	}
	if result.Album != "夢境" {
		t.Errorf("matching artist: Album = %q, want 夢境", result.Album)
	}

	other := play.Play{Track: "T", Album: "Dreams", Artists: []string{"Someone Else"}}
	result2, _, err := ApplyStage(cfg.PreCompare, other)
	if err != nil {
		t.Fatalf("ApplyStage: %v", err)
	}
	if result2.Album != "Dreams" {
		t.Errorf("non-matching artist: Album = %q, want unchanged Dreams", result2.Album)
	}
}

func TestParseConfig_HookChain(t *testing.T) {
	// Scenario 4: array of two hooks, each depending on the previous's output.
	raw := map[string]any{
		"preCompare": []any{
			map[string]any{"title": []any{map[string]any{"search": "a", "replace": "b"}}},
			map[string]any{"title": []any{map[string]any{"search": "b", "replace": "c"}}},
		},
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	p := play.Play{Track: "a", Artists: []string{"A"}}
	result, _, err := ApplyStage(cfg.PreCompare, p)
	if err != nil {
		t.Fatalf("ApplyStage: %v", err)
	}
	if result.Track != "c" {
		t.Errorf("Track = %q, want %q", result.Track, "c")
	}
}

func TestApplyHook_AllArtistsRemovedDropsPlay(t *testing.T) {
	raw := map[string]any{
		"preCompare": map[string]any{
			"artists": []any{"Bad Artist"},
		},
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	p := play.Play{Track: "T", Artists: []string{"Bad Artist"}}
	_, _, err = ApplyStage(cfg.PreCompare, p)
	if err != ErrAllArtistsRemoved {
		t.Fatalf("expected ErrAllArtistsRemoved, got %v", err)
	}
}

func TestTransformIdempotence(t *testing.T) {
	raw := map[string]any{
		"preCompare": map[string]any{
			"title": []any{"(Album Version)"},
		},
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	p := play.Play{Track: "My Song (Album Version)", Artists: []string{"A"}}
	once, _, err := ApplyStage(cfg.PreCompare, p)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	twice, _, err := ApplyStage(cfg.PreCompare, once)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if once.Track != twice.Track {
		t.Errorf("not idempotent: once=%q twice=%q", once.Track, twice.Track)
	}
}

func TestCompileMatcher_RegexRecognition(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantRegex bool
	}{
		{"literal", "foo", false},
		{"regex_case_insensitive", "/foo/i", true},
		{"unterminated_is_literal", "/foo", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := compileMatcher(tt.input)
			if (m.Regex != nil) != tt.wantRegex {
				t.Errorf("compileMatcher(%q) regex = %v, want %v", tt.input, m.Regex != nil, tt.wantRegex)
			}
		})
	}

	ci := compileMatcher("/foo/i")
	if !ci.Match("FOO") {
		t.Errorf("expected case-insensitive regex to match FOO")
	}
}

func TestComparePreCompareEquivalence(t *testing.T) {
	// Invariant 1: the Play emitted on newPlay equals T(P) for the
	// configured preCompare transform T.
	raw := map[string]any{
		"preCompare": map[string]any{
			"title": []any{"(Live)"},
		},
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	e := New(cfg, nil)

	p := play.Play{Track: "Encore (Live)", Artists: []string{"Band"}}
	viaEngine, err := e.PreCompare(p)
	if err != nil {
		t.Fatalf("PreCompare: %v", err)
	}
	viaStage, _, err := ApplyStage(cfg.PreCompare, p)
	if err != nil {
		t.Fatalf("ApplyStage: %v", err)
	}
	if viaEngine.Track != viaStage.Track {
		t.Errorf("engine result diverges from direct stage application")
	}
}
