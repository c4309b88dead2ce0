package transform

import (
	"log/slog"
	"strings"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// StepLog captures one hook application within a stage, for "log: all".
type StepLog struct {
	Before play.Play
	After  play.Play
}

// ApplyRule applies a single rule to one field value. whenTrack/whenAlbum/
// whenArtists are the values a rule-level "when" guard is evaluated
// against (always the *pre-hook* values, not the field being mutated).
func ApplyRule(r Rule, field string, whenTrack, whenAlbum string, whenArtists []string) string {
	if len(r.When) > 0 && !MatchAny(r.When, whenTrack, whenAlbum, whenArtists) {
		return field
	}
	if r.Search.Regex != nil {
		return r.Search.Regex.ReplaceAllString(field, r.Replace)
	}
	if r.Search.Raw == "" {
		return field
	}
	return strings.ReplaceAll(field, r.Search.Raw, r.Replace)
}

// collapseWhitespace trims and collapses runs of whitespace left behind
// by a rule that matched-and-removed a token embedded in a string, e.g.
// "My Song (Album Version)" losing "(Album Version)" should read "My
// Song", not "My Song " or "My  Song".
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ApplyHook applies one hook to p, returning the mutated Play. If the
// hook's own "when" guard doesn't match, p is returned unchanged. If an
// artists rule empties every artist, ErrAllArtistsRemoved is returned and
// the caller (a source, per spec §4.3) must drop the Play.
func ApplyHook(h Hook, p play.Play) (play.Play, error) {
	if len(h.When) > 0 && !MatchAny(h.When, p.Track, p.Album, p.Artists) {
		return p, nil
	}

	out := p.Clone()

	for _, r := range h.Title {
		out.Track = ApplyRule(r, out.Track, p.Track, p.Album, p.Artists)
	}
	if len(h.Title) > 0 {
		out.Track = collapseWhitespace(out.Track)
	}
	for _, r := range h.Album {
		out.Album = ApplyRule(r, out.Album, p.Track, p.Album, p.Artists)
	}
	if len(h.Album) > 0 {
		out.Album = collapseWhitespace(out.Album)
	}
	if len(h.Artists) > 0 {
		newArtists := make([]string, 0, len(out.Artists))
		for _, a := range out.Artists {
			for _, r := range h.Artists {
				a = ApplyRule(r, a, p.Track, p.Album, p.Artists)
			}
			if strings.TrimSpace(a) != "" {
				newArtists = append(newArtists, a)
			}
		}
		out.Artists = newArtists
		if len(out.Artists) == 0 {
			return play.Play{}, ErrAllArtistsRemoved
		}
	}

	return out.Normalize(), nil
}

// ApplyStage runs every hook in a stage in order, hook i's output
// feeding hook i+1. It returns the final Play and one StepLog per hook,
// for callers that want per-hook logging ("log: all").
func ApplyStage(stage Stage, p play.Play) (play.Play, []StepLog, error) {
	cur := p
	logs := make([]StepLog, 0, len(stage))
	for _, h := range stage {
		next, err := ApplyHook(h, cur)
		if err != nil {
			return play.Play{}, logs, err
		}
		logs = append(logs, StepLog{Before: cur, After: next})
		cur = next
	}
	return cur, logs, nil
}

// Engine runs a parsed Config against Plays and logs diffs per the
// configured Log mode.
type Engine struct {
	cfg    *Config
	logger *slog.Logger
}

// New creates an Engine. A nil cfg behaves as an all-stages-empty
// passthrough, and a nil logger silences logging regardless of Log mode.
func New(cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Engine{cfg: cfg, logger: logger}
}

// PreCompare runs the preCompare stage.
func (e *Engine) PreCompare(p play.Play) (play.Play, error) {
	return e.run("preCompare", e.cfg.PreCompare, p)
}

// PostCompare runs the postCompare stage.
func (e *Engine) PostCompare(p play.Play) (play.Play, error) {
	return e.run("postCompare", e.cfg.PostCompare, p)
}

// CompareCandidate runs compare.candidate. Per spec §4.2, its output must
// only be used for comparator scoring, never published downstream.
func (e *Engine) CompareCandidate(p play.Play) (play.Play, error) {
	return e.run("compare.candidate", e.cfg.Compare.Candidate, p)
}

// CompareExisting runs compare.existing, same caveat as CompareCandidate.
func (e *Engine) CompareExisting(p play.Play) (play.Play, error) {
	return e.run("compare.existing", e.cfg.Compare.Existing, p)
}

func (e *Engine) run(name string, stage Stage, p play.Play) (play.Play, error) {
	result, logs, err := ApplyStage(stage, p)
	if err != nil {
		return play.Play{}, err
	}
	e.logStage(name, p, result, logs)
	return result, nil
}

func (e *Engine) logStage(name string, before, after play.Play, logs []StepLog) {
	if e.logger == nil || e.cfg.Log == LogNone || len(logs) == 0 {
		return
	}
	if e.cfg.Log == LogAll {
		for i, s := range logs {
			e.logger.Info("transform hook applied",
				"hook", name, "step", i,
				"track_before", s.Before.Track, "track_after", s.After.Track,
				"album_before", s.Before.Album, "album_after", s.After.Album)
		}
		return
	}
	e.logger.Info("transform applied",
		"hook", name,
		"track_before", before.Track, "track_after", after.Track,
		"album_before", before.Album, "album_after", after.Album)
}
