// Package transform implements the play-transform engine (spec §4.2): a
// small DSL of conditional "hooks" that mutate a Play's title, artists,
// and album at three points in the pipeline (preCompare, compare,
// postCompare). Parsing happens once, when a source or client builds its
// init data; the worker loop only ever walks the already-normalized
// rule tree produced here, per the spec's design note against
// interpreting config on the hot path.
package transform

import (
	"errors"
	"regexp"
	"strings"
)

// ErrAllArtistsRemoved is returned when an artists rule reduces every
// artist to the empty string. The spec treats this as an error signal
// the source must act on (drop the Play), not a silent no-op.
var ErrAllArtistsRemoved = errors.New("transform: all artists removed")

// LogMode controls how much the engine logs about applied hooks.
type LogMode int

const (
	LogNone LogMode = iota
	LogSummary
	LogAll
)

// Matcher is a parsed string-or-regex pattern. A rule/when string that
// begins with "/" and contains a second "/" (optionally followed by
// regex flag letters) is a regex; anything else is a literal substring.
type Matcher struct {
	Raw   string
	Regex *regexp.Regexp // nil for a literal matcher
}

// Match reports whether s contains (literal) or matches (regex) the
// pattern.
func (m Matcher) Match(s string) bool {
	if m.Regex != nil {
		return m.Regex.MatchString(s)
	}
	return m.Raw != "" && strings.Contains(s, m.Raw)
}

// WhenClause is one AND-of-fields guard; the outer list a Hook or Rule
// carries is OR'd across clauses.
type WhenClause struct {
	Artist *Matcher
	Album  *Matcher
	Title  *Matcher
}

// Matches reports whether every present field in the clause matches the
// corresponding field on p (by comparing against the single-string
// transform inputs the caller supplies: track/album are whole-string
// fields, artist is checked against each artist until one matches).
func (w WhenClause) Matches(track, album string, artists []string) bool {
	if w.Title != nil && !w.Title.Match(track) {
		return false
	}
	if w.Album != nil && !w.Album.Match(album) {
		return false
	}
	if w.Artist != nil {
		matched := false
		for _, a := range artists {
			if w.Artist.Match(a) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// MatchAny is OR across clauses; an empty list means "no guard", i.e.
// always matches.
func MatchAny(clauses []WhenClause, track, album string, artists []string) bool {
	if len(clauses) == 0 {
		return true
	}
	for _, c := range clauses {
		if c.Matches(track, album, artists) {
			return true
		}
	}
	return false
}

// Rule is one match-and-replace step: a plain "match-and-remove" or a
// {search, replace, when} object.
type Rule struct {
	Search  Matcher
	Replace string
	When    []WhenClause
}

// Hook is one transform unit: an optional when-guard plus per-field
// rule lists.
type Hook struct {
	When    []WhenClause
	Title   []Rule
	Artists []Rule
	Album   []Rule
}

// Stage is an ordered list of hooks; hook i's output is hook i+1's input.
type Stage []Hook

// CompareStage splits preCompare/postCompare semantics from compare
// semantics: compare-stage mutations are only ever visible to the
// comparator (spec §4.1/§4.2), never downstream.
type CompareStage struct {
	Candidate Stage
	Existing  Stage
}

// Config is one playTransform configuration, attached to a source or a
// client.
type Config struct {
	PreCompare  Stage
	Compare     CompareStage
	PostCompare Stage
	Log         LogMode
}
