package transform

import (
	"fmt"
	"regexp"
	"strings"
)

// ParseConfig builds a Config from the generic, dynamically-shaped data a
// koanf-decoded TOML/JSON "playTransform" block produces: a
// map[string]any whose "preCompare"/"postCompare" keys may be a single
// hook object or an array of them, and whose rule lists may mix plain
// strings with {search, replace, when} objects. This is the one place
// that shape-sniffing happens; everything downstream works off the
// normalized Config.
func ParseConfig(raw map[string]any) (*Config, error) {
	cfg := &Config{}

	if v, ok := raw["preCompare"]; ok {
		stage, err := parseStage(v)
		if err != nil {
			return nil, fmt.Errorf("preCompare: %w", err)
		}
		cfg.PreCompare = stage
	}

	if v, ok := raw["postCompare"]; ok {
		stage, err := parseStage(v)
		if err != nil {
			return nil, fmt.Errorf("postCompare: %w", err)
		}
		cfg.PostCompare = stage
	}

	if v, ok := raw["compare"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("compare: expected object with candidate/existing, got %T", v)
		}
		if cv, ok := m["candidate"]; ok {
			stage, err := parseStage(cv)
			if err != nil {
				return nil, fmt.Errorf("compare.candidate: %w", err)
			}
			cfg.Compare.Candidate = stage
		}
		if ev, ok := m["existing"]; ok {
			stage, err := parseStage(ev)
			if err != nil {
				return nil, fmt.Errorf("compare.existing: %w", err)
			}
			cfg.Compare.Existing = stage
		}
	}

	if v, ok := raw["log"]; ok {
		switch t := v.(type) {
		case bool:
			if t {
				cfg.Log = LogSummary
			}
		case string:
			if strings.EqualFold(t, "all") {
				cfg.Log = LogAll
			} else if strings.EqualFold(t, "true") {
				cfg.Log = LogSummary
			}
		}
	}

	return cfg, nil
}

// parseStage normalizes the Hook | [Hook, ...] polymorphism.
func parseStage(v any) (Stage, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]any:
		h, err := parseHook(t)
		if err != nil {
			return nil, err
		}
		return Stage{h}, nil
	case []any:
		stage := make(Stage, 0, len(t))
		for i, elem := range t {
			m, ok := elem.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("hook %d: expected object, got %T", i, elem)
			}
			h, err := parseHook(m)
			if err != nil {
				return nil, fmt.Errorf("hook %d: %w", i, err)
			}
			stage = append(stage, h)
		}
		return stage, nil
	default:
		return nil, fmt.Errorf("expected hook object or array, got %T", v)
	}
}

func parseHook(m map[string]any) (Hook, error) {
	var h Hook
	var err error

	if wv, ok := m["when"]; ok {
		h.When, err = parseWhenClauses(wv)
		if err != nil {
			return h, fmt.Errorf("when: %w", err)
		}
	}
	if tv, ok := m["title"]; ok {
		h.Title, err = parseRules(tv)
		if err != nil {
			return h, fmt.Errorf("title: %w", err)
		}
	}
	if av, ok := m["artists"]; ok {
		h.Artists, err = parseRules(av)
		if err != nil {
			return h, fmt.Errorf("artists: %w", err)
		}
	}
	if alv, ok := m["album"]; ok {
		h.Album, err = parseRules(alv)
		if err != nil {
			return h, fmt.Errorf("album: %w", err)
		}
	}
	return h, nil
}

// parseWhenClauses accepts a single clause object or an array of them
// (the grammar's "[WhenClause, ...]" with OR semantics across entries).
func parseWhenClauses(v any) ([]WhenClause, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]any:
		c, err := parseWhenClause(t)
		if err != nil {
			return nil, err
		}
		return []WhenClause{c}, nil
	case []any:
		out := make([]WhenClause, 0, len(t))
		for i, elem := range t {
			m, ok := elem.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("clause %d: expected object, got %T", i, elem)
			}
			c, err := parseWhenClause(m)
			if err != nil {
				return nil, fmt.Errorf("clause %d: %w", i, err)
			}
			out = append(out, c)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected when clause object or array, got %T", v)
	}
}

func parseWhenClause(m map[string]any) (WhenClause, error) {
	var c WhenClause
	if v, ok := m["artist"]; ok {
		s, ok := v.(string)
		if !ok {
			return c, fmt.Errorf("artist: expected string, got %T", v)
		}
		matcher := compileMatcher(s)
		c.Artist = &matcher
	}
	if v, ok := m["album"]; ok {
		s, ok := v.(string)
		if !ok {
			return c, fmt.Errorf("album: expected string, got %T", v)
		}
		matcher := compileMatcher(s)
		c.Album = &matcher
	}
	if v, ok := m["title"]; ok {
		s, ok := v.(string)
		if !ok {
			return c, fmt.Errorf("title: expected string, got %T", v)
		}
		matcher := compileMatcher(s)
		c.Title = &matcher
	}
	return c, nil
}

// parseRules accepts an array mixing plain strings ("match and remove")
// with {search, replace, when} objects.
func parseRules(v any) ([]Rule, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	out := make([]Rule, 0, len(arr))
	for i, elem := range arr {
		switch t := elem.(type) {
		case string:
			out = append(out, Rule{Search: compileMatcher(t), Replace: ""})
		case map[string]any:
			r, err := parseRuleObject(t)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			out = append(out, r)
		default:
			return nil, fmt.Errorf("rule %d: expected string or object, got %T", i, elem)
		}
	}
	return out, nil
}

func parseRuleObject(m map[string]any) (Rule, error) {
	var r Rule
	search, ok := m["search"].(string)
	if !ok {
		return r, fmt.Errorf("search: expected string")
	}
	r.Search = compileMatcher(search)

	if rep, ok := m["replace"]; ok {
		s, ok := rep.(string)
		if !ok {
			return r, fmt.Errorf("replace: expected string, got %T", rep)
		}
		r.Replace = normalizeReplacement(s)
	}

	if wv, ok := m["when"]; ok {
		clauses, err := parseWhenClauses(wv)
		if err != nil {
			return r, fmt.Errorf("when: %w", err)
		}
		r.When = clauses
	}
	return r, nil
}

// validFlag checks the flags part of a "/pattern/flags" literal:
// compileMatcher treats a string as a regex only with a leading slash, a
// second slash somewhere after it, and only letters after that second
// slash. "/foo" with no closing slash does NOT match and is
// treated as a literal string containing a slash.
var validFlag = regexp.MustCompile(`^[a-zA-Z]*$`)

// compileMatcher implements the spec's "string-as-regex recognition"
// rule and normalizes $<name> capture references to Go's ${name} syntax.
func compileMatcher(s string) Matcher {
	if len(s) < 2 || s[0] != '/' {
		return Matcher{Raw: s}
	}
	closing := strings.LastIndex(s[1:], "/")
	if closing < 0 {
		return Matcher{Raw: s}
	}
	closing++ // index within s
	body := s[1:closing]
	flags := s[closing+1:]
	if !validFlag.MatchString(flags) {
		return Matcher{Raw: s}
	}

	pattern := body
	var inline string
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			inline += string(f)
		case 'g':
			// "global" has no meaning for Go's regexp.ReplaceAll*,
			// which already replaces every match; accepted and ignored.
		}
	}
	if inline != "" {
		pattern = "(?" + inline + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		// Malformed regex falls back to literal matching on the
		// original string rather than failing config load outright.
		return Matcher{Raw: s}
	}
	return Matcher{Raw: s, Regex: re}
}

// normalizeReplacement rewrites JS-style $<name> named backreferences to
// Go regexp's ${name} form; $1-style positional references already work
// unchanged in both.
var namedRef = regexp.MustCompile(`\$<([a-zA-Z_][a-zA-Z0-9_]*)>`)

func normalizeReplacement(s string) string {
	return namedRef.ReplaceAllString(s, "${$1}")
}
