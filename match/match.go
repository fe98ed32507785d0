// Package match aligns named data fields with scanned page controls.
// Scoring is lexical only: normalized equality, containment, token
// overlap and initials. No network, no DOM: the matcher sees only
// fingerprints.
package match

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/hazyhaar/formweaver/fingerprint"
)

// Score levels. Exact beats containment beats token overlap; initials
// sit between overlap and containment.
const (
	scoreExact       = 100
	scoreContainment = 80
	scoreInitials    = 60
	scoreOverlapBase = 40
	scoreOverlapSpan = 30
)

// Config tunes the matcher. Zero values take defaults.
type Config struct {
	// Threshold is the minimum score for a binding. Default 60.
	Threshold int
	// SuggestThreshold is the minimum score for the auto-apply
	// suggestion set. Default 90.
	SuggestThreshold int
}

func (c *Config) applyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 60
	}
	if c.SuggestThreshold <= 0 {
		c.SuggestThreshold = 90
	}
}

// Pair binds one data field to one control with its score.
type Pair struct {
	Field   string
	Control *fingerprint.Fingerprint
	Score   int
}

// Result is the full matching outcome. UnmatchedControls is deduplicated
// by base label, so repeated per-row controls appear once.
type Result struct {
	Pairs             []Pair
	UnmatchedFields   []string
	UnmatchedControls []*fingerprint.Fingerprint
	// Suggestions are the pairs scoring at or above SuggestThreshold,
	// safe for the caller to apply without review.
	Suggestions []Pair
}

// Matcher scores and greedily claims field/control bindings.
type Matcher struct {
	cfg Config
	log *slog.Logger
}

// New returns a Matcher. A nil logger falls back to slog.Default().
func New(cfg Config, log *slog.Logger) *Matcher {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{cfg: cfg, log: log}
}

// Match aligns fields with controls. Fields claim in their given order:
// each field takes the best-scoring unclaimed control at or above the
// threshold, ties going to the earlier control, and a claimed control is
// unavailable to every later field. Leftover controls are deduplicated by
// base label before they are exposed as unmatched.
func (m *Matcher) Match(fields []string, controls []*fingerprint.Fingerprint) Result {
	var res Result
	claimed := make([]bool, len(controls))
	for _, field := range fields {
		best, bestScore := -1, 0
		for ci, ctl := range controls {
			if claimed[ci] {
				continue
			}
			if s := Score(field, ctl); s > bestScore {
				best, bestScore = ci, s
			}
		}
		if best < 0 || bestScore < m.cfg.Threshold {
			res.UnmatchedFields = append(res.UnmatchedFields, field)
			continue
		}
		claimed[best] = true
		p := Pair{Field: field, Control: controls[best], Score: bestScore}
		res.Pairs = append(res.Pairs, p)
		if p.Score >= m.cfg.SuggestThreshold {
			res.Suggestions = append(res.Suggestions, p)
		}
		m.log.Debug("match: bound field", "field", field, "control", p.Control.DisplayName(), "score", p.Score)
	}

	var leftover []*fingerprint.Fingerprint
	for ci, ctl := range controls {
		if !claimed[ci] {
			leftover = append(leftover, ctl)
		}
	}
	res.UnmatchedControls = fingerprint.DedupeByBaseLabel(leftover)
	return res
}

// Score is the best lexical score between a field name and any of the
// control's candidate texts, 0..100.
func Score(field string, ctl *fingerprint.Fingerprint) int {
	best := 0
	for _, text := range ctl.CandidateTexts() {
		if s := scoreTexts(field, text); s > best {
			best = s
		}
	}
	return best
}

func scoreTexts(a, b string) int {
	na, nb := normalize(a), normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return scoreExact
	}
	best := 0
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		best = scoreContainment
	}
	if s := overlapScore(tokens(a), tokens(b)); s > best {
		best = s
	}
	if s := initialsScore(a, nb); s > best {
		best = s
	}
	if s := initialsScore(b, na); s > best {
		best = s
	}
	return best
}

func overlapScore(ta, tb []string) int {
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	common := 0
	for _, t := range tb {
		if set[t] {
			common++
			delete(set, t)
		}
	}
	if common == 0 {
		return 0
	}
	denom := len(ta)
	if len(tb) > denom {
		denom = len(tb)
	}
	return scoreOverlapBase + scoreOverlapSpan*common/denom
}

// initialsScore matches a multi-word name against its initials: "user
// name" vs "un". Requires at least two letters so a single initial never
// claims a control.
func initialsScore(words, norm string) int {
	toks := tokens(words)
	if len(toks) < 2 {
		return 0
	}
	var b strings.Builder
	for _, t := range toks {
		r := []rune(t)
		if len(r) > 0 {
			b.WriteRune(unicode.ToLower(r[0]))
		}
	}
	initials := b.String()
	if len([]rune(initials)) >= 2 && initials == norm {
		return scoreInitials
	}
	return 0
}

// normalize lowercases and strips whitespace, punctuation and the colon
// decorations labels commonly carry.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// tokens splits on whitespace, punctuation and camel-case boundaries.
func tokens(s string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	var prev rune
	for _, r := range s {
		switch {
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
		prev = r
	}
	flush()
	return out
}
