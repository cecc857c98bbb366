package universe

import "strings"

type Strategy string

const (
	StrategyExact      Strategy = "exact"
	StrategyNormalized Strategy = "normalized"
	StrategySubstring  Strategy = "substring"
	StrategyToken      Strategy = "token"
)

// DefaultThreshold is the minimum token overlap score.
const DefaultThreshold = 0.8

// minSubstringLen is the shortest normalized side the substring strategy
// accepts.
const minSubstringLen = 5

var stopWords = map[string]struct{}{
	"and": {}, "the": {}, "of": {}, "in": {}, "for": {}, "with": {},
	"on": {}, "at": {}, "to": {}, "a": {}, "an": {},
}

type MatchResult struct {
	Canonical string
	Strategy  Strategy
	// Score is the token overlap ratio for StrategyToken, 1 otherwise.
	Score float64
}

type Matcher struct {
	u         *Universe
	threshold float64
}

func NewMatcher(u *Universe, threshold float64) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Matcher{u: u, threshold: threshold}
}

func (m *Matcher) Universe() *Universe { return m.u }

// Match resolves raw against the universe. Strategies run from most to least
// precise and the first one that yields a candidate decides the result.
func (m *Matcher) Match(raw string) (MatchResult, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || m.u == nil {
		return MatchResult{}, false
	}

	if name, ok := m.u.folded[strings.ToLower(raw)]; ok {
		return MatchResult{Canonical: name, Strategy: StrategyExact, Score: 1}, true
	}

	norm := Normalize(raw)
	if norm == "" {
		return MatchResult{}, false
	}
	if name, ok := m.u.index[norm]; ok {
		return MatchResult{Canonical: name, Strategy: StrategyNormalized, Score: 1}, true
	}

	for i, cand := range m.u.norms {
		if substringMatch(norm, cand) {
			return MatchResult{Canonical: m.u.entities[i].Name, Strategy: StrategySubstring, Score: 1}, true
		}
	}

	in := tokenSet(norm)
	if len(in) == 0 {
		return MatchResult{}, false
	}
	best, bestScore := -1, 0.0
	for i, cand := range m.u.tokens {
		if len(cand) == 0 {
			continue
		}
		common := 0
		for tok := range in {
			if _, ok := cand[tok]; ok {
				common++
			}
		}
		if common == 0 {
			continue
		}
		score := float64(common) / float64(len(in))
		if score >= m.threshold && score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return MatchResult{}, false
	}
	return MatchResult{Canonical: m.u.entities[best].Name, Strategy: StrategyToken, Score: bestScore}, true
}

func substringMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	return len(short) >= minSubstringLen && strings.Contains(long, short)
}

func tokenSet(norm string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(norm) {
		if _, stop := stopWords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}
