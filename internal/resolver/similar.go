package resolver

import (
	"sort"
	"strings"
)

// minScore drops suggestions too far from the query to be helpful.
const minScore = 0.3

// SimilarNames ranks candidates by similarity to name and returns the top k.
// The score blends bigram overlap with a substring bonus, so truncated or
// partially-typed model names still surface their full form first.
func SimilarNames(name string, candidates []string, k int) []string {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	type scored struct {
		name  string
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if s := similarity(name, c); s >= minScore {
			ranked = append(ranked, scored{c, s})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].name < ranked[j].name
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.name
	}
	return out
}

// similarity returns a score in [0,1].
func similarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 1
	}
	score := diceBigrams(a, b)
	if len(a) >= 3 && len(b) >= 3 && (strings.Contains(a, b) || strings.Contains(b, a)) {
		shorter, longer := len(a), len(b)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		if sub := 0.7 + 0.3*float64(shorter)/float64(longer); sub > score {
			score = sub
		}
	}
	return score
}

// diceBigrams is the Sørensen–Dice coefficient over character bigrams.
func diceBigrams(a, b string) float64 {
	if len(a) < 2 || len(b) < 2 {
		if a == b {
			return 1
		}
		return 0
	}
	grams := make(map[string]int)
	for i := 0; i+2 <= len(a); i++ {
		grams[a[i:i+2]]++
	}
	matches := 0
	for i := 0; i+2 <= len(b); i++ {
		if grams[b[i:i+2]] > 0 {
			grams[b[i:i+2]]--
			matches++
		}
	}
	return 2 * float64(matches) / float64(len(a)+len(b)-2)
}
