package query

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

type complexityFactor struct {
	pattern *regexp.Regexp
	weight  float64
	cap     float64
}

func wordFactor(weight, cap float64, words ...string) complexityFactor {
	return complexityFactor{
		pattern: regexp.MustCompile(`(?i)\b(?:` + strings.Join(words, "|") + `)\b`),
		weight:  weight,
		cap:     cap,
	}
}

var complexityFactors = []complexityFactor{
	{pattern: regexp.MustCompile(`\?`), weight: 0.8, cap: 2},
	wordFactor(0.5, 2, "what", "why", "how", "when", "where", "who", "which"),
	wordFactor(0.3, 1.5, "and", "or", "but", "however", "although", "nevertheless", "despite", "whereas"),
	wordFactor(0.7, 1.5, "compare", "difference", "differences", "versus", "vs", "similarities", "better", "worse"),
	wordFactor(0.5, 1.5, "explain", "detail", "elaborate", "in-depth", "comprehensive", "thoroughly", "analysis"),
}

// Complexity scores a question from 0 to 10. Length, question marks,
// interrogatives, conjunctions, comparison terms and depth terms each add a
// capped amount.
func Complexity(question string) int {
	score := math.Min(float64(utf8.RuneCountInString(question))/100, 1.5)
	for _, f := range complexityFactors {
		n := len(f.pattern.FindAllStringIndex(question, -1))
		score += math.Min(float64(n)*f.weight, f.cap)
	}

	rounded := int(math.Round(score))
	return max(0, min(rounded, 10))
}
