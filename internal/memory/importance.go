package memory

import (
	"strings"
	"unicode"
)

// ImportancePolicy scores a record in [0,1]. The Save phase promotes to
// long-term only above the configured threshold.
type ImportancePolicy interface {
	Score(r Record) float64
}

// ImportanceFunc adapts a function to ImportancePolicy.
type ImportanceFunc func(Record) float64

func (f ImportanceFunc) Score(r Record) float64 { return f(r) }

// KeywordImportance is the default heuristic: facts start higher than notes,
// concrete identifiers (digits) and marker words add weight.
type KeywordImportance struct {
	Keywords []string
}

// DefaultKeywords mark statements the user will likely want kept.
var DefaultKeywords = []string{
	"always", "never", "important", "remember", "birthday",
	"allergic", "allergy", "password", "plate", "address", "deadline",
}

// NewKeywordImportance uses DefaultKeywords.
func NewKeywordImportance() KeywordImportance {
	return KeywordImportance{Keywords: DefaultKeywords}
}

func (k KeywordImportance) Score(r Record) float64 {
	if r.Pinned {
		return 1
	}
	score := 0.2
	if r.Kind == KindFact {
		score = 0.4
	}
	if strings.IndexFunc(r.Content, unicode.IsDigit) >= 0 {
		score += 0.2
	}
	lowered := strings.ToLower(r.Content)
	for _, kw := range k.Keywords {
		if strings.Contains(lowered, kw) {
			score += 0.2
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}
