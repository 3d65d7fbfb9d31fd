package memory

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ContextBlock is one recalled record packed for prompt injection.
type ContextBlock struct {
	Record        Record  `json:"record"`
	Relevance     float64 `json:"relevance"`
	TokenEstimate int     `json:"token_estimate"`
}

// ContextBudget caps how much recalled memory goes into a prompt.
type ContextBudget struct {
	MaxTokens int
	MaxBlocks int
}

// DefaultContextBudget returns sensible defaults.
func DefaultContextBudget() ContextBudget {
	return ContextBudget{
		MaxTokens: 2000,
		MaxBlocks: 10,
	}
}

// Relevance scores how well content matches the keywords, in [0, 1].
// Exact word matches count fully, substring matches partially.
func Relevance(keywords []string, content string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	target := Normalize(content)
	words := strings.Fields(target)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}

	var matched int
	var weighted float64
	for _, kw := range keywords {
		kw = Normalize(kw)
		switch {
		case kw == "":
		case set[kw]:
			matched++
			weighted += 1.0
		case strings.Contains(target, kw):
			matched++
			weighted += 0.7
		}
	}
	if matched == 0 {
		return 0
	}

	union := float64(len(keywords) + len(set) - matched)
	jaccard := float64(matched) / math.Max(union, 1)
	coverage := weighted / float64(len(keywords))
	return 0.4*jaccard + 0.6*coverage
}

// BuildContext ranks records by relevance to the keywords and packs them
// into the budget. With no keywords every record is kept in input order.
// Records that do not match any keyword are dropped.
func BuildContext(records []Record, keywords []string, budget ContextBudget) []ContextBlock {
	if budget.MaxTokens == 0 {
		budget = DefaultContextBudget()
	}

	scored := make([]ContextBlock, 0, len(records))
	for _, r := range records {
		score := 1.0
		if len(keywords) > 0 {
			score = Relevance(keywords, r.Content)
			if score == 0 {
				continue
			}
		}
		scored = append(scored, ContextBlock{Record: r, Relevance: score, TokenEstimate: estimateTokens(r.Content)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Relevance > scored[j].Relevance
	})

	var blocks []ContextBlock
	used := 0
	for _, b := range scored {
		if budget.MaxBlocks > 0 && len(blocks) >= budget.MaxBlocks {
			break
		}
		if used+b.TokenEstimate > budget.MaxTokens {
			continue
		}
		blocks = append(blocks, b)
		used += b.TokenEstimate
	}
	return blocks
}

// FormatContext renders blocks as prompt lines.
func FormatContext(blocks []ContextBlock) string {
	if len(blocks) == 0 {
		return ""
	}
	var b strings.Builder
	for _, block := range blocks {
		fmt.Fprintf(&b, "- [%s] %s\n", block.Record.Tier, block.Record.Content)
	}
	return b.String()
}

// Records unwraps packed blocks.
func Records(blocks []ContextBlock) []Record {
	out := make([]Record, len(blocks))
	for i, b := range blocks {
		out[i] = b.Record
	}
	return out
}

// estimateTokens gives a rough token count (~4 chars per token).
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}
