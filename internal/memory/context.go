package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ContextBlock is a chunk of memory-derived context for prompt injection.
type ContextBlock struct {
	Source        string  `json:"source"`
	Type          Type    `json:"memory_type"`
	Content       string  `json:"content"`
	Relevance     float64 `json:"relevance"`
	TokenEstimate int     `json:"token_estimate"`
}

// ContextBudget controls how much memory context to inject.
type ContextBudget struct {
	MaxTokens  int // total token budget for memory context
	MaxBlocks  int
	Candidates int // recent entries considered before ranking
}

// DefaultContextBudget returns sensible defaults.
func DefaultContextBudget() ContextBudget {
	return ContextBudget{
		MaxTokens:  2000,
		MaxBlocks:  10,
		Candidates: 100,
	}
}

// BuildContext picks the agent's memories most related to text and packs
// them into blocks within budget.
func (s *Store) BuildContext(ctx context.Context, text string, budget ContextBudget) []ContextBlock {
	if budget.MaxTokens == 0 {
		budget = DefaultContextBudget()
	}
	keywords := Keywords(text)
	if len(keywords) == 0 {
		return nil
	}

	candidates := s.Search(ctx, Query{Limit: budget.Candidates})
	var blocks []ContextBlock
	used := 0
	for _, r := range rankByRelevance(candidates, keywords) {
		if len(blocks) >= budget.MaxBlocks {
			break
		}
		content := contentText(r.entry.Content)
		est := estimateTokens(content)
		if used+est > budget.MaxTokens {
			continue
		}
		blocks = append(blocks, ContextBlock{
			Source:        r.entry.ID,
			Type:          r.entry.Type,
			Content:       content,
			Relevance:     r.score,
			TokenEstimate: est,
		})
		used += est
	}

	s.logger.Debug("built memory context",
		zap.Int("candidates", len(candidates)),
		zap.Int("blocks", len(blocks)),
		zap.Int("tokens", used))
	return blocks
}

// FormatContextPrompt renders memory blocks as a system prompt section.
func FormatContextPrompt(blocks []ContextBlock) string {
	if len(blocks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Memory Context]\n")
	for _, block := range blocks {
		fmt.Fprintf(&b, "- %s (relevance: %.2f): %s\n", block.Type, block.Relevance, block.Content)
	}
	return b.String()
}

// estimateTokens gives a rough token count (~4 chars per token).
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}
