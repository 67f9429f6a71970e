package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce  sync.Once
	encoding *tiktoken.Tiktoken
)

func tokenEncoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens counts tokens with cl100k_base, falling back to EstimateTokens
// when the encoding cannot be loaded.
func CountTokens(text string) int {
	if enc := tokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens is a heuristic of max(runes/4, words).
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// CountMessageTokens sums tokens across a context, with a small per-message
// overhead for role framing.
func CountMessageTokens(c Context) int {
	total := CountTokens(c.SystemPrompt)
	for _, m := range c.Messages {
		total += 4 + CountTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += CountTokens(tc.Name) + CountTokens(tc.Arguments)
		}
	}
	return total
}
