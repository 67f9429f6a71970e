package llm

import (
	"net/http"
	"strings"
)

var overflowPhrases = []string{
	"maximum context length",
	"context length exceeded",
	"context_length_exceeded",
	"context window",
	"prompt is too long",
	"too many tokens",
	"input is too long",
	"request too large",
	"exceeds the model's maximum",
	"reduce the length of the messages",
}

var rateLimitPhrases = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"429",
	"overloaded",
	"quota exceeded",
	"resource_exhausted",
}

// IsContextOverflow reports whether a provider error message means the
// prompt no longer fits the model's context window.
func IsContextOverflow(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range overflowPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsRateLimit reports whether a provider failure is a rate limit, by status
// code or message.
func IsRateLimit(status int, msg string) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	lower := strings.ToLower(msg)
	for _, p := range rateLimitPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
