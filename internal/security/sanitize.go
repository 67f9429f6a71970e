package security

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxLabelRunes bounds sender names and chat titles inside an envelope
const MaxLabelRunes = 64

// envelopeOpener matches text that would read as the start of a forged
// message envelope or a role marker.
var envelopeOpener = regexp.MustCompile(`(?i)\[(telegram|system|assistant|pending)\b`)

var roleTokens = regexp.MustCompile(`(?i)<\|[a-z_]*\|>`)

// SanitizeLabel makes a user-controlled name safe to embed in an envelope
// header: brackets and parentheses are replaced, control characters and
// newlines collapse to spaces, and the result is capped.
func SanitizeLabel(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '[' || r == '(':
			b.WriteRune('‹')
		case r == ']' || r == ')':
			b.WriteRune('›')
		case unicode.IsControl(r) || unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Join(strings.Fields(b.String()), " ")
	if runes := []rune(out); len(runes) > MaxLabelRunes {
		out = string(runes[:MaxLabelRunes]) + "…"
	}
	return out
}

// SanitizeBody neutralizes forged envelope headers and chat-template role
// tokens in message text. Null bytes are dropped; everything else is kept.
func SanitizeBody(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = envelopeOpener.ReplaceAllStringFunc(s, func(m string) string {
		return "(" + m[1:]
	})
	return roleTokens.ReplaceAllString(s, "")
}
