// Package security holds the text hygiene applied at the agent boundary:
// secret redaction before tool output is persisted, and sanitization of
// user-controlled strings placed into message envelopes.
package security

import (
	"regexp"
)

// SecretMatch is one detected secret
type SecretMatch struct {
	Type  string
	Start int
	End   int
}

type secretPattern struct {
	name       string
	regex      *regexp.Regexp
	redactWith string
}

var defaultSecretPatterns = []struct {
	name       string
	pattern    string
	redactWith string
}{
	{"Telegram Bot Token", `\b[0-9]{8,10}:[a-zA-Z0-9_-]{35}\b`, "****:****"},
	{"OpenAI API Key", `sk-(?:proj-)?[a-zA-Z0-9_-]{32,}`, "sk-****"},
	{"Anthropic API Key", `sk-ant-[a-zA-Z0-9_-]{32,}`, "sk-ant-****"},
	{"GitHub Token", `gh[pousr]_[0-9a-zA-Z]{36}`, "gh*_****"},
	{"AWS Access Key", `AKIA[0-9A-Z]{16}`, "AKIA****"},
	{"Private Key", `-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`, "PRIVATE_KEY****"},
	{"JWT Token", `eyJ[a-zA-Z0-9\-_]+\.eyJ[a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]+`, "eyJ****"},
	{"Generic Secret", `(?i)(secret|password|passwd|api[_-]?key|token)(["']?\s*[:=]\s*["']?)[^\s'",}]{8,}`, "${1}${2}****"},
	{"Database URL", `(?i)(postgres|mysql|mongodb|redis)://[^\s'"]+:[^\s'"]+@[^\s'"]+`, "DB_URL****"},
}

// Redactor replaces known secret shapes with placeholders
type Redactor struct {
	patterns []*secretPattern
}

// NewRedactor compiles the default patterns
func NewRedactor() *Redactor {
	r := &Redactor{patterns: make([]*secretPattern, 0, len(defaultSecretPatterns))}
	for _, p := range defaultSecretPatterns {
		r.patterns = append(r.patterns, &secretPattern{
			name:       p.name,
			regex:      regexp.MustCompile(p.pattern),
			redactWith: p.redactWith,
		})
	}
	return r
}

// Scan lists every secret found in input
func (r *Redactor) Scan(input string) []SecretMatch {
	var matches []SecretMatch
	for _, p := range r.patterns {
		for _, loc := range p.regex.FindAllStringIndex(input, -1) {
			matches = append(matches, SecretMatch{Type: p.name, Start: loc[0], End: loc[1]})
		}
	}
	return matches
}

// Redact returns input with every secret replaced
func (r *Redactor) Redact(input string) string {
	out := input
	for _, p := range r.patterns {
		out = p.regex.ReplaceAllString(out, p.redactWith)
	}
	return out
}

var defaultRedactor = NewRedactor()

// RedactSecrets applies the default redactor
func RedactSecrets(input string) string {
	return defaultRedactor.Redact(input)
}

// HasSecrets reports whether input contains a known secret shape
func HasSecrets(input string) bool {
	return len(defaultRedactor.Scan(input)) > 0
}
