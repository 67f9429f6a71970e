// Package vector provides a local, dependency-free text embedding used to
// rank tools by relevance when no embedding API is configured.
package vector

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// DefaultDimension is the embedding width of LocalEmbedder
const DefaultDimension = 256

// LocalEmbedder hashes word unigrams and bigrams into a fixed-width signed
// vector. Identical text always yields the identical vector.
type LocalEmbedder struct {
	dimension int
}

// NewLocalEmbedder creates an embedder; dimension <= 0 uses DefaultDimension
func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &LocalEmbedder{dimension: dimension}
}

func (e *LocalEmbedder) Name() string   { return "local" }
func (e *LocalEmbedder) Dimension() int { return e.dimension }

// Embed returns a unit-length vector for text. Empty text yields a zero
// vector with a single unit component so it stays normalizable.
func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)
	words := Tokenize(text)

	for i, w := range words {
		e.add(vec, w, 1.0)
		if i > 0 {
			e.add(vec, words[i-1]+" "+w, 0.5)
		}
	}

	if !normalize(vec) {
		vec[0] = 1
	}
	return vec, nil
}

func (e *LocalEmbedder) add(vec []float32, feature string, weight float32) {
	h := hashString(feature)
	idx := int(h % uint64(e.dimension))
	if (h>>32)&1 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "is": true, "it": true,
	"me": true, "my": true, "i": true, "you": true, "please": true, "with": true,
}

// Tokenize lowercases text and splits on anything that is not a letter or
// digit, so tool names like "ton_get_price" split into words. Stop words
// are dropped.
func Tokenize(text string) []string {
	var tokens []string
	var current []rune

	flush := func() {
		if len(current) > 0 {
			w := string(current)
			if !stopWords[w] {
				tokens = append(tokens, w)
			}
			current = current[:0]
		}
	}

	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current = append(current, r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// CosineSimilarity of two equal-length vectors
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func normalize(v []float32) bool {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return false
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return true
}

// hashString is 64-bit FNV-1a
func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
