package embedding

import (
	"errors"
	"math"
	"unicode"
	"unicode/utf8"

	"github.com/dmaharana/docindex/internal/models"
)

// Normalize scales v to unit L2 norm. Zero and non-finite vectors cannot be
// normalized and are rejected.
func Normalize(v []float32) (models.EmbeddingVector, error) {
	if len(v) == 0 {
		return nil, errors.New("empty vector")
	}
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.New("vector contains non-finite values")
		}
		sum += f * f
	}
	if sum == 0 {
		return nil, errors.New("zero vector cannot be normalized")
	}
	norm := math.Sqrt(sum)
	out := make(models.EmbeddingVector, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

// Truncate cuts text to at most maxChars bytes, backing off to the last
// whitespace so words are not split. The result depends only on its inputs.
// maxChars <= 0 disables truncation.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	// look back at most 10% for a word boundary
	floor := cut - maxChars/10
	for i := cut; i > floor && i > 0; i-- {
		r, _ := utf8.DecodeLastRuneInString(text[:i])
		if unicode.IsSpace(r) {
			return text[:i]
		}
	}
	return text[:cut]
}
