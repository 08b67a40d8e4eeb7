package embedding

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	v, err := Normalize([]float32{3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	already, err := Normalize([]float32{0, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, []float32(already))

	_, err = Normalize([]float32{0, 0})
	assert.Error(t, err)
	_, err = Normalize(nil)
	assert.Error(t, err)
	_, err = Normalize([]float32{float32(math.NaN()), 1})
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want string
	}{
		{"short", "hello world", 100, "hello world"},
		{"disabled", "hello world", 0, "hello world"},
		{"word boundary", strings.Repeat("word ", 30), 98, strings.Repeat("word ", 19)},
		{"no boundary in window", strings.Repeat("a", 30), 20, strings.Repeat("a", 20)},
		{"multibyte", "ééééé", 5, "éé"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.text, tt.max)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Truncate(tt.text, tt.max))
		})
	}
}
