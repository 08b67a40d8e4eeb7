package models

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDocumentRef(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		filename  string
		wantTitle string
	}{
		{"explicit filename", "https://arxiv.org/pdf/1706.03762", "attention_is_all_you_need.pdf", "attention_is_all_you_need.pdf"},
		{"derived without extension", "https://arxiv.org/pdf/1706.03762", "", "1706.03762.pdf"},
		{"derived with extension", "https://cdn.example.com/papers/card.pdf", "", "card.pdf"},
		{"host only", "https://example.com/", "", "example.com.pdf"},
		{"filename with directories", "https://example.com/a.pdf", "../../etc/b.pdf", "b.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := NewDocumentRef(tt.url, "pdfs", tt.filename, "")
			require.NoError(t, err)
			assert.Equal(t, tt.wantTitle, ref.Title)
			assert.Equal(t, filepath.Join("pdfs", ref.ID, tt.wantTitle), ref.Path)
			assert.Equal(t, tt.url, ref.URL)
			assert.NotEmpty(t, ref.ID)
		})
	}
}

func TestNewDocumentRef_IDStrategies(t *testing.T) {
	a, err := NewDocumentRef("https://arxiv.org/pdf/1706.03762", "pdfs", "", IDStrategySourceURL)
	require.NoError(t, err)
	b, err := NewDocumentRef("https://arxiv.org/pdf/1706.03762", "other", "x.pdf", IDStrategySourceURL)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID, "same url must map to same id")

	g1, err := NewDocumentRef("https://arxiv.org/pdf/1706.03762", "pdfs", "", IDStrategyGenerated)
	require.NoError(t, err)
	g2, err := NewDocumentRef("https://arxiv.org/pdf/1706.03762", "pdfs", "", IDStrategyGenerated)
	require.NoError(t, err)
	assert.NotEqual(t, g1.ID, g2.ID)

	_, err = NewDocumentRef("https://arxiv.org/pdf/1706.03762", "pdfs", "", "bogus")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewDocumentRef_SameBasenameDistinctPaths(t *testing.T) {
	a, err := NewDocumentRef("https://a.example.com/x/paper.pdf", "pdfs", "", "")
	require.NoError(t, err)
	b, err := NewDocumentRef("https://b.example.com/y/paper.pdf", "pdfs", "", "")
	require.NoError(t, err)

	assert.Equal(t, "paper.pdf", a.Title)
	assert.Equal(t, "paper.pdf", b.Title)
	assert.NotEqual(t, a.Path, b.Path)
}

func TestNewDocumentRef_InvalidFilename(t *testing.T) {
	for _, name := range []string{"..", ".", "/", "a/.."} {
		_, err := NewDocumentRef("https://example.com/a.pdf", "pdfs", name, "")
		assert.ErrorIs(t, err, ErrInvalidInput, name)
	}
}

func TestNewDocumentRef_InvalidURL(t *testing.T) {
	for _, u := range []string{"ftp://example.com/a.pdf", "not a url", "https:///a.pdf", "://"} {
		_, err := NewDocumentRef(u, "pdfs", "", "")
		assert.ErrorIs(t, err, ErrInvalidInput, u)
	}
}

func TestNewExtractedText(t *testing.T) {
	pages := []PageResult{
		{Number: 1, Text: "one "},
		{Number: 2, Err: errors.New("bad page")},
		{Number: 3, Text: "three"},
	}
	got := NewExtractedText(pages)
	assert.Equal(t, "one three", got.Content)
	assert.Equal(t, 3, got.Pages)
	assert.Equal(t, 1, got.FailedPages)
	assert.True(t, got.Degraded())
	assert.False(t, got.Empty())

	empty := NewExtractedText([]PageResult{{Number: 1, Text: "  \n"}, {Number: 2, Err: errors.New("x")}})
	assert.True(t, empty.Empty())
	assert.False(t, empty.Degraded())
}

func TestEmbeddingVectorNorm(t *testing.T) {
	assert.InDelta(t, 5.0, EmbeddingVector{3, 4}.Norm(), 1e-9)
	assert.Zero(t, EmbeddingVector{}.Norm())
}
