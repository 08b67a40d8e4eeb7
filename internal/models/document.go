package models

import (
	"fmt"
	"math"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmaharana/docindex/internal/helper"
)

// DocumentRef identifies a document to ingest. It is immutable once built.
type DocumentRef struct {
	ID    string `json:"id" yaml:"id"`
	URL   string `json:"url" yaml:"url"`
	Path  string `json:"path" yaml:"path"`
	Title string `json:"title" yaml:"title"`
}

// NewDocumentRef builds a reference for rawURL stored at dir/<id>/<filename>.
// When filename is empty it is derived from the last URL path segment. The id
// directory keeps documents that share a basename apart on disk.
func NewDocumentRef(rawURL, dir, filename, idStrategy string) (DocumentRef, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return DocumentRef{}, fmt.Errorf("%w: parse url %q: %v", ErrInvalidInput, rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return DocumentRef{}, fmt.Errorf("%w: unsupported url scheme %q", ErrInvalidInput, u.Scheme)
	}
	if u.Host == "" {
		return DocumentRef{}, fmt.Errorf("%w: url %q has no host", ErrInvalidInput, rawURL)
	}

	if filename == "" {
		filename = filenameFromURL(u)
	}
	filename = filepath.Base(filename)
	if filename == "." || filename == ".." || filename == string(filepath.Separator) {
		return DocumentRef{}, fmt.Errorf("%w: invalid filename %q", ErrInvalidInput, filename)
	}

	var id string
	switch idStrategy {
	case "", IDStrategySourceURL:
		id = helper.DocumentID(rawURL)
	case IDStrategyGenerated:
		id, err = helper.GenerateUUID()
		if err != nil {
			return DocumentRef{}, err
		}
	default:
		return DocumentRef{}, fmt.Errorf("%w: unknown id strategy %q", ErrInvalidInput, idStrategy)
	}

	p := filepath.Join(dir, id, filename)
	return DocumentRef{
		ID:    id,
		URL:   rawURL,
		Path:  p,
		Title: filepath.Base(p),
	}, nil
}

func filenameFromURL(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = u.Host
	}
	if path.Ext(name) == "" || !isKnownExt(path.Ext(name)) {
		name += pdfExt
	}
	return name
}

func isKnownExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".pdf", ".docx", ".pptx", ".xlsx", ".xlsm", ".xltx", ".md", ".txt":
		return true
	}
	return false
}

// RawDocument is a fetched document on local durable storage.
type RawDocument struct {
	Ref  DocumentRef
	Path string
	Size int64
}

// PageResult is the outcome of extracting a single page.
type PageResult struct {
	Number int
	Text   string
	Err    error
}

// Failed reports whether the page could not be extracted.
func (p PageResult) Failed() bool { return p.Err != nil }

// ExtractedText is the concatenated text of a document.
type ExtractedText struct {
	Content     string
	Pages       int
	FailedPages int
	// Err records why the document structure could not be opened at all.
	Err error
}

// Empty reports whether there is nothing worth embedding.
func (t ExtractedText) Empty() bool {
	return strings.TrimSpace(t.Content) == ""
}

// Degraded reports that some pages failed but text was still recovered.
func (t ExtractedText) Degraded() bool {
	return t.FailedPages > 0 && !t.Empty()
}

// NewExtractedText aggregates page results in page order.
func NewExtractedText(pages []PageResult) ExtractedText {
	var b strings.Builder
	out := ExtractedText{Pages: len(pages)}
	for _, p := range pages {
		if p.Failed() {
			out.FailedPages++
			continue
		}
		b.WriteString(p.Text)
	}
	out.Content = b.String()
	return out
}

// EmbeddingVector is a fixed-length, L2-normalized sentence vector.
type EmbeddingVector []float32

// Norm returns the Euclidean length of the vector.
func (v EmbeddingVector) Norm() float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// IndexedDocument is the unit persisted in the search index.
type IndexedDocument struct {
	Title       string          `json:"title"`
	TextContent string          `json:"text_content"`
	Embedding   EmbeddingVector `json:"embedding"`
	SourceURL   string          `json:"source_url,omitempty"`
	Pooling     string          `json:"pooling,omitempty"`
	Model       string          `json:"model,omitempty"`
	IndexedAt   time.Time       `json:"indexed_at"`
}

// WriteResult is the engine acknowledgement of an upsert.
type WriteResult struct {
	ID     string `json:"_id"`
	Result string `json:"result"`
}
