// Package parser extracts plain text from downloaded documents page by page.
package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dmaharana/docindex/internal/models"
)

// pageSource yields the text of numbered pages, starting at 1.
type pageSource interface {
	NumPage() int
	PageText(num int) (string, error)
}

// opener builds a pageSource for a file. An error means the document
// structure itself could not be read.
type opener func(path string) (pageSource, func() error, error)

// Extractor turns a local document into ExtractedText. It never fails:
// unreadable documents produce empty text, unreadable pages are counted.
type Extractor struct {
	openers map[string]opener
	logger  zerolog.Logger
}

func New() *Extractor {
	return &Extractor{
		openers: map[string]opener{
			".pdf":  openPDF,
			".docx": openDOCX,
			".pptx": openPPTX,
			".xlsx": openXLSX,
			".xlsm": openWorkbook,
			".xltx": openWorkbook,
			".md":   openMarkdown,
			".txt":  openText,
		},
		logger: log.With().Str("component", "extractor").Logger(),
	}
}

// Supported reports whether the extension of path has an extractor.
func (e *Extractor) Supported(path string) bool {
	_, ok := e.openers[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (e *Extractor) Extract(ctx context.Context, path string) models.ExtractedText {
	ext := strings.ToLower(filepath.Ext(path))
	open, ok := e.openers[ext]
	if !ok {
		err := fmt.Errorf("unsupported file format: %s", ext)
		e.logger.Error().Err(err).Str("path", path).Msg("Error extracting text")
		return models.ExtractedText{Err: err}
	}

	src, closeFn, err := safeOpen(open, path)
	if err != nil {
		e.logger.Error().Err(err).Str("path", path).Msg("Error extracting text")
		return models.ExtractedText{Err: err}
	}
	if closeFn != nil {
		defer closeFn()
	}

	pages, err := readPages(ctx, src)
	if err != nil {
		e.logger.Error().Err(err).Str("path", path).Msg("Error extracting text")
		return models.ExtractedText{Err: err}
	}
	out := models.NewExtractedText(pages)
	for _, p := range pages {
		if p.Failed() {
			e.logger.Warn().Err(p.Err).Str("path", path).Int("page", p.Number).Msg("Page extraction failed")
		}
	}
	e.logger.Debug().
		Str("path", path).
		Int("pages", out.Pages).
		Int("failed_pages", out.FailedPages).
		Int("chars", len(out.Content)).
		Msg("Extracted text")
	return out
}

func safeOpen(open opener, path string) (src pageSource, closeFn func() error, err error) {
	defer func() {
		if r := recover(); r != nil {
			src, closeFn = nil, nil
			err = fmt.Errorf("malformed document: %v", r)
		}
	}()
	return open(path)
}

// pageCount reads the declared page count, which comes straight from the
// file and cannot be trusted.
func pageCount(src pageSource) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("malformed document: %v", r)
		}
	}()
	n = src.NumPage()
	if n < 0 {
		return 0, fmt.Errorf("malformed document: page count %d", n)
	}
	return n, nil
}

// readPages extracts every page in order. A failing page contributes an
// empty result with its reason and never stops the loop. An unreadable page
// count is a structure failure.
func readPages(ctx context.Context, src pageSource) ([]models.PageResult, error) {
	n, err := pageCount(src)
	if err != nil {
		return nil, err
	}
	var pages []models.PageResult
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			pages = append(pages, models.PageResult{Number: i, Err: err})
			continue
		}
		pages = append(pages, readPage(src, i))
	}
	return pages, nil
}

func readPage(src pageSource, num int) (res models.PageResult) {
	res.Number = num
	defer func() {
		if r := recover(); r != nil {
			res.Text = ""
			res.Err = fmt.Errorf("page %d: %v", num, r)
		}
	}()
	text, err := src.PageText(num)
	if err != nil {
		res.Err = fmt.Errorf("page %d: %w", num, err)
		return res
	}
	res.Text = text
	return res
}

// textPages is a pageSource over already-extracted page strings.
type textPages []string

func (t textPages) NumPage() int { return len(t) }

func (t textPages) PageText(num int) (string, error) {
	if num < 1 || num > len(t) {
		return "", fmt.Errorf("page %d out of range", num)
	}
	return t[num-1], nil
}
