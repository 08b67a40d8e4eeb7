// Package fetcher downloads remote documents to local storage.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dmaharana/docindex/internal/helper"
	"github.com/dmaharana/docindex/internal/models"
)

const (
	defaultChunkSize = 8192
	partSuffix       = ".part"
)

// Config configures a Fetcher.
type Config struct {
	ChunkSize     int
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	UserAgent     string
}

// Fetcher streams HTTP(S) bodies to disk. It never retries.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	chunkSize int
	userAgent string
	logger    zerolog.Logger
}

// New creates a Fetcher. A nil client uses a client with cfg.Timeout.
func New(cfg Config, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Fetcher{
		client:    client,
		limiter:   limiter,
		chunkSize: chunk,
		userAgent: cfg.UserAgent,
		logger:    log.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch downloads url into dest. The body is written to dest+".part" and
// renamed into place only after the whole body arrived, so a failed or
// aborted transfer never leaves a truncated file at dest.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string) (models.RawDocument, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return models.RawDocument{}, transferErr(url, 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.RawDocument{}, fmt.Errorf("%w: build request: %v", models.ErrInvalidInput, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return models.RawDocument{}, transferErr(url, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return models.RawDocument{}, &models.TransferError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	if err := helper.CreateFolder(filepath.Dir(dest)); err != nil {
		return models.RawDocument{}, err
	}

	part := dest + partSuffix
	size, err := f.stream(resp.Body, part)
	if err != nil {
		f.logger.Warn().Err(err).Str("url", url).Str("part", part).Msg("Transfer aborted, partial file left on disk")
		return models.RawDocument{}, transferErr(url, 0, err)
	}
	if err := os.Rename(part, dest); err != nil {
		return models.RawDocument{}, fmt.Errorf("move %s into place: %w", part, err)
	}

	f.logger.Info().Str("url", url).Str("path", dest).Int64("bytes", size).Msg("Downloaded document")
	return models.RawDocument{Path: dest, Size: size}, nil
}

func (f *Fetcher) stream(body io.Reader, path string) (int64, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, f.chunkSize)
	n, err := io.CopyBuffer(onlyWriter{out}, onlyReader{body}, buf)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}

// onlyReader and onlyWriter hide WriterTo/ReaderFrom so CopyBuffer really
// moves the body through the bounded buffer.
type onlyReader struct{ io.Reader }

type onlyWriter struct{ io.Writer }

func transferErr(url string, status int, err error) error {
	te := &models.TransferError{URL: url, StatusCode: status, Err: err}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &models.TimeoutError{Stage: models.StageFetching, Err: te}
	}
	return te
}
