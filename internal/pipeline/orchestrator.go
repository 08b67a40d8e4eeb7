// Package pipeline drives documents through fetch, extract, embed and upsert.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dmaharana/docindex/internal/models"
)

type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) (models.RawDocument, error)
}

type Extractor interface {
	Extract(ctx context.Context, path string) models.ExtractedText
}

type Embedder interface {
	Embed(ctx context.Context, text string) (models.EmbeddingVector, error)
	Dimension() int
	Pooling() string
	ModelName() string
}

type Indexer interface {
	EnsureIndex(ctx context.Context, name string, schema models.IndexSchema) error
	Upsert(ctx context.Context, name string, schema models.IndexSchema, id string, doc models.IndexedDocument) (models.WriteResult, error)
}

type Config struct {
	Index         string
	Schema        models.IndexSchema
	FetchTimeout  time.Duration
	EmbedTimeout  time.Duration
	UpsertTimeout time.Duration
}

// Result is the terminal outcome of one document.
type Result struct {
	Ref         models.DocumentRef
	State       models.State
	Stage       models.Stage
	Err         error
	Pages       int
	FailedPages int
	Write       models.WriteResult
	Attempts    int
	Duration    time.Duration
}

// Orchestrator runs the per-document state machine. It holds no per-document
// state and is safe for concurrent use.
type Orchestrator struct {
	fetcher   Fetcher
	extractor Extractor
	embedder  Embedder
	indexer   Indexer
	cfg       Config

	initOnce sync.Once
	initErr  error

	now    func() time.Time
	logger zerolog.Logger
}

func NewOrchestrator(f Fetcher, x Extractor, e Embedder, ix Indexer, cfg Config) *Orchestrator {
	if cfg.Index == "" {
		cfg.Index = models.DefaultIndexName
	}
	return &Orchestrator{
		fetcher:   f,
		extractor: x,
		embedder:  e,
		indexer:   ix,
		cfg:       cfg,
		now:       time.Now,
		logger:    log.With().Str("component", "pipeline").Logger(),
	}
}

// EnsureIndex prepares the target index. Only the first call reaches the
// engine; later calls return the same outcome. An embedder whose vectors do
// not fit the schema fails before the engine is touched.
func (o *Orchestrator) EnsureIndex(ctx context.Context) error {
	o.initOnce.Do(func() {
		if got := o.embedder.Dimension(); got != o.cfg.Schema.Dimension {
			o.initErr = &models.SchemaMismatchError{
				Index: o.cfg.Index,
				Field: "embedding.dimension",
				Want:  strconv.Itoa(o.cfg.Schema.Dimension),
				Got:   strconv.Itoa(got),
			}
			return
		}
		o.initErr = o.indexer.EnsureIndex(ctx, o.cfg.Index, o.cfg.Schema)
	})
	return o.initErr
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Process takes ref from Fetching to a terminal state. Errors are reported
// in the Result, never returned.
func (o *Orchestrator) Process(ctx context.Context, ref models.DocumentRef) (out Result) {
	start := o.now()
	res := Result{Ref: ref, Stage: models.StageInit, Attempts: 1}
	logger := o.logger.With().Str("doc", ref.ID).Str("url", ref.URL).Logger()

	fail := func(stage models.Stage, err error) Result {
		res.State = models.StateFailed
		res.Stage = stage
		res.Err = &models.StageError{Ref: ref, Stage: stage, Err: err}
		res.Duration = o.now().Sub(start)
		logger.Error().Err(err).Str("stage", string(stage)).Str("state", string(res.State)).Msg("Document failed")
		return res
	}
	enter := func(stage models.Stage) {
		res.Stage = stage
		logger.Debug().Str("stage", string(stage)).Msg("Entering stage")
	}
	defer func() {
		if p := recover(); p != nil {
			out = fail(res.Stage, fmt.Errorf("panic: %v", p))
		}
	}()

	if err := o.EnsureIndex(ctx); err != nil {
		return fail(models.StageInit, err)
	}

	enter(models.StageFetching)
	fctx, cancel := withTimeout(ctx, o.cfg.FetchTimeout)
	raw, err := o.fetcher.Fetch(fctx, ref.URL, ref.Path)
	cancel()
	if err != nil {
		return fail(models.StageFetching, models.AsTimeout(models.StageFetching, err))
	}
	raw.Ref = ref

	enter(models.StageExtract)
	text := o.extractor.Extract(ctx, raw.Path)
	res.Pages, res.FailedPages = text.Pages, text.FailedPages
	if err := ctx.Err(); err != nil {
		return fail(models.StageExtract, err)
	}
	if text.Degraded() {
		logger.Warn().Int("failed_pages", text.FailedPages).Int("pages", text.Pages).Msg("Some pages could not be extracted")
	}
	if text.Empty() {
		res.State = models.StateSkipped
		res.Err = models.ErrEmptyContent
		if text.Err != nil {
			res.Err = fmt.Errorf("%w: %v", models.ErrEmptyContent, text.Err)
		}
		res.Duration = o.now().Sub(start)
		logger.Warn().Str("stage", string(res.Stage)).Str("state", string(res.State)).Int("failed_pages", text.FailedPages).Msg("No text extracted, skipping document")
		return res
	}

	enter(models.StageEmbedding)
	ectx, cancel := withTimeout(ctx, o.cfg.EmbedTimeout)
	vec, err := o.embedder.Embed(ectx, text.Content)
	cancel()
	if err != nil {
		return fail(models.StageEmbedding, models.AsTimeout(models.StageEmbedding, err))
	}

	enter(models.StageUpserting)
	doc := models.IndexedDocument{
		Title:       ref.Title,
		TextContent: text.Content,
		Embedding:   vec,
		SourceURL:   ref.URL,
		Pooling:     o.embedder.Pooling(),
		Model:       o.embedder.ModelName(),
		IndexedAt:   o.now().UTC(),
	}
	uctx, cancel := withTimeout(ctx, o.cfg.UpsertTimeout)
	write, err := o.indexer.Upsert(uctx, o.cfg.Index, o.cfg.Schema, ref.ID, doc)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &models.TimeoutError{Stage: models.StageUpserting, Err: err}
		}
		return fail(models.StageUpserting, err)
	}

	res.State = models.StateDone
	res.Write = write
	res.Duration = o.now().Sub(start)
	logger.Info().
		Str("stage", string(res.Stage)).
		Str("state", string(res.State)).
		Str("result", write.Result).
		Int("chars", len(text.Content)).
		Dur("took", res.Duration).
		Msg("Document indexed")
	return res
}
