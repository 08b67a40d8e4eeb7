package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmaharana/docindex/internal/chromemdb"
	"github.com/dmaharana/docindex/internal/embedding"
	"github.com/dmaharana/docindex/internal/fetcher"
	"github.com/dmaharana/docindex/internal/index"
	"github.com/dmaharana/docindex/internal/models"
	"github.com/dmaharana/docindex/internal/parser"
	"github.com/dmaharana/docindex/internal/testutil"
)

type fakeFetcher struct {
	calls atomic.Int32
	fn    func(url, dest string) (models.RawDocument, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, url, dest string) (models.RawDocument, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(url, dest)
	}
	return models.RawDocument{Path: dest}, nil
}

type fakeExtractor struct {
	calls atomic.Int32
	text  models.ExtractedText
}

func (f *fakeExtractor) Extract(context.Context, string) models.ExtractedText {
	f.calls.Add(1)
	return f.text
}

type fakeEmbedder struct {
	calls atomic.Int32
	err   error
	dim   int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) (models.EmbeddingVector, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	v := make(models.EmbeddingVector, f.dim)
	v[0] = 1
	return v, nil
}

func (f *fakeEmbedder) Dimension() int    { return f.dim }
func (f *fakeEmbedder) Pooling() string   { return models.PoolingCLS }
func (f *fakeEmbedder) ModelName() string { return "fake" }

type fakeIndexer struct {
	mu         sync.Mutex
	ensures    int
	upserts    int
	ensureErr  error
	upsertErrs []error
	docs       map[string]models.IndexedDocument
}

func (f *fakeIndexer) EnsureIndex(context.Context, string, models.IndexSchema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	return f.ensureErr
}

func (f *fakeIndexer) Upsert(_ context.Context, _ string, _ models.IndexSchema, id string, doc models.IndexedDocument) (models.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if len(f.upsertErrs) > 0 {
		err := f.upsertErrs[0]
		f.upsertErrs = f.upsertErrs[1:]
		if err != nil {
			return models.WriteResult{}, err
		}
	}
	if f.docs == nil {
		f.docs = map[string]models.IndexedDocument{}
	}
	f.docs[id] = doc
	return models.WriteResult{ID: id, Result: "created"}, nil
}

func testRef(t *testing.T, url string) models.DocumentRef {
	t.Helper()
	ref, err := models.NewDocumentRef(url, t.TempDir(), "", models.IDStrategySourceURL)
	require.NoError(t, err)
	return ref
}

func textOf(s string) models.ExtractedText {
	return models.NewExtractedText([]models.PageResult{{Number: 1, Text: s}})
}

func testConfig() Config {
	return Config{Index: "documents", Schema: models.DefaultSchema(), UpsertTimeout: time.Second}
}

func TestProcess_Done(t *testing.T) {
	f, x := &fakeFetcher{}, &fakeExtractor{text: textOf("hello world")}
	e, ix := &fakeEmbedder{dim: 384}, &fakeIndexer{}
	o := NewOrchestrator(f, x, e, ix, testConfig())
	ref := testRef(t, "https://example.com/paper.pdf")

	res := o.Process(context.Background(), ref)

	require.NoError(t, res.Err)
	assert.Equal(t, models.StateDone, res.State)
	assert.Equal(t, "created", res.Write.Result)
	doc := ix.docs[ref.ID]
	assert.Equal(t, "paper.pdf", doc.Title)
	assert.Equal(t, "hello world", doc.TextContent)
	assert.Equal(t, "https://example.com/paper.pdf", doc.SourceURL)
	assert.Equal(t, models.PoolingCLS, doc.Pooling)
}

func TestProcess_EmptyTextIsSkipped(t *testing.T) {
	f := &fakeFetcher{}
	x := &fakeExtractor{text: models.NewExtractedText([]models.PageResult{
		{Number: 1, Text: "  \n"},
		{Number: 2, Err: errors.New("bad page")},
	})}
	e, ix := &fakeEmbedder{dim: 384}, &fakeIndexer{}
	o := NewOrchestrator(f, x, e, ix, testConfig())

	res := o.Process(context.Background(), testRef(t, "https://example.com/scan.pdf"))

	assert.Equal(t, models.StateSkipped, res.State)
	assert.ErrorIs(t, res.Err, models.ErrEmptyContent)
	assert.Equal(t, models.StageExtract, res.Stage)
	assert.Equal(t, 1, res.FailedPages)
	assert.Zero(t, e.calls.Load())
	assert.Zero(t, ix.upserts)
}

func TestProcess_FetchFailureStopsPipeline(t *testing.T) {
	f := &fakeFetcher{fn: func(url, _ string) (models.RawDocument, error) {
		return models.RawDocument{}, &models.TransferError{URL: url, Err: errors.New("connection refused")}
	}}
	x, e, ix := &fakeExtractor{text: textOf("x")}, &fakeEmbedder{dim: 384}, &fakeIndexer{}
	o := NewOrchestrator(f, x, e, ix, testConfig())

	res := o.Process(context.Background(), testRef(t, "https://unreachable.invalid/a.pdf"))

	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, models.StageFetching, res.Stage)
	var se *models.StageError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, models.StageFetching, se.Stage)
	var te *models.TransferError
	assert.ErrorAs(t, res.Err, &te)
	assert.Zero(t, x.calls.Load())
	assert.Zero(t, e.calls.Load())
	assert.Zero(t, ix.upserts)
}

func TestProcess_EmbeddingFailure(t *testing.T) {
	e := &fakeEmbedder{dim: 384, err: &models.EmbeddingError{Err: errors.New("model unavailable")}}
	ix := &fakeIndexer{}
	o := NewOrchestrator(&fakeFetcher{}, &fakeExtractor{text: textOf("x")}, e, ix, testConfig())

	res := o.Process(context.Background(), testRef(t, "https://example.com/a.pdf"))

	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, models.StageEmbedding, res.Stage)
	var ee *models.EmbeddingError
	assert.ErrorAs(t, res.Err, &ee)
	assert.Zero(t, ix.upserts)
}

func TestProcess_EnsureIndexRunsOnce(t *testing.T) {
	ix := &fakeIndexer{}
	o := NewOrchestrator(&fakeFetcher{}, &fakeExtractor{text: textOf("x")}, &fakeEmbedder{dim: 384}, ix, testConfig())

	ref := testRef(t, "https://example.com/a.pdf")
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Process(context.Background(), ref)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ix.ensures)
	assert.Equal(t, 5, ix.upserts)
}

func TestProcess_InitFailure(t *testing.T) {
	f := &fakeFetcher{}
	ix := &fakeIndexer{ensureErr: &models.SchemaMismatchError{Index: "documents", Field: "embedding.dimension", Want: "384", Got: "768"}}
	o := NewOrchestrator(f, &fakeExtractor{}, &fakeEmbedder{dim: 384}, ix, testConfig())

	res := o.Process(context.Background(), testRef(t, "https://example.com/a.pdf"))

	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, models.StageInit, res.Stage)
	var sm *models.SchemaMismatchError
	assert.ErrorAs(t, res.Err, &sm)
	assert.Zero(t, f.calls.Load())
}

func TestProcess_EmbedderDimensionMismatch(t *testing.T) {
	f, ix := &fakeFetcher{}, &fakeIndexer{}
	o := NewOrchestrator(f, &fakeExtractor{text: textOf("x")}, &fakeEmbedder{dim: 768}, ix, testConfig())

	res := o.Process(context.Background(), testRef(t, "https://example.com/a.pdf"))

	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, models.StageInit, res.Stage)
	var sm *models.SchemaMismatchError
	require.ErrorAs(t, res.Err, &sm)
	assert.Equal(t, "768", sm.Got)
	assert.Zero(t, ix.ensures)
	assert.Zero(t, f.calls.Load())
}

func TestProcess_FetchTimeout(t *testing.T) {
	f := &fakeFetcher{fn: func(string, string) (models.RawDocument, error) {
		return models.RawDocument{}, context.DeadlineExceeded
	}}
	o := NewOrchestrator(f, &fakeExtractor{}, &fakeEmbedder{dim: 384}, &fakeIndexer{}, testConfig())

	res := o.Process(context.Background(), testRef(t, "https://example.com/a.pdf"))

	var to *models.TimeoutError
	require.ErrorAs(t, res.Err, &to)
	assert.Equal(t, models.StageFetching, to.Stage)
}

func TestProcess_UpsertRejected(t *testing.T) {
	ix := &fakeIndexer{upsertErrs: []error{&models.IndexWriteError{Index: "documents", Status: http.StatusBadRequest, Err: errors.New("mapper_parsing_exception")}}}
	o := NewOrchestrator(&fakeFetcher{}, &fakeExtractor{text: textOf("x")}, &fakeEmbedder{dim: 384}, ix, testConfig())

	res := o.Process(context.Background(), testRef(t, "https://example.com/a.pdf"))

	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, models.StageUpserting, res.Stage)
	var we *models.IndexWriteError
	require.ErrorAs(t, res.Err, &we)
	assert.Equal(t, http.StatusBadRequest, we.Status)
	assert.Equal(t, 1, ix.upserts)
}

func TestProcess_UpsertTimeout(t *testing.T) {
	ix := &fakeIndexer{upsertErrs: []error{context.DeadlineExceeded}}
	o := NewOrchestrator(&fakeFetcher{}, &fakeExtractor{text: textOf("x")}, &fakeEmbedder{dim: 384}, ix, testConfig())

	res := o.Process(context.Background(), testRef(t, "https://example.com/a.pdf"))

	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, models.StageUpserting, res.Stage)
	var to *models.TimeoutError
	require.ErrorAs(t, res.Err, &to)
	assert.Equal(t, models.StageUpserting, to.Stage)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

type panickyEmbedder struct{ fakeEmbedder }

func (*panickyEmbedder) Embed(context.Context, string) (models.EmbeddingVector, error) {
	panic("tokenizer state corrupted")
}

func TestProcess_PanicFailsAtCurrentStage(t *testing.T) {
	ix := &fakeIndexer{}
	o := NewOrchestrator(&fakeFetcher{}, &fakeExtractor{text: textOf("x")}, &panickyEmbedder{fakeEmbedder{dim: 384}}, ix, testConfig())

	var res Result
	require.NotPanics(t, func() {
		res = o.Process(context.Background(), testRef(t, "https://example.com/a.pdf"))
	})

	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, models.StageEmbedding, res.Stage)
	assert.ErrorContains(t, res.Err, "tokenizer state corrupted")
	var se *models.StageError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, models.StageEmbedding, se.Stage)
	assert.Zero(t, ix.upserts)
}

// hashModel is a deterministic stand-in for the sentence model.
type hashModel struct{ dim int }

func (m hashModel) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()
	v := make([]float32, m.dim)
	for i := range v {
		seed = seed*1664525 + 1013904223
		v[i] = float32(seed%1000)/100.0 + 0.01
	}
	return v, nil
}

func TestEndToEnd_SinglePagePDF(t *testing.T) {
	pdf := testutil.BuildPDF("Attention Is All You Need")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(pdf)
	}))
	defer srv.Close()

	client, err := embedding.NewClient(hashModel{dim: models.DefaultDimension}, embedding.Config{
		ModelName: "bge-small-en-v1.5", Dimension: models.DefaultDimension, MaxInputChars: 2000,
	})
	require.NoError(t, err)
	backend, err := chromemdb.New(chromemdb.Config{InMemory: true})
	require.NoError(t, err)

	o := NewOrchestrator(
		fetcher.New(fetcher.Config{}, srv.Client()),
		parser.New(),
		client,
		index.NewManager(backend),
		Config{Index: "documents", Schema: models.DefaultSchema(), UpsertTimeout: 5 * time.Second},
	)

	dir := t.TempDir()
	ref, err := models.NewDocumentRef(srv.URL+"/papers/1706.03762", dir, "attention_is_all_you_need.pdf", models.IDStrategySourceURL)
	require.NoError(t, err)

	res := o.Process(context.Background(), ref)

	require.NoError(t, res.Err)
	assert.Equal(t, models.StateDone, res.State)
	assert.Equal(t, "created", res.Write.Result)
	assert.Equal(t, ref.ID, res.Write.ID)
	assert.Equal(t, "attention_is_all_you_need.pdf", ref.Title)
	assert.Equal(t, 1, backend.Count("documents"))
	assert.FileExists(t, ref.Path)
	assert.Equal(t, filepath.Join(dir, ref.ID, "attention_is_all_you_need.pdf"), ref.Path)

	// a second run with the same source URL overwrites the same entry
	res = o.Process(context.Background(), ref)
	require.NoError(t, res.Err)
	assert.Equal(t, "updated", res.Write.Result)
	assert.Equal(t, 1, backend.Count("documents"))
}

func TestEndToEnd_UnreachableURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/gone.pdf"
	srv.Close()

	ix := &fakeIndexer{}
	e := &fakeEmbedder{dim: 384}
	o := NewOrchestrator(fetcher.New(fetcher.Config{Timeout: time.Second}, nil), parser.New(), e, ix, testConfig())

	dir := t.TempDir()
	ref, err := models.NewDocumentRef(url, dir, "", models.IDStrategySourceURL)
	require.NoError(t, err)
	res := o.Process(context.Background(), ref)

	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, models.StageFetching, res.Stage)
	assert.Zero(t, e.calls.Load())
	assert.Zero(t, ix.upserts)
	_, statErr := os.Stat(ref.Path)
	assert.True(t, os.IsNotExist(statErr))
}
