package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/dmaharana/docindex/internal/chromemdb"
	"github.com/dmaharana/docindex/internal/config"
	"github.com/dmaharana/docindex/internal/db"
	"github.com/dmaharana/docindex/internal/embedding"
	"github.com/dmaharana/docindex/internal/fetcher"
	"github.com/dmaharana/docindex/internal/index"
	"github.com/dmaharana/docindex/internal/models"
	"github.com/dmaharana/docindex/internal/opensearch"
	"github.com/dmaharana/docindex/internal/parser"
	"github.com/dmaharana/docindex/internal/pipeline"
)

// Manifest lists documents to ingest.
type Manifest struct {
	Documents []ManifestEntry `yaml:"documents"`
}

type ManifestEntry struct {
	URL      string `yaml:"url"`
	Filename string `yaml:"filename"`
}

func loadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// buildRefs combines positional URLs and manifest entries, dropping repeated
// URLs. Two refs never share a destination file, and every destination has
// an extractor.
func buildRefs(cfg *config.Config, urls []string, manifest Manifest) ([]models.DocumentRef, error) {
	entries := make([]ManifestEntry, 0, len(urls)+len(manifest.Documents))
	for _, u := range urls {
		entries = append(entries, ManifestEntry{URL: u})
	}
	entries = append(entries, manifest.Documents...)

	extractor := parser.New()
	seen := map[string]bool{}
	paths := map[string]string{}
	var refs []models.DocumentRef
	for _, e := range entries {
		if seen[e.URL] {
			continue
		}
		seen[e.URL] = true
		ref, err := models.NewDocumentRef(e.URL, cfg.Fetch.Dir, e.Filename, cfg.Index.IDStrategy)
		if err != nil {
			return nil, err
		}
		if !extractor.Supported(ref.Path) {
			return nil, fmt.Errorf("%w: %s: no extractor for %q", models.ErrInvalidInput, e.URL, filepath.Ext(ref.Path))
		}
		if other, ok := paths[ref.Path]; ok {
			return nil, fmt.Errorf("%w: %s and %s resolve to the same file %s", models.ErrInvalidInput, other, e.URL, ref.Path)
		}
		paths[ref.Path] = e.URL
		refs = append(refs, ref)
	}
	return refs, nil
}

func newBackend(cfg *config.Config) (index.Backend, error) {
	switch cfg.Index.Backend {
	case config.BackendOpenSearch:
		return opensearch.New(opensearch.Config{
			Addresses:   []string{cfg.OpenSearch.Address()},
			Username:    cfg.OpenSearch.Username,
			Password:    cfg.OpenSearch.Password,
			VerifyCerts: cfg.OpenSearch.VerifyCerts,
			Compress:    cfg.OpenSearch.Compress,
			Timeout:     cfg.OpenSearch.Timeout,
		})
	case config.BackendChromem:
		return chromemdb.New(chromemdb.Config{
			Path:     cfg.Chromem.Path,
			Compress: cfg.Chromem.Compress,
			InMemory: cfg.Chromem.InMemory,
		})
	case config.BackendPGVector:
		sqldb := db.ConnectDB(cfg.Database.DSN, cfg.Database.Password)
		return db.New(db.NewDB(sqldb, cfg.Database.Debug), db.Config{
			TextField:   cfg.Index.Schema.TextField,
			VectorField: cfg.Index.Schema.VectorField,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown index backend %q", models.ErrInvalidInput, cfg.Index.Backend)
	}
}

func newEmbeddingClient(cfg *config.Config) (*embedding.Client, error) {
	var (
		model embedding.Model
		err   error
	)
	switch cfg.Embedding.Provider {
	case config.ProviderOllama:
		model, err = embedding.NewOllamaModel(cfg.Embedding.BaseURL, cfg.Embedding.Model)
	case config.ProviderOpenAI:
		model, err = embedding.NewOpenAIModel(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model)
	default:
		err = fmt.Errorf("%w: unknown embedding provider %q", models.ErrInvalidInput, cfg.Embedding.Provider)
	}
	if err != nil {
		return nil, err
	}
	return embedding.NewClient(model, embedding.Config{
		ModelName:     cfg.Embedding.Model,
		Pooling:       cfg.Embedding.Pooling,
		Dimension:     cfg.Index.Schema.Dimension,
		MaxInputChars: cfg.Embedding.MaxInputChars,
		MaxConcurrent: cfg.Embedding.MaxConcurrent,
		Timeout:       cfg.Embedding.Timeout,
	})
}

func newFetcher(cfg *config.Config) *fetcher.Fetcher {
	return fetcher.New(fetcher.Config{
		ChunkSize:     cfg.Fetch.ChunkSize,
		Timeout:       cfg.Fetch.Timeout,
		RatePerSecond: cfg.Fetch.RatePerSecond,
		Burst:         cfg.Fetch.Burst,
		UserAgent:     cfg.Fetch.UserAgent,
	}, nil)
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Index:         cfg.Index.Name,
		Schema:        cfg.Index.Schema,
		FetchTimeout:  cfg.Fetch.Timeout,
		EmbedTimeout:  cfg.Embedding.Timeout,
		UpsertTimeout: cfg.Pipeline.UpsertTimeout,
	}
}
