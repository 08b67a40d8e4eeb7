package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmaharana/docindex/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "documents", cfg.Index.Name)
	assert.Equal(t, BackendOpenSearch, cfg.Index.Backend)
	assert.Equal(t, models.DefaultSchema(), cfg.Index.Schema)
	assert.Equal(t, "localhost", cfg.OpenSearch.Host)
	assert.Equal(t, 9200, cfg.OpenSearch.Port)
	assert.Equal(t, "admin", cfg.OpenSearch.Username)
	assert.Equal(t, "./pdfs", cfg.Fetch.Dir)
	assert.Equal(t, 8192, cfg.Fetch.ChunkSize)
	assert.Equal(t, models.PoolingCLS, cfg.Embedding.Pooling)
	assert.Equal(t, 1, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, "http://localhost:9200", cfg.OpenSearch.Address())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
index:
  name: papers
  backend: chromem
  schema:
    dimension: 768
    space_type: cosinesimil
opensearch:
  host: search.internal
  use_ssl: true
embedding:
  provider: openai
  model: text-embedding-3-small
  timeout: 15s
pipeline:
  workers: 8
  max_attempts: 3
  retry_delay: 250ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "papers", cfg.Index.Name)
	assert.Equal(t, BackendChromem, cfg.Index.Backend)
	assert.Equal(t, 768, cfg.Index.Schema.Dimension)
	assert.Equal(t, "cosinesimil", cfg.Index.Schema.SpaceType)
	assert.Equal(t, "embedding", cfg.Index.Schema.VectorField)
	assert.Equal(t, "https://search.internal:9200", cfg.OpenSearch.Address())
	assert.Equal(t, ProviderOpenAI, cfg.Embedding.Provider)
	assert.Equal(t, 15*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.RetryDelay)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OPENSEARCH_HOST", "os.example")
	t.Setenv("OPENSEARCH_PORT", "9201")
	t.Setenv("OPENSEARCH_AUTH_USERNAME", "ingest")
	t.Setenv("OPENSEARCH_AUTH_PASSWORD", "secret")
	t.Setenv("EMBEDDING_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "os.example", cfg.OpenSearch.Host)
	assert.Equal(t, 9201, cfg.OpenSearch.Port)
	assert.Equal(t, "ingest", cfg.OpenSearch.Username)
	assert.Equal(t, "secret", cfg.OpenSearch.Password)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
}

func TestLoad_BadPort(t *testing.T) {
	t.Setenv("OPENSEARCH_PORT", "nine")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "index: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Index.Backend = "solr" }},
		{"pgvector without dsn", func(c *Config) { c.Index.Backend = BackendPGVector }},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "torch" }},
		{"mean pooling", func(c *Config) { c.Embedding.Pooling = "mean" }},
		{"zero dimension", func(c *Config) { c.Index.Schema.Dimension = -1 }},
		{"id strategy", func(c *Config) { c.Index.IDStrategy = "hash" }},
		{"workers", func(c *Config) { c.Pipeline.Workers = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), models.ErrInvalidInput)
		})
	}

	cfg := Default()
	cfg.Index.Backend = BackendPGVector
	cfg.Database.DSN = "postgres://localhost/docs"
	assert.NoError(t, cfg.Validate())
}
