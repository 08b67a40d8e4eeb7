package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dmaharana/docindex/internal/models"
)

const (
	BackendOpenSearch = "opensearch"
	BackendChromem    = "chromem"
	BackendPGVector   = "pgvector"

	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type Config struct {
	Index      IndexConfig      `yaml:"index"`
	OpenSearch OpenSearchConfig `yaml:"opensearch"`
	Chromem    ChromemConfig    `yaml:"chromem"`
	Database   DatabaseConfig   `yaml:"database"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Log        LogConfig        `yaml:"log"`
}

type IndexConfig struct {
	Name       string             `yaml:"name"`
	Backend    string             `yaml:"backend"`
	IDStrategy string             `yaml:"id_strategy"`
	Schema     models.IndexSchema `yaml:"schema"`
}

type OpenSearchConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	UseSSL      bool          `yaml:"use_ssl"`
	VerifyCerts bool          `yaml:"verify_certs"`
	Compress    bool          `yaml:"compress"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Address returns the base URL of the engine.
func (c OpenSearchConfig) Address() string {
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

type ChromemConfig struct {
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
	InMemory bool   `yaml:"in_memory"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

type EmbeddingConfig struct {
	Provider      string        `yaml:"provider"`
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"api_key"`
	Pooling       string        `yaml:"pooling"`
	MaxInputChars int           `yaml:"max_input_chars"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
}

type FetchConfig struct {
	Dir           string        `yaml:"dir"`
	ChunkSize     int           `yaml:"chunk_size"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	UserAgent     string        `yaml:"user_agent"`
}

type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	UpsertTimeout time.Duration `yaml:"upsert_timeout"`
}

type LedgerConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML config at path. A missing file yields defaults. Values
// from the environment (and a .env file when present) override the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Index.Name == "" {
		cfg.Index.Name = models.DefaultIndexName
	}
	if cfg.Index.Backend == "" {
		cfg.Index.Backend = BackendOpenSearch
	}
	if cfg.Index.IDStrategy == "" {
		cfg.Index.IDStrategy = models.IDStrategySourceURL
	}
	def := models.DefaultSchema()
	s := &cfg.Index.Schema
	if s.TextField == "" {
		s.TextField = def.TextField
	}
	if s.VectorField == "" {
		s.VectorField = def.VectorField
	}
	if s.Dimension == 0 {
		s.Dimension = def.Dimension
	}
	if s.SpaceType == "" {
		s.SpaceType = def.SpaceType
	}
	if s.Method == "" {
		s.Method = def.Method
	}
	if s.Engine == "" {
		s.Engine = def.Engine
	}
	if s.TotalFieldsLimit == 0 {
		s.TotalFieldsLimit = def.TotalFieldsLimit
	}

	if cfg.OpenSearch.Host == "" {
		cfg.OpenSearch.Host = "localhost"
	}
	if cfg.OpenSearch.Port == 0 {
		cfg.OpenSearch.Port = 9200
	}
	if cfg.OpenSearch.Username == "" {
		cfg.OpenSearch.Username = "admin"
	}
	if cfg.OpenSearch.Password == "" {
		cfg.OpenSearch.Password = "my_strong_password"
	}
	if cfg.OpenSearch.Timeout == 0 {
		cfg.OpenSearch.Timeout = 30 * time.Second
	}

	if cfg.Chromem.Path == "" {
		cfg.Chromem.Path = "./chromemdb"
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = ProviderOllama
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "http://localhost:11434"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "bge-small-en-v1.5"
	}
	if cfg.Embedding.Pooling == "" {
		cfg.Embedding.Pooling = models.PoolingCLS
	}
	if cfg.Embedding.MaxInputChars == 0 {
		// ~512 tokens for BGE-small
		cfg.Embedding.MaxInputChars = 2000
	}
	if cfg.Embedding.MaxConcurrent == 0 {
		cfg.Embedding.MaxConcurrent = 1
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = time.Minute
	}

	if cfg.Fetch.Dir == "" {
		cfg.Fetch.Dir = "./pdfs"
	}
	if cfg.Fetch.ChunkSize == 0 {
		cfg.Fetch.ChunkSize = 8192
	}
	if cfg.Fetch.Timeout == 0 {
		cfg.Fetch.Timeout = 2 * time.Minute
	}
	if cfg.Fetch.UserAgent == "" {
		cfg.Fetch.UserAgent = "docindex/1.0"
	}

	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.MaxAttempts == 0 {
		cfg.Pipeline.MaxAttempts = 1
	}
	if cfg.Pipeline.RetryDelay == 0 {
		cfg.Pipeline.RetryDelay = time.Second
	}
	if cfg.Pipeline.UpsertTimeout == 0 {
		cfg.Pipeline.UpsertTimeout = 30 * time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("OPENSEARCH_HOST"); v != "" {
		cfg.OpenSearch.Host = v
	}
	if v := os.Getenv("OPENSEARCH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid OPENSEARCH_PORT %q: %w", v, err)
		}
		cfg.OpenSearch.Port = port
	}
	if v := os.Getenv("OPENSEARCH_AUTH_USERNAME"); v != "" {
		cfg.OpenSearch.Username = v
	}
	if v := os.Getenv("OPENSEARCH_AUTH_PASSWORD"); v != "" {
		cfg.OpenSearch.Password = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	return nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if err := c.Index.Schema.Validate(); err != nil {
		return err
	}
	switch c.Index.Backend {
	case BackendOpenSearch, BackendChromem:
	case BackendPGVector:
		if c.Database.DSN == "" {
			return fmt.Errorf("%w: database.dsn required for pgvector backend", models.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown index backend %q", models.ErrInvalidInput, c.Index.Backend)
	}
	switch c.Index.IDStrategy {
	case models.IDStrategySourceURL, models.IDStrategyGenerated:
	default:
		return fmt.Errorf("%w: unknown id strategy %q", models.ErrInvalidInput, c.Index.IDStrategy)
	}
	switch c.Embedding.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", models.ErrInvalidInput, c.Embedding.Provider)
	}
	if c.Embedding.Pooling != models.PoolingCLS {
		return fmt.Errorf("%w: pooling %q differs from the %q policy stored vectors use", models.ErrInvalidInput, c.Embedding.Pooling, models.PoolingCLS)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("%w: pipeline.workers must be at least 1", models.ErrInvalidInput)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("%w: pipeline.max_attempts must be at least 1", models.ErrInvalidInput)
	}
	if c.Fetch.ChunkSize < 1 {
		return fmt.Errorf("%w: fetch.chunk_size must be positive", models.ErrInvalidInput)
	}
	return nil
}
