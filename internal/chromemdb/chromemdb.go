// Package chromemdb stores documents in an embedded chromem-go database.
//
// chromem-go ranks by cosine similarity. Stored vectors are unit length, so
// an l2 ordering over them is the same ordering. The requested schema is
// kept next to the collection in a YAML file because collections carry no
// readable mapping of their own.
package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/dmaharana/docindex/internal/helper"
	"github.com/dmaharana/docindex/internal/models"
)

const schemaSuffix = ".schema.yaml"

var errNoEmbedder = errors.New("documents must carry their own embedding")

type Config struct {
	Path     string
	Compress bool
	InMemory bool
}

// Backend keeps one chromem collection per index.
type Backend struct {
	db       *chromem.DB
	dir      string
	inMemory bool
	compress bool

	mu      sync.Mutex
	schemas map[string]models.IndexSchema
	logger  zerolog.Logger
}

// noEmbedding stops chromem from calling out to a remote model for documents
// without a vector.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

func New(cfg Config) (*Backend, error) {
	var db *chromem.DB
	if cfg.InMemory {
		db = chromem.NewDB()
	} else {
		if err := helper.CreateFolder(cfg.Path); err != nil {
			return nil, err
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}
	return &Backend{
		db:       db,
		dir:      cfg.Path,
		inMemory: cfg.InMemory,
		compress: cfg.Compress,
		schemas:  map[string]models.IndexSchema{},
		logger:   log.With().Str("component", "chromemdb").Logger(),
	}, nil
}

func (b *Backend) schemaPath(name string) string {
	return filepath.Join(b.dir, name+schemaSuffix)
}

func (b *Backend) Exists(_ context.Context, name string) (bool, error) {
	if b.db.GetCollection(name, noEmbedding) != nil {
		return true, nil
	}
	if b.inMemory {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.schemas[name]
		return ok, nil
	}
	_, err := os.Stat(b.schemaPath(name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Create claims the index by writing its schema file exclusively, so only
// one of several racing initializers succeeds.
func (b *Backend) Create(_ context.Context, name string, schema models.IndexSchema) error {
	schema.VectorType = "vector"
	if b.inMemory {
		b.mu.Lock()
		if _, ok := b.schemas[name]; ok {
			b.mu.Unlock()
			return models.ErrIndexExists
		}
		b.schemas[name] = schema
		b.mu.Unlock()
	} else if err := b.claim(name, schema); err != nil {
		return err
	}

	meta := map[string]string{
		"space_type": schema.SpaceType,
		"dimension":  strconv.Itoa(schema.Dimension),
	}
	if _, err := b.db.GetOrCreateCollection(name, meta, noEmbedding); err != nil {
		return fmt.Errorf("failed to create/get collection: %w", err)
	}
	return nil
}

func (b *Backend) claim(name string, schema models.IndexSchema) error {
	data, err := yaml.Marshal(schema)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(b.schemaPath(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return models.ErrIndexExists
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Schema returns the recorded schema. A collection with no record reports a
// zero dimension, which never matches a valid schema.
func (b *Backend) Schema(_ context.Context, name string, want models.IndexSchema) (models.IndexSchema, error) {
	if b.inMemory {
		b.mu.Lock()
		s, ok := b.schemas[name]
		b.mu.Unlock()
		if ok {
			return s, nil
		}
	} else {
		data, err := os.ReadFile(b.schemaPath(name))
		if err == nil {
			var s models.IndexSchema
			if err := yaml.Unmarshal(data, &s); err != nil {
				return models.IndexSchema{}, fmt.Errorf("parse schema of %s: %w", name, err)
			}
			return s, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return models.IndexSchema{}, err
		}
	}

	if b.db.GetCollection(name, noEmbedding) != nil {
		b.logger.Warn().Str("index", name).Msg("Collection has no recorded schema")
		return models.IndexSchema{TextField: want.TextField, VectorField: want.VectorField}, nil
	}
	return models.IndexSchema{}, fmt.Errorf("%w: %s", models.ErrIndexNotFound, name)
}

func (b *Backend) collection(ctx context.Context, name string) (*chromem.Collection, error) {
	if c := b.db.GetCollection(name, noEmbedding); c != nil {
		return c, nil
	}
	// created by another process after this one opened the database
	exists, err := b.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", models.ErrIndexNotFound, name)
	}
	return b.db.GetOrCreateCollection(name, nil, noEmbedding)
}

// Upsert adds doc under id, overwriting an earlier version.
func (b *Backend) Upsert(ctx context.Context, name, id string, doc models.IndexedDocument) (models.WriteResult, error) {
	c, err := b.collection(ctx, name)
	if err != nil {
		return models.WriteResult{}, &models.IndexWriteError{Index: name, ID: id, Err: err}
	}

	chromemDoc := chromem.Document{
		ID:      id,
		Content: doc.TextContent,
		Metadata: map[string]string{
			"title":      doc.Title,
			"source_url": doc.SourceURL,
			"pooling":    doc.Pooling,
			"model":      doc.Model,
			"indexed_at": doc.IndexedAt.UTC().Format(time.RFC3339),
		},
		Embedding: []float32(doc.Embedding),
	}

	// the count comparison needs writes to this backend serialized
	b.mu.Lock()
	defer b.mu.Unlock()
	before := c.Count()
	if err := c.AddDocument(ctx, chromemDoc); err != nil {
		return models.WriteResult{}, &models.IndexWriteError{Index: name, ID: id, Err: fmt.Errorf("failed to add document: %w", err)}
	}
	result := "updated"
	if c.Count() > before {
		result = "created"
	}
	return models.WriteResult{ID: id, Result: result}, nil
}

// Count returns the number of documents stored in the index.
func (b *Backend) Count(name string) int {
	c := b.db.GetCollection(name, noEmbedding)
	if c == nil {
		return 0
	}
	return c.Count()
}

// Export writes the named collections to an encrypted, optionally compressed
// file that another deployment can import.
func (b *Backend) Export(filePath, encryptionKey string, names ...string) error {
	if encryptionKey == "" {
		return fmt.Errorf("%w: encryption key is required", models.ErrInvalidInput)
	}
	if filePath == "" {
		return fmt.Errorf("%w: export path is required", models.ErrInvalidInput)
	}
	b.logger.Debug().Str("file", filePath).Bool("compress", b.compress).Strs("collections", names).Msg("Exporting collections")
	if err := b.db.ExportToFile(filePath, b.compress, encryptionKey, names...); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

func (b *Backend) Close() error { return nil }
