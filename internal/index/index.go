// Package index makes sure the target index exists with the expected schema
// and writes documents into it through a pluggable Backend.
package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dmaharana/docindex/internal/models"
)

// Backend is a search engine able to hold vector documents.
type Backend interface {
	// Exists reports whether the named index exists.
	Exists(ctx context.Context, name string) (bool, error)
	// Create creates the index. It returns models.ErrIndexExists when another
	// initializer created it first.
	Create(ctx context.Context, name string, schema models.IndexSchema) error
	// Schema reads back the vector mapping of an existing index.
	Schema(ctx context.Context, name string, want models.IndexSchema) (models.IndexSchema, error)
	// Upsert writes doc under id, replacing any previous version.
	Upsert(ctx context.Context, name, id string, doc models.IndexedDocument) (models.WriteResult, error)
	Close() error
}

// Pinger is implemented by backends that can check connectivity.
type Pinger interface {
	Ping(ctx context.Context) (string, error)
}

// Manager applies the index contract on top of a Backend.
type Manager struct {
	backend Backend
	logger  zerolog.Logger
}

func NewManager(backend Backend) *Manager {
	return &Manager{
		backend: backend,
		logger:  log.With().Str("component", "index").Logger(),
	}
}

func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	return m.backend.Exists(ctx, name)
}

// EnsureIndex creates the index when missing. Losing a creation race counts
// as success. An existing index whose vector mapping differs from schema
// yields a SchemaMismatchError and nothing is written.
func (m *Manager) EnsureIndex(ctx context.Context, name string, schema models.IndexSchema) error {
	if err := schema.Validate(); err != nil {
		return err
	}

	exists, err := m.backend.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("check index %q: %w", name, err)
	}

	if !exists {
		err := m.backend.Create(ctx, name, schema)
		switch {
		case err == nil:
			m.logger.Info().Str("index", name).Int("dimension", schema.Dimension).Msg("Index created")
			return nil
		case errors.Is(err, models.ErrIndexExists):
			m.logger.Info().Str("index", name).Msg("Index created concurrently by another process")
		default:
			return fmt.Errorf("create index %q: %w", name, err)
		}
	} else {
		m.logger.Info().Str("index", name).Msg("Index already exists")
	}

	observed, err := m.backend.Schema(ctx, name, schema)
	if err != nil {
		return fmt.Errorf("read schema of index %q: %w", name, err)
	}
	if err := schema.Compare(name, observed); err != nil {
		m.logger.Error().Err(err).Str("index", name).Msg("Existing index is incompatible")
		return err
	}
	return nil
}

// Upsert writes doc under id. A vector whose length does not match the
// schema is rejected before any request is made.
func (m *Manager) Upsert(ctx context.Context, name string, schema models.IndexSchema, id string, doc models.IndexedDocument) (models.WriteResult, error) {
	if len(doc.Embedding) != schema.Dimension {
		return models.WriteResult{}, &models.SchemaMismatchError{
			Index: name,
			Field: schema.VectorField + ".dimension",
			Want:  fmt.Sprint(schema.Dimension),
			Got:   fmt.Sprint(len(doc.Embedding)),
		}
	}

	res, err := m.backend.Upsert(ctx, name, id, doc)
	if err != nil {
		var iwe *models.IndexWriteError
		if errors.As(err, &iwe) {
			return models.WriteResult{}, err
		}
		return models.WriteResult{}, &models.IndexWriteError{Index: name, ID: id, Err: err}
	}
	m.logger.Debug().Str("index", name).Str("id", res.ID).Str("result", res.Result).Msg("Document written")
	return res, nil
}

// Ping checks connectivity when the backend supports it.
func (m *Manager) Ping(ctx context.Context) (string, error) {
	p, ok := m.backend.(Pinger)
	if !ok {
		return "", nil
	}
	return p.Ping(ctx)
}

func (m *Manager) Close() error {
	return m.backend.Close()
}
