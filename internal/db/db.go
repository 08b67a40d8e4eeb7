// Package db stores documents in a PostgreSQL table with a pgvector column.
package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/dmaharana/docindex/internal/models"
)

// Vector is a pgvector value.
type Vector []float32

func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}

var (
	vectorTypeRe = regexp.MustCompile(`^vector\((\d+)\)$`)

	opclasses = map[string]string{
		"l2":           "vector_l2_ops",
		"cosinesimil":  "vector_cosine_ops",
		"innerproduct": "vector_ip_ops",
	}
)

// opclass maps an engine space type to the pgvector operator class.
func opclass(spaceType string) (string, error) {
	op, ok := opclasses[strings.ToLower(spaceType)]
	if !ok {
		return "", fmt.Errorf("%w: space type %q has no pgvector operator class", models.ErrInvalidInput, spaceType)
	}
	return op, nil
}

// parseVectorType reads the dimension from a formatted column type such as
// "vector(384)".
func parseVectorType(formatted string) (int, error) {
	m := vectorTypeRe.FindStringSubmatch(strings.TrimSpace(formatted))
	if m == nil {
		return 0, fmt.Errorf("not a vector column type: %q", formatted)
	}
	return strconv.Atoi(m[1])
}

// spaceFromIndexDef recovers the space type from a CREATE INDEX statement.
func spaceFromIndexDef(def string) string {
	for space, op := range opclasses {
		if strings.Contains(def, op) {
			return space
		}
	}
	return ""
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func ConnectDB(dsn, password string) *sql.DB {
	opts := []pgdriver.Option{pgdriver.WithDSN(dsn)}
	if password != "" {
		opts = append(opts, pgdriver.WithPassword(password))
	}
	return sql.OpenDB(pgdriver.NewConnector(opts...))
}

type Config struct {
	TextField   string
	VectorField string
}

// Backend keeps one table per index.
type Backend struct {
	db          *bun.DB
	textField   string
	vectorField string
	logger      zerolog.Logger
}

func New(db *bun.DB, cfg Config) *Backend {
	if cfg.TextField == "" {
		cfg.TextField = models.DefaultTextField
	}
	if cfg.VectorField == "" {
		cfg.VectorField = models.DefaultVectorField
	}
	return &Backend{
		db:          db,
		textField:   cfg.TextField,
		vectorField: cfg.VectorField,
		logger:      log.With().Str("component", "pgvector").Logger(),
	}
}

func (b *Backend) Ping(ctx context.Context) (string, error) {
	var version string
	if err := b.db.NewRaw("SHOW server_version").Scan(ctx, &version); err != nil {
		return "", err
	}
	return version, nil
}

func (b *Backend) Exists(ctx context.Context, name string) (bool, error) {
	var ok bool
	if err := b.db.NewRaw("SELECT to_regclass(?) IS NOT NULL", name).Scan(ctx, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Create builds the table and its HNSW index in one transaction. A racing
// creator fails with duplicate_table or unique_violation and rolls back.
func (b *Backend) Create(ctx context.Context, name string, schema models.IndexSchema) error {
	op, err := opclass(schema.SpaceType)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("enable pgvector: %w", err)
	}

	err = b.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw(`CREATE TABLE ? (
			id text PRIMARY KEY,
			title text NOT NULL,
			? text NOT NULL,
			? vector(?) NOT NULL,
			source_url text,
			pooling text,
			model text,
			indexed_at timestamptz NOT NULL
		)`, bun.Ident(name), bun.Ident(schema.TextField), bun.Ident(schema.VectorField), bun.Safe(strconv.Itoa(schema.Dimension))).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewRaw("CREATE INDEX ? ON ? USING hnsw (? ?)",
			bun.Ident(name+"_"+schema.VectorField+"_hnsw"), bun.Ident(name), bun.Ident(schema.VectorField), bun.Safe(op)).Exec(ctx)
		return err
	})
	if isDuplicate(err) {
		return models.ErrIndexExists
	}
	return err
}

func isDuplicate(err error) bool {
	var pgErr pgdriver.Error
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Field('C') {
	case "42P07", "23505":
		return true
	}
	return false
}

func (b *Backend) Schema(ctx context.Context, name string, want models.IndexSchema) (models.IndexSchema, error) {
	exists, err := b.Exists(ctx, name)
	if err != nil {
		return models.IndexSchema{}, err
	}
	if !exists {
		return models.IndexSchema{}, fmt.Errorf("%w: %s", models.ErrIndexNotFound, name)
	}

	out := models.IndexSchema{TextField: want.TextField, VectorField: want.VectorField}

	var formatted string
	err = b.db.NewRaw(`SELECT format_type(a.atttypid, a.atttypmod)
		FROM pg_attribute a
		WHERE a.attrelid = to_regclass(?) AND a.attname = ? AND NOT a.attisdropped`,
		name, want.VectorField).Scan(ctx, &formatted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		out.VectorType = "missing"
		return out, nil
	case err != nil:
		return models.IndexSchema{}, err
	}
	dim, err := parseVectorType(formatted)
	if err != nil {
		out.VectorType = formatted
		return out, nil
	}
	out.VectorType = "vector"
	out.Dimension = dim

	var defs []string
	if err := b.db.NewRaw("SELECT indexdef FROM pg_indexes WHERE tablename = ?", name).Scan(ctx, &defs); err != nil {
		return models.IndexSchema{}, err
	}
	for _, def := range defs {
		if s := spaceFromIndexDef(def); s != "" {
			out.SpaceType = s
			out.Method = models.DefaultMethod
			break
		}
	}
	if out.SpaceType == "" {
		out.SpaceType = models.DefaultSpaceType
	}
	return out, nil
}

// Upsert inserts or replaces the row keyed by id. xmax is zero only for a
// freshly inserted tuple.
func (b *Backend) Upsert(ctx context.Context, name, id string, doc models.IndexedDocument) (models.WriteResult, error) {
	text, vec := bun.Ident(b.textField), bun.Ident(b.vectorField)
	var inserted bool
	err := b.db.NewRaw(`INSERT INTO ? (id, title, ?, ?, source_url, pooling, model, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			? = EXCLUDED.?,
			? = EXCLUDED.?,
			source_url = EXCLUDED.source_url,
			pooling = EXCLUDED.pooling,
			model = EXCLUDED.model,
			indexed_at = EXCLUDED.indexed_at
		RETURNING (xmax = 0)`,
		bun.Ident(name), text, vec,
		id, doc.Title, doc.TextContent, Vector(doc.Embedding), doc.SourceURL, doc.Pooling, doc.Model, doc.IndexedAt,
		text, text, vec, vec,
	).Scan(ctx, &inserted)
	if err != nil {
		return models.WriteResult{}, &models.IndexWriteError{Index: name, ID: id, Err: models.AsTimeout(models.StageUpserting, err)}
	}
	result := "updated"
	if inserted {
		result = "created"
	}
	return models.WriteResult{ID: id, Result: result}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}
