// Package opensearch stores documents in an OpenSearch k-NN index.
package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	opensearchgo "github.com/opensearch-project/opensearch-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dmaharana/docindex/internal/models"
)

const alreadyExists = "resource_already_exists_exception"

type Config struct {
	Addresses   []string
	Username    string
	Password    string
	VerifyCerts bool
	Compress    bool
	Timeout     time.Duration
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

// Backend talks to OpenSearch over its REST API.
type Backend struct {
	client    *opensearchgo.Client
	transport http.RoundTripper
	timeout   time.Duration
	logger    zerolog.Logger
}

func New(cfg Config) (*Backend, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("%w: opensearch address required", models.ErrInvalidInput)
	}
	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.VerifyCerts}
		transport = t
	}
	client, err := opensearchgo.NewClient(opensearchgo.Config{
		Addresses:           cfg.Addresses,
		Username:            cfg.Username,
		Password:            cfg.Password,
		Transport:           transport,
		CompressRequestBody: cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return &Backend{
		client:    client,
		transport: transport,
		timeout:   cfg.Timeout,
		logger:    log.With().Str("component", "opensearch").Logger(),
	}, nil
}

type apiError struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Status int `json:"status"`
}

func (b *Backend) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, path, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Perform(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func errorFromBody(status int, data []byte) error {
	var ae apiError
	if json.Unmarshal(data, &ae) == nil && ae.Error.Type != "" {
		return fmt.Errorf("status %d: %s: %s", status, ae.Error.Type, ae.Error.Reason)
	}
	return fmt.Errorf("status %d: %s", status, bytes.TrimSpace(data))
}

func indexPath(name string) string { return "/" + url.PathEscape(name) }

// Ping returns the engine version.
func (b *Backend) Ping(ctx context.Context) (string, error) {
	status, data, err := b.do(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", errorFromBody(status, data)
	}
	var info struct {
		Version struct {
			Number       string `json:"number"`
			Distribution string `json:"distribution"`
		} `json:"version"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return "", fmt.Errorf("decode cluster info: %w", err)
	}
	return info.Version.Number, nil
}

func (b *Backend) Exists(ctx context.Context, name string) (bool, error) {
	status, data, err := b.do(ctx, http.MethodHead, indexPath(name), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errorFromBody(status, data)
	}
}

// createBody is the k-NN index definition for schema.
func createBody(schema models.IndexSchema) map[string]any {
	return map[string]any{
		"settings": map[string]any{
			"index": map[string]any{
				"knn": true,
				"mapping": map[string]any{
					"total_fields": map[string]any{"limit": schema.TotalFieldsLimit},
				},
			},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				schema.TextField: map[string]any{"type": "text"},
				schema.VectorField: map[string]any{
					"type":      "knn_vector",
					"dimension": schema.Dimension,
					"method": map[string]any{
						"name":       schema.Method,
						"space_type": schema.SpaceType,
						"engine":     schema.Engine,
					},
				},
				"title":      map[string]any{"type": "keyword"},
				"source_url": map[string]any{"type": "keyword"},
				"pooling":    map[string]any{"type": "keyword"},
				"model":      map[string]any{"type": "keyword"},
				"indexed_at": map[string]any{"type": "date"},
			},
		},
	}
}

func (b *Backend) Create(ctx context.Context, name string, schema models.IndexSchema) error {
	status, data, err := b.do(ctx, http.MethodPut, indexPath(name), createBody(schema))
	if err != nil {
		return err
	}
	if status >= 200 && status < 300 {
		return nil
	}
	var ae apiError
	if json.Unmarshal(data, &ae) == nil && ae.Error.Type == alreadyExists {
		return models.ErrIndexExists
	}
	return errorFromBody(status, data)
}

type fieldMapping struct {
	Type      string `json:"type"`
	Dimension int    `json:"dimension"`
	SpaceType string `json:"space_type"`
	Method    struct {
		Name      string `json:"name"`
		SpaceType string `json:"space_type"`
		Engine    string `json:"engine"`
	} `json:"method"`
}

type indexMapping struct {
	Mappings struct {
		Properties map[string]fieldMapping `json:"properties"`
	} `json:"mappings"`
}

// Schema reads the vector mapping of name. The text field is reported as
// configured since its type does not affect stored vectors.
func (b *Backend) Schema(ctx context.Context, name string, want models.IndexSchema) (models.IndexSchema, error) {
	status, data, err := b.do(ctx, http.MethodGet, indexPath(name)+"/_mapping", nil)
	if err != nil {
		return models.IndexSchema{}, err
	}
	if status == http.StatusNotFound {
		return models.IndexSchema{}, fmt.Errorf("%w: %s", models.ErrIndexNotFound, name)
	}
	if status != http.StatusOK {
		return models.IndexSchema{}, errorFromBody(status, data)
	}
	return parseMapping(data, want)
}

func parseMapping(data []byte, want models.IndexSchema) (models.IndexSchema, error) {
	var byIndex map[string]indexMapping
	if err := json.Unmarshal(data, &byIndex); err != nil {
		return models.IndexSchema{}, fmt.Errorf("decode mapping: %w", err)
	}
	// the key is the concrete index name, which differs from an alias
	for _, m := range byIndex {
		out := models.IndexSchema{
			TextField:        want.TextField,
			VectorField:      want.VectorField,
			TotalFieldsLimit: want.TotalFieldsLimit,
		}
		f, ok := m.Mappings.Properties[want.VectorField]
		if !ok {
			out.VectorType = "missing"
			return out, nil
		}
		out.VectorType = f.Type
		out.Dimension = f.Dimension
		out.Method = f.Method.Name
		out.Engine = f.Method.Engine
		out.SpaceType = f.Method.SpaceType
		if out.SpaceType == "" {
			out.SpaceType = f.SpaceType
		}
		if out.SpaceType == "" {
			out.SpaceType = models.DefaultSpaceType
		}
		return out, nil
	}
	return models.IndexSchema{}, fmt.Errorf("empty mapping response")
}

func (b *Backend) Upsert(ctx context.Context, name, id string, doc models.IndexedDocument) (models.WriteResult, error) {
	path := indexPath(name) + "/_doc/" + url.PathEscape(id)
	status, data, err := b.do(ctx, http.MethodPut, path, doc)
	if err != nil {
		return models.WriteResult{}, &models.IndexWriteError{Index: name, ID: id, Err: models.AsTimeout(models.StageUpserting, err)}
	}
	if status < 200 || status > 299 {
		return models.WriteResult{}, &models.IndexWriteError{Index: name, ID: id, Status: status, Err: errorFromBody(status, data)}
	}
	var res models.WriteResult
	if err := json.Unmarshal(data, &res); err != nil {
		return models.WriteResult{}, &models.IndexWriteError{Index: name, ID: id, Status: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	return res, nil
}

// Close releases idle connections.
func (b *Backend) Close() error {
	if t, ok := b.transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	b.logger.Debug().Msg("Closed opensearch backend")
	return nil
}
