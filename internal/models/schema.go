package models

import (
	"fmt"
	"strings"
)

// IndexSchema describes the field mapping of the target index.
type IndexSchema struct {
	TextField        string `yaml:"text_field"`
	VectorField      string `yaml:"vector_field"`
	Dimension        int    `yaml:"dimension"`
	SpaceType        string `yaml:"space_type"`
	Method           string `yaml:"method"`
	Engine           string `yaml:"engine"`
	TotalFieldsLimit int    `yaml:"total_fields_limit"`

	// VectorType is only filled when a schema is read back from an engine.
	VectorType string `yaml:"vector_type,omitempty"`
}

// DefaultSchema is the mapping used by the original ingestion script.
func DefaultSchema() IndexSchema {
	return IndexSchema{
		TextField:        DefaultTextField,
		VectorField:      DefaultVectorField,
		Dimension:        DefaultDimension,
		SpaceType:        DefaultSpaceType,
		Method:           DefaultMethod,
		Engine:           DefaultEngine,
		TotalFieldsLimit: DefaultTotalFieldsLimit,
	}
}

// Validate checks that the schema can be used to create an index.
func (s IndexSchema) Validate() error {
	if s.TextField == "" || s.VectorField == "" {
		return fmt.Errorf("%w: schema field names required", ErrInvalidInput)
	}
	if s.Dimension <= 0 {
		return fmt.Errorf("%w: schema dimension must be positive, got %d", ErrInvalidInput, s.Dimension)
	}
	if s.SpaceType == "" {
		return fmt.Errorf("%w: schema space type required", ErrInvalidInput)
	}
	return nil
}

// Compare checks an observed schema against the desired one. Only the vector
// dimension, distance metric and vector field type are compared; engine and
// method differences do not change what a stored vector means.
func (s IndexSchema) Compare(index string, observed IndexSchema) error {
	if observed.VectorType != "" && observed.VectorType != "knn_vector" && observed.VectorType != "vector" {
		return &SchemaMismatchError{Index: index, Field: s.VectorField + ".type", Want: "knn_vector", Got: observed.VectorType}
	}
	if observed.Dimension != s.Dimension {
		return &SchemaMismatchError{
			Index: index,
			Field: s.VectorField + ".dimension",
			Want:  fmt.Sprint(s.Dimension),
			Got:   fmt.Sprint(observed.Dimension),
		}
	}
	if !strings.EqualFold(observed.SpaceType, s.SpaceType) {
		return &SchemaMismatchError{Index: index, Field: s.VectorField + ".space_type", Want: s.SpaceType, Got: observed.SpaceType}
	}
	return nil
}
