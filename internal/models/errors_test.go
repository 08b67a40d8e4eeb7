package models

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transfer network", &TransferError{URL: "u", Err: errors.New("refused")}, true},
		{"transfer 503", &TransferError{URL: "u", StatusCode: 503}, true},
		{"transfer 429", &TransferError{URL: "u", StatusCode: 429}, true},
		{"transfer 404", &TransferError{URL: "u", StatusCode: 404}, false},
		{"timeout", &TimeoutError{Stage: StageFetching, Err: context.DeadlineExceeded}, true},
		{"embedding", &EmbeddingError{Err: errors.New("down")}, true},
		{"index write", &IndexWriteError{Index: "documents", Err: errors.New("503")}, true},
		{"schema mismatch", &SchemaMismatchError{Index: "documents"}, false},
		{"wrapped mismatch", &StageError{Stage: StageUpserting, Err: &SchemaMismatchError{}}, false},
		{"invalid input", fmt.Errorf("%w: x", ErrInvalidInput), false},
		{"canceled", &TimeoutError{Stage: StageEmbedding, Err: context.Canceled}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestAsTimeout(t *testing.T) {
	assert.Nil(t, AsTimeout(StageFetching, nil))

	plain := errors.New("boom")
	assert.Same(t, plain, AsTimeout(StageFetching, plain))

	err := AsTimeout(StageEmbedding, fmt.Errorf("call: %w", context.DeadlineExceeded))
	var te *TimeoutError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, StageEmbedding, te.Stage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "fetch http://x: http status 404", (&TransferError{URL: "http://x", StatusCode: 404}).Error())
	assert.Contains(t, (&SchemaMismatchError{Index: "documents", Field: "embedding.dimension", Want: "384", Got: "768"}).Error(), "want 384, got 768")
	se := &StageError{Ref: DocumentRef{Title: "a.pdf", URL: "http://x/a.pdf"}, Stage: StageFetching, Err: errors.New("down")}
	assert.Equal(t, "document a.pdf (http://x/a.pdf) failed at fetching: down", se.Error())
}
