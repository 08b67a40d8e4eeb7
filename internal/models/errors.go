package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput indicates malformed caller input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrIndexExists is returned by a backend when a create lost the race
	// against another initializer.
	ErrIndexExists = errors.New("index already exists")

	// ErrIndexNotFound indicates the target index does not exist.
	ErrIndexNotFound = errors.New("index not found")

	// ErrEmptyContent is the reason recorded for a skipped document.
	ErrEmptyContent = errors.New("no text extracted")
)

// TransferError reports that a document could not be fetched.
type TransferError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EmbeddingError reports that no vector could be produced.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string { return "embedding: " + e.Err.Error() }

func (e *EmbeddingError) Unwrap() error { return e.Err }

// SchemaMismatchError reports an existing index, or a vector, that is
// incompatible with the configured schema.
type SchemaMismatchError struct {
	Index string
	Field string
	Want  string
	Got   string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("index %q schema mismatch on %s: want %s, got %s", e.Index, e.Field, e.Want, e.Got)
}

// IndexWriteError reports a failed upsert.
type IndexWriteError struct {
	Index  string
	ID     string
	Status int
	Err    error
}

func (e *IndexWriteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("index %q write %s: status %d: %v", e.Index, e.ID, e.Status, e.Err)
	}
	return fmt.Sprintf("index %q write %s: %v", e.Index, e.ID, e.Err)
}

func (e *IndexWriteError) Unwrap() error { return e.Err }

// TimeoutError reports a stage that ran past its deadline.
type TimeoutError struct {
	Stage Stage
	Err   error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s timed out: %v", e.Stage, e.Err) }

func (e *TimeoutError) Unwrap() error { return e.Err }

// StageError attaches document identity and stage to a failure.
type StageError struct {
	Ref   DocumentRef
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("document %s (%s) failed at %s: %v", e.Ref.Title, e.Ref.URL, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// AsTimeout converts a deadline error into a TimeoutError for stage,
// returning err unchanged otherwise.
func AsTimeout(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Stage: stage, Err: err}
	}
	return err
}

// IsRetryable reports whether rerunning the whole document may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var sm *SchemaMismatchError
	if errors.As(err, &sm) {
		return false
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, context.Canceled) {
		return false
	}
	var (
		te  *TransferError
		to  *TimeoutError
		ee  *EmbeddingError
		iwe *IndexWriteError
	)
	if errors.As(err, &te) {
		// 4xx other than 408/429 will not change on retry
		if te.StatusCode >= 400 && te.StatusCode < 500 && te.StatusCode != 408 && te.StatusCode != 429 {
			return false
		}
		return true
	}
	return errors.As(err, &to) || errors.As(err, &ee) || errors.As(err, &iwe)
}
