// Package storage provides read access to source images: a metadata-only
// freshness lookup and a streaming body fetch.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Sentinel errors for loader operations.
var (
	// ErrNotFound indicates the object (or its bucket) does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates the loader lacks permission to read the object.
	ErrAccessDenied = errors.New("access denied")
)

// Freshness is a snapshot of a source object's metadata, fetched once per request.
type Freshness struct {
	ByteLength   int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// Loader reads source objects by key.
type Loader interface {
	// Head returns the object's freshness without fetching its body.
	Head(ctx context.Context, key string) (Freshness, error)

	// Open returns the object's body. The caller owns the returned stream and must close it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Error wraps a loader failure with the operation and object it concerned.
// Kind is one of the sentinel errors when the failure could be classified;
// Cause keeps the provider's own error for logging.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Kind   error
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Op + " " + e.Bucket + "/" + e.Key
	switch {
	case e.Kind != nil && e.Cause != nil:
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Cause)
	case e.Kind != nil:
		return fmt.Sprintf("%s: %v", msg, e.Kind)
	default:
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
}

// Unwrap exposes both the classification and the provider error to errors.Is/As.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// defaultContentType is reported when the store has no content type for an object.
const defaultContentType = "application/octet-stream"
