// Package storage defines the Backend interface for object bytes and
// builds the configured backend.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/jcbsnclr/ksync/internal/metrics"
)

// Backend stores raw object bytes by key. Tree and history metadata are
// kept separately in the metadata database.
//
// Missing keys are reported with an error wrapping fs.ErrNotExist.
type Backend interface {
	// GetObject opens the object at key and returns its size.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject stores size bytes from body at key. The object is visible
	// under key only once the whole body has been durably written.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// ObjectExists reports whether an object is stored at key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// instrumented records metrics for every call of the wrapped backend.
type instrumented struct {
	Backend
}

// Instrument wraps b so each operation is recorded in the backend metrics.
func Instrument(b Backend) Backend {
	return &instrumented{Backend: b}
}

func (i *instrumented) record(op string, start time.Time, err error) {
	metrics.RecordBackendOperation(i.Type(), op, time.Since(start), err == nil)
}

func (i *instrumented) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	rc, size, err := i.Backend.GetObject(ctx, key)
	i.record("get_object", start, err)
	return rc, size, err
}

func (i *instrumented) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	err := i.Backend.PutObject(ctx, key, body, size)
	i.record("put_object", start, err)
	return err
}

func (i *instrumented) ObjectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := i.Backend.ObjectExists(ctx, key)
	i.record("object_exists", start, err)
	return ok, err
}
