// Package objects is the content-addressed object store. An object is an
// immutable byte string named by its SHA-256 hash.
package objects

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/jcbsnclr/ksync/internal/fserrors"
	"github.com/jcbsnclr/ksync/internal/metadata"
	"github.com/jcbsnclr/ksync/internal/metrics"
	"github.com/jcbsnclr/ksync/internal/storage"
)

// Store keeps object bytes in a storage.Backend and indexes them in the
// objects table.
type Store struct {
	backend storage.Backend
	db      *metadata.DB
}

// NewStore creates an object store.
func NewStore(backend storage.Backend, db *metadata.DB) *Store {
	return &Store{backend: backend, db: db}
}

// Key returns the backend key of h.
func Key(h Hash) string {
	s := h.String()
	return "objects/" + s[:2] + "/" + s
}

// Put stores data and returns its hash. Storing bytes that are already
// present is a no-op. The object is durable when Put returns.
func (s *Store) Put(ctx context.Context, data []byte) (Hash, error) {
	h := Sum(data)
	return h, s.put(ctx, h, data)
}

// PutVerified stores data only if it hashes to want.
func (s *Store) PutVerified(ctx context.Context, data []byte, want Hash) (Hash, error) {
	h := Sum(data)
	if h != want {
		return h, fmt.Errorf("%w: content hash %s does not match expected %s", fserrors.ErrIO, h, want)
	}
	return h, s.put(ctx, h, data)
}

func (s *Store) put(ctx context.Context, h Hash, data []byte) error {
	size := int64(len(data))

	ok, err := s.Has(ctx, h)
	if err != nil {
		metrics.RecordObjectPut(size, false, err)
		return err
	}
	if ok {
		metrics.RecordObjectPut(size, true, nil)
		return nil
	}

	// Bytes written before a crash may be stored without an index row.
	stored, err := s.backend.ObjectExists(ctx, Key(h))
	if err != nil {
		metrics.RecordObjectPut(size, false, err)
		return fmt.Errorf("check object %s: %w: %w", h, fserrors.ErrIO, err)
	}
	if !stored {
		if err := s.backend.PutObject(ctx, Key(h), bytes.NewReader(data), size); err != nil {
			metrics.RecordObjectPut(size, false, err)
			return fmt.Errorf("put object %s: %w: %w", h, fserrors.ErrIO, err)
		}
	}

	_, err = s.db.ExecContext(ctx, "object_index",
		`INSERT INTO objects (hash, size, created_at) VALUES (?, ?, ?) ON CONFLICT (hash) DO NOTHING`,
		h.String(), size, time.Now().UnixNano())
	if err != nil {
		metrics.RecordObjectPut(size, false, err)
		return fmt.Errorf("index object %s: %w: %w", h, fserrors.ErrIO, err)
	}

	metrics.RecordObjectPut(size, stored, nil)
	return nil
}

// Get returns the bytes of h, or an error wrapping fserrors.ErrNotFound.
func (s *Store) Get(ctx context.Context, h Hash) ([]byte, error) {
	rc, _, err := s.Open(ctx, h)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w: %w", h, fserrors.ErrIO, err)
	}
	metrics.RecordObjectRead(int64(len(data)))
	return data, nil
}

// Open streams the bytes of h.
func (s *Store) Open(ctx context.Context, h Hash) (io.ReadCloser, int64, error) {
	rc, size, err := s.backend.GetObject(ctx, Key(h))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("object %s: %w", h, fserrors.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("open object %s: %w: %w", h, fserrors.ErrIO, err)
	}
	return rc, size, nil
}

// Has reports whether h is stored.
func (s *Store) Has(ctx context.Context, h Hash) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "object_has",
		`SELECT 1 FROM objects WHERE hash = ?`, h.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup object %s: %w: %w", h, fserrors.ErrIO, err)
	}
	return true, nil
}

// Size returns the stored size of h.
func (s *Store) Size(ctx context.Context, h Hash) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx, "object_size",
		`SELECT size FROM objects WHERE hash = ?`, h.String()).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("object %s: %w", h, fserrors.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup object %s: %w: %w", h, fserrors.ErrIO, err)
	}
	return size, nil
}

// Stats summarizes the stored objects.
type Stats struct {
	Count int64
	Bytes int64
}

// Stats counts stored objects and their total size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, "object_stats",
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM objects`).Scan(&st.Count, &st.Bytes)
	if err != nil {
		return st, fmt.Errorf("count objects: %w: %w", fserrors.ErrIO, err)
	}
	return st, nil
}
