// Package files is the versioned file store: one long-lived handle over
// the object store, the tree engine and the history log. Every mutation
// is computed against the current tip and committed with an optimistic
// compare-and-append, retried a bounded number of times.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/jcbsnclr/ksync/internal/config"
	"github.com/jcbsnclr/ksync/internal/fserrors"
	"github.com/jcbsnclr/ksync/internal/history"
	"github.com/jcbsnclr/ksync/internal/logging"
	"github.com/jcbsnclr/ksync/internal/metadata"
	"github.com/jcbsnclr/ksync/internal/metrics"
	"github.com/jcbsnclr/ksync/internal/objects"
	"github.com/jcbsnclr/ksync/internal/retry"
	"github.com/jcbsnclr/ksync/internal/storage"
	"github.com/jcbsnclr/ksync/internal/tree"
)

// Tip selects the current version in read operations.
const Tip int64 = -1

// Options tunes a Store.
type Options struct {
	MaxCommitRetries int
	NodeCacheSize    int
	// OnCommit is called after every successful commit.
	OnCommit func(history.Entry)
}

// Store is the versioned file store.
type Store struct {
	db      *metadata.DB
	backend storage.Backend
	objects *objects.Store
	trees   *tree.Engine
	log     *history.Log

	retry    retry.Config
	onCommit func(history.Entry)
}

// Open builds a Store from server configuration, opening the metadata
// database and the object backend.
func Open(ctx context.Context, cfg config.ServerConfig, opts Options) (*Store, error) {
	dbURL := ""
	if cfg.IsPostgres() {
		dbURL = cfg.DatabaseURL
	}
	db, err := metadata.Open(ctx, metadata.Options{DatabaseURL: dbURL, Dir: cfg.DB})
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}

	backend, err := storage.NewBackend(ctx, cfg.Storage)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open object backend: %w", err)
	}

	if opts.MaxCommitRetries == 0 {
		opts.MaxCommitRetries = cfg.MaxCommitRetries
	}
	if opts.NodeCacheSize == 0 {
		opts.NodeCacheSize = cfg.NodeCacheSize
	}

	s, err := New(ctx, db, backend, opts)
	if err != nil {
		backend.Close()
		db.Close()
		return nil, err
	}
	return s, nil
}

// New assembles a Store over an open database and backend. The Store
// takes ownership of both and closes them in Close.
func New(ctx context.Context, db *metadata.DB, backend storage.Backend, opts Options) (*Store, error) {
	trees := tree.NewEngine(db, opts.NodeCacheSize)
	empty, err := trees.Empty(ctx)
	if err != nil {
		return nil, fmt.Errorf("create empty tree: %w", err)
	}
	log, err := history.Open(ctx, db, empty)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	s := &Store{
		db:       db,
		backend:  backend,
		objects:  objects.NewStore(backend, db),
		trees:    trees,
		log:      log,
		retry:    retry.CommitConfig(opts.MaxCommitRetries),
		onCommit: opts.OnCommit,
	}
	s.retry.OnRetry = func(attempt int, err error) {
		metrics.RecordStaleRetry()
		logging.Debug("commit lost race, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return s, nil
}

// Close releases the database and the object backend.
func (s *Store) Close() error {
	return errors.Join(s.backend.Close(), s.db.Close())
}

// SetOnCommit replaces the commit hook. It must be called before the
// store is shared between goroutines.
func (s *Store) SetOnCommit(fn func(history.Entry)) {
	s.onCommit = fn
}

// commit runs attempt until it stops failing with ErrStaleBase, turning
// exhaustion into ErrConflict.
func (s *Store) commit(ctx context.Context, op string, attempt func() (history.Entry, error)) (history.Entry, error) {
	e, err := retry.DoWithResult(ctx, s.retry, func() (history.Entry, error) {
		e, err := attempt()
		if errors.Is(err, fserrors.ErrStaleBase) {
			return e, retry.Retryable(err)
		}
		return e, err
	})

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		metrics.RecordConflict()
		return history.Entry{}, fmt.Errorf("%s: gave up after %d attempts: %w", op, exhausted.Attempts, fserrors.ErrConflict)
	}
	if err != nil {
		return history.Entry{}, err
	}

	metrics.RecordCommit(op, e.Seq)
	logging.Debug("committed version", zap.String("op", op), zap.Uint64("seq", e.Seq), zap.Stringer("tree", e.Tree))
	if s.onCommit != nil {
		s.onCommit(e)
	}
	return e, nil
}

// mutate rebuilds the current tree with build and commits the result.
func (s *Store) mutate(ctx context.Context, op string, build func(base objects.Hash) (objects.Hash, error)) (history.Entry, error) {
	return s.commit(ctx, op, func() (history.Entry, error) {
		tip, err := s.log.Current(ctx)
		if err != nil {
			return history.Entry{}, err
		}
		next, err := build(tip.Tree)
		if err != nil {
			return history.Entry{}, err
		}
		return s.log.Commit(ctx, next, tip.Seq, op)
	})
}

// InsertOptions carries optional insert metadata.
type InsertOptions struct {
	// ModTime is recorded as the file's last modification; now when zero.
	ModTime time.Time
	// Expected, when set, must equal the hash of the content.
	Expected *objects.Hash
}

// InsertResult is the outcome of Insert.
type InsertResult struct {
	Hash    objects.Hash
	Version history.Entry
}

// Insert stores data and commits a version with data at path.
func (s *Store) Insert(ctx context.Context, path string, data []byte, opts InsertOptions) (InsertResult, error) {
	p, err := tree.ParsePath(path)
	if err != nil {
		return InsertResult{}, err
	}
	if p.IsRoot() {
		return InsertResult{}, fmt.Errorf("%w: cannot insert a file at /", fserrors.ErrInvalidPath)
	}

	var h objects.Hash
	if opts.Expected != nil {
		h, err = s.objects.PutVerified(ctx, data, *opts.Expected)
	} else {
		h, err = s.objects.Put(ctx, data)
	}
	if err != nil {
		return InsertResult{}, err
	}

	mtime := opts.ModTime
	if mtime.IsZero() {
		mtime = time.Now()
	}
	info := tree.FileInfo{Hash: h, Size: int64(len(data)), ModTime: mtime}

	e, err := s.mutate(ctx, "insert", func(base objects.Hash) (objects.Hash, error) {
		return s.trees.Insert(ctx, base, p, info)
	})
	if err != nil {
		return InsertResult{}, err
	}
	return InsertResult{Hash: h, Version: e}, nil
}

// Delete commits a version without the node at path.
func (s *Store) Delete(ctx context.Context, path string) (history.Entry, error) {
	p, err := tree.ParsePath(path)
	if err != nil {
		return history.Entry{}, err
	}
	return s.mutate(ctx, "delete", func(base objects.Hash) (objects.Hash, error) {
		return s.trees.Delete(ctx, base, p)
	})
}

// Clear commits a version holding only the root directory.
func (s *Store) Clear(ctx context.Context) (history.Entry, error) {
	return s.mutate(ctx, "clear", func(objects.Hash) (objects.Hash, error) {
		return s.trees.Empty(ctx)
	})
}

// Rollback commits the tree chosen by sel as the new current version.
func (s *Store) Rollback(ctx context.Context, sel history.Selector) (history.Entry, error) {
	if err := sel.Validate(); err != nil {
		return history.Entry{}, err
	}
	return s.commit(ctx, "rollback", func() (history.Entry, error) {
		return s.log.Rollback(ctx, sel)
	})
}

// Version returns the history entry for version, or the tip for Tip.
func (s *Store) Version(ctx context.Context, version int64) (history.Entry, error) {
	if version < 0 {
		return s.log.Current(ctx)
	}
	return s.log.At(ctx, uint64(version))
}

// Select resolves a selector without committing.
func (s *Store) Select(ctx context.Context, sel history.Selector) (history.Entry, error) {
	return s.log.Select(ctx, sel)
}

// History returns every committed version in order.
func (s *Store) History(ctx context.Context) ([]history.Entry, error) {
	return s.log.Entries(ctx)
}

// Node resolves path in version.
func (s *Store) Node(ctx context.Context, path string, version int64) (tree.Node, error) {
	p, err := tree.ParsePath(path)
	if err != nil {
		return tree.Node{}, err
	}
	e, err := s.Version(ctx, version)
	if err != nil {
		return tree.Node{}, err
	}
	return s.trees.Resolve(ctx, e.Tree, p)
}

// Open streams the content of the file at path in version.
func (s *Store) Open(ctx context.Context, path string, version int64) (io.ReadCloser, tree.Node, error) {
	n, err := s.Node(ctx, path, version)
	if err != nil {
		return nil, tree.Node{}, err
	}
	if n.Kind != tree.KindFile {
		return nil, tree.Node{}, fmt.Errorf("%s is a directory: %w", path, fserrors.ErrNotFound)
	}
	rc, _, err := s.objects.Open(ctx, n.Hash)
	if err != nil {
		return nil, tree.Node{}, err
	}
	return rc, n, nil
}

// Get returns the content of the file at path in version.
func (s *Store) Get(ctx context.Context, path string, version int64) ([]byte, error) {
	n, err := s.Node(ctx, path, version)
	if err != nil {
		return nil, err
	}
	if n.Kind != tree.KindFile {
		return nil, fmt.Errorf("%s is a directory: %w", path, fserrors.ErrNotFound)
	}
	return s.objects.Get(ctx, n.Hash)
}

// Listing returns the version read and a lazy listing of its files.
func (s *Store) Listing(ctx context.Context, version int64) (history.Entry, iter.Seq2[tree.File, error], error) {
	e, err := s.Version(ctx, version)
	if err != nil {
		return history.Entry{}, nil, err
	}
	return e, s.trees.Listing(ctx, e.Tree), nil
}

// Stats summarizes the store.
type Stats struct {
	Version history.Entry
	Objects objects.Stats
	Backend string
}

// Stats returns the current version and object counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	e, err := s.log.Current(ctx)
	if err != nil {
		return Stats{}, err
	}
	st, err := s.objects.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Version: e, Objects: st, Backend: s.backend.Type()}, nil
}
