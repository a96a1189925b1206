// Package tree implements immutable copy-on-write Merkle trees over the
// object store. A tree is named by the id of its root directory record;
// mutations build new records along the changed path and share every
// other subtree with the base tree.
package tree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/jcbsnclr/ksync/internal/fserrors"
	"github.com/jcbsnclr/ksync/internal/metadata"
	"github.com/jcbsnclr/ksync/internal/objects"
)

// FileInfo describes the content placed at a path by Insert.
type FileInfo struct {
	Hash    objects.Hash
	Size    int64
	ModTime time.Time
}

// Node is a resolved file or directory.
type Node struct {
	Path     string
	Name     string
	Kind     Kind
	Hash     objects.Hash // content hash for files, record id for directories
	Size     int64
	ModTime  time.Time
	Children []Entry // directories only, in listing order
}

// File is one element of a tree listing.
type File struct {
	Path    string
	Hash    objects.Hash
	Size    int64
	ModTime time.Time
}

// Engine reads and writes directory records.
type Engine struct {
	db *metadata.DB

	mu    sync.Mutex
	cache *lru.Cache
}

// NewEngine creates a tree engine caching up to cacheSize decoded records.
func NewEngine(db *metadata.DB, cacheSize int) *Engine {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &Engine{db: db, cache: lru.New(cacheSize)}
}

// Empty returns the id of a tree holding only the root directory.
func (e *Engine) Empty(ctx context.Context) (objects.Hash, error) {
	return e.store(ctx, &dirRecord{})
}

func (e *Engine) load(ctx context.Context, id objects.Hash) (*dirRecord, error) {
	e.mu.Lock()
	v, ok := e.cache.Get(id)
	e.mu.Unlock()
	if ok {
		return v.(*dirRecord), nil
	}

	var data string
	err := e.db.QueryRowContext(ctx, "node_get", `SELECT data FROM nodes WHERE id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tree record %s: %w", id, fserrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load tree record %s: %w: %w", id, fserrors.ErrIO, err)
	}
	rec, err := decodeRecord([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("decode tree record %s: %w: %w", id, fserrors.ErrIO, err)
	}

	e.mu.Lock()
	e.cache.Add(id, rec)
	e.mu.Unlock()
	return rec, nil
}

func (e *Engine) store(ctx context.Context, rec *dirRecord) (objects.Hash, error) {
	data, id, err := rec.encode()
	if err != nil {
		return id, fmt.Errorf("encode tree record: %w: %w", fserrors.ErrIO, err)
	}

	e.mu.Lock()
	_, cached := e.cache.Get(id)
	e.mu.Unlock()
	if cached {
		return id, nil
	}

	_, err = e.db.ExecContext(ctx, "node_put",
		`INSERT INTO nodes (id, data) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`, id.String(), string(data))
	if err != nil {
		return id, fmt.Errorf("store tree record %s: %w: %w", id, fserrors.ErrIO, err)
	}

	e.mu.Lock()
	e.cache.Add(id, rec)
	e.mu.Unlock()
	return id, nil
}

// Insert returns a tree equal to root with the file at p set to f.
// Missing ancestors are created. It fails with ErrInvalidPath when p is
// the root, when p names an existing directory, or when an ancestor of p
// is a file.
func (e *Engine) Insert(ctx context.Context, root objects.Hash, p Path, f FileInfo) (objects.Hash, error) {
	if p.IsRoot() {
		return objects.Hash{}, fmt.Errorf("%w: cannot insert a file at /", fserrors.ErrInvalidPath)
	}
	return e.insertAt(ctx, &root, p, 0, f)
}

// insertAt rebuilds the directory at depth i of p. dir is nil when that
// directory does not exist yet.
func (e *Engine) insertAt(ctx context.Context, dir *objects.Hash, p Path, i int, f FileInfo) (objects.Hash, error) {
	rec := &dirRecord{}
	if dir != nil {
		var err error
		if rec, err = e.load(ctx, *dir); err != nil {
			return objects.Hash{}, err
		}
	}

	name := p[i]
	idx, found := rec.find(name)

	if i == len(p)-1 {
		if found && rec.Entries[idx].Kind == KindDir {
			return objects.Hash{}, fmt.Errorf("%w: %s is a directory", fserrors.ErrInvalidPath, p)
		}
		return e.store(ctx, rec.with(Entry{
			Name:    name,
			Kind:    KindFile,
			Ref:     f.Hash,
			Size:    f.Size,
			ModTime: unixNano(f.ModTime),
		}))
	}

	var child *objects.Hash
	if found {
		existing := rec.Entries[idx]
		if existing.Kind != KindDir {
			return objects.Hash{}, fmt.Errorf("%w: %s is a file", fserrors.ErrInvalidPath, Path(p[:i+1]))
		}
		child = &existing.Ref
	}

	childID, err := e.insertAt(ctx, child, p, i+1, f)
	if err != nil {
		return objects.Hash{}, err
	}
	return e.store(ctx, rec.with(Entry{Name: name, Kind: KindDir, Ref: childID}))
}

// Delete returns a tree equal to root without the node at p and its
// subtree. Deleting the root is ErrInvalidPath; a missing node is
// ErrNotFound.
func (e *Engine) Delete(ctx context.Context, root objects.Hash, p Path) (objects.Hash, error) {
	if p.IsRoot() {
		return objects.Hash{}, fmt.Errorf("%w: cannot delete /", fserrors.ErrInvalidPath)
	}
	return e.deleteAt(ctx, root, p, 0)
}

func (e *Engine) deleteAt(ctx context.Context, dir objects.Hash, p Path, i int) (objects.Hash, error) {
	rec, err := e.load(ctx, dir)
	if err != nil {
		return objects.Hash{}, err
	}

	idx, found := rec.find(p[i])
	if !found {
		return objects.Hash{}, fmt.Errorf("%s: %w", p, fserrors.ErrNotFound)
	}
	if i == len(p)-1 {
		return e.store(ctx, rec.without(p[i]))
	}

	entry := rec.Entries[idx]
	if entry.Kind != KindDir {
		return objects.Hash{}, fmt.Errorf("%s: %w", p, fserrors.ErrNotFound)
	}
	childID, err := e.deleteAt(ctx, entry.Ref, p, i+1)
	if err != nil {
		return objects.Hash{}, err
	}
	return e.store(ctx, rec.with(Entry{Name: entry.Name, Kind: KindDir, Ref: childID}))
}

// Resolve looks up the node at p in root.
func (e *Engine) Resolve(ctx context.Context, root objects.Hash, p Path) (Node, error) {
	node := Node{Path: "/", Kind: KindDir, Hash: root}
	for i, name := range p {
		rec, err := e.load(ctx, node.Hash)
		if err != nil {
			return Node{}, err
		}
		idx, found := rec.find(name)
		if !found {
			return Node{}, fmt.Errorf("%s: %w", p, fserrors.ErrNotFound)
		}
		entry := rec.Entries[idx]
		if entry.Kind != KindDir && i != len(p)-1 {
			return Node{}, fmt.Errorf("%s: %w", p, fserrors.ErrNotFound)
		}
		node = Node{
			Path: Path(p[:i+1]).String(),
			Name: name,
			Kind: entry.Kind,
			Hash: entry.Ref,
		}
		if entry.Kind == KindFile {
			node.Size = entry.Size
			node.ModTime = fromUnixNano(entry.ModTime)
		}
	}

	if node.Kind == KindDir {
		rec, err := e.load(ctx, node.Hash)
		if err != nil {
			return Node{}, err
		}
		node.Children = append([]Entry(nil), rec.Entries...)
	}
	return node, nil
}

// Listing yields every file of root depth-first in lexicographic path
// order. Each range over the result walks the tree again. On a read
// error it yields the error once and stops.
func (e *Engine) Listing(ctx context.Context, root objects.Hash) iter.Seq2[File, error] {
	return func(yield func(File, error) bool) {
		e.walk(ctx, root, "/", yield)
	}
}

func (e *Engine) walk(ctx context.Context, dir objects.Hash, dirPath string, yield func(File, error) bool) bool {
	if err := ctx.Err(); err != nil {
		yield(File{}, err)
		return false
	}
	rec, err := e.load(ctx, dir)
	if err != nil {
		yield(File{}, err)
		return false
	}
	for _, entry := range rec.Entries {
		p := joinPath(dirPath, entry.Name)
		if entry.Kind == KindDir {
			if !e.walk(ctx, entry.Ref, p, yield) {
				return false
			}
			continue
		}
		f := File{Path: p, Hash: entry.Ref, Size: entry.Size, ModTime: fromUnixNano(entry.ModTime)}
		if !yield(f, nil) {
			return false
		}
	}
	return true
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
