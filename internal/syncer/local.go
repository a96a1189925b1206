package syncer

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jcbsnclr/ksync/internal/objects"
)

// tempPrefix marks in-flight downloads. Files carrying it are reserved:
// they are left alone on both sides.
const tempPrefix = ".ksync-"

// reserved reports whether the store path p names a file that sync never
// touches.
func reserved(p string) bool {
	return strings.HasPrefix(path.Base(p), tempPrefix)
}

// LocalFile is one regular file under the sync directory.
type LocalFile struct {
	Path string // store path, e.g. /docs/a.txt
	FileState
}

// marker is the per-file modification marker: a file whose size and
// mtime still match keeps its cached hash.
type marker struct {
	size  int64
	mtime int64
	hash  objects.Hash
}

// hashCache remembers content hashes of local files between rounds.
type hashCache struct {
	mu      sync.Mutex
	entries map[string]marker
}

func newHashCache() *hashCache {
	return &hashCache{entries: make(map[string]marker)}
}

func (c *hashCache) lookup(p string, info fs.FileInfo) (objects.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[p]
	if !ok || m.size != info.Size() || m.mtime != info.ModTime().UnixNano() {
		return objects.Hash{}, false
	}
	return m.hash, true
}

func (c *hashCache) store(p string, size int64, mtime time.Time, h objects.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p] = marker{size: size, mtime: mtime.UnixNano(), hash: h}
}

func (c *hashCache) forget(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, p)
}

// storePath converts a path relative to the sync directory.
func storePath(rel string) string {
	return "/" + filepath.ToSlash(rel)
}

// localPath converts a store path into a path under dir.
func localPath(dir, p string) string {
	return filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(p, "/")))
}

// hashingWriter hashes everything written through it.
type hashingWriter struct {
	w io.Writer
	h hash.Hash
}

func newHashingWriter(w io.Writer) *hashingWriter {
	return &hashingWriter{w: w, h: sha256.New()}
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.h.Write(p[:n])
	return n, err
}

func (hw *hashingWriter) Sum() objects.Hash {
	var out objects.Hash
	copy(out[:], hw.h.Sum(nil))
	return out
}

// hashFile streams the file at path through SHA-256.
func hashFile(path string) (objects.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return objects.Hash{}, err
	}
	defer f.Close()
	hw := newHashingWriter(io.Discard)
	if _, err := io.Copy(hw, f); err != nil {
		return objects.Hash{}, err
	}
	return hw.Sum(), nil
}

// walkLocal lists the regular files under dir in lexical order. Hashes
// come from cache when the file's marker is unchanged. The sequence can
// be ranged over any number of times; each pass walks the directory again.
func walkLocal(dir string, cache *hashCache) iter.Seq2[LocalFile, error] {
	return func(yield func(LocalFile, error) bool) {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path != dir {
					// Removed while walking.
					return nil
				}
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempPrefix) {
				return nil
			}

			info, err := d.Info()
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			p := storePath(rel)

			h, ok := cache.lookup(p, info)
			if !ok {
				h, err = hashFile(path)
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("hash %s: %w", path, err)
				}
				cache.store(p, info.Size(), info.ModTime(), h)
			}

			f := LocalFile{Path: p, FileState: FileState{Hash: h, Size: info.Size(), ModTime: info.ModTime()}}
			if !yield(f, nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield(LocalFile{}, err)
		}
	}
}
