// Package syncer keeps a local directory and a ksync server in step.
//
// Each round diffs the local tree and the remote listing against the
// listing both sides agreed on after the last fully successful round, and
// propagates every one-sided change. Rounds run on start, on a timer, on
// local filesystem events and on version announcements from the server.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jcbsnclr/ksync/internal/client"
	"github.com/jcbsnclr/ksync/internal/fserrors"
	"github.com/jcbsnclr/ksync/internal/logging"
	"github.com/jcbsnclr/ksync/internal/metrics"
	"github.com/jcbsnclr/ksync/internal/objects"
	"github.com/jcbsnclr/ksync/pkg/protocol"
)

// ErrPartial is returned by a round in which some paths failed.
var ErrPartial = errors.New("sync round partially failed")

// Remote is the server side of a sync. *client.Client implements it.
type Remote interface {
	Listing(ctx context.Context, version int64) (protocol.ListingResponse, error)
	Open(ctx context.Context, path string, version int64) (io.ReadCloser, client.FileMeta, error)
	Insert(ctx context.Context, path string, data []byte, modTime time.Time) (protocol.InsertResponse, error)
	Delete(ctx context.Context, path string) (protocol.VersionResponse, error)
}

// Options tunes an Engine.
type Options struct {
	// Concurrency bounds the paths propagated at once.
	Concurrency int
}

// Engine syncs one directory with one remote.
type Engine struct {
	remote      Remote
	dir         string
	concurrency int
	hashes      *hashCache

	// round serializes rounds.
	round sync.Mutex

	mu     sync.Mutex
	base   Listing
	synced int64 // last synced remote version, -1 before the first round
}

// New creates an engine for dir, which is created if missing.
func New(remote Remote, dir string, opts Options) (*Engine, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sync directory: %w", err)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Engine{
		remote:      remote,
		dir:         abs,
		concurrency: opts.Concurrency,
		hashes:      newHashCache(),
		base:        Listing{},
		synced:      -1,
	}, nil
}

// Dir returns the absolute sync directory.
func (e *Engine) Dir() string {
	return e.dir
}

// Synced returns the remote version recorded by the last successful round,
// or -1.
func (e *Engine) Synced() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced
}

// Conflict records a path changed on both sides.
type Conflict struct {
	Path   string
	Winner string // "local" or "remote"
}

// PathError is a path that could not be propagated.
type PathError struct {
	Path   string
	Action ActionKind
	Err    error
}

func (e PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.Path, e.Err)
}

func (e PathError) Unwrap() error { return e.Err }

// Report summarizes a round.
type Report struct {
	Version       uint64 // remote version the round ended on
	Uploaded      []string
	Downloaded    []string
	DeletedLocal  []string
	DeletedRemote []string
	Conflicts     []Conflict
	Failed        []PathError
	Duration      time.Duration
}

// Changed reports whether the round moved any file.
func (r *Report) Changed() bool {
	return len(r.Uploaded)+len(r.Downloaded)+len(r.DeletedLocal)+len(r.DeletedRemote) > 0
}

func (r *Report) sort() {
	for _, s := range [][]string{r.Uploaded, r.Downloaded, r.DeletedLocal, r.DeletedRemote} {
		slices.Sort(s)
	}
	slices.SortFunc(r.Conflicts, func(a, b Conflict) int { return strings.Compare(a.Path, b.Path) })
	slices.SortFunc(r.Failed, func(a, b PathError) int { return strings.Compare(a.Path, b.Path) })
}

// Err is nil for a fully successful round and wraps ErrPartial otherwise.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed)+1)
	errs = append(errs, fmt.Errorf("%w: %d of the round's paths failed", ErrPartial, len(r.Failed)))
	for _, f := range r.Failed {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// Round performs one sync round. The returned error is non-nil when the
// round could not start (remote or local listing failed) or when any path
// failed; the report is filled in either way.
func (e *Engine) Round(ctx context.Context) (*Report, error) {
	e.round.Lock()
	defer e.round.Unlock()

	start := time.Now()
	report := &Report{}
	err := e.runRound(ctx, report)
	report.Duration = time.Since(start)
	if err == nil {
		err = report.Err()
	}
	metrics.RecordSyncRound(report.Duration, err == nil)
	return report, err
}

func (e *Engine) runRound(ctx context.Context, report *Report) error {
	listing, err := e.remote.Listing(ctx, client.Tip)
	if err != nil {
		return fmt.Errorf("fetch remote listing: %w", err)
	}
	remote := make(Listing, len(listing.Files))
	for _, f := range listing.Files {
		if reserved(f.Path) {
			continue
		}
		h, err := objects.ParseHash(f.Hash)
		if err != nil {
			return fmt.Errorf("%w: remote listing: %s: %v", fserrors.ErrIO, f.Path, err)
		}
		remote[f.Path] = FileState{Hash: h, Size: f.Size, ModTime: f.ModTime}
	}
	report.Version = listing.Version.Seq

	local := Listing{}
	for f, err := range walkLocal(e.dir, e.hashes) {
		if err != nil {
			return fmt.Errorf("list %s: %w", e.dir, err)
		}
		local[f.Path] = f.FileState
	}

	e.mu.Lock()
	base := e.base
	e.mu.Unlock()

	actions := Plan(base, local, remote)
	logging.Debug("sync round planned",
		zap.Uint64("remote_version", listing.Version.Seq),
		zap.Int("local_files", len(local)),
		zap.Int("remote_files", len(remote)),
		zap.Int("actions", len(actions)))

	// next starts as the agreed state of every untouched path and is
	// updated as actions succeed.
	next := make(Listing, len(remote))
	for p, r := range remote {
		if l, ok := local[p]; ok && l.Hash == r.Hash {
			next[p] = r
		}
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for _, a := range actions {
		g.Go(func() error {
			st, version, err := e.apply(ctx, a, listing.Version.Seq)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.Warn("sync path failed", zap.String("path", a.Path), zap.Stringer("action", a.Kind), zap.Error(err))
				report.Failed = append(report.Failed, PathError{Path: a.Path, Action: a.Kind, Err: err})
				metrics.RecordSyncPath("failed")
				return nil
			}
			metrics.RecordSyncPath(a.Kind.String())
			if version > report.Version {
				report.Version = version
			}
			if a.Conflict {
				c := Conflict{Path: a.Path, Winner: "remote"}
				if a.Kind == ActionUpload || a.Kind == ActionDeleteRemote {
					c.Winner = "local"
				}
				report.Conflicts = append(report.Conflicts, c)
				logging.Warn("sync conflict resolved by last write", zap.String("path", a.Path), zap.String("winner", c.Winner))
			}
			switch a.Kind {
			case ActionUpload:
				report.Uploaded = append(report.Uploaded, a.Path)
				next[a.Path] = st
			case ActionDownload:
				report.Downloaded = append(report.Downloaded, a.Path)
				next[a.Path] = st
			case ActionDeleteLocal:
				report.DeletedLocal = append(report.DeletedLocal, a.Path)
				delete(next, a.Path)
			case ActionDeleteRemote:
				report.DeletedRemote = append(report.DeletedRemote, a.Path)
				delete(next, a.Path)
			}
			return nil
		})
	}
	g.Wait()
	report.sort()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		// The marker stays put so the next round recomputes from the last
		// fully committed state.
		return nil
	}

	e.mu.Lock()
	e.base = next
	e.synced = int64(report.Version)
	e.mu.Unlock()

	if report.Changed() || len(report.Conflicts) > 0 {
		logging.Info("sync round complete",
			zap.Uint64("version", report.Version),
			zap.Int("uploaded", len(report.Uploaded)),
			zap.Int("downloaded", len(report.Downloaded)),
			zap.Int("deleted_local", len(report.DeletedLocal)),
			zap.Int("deleted_remote", len(report.DeletedRemote)),
			zap.Int("conflicts", len(report.Conflicts)))
	}
	return nil
}

// apply performs one action and returns the state both sides now share
// and the remote version it produced, if any.
func (e *Engine) apply(ctx context.Context, a Action, remoteVersion uint64) (FileState, uint64, error) {
	if err := ctx.Err(); err != nil {
		return FileState{}, 0, err
	}
	switch a.Kind {
	case ActionUpload:
		return e.upload(ctx, a)
	case ActionDownload:
		st, err := e.download(ctx, a, remoteVersion)
		return st, 0, err
	case ActionDeleteLocal:
		return FileState{}, 0, e.deleteLocal(a)
	case ActionDeleteRemote:
		v, err := e.remote.Delete(ctx, a.Path)
		if errors.Is(err, fserrors.ErrNotFound) {
			return FileState{}, 0, nil
		}
		return FileState{}, v.Seq, err
	default:
		return FileState{}, 0, fmt.Errorf("unknown action %d", a.Kind)
	}
}

func (e *Engine) upload(ctx context.Context, a Action) (FileState, uint64, error) {
	path := localPath(e.dir, a.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		return FileState{}, 0, err
	}
	st := FileState{Hash: objects.Sum(data), Size: int64(len(data)), ModTime: a.Local.ModTime}
	if st.Hash != a.Local.Hash {
		e.hashes.forget(a.Path)
		return FileState{}, 0, fmt.Errorf("changed while syncing")
	}

	res, err := e.remote.Insert(ctx, a.Path, data, a.Local.ModTime)
	if err != nil {
		return FileState{}, 0, err
	}
	logging.Debug("uploaded", zap.String("path", a.Path), zap.Stringer("hash", st.Hash), zap.Uint64("version", res.Version.Seq))
	return st, res.Version.Seq, nil
}

// unchangedSince reports whether the local file still matches the state it
// had when the round listed it; nil means it must still be absent.
func (e *Engine) unchangedSince(path string, want *FileState) (bool, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return want == nil, nil
	}
	if err != nil {
		return false, err
	}
	if want == nil || !info.Mode().IsRegular() {
		return false, nil
	}
	return info.Size() == want.Size && info.ModTime().Equal(want.ModTime), nil
}

// download fetches the path as of remoteVersion, the version the round
// planned against, and renames it into place.
func (e *Engine) download(ctx context.Context, a Action, remoteVersion uint64) (FileState, error) {
	dst := localPath(e.dir, a.Path)
	if ok, err := e.unchangedSince(dst, a.Local); err != nil {
		return FileState{}, err
	} else if !ok {
		return FileState{}, fmt.Errorf("changed while syncing")
	}

	rc, meta, err := e.remote.Open(ctx, a.Path, int64(remoteVersion))
	if err != nil {
		return FileState{}, err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return FileState{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*.tmp")
	if err != nil {
		return FileState{}, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := newHashingWriter(tmp)
	n, err := io.Copy(h, rc)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return FileState{}, err
	}

	sum := h.Sum()
	if !meta.Hash.IsZero() && sum != meta.Hash {
		return FileState{}, fmt.Errorf("%w: downloaded content does not match %s", fserrors.ErrIO, meta.Hash)
	}

	mtime := meta.ModTime
	if mtime.IsZero() {
		mtime = a.Remote.ModTime
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(tmpName, mtime, mtime); err != nil {
			return FileState{}, err
		}
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return FileState{}, err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return FileState{}, err
	}
	e.hashes.store(a.Path, info.Size(), info.ModTime(), sum)
	logging.Debug("downloaded", zap.String("path", a.Path), zap.Stringer("hash", sum), zap.Int64("size", n))
	return FileState{Hash: sum, Size: n, ModTime: mtime}, nil
}

func (e *Engine) deleteLocal(a Action) error {
	path := localPath(e.dir, a.Path)
	if ok, err := e.unchangedSince(path, a.Local); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("changed while syncing")
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	e.hashes.forget(a.Path)
	return nil
}
