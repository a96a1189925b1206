package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jcbsnclr/ksync/internal/api"
	"github.com/jcbsnclr/ksync/internal/client"
	"github.com/jcbsnclr/ksync/internal/config"
	"github.com/jcbsnclr/ksync/internal/events"
	"github.com/jcbsnclr/ksync/internal/files"
	"github.com/jcbsnclr/ksync/internal/metadata"
	"github.com/jcbsnclr/ksync/internal/retry"
	"github.com/jcbsnclr/ksync/internal/storage/local"
	"github.com/jcbsnclr/ksync/pkg/protocol"
)

func newRemote(t *testing.T) *client.Client {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := metadata.Open(ctx, metadata.Options{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	backend, err := local.New(local.Config{RootPath: filepath.Join(dir, "objects"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	store, err := files.New(ctx, db, backend, files.Options{MaxCommitRetries: 32})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	srv := api.NewServer(store, events.NewBroadcaster(), config.ServerConfig{MaxUploadSize: 1 << 20})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return client.New(client.Config{
		BaseURL:     ts.URL,
		RetryConfig: retry.Config{MaxAttempts: 2, InitialWait: time.Millisecond},
	})
}

func newEngine(t *testing.T, remote Remote) *Engine {
	t.Helper()
	e, err := New(remote, t.TempDir(), Options{Concurrency: 3})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func writeLocal(t *testing.T, e *Engine, p, content string, mtime time.Time) {
	t.Helper()
	path := localPath(e.Dir(), p)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
}

func readLocal(t *testing.T, e *Engine, p string) (string, bool) {
	t.Helper()
	data, err := os.ReadFile(localPath(e.Dir(), p))
	if errors.Is(err, os.ErrNotExist) {
		return "", false
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(data), true
}

func readRemote(t *testing.T, c *client.Client, p string) (string, bool) {
	t.Helper()
	data, _, err := c.Get(context.Background(), p, client.Tip)
	if client.IsNotFound(err) {
		return "", false
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(data), true
}

func mustRound(t *testing.T, e *Engine) *Report {
	t.Helper()
	r, err := e.Round(context.Background())
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	return r
}

func TestFirstRoundMergesBothSides(t *testing.T) {
	c := newRemote(t)
	e := newEngine(t, c)
	ctx := context.Background()

	writeLocal(t, e, "/local/a.txt", "from disk", time.Time{})
	if _, err := c.Insert(ctx, "/remote/b.txt", []byte("from server"), time.Time{}); err != nil {
		t.Fatal(err)
	}

	r := mustRound(t, e)
	if len(r.Uploaded) != 1 || r.Uploaded[0] != "/local/a.txt" {
		t.Errorf("uploaded = %v", r.Uploaded)
	}
	if len(r.Downloaded) != 1 || r.Downloaded[0] != "/remote/b.txt" {
		t.Errorf("downloaded = %v", r.Downloaded)
	}
	if got, _ := readRemote(t, c, "/local/a.txt"); got != "from disk" {
		t.Errorf("remote a = %q", got)
	}
	if got, _ := readLocal(t, e, "/remote/b.txt"); got != "from server" {
		t.Errorf("local b = %q", got)
	}
	if e.Synced() != int64(r.Version) || r.Version != 2 {
		t.Errorf("synced = %d, report version = %d", e.Synced(), r.Version)
	}

	// Nothing left to do.
	if r := mustRound(t, e); r.Changed() {
		t.Errorf("second round changed files: %+v", r)
	}
}

func TestReservedNamesAreLeftAlone(t *testing.T) {
	c := newRemote(t)
	e := newEngine(t, c)
	ctx := context.Background()

	if _, err := c.Insert(ctx, "/.ksync-notes.txt", []byte("server only"), time.Time{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Insert(ctx, "/docs/plain.txt", []byte("plain"), time.Time{}); err != nil {
		t.Fatal(err)
	}
	writeLocal(t, e, "/docs/.ksync-draft", "disk only", time.Time{})

	for i := range 3 {
		r := mustRound(t, e)
		if len(r.DeletedRemote) != 0 || len(r.Uploaded) != 0 {
			t.Fatalf("round %d: report = %+v", i+1, r)
		}
	}

	if got, ok := readRemote(t, c, "/.ksync-notes.txt"); !ok || got != "server only" {
		t.Errorf("remote reserved file = %q, %v", got, ok)
	}
	if _, ok := readLocal(t, e, "/.ksync-notes.txt"); ok {
		t.Error("reserved remote file was downloaded")
	}
	if _, ok := readRemote(t, c, "/docs/.ksync-draft"); ok {
		t.Error("reserved local file was uploaded")
	}
	if got, _ := readLocal(t, e, "/docs/plain.txt"); got != "plain" {
		t.Errorf("local plain = %q", got)
	}
}

func TestPropagatesEditsAndDeletes(t *testing.T) {
	c := newRemote(t)
	e := newEngine(t, c)
	ctx := context.Background()

	writeLocal(t, e, "/edit-local", "v1", time.Time{})
	writeLocal(t, e, "/edit-remote", "v1", time.Time{})
	writeLocal(t, e, "/del-local", "v1", time.Time{})
	writeLocal(t, e, "/del-remote", "v1", time.Time{})
	mustRound(t, e)

	remoteTime := time.Date(2022, 5, 6, 7, 8, 9, 0, time.UTC)
	writeLocal(t, e, "/edit-local", "v2 local", time.Now().Add(time.Minute))
	if _, err := c.Insert(ctx, "/edit-remote", []byte("v2 remote"), remoteTime); err != nil {
		t.Fatal(err)
	}
	os.Remove(localPath(e.Dir(), "/del-local"))
	if _, err := c.Delete(ctx, "/del-remote"); err != nil {
		t.Fatal(err)
	}

	r := mustRound(t, e)
	if len(r.Conflicts) != 0 {
		t.Errorf("unexpected conflicts: %v", r.Conflicts)
	}
	if got, _ := readRemote(t, c, "/edit-local"); got != "v2 local" {
		t.Errorf("remote edit-local = %q", got)
	}
	if got, _ := readLocal(t, e, "/edit-remote"); got != "v2 remote" {
		t.Errorf("local edit-remote = %q", got)
	}
	info, err := os.Stat(localPath(e.Dir(), "/edit-remote"))
	if err != nil || !info.ModTime().Equal(remoteTime) {
		t.Errorf("downloaded mtime = %v, want %v", info.ModTime(), remoteTime)
	}
	if _, ok := readRemote(t, c, "/del-local"); ok {
		t.Error("locally deleted file still on the server")
	}
	if _, ok := readLocal(t, e, "/del-remote"); ok {
		t.Error("remotely deleted file still on disk")
	}
	if len(r.DeletedRemote) != 1 || len(r.DeletedLocal) != 1 {
		t.Errorf("report = %+v", r)
	}
}

func TestConflictLastWriteWins(t *testing.T) {
	c := newRemote(t)
	e := newEngine(t, c)
	ctx := context.Background()

	writeLocal(t, e, "/local-wins", "base", time.Time{})
	writeLocal(t, e, "/remote-wins", "base", time.Time{})
	mustRound(t, e)

	old := time.Now().Add(-time.Hour)
	later := time.Now().Add(time.Hour)

	writeLocal(t, e, "/local-wins", "local edit", later)
	if _, err := c.Insert(ctx, "/local-wins", []byte("remote edit"), old); err != nil {
		t.Fatal(err)
	}
	writeLocal(t, e, "/remote-wins", "local edit", old)
	if _, err := c.Insert(ctx, "/remote-wins", []byte("remote edit"), later); err != nil {
		t.Fatal(err)
	}

	r := mustRound(t, e)
	want := []Conflict{{"/local-wins", "local"}, {"/remote-wins", "remote"}}
	if len(r.Conflicts) != 2 || r.Conflicts[0] != want[0] || r.Conflicts[1] != want[1] {
		t.Errorf("conflicts = %v, want %v", r.Conflicts, want)
	}
	if got, _ := readRemote(t, c, "/local-wins"); got != "local edit" {
		t.Errorf("remote local-wins = %q", got)
	}
	if got, _ := readLocal(t, e, "/remote-wins"); got != "remote edit" {
		t.Errorf("local remote-wins = %q", got)
	}
}

func TestDeleteLosesToModification(t *testing.T) {
	c := newRemote(t)
	e := newEngine(t, c)
	ctx := context.Background()

	writeLocal(t, e, "/doc", "base", time.Time{})
	mustRound(t, e)

	os.Remove(localPath(e.Dir(), "/doc"))
	if _, err := c.Insert(ctx, "/doc", []byte("edited"), time.Time{}); err != nil {
		t.Fatal(err)
	}

	r := mustRound(t, e)
	if got, ok := readLocal(t, e, "/doc"); !ok || got != "edited" {
		t.Errorf("local doc = %q, %v", got, ok)
	}
	if len(r.Conflicts) != 1 || r.Conflicts[0].Winner != "remote" {
		t.Errorf("conflicts = %v", r.Conflicts)
	}
}

// flakyRemote fails inserts for paths containing fail.
type flakyRemote struct {
	Remote
	fail string
}

func (f *flakyRemote) Insert(ctx context.Context, path string, data []byte, modTime time.Time) (protocol.InsertResponse, error) {
	if f.fail != "" && strings.Contains(path, f.fail) {
		return protocol.InsertResponse{}, fmt.Errorf("injected failure for %s", path)
	}
	return f.Remote.Insert(ctx, path, data, modTime)
}

func TestPartialFailureKeepsMarker(t *testing.T) {
	c := newRemote(t)
	remote := &flakyRemote{Remote: c, fail: "bad"}
	e := newEngine(t, remote)

	writeLocal(t, e, "/good", "g", time.Time{})
	writeLocal(t, e, "/bad", "b", time.Time{})

	r, err := e.Round(context.Background())
	if !errors.Is(err, ErrPartial) {
		t.Fatalf("err = %v, want ErrPartial", err)
	}
	if len(r.Failed) != 1 || r.Failed[0].Path != "/bad" || len(r.Uploaded) != 1 {
		t.Errorf("report = %+v", r)
	}
	if e.Synced() != -1 {
		t.Errorf("marker advanced to %d after a failed round", e.Synced())
	}
	if _, ok := readRemote(t, c, "/good"); !ok {
		t.Error("successful path was not propagated")
	}

	remote.fail = ""
	r = mustRound(t, e)
	if len(r.Uploaded) != 1 || r.Uploaded[0] != "/bad" {
		t.Errorf("retry round uploaded %v", r.Uploaded)
	}
	if e.Synced() != int64(r.Version) {
		t.Errorf("synced = %d, want %d", e.Synced(), r.Version)
	}
}

func TestWalkLocalSkipsTempFilesAndCachesHashes(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "sub", "a"), []byte("aaa"), 0o644)
	os.WriteFile(filepath.Join(dir, tempPrefix+"123.tmp"), []byte("partial"), 0o644)

	cache := newHashCache()
	collect := func() []LocalFile {
		var out []LocalFile
		for f, err := range walkLocal(dir, cache) {
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, f)
		}
		return out
	}

	first := collect()
	if len(first) != 1 || first[0].Path != "/sub/a" {
		t.Fatalf("listing = %+v", first)
	}

	// Same size and mtime: the cached hash is reused even though the
	// bytes differ.
	path := filepath.Join(dir, "sub", "a")
	mtime := first[0].ModTime
	os.WriteFile(path, []byte("bbb"), 0o644)
	os.Chtimes(path, mtime, mtime)
	if again := collect(); again[0].Hash != first[0].Hash {
		t.Error("hash recomputed although the marker did not change")
	}

	os.Chtimes(path, mtime.Add(time.Second), mtime.Add(time.Second))
	if again := collect(); again[0].Hash == first[0].Hash {
		t.Error("hash not recomputed after mtime changed")
	}
}

// report forwards rounds to ch without ever blocking the engine.
func report(ch chan<- *Report) func(*Report, error) {
	return func(r *Report, _ error) {
		select {
		case ch <- r:
		default:
		}
	}
}

func TestRunReactsToEvents(t *testing.T) {
	c := newRemote(t)
	e := newEngine(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	announce := make(chan protocol.SSEEvent, 1)
	rounds := make(chan *Report, 16)
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, RunOptions{
			Events:  announce,
			OnRound: report(rounds),
		})
	}()

	select {
	case <-rounds:
	case <-ctx.Done():
		t.Fatal("no initial round")
	}

	res, err := c.Insert(ctx, "/pushed", []byte("hi"), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	announce <- protocol.SSEEvent{Type: events.EventVersion, Seq: res.Version.Seq}

	select {
	case r := <-rounds:
		if len(r.Downloaded) != 1 || r.Downloaded[0] != "/pushed" {
			t.Errorf("round = %+v", r)
		}
	case <-ctx.Done():
		t.Fatal("event did not trigger a round")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestRunWatchesLocalChanges(t *testing.T) {
	c := newRemote(t)
	e := newEngine(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rounds := make(chan *Report, 16)
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, RunOptions{
			Watch:    true,
			Debounce: 20 * time.Millisecond,
			OnRound:  report(rounds),
		})
	}()
	defer func() {
		cancel()
		<-done
	}()
	<-rounds

	writeLocal(t, e, "/new/dir/file.txt", "watched", time.Time{})

	for {
		select {
		case r := <-rounds:
			if len(r.Uploaded) > 0 {
				if got, _ := readRemote(t, c, "/new/dir/file.txt"); got != "watched" {
					t.Errorf("remote = %q", got)
				}
				return
			}
		case <-ctx.Done():
			t.Fatal("local change was not synced")
		}
	}
}
