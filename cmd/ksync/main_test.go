package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/jcbsnclr/ksync/internal/api"
	"github.com/jcbsnclr/ksync/internal/client"
	"github.com/jcbsnclr/ksync/internal/config"
	"github.com/jcbsnclr/ksync/internal/events"
	"github.com/jcbsnclr/ksync/internal/files"
	"github.com/jcbsnclr/ksync/internal/fserrors"
	"github.com/jcbsnclr/ksync/internal/metadata"
	"github.com/jcbsnclr/ksync/internal/retry"
	"github.com/jcbsnclr/ksync/internal/storage/local"
)

// newTestApp returns an app wired to a fresh server, with output captured.
func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	color.NoColor = true
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

	out := &bytes.Buffer{}
	a := &app{
		cfg: &config.Config{},
		client: client.New(client.Config{
			BaseURL:     ts.URL,
			RetryConfig: retry.Config{MaxAttempts: 1, InitialWait: time.Millisecond},
		}),
		in:  strings.NewReader(""),
		out: out,
	}
	return a, out
}

func execute(t *testing.T, a *app, args ...string) error {
	t.Helper()
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(a.out)
	root.SetErr(a.out)
	return root.ExecuteContext(context.Background())
}

func TestInsertGetFromStdin(t *testing.T) {
	a, out := newTestApp(t)
	a.in = strings.NewReader("hello")

	if err := execute(t, a, "insert", "/docs/hello.txt", "-"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !strings.Contains(out.String(), "now at version 1") {
		t.Errorf("insert output = %q", out.String())
	}

	target := filepath.Join(t.TempDir(), "hello.txt")
	if err := execute(t, a, "get", "/docs/hello.txt", "-o", target); err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	a, _ := newTestApp(t)
	err := execute(t, a, "get", "/nope")
	if !errors.Is(err, fserrors.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBatch(t *testing.T) {
	a, out := newTestApp(t)
	dir := t.TempDir()
	for name, content := range map[string]string{"a.txt": "alpha", "b.txt": "bravo"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	script := strings.Join([]string{
		"# setup",
		"insert /a.txt " + filepath.Join(dir, "a.txt"),
		"insert /b.txt " + filepath.Join(dir, "b.txt"),
		"",
		"delete /a.txt",
		"rollback latest 1",
		"ls",
	}, "\n")
	batchFile := filepath.Join(dir, "script")
	if err := os.WriteFile(batchFile, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := execute(t, a, "batch", batchFile); err != nil {
		t.Fatalf("batch: %v", err)
	}

	listing, err := a.client.Listing(context.Background(), client.Tip)
	if err != nil {
		t.Fatal(err)
	}
	if listing.Version.Seq != 4 {
		t.Errorf("version = %d, want 4", listing.Version.Seq)
	}
	if len(listing.Files) != 2 || listing.Files[0].Path != "/a.txt" || listing.Files[1].Path != "/b.txt" {
		t.Errorf("files = %+v, want /a.txt and /b.txt", listing.Files)
	}
	if !strings.Contains(out.String(), "> rollback latest 1") {
		t.Errorf("batch output does not echo commands: %q", out.String())
	}
}

func TestBatchStopsAtFirstFailure(t *testing.T) {
	a, _ := newTestApp(t)
	a.in = strings.NewReader("delete /missing\nclear\n")

	err := execute(t, a, "batch", "-")
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("err = %v, want failure on line 1", err)
	}

	h, err := a.client.History(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Versions) != 1 {
		t.Errorf("history has %d versions, want only genesis", len(h.Versions))
	}
}

func TestBatchRejectsNestedBatch(t *testing.T) {
	a, _ := newTestApp(t)
	a.in = strings.NewReader("batch other\n")
	if err := execute(t, a, "batch", "-"); err == nil {
		t.Fatal("nested batch succeeded")
	}
}

func TestRollbackBadSelector(t *testing.T) {
	a, _ := newTestApp(t)
	err := execute(t, a, "rollback", "sideways", "1")
	if !errors.Is(err, fserrors.ErrInvalidSelector) {
		t.Fatalf("err = %v, want ErrInvalidSelector", err)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.n); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
