package s3

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeS3 answers just enough of the S3 API for one bucket named "ksync".
// Stored keys are tracked so conditional writes can be checked.
type fakeS3 struct {
	mu   sync.Mutex
	keys map[string]bool
	puts []*http.Request
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()
	f := &fakeS3{keys: make(map[string]bool)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/ksync" || r.URL.Path == "/ksync/" {
		w.WriteHeader(http.StatusOK)
		return
	}
	switch r.Method {
	case http.MethodHead:
		if f.keys[r.URL.Path] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
	case http.MethodPut:
		f.puts = append(f.puts, r)
		if r.Header.Get("If-None-Match") == "*" && f.keys[r.URL.Path] {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusPreconditionFailed)
			w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>PreconditionFailed</Code><Message>exists</Message></Error>`))
			return
		}
		f.keys[r.URL.Path] = true
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newTestBackend(t *testing.T, endpoint, prefix string) *Backend {
	t.Helper()
	b, err := New(context.Background(), Config{
		Endpoint:  endpoint,
		Bucket:    "ksync",
		Prefix:    prefix,
		AccessKey: "test",
		SecretKey: "test",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{Region: "us-east-1"}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestMissingObject(t *testing.T) {
	_, srv := newFakeS3(t)
	b := newTestBackend(t, srv.URL, "")
	ctx := context.Background()

	ok, err := b.ObjectExists(ctx, "objects/ab/abcd")
	if err != nil || ok {
		t.Errorf("ObjectExists = %v, %v; want false, nil", ok, err)
	}

	_, _, err = b.GetObject(ctx, "objects/ab/abcd")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("GetObject err = %v, want fs.ErrNotExist", err)
	}
}

func TestPutIsConditionalAndPrefixed(t *testing.T) {
	f, srv := newFakeS3(t)
	b := newTestBackend(t, srv.URL, "/team-a/")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.PutObject(ctx, "objects/ab/abcd", bytes.NewReader([]byte("data")), 4); err != nil {
			t.Fatalf("PutObject #%d: %v", i+1, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.puts) != 2 {
		t.Fatalf("server saw %d PUTs, want 2", len(f.puts))
	}
	for _, r := range f.puts {
		if r.URL.Path != "/ksync/team-a/objects/ab/abcd" {
			t.Errorf("PUT path = %s", r.URL.Path)
		}
		if r.Header.Get("If-None-Match") != "*" {
			t.Errorf("PUT without If-None-Match")
		}
	}
	if !f.keys["/ksync/team-a/objects/ab/abcd"] {
		t.Error("object not stored")
	}
}
