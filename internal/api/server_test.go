package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jcbsnclr/ksync/internal/config"
	"github.com/jcbsnclr/ksync/internal/events"
	"github.com/jcbsnclr/ksync/internal/files"
	"github.com/jcbsnclr/ksync/internal/metadata"
	"github.com/jcbsnclr/ksync/internal/objects"
	"github.com/jcbsnclr/ksync/internal/storage/local"
	"github.com/jcbsnclr/ksync/pkg/protocol"
)

func newTestServer(t *testing.T, maxUpload int64) (*httptest.Server, *events.Broadcaster) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := metadata.Open(ctx, metadata.Options{Dir: dir})
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	backend, err := local.New(local.Config{RootPath: filepath.Join(dir, "objects"), CreateDirs: true})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	store, err := files.New(ctx, db, backend, files.Options{MaxCommitRetries: 32})
	if err != nil {
		t.Fatalf("files.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b := events.NewBroadcaster()
	srv := NewServer(store, b, config.ServerConfig{MaxUploadSize: maxUpload})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, b
}

func do(t *testing.T, method, url string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func put(t *testing.T, ts *httptest.Server, path, content string) protocol.InsertResponse {
	t.Helper()
	resp := do(t, http.MethodPut, ts.URL+"/api/v1/files"+path, strings.NewReader(content), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT %s: status %d", path, resp.StatusCode)
	}
	return decode[protocol.InsertResponse](t, resp)
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, 1<<20)
	resp := do(t, http.MethodGet, ts.URL+"/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestInsertAndGet(t *testing.T) {
	ts, _ := newTestServer(t, 1<<20)

	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := http.Header{}
	h.Set(protocol.HeaderContentHash, objects.Sum([]byte("hello")).String())
	h.Set(protocol.HeaderModifiedAt, mtime.Format(time.RFC3339Nano))
	resp := do(t, http.MethodPut, ts.URL+"/api/v1/files/files/test.txt", strings.NewReader("hello"), h)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}
	ins := decode[protocol.InsertResponse](t, resp)
	if ins.Version.Seq != 1 || ins.Hash != objects.Sum([]byte("hello")).String() {
		t.Errorf("insert = %+v", ins)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/files/files/test.txt", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("body = %q", body)
	}
	got, err := time.Parse(time.RFC3339Nano, resp.Header.Get(protocol.HeaderModifiedAt))
	if err != nil || !got.Equal(mtime) {
		t.Errorf("modified-at = %v, %v", got, err)
	}
}

func TestGetOldVersion(t *testing.T) {
	ts, _ := newTestServer(t, 1<<20)
	v1 := put(t, ts, "/doc", "old")
	put(t, ts, "/doc", "new")

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/files/doc?version=1", nil, nil)
	body, _ := io.ReadAll(resp.Body)
	if v1.Version.Seq != 1 || string(body) != "old" {
		t.Errorf("version 1 body = %q", body)
	}
}

func TestErrorResponses(t *testing.T) {
	ts, _ := newTestServer(t, 8)
	put(t, ts, "/file", "x")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		header http.Header
		status int
		kind   string
	}{
		{"missing file", http.MethodGet, "/api/v1/files/nope", "", nil, http.StatusNotFound, "not_found"},
		{"bad version", http.MethodGet, "/api/v1/files/file?version=abc", "", nil, http.StatusBadRequest, "bad_request"},
		{"version past tip", http.MethodGet, "/api/v1/listing?version=9", "", nil, http.StatusNotFound, "not_found"},
		{"insert at root", http.MethodPut, "/api/v1/files/", "x", nil, http.StatusBadRequest, "invalid_path"},
		{"insert under file", http.MethodPut, "/api/v1/files/file/child", "x", nil, http.StatusBadRequest, "invalid_path"},
		{"too large", http.MethodPut, "/api/v1/files/big", "0123456789", nil, http.StatusRequestEntityTooLarge, "bad_request"},
		{"bad hash header", http.MethodPut, "/api/v1/files/h", "x", http.Header{protocol.HeaderContentHash: {"zz"}}, http.StatusBadRequest, "bad_request"},
		{"hash mismatch", http.MethodPut, "/api/v1/files/h", "x", http.Header{protocol.HeaderContentHash: {objects.Sum([]byte("y")).String()}}, http.StatusInternalServerError, "io_error"},
		{"delete missing", http.MethodDelete, "/api/v1/files/nope", "", nil, http.StatusNotFound, "not_found"},
		{"rollback bad body", http.MethodPost, "/api/v1/rollback", "{", nil, http.StatusBadRequest, "bad_request"},
		{"rollback past genesis", http.MethodPost, "/api/v1/rollback", `{"kind":"latest","n":5}`, nil, http.StatusBadRequest, "invalid_selector"},
		{"rollback unknown kind", http.MethodPost, "/api/v1/rollback", `{"kind":"sideways"}`, nil, http.StatusBadRequest, "invalid_selector"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			resp := do(t, tt.method, ts.URL+tt.path, body, tt.header)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			e := decode[protocol.ErrorResponse](t, resp)
			if e.Kind != tt.kind || e.Code != tt.status {
				t.Errorf("error = %+v, want kind %s", e, tt.kind)
			}
		})
	}
}

func TestListingDeleteRollback(t *testing.T) {
	ts, _ := newTestServer(t, 1<<20)
	put(t, ts, "/files/test.txt", "hello")
	put(t, ts, "/files/copy.txt", "hello")

	listing := func() protocol.ListingResponse {
		return decode[protocol.ListingResponse](t, do(t, http.MethodGet, ts.URL+"/api/v1/listing", nil, nil))
	}

	l := listing()
	if len(l.Files) != 2 || l.Files[0].Path != "/files/copy.txt" || l.Files[0].Hash != l.Files[1].Hash {
		t.Fatalf("listing = %+v", l.Files)
	}

	resp := do(t, http.MethodDelete, ts.URL+"/api/v1/files/files/test.txt", nil, nil)
	if v := decode[protocol.VersionResponse](t, resp); v.Seq != 3 || v.Op != "delete" {
		t.Errorf("delete version = %+v", v)
	}
	if l := listing(); len(l.Files) != 1 {
		t.Errorf("after delete listing = %+v", l.Files)
	}

	resp = do(t, http.MethodPost, ts.URL+"/api/v1/rollback", strings.NewReader(`{"kind":"latest","n":1}`), nil)
	if v := decode[protocol.VersionResponse](t, resp); v.Seq != 4 || v.Op != "rollback" {
		t.Errorf("rollback version = %+v", v)
	}
	if l := listing(); len(l.Files) != 2 {
		t.Errorf("after rollback listing = %+v", l.Files)
	}

	hist := decode[protocol.HistoryResponse](t, do(t, http.MethodGet, ts.URL+"/api/v1/history", nil, nil))
	if len(hist.Versions) != 5 || hist.Versions[0].Op != "genesis" {
		t.Errorf("history = %+v", hist.Versions)
	}
}

func TestListingGzip(t *testing.T) {
	ts, _ := newTestServer(t, 1<<20)
	put(t, ts, "/a", "a")

	// The default transport decompresses transparently when it set the
	// Accept-Encoding header itself.
	resp, err := http.Get(ts.URL + "/api/v1/listing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if !resp.Uncompressed {
		t.Error("listing was not gzip encoded")
	}
	l := decode[protocol.ListingResponse](t, resp)
	if len(l.Files) != 1 {
		t.Errorf("listing = %+v", l)
	}
}

func TestNodeAndClear(t *testing.T) {
	ts, _ := newTestServer(t, 1<<20)
	put(t, ts, "/dir/a", "a")
	put(t, ts, "/dir/b", "bb")

	n := decode[protocol.NodeResponse](t, do(t, http.MethodGet, ts.URL+"/api/v1/nodes/dir", nil, nil))
	if n.Kind != "dir" || len(n.Children) != 2 || n.Children[1].Size != 2 {
		t.Errorf("node = %+v", n)
	}

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/clear", nil, nil)
	if v := decode[protocol.VersionResponse](t, resp); v.Op != "clear" {
		t.Errorf("clear = %+v", v)
	}
	root := decode[protocol.NodeResponse](t, do(t, http.MethodGet, ts.URL+"/api/v1/nodes", nil, nil))
	if root.Kind != "dir" || len(root.Children) != 0 {
		t.Errorf("root after clear = %+v", root)
	}

	st := decode[protocol.StatsResponse](t, do(t, http.MethodGet, ts.URL+"/api/v1/stats", nil, nil))
	if st.Objects != 2 || st.Version.Seq != 3 || st.Backend != "local" {
		t.Errorf("stats = %+v", st)
	}
}

func TestEventsStream(t *testing.T) {
	ts, b := newTestServer(t, 1<<20)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	next := func() events.Event {
		t.Helper()
		for scanner.Scan() {
			line := scanner.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var e events.Event
				if err := json.Unmarshal([]byte(data), &e); err != nil {
					t.Fatalf("bad event %q: %v", data, err)
				}
				return e
			}
		}
		t.Fatalf("stream ended: %v", scanner.Err())
		return events.Event{}
	}

	if e := next(); e.Seq != 0 || e.Op != "genesis" {
		t.Errorf("initial event = %+v", e)
	}

	// The initial event is written after subscribing.
	if b.Count() != 1 {
		t.Fatalf("subscribers = %d", b.Count())
	}
	put(t, ts, "/x", "x")
	if e := next(); e.Seq != 1 || e.Op != "insert" {
		t.Errorf("insert event = %+v", e)
	}
}
