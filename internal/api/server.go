// Package api provides the HTTP server and handlers.
package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jcbsnclr/ksync/internal/config"
	"github.com/jcbsnclr/ksync/internal/events"
	"github.com/jcbsnclr/ksync/internal/files"
	"github.com/jcbsnclr/ksync/internal/fserrors"
	"github.com/jcbsnclr/ksync/internal/history"
	"github.com/jcbsnclr/ksync/internal/logging"
	"github.com/jcbsnclr/ksync/internal/metrics"
	"github.com/jcbsnclr/ksync/internal/objects"
	"github.com/jcbsnclr/ksync/pkg/protocol"
)

// Pool gzip writers to reduce allocations on listing endpoints.
var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// sseKeepalive is the interval of comment lines on idle event streams.
const sseKeepalive = 25 * time.Second

// Server is the HTTP server.
type Server struct {
	store         *files.Store
	broadcaster   *events.Broadcaster
	maxUploadSize int64
}

// NewServer creates a new server. Commits made through store are
// announced on broadcaster.
func NewServer(store *files.Store, broadcaster *events.Broadcaster, cfg config.ServerConfig) *Server {
	if broadcaster != nil {
		store.SetOnCommit(broadcaster.PublishEntry)
	}
	return &Server{
		store:         store,
		broadcaster:   broadcaster,
		maxUploadSize: cfg.MaxUploadSize,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Files
	mux.HandleFunc("PUT /api/v1/files/{path...}", s.handleInsert)
	mux.HandleFunc("GET /api/v1/files/{path...}", s.handleGet)
	mux.HandleFunc("DELETE /api/v1/files/{path...}", s.handleDelete)

	// Trees
	mux.HandleFunc("GET /api/v1/listing", s.handleListing)
	mux.HandleFunc("GET /api/v1/nodes", s.handleNode)
	mux.HandleFunc("GET /api/v1/nodes/{path...}", s.handleNode)

	// Versions
	mux.HandleFunc("POST /api/v1/clear", s.handleClear)
	mux.HandleFunc("POST /api/v1/rollback", s.handleRollback)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	// SSE
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Logging wraps metrics: the mux sets r.Pattern on the request it is
	// given, which must be the one metrics observes.
	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.sendError(w, r, fmt.Errorf("%w: events are disabled", fserrors.ErrNotFound))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, r, fmt.Errorf("%w: streaming not supported", fserrors.ErrIO))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	// A fresh subscriber learns the current version right away.
	if tip, err := s.store.Version(r.Context(), files.Tip); err == nil {
		writeEvent(w, events.FromEntry(tip))
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, event)
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, event events.Event) {
	frame, err := event.Frame()
	if err != nil {
		return
	}
	w.Write(frame)
}

// ─── Files ──────────────────────────────────────────────────────────────────

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	path := "/" + r.PathValue("path")

	if r.ContentLength > s.maxUploadSize {
		s.sendTooLarge(w, r)
		return
	}

	var opts files.InsertOptions
	if v := r.Header.Get(protocol.HeaderContentHash); v != "" {
		h, err := objects.ParseHash(v)
		if err != nil {
			s.sendError(w, r, fmt.Errorf("%w: %s: %v", fserrors.ErrBadRequest, protocol.HeaderContentHash, err))
			return
		}
		opts.Expected = &h
	}
	if v := r.Header.Get(protocol.HeaderModifiedAt); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.sendError(w, r, fmt.Errorf("%w: %s: %v", fserrors.ErrBadRequest, protocol.HeaderModifiedAt, err))
			return
		}
		opts.ModTime = t
	}

	// The whole body is read and hashed before anything is stored, so an
	// aborted upload leaves no trace.
	content, err := io.ReadAll(io.LimitReader(r.Body, s.maxUploadSize+1))
	if err != nil {
		s.sendError(w, r, fmt.Errorf("%w: read body: %v", fserrors.ErrBadRequest, err))
		return
	}
	if int64(len(content)) > s.maxUploadSize {
		s.sendTooLarge(w, r)
		return
	}

	res, err := s.store.Insert(r.Context(), path, content, opts)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	logging.WithContext(r.Context()).Info("file inserted",
		zap.String("path", path),
		zap.Stringer("hash", res.Hash),
		zap.Int("size", len(content)),
		zap.Uint64("version", res.Version.Seq))

	writeJSON(w, http.StatusOK, protocol.InsertResponse{
		Path:    path,
		Hash:    res.Hash.String(),
		Size:    int64(len(content)),
		Version: versionResponse(res.Version),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	path := "/" + r.PathValue("path")
	version, err := parseVersion(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	rc, node, err := s.store.Open(r.Context(), path, version)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(node.Size, 10))
	w.Header().Set("ETag", `"`+node.Hash.String()+`"`)
	w.Header().Set(protocol.HeaderHash, node.Hash.String())
	if !node.ModTime.IsZero() {
		w.Header().Set(protocol.HeaderModifiedAt, node.ModTime.UTC().Format(time.RFC3339Nano))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, rc)
	if err != nil {
		logging.WithContext(r.Context()).Warn("content transfer error", zap.String("path", path), zap.Error(err))
	}
	metrics.RecordObjectRead(n)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	path := "/" + r.PathValue("path")
	e, err := s.store.Delete(r.Context(), path)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Info("path deleted", zap.String("path", path), zap.Uint64("version", e.Seq))
	writeJSON(w, http.StatusOK, versionResponse(e))
}

// ─── Trees ──────────────────────────────────────────────────────────────────

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	version, err := parseVersion(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	e, seq, err := s.store.Listing(r.Context(), version)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	resp := protocol.ListingResponse{Version: versionResponse(e), Files: []protocol.FileEntry{}}
	for f, err := range seq {
		if err != nil {
			s.sendError(w, r, err)
			return
		}
		resp.Files = append(resp.Files, protocol.FileEntry{
			Path:    f.Path,
			Hash:    f.Hash.String(),
			Size:    f.Size,
			ModTime: f.ModTime,
		})
	}

	if acceptsGzip(r) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzipPool.Get().(*gzip.Writer)
		gw.Reset(w)
		json.NewEncoder(gw).Encode(resp)
		gw.Close()
		gzipPool.Put(gw)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	path := "/" + r.PathValue("path")
	version, err := parseVersion(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	e, err := s.store.Version(r.Context(), version)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	n, err := s.store.Node(r.Context(), path, int64(e.Seq))
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	resp := protocol.NodeResponse{
		Path:    n.Path,
		Name:    n.Name,
		Kind:    string(n.Kind),
		Hash:    n.Hash.String(),
		Size:    n.Size,
		ModTime: n.ModTime,
		Version: e.Seq,
	}
	for _, c := range n.Children {
		child := protocol.ChildEntry{
			Name: c.Name,
			Kind: string(c.Kind),
			Hash: c.Ref.String(),
			Size: c.Size,
		}
		if c.ModTime != 0 {
			child.ModTime = time.Unix(0, c.ModTime)
		}
		resp.Children = append(resp.Children, child)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Versions ───────────────────────────────────────────────────────────────

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.Clear(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Info("store cleared", zap.Uint64("version", e.Seq))
	writeJSON(w, http.StatusOK, versionResponse(e))
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req protocol.RollbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.sendError(w, r, fmt.Errorf("%w: invalid request body: %v", fserrors.ErrBadRequest, err))
		return
	}

	sel := history.Selector{Kind: history.SelectorKind(strings.ToLower(req.Kind)), N: req.N, Time: req.Time}
	e, err := s.store.Rollback(r.Context(), sel)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	logging.WithContext(r.Context()).Info("rolled back",
		zap.Stringer("selector", sel),
		zap.Uint64("version", e.Seq),
		zap.Stringer("tree", e.Tree))
	writeJSON(w, http.StatusOK, versionResponse(e))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.History(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	resp := protocol.HistoryResponse{Versions: make([]protocol.VersionResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Versions = append(resp.Versions, versionResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	resp := protocol.StatsResponse{
		Version:     versionResponse(st.Version),
		Objects:     st.Objects.Count,
		ObjectBytes: st.Objects.Bytes,
		Backend:     st.Backend,
	}
	if s.broadcaster != nil {
		resp.Subscribers = s.broadcaster.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func versionResponse(e history.Entry) protocol.VersionResponse {
	return protocol.VersionResponse{
		Seq:       e.Seq,
		Timestamp: e.Timestamp.UTC(),
		Tree:      e.Tree.String(),
		Parent:    e.Parent,
		Op:        e.Op,
	}
}

// parseVersion reads the optional version query parameter.
func parseVersion(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("version")
	if v == "" {
		return files.Tip, nil
	}
	n, err := strconv.ParseUint(v, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: version %q", fserrors.ErrBadRequest, v)
	}
	return int64(n), nil
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendTooLarge(w http.ResponseWriter, r *http.Request) {
	metrics.RecordObjectPut(0, false, errors.New("too large"))
	writeJSON(w, http.StatusRequestEntityTooLarge, protocol.ErrorResponse{
		Error: fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize),
		Code:  http.StatusRequestEntityTooLarge,
		Kind:  string(fserrors.KindBadRequest),
	})
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code := fserrors.Status(err)
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, protocol.ErrorResponse{
		Error: err.Error(),
		Code:  code,
		Kind:  string(fserrors.KindOf(err)),
	})
}
