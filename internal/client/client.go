// Package client is the HTTP client for a ksync server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jcbsnclr/ksync/internal/fserrors"
	"github.com/jcbsnclr/ksync/internal/history"
	"github.com/jcbsnclr/ksync/internal/logging"
	"github.com/jcbsnclr/ksync/internal/objects"
	"github.com/jcbsnclr/ksync/internal/retry"
	"github.com/jcbsnclr/ksync/pkg/protocol"
)

// Tip selects the current version.
const Tip int64 = -1

// Client talks to a ksync server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds the wait for response headers. Bodies are read under
	// the request context only, so long downloads are not cut off.
	Timeout     time.Duration
	RetryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
		retryConfig: cfg.RetryConfig,
	}
}

// BaseURL returns the server address the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is a non-2xx response. It unwraps to the fserrors sentinel
// named by its kind, so callers can use errors.Is(err, fserrors.ErrNotFound).
type APIError struct {
	Status  int
	Kind    fserrors.Kind
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return fserrors.FromKind(e.Kind)
}

func decodeError(resp *http.Response) error {
	var er protocol.ErrorResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(body, &er); err != nil || er.Kind == "" {
		kind := fserrors.KindIO
		switch {
		case resp.StatusCode == http.StatusNotFound:
			kind = fserrors.KindNotFound
		case resp.StatusCode < 500:
			kind = fserrors.KindBadRequest
		}
		return &APIError{Status: resp.StatusCode, Kind: kind, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{Status: resp.StatusCode, Kind: fserrors.Kind(er.Kind), Message: er.Error}
}

// escapePath turns a store path into a URL path, escaping each component.
func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return "/" + strings.Join(parts, "/")
}

func versionQuery(version int64) url.Values {
	if version < 0 {
		return nil
	}
	return url.Values{"version": {strconv.FormatInt(version, 10)}}
}

// request describes one API call.
type request struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   []byte
	// retry transport failures and 5xx responses; only for calls that can
	// be repeated safely
	idempotent bool
}

// send performs req with retries and returns the successful response.
// The caller must close its body.
func (c *Client) send(ctx context.Context, req request) (*http.Response, error) {
	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	return retry.DoWithResult(ctx, c.retryConfig, func() (*http.Response, error) {
		var body io.Reader
		if req.body != nil {
			body = bytes.NewReader(req.body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
		if err != nil {
			return nil, err
		}
		for k, v := range req.header {
			httpReq.Header[k] = v
		}
		if req.body != nil {
			httpReq.ContentLength = int64(len(req.body))
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if req.idempotent && ctx.Err() == nil {
				logging.Debug("request failed, retrying", zap.String("url", u), zap.Error(err))
				return nil, retry.Retryable(fmt.Errorf("%w: %w", fserrors.ErrIO, err))
			}
			return nil, fmt.Errorf("%w: %w", fserrors.ErrIO, err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		defer resp.Body.Close()
		apiErr := decodeError(resp)
		if req.idempotent && resp.StatusCode >= 500 {
			return nil, retry.Retryable(apiErr)
		}
		return nil, apiErr
	})
}

func (c *Client) doJSON(ctx context.Context, req request, out any) error {
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", fserrors.ErrIO, req.path, err)
	}
	return nil
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var out map[string]string
	return c.doJSON(ctx, request{method: http.MethodGet, path: "/health"}, &out)
}

// Insert uploads data to path. The content hash travels with the request
// so the server can reject corrupted uploads. A zero modTime lets the
// server use its own clock.
func (c *Client) Insert(ctx context.Context, path string, data []byte, modTime time.Time) (protocol.InsertResponse, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/octet-stream")
	h.Set(protocol.HeaderContentHash, objects.Sum(data).String())
	if !modTime.IsZero() {
		h.Set(protocol.HeaderModifiedAt, modTime.UTC().Format(time.RFC3339Nano))
	}
	if data == nil {
		data = []byte{}
	}

	var out protocol.InsertResponse
	err := c.doJSON(ctx, request{
		method:     http.MethodPut,
		path:       "/api/v1/files" + escapePath(path),
		header:     h,
		body:       data,
		idempotent: true,
	}, &out)
	return out, err
}

// FileMeta describes downloaded content.
type FileMeta struct {
	Hash    objects.Hash
	Size    int64
	ModTime time.Time
}

// Open streams the file at path in version (Tip for the current one).
func (c *Client) Open(ctx context.Context, path string, version int64) (io.ReadCloser, FileMeta, error) {
	resp, err := c.send(ctx, request{
		method:     http.MethodGet,
		path:       "/api/v1/files" + escapePath(path),
		query:      versionQuery(version),
		idempotent: true,
	})
	if err != nil {
		return nil, FileMeta{}, err
	}

	meta := FileMeta{Size: resp.ContentLength}
	if v := resp.Header.Get(protocol.HeaderHash); v != "" {
		if meta.Hash, err = objects.ParseHash(v); err != nil {
			resp.Body.Close()
			return nil, FileMeta{}, fmt.Errorf("%w: bad %s header: %v", fserrors.ErrIO, protocol.HeaderHash, err)
		}
	}
	if v := resp.Header.Get(protocol.HeaderModifiedAt); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			meta.ModTime = t
		}
	}
	return resp.Body, meta, nil
}

// Get returns the content of the file at path in version and checks it
// against the advertised hash.
func (c *Client) Get(ctx context.Context, path string, version int64) ([]byte, FileMeta, error) {
	rc, meta, err := c.Open(ctx, path, version)
	if err != nil {
		return nil, FileMeta{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, FileMeta{}, fmt.Errorf("%w: read %s: %v", fserrors.ErrIO, path, err)
	}
	if !meta.Hash.IsZero() && objects.Sum(data) != meta.Hash {
		return nil, FileMeta{}, fmt.Errorf("%w: %s: content does not match hash %s", fserrors.ErrIO, path, meta.Hash)
	}
	return data, meta, nil
}

// Delete removes path in a new version.
func (c *Client) Delete(ctx context.Context, path string) (protocol.VersionResponse, error) {
	var out protocol.VersionResponse
	err := c.doJSON(ctx, request{method: http.MethodDelete, path: "/api/v1/files" + escapePath(path)}, &out)
	return out, err
}

// Listing returns every file in version.
func (c *Client) Listing(ctx context.Context, version int64) (protocol.ListingResponse, error) {
	var out protocol.ListingResponse
	err := c.doJSON(ctx, request{
		method:     http.MethodGet,
		path:       "/api/v1/listing",
		query:      versionQuery(version),
		idempotent: true,
	}, &out)
	return out, err
}

// Node resolves path in version.
func (c *Client) Node(ctx context.Context, path string, version int64) (protocol.NodeResponse, error) {
	p := "/api/v1/nodes"
	if path != "/" && path != "" {
		p += escapePath(path)
	}
	var out protocol.NodeResponse
	err := c.doJSON(ctx, request{method: http.MethodGet, path: p, query: versionQuery(version), idempotent: true}, &out)
	return out, err
}

// Clear commits an empty tree.
func (c *Client) Clear(ctx context.Context) (protocol.VersionResponse, error) {
	var out protocol.VersionResponse
	err := c.doJSON(ctx, request{method: http.MethodPost, path: "/api/v1/clear"}, &out)
	return out, err
}

// Rollback makes the version chosen by sel current.
func (c *Client) Rollback(ctx context.Context, sel history.Selector) (protocol.VersionResponse, error) {
	body, err := json.Marshal(protocol.RollbackRequest{Kind: string(sel.Kind), N: sel.N, Time: sel.Time})
	if err != nil {
		return protocol.VersionResponse{}, err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")

	var out protocol.VersionResponse
	err = c.doJSON(ctx, request{method: http.MethodPost, path: "/api/v1/rollback", header: h, body: body}, &out)
	return out, err
}

// History returns every version in order.
func (c *Client) History(ctx context.Context) (protocol.HistoryResponse, error) {
	var out protocol.HistoryResponse
	err := c.doJSON(ctx, request{method: http.MethodGet, path: "/api/v1/history", idempotent: true}, &out)
	return out, err
}

// Stats returns server statistics.
func (c *Client) Stats(ctx context.Context) (protocol.StatsResponse, error) {
	var out protocol.StatsResponse
	err := c.doJSON(ctx, request{method: http.MethodGet, path: "/api/v1/stats", idempotent: true}, &out)
	return out, err
}

// IsNotFound reports whether err means the path or version does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, fserrors.ErrNotFound)
}
