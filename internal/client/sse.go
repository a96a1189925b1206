package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jcbsnclr/ksync/internal/logging"
	"github.com/jcbsnclr/ksync/pkg/protocol"
)

var errStreamClosed = errors.New("event stream closed by server")

// SSEClient follows the server's version announcements.
type SSEClient struct {
	baseURL      string
	httpClient   *http.Client
	reconnectMin time.Duration
	reconnectMax time.Duration
}

// NewSSEClient creates a new SSE client.
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{}, // streams stay open indefinitely
		reconnectMin: time.Second,
		reconnectMax: 30 * time.Second,
	}
}

// Subscribe follows the event stream until ctx is done, then closes the
// returned channel. Dropped connections are retried with backoff. Versions
// arrive in increasing order; the copy of the current version that the
// server sends on every reconnect is delivered only if it is new.
func (c *SSEClient) Subscribe(ctx context.Context) <-chan protocol.SSEEvent {
	out := make(chan protocol.SSEEvent, 16)
	go c.follow(ctx, out)
	return out
}

func (c *SSEClient) follow(ctx context.Context, out chan<- protocol.SSEEvent) {
	defer close(out)

	var (
		seen  bool
		last  uint64
		delay = c.reconnectMin
	)
	emit := func(ev protocol.SSEEvent) bool {
		if seen && ev.Seq <= last {
			return true
		}
		seen, last = true, ev.Seq
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		connected, err := c.stream(ctx, emit)
		if ctx.Err() != nil {
			return
		}
		if connected {
			delay = c.reconnectMin
		}
		logging.Warn("event stream interrupted", zap.Error(err), zap.Duration("reconnect_in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, c.reconnectMax)
	}
}

// stream reads one connection until it ends. connected reports whether
// the server accepted the subscription.
func (c *SSEClient) stream(ctx context.Context, emit func(protocol.SSEEvent) bool) (connected bool, err error) {
	url := c.baseURL + "/api/v1/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, decodeError(resp)
	}

	logging.Debug("event stream connected", zap.String("url", url))
	if err := readEvents(resp.Body, emit); err != nil {
		return true, err
	}
	return true, errStreamClosed
}

// readEvents parses an SSE stream and hands each complete version event
// to emit, stopping early when emit returns false. Comments and unknown
// fields are ignored. The message ID, when present, overrides the seq in
// the payload.
func readEvents(r io.Reader, emit func(protocol.SSEEvent) bool) error {
	scanner := bufio.NewScanner(r)
	var (
		name, id string
		data     strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = value
			case "id":
				id = value
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(value)
			}
			continue
		}

		if data.Len() > 0 {
			var ev protocol.SSEEvent
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				logging.Debug("malformed event", zap.String("data", data.String()), zap.Error(err))
			} else {
				if ev.Type == "" {
					ev.Type = name
				}
				if seq, err := strconv.ParseUint(id, 10, 64); err == nil {
					ev.Seq = seq
				}
				if !emit(ev) {
					return nil
				}
			}
		}
		name, id = "", ""
		data.Reset()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}
