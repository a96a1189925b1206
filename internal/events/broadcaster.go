// Package events fans out committed versions to SSE subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jcbsnclr/ksync/internal/history"
	"github.com/jcbsnclr/ksync/internal/metrics"
)

// EventVersion is the SSE event name for a committed version.
const EventVersion = "version"

// subscriberBuffer is the number of undelivered events kept per subscriber.
const subscriberBuffer = 8

// Event announces a new current version.
type Event struct {
	Type      string `json:"type"`
	Op        string `json:"op"`
	Seq       uint64 `json:"seq"`
	Tree      string `json:"tree"`
	Timestamp int64  `json:"timestamp"` // unix nanoseconds
}

// FromEntry builds the event for a committed history entry.
func FromEntry(e history.Entry) Event {
	return Event{
		Type:      EventVersion,
		Op:        e.Op,
		Seq:       e.Seq,
		Tree:      e.Tree.String(),
		Timestamp: e.Timestamp.UnixNano(),
	}
}

// Frame encodes the event as one SSE message. The version number doubles
// as the event ID.
func (e Event) Frame() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data), nil
}

// Broadcaster hands every published version to all subscribers.
//
// Each event names the whole current version, so a subscriber that falls
// behind only needs the newest ones: when its buffer is full the oldest
// pending event is discarded, never the one being published.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish delivers event to every subscriber without blocking.
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		deliver(ch, event)
	}
	metrics.RecordSSEEvent(event.Type)
}

func deliver(ch chan Event, event Event) {
	for {
		select {
		case ch <- event:
			return
		default:
		}
		// Full: make room by dropping the oldest pending event. The reader
		// may have drained the channel meanwhile, so this must not block.
		select {
		case <-ch:
		default:
		}
	}
}

// PublishEntry publishes the event for a committed entry. It has the
// signature of files.Options.OnCommit.
func (b *Broadcaster) PublishEntry(e history.Entry) {
	b.Publish(FromEntry(e))
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
