package api

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/roadhum/vibesense/internal/diag"
	"github.com/roadhum/vibesense/internal/monitoring"
	"github.com/roadhum/vibesense/internal/pipeline"
)

// StreamMessage is one server-sent event: the event name plus its
// JSON-encoded payload.
type StreamMessage struct {
	Event string
	Data  []byte
}

// Hub fans published snapshots and event batches out to stream
// subscribers. It retains the most recent snapshot so a new subscriber
// sees current state immediately instead of waiting for the next tick.
//
// The pipeline tick publishes into the hub and must never block on a
// slow consumer, so sends are non-blocking: a subscriber that cannot
// keep up loses messages, not the tick.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]chan StreamMessage
	last        []byte
	closed      bool
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]chan StreamMessage)}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a stream channel. If a snapshot has already been
// published it is queued as the channel's first message.
func (h *Hub) Subscribe() (string, chan StreamMessage) {
	id := randomID()
	ch := make(chan StreamMessage, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	if h.last != nil {
		ch <- StreamMessage{Event: "snapshot", Data: h.last}
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Close closes every subscriber channel. Further publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	h.closed = true
}

// LastSnapshot returns the most recently published snapshot JSON, or nil
// if nothing has been published yet.
func (h *Hub) LastSnapshot() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// PublishSnapshot implements pipeline.Publisher.
func (h *Hub) PublishSnapshot(s pipeline.Snapshot) {
	buf, err := json.Marshal(s)
	if err != nil {
		monitoring.Logf("api: failed to encode snapshot: %v", err)
		return
	}
	h.broadcast(StreamMessage{Event: "snapshot", Data: buf}, true)
}

// PublishEvents implements pipeline.Publisher.
func (h *Hub) PublishEvents(events []diag.Event) {
	buf, err := json.Marshal(events)
	if err != nil {
		monitoring.Logf("api: failed to encode events: %v", err)
		return
	}
	h.broadcast(StreamMessage{Event: "events", Data: buf}, false)
}

func (h *Hub) broadcast(msg StreamMessage, retain bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if retain {
		h.last = msg.Data
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}
