package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadhum/vibesense/internal/diag"
	"github.com/roadhum/vibesense/internal/pipeline"
)

func TestHubRetainsLastSnapshot(t *testing.T) {
	t.Parallel()

	h := NewHub()
	assert.Nil(t, h.LastSnapshot())

	h.PublishSnapshot(pipeline.Snapshot{SchemaVersion: pipeline.SnapshotSchemaVersion})
	require.NotNil(t, h.LastSnapshot())
	assert.Contains(t, string(h.LastSnapshot()), `"schema_version":1`)

	// A late subscriber sees the retained snapshot as its first message.
	id, ch := h.Subscribe()
	defer h.Unsubscribe(id)
	select {
	case msg := <-ch:
		assert.Equal(t, "snapshot", msg.Event)
		assert.Equal(t, h.LastSnapshot(), msg.Data)
	default:
		t.Fatal("expected retained snapshot to be queued on subscribe")
	}
}

func TestHubFanout(t *testing.T) {
	t.Parallel()

	h := NewHub()
	id1, ch1 := h.Subscribe()
	id2, ch2 := h.Subscribe()
	defer h.Unsubscribe(id1)
	defer h.Unsubscribe(id2)

	h.PublishEvents([]diag.Event{{ClassKey: "wheel_1x", SeverityKey: "severe"}})

	for _, ch := range []chan StreamMessage{ch1, ch2} {
		select {
		case msg := <-ch:
			assert.Equal(t, "events", msg.Event)
			assert.Contains(t, string(msg.Data), "wheel_1x")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event batch")
		}
	}
}

func TestHubSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	h := NewHub()
	id, ch := h.Subscribe()
	defer h.Unsubscribe(id)

	// Never drain; the hub must keep accepting publishes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3*cap(ch); i++ {
			h.PublishSnapshot(pipeline.Snapshot{})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, cap(ch), len(ch), "overflow messages are dropped")
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	h := NewHub()
	id, ch := h.Subscribe()
	h.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after the subscriber is gone must not panic.
	h.PublishSnapshot(pipeline.Snapshot{})
}

func TestHubClose(t *testing.T) {
	t.Parallel()

	h := NewHub()
	_, ch := h.Subscribe()
	h.Close()

	_, open := <-ch
	assert.False(t, open)

	// Post-close subscribers get a closed channel, publishes are dropped.
	_, late := h.Subscribe()
	_, open = <-late
	assert.False(t, open)
	h.PublishSnapshot(pipeline.Snapshot{})
}
