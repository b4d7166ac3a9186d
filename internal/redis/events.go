package redis

import (
	"context"
	"fmt"
	"time"
)

// EventMarkerTTL is how long a dispatched event identity is remembered.
// The upstream dedup gate is authoritative; this marker only catches a
// watcher re-posting the same event within a retry window, so a short
// TTL is enough.
const EventMarkerTTL = 10 * time.Minute

// EventMarker remembers which logical events have already been
// dispatched, making double invocation of the delivery engine safe.
type EventMarker struct {
	client *Client
	ttl    time.Duration
}

// NewEventMarker creates an event marker with the default TTL.
func NewEventMarker(client *Client) *EventMarker {
	return &EventMarker{
		client: client,
		ttl:    EventMarkerTTL,
	}
}

// MarkDispatched atomically records an event identity. Returns true if
// this call was the first to mark it; false means the event was already
// dispatched within the TTL window.
func (m *EventMarker) MarkDispatched(ctx context.Context, eventKey string) (bool, error) {
	key := "event:" + eventKey

	first, err := m.client.rdb.SetNX(ctx, key, 1, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return first, nil
}
