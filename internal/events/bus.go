// Package events is a broadcast bus for delivery observability. The
// publisher loop and the transport watcher emit events; the monitor
// server streams them to WebSocket clients.
//
// A nil *Bus is valid and discards everything, so components never
// need to check whether observability is enabled.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	// SourcePublisher identifies events from the publisher loop.
	SourcePublisher = "publisher"
	// SourceTransport identifies connection events from the transport
	// watcher.
	SourceTransport = "transport"
)

// Kinds.
const (
	// KindSend: a message was handed to the transport.
	// Data: seq, message_id, handle_id, alert.
	KindSend = "send"
	// KindAck: the transport acknowledged delivery.
	// Data: seq, message_id, status, detail, latency_ms.
	KindAck = "ack"
	// KindFailed: the transport reported a delivery failure.
	// Data: seq, message_id, error.
	KindFailed = "failed"
	// KindTimeout: no outcome arrived within the ack timeout.
	// Data: seq, message_id, timeout_ms.
	KindTimeout = "timeout"
	// KindSlotBusy: a send was skipped because the previous message is
	// still in flight.
	// Data: seq.
	KindSlotBusy = "slot_busy"
	// KindLateAck: an outcome arrived after the loop stopped waiting.
	// Data: message_id, state, latency_ms.
	KindLateAck = "late_ack"

	// KindConnected: the transport became reachable.
	// Data: target.
	KindConnected = "connected"
	// KindDisconnected: the transport health probe started failing.
	// Data: target, error.
	KindDisconnected = "disconnected"
)

// Event is one observable occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers over buffered channels. A
// subscriber that falls behind loses events; publishers never block.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]chan Event
	dropped atomic.Int64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit stamps and publishes an event.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with the given buffer size. Call
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many per-subscriber deliveries were skipped
// because a buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
