// Package stream implements the progress/receipt stream: a typed event
// envelope, an in-process publish/subscribe bus, and a
// gorilla/websocket transport for external subscribers.
package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of progress event.
type Kind string

const (
	KindOrderCreated   Kind = "ORDER_CREATED"
	KindDepositSent    Kind = "DEPOSIT_SENT"
	KindDepositSeen    Kind = "DEPOSIT_SEEN"
	KindBothLocked     Kind = "BOTH_LOCKED"
	KindClaimSent      Kind = "CLAIM_SENT"
	KindSecretRevealed Kind = "SECRET_REVEALED"
	KindOrderCompleted Kind = "ORDER_COMPLETED"
	KindRefundSent     Kind = "REFUND_SENT"
	KindOrderRefunded  Kind = "ORDER_REFUNDED"
	KindOrderFailed    Kind = "ORDER_FAILED"
)

// Event is the typed envelope every progress/receipt message is wrapped
// in. Delivery is best-effort: a subscriber gets each event at most once,
// and not at all if its buffer is full, so a gap in Seq marks a drop.
type Event struct {
	ID      string          `json:"id"`
	OrderID string          `json:"order_id"`
	Seq     uint64          `json:"seq"`
	Time    time.Time       `json:"ts"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// subscriber is one registered receiver; ch is buffered so a slow
// consumer cannot block order processing (events are dropped past
// capacity; delivery is best-effort, not guaranteed).
type subscriber struct {
	id string
	ch chan Event
}

// Bus is the in-process pub/sub hub for progress events. One Bus is
// shared by every order the coordinator drives.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*subscriber
	seq  map[string]uint64 // per-order sequence counter
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]*subscriber),
		seq:  make(map[string]uint64),
	}
}

// Subscribe registers a new subscriber and returns a channel of every
// event published after this call, plus an unsubscribe function.
func (b *Bus) Subscribe(bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	sub := &subscriber{id: uuid.NewString(), ch: make(chan Event, bufferSize)}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[sub.id]; ok {
			delete(b.subs, sub.id)
			close(existing.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish emits an event for orderID, assigning it the next sequence
// number for that order. Delivery to each subscriber is best-effort: a
// full subscriber channel drops the event rather than blocking the
// publisher, since a stalled external consumer must never stall order
// progress.
func (b *Bus) Publish(orderID string, kind Kind, payload json.RawMessage) Event {
	b.mu.Lock()
	b.seq[orderID]++
	seq := b.seq[orderID]
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	event := Event{
		ID:      uuid.NewString(),
		OrderID: orderID,
		Seq:     seq,
		Time:    time.Now().UTC(),
		Kind:    kind,
		Payload: payload,
	}

	for _, s := range subs {
		select {
		case s.ch <- event:
		default:
		}
	}
	return event
}

// Dedup tracks which (OrderID, Seq) pairs a single consumer has already
// processed, so that an event seen twice is handled once.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]uint64 // orderID -> highest seq processed
}

// NewDedup constructs an empty Dedup tracker.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]uint64)}
}

// ShouldProcess reports whether event is new (its Seq is greater than
// the highest already seen for its OrderID) and records it if so.
// Per-order delivery is assumed to arrive in non-decreasing Seq order
// within a single subscriber's channel (true for this Bus, since
// publishes for one order happen on the coordinator's single
// per-order task).
func (d *Dedup) ShouldProcess(e Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[e.OrderID]; ok && e.Seq <= last {
		return false
	}
	d.seen[e.OrderID] = e.Seq
	return true
}
