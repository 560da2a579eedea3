// Package fanout implements the bounded broadcast bus (spec §4.4, C5); the
// per-subscriber egress session (C6) that drains it lives in
// internal/egress. Publishers never block: a slow
// subscriber observes a Lagged(n) signal instead of slowing ingress down,
// matching spec §5's backpressure policy. Grounded on the non-blocking
// per-subscriber-channel broadcast pattern in
// other_examples/...Caesar-Trade-master.../broadcaster.go and the
// channel-based pub/sub in other_examples/...pub_sub.go.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sawpanic/bookstream/internal/model"
)

// MessageType tags what a fanned-out Message carries.
type MessageType int

const (
	MessageBookUpdate MessageType = iota
	MessageTrade
	MessageMetrics
)

// Message is the internal envelope carried on the bus. For trades and
// metrics Body is the already-built egress.ServerMessage; for book updates
// it is the book.DisplaySnapshot, which the subscriber session coalesces
// and turns into a wire message at flush time. The bus itself is
// payload-agnostic beyond routing/coalescing concerns.
type Message struct {
	Type MessageType
	Key  model.Key // meaningful only for MessageBookUpdate (coalescing key)
	Body any
}

// DefaultCapacity is the bounded per-subscriber buffer size (spec §6
// BROADCAST_CAPACITY).
const DefaultCapacity = 4096

// Bus is a single-producer-cluster (every ingress worker publishes
// independently), multi-consumer broadcast primitive.
type Bus struct {
	capacity int

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
}

type subscription struct {
	ch     chan Message
	missed uint64 // atomic: messages dropped because ch was full
}

// New creates a Bus with the given per-subscriber buffer capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{capacity: capacity, subs: make(map[uint64]*subscription)}
}

// Subscription is a consumer's handle on the bus.
type Subscription struct {
	id  uint64
	bus *Bus
	sub *subscription
}

// Subscribe registers a new consumer and returns its handle. The caller
// must call Unsubscribe when done to release the channel.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &subscription{ch: make(chan Message, b.capacity)}
	b.subs[id] = sub
	return &Subscription{id: id, bus: b, sub: sub}
}

// Unsubscribe removes the subscription from the bus.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
}

// Recv blocks until a message is available or ctx is canceled.
func (s *Subscription) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-s.sub.ch:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// C returns the raw receive channel, for select-loop composition alongside
// timers (throttle tick, heartbeat) in the subscriber session.
func (s *Subscription) C() <-chan Message { return s.sub.ch }

// Lagged atomically reads and resets the count of messages this
// subscription missed since the last call. A non-zero return means the bus
// was full for this subscriber at least once; the caller is expected to
// discard any pending coalesced state and resync (spec §4.4 step 5).
func (s *Subscription) Lagged() uint64 {
	return atomic.SwapUint64(&s.sub.missed, 0)
}

// Publish fans msg out to every current subscriber without blocking. A
// subscriber whose buffer is full has the message dropped and its missed
// counter incremented instead of stalling the publisher (spec §4.4/§5).
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			atomic.AddUint64(&sub.missed, 1)
		}
	}
}

// SubscriberCount reports the number of currently connected subscribers,
// used for the telemetry active_subscribers gauge.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
