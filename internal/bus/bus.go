package bus

import "sync"

// Type identifies the kind of a cross-context message.
type Type string

const (
	// TypeStateChanged announces a countdown state transition, most
	// importantly expiry, so sibling contexts block immediately.
	TypeStateChanged Type = "stateChanged"

	// TypeOverrideGranted announces a lifted block carrying the reset
	// moment and the granted allowance.
	TypeOverrideGranted Type = "overrideGranted"

	// TypeOverrideRequested asks the override workflow to lift a block.
	TypeOverrideRequested Type = "overrideRequested"

	// TypeStopTracking tells the context for a domain to shut down and
	// clear its state.
	TypeStopTracking Type = "stopTracking"
)

// StateChangedPayload accompanies TypeStateChanged.
type StateChangedPayload struct {
	State         string
	TimeRemaining int64
	ContextID     string
}

// OverridePayload accompanies TypeOverrideGranted.
type OverridePayload struct {
	ResetAt   int64 // ms epoch
	TimeLimit int64 // seconds granted
}

// OverrideRequestPayload accompanies TypeOverrideRequested.
type OverrideRequestPayload struct {
	Reason string
}

// Message is one bus event. Payload type depends on Type.
type Message struct {
	Type    Type
	Domain  string
	Payload any
}

type subscriber struct {
	domain string // "" matches every domain
	ch     chan Message
}

// Bus is the in-process fan-out channel between execution contexts.
// Delivery is at-most-once and unordered: a full subscriber drops the
// message rather than blocking the publisher. State repair happens through
// the stores, not the bus.
type Bus struct {
	mu      sync.Mutex
	nextSub int
	subs    map[int]subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Subscribe returns a channel of messages for one domain ("" for all) and a
// cancel func. The channel is buffered; slow consumers lose messages.
func (b *Bus) Subscribe(domain string) (<-chan Message, func()) {
	ch := make(chan Message, 32)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscriber{domain: domain, ch: ch}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans a message out to every matching subscriber without blocking.
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.domain != "" && sub.domain != msg.Domain {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Subscriber is not keeping up, drop
		}
	}
}
