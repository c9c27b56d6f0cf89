package client

import "sync"

// Event identifies one entry of the client's fixed event set.
type Event string

const (
	// EventConnected fires when the transport opens, including reconnects.
	EventConnected Event = "connected"
	// EventReady fires when the broker's welcome envelope arrives and the
	// client identity (id, platform, capabilities) is known.
	EventReady Event = "ready"
	// EventDisconnected fires when the transport drops, clean or not. The
	// payload is the transport error, nil on a clean close.
	EventDisconnected Event = "disconnected"
	// EventError fires for server-initiated ERROR envelopes that do not
	// correlate to a pending request. The payload is the error string.
	EventError Event = "error"
	// EventDataUpdate fires for every SUBSCRIPTION_UPDATE, after the
	// pattern-specific handlers ran. The payload is the Update.
	EventDataUpdate Event = "dataUpdate"
	// EventMaxReconnectAttemptsReached fires once when the reconnect loop
	// gives up. The payload is the attempt count.
	EventMaxReconnectAttemptsReached Event = "maxReconnectAttemptsReached"
)

// EventHandler receives the event's payload; see the Event constants for
// what each carries.
type EventHandler func(payload any)

// eventBus is a typed listener table over the fixed event set. Handlers run
// on the goroutine that emits, so they must not block.
type eventBus struct {
	mu       sync.RWMutex
	handlers map[Event][]EventHandler
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[Event][]EventHandler)}
}

func (b *eventBus) on(event Event, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

func (b *eventBus) emit(event Event, payload any) {
	b.mu.RLock()
	handlers := b.handlers[event]
	b.mu.RUnlock()
	for _, handler := range handlers {
		handler(payload)
	}
}
