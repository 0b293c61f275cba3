package services

import (
	"sync"
)

// EventVerificationComplete is the only message type the completion channel
// carries; consumers must check the type tag rather than trust the sender.
const EventVerificationComplete = "verification_complete"

// StatusEvent is the typed cross-component message published on every status
// transition.
type StatusEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	OwnerID   string `json:"ownerId"`
	Status    string `json:"status"`
	Verified  bool   `json:"verified"`
}

// StatusBroker fans status transitions out to subscribers keyed by session
// internal id. Subscriptions carry an explicit unsubscribe so their lifetime
// is owned by the consuming component, not a global listener list.
type StatusBroker struct {
	mu   sync.Mutex
	subs map[string]map[int]chan StatusEvent
	next int
}

func NewStatusBroker() *StatusBroker {
	return &StatusBroker{subs: make(map[string]map[int]chan StatusEvent)}
}

// Subscribe returns a buffered event channel for one session and the function
// that tears the subscription down. Unsubscribing twice is safe.
func (b *StatusBroker) Subscribe(sessionID string) (<-chan StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StatusEvent, 4)
	id := b.next
	b.next++
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan StatusEvent)
	}
	b.subs[sessionID][id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if m := b.subs[sessionID]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(b.subs, sessionID)
				}
			}
		})
	}
	return ch, unsubscribe
}

// Publish delivers without blocking; a subscriber that stopped draining its
// buffer misses the event and falls back to polling.
func (b *StatusBroker) Publish(event StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[event.SessionID] {
		select {
		case ch <- event:
		default:
		}
	}
}
