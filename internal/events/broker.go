// Package events provides the in-process broker behind the server-push
// progress stream. Subscribers get a snapshot of recent events on subscribe,
// so a late or reconnecting client does not depend on having seen the live
// stream from the start; the ledger remains the source of truth.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/shieldpool/bounty-cli/internal/settle"
)

const defaultHistory = 64

// Broker fans settlement progress events out to subscribers. Safe for
// concurrent use.
type Broker struct {
	mu      sync.Mutex
	subs    map[int]chan settle.Event
	nextID  int
	history []settle.Event
	cap     int
	closed  bool
}

// NewBroker creates a broker retaining up to historyCap events for
// snapshot-on-subscribe replay.
func NewBroker(historyCap int) *Broker {
	if historyCap <= 0 {
		historyCap = defaultHistory
	}
	return &Broker{
		subs: make(map[int]chan settle.Event),
		cap:  historyCap,
	}
}

// Publish delivers evt to every subscriber and appends it to the replay
// window. A subscriber that cannot keep up has the event dropped rather than
// blocking the settlement path.
func (b *Broker) Publish(evt settle.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.history = append(b.history, evt)
	if len(b.history) > b.cap {
		b.history = b.history[len(b.history)-b.cap:]
	}

	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			zap.L().Warn("dropping event for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("type", string(evt.Type)))
		}
	}
}

// Subscribe registers a new subscriber. The returned channel first replays
// the retained history, then receives live events. Call cancel to
// unsubscribe; the channel is closed afterwards.
func (b *Broker) Subscribe() (<-chan settle.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan settle.Event, b.cap*2)
	for _, evt := range b.history {
		ch <- evt
	}

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close shuts the broker down and closes all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
