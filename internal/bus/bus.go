// Package bus provides the in-process publish/subscribe fan-out that
// decouples state mutation (audit logging, context updates) from the
// components that trigger it.
//
// Delivery is synchronous and in subscription order, but a subscriber
// panic is isolated: it is logged and never blocks or fails the
// publishing transition.
package bus

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultMaxSubscribers bounds the subscriber list so a leak in wiring
// code fails loudly instead of degrading every publish.
const DefaultMaxSubscribers = 32

// ErrTooManySubscribers is returned when the subscriber list is full.
var ErrTooManySubscribers = errors.New("bus: subscriber limit reached")

// Event is any published payload; subscribers type-switch on the
// concrete event types in pkg/models.
type Event interface{}

// Handler receives published events.
type Handler func(Event)

// Bus is a bounded in-process pub/sub fan-out.
type Bus struct {
	mu   sync.RWMutex
	subs []Handler
	max  int
}

// New creates a Bus with the default subscriber bound.
func New() *Bus {
	return &Bus{max: DefaultMaxSubscribers}
}

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) >= b.max {
		return ErrTooManySubscribers
	}
	b.subs = append(b.subs, h)
	return nil
}

// Publish delivers e to every subscriber. Subscriber panics are
// recovered and logged so one bad observer cannot fail the transition
// being announced.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]Handler, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, h := range subs {
		deliver(h, e)
	}
}

func deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Type("event", e).Msg("Bus subscriber panicked")
		}
	}()
	h(e)
}
