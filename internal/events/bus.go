// Package events fans session events out to subscribers: the journey
// coordinator, live UI streams, and persistence/broker sinks.
package events

import (
	"context"
	"sync"

	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/logger"
)

// Compile-time interface check.
var _ domain.EventPublisher = (*Bus)(nil)

// Handler is called synchronously for every published event. Handlers
// must not block; anything slow belongs on a channel subscription.
type Handler func(ctx context.Context, e domain.Event)

type subscription struct {
	id      uint64
	name    string
	handler Handler
	ch      chan domain.Event
}

// Bus is an in-process publish/subscribe hub. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []*subscription
	log    *logger.Logger
}

// NewBus creates an empty bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{log: log}
}

// Subscribe registers a synchronous handler. The returned func removes it.
func (b *Bus) Subscribe(name string, h Handler) func() {
	return b.add(&subscription{name: name, handler: h})
}

// SubscribeChan registers a buffered channel subscription. Events are
// dropped with a warning when the buffer is full. The returned func
// removes the subscription and closes the channel.
func (b *Bus) SubscribeChan(name string, buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &subscription{name: name, ch: make(chan domain.Event, buffer)}
	return sub.ch, b.add(sub)
}

func (b *Bus) add(sub *subscription) func() {
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.log.Debug("bus: subscribed %s", sub.name)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id != id {
			continue
		}
		b.subs = append(b.subs[:i], b.subs[i+1:]...)
		if sub.ch != nil {
			close(sub.ch)
		}
		b.log.Debug("bus: unsubscribed %s", sub.name)
		return
	}
}

// Publish delivers e to every subscriber.
func (b *Bus) Publish(ctx context.Context, e domain.Event) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	b.log.Debug("bus: %s session=%s state=%s subscribers=%d", e.Type, e.SessionID, e.State, len(subs))

	for _, sub := range subs {
		if sub.handler != nil {
			b.call(ctx, sub, e)
			continue
		}
		b.send(sub, e)
	}
}

func (b *Bus) call(ctx context.Context, sub *subscription, e domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bus: handler %s panicked on %s: %v", sub.name, e.Type, r)
		}
	}()
	sub.handler(ctx, e)
}

// send is non-blocking. The read lock keeps remove from closing the
// channel mid-send.
func (b *Bus) send(sub *subscription, e domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, live := range b.subs {
		if live.id != sub.id {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.log.Warn("bus: subscriber %s is full, dropping %s for session %s", sub.name, e.Type, e.SessionID)
		}
		return
	}
}
