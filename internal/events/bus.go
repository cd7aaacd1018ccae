// Package events decouples the pipeline components with a small typed
// bus. The order manager publishes state changes, the broker layer and
// paper matcher publish broker events; dispatcher, positions, db sync
// and the feed subscribe. Publishers never block: when a subscriber's
// buffer is full the oldest event is dropped and a warning logged.
package events

import (
	"sync"

	"order_pipeline/internal/core"
)

// Bus implements core.IEventBus with per-subscriber bounded buffers.
type Bus struct {
	mu         sync.RWMutex
	logger     core.ILogger
	bufSize    int
	orderSubs  map[string]chan core.OrderStateChanged
	brokerSubs map[string]chan core.BrokerEvent
	closed     bool
}

// NewBus creates a bus whose subscriber buffers hold bufSize events.
func NewBus(bufSize int, logger core.ILogger) *Bus {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Bus{
		logger:     logger.WithField("component", "event_bus"),
		bufSize:    bufSize,
		orderSubs:  make(map[string]chan core.OrderStateChanged),
		brokerSubs: make(map[string]chan core.BrokerEvent),
	}
}

// PublishOrderChange fans the event out to all order-change subscribers.
func (b *Bus) PublishOrderChange(ev core.OrderStateChanged) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for name, ch := range b.orderSubs {
		select {
		case ch <- ev:
		default:
			// Full buffer: evict the oldest so the newest survives.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
			b.logger.Warn("order change buffer full, dropped oldest",
				"subscriber", name, "order_id", ev.Order.ID)
		}
	}
}

// PublishBrokerEvent fans the event out to all broker-event subscribers.
func (b *Bus) PublishBrokerEvent(ev core.BrokerEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for name, ch := range b.brokerSubs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
			b.logger.Warn("broker event buffer full, dropped oldest",
				"subscriber", name, "order_id", ev.OrderID)
		}
	}
}

// SubscribeOrderChanges registers a named order-change subscriber.
func (b *Bus) SubscribeOrderChanges(name string) <-chan core.OrderStateChanged {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan core.OrderStateChanged, b.bufSize)
	b.orderSubs[name] = ch
	return ch
}

// SubscribeBrokerEvents registers a named broker-event subscriber.
func (b *Bus) SubscribeBrokerEvents(name string) <-chan core.BrokerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan core.BrokerEvent, b.bufSize)
	b.brokerSubs[name] = ch
	return ch
}

// Unsubscribe removes the named subscription from both topics and
// closes its channels.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.orderSubs[name]; ok {
		delete(b.orderSubs, name)
		close(ch)
	}
	if ch, ok := b.brokerSubs[name]; ok {
		delete(b.brokerSubs, name)
		close(ch)
	}
}

// Close closes every subscriber channel. Publishing after Close is a
// no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, ch := range b.orderSubs {
		delete(b.orderSubs, name)
		close(ch)
	}
	for name, ch := range b.brokerSubs {
		delete(b.brokerSubs, name)
		close(ch)
	}
}
