// internal/events/bus.go
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types published by the bridge
const (
	TypeTransaction = "transaction"
	TypeSession     = "session"
	TypeLink        = "link"
	TypeHeartbeat   = "heartbeat"

	// TypeAll subscribes to every event type
	TypeAll = "*"
)

// Event represents a system event
type Event struct {
	Type      string                 `json:"type" cbor:"type"`
	Source    string                 `json:"source" cbor:"source"`
	Data      map[string]interface{} `json:"data" cbor:"data"`
	Timestamp time.Time              `json:"timestamp" cbor:"timestamp"`
}

// NewEvent stamps an event with the current time
func NewEvent(eventType, source string, data map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher is anything events can be published to
type Publisher interface {
	Publish(event Event)
}

// Bus manages event distribution. Publish never blocks; a full bus or a
// slow subscriber loses events.
type Bus struct {
	subscribers map[string][]chan Event
	events      chan Event
	mutex       sync.RWMutex
	logger      *zap.Logger
	dropped     uint64
	done        chan struct{}
	closeOnce   sync.Once
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string][]chan Event),
		events:      make(chan Event, 1000),
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Start distributes events until Close is called
func (b *Bus) Start() {
	for {
		select {
		case event := <-b.events:
			b.distributeEvent(event)
		case <-b.done:
			return
		}
	}
}

// Publish publishes an event
func (b *Bus) Publish(event Event) {
	select {
	case b.events <- event:
	default:
		b.mutex.Lock()
		b.dropped++
		b.mutex.Unlock()
		if b.logger != nil {
			b.logger.Warn("Event bus full, dropping event",
				zap.String("event_type", event.Type),
			)
		}
	}
}

// Subscribe subscribes to events of a specific type, or TypeAll
func (b *Bus) Subscribe(eventType string) <-chan Event {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	subscriber := make(chan Event, 100)
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
	return subscriber
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(eventType string, ch <-chan Event) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	subscribers := b.subscribers[eventType]
	for i, subscriber := range subscribers {
		if subscriber == ch {
			b.subscribers[eventType] = append(subscribers[:i], subscribers[i+1:]...)
			close(subscriber)
			return
		}
	}
}

// Dropped returns how many events were lost to a full bus
func (b *Bus) Dropped() uint64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.dropped
}

// Close stops distribution
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// distributeEvent distributes an event to subscribers
func (b *Bus) distributeEvent(event Event) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	deliver := func(subscribers []chan Event) {
		for _, subscriber := range subscribers {
			select {
			case subscriber <- event:
			default:
				// Subscriber is slow, skip
			}
		}
	}

	deliver(b.subscribers[event.Type])
	if event.Type != TypeAll {
		deliver(b.subscribers[TypeAll])
	}
}
