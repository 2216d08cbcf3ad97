package events

import "sync"

// Subscriber is a function that receives records.
type Subscriber func(Record)

// Bus is a non-blocking event bus using Publish/Subscribe pattern. Records
// are delivered asynchronously via buffered channels. If a subscriber's
// channel is full, the record is dropped silently.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Record
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[Type][]chan Record),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type. The subscriber
// function is called asynchronously in a goroutine. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(eventType Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Record, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for rec := range ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						// Recover from subscriber panics to prevent bus disruption
					}
				}()
				fn(rec)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends a record to all subscribers of the given type. Uses select
// with default to ensure non-blocking behavior: if a subscriber's channel is
// full, the record is dropped for that subscriber.
func (b *Bus) Publish(eventType Type, rec Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- rec:
		default:
			// Channel full, drop to avoid blocking the publisher
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
