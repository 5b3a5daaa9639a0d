package progress

import (
	"sync"
)

// GlobalKey subscribes to updates for all operations.
const GlobalKey = "*"

// Event pairs an operation key with its latest progress snapshot.
type Event struct {
	Key    string `json:"key"`
	Update Update `json:"update"`
}

// Publisher fans progress events out to live subscribers (SSE streams and
// WebSocket connections). Delivery is fire-and-forget.
type Publisher interface {
	Publish(event Event)
	// Subscribe returns a channel receiving events for the given key.
	// Use GlobalKey to receive events for all operations.
	Subscribe(key string) <-chan Event
	Unsubscribe(key string, ch <-chan Event)
	Close()
}

// MemoryPublisher is the in-process Publisher implementation.
type MemoryPublisher struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends an event to subscribers of its key and to global
// subscribers. Non-blocking: subscribers with full buffers miss the event;
// the tracker still holds the latest state for them to poll.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers[event.Key] {
		select {
		case ch <- event:
		default:
		}
	}
	if event.Key != GlobalKey {
		for _, ch := range p.subscribers[GlobalKey] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribe returns a channel that receives events for the given key.
func (p *MemoryPublisher) Subscribe(key string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[key] = append(p.subscribers[key], ch)
	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (p *MemoryPublisher) Unsubscribe(key string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[key]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[key] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.subscribers[key]) == 0 {
		delete(p.subscribers, key)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for key, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, key)
	}
}

// SubscriberCount returns the number of subscribers for a key.
func (p *MemoryPublisher) SubscriberCount(key string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[key])
}

// NopPublisher discards all events. Used where live fan-out is disabled.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(Event) {}

// Subscribe returns a closed channel.
func (NopPublisher) Subscribe(string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe does nothing.
func (NopPublisher) Unsubscribe(string, <-chan Event) {}

// Close does nothing.
func (NopPublisher) Close() {}
