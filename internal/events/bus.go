// Package events carries in-process progress events and the per-task audit trail.
package events

import (
	"slices"
	"sync"
	"time"
)

type EventType string

const (
	EventTaskStarted     EventType = "task_started"
	EventTaskCompleted   EventType = "task_completed"
	EventPhaseTransition EventType = "phase_transition"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus delivers events to subscribers through buffered channels. Publish never
// blocks; when a subscriber's buffer is full the event is dropped for it.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
	wg          sync.WaitGroup
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe func. fn
// runs on its own goroutine; a panic in fn is recovered.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.SubscribeTypes(fn, eventType)
}

// SubscribeTypes registers fn for several event types at once. All of them
// are delivered on one goroutine, in the order they were published, so fn
// needs no locking of its own.
func (b *Bus) SubscribeTypes(fn Subscriber, eventTypes ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(eventTypes) == 0 {
		return func() {}
	}

	ch := make(chan Event, b.bufferSize)
	for _, eventType := range eventTypes {
		b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		once.Do(func() {
			for _, eventType := range eventTypes {
				b.subscribers[eventType] = slices.DeleteFunc(b.subscribers[eventType], func(c chan Event) bool { return c == ch })
			}
			close(ch)
		})
	}
}

// Publish is safe on a nil or closed bus.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close stops accepting events and waits until every subscriber has
// processed what was already buffered.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		closed := make(map[chan Event]bool)
		for eventType, subs := range b.subscribers {
			for _, ch := range subs {
				if !closed[ch] {
					close(ch)
					closed[ch] = true
				}
			}
			delete(b.subscribers, eventType)
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}
