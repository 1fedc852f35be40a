package commandqueue

import (
	"sync"
	"time"
)

// EventType names a queue event.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventCompleted EventType = "completed"
)

// Event describes one queue transition. QueueSize is set on enqueue,
// Duration and Err on completion.
type Event struct {
	Type      EventType
	Lane      string
	TaskID    string
	QueueSize int
	Duration  time.Duration
	Err       error
}

// EventHandler receives queue events synchronously.
type EventHandler func(Event)

type eventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
}

func (b *eventBus) on(t EventType, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[EventType][]EventHandler)
	}
	b.handlers[t] = append(b.handlers[t], h)
}

func (b *eventBus) off(t EventType) {
	b.mu.Lock()
	delete(b.handlers, t)
	b.mu.Unlock()
}

func (b *eventBus) emit(e Event) {
	b.mu.RLock()
	hs := b.handlers[e.Type]
	b.mu.RUnlock()
	for _, h := range hs {
		h(e)
	}
}
