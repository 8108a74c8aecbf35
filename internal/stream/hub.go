// Package stream fans task output and status changes out to live observers.
// Each task gets its own topic for its lifetime; a slow subscriber drops
// events instead of backpressuring the producer.
package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrNoTopic = errors.New("stream: no such topic")

type EventType string

const (
	EventLine   EventType = "line"
	EventStderr EventType = "stderr"
	EventStatus EventType = "status"
)

// Event is one live update for a task: an output line or a status change.
type Event struct {
	TaskID string    `json:"task_id"`
	Type   EventType `json:"type"`
	Line   string    `json:"line,omitempty"`
	Status string    `json:"status,omitempty"`
}

type subscriber struct {
	ch      chan Event
	dropped int64
}

type topic struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// Hub owns one topic per live task. Topics are opened when a task is created
// and torn down after the terminal-state linger window, so subscriptions are
// bounded by task lifetime rather than by a process-wide registry.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	bufSize int

	onDrop func(taskID string) // optional metrics callback
}

func NewHub(subscriberBuffer int) *Hub {
	if subscriberBuffer < 1 {
		subscriberBuffer = 256
	}
	return &Hub{
		topics:  make(map[string]*topic),
		bufSize: subscriberBuffer,
	}
}

// OnDrop registers a callback invoked whenever a subscriber drops an event.
func (h *Hub) OnDrop(fn func(taskID string)) {
	h.onDrop = fn
}

// Open creates the topic for a task. Opening an existing topic is a no-op.
func (h *Hub) Open(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topics[taskID]; !ok {
		h.topics[taskID] = &topic{subs: make(map[*subscriber]struct{})}
	}
}

// Subscribe registers an observer on a task's topic. The returned cancel
// function is safe to call concurrently with delivery and more than once.
// Events published before Subscribe are not replayed.
func (h *Hub) Subscribe(taskID string) (<-chan Event, func(), error) {
	h.mu.RLock()
	t, ok := h.topics[taskID]
	h.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNoTopic
	}

	sub := &subscriber{ch: make(chan Event, h.bufSize)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, nil, ErrNoTopic
	}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			if _, still := t.subs[sub]; still {
				delete(t.subs, sub)
				close(sub.ch)
			}
			t.mu.Unlock()
		})
	}
	return sub.ch, cancel, nil
}

// Publish delivers an event to every current subscriber without blocking.
// Publishing to a missing or closed topic is a no-op.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	t, ok := h.topics[ev.TaskID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			if h.onDrop != nil {
				h.onDrop(ev.TaskID)
			}
		}
	}
}

// Close tears a topic down, closing every subscriber channel.
func (h *Hub) Close(taskID string) {
	h.mu.Lock()
	t, ok := h.topics[taskID]
	delete(h.topics, taskID)
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for sub := range t.subs {
		delete(t.subs, sub)
		close(sub.ch)
		if sub.dropped > 0 {
			log.Debug().
				Str("task_id", taskID).
				Int64("dropped", sub.dropped).
				Msg("subscriber dropped events")
		}
	}
}

// CloseAfter tears the topic down once the linger window elapses, giving
// observers time to read the terminal status event.
func (h *Hub) CloseAfter(taskID string, linger time.Duration) {
	if linger <= 0 {
		h.Close(taskID)
		return
	}
	time.AfterFunc(linger, func() { h.Close(taskID) })
}

// Subscribers reports the current subscriber count for a task.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	t, ok := h.topics[taskID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
