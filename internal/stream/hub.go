// Package stream fans out engine updates to any number of watchers.
package stream

import (
	"context"
	"sync"
	"time"
)

// AllTopics subscribes to every topic.
const AllTopics = "*"

// HubConfig holds configuration for the Stream Hub.
type HubConfig struct {
	// BufferSize is the size of the internal publish buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:           1000,
		SubscriberBufferSize: 16,
	}
}

type envelope[T any] struct {
	topic string
	value T
}

// Hub distributes values published on a topic to that topic's subscribers
// and to AllTopics subscribers. Slow subscribers lose values instead of
// blocking the publisher.
type Hub[T any] struct {
	config      HubConfig
	mu          sync.RWMutex
	subscribers map[string][]*Subscriber[T]
	in          chan envelope[T]
	done        chan struct{}
	started     bool
	stopped     bool

	// Metrics
	metricsMu sync.RWMutex
	received  uint64
	broadcast uint64
	dropped   uint64
}

// Subscriber represents a channel subscriber with metadata.
type Subscriber[T any] struct {
	Topic        string
	Channel      chan T
	DroppedCount int
	CreatedAt    time.Time
}

// NewHub creates a new stream hub with default configuration.
func NewHub[T any]() *Hub[T] {
	return NewHubWithConfig[T](DefaultHubConfig())
}

// NewHubWithConfig creates a new stream hub with custom configuration.
func NewHubWithConfig[T any](config HubConfig) *Hub[T] {
	if config.BufferSize <= 0 {
		config.BufferSize = 1
	}
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = 1
	}
	return &Hub[T]{
		config:      config,
		subscribers: make(map[string][]*Subscriber[T]),
		in:          make(chan envelope[T], config.BufferSize),
		done:        make(chan struct{}),
	}
}

// Start begins the hub's distribution loop.
func (h *Hub[T]) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started || h.stopped {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.loop(ctx)
}

func (h *Hub[T]) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return
		case <-h.done:
			return
		case env := <-h.in:
			h.metricsMu.Lock()
			h.received++
			h.metricsMu.Unlock()
			h.deliver(env)
		}
	}
}

// Stop stops the hub and closes all subscriber channels.
func (h *Hub[T]) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.done)

	for topic, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.Channel)
		}
		delete(h.subscribers, topic)
	}
}

// Subscribe adds a subscriber for topic and returns its channel. A stopped
// hub returns a closed channel.
func (h *Hub[T]) Subscribe(topic string) <-chan T {
	ch := make(chan T, h.config.SubscriberBufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		close(ch)
		return ch
	}
	h.subscribers[topic] = append(h.subscribers[topic], &Subscriber[T]{
		Topic:     topic,
		Channel:   ch,
		CreatedAt: time.Now(),
	})
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub[T]) Unsubscribe(topic string, ch <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[topic]
	for i, sub := range subs {
		if sub.Channel == ch {
			close(sub.Channel)
			h.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[topic]) == 0 {
		delete(h.subscribers, topic)
	}
}

// Publish queues a value for distribution. It never blocks; when the buffer
// is full the value is dropped.
func (h *Hub[T]) Publish(topic string, value T) {
	select {
	case h.in <- envelope[T]{topic: topic, value: value}:
	default:
		h.metricsMu.Lock()
		h.dropped++
		h.metricsMu.Unlock()
	}
}

func (h *Hub[T]) deliver(env envelope[T]) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}

	targets := h.subscribers[env.topic]
	if env.topic != AllTopics {
		targets = append(append([]*Subscriber[T](nil), targets...), h.subscribers[AllTopics]...)
	}
	for _, sub := range targets {
		select {
		case sub.Channel <- env.value:
			h.metricsMu.Lock()
			h.broadcast++
			h.metricsMu.Unlock()
		default:
			// Skip slow consumers - non-blocking
			sub.DroppedCount++
			h.metricsMu.Lock()
			h.dropped++
			h.metricsMu.Unlock()
		}
	}
}

// SubscriberCount returns the number of subscribers for a topic.
func (h *Hub[T]) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}

// TotalSubscriberCount returns the number of subscribers across all topics.
func (h *Hub[T]) TotalSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, subs := range h.subscribers {
		count += len(subs)
	}
	return count
}

// HubMetrics contains hub performance metrics.
type HubMetrics struct {
	Received    uint64 `json:"received"`
	Broadcast   uint64 `json:"broadcast"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Metrics returns hub metrics.
func (h *Hub[T]) Metrics() HubMetrics {
	h.metricsMu.RLock()
	m := HubMetrics{Received: h.received, Broadcast: h.broadcast, Dropped: h.dropped}
	h.metricsMu.RUnlock()
	m.Subscribers = h.TotalSubscriberCount()
	return m
}

// IsStarted returns whether the hub is running.
func (h *Hub[T]) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started && !h.stopped
}

// Next waits for the next value on topic, up to timeout.
func (h *Hub[T]) Next(ctx context.Context, topic string, timeout time.Duration) (T, bool) {
	ch := h.Subscribe(topic)
	defer h.Unsubscribe(topic, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case v, ok := <-ch:
		return v, ok
	case <-timer.C:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}
