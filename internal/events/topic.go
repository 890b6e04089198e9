// ABOUTME: Generic typed topic with callback subscribers.
// ABOUTME: Publish is synchronous and isolates subscriber panics.

package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type subscriber[T any] struct {
	id string
	fn func(T)
}

// Topic delivers values of one type to its subscribers in subscription order.
type Topic[T any] struct {
	name   string
	mu     sync.RWMutex
	subs   []subscriber[T]
	logger *slog.Logger
}

// NewTopic creates a topic. Pass nil logger for default.
func NewTopic[T any](name string, logger *slog.Logger) *Topic[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topic[T]{
		name:   name,
		logger: logger.With("component", "events", "topic", name),
	}
}

// Subscribe registers fn and returns an id for Unsubscribe.
func (t *Topic[T]) Subscribe(fn func(T)) string {
	id := uuid.New().String()
	t.mu.Lock()
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})
	t.mu.Unlock()
	return id
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (t *Topic[T]) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Publish calls every subscriber with v and returns how many were called.
// Subscribers run on the caller's goroutine.
func (t *Topic[T]) Publish(v T) int {
	t.mu.RLock()
	targets := make([]subscriber[T], len(t.subs))
	copy(targets, t.subs)
	t.mu.RUnlock()

	for _, s := range targets {
		t.deliver(s, v)
	}
	return len(targets)
}

func (t *Topic[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("subscriber panicked", "sub_id", s.id, "panic", fmt.Sprint(r))
		}
	}()
	s.fn(v)
}

// Stream adapts the topic to a channel. Values are dropped when the buffer
// is full. The channel closes when ctx is cancelled.
func (t *Topic[T]) Stream(ctx context.Context, buffer int) <-chan T {
	ch := make(chan T, buffer)
	var mu sync.Mutex
	closed := false

	id := t.Subscribe(func(v T) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- v:
		default:
			t.logger.Debug("dropped event for slow stream")
		}
	})

	go func() {
		<-ctx.Done()
		t.Unsubscribe(id)
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}
