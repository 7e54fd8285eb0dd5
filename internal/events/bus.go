// Package events carries backend push notifications into the orchestration core.
package events

import (
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Topic names one class of backend event.
type Topic string

const (
	TopicProgress       Topic = "progress"
	TopicStatusChanged  Topic = "status-changed"
	TopicTaskDeleted    Topic = "task-deleted"
	TopicBatchOperation Topic = "batch-operation"
)

var ErrBusClosed = errors.New("event bus closed")

// Handler receives one event payload.
type Handler func(payload any)

type Subscription interface {
	Unsubscribe()
}

// Source is where subscriptions are registered.
type Source interface {
	Subscribe(topic Topic, handler Handler) (Subscription, error)
}

type subscription struct {
	id      uint64
	topic   Topic
	handler Handler
	bus     *Bus
}

func (s *subscription) Unsubscribe() {
	s.bus.unsubscribe(s.topic, s.id)
}

// Bus is a synchronous in-process pub-sub bus.
type Bus struct {
	logger *logrus.Logger

	mu     sync.RWMutex
	subs   map[Topic][]*subscription
	closed bool
	nextID atomic.Uint64
}

func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[Topic][]*subscription),
	}
}

func (b *Bus) Subscribe(topic Topic, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	sub := &subscription{
		id:      b.nextID.Add(1),
		topic:   topic,
		handler: handler,
		bus:     b,
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

func (b *Bus) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish calls every handler of topic in registration order. A panicking
// handler is logged and skipped.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.safeCall(sub.handler, topic, payload)
	}
}

func (b *Bus) safeCall(handler Handler, topic Topic, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithField("topic", topic).Errorf("event handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	handler(payload)
}

func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Close drops every subscription and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[Topic][]*subscription)
}

var _ Source = (*Bus)(nil)
