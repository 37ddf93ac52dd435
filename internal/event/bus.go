// Package event provides the in-process bus that fans detection events out
// to sinks such as the history store and the MQTT publisher.
package event

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TopicPrefix is the root of every detection topic; the event kind follows it.
const TopicPrefix = "detect.event."

// Topic returns the bus topic for a detection event kind.
func Topic(kind string) string {
	return TopicPrefix + kind
}

// Message is one entry on the bus.
type Message struct {
	Topic     string
	Source    string // component that published the message
	Timestamp time.Time
	Payload   any
}

// Handler consumes messages from the bus.
type Handler func(ctx context.Context, msg Message)

// Bus is an in-memory publish/subscribe hub.
// Publish runs handlers in the caller's goroutine, in subscription order.
// PublishAsync runs each handler in its own goroutine; Wait blocks until
// all of them have returned.
type Bus struct {
	mu       sync.RWMutex
	subs     []subscription
	nextID   uint64
	inflight sync.WaitGroup
	logger   *zap.Logger
}

type subscription struct {
	id      uint64
	prefix  string // empty matches every topic
	exact   bool
	handler Handler
}

func (s subscription) matches(topic string) bool {
	if s.exact {
		return s.prefix == topic
	}
	return strings.HasPrefix(topic, s.prefix)
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// Publish delivers msg synchronously to every matching handler.
func (b *Bus) Publish(ctx context.Context, msg Message) {
	for _, h := range b.match(msg.Topic) {
		b.safeCall(ctx, h, msg)
	}
}

// PublishAsync delivers msg to every matching handler in separate goroutines.
func (b *Bus) PublishAsync(ctx context.Context, msg Message) {
	for _, h := range b.match(msg.Topic) {
		b.inflight.Add(1)
		go func(h Handler) {
			defer b.inflight.Done()
			b.safeCall(ctx, h, msg)
		}(h)
	}
}

// Wait blocks until every handler started by PublishAsync has returned.
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// Subscribe registers handler for exactly topic.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	return b.add(subscription{prefix: topic, exact: true, handler: handler})
}

// SubscribePrefix registers handler for every topic starting with prefix.
func (b *Bus) SubscribePrefix(prefix string, handler Handler) (unsubscribe func()) {
	return b.add(subscription{prefix: prefix, handler: handler})
}

// SubscribeAll registers handler for every topic.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	return b.add(subscription{handler: handler})
}

func (b *Bus) add(s subscription) func() {
	b.mu.Lock()
	s.id = b.nextID
	b.nextID++
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.subs {
			if e.id == s.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) match(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Handler
	for _, s := range b.subs {
		if s.matches(topic) {
			out = append(out, s.handler)
		}
	}
	return out
}

func (b *Bus) safeCall(ctx context.Context, handler Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", msg.Topic),
				zap.String("source", msg.Source),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, msg)
}
