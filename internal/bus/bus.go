// Package bus fans room, audience and response events out to in-process
// subscribers by topic prefix.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

type Event struct {
	Topic   string
	Payload any
}

// Subscription receives every event whose topic starts with its prefix on a
// segment boundary: "rooms/r1" covers "rooms/r1/events" but not
// "rooms/r10/events". The channel is closed by Unsubscribe.
type Subscription struct {
	id      uint64
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

func (s *Subscription) Prefix() string { return s.prefix }

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	if !strings.HasPrefix(topic, s.prefix) {
		return false
	}
	if s.prefix == "" || len(topic) == len(s.prefix) || strings.HasSuffix(s.prefix, "/") {
		return true
	}
	return topic[len(s.prefix)] == '/'
}

type Option func(*Bus)

// WithBufferSize sets the per-subscription channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// Bus never blocks a publisher: a subscriber that falls behind loses events.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber for topicPrefix; "" matches every topic.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, prefix: topicPrefix, ch: make(chan Event, b.bufferSize)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe is idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish returns how many subscribers took the event.
func (b *Bus) Publish(topic string, payload any) int {
	ev := Event{Topic: topic, Payload: payload}
	delivered := 0

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}
	return delivered
}

func (b *Bus) PublishNotification(topic, label string, payload any) {
	b.Publish(topic, Notification{Label: label, Payload: payload})
}

// PublishResponse sends resp to its requester's reply topic.
func (b *Bus) PublishResponse(resp Response) {
	b.Publish(resp.Requester.ReplyTo, resp)
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
