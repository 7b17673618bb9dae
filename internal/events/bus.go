// Package events carries completion signals between pipelines, the recovery
// scan and the completion monitor, keyed by dedupe key.
package events

import "sync"

// Completion announces that a finished file for a dedupe key exists on disk.
type Completion struct {
	DedupeKey    string
	Path         string
	BytesWritten int64
}

// subscriber queues are buffered; a key sees at most a handful of
// completions, so the buffer overflows only under pathological load.
const subscriberBuffer = 16

// subscriber pairs the delivery channel with a done signal so an overflowing
// publish can stop blocking once the waiter unsubscribes.
type subscriber struct {
	ch     chan Completion
	done   chan struct{}
	closed bool
}

// Bus is an in-memory pub/sub map of dedupe key to waiter queues. Publish
// snapshots the subscriber list and delivers outside the lock.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

// Subscribe registers a new waiter queue for the key. Events published after
// this call are guaranteed to be delivered to the returned channel for as
// long as the subscription is live.
func (b *Bus) Subscribe(dedupeKey string) chan Completion {
	s := &subscriber{ch: make(chan Completion, subscriberBuffer), done: make(chan struct{})}
	b.mu.Lock()
	b.subs[dedupeKey] = append(b.subs[dedupeKey], s)
	b.mu.Unlock()
	return s.ch
}

// Unsubscribe removes the queue and releases any publisher still blocked on
// it. Idempotent.
func (b *Bus) Unsubscribe(dedupeKey string, ch chan Completion) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queues := b.subs[dedupeKey]
	for i, s := range queues {
		if s.ch == ch {
			if !s.closed {
				s.closed = true
				close(s.done)
			}
			b.subs[dedupeKey] = append(queues[:i], queues[i+1:]...)
			break
		}
	}
	if len(b.subs[dedupeKey]) == 0 {
		delete(b.subs, dedupeKey)
	}
}

// Publish delivers the completion to every queue currently subscribed to its
// key. A queue whose buffer is full gets the event from a goroutine that
// blocks until the subscriber drains or unsubscribes, so no event is lost
// while a subscription is live.
func (b *Bus) Publish(ev Completion) {
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subs[ev.DedupeKey]))
	copy(subs, b.subs[ev.DedupeKey])
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		default:
			go func(s *subscriber) {
				select {
				case s.ch <- ev:
				case <-s.done:
				}
			}(s)
		}
	}
}
