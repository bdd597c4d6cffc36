package swr

import "sync"

// Subscription receives snapshots of one key until Unsubscribe or Client.Close.
type Subscription[T any] struct {
	client  *Client[T]
	entry   *entry[T]
	updates chan Snapshot[T]
	once    sync.Once
}

// Key returns the subscribed key.
func (s *Subscription[T]) Key() string {
	return s.entry.key
}

// Updates delivers the latest snapshot after every change. Slow readers
// only see the most recent one. The channel is closed on Unsubscribe.
func (s *Subscription[T]) Updates() <-chan Snapshot[T] {
	return s.updates
}

// Unsubscribe stops delivery. An in-flight fetch for the key is not canceled.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.client.unsubscribe(s)
	})
}

// deliver replaces any unread snapshot with snap. Called with Client.mu held.
func (s *Subscription[T]) deliver(snap Snapshot[T]) {
	select {
	case s.updates <- snap:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}
