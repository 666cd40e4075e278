package events

import (
	"context"
	"sync"
)

// Subscription is one subscriber's bounded queue. When full, the oldest event is dropped.
type Subscription struct {
	ID     string
	Stream string

	bus    *Bus
	notify chan struct{}

	mu      sync.Mutex
	buf     []Event
	head    int
	count   int
	dropped uint64
	closed  bool
}

// push enqueues ev and reports whether an older event was dropped to make room
func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	dropped := false
	if !s.closed {
		if s.count == len(s.buf) {
			s.head = (s.head + 1) % len(s.buf)
			s.count--
			s.dropped++
			dropped = true
		}
		s.buf[(s.head+s.count)%len(s.buf)] = ev
		s.count++
	}
	s.mu.Unlock()

	s.wake()
	return dropped
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

// TryNext pops the oldest queued event without blocking
func (s *Subscription) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return Event{}, false
	}
	ev := s.buf[s.head]
	s.buf[s.head] = Event{}
	s.head = (s.head + 1) % len(s.buf)
	s.count--
	return ev, true
}

// Next blocks until an event is available, the stream is closed and drained, or ctx is done
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if ev, ok := s.TryNext(); ok {
			return ev, nil
		}

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrStreamClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Dropped returns how many events were discarded because the queue was full
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Len returns the number of queued events
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close unsubscribes from the bus
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s)
}
