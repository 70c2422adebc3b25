package s2s

import "sync"

// EventStream implements the delivery guarantees of [SessionHandle.Events] for
// provider implementations: at most one terminal event, after which the
// channel is closed and further events are discarded.
//
// Emit and Finish may be called from several goroutines. Stop releases any
// producer blocked on a consumer that went away.
type EventStream struct {
	ch   chan Event
	stop chan struct{}

	mu       sync.RWMutex
	finished bool
	stopOnce sync.Once
}

// NewEventStream returns a stream with the given channel buffer.
func NewEventStream(buffer int) *EventStream {
	return &EventStream{
		ch:   make(chan Event, buffer),
		stop: make(chan struct{}),
	}
}

// Events returns the consumer side of the stream.
func (s *EventStream) Events() <-chan Event {
	return s.ch
}

// Emit delivers a non-terminal event. It blocks while the buffer is full and
// returns false if the stream was stopped or finished first.
func (s *EventStream) Emit(e Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.finished {
		return false
	}
	select {
	case <-s.stop:
		return false
	default:
	}
	select {
	case s.ch <- e:
		return true
	case <-s.stop:
		return false
	}
}

// Finish delivers the terminal event e and closes the channel. Only the first
// call has any effect. If the stream was stopped and the buffer is full, e is
// dropped but the channel is still closed.
func (s *EventStream) Finish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	select {
	case s.ch <- e:
	default:
		select {
		case s.ch <- e:
		case <-s.stop:
		}
	}
	close(s.ch)
}

// Stop releases any producer blocked in Emit or Finish. It is idempotent.
func (s *EventStream) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Stopped returns a channel closed by Stop.
func (s *EventStream) Stopped() <-chan struct{} {
	return s.stop
}
