package device

import (
	"sync"
	"sync/atomic"
)

// DefaultNotificationBuffer is the default NotificationStream capacity.
const DefaultNotificationBuffer = 256

// NotificationStream delivers characteristic notification payloads in the
// order the peripheral sent them. It is fed by a single backend callback and
// drained by a single consumer.
//
// Push never blocks the platform callback: when the buffer is full the oldest
// payload is dropped and counted.
type NotificationStream struct {
	mu      sync.Mutex
	ch      chan []byte
	closed  bool
	onDrop  func(total uint64)
	dropped atomic.Uint64
}

// NewNotificationStream creates a stream with the given capacity.
func NewNotificationStream(capacity int) *NotificationStream {
	if capacity <= 0 {
		capacity = DefaultNotificationBuffer
	}
	return &NotificationStream{ch: make(chan []byte, capacity)}
}

// C returns the receive side. It is closed by Close.
func (s *NotificationStream) C() <-chan []byte {
	return s.ch
}

// Push enqueues a copy of data. Payloads pushed after Close are discarded.
func (s *NotificationStream) Push(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var dropped uint64
	select {
	case s.ch <- buf:
	default:
		// Channel full, drop the oldest
		select {
		case <-s.ch:
			dropped = s.dropped.Add(1)
		default:
		}
		s.ch <- buf
	}
	onDrop := s.onDrop
	s.mu.Unlock()

	if dropped > 0 && onDrop != nil {
		onDrop(dropped)
	}
}

// OnDrop registers fn to be called after every overflow with the number of
// payloads dropped so far. fn runs on the pushing goroutine.
func (s *NotificationStream) OnDrop(fn func(total uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrop = fn
}

// Close closes the stream. Safe to call more than once.
func (s *NotificationStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Dropped returns how many payloads were discarded due to overflow.
func (s *NotificationStream) Dropped() uint64 {
	return s.dropped.Load()
}
