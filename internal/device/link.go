package device

import (
	"sync"
)

// Link tracks the liveness of one connection. Every handle derived from the
// connection holds the same Link and checks it before each operation, so
// closing the Link invalidates all of them at once.
type Link struct {
	once  sync.Once
	done  chan struct{}
	mu    sync.Mutex
	cause error
}

// NewLink returns an open Link.
func NewLink() *Link {
	return &Link{done: make(chan struct{})}
}

// Done is closed when the link is closed.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Close marks the link closed with the given cause. Only the first call has
// an effect; it reports whether this call closed the link.
func (l *Link) Close(cause error) bool {
	closed := false
	l.once.Do(func() {
		l.mu.Lock()
		l.cause = cause
		l.mu.Unlock()
		close(l.done)
		closed = true
	})
	return closed
}

// Err returns nil while the link is open and a LinkLost error afterwards.
func (l *Link) Err() error {
	select {
	case <-l.done:
	default:
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Error{Kind: LinkLost, Msg: "stale handle", Err: l.cause}
}

// Cause returns the error passed to Close, nil while open or after a
// normal disconnect.
func (l *Link) Cause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause
}
