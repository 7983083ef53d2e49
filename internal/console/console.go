// Package console provides the local side of the bridge: a key source that
// can be polled without blocking and an output sink.
//
// Two implementations exist:
//
//	// Controlling terminal in raw mode (restored by Close):
//	c, err := console.NewTerminal(os.Stdin, os.Stdout, logger)
//
//	// Pseudo terminal for serial applications, optionally symlinked:
//	c, err := console.NewPTY("/tmp/spp", logger)
//	// c.TTYName() -> "/dev/pts/X"
//
// On Unix both poll the input descriptor with unix.Poll and buffer read-ahead
// bytes in a ring buffer, so PollKey returns one key at a time in typed order
// and never waits longer than its timeout. PTY output is queued and drained
// by a background writer, so a PTY that nobody reads never blocks the bridge.
// Elsewhere a reader goroutine feeds the same ring buffer and PTY mode is
// unavailable.
package console

import (
	"errors"
	"io"
	"time"
)

const (
	// DefaultReadAhead is the read-ahead ring buffer capacity in bytes.
	DefaultReadAhead = 1024

	// DefaultWriteBuffer is the PTY output queue capacity in bytes.
	DefaultWriteBuffer = 64 * 1024
)

// Console is a pollable key source plus an output sink.
type Console interface {
	io.Writer
	PollKey(timeout time.Duration) (key byte, ok bool, err error)
	TTYName() string // path of the tty device, empty if unknown
	Close() error
}

// ErrClosed is returned by PollKey and Write after Close.
var ErrClosed = errors.New("console closed")
