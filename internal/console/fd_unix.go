//go:build unix

package console

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
)

// fdConsole reads keys from a file descriptor and writes output to out.
type fdConsole struct {
	logger *logrus.Logger
	fd     int
	name   string
	out    io.Writer
	ahead  *ringbuffer.RingBuffer
	buf    []byte

	writeMu sync.Mutex // serializes output writes from both relays
	closed  atomic.Bool
	onClose func() error
}

func newFDConsole(in *os.File, out io.Writer, ttyName string, logger *logrus.Logger, onClose func() error) *fdConsole {
	return newRawFDConsole(int(in.Fd()), out, ttyName, logger, onClose)
}

func newRawFDConsole(fd int, out io.Writer, ttyName string, logger *logrus.Logger, onClose func() error) *fdConsole {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &fdConsole{
		logger:  logger,
		fd:      fd,
		name:    ttyName,
		out:     out,
		ahead:   ringbuffer.New(DefaultReadAhead),
		buf:     make([]byte, 256),
		onClose: onClose,
	}
}

// PollKey returns the next key, waiting at most timeout for input. It
// reports io.EOF once the input side has hung up.
func (c *fdConsole) PollKey(timeout time.Duration) (byte, bool, error) {
	if c.closed.Load() {
		return 0, false, ErrClosed
	}
	if !c.ahead.IsEmpty() {
		return c.readAhead()
	}

	pollFd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	nReady, err := unix.Poll(pollFd, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("poll console input: %w", err)
	}
	if nReady == 0 {
		return 0, false, nil
	}
	if pollFd[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 && pollFd[0].Revents&unix.POLLIN == 0 {
		return 0, false, io.EOF
	}

	n, err := unix.Read(c.fd, c.buf)
	if n > 0 {
		if _, werr := c.ahead.Write(c.buf[:n]); werr != nil {
			c.logger.WithError(werr).Warn("Console read-ahead buffer overflow, dropping input")
		}
	}
	switch {
	case err == nil && n == 0:
		return 0, false, io.EOF
	case err == nil, errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
	case n <= 0:
		return 0, false, fmt.Errorf("read console input: %w", err)
	}
	if c.ahead.IsEmpty() {
		return 0, false, nil
	}
	return c.readAhead()
}

func (c *fdConsole) readAhead() (byte, bool, error) {
	b, err := c.ahead.ReadByte()
	if err != nil {
		if errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return b, true, nil
}

// Write sends output to the console.
func (c *fdConsole) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.out.Write(p)
}

func (c *fdConsole) TTYName() string {
	return c.name
}

// Close releases the console. Safe to call more than once and never waits
// for a pending Write.
func (c *fdConsole) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.onClose != nil {
		return c.onClose()
	}
	return nil
}
