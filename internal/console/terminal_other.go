//go:build !unix

package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/sppterm/internal/groutine"
	"golang.org/x/term"
)

// NewTerminal wraps the controlling terminal. When in is a terminal it is
// switched to raw mode; Close restores the previous mode. Without a
// pollable descriptor a reader goroutine feeds the read-ahead buffer.
func NewTerminal(in *os.File, out io.Writer, logger *logrus.Logger) (Console, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	var restore func() error
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return nil, fmt.Errorf("failed to set terminal %s to raw mode: %w", in.Name(), err)
		}
		logger.WithField("tty", in.Name()).Debug("Terminal switched to raw mode")
		restore = func() error {
			if err := term.Restore(fd, state); err != nil {
				return fmt.Errorf("failed to restore terminal mode: %w", err)
			}
			return nil
		}
	}

	c := &readerConsole{
		logger:  logger,
		name:    in.Name(),
		out:     out,
		ahead:   ringbuffer.New(DefaultReadAhead),
		ready:   make(chan struct{}, 1),
		onClose: restore,
	}
	groutine.Go(context.Background(), "console-reader", func(context.Context) {
		c.readLoop(in)
	})
	return c, nil
}

// NewPTY is not available on this platform.
func NewPTY(string, *logrus.Logger) (Console, error) {
	return nil, fmt.Errorf("PTY mode: %w", errors.ErrUnsupported)
}

// readerConsole buffers bytes read by a background goroutine.
type readerConsole struct {
	logger *logrus.Logger
	name   string
	out    io.Writer
	ahead  *ringbuffer.RingBuffer
	ready  chan struct{}

	mu      sync.Mutex
	readErr error

	writeMu sync.Mutex
	closed  atomic.Bool
	onClose func() error
}

func (c *readerConsole) readLoop(in io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := c.ahead.Write(buf[:n]); werr != nil {
				c.logger.WithError(werr).Warn("Console read-ahead buffer overflow, dropping input")
			}
			c.signal()
		}
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			c.signal()
			return
		}
		if c.closed.Load() {
			return
		}
	}
}

func (c *readerConsole) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// PollKey returns the next key, waiting at most timeout for input.
func (c *readerConsole) PollKey(timeout time.Duration) (byte, bool, error) {
	if c.closed.Load() {
		return 0, false, ErrClosed
	}
	if b, err := c.ahead.ReadByte(); err == nil {
		return b, true, nil
	}

	c.mu.Lock()
	readErr := c.readErr
	c.mu.Unlock()
	if readErr != nil {
		if errors.Is(readErr, io.EOF) {
			return 0, false, io.EOF
		}
		return 0, false, fmt.Errorf("read console input: %w", readErr)
	}

	select {
	case <-c.ready:
	case <-time.After(timeout):
		return 0, false, nil
	}
	if b, err := c.ahead.ReadByte(); err == nil {
		return b, true, nil
	}
	return 0, false, nil
}

func (c *readerConsole) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.out.Write(p)
}

func (c *readerConsole) TTYName() string {
	return c.name
}

// Close restores the terminal. The reader goroutine exits with the process
// or on its next read.
func (c *readerConsole) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.onClose != nil {
		return c.onClose()
	}
	return nil
}
