//go:build unix

package console

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/sppterm/internal/groutine"
	"golang.org/x/sys/unix"
)

const ttyPollTimeoutMs = 20

// ttyWriter queues output in a ring buffer and drains it to a non-blocking
// descriptor from its own goroutine. Write never waits for the reader on the
// other side; bytes that do not fit the queue are dropped and logged.
type ttyWriter struct {
	fd      int
	logger  *logrus.Logger
	queue   *ringbuffer.RingBuffer
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	dropped atomic.Uint64
}

func newTTYWriter(fd, capacity int, logger *logrus.Logger) *ttyWriter {
	ctx, cancel := context.WithCancel(context.Background())
	w := &ttyWriter{
		fd:     fd,
		logger: logger,
		queue:  ringbuffer.New(capacity),
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	groutine.Go(ctx, "tty-write-loop", w.loop)
	return w
}

func (w *ttyWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := w.queue.Write(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(p) {
		total := w.dropped.Add(uint64(len(p) - n))
		w.logger.WithFields(logrus.Fields{
			"dropped": len(p) - n,
			"total":   total,
		}).Warn("PTY output buffer full, dropping bytes")
	}
	if n > 0 {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	return n, nil
}

// Dropped returns how many output bytes were discarded.
func (w *ttyWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Stop ends the write loop and waits for it. Queued bytes are discarded.
func (w *ttyWriter) Stop() {
	w.cancel()
	<-w.done
}

func (w *ttyWriter) loop(ctx context.Context) {
	defer close(w.done)

	pollFd := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLOUT}}
	chunk := make([]byte, 4096)
	for {
		n, err := w.queue.TryRead(chunk)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			w.logger.WithError(err).Warn("PTY output queue read failed")
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
			}
			continue
		}

		for off := 0; off < n; {
			written, err := unix.Write(w.fd, chunk[off:n])
			if written > 0 {
				off += written
			}
			switch {
			case err == nil, errors.Is(err, unix.EINTR):
			case errors.Is(err, unix.EAGAIN):
				if !w.waitWritable(ctx, pollFd) {
					return
				}
			case errors.Is(err, unix.EBADF):
				w.logger.Debug("PTY write loop exiting: descriptor closed")
				return
			default:
				w.logger.WithError(err).Warn("PTY write loop exiting")
				return
			}
		}
	}
}

// waitWritable polls until the descriptor accepts more bytes. It reports
// false when ctx ends first.
func (w *ttyWriter) waitWritable(ctx context.Context, pollFd []unix.PollFd) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		nReady, err := unix.Poll(pollFd, ttyPollTimeoutMs)
		if err != nil && !errors.Is(err, unix.EINTR) {
			w.logger.WithError(err).Warn("PTY write poll failed")
			return false
		}
		if nReady > 0 {
			return true
		}
	}
}
