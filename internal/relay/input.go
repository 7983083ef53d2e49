package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sppterm/internal/device"
	"github.com/srg/sppterm/internal/groutine"
)

const (
	// DefaultPollInterval bounds how long a single key poll may wait.
	DefaultPollInterval = 20 * time.Millisecond

	// DefaultQueueSize is the capacity of the pending key FIFO.
	DefaultQueueSize = 64

	// QuitKey (Ctrl-]) ends the session like a telnet escape.
	QuitKey byte = 0x1d
)

// ErrQuit is returned by Input when the operator pressed QuitKey.
var ErrQuit = errors.New("quit requested")

// KeySource yields local key presses. PollKey waits at most timeout and
// reports ok=false when no key arrived.
type KeySource interface {
	PollKey(timeout time.Duration) (key byte, ok bool, err error)
}

// CharacteristicWriter is the write side of the remote characteristic.
type CharacteristicWriter interface {
	Write(ctx context.Context, data []byte) error
}

// InputOptions configures the input relay
type InputOptions struct {
	PollInterval time.Duration // 0 = DefaultPollInterval
	QueueSize    int           // 0 = DefaultQueueSize
	Logger       *logrus.Logger
}

// Expand returns the bytes to transmit and to echo for one key. A carriage
// return is transmitted as LF CR and echoed as CR LF.
func Expand(key byte) (wire, echo []byte) {
	if key == '\r' {
		return []byte{'\n', '\r'}, []byte{'\r', '\n'}
	}
	return []byte{key}, []byte{key}
}

// Input polls keys and relays them to char until ctx ends, a write fails or
// the operator quits. Writes are issued one at a time in typed order. When
// the key source reports io.EOF, the pending keys are still written and
// Input returns nil. Input does not return before its writer goroutine has
// exited.
func Input(ctx context.Context, keys KeySource, char CharacteristicWriter, echo io.Writer, opts InputOptions) error {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	queue := make(chan byte, opts.QueueSize)
	writeErr := make(chan error, 1)
	writerDone := make(chan struct{})

	writerCtx, cancelWriter := context.WithCancel(ctx)
	defer func() {
		cancelWriter()
		<-writerDone
	}()

	groutine.Go(writerCtx, "tty-to-ble-writer", func(ctx context.Context) {
		defer close(writerDone)
		if err := writeLoop(ctx, queue, char, echo, logger); err != nil {
			writeErr <- err
		}
	})

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case err := <-writeErr:
			return err
		default:
		}

		key, ok, err := keys.PollKey(opts.PollInterval)
		if errors.Is(err, io.EOF) {
			return drain(ctx, queue, writerDone, writeErr, logger)
		}
		if err != nil {
			return fmt.Errorf("failed to read local input: %w", err)
		}
		if !ok {
			continue
		}
		if key == QuitKey {
			logger.Debug("Quit key pressed")
			return ErrQuit
		}

		select {
		case queue <- key:
		case <-ctx.Done():
			return context.Cause(ctx)
		case err := <-writeErr:
			return err
		}
	}
}

// drain lets the writer flush the keys typed before local input ended. It
// returns nil so the session stays up with notifications only.
func drain(ctx context.Context, queue chan byte, writerDone <-chan struct{}, writeErr <-chan error, logger *logrus.Logger) error {
	logger.Info("Local input closed, relaying notifications only")
	close(queue)
	select {
	case <-writerDone:
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	select {
	case err := <-writeErr:
		return err
	default:
		return nil
	}
}

// writeLoop drains the queue, one outstanding write at a time. It returns
// nil once the queue is closed and empty.
func writeLoop(ctx context.Context, queue <-chan byte, char CharacteristicWriter, echo io.Writer, logger *logrus.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case key, ok := <-queue:
			if !ok {
				return nil
			}
			wire, local := Expand(key)
			if _, err := echo.Write(local); err != nil {
				return fmt.Errorf("failed to echo input: %w", err)
			}

			if err := char.Write(ctx, wire); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.WithFields(logrus.Fields{
					"bytes": len(wire),
					"error": err,
				}).Warn("Characteristic write failed")
				if _, ok := device.KindOf(err); ok {
					return err
				}
				return device.NewError(device.WriteFailed, err, "write %d bytes", len(wire))
			}
		}
	}
}
