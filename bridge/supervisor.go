package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/sppterm/internal/device"
	"github.com/srg/sppterm/internal/relay"
)

// DefaultRetryDelay is the pause between attempts after a non-link failure.
const DefaultRetryDelay = time.Second

// TargetPrompt is shown when no device name was supplied.
const TargetPrompt = "Enter device name to connect: "

// PromptTarget asks the operator for the device name and reads one line.
func PromptTarget(in io.Reader, out io.Writer) (string, error) {
	prompt := color.New(color.FgCyan, color.Bold)
	if _, err := prompt.Fprint(out, TargetPrompt); err != nil {
		return "", fmt.Errorf("failed to write prompt: %w", err)
	}
	line, err := readLine(in)
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read device name: %w", err)
	}
	name := strings.TrimSpace(line)
	if name == "" {
		return "", fmt.Errorf("device name cannot be empty")
	}
	return name, nil
}

// readLine reads up to and including the first newline one byte at a time,
// so keys typed after it are left for the console.
func readLine(in io.Reader) (string, error) {
	var line strings.Builder
	b := make([]byte, 1)
	for {
		n, err := in.Read(b)
		if n > 0 {
			line.WriteByte(b[0])
			if b[0] == '\n' {
				return line.String(), nil
			}
		}
		if err != nil {
			return line.String(), err
		}
	}
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Target     string        // device name, required
	RetryDelay time.Duration // 0 = DefaultRetryDelay, negative disables the delay
	Logger     *logrus.Logger
}

// Supervisor keeps the machine cycling until its context ends.
type Supervisor struct {
	machine *Machine
	opts    SupervisorOptions
	logger  *logrus.Logger
}

// NewSupervisor creates a supervisor for m.
func NewSupervisor(m *Machine, opts SupervisorOptions) *Supervisor {
	if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = m.logger
	}
	return &Supervisor{machine: m, opts: opts, logger: logger}
}

// Run starts the machine and reconnects after every failed or lost
// attempt. It returns nil once ctx is cancelled or the operator quits, and
// leaves the machine in Idle.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.machine.Reset()

	if err := s.machine.Start(s.opts.Target); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := s.machine.RunAttempt(ctx)

		switch {
		case ctx.Err() != nil:
			s.logger.WithField("cause", context.Cause(ctx)).Debug("Supervisor stopped")
			return nil
		case errors.Is(err, relay.ErrQuit):
			s.logger.Debug("Operator quit")
			return nil
		case errors.Is(err, ErrInvalidTransition):
			return err
		}

		delay := s.classify(attempt, err)
		if delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// classify logs the failure and returns the pause before the next attempt.
func (s *Supervisor) classify(attempt int, err error) time.Duration {
	entry := s.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"error":   err,
	})

	kind, _ := device.KindOf(err)
	switch kind {
	case device.LinkLost:
		entry.Warn("Link lost, reconnecting")
		return 0
	case device.ConnectFailed:
		entry.Debug("Connect failed, rescanning")
		return 0
	case device.ServiceNotFound:
		entry.Debug("SPP service not found")
	case device.CharacteristicNotFound:
		entry.Debug("SPP characteristic not found")
	case device.SubscribeFailed:
		entry.Debug("Subscribe failed")
	case device.WriteFailed:
		entry.Debug("Write failed")
	case device.ScanFailed, device.ScanTimeout:
		entry.Debug("Scan failed")
	default:
		entry.Debug("Attempt ended")
	}
	return s.opts.RetryDelay
}
