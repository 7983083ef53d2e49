//go:build unix

package console

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// NewPTY creates a pseudo terminal pair and returns a console on its master
// side. Serial applications open the slave (TTYName). When symlinkPath is
// not empty a symlink to the slave is created and removed again by Close.
//
// The master is non-blocking: output is queued and written by a background
// loop, so Write returns immediately even when no application reads the
// slave.
func NewPTY(symlinkPath string, logger *logrus.Logger) (Console, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	// Raw slave: the bridge does its own CR handling
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, closeAll(fmt.Errorf("failed to set PTY(tty) %s to raw mode: %w", slave.Name(), err), master, slave)
	}

	// Fd switches the file to blocking mode, so take it once before
	// SetNonblock and use the raw descriptor from here on
	fd := int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, closeAll(fmt.Errorf("failed to set PTY(ptyx) non-blocking: %w", err), master, slave)
	}

	ttyName := slave.Name()
	if symlinkPath != "" {
		if err := os.Symlink(ttyName, symlinkPath); err != nil {
			return nil, closeAll(fmt.Errorf("failed to create tty symlink %s -> %s: %w", symlinkPath, ttyName, err), master, slave)
		}
		logger.WithFields(logrus.Fields{
			"ttySymlink": symlinkPath,
			"target":     ttyName,
		}).Info("Created PTY symlink")
	}

	out := newTTYWriter(fd, DefaultWriteBuffer, logger)

	onClose := func() error {
		out.Stop()
		if dropped := out.Dropped(); dropped > 0 {
			logger.WithField("dropped", dropped).Warn("PTY output dropped while nobody was reading")
		}

		var errs []error
		// Remove tty symlink before closing PTY (cleanup order matters)
		if symlinkPath != "" {
			if err := os.Remove(symlinkPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove tty symlink: %w", err))
			}
		}
		if err := master.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close PTY(ptyx): %w", err))
		}
		if err := slave.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close PTY(tty): %w", err))
		}
		return errors.Join(errs...)
	}

	logger.WithField("tty", ttyName).Info("Created PTY device")
	return newRawFDConsole(fd, out, ttyName, logger, onClose), nil
}

// closeAll closes the files and joins any close error to err.
func closeAll(err error, files ...*os.File) error {
	var cleanupErrs []error
	for _, f := range files {
		if closeErr := f.Close(); closeErr != nil {
			cleanupErrs = append(cleanupErrs, closeErr)
		}
	}
	if len(cleanupErrs) > 0 {
		return fmt.Errorf("%w (cleanup errors: %v)", err, cleanupErrs)
	}
	return err
}
