//go:build unix

package console

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// NewTerminal wraps the controlling terminal. When in is a terminal it is
// switched to raw mode, so keys arrive one by one without line editing or
// local echo; Close restores the previous mode.
func NewTerminal(in *os.File, out io.Writer, logger *logrus.Logger) (Console, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return newFDConsole(in, out, in.Name(), logger, nil), nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to set terminal %s to raw mode: %w", in.Name(), err)
	}
	if logger != nil {
		logger.WithField("tty", in.Name()).Debug("Terminal switched to raw mode")
	}

	restore := func() error {
		if err := term.Restore(fd, state); err != nil {
			return fmt.Errorf("failed to restore terminal mode: %w", err)
		}
		return nil
	}
	return newFDConsole(in, out, in.Name(), logger, restore), nil
}
