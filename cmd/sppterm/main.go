package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the sppterm command
func newRootCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "sppterm [device-name]",
		Short: "Terminal bridge to a BLE serial port profile peripheral",
		Long: fmt.Sprintf(`Connects to the BLE peripheral advertising the given local name, subscribes
to its SPP characteristic and relays bytes between this terminal and the
device. When the link drops, sppterm scans and reconnects on its own.

If no device name is given on the command line or in the config file, it is
read from standard input.

Keys:
  Enter    sent as LF CR, echoed as CR LF
  Ctrl-]   quit

Example:
  sppterm SensorTag
  sppterm --pty --symlink /tmp/spp SensorTag
  sppterm --backend tinygo --log-level debug --log-file /tmp/sppterm.log SensorTag

Config file (default %s):
  device: SensorTag
  retry_delay: 2s`, defaultConfigHint()),
		Args:    cobra.MaximumNArgs(1),
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, opts)
		},
	}

	// Silence Cobra's "Error:" prefix - main() prints clean errors
	cmd.SilenceErrors = true

	registerFlags(cmd, opts)

	// Add -v as a short flag for --version
	cmd.Flags().BoolP("version", "v", false, "Show version information")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
