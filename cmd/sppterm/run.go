package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/sppterm/bridge"
	"github.com/srg/sppterm/internal/console"
	"github.com/srg/sppterm/internal/device"
	"github.com/srg/sppterm/internal/devicefactory"
	"github.com/srg/sppterm/internal/relay"
	"github.com/srg/sppterm/pkg/config"
)

// runOptions holds flag values that only override the config when set
type runOptions struct {
	configPath         string
	backend            string
	serviceUUID        string
	characteristicUUID string
	connectTimeout     time.Duration
	retryDelay         time.Duration
	pollInterval       time.Duration
	queueSize          int
	notificationBuffer int
	pty                bool
	symlink            string
	logLevel           string
	logFile            string
	verbose            bool
}

func registerFlags(cmd *cobra.Command, o *runOptions) {
	d := config.DefaultConfig()
	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", "", "Config file (YAML)")
	f.StringVar(&o.backend, "backend", d.Backend, fmt.Sprintf("Bluetooth backend (%s)", strings.Join(devicefactory.Names(), ", ")))
	f.StringVar(&o.serviceUUID, "service", d.ServiceUUID, "SPP service UUID")
	f.StringVar(&o.characteristicUUID, "characteristic", d.CharacteristicUUID, "SPP data characteristic UUID")
	f.DurationVar(&o.connectTimeout, "connect-timeout", d.ConnectTimeout, "Connection timeout (0 = platform default)")
	f.DurationVar(&o.retryDelay, "retry-delay", d.RetryDelay, "Pause before retrying after a failed attempt")
	f.DurationVar(&o.pollInterval, "poll-interval", d.PollInterval, "Maximum wait of one key poll")
	f.IntVar(&o.queueSize, "queue-size", d.QueueSize, "Pending key queue capacity")
	f.IntVar(&o.notificationBuffer, "buffer", d.NotificationBuffer, "Notification buffer capacity")
	f.BoolVar(&o.pty, "pty", false, "Expose the bridge on a pseudo terminal instead of this terminal")
	f.StringVar(&o.symlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/spp), requires --pty")
	f.StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&o.logFile, "log-file", "", "Write logs to this file instead of stderr")
	f.BoolVar(&o.verbose, "verbose", false, "Enable debug logging")
}

// resolveConfig loads the config file and applies the flags the operator set.
func resolveConfig(cmd *cobra.Command, args []string, o *runOptions) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("backend") {
		cfg.Backend = o.backend
	}
	if f.Changed("service") {
		cfg.ServiceUUID = o.serviceUUID
	}
	if f.Changed("characteristic") {
		cfg.CharacteristicUUID = o.characteristicUUID
	}
	if f.Changed("connect-timeout") {
		cfg.ConnectTimeout = o.connectTimeout
	}
	if f.Changed("retry-delay") {
		cfg.RetryDelay = o.retryDelay
	}
	if f.Changed("poll-interval") {
		cfg.PollInterval = o.pollInterval
	}
	if f.Changed("queue-size") {
		cfg.QueueSize = o.queueSize
	}
	if f.Changed("buffer") {
		cfg.NotificationBuffer = o.notificationBuffer
	}
	if f.Changed("pty") {
		cfg.PTY = o.pty
	}
	if f.Changed("symlink") {
		cfg.Symlink = o.symlink
	}
	if f.Changed("log-file") {
		cfg.LogFile = o.logFile
	}
	// --log-level takes precedence over --verbose
	if f.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	} else if o.verbose {
		cfg.LogLevel = "debug"
	}
	if len(args) == 1 {
		cfg.Device = args[0]
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string, o *runOptions) error {
	cfg, err := resolveConfig(cmd, args, o)
	if err != nil {
		return err
	}

	logger, closeLog, err := configureLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	target := cfg.Device
	if target == "" {
		if target, err = bridge.PromptTarget(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
			return err
		}
	}

	serviceUUID, characteristicUUID, _ := cfg.UUIDs()
	transport, err := devicefactory.NewTransport(cfg.Backend, device.ConnectOptions{
		ConnectTimeout:     cfg.ConnectTimeout,
		NotificationBuffer: cfg.NotificationBuffer,
	}, logger)
	if err != nil {
		return err
	}
	if opener, ok := transport.(device.Opener); ok {
		if err := opener.Open(); err != nil {
			return err
		}
	}

	term, err := openConsole(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := term.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close console")
		}
	}()

	// Handle interrupts gracefully
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	machine := bridge.NewMachine(transport, term, bridge.MachineOptions{
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: characteristicUUID,
		Input: relay.InputOptions{
			PollInterval: cfg.PollInterval,
			QueueSize:    cfg.QueueSize,
			Logger:       logger,
		},
		Logger: logger,
	})
	if cfg.PTY {
		newStatusPrinter(cmd.ErrOrStderr(), target).attach(machine)
	}

	logger.WithFields(logrus.Fields{
		"device":  target,
		"backend": cfg.Backend,
		"tty":     term.TTYName(),
	}).Info("Bridge starting")

	return bridge.NewSupervisor(machine, bridge.SupervisorOptions{
		Target:     target,
		RetryDelay: retryDelay(cfg.RetryDelay),
		Logger:     logger,
	}).Run(ctx)
}

// retryDelay maps a configured zero to "no delay" for the supervisor.
func retryDelay(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// openConsole opens the PTY in --pty mode and the controlling terminal
// otherwise.
func openConsole(cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger) (console.Console, error) {
	if !cfg.PTY {
		return console.NewTerminal(os.Stdin, os.Stdout, logger)
	}

	c, err := console.NewPTY(cfg.Symlink, logger)
	if err != nil {
		return nil, err
	}
	out := cmd.ErrOrStderr()
	_, _ = fmt.Fprintf(out, "PTY: %s\n", c.TTYName())
	if cfg.Symlink != "" {
		_, _ = fmt.Fprintf(out, "Symlink: %s -> %s\n", cfg.Symlink, c.TTYName())
	}
	return c, nil
}

func defaultConfigHint() string {
	if p := config.DefaultPath(); p != "" {
		return p
	}
	return "~/.config/sppterm/config.yaml"
}
