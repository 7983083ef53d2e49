package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/sppterm/internal/device"
	"github.com/srg/sppterm/internal/groutine"
	"github.com/srg/sppterm/internal/relay"
)

// Terminal is the local side of the bridge.
type Terminal interface {
	io.Writer
	relay.KeySource
}

// MachineOptions configures a Machine.
type MachineOptions struct {
	ServiceUUID        device.UUID // zero value means device.SPPServiceUUID
	CharacteristicUUID device.UUID // zero value means device.SPPCharacteristicUUID
	Input              relay.InputOptions
	Logger             *logrus.Logger
}

// Machine drives one peripheral through scan, connect, discovery,
// subscription and the relay session. It owns every handle it obtains and
// releases them in TearingDown.
type Machine struct {
	transport device.Transport
	term      Terminal
	opts      MachineOptions
	logger    *logrus.Logger

	mu        sync.Mutex
	state     State
	target    string
	observers []func(Transition)

	// Owned by the goroutine running RunAttempt
	conn device.Connection
}

// NewMachine creates a machine in Idle.
func NewMachine(transport device.Transport, term Terminal, opts MachineOptions) *Machine {
	if opts.ServiceUUID == (device.UUID{}) {
		opts.ServiceUUID = device.SPPServiceUUID
	}
	if opts.CharacteristicUUID == (device.UUID{}) {
		opts.CharacteristicUUID = device.SPPCharacteristicUUID
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if opts.Input.Logger == nil {
		opts.Input.Logger = logger
	}
	return &Machine{
		transport: transport,
		term:      term,
		opts:      opts,
		logger:    logger,
		state:     Idle,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Target returns the device name supplied to Start.
func (m *Machine) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// OnTransition registers fn to be called after every transition, on the
// goroutine that caused it.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Machine) fire(ev Event) error {
	m.mu.Lock()
	from := m.state
	to, err := Next(from, ev)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = to
	observers := append([]func(Transition){}, m.observers...)
	m.mu.Unlock()

	t := Transition{From: from, Event: ev, To: to}
	m.logger.WithFields(logrus.Fields{
		"from":  from.String(),
		"event": ev.String(),
		"to":    to.String(),
	}).Debug("State transition")
	for _, fn := range observers {
		fn(t)
	}
	return nil
}

// Start supplies the target device name and moves from Idle to Scanning.
func (m *Machine) Start(target string) error {
	if target == "" {
		return fmt.Errorf("failed to start: device name is required")
	}
	m.mu.Lock()
	m.target = target
	m.mu.Unlock()
	return m.fire(EventTargetSupplied)
}

// Reset drops any live connection and returns the machine to Idle.
func (m *Machine) Reset() {
	if m.conn != nil {
		_ = m.conn.Disconnect()
		m.conn = nil
	}
	m.mu.Lock()
	from := m.state
	m.state = Idle
	m.target = ""
	m.mu.Unlock()
	if from != Idle {
		m.logger.WithField("from", from.String()).Debug("State reset to Idle")
	}
}

// RunAttempt runs one connection cycle starting in Scanning. It returns the
// error that ended the cycle, which is never nil. After RunAttempt the
// machine is back in Scanning unless ctx ended while scanning, in which case
// it never left Scanning.
func (m *Machine) RunAttempt(ctx context.Context) error {
	if s := m.State(); s != Scanning {
		return fmt.Errorf("%w: attempt started in state %s", ErrInvalidTransition, s)
	}

	target := m.Target()
	id, err := m.transport.Scan(ctx, target)
	if err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{"name": id.Name, "address": id.Address}).Info("Device found")
	if err := m.fire(EventDeviceMatched); err != nil {
		return err
	}

	conn, err := m.transport.Connect(ctx, id)
	if err != nil {
		if ferr := m.fire(EventConnectFailed); ferr != nil {
			return ferr
		}
		return err
	}
	m.conn = conn
	if err := m.fire(EventConnected); err != nil {
		return err
	}

	svc, err := conn.DiscoverService(ctx, m.opts.ServiceUUID)
	if err != nil {
		return m.abort(EventServiceNotFound, err)
	}
	if err := m.fire(EventServiceFound); err != nil {
		return err
	}

	char, err := svc.DiscoverCharacteristic(ctx, m.opts.CharacteristicUUID)
	if err != nil {
		return m.abort(EventCharacteristicNotFound, err)
	}
	if err := m.fire(EventCharacteristicFound); err != nil {
		return err
	}

	stream, err := char.Subscribe(ctx)
	if err != nil {
		return m.abort(EventSubscribeFailed, err)
	}
	stream.OnDrop(func(total uint64) {
		m.logger.WithField("dropped", total).Warn("Notification buffer full, dropped oldest payload")
	})
	if err := m.fire(EventSubscribed); err != nil {
		return err
	}

	m.logger.WithField("name", target).Info("Session active")
	return m.abort(EventLinkLost, m.session(ctx, conn, char, stream))
}

// session runs both relays until one fails, the link drops or ctx ends.
func (m *Machine) session(ctx context.Context, conn device.Connection, char device.Characteristic, stream *device.NotificationStream) error {
	g, gctx := groutine.NewGroup(ctx)

	g.Go(gctx, "ble-to-tty", func(ctx context.Context) error {
		return relay.Notifications(ctx, stream.C(), m.term, m.logger)
	})
	g.Go(gctx, "tty-to-ble", func(ctx context.Context) error {
		return relay.Input(ctx, m.term, char, m.term, m.opts.Input)
	})
	g.Go(gctx, "link-watch", func(ctx context.Context) error {
		select {
		case <-conn.Done():
			return &device.Error{Kind: device.LinkLost, Msg: "peripheral disconnected"}
		case <-ctx.Done():
			return nil
		}
	})

	err := g.Wait()
	if err == nil {
		err = context.Cause(ctx)
	}
	if dropped := stream.Dropped(); dropped > 0 {
		m.logger.WithField("dropped", dropped).Debug("Session ended with dropped notifications")
	}
	return err
}

// abort moves to TearingDown with ev, disconnects and returns to Scanning.
func (m *Machine) abort(ev Event, cause error) error {
	if err := m.fire(ev); err != nil {
		return errors.Join(cause, err)
	}

	if m.conn != nil {
		if err := m.conn.Disconnect(); err != nil {
			m.logger.WithError(err).Debug("Disconnect failed")
		}
		m.conn = nil
	}

	if err := m.fire(EventCleanupComplete); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
