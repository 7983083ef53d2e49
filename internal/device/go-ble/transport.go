package goble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/sppterm/internal/device"
)

// Transport implements device.Transport on top of go-ble.
type Transport struct {
	opts   device.ConnectOptions
	logger *logrus.Logger

	once   sync.Once
	dev    ble.Device
	devErr error
}

// NewTransport creates a go-ble transport. The platform device is opened
// lazily on first use through DeviceFactory.
func NewTransport(opts device.ConnectOptions, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if opts.NotificationBuffer <= 0 {
		opts.NotificationBuffer = device.DefaultNotificationBuffer
	}
	return &Transport{opts: opts, logger: logger}
}

func (t *Transport) device() (ble.Device, error) {
	t.once.Do(func() {
		t.dev, t.devErr = DeviceFactory()
		if t.devErr != nil {
			t.devErr = fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(t.devErr))
		}
	})
	return t.dev, t.devErr
}

// Open creates the platform device.
func (t *Transport) Open() error {
	_, err := t.device()
	return err
}

// Scan listens for advertisements until one carries the target local name.
// The first matching advertisement wins; scanning is stopped before Scan
// returns and later matches from the same scan are ignored.
func (t *Transport) Scan(ctx context.Context, name string) (device.Identity, error) {
	dev, err := t.device()
	if err != nil {
		return device.Identity{}, &device.Error{Kind: device.ScanFailed, Err: err}
	}

	scanCtx, stopScan := context.WithCancel(ctx)
	defer stopScan()

	var once sync.Once
	matched := make(chan device.Identity, 1)
	seen := hashmap.New[string, string]()

	handler := func(adv ble.Advertisement) {
		addr := adv.Addr().String()
		if adv.LocalName() != name {
			if _, loaded := seen.GetOrInsert(addr, adv.LocalName()); !loaded {
				t.logger.WithFields(logrus.Fields{
					"address": addr,
					"name":    adv.LocalName(),
				}).Debug("Ignoring advertisement")
			}
			return
		}
		once.Do(func() {
			matched <- device.Identity{Name: name, Address: addr, Handle: adv.Addr()}
			stopScan()
		})
	}

	t.logger.WithField("name", name).Debug("Scanning for device...")
	// Duplicates are allowed: the local name may only arrive in a later scan response
	scanErr := dev.Scan(scanCtx, true, handler)

	select {
	case id := <-matched:
		t.logger.WithFields(logrus.Fields{
			"name":    id.Name,
			"address": id.Address,
			"ignored": seen.Len(),
		}).Info("Device matched")
		return id, nil
	default:
	}

	if ctx.Err() != nil {
		return device.Identity{}, context.Cause(ctx)
	}
	if scanErr == nil || errors.Is(scanErr, context.Canceled) {
		scanErr = errors.New("scan ended without a match")
	}
	return device.Identity{}, device.NewError(device.ScanFailed, device.NormalizeError(scanErr), "scan for %q", name)
}

// Connect dials the scanned device.
func (t *Transport) Connect(ctx context.Context, id device.Identity) (device.Connection, error) {
	dev, err := t.device()
	if err != nil {
		return nil, &device.Error{Kind: device.ConnectFailed, Err: err}
	}

	addr, ok := id.Handle.(ble.Addr)
	if !ok {
		if id.Address == "" {
			return nil, device.NewError(device.ConnectFailed, nil, "device %q has no address", id.Name)
		}
		addr = ble.NewAddr(id.Address)
	}

	dialCtx := ctx
	if t.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.opts.ConnectTimeout)
		defer cancel()
	}

	t.logger.WithFields(logrus.Fields{
		"address": addr.String(),
		"timeout": t.opts.ConnectTimeout,
	}).Debug("Dialing BLE device...")

	client, err := dev.Dial(dialCtx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, device.NewError(device.ConnectFailed, device.NormalizeError(err), "device %s", addr)
	}

	t.logger.WithField("address", addr.String()).Info("BLE device connected")
	return newConnection(client, t.opts.NotificationBuffer, t.logger), nil
}

var (
	_ device.Transport = (*Transport)(nil)
	_ device.Opener    = (*Transport)(nil)
)
