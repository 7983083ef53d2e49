// Package tinygo implements device.Transport with tinygo.org/x/bluetooth,
// which drives BlueZ over D-Bus on Linux and CoreBluetooth on macOS.
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sppterm/internal/device"
	"github.com/srg/sppterm/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// Transport scans and connects through one bluetooth.Adapter.
type Transport struct {
	adapter *bluetooth.Adapter
	opts    device.ConnectOptions
	logger  *logrus.Logger

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	links map[string]*device.Link // keyed by address
}

// NewTransport wraps bluetooth.DefaultAdapter.
func NewTransport(opts device.ConnectOptions, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if opts.NotificationBuffer <= 0 {
		opts.NotificationBuffer = device.DefaultNotificationBuffer
	}
	return &Transport{
		adapter: bluetooth.DefaultAdapter,
		opts:    opts,
		logger:  logger,
		links:   make(map[string]*device.Link),
	}
}

func (t *Transport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("failed to enable adapter: %w", device.NormalizeError(err))
			return
		}
		t.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if connected {
				return
			}
			addr := d.Address.String()
			t.mu.Lock()
			link, ok := t.links[addr]
			delete(t.links, addr)
			t.mu.Unlock()
			if ok && link.Close(errors.New("peripheral disconnected")) {
				t.logger.WithField("address", addr).Warn("BLE link lost")
			}
		})
	})
	return t.enableErr
}

// Open enables the adapter.
func (t *Transport) Open() error {
	return t.enable()
}

// Scan blocks until an advertisement with the exact local name is seen.
func (t *Transport) Scan(ctx context.Context, name string) (device.Identity, error) {
	if err := t.enable(); err != nil {
		return device.Identity{}, &device.Error{Kind: device.ScanFailed, Err: err}
	}

	if ctx.Err() != nil {
		return device.Identity{}, context.Cause(ctx)
	}

	m := newMatcher(name)
	done := make(chan struct{})
	groutine.Go(ctx, "tinygo-scan-stop", func(ctx context.Context) {
		stopScanUntil(ctx, done, t.adapter.StopScan, scanStopRetry)
	})

	t.logger.WithField("name", name).Debug("Scanning for device...")
	err := t.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ctx.Err() != nil || m.offer(result.LocalName(), result.Address.String(), result.Address) {
			_ = a.StopScan()
		}
	})
	close(done)

	if id, ok := m.result(); ok {
		t.logger.WithField("address", id.Address).Info("Device matched")
		return id, nil
	}
	if ctx.Err() != nil {
		return device.Identity{}, context.Cause(ctx)
	}
	if err == nil {
		err = errors.New("scan ended without a match")
	}
	return device.Identity{}, device.NewError(device.ScanFailed, device.NormalizeError(err), "scan for %q", name)
}

// Connect connects to a device found by Scan. The adapter's own connect
// timeout applies; ctx and ConnectTimeout abandon the attempt early.
func (t *Transport) Connect(ctx context.Context, id device.Identity) (device.Connection, error) {
	if err := t.enable(); err != nil {
		return nil, &device.Error{Kind: device.ConnectFailed, Err: err}
	}
	addr, ok := id.Handle.(bluetooth.Address)
	if !ok {
		return nil, device.NewError(device.ConnectFailed, nil, "device %q was not scanned by this backend", id.Name)
	}

	dialCtx := ctx
	if t.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.opts.ConnectTimeout)
		defer cancel()
	}

	type connectResult struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan connectResult, 1)
	groutine.Go(ctx, "tinygo-connect", func(context.Context) {
		dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{dev, err}
	})

	select {
	case <-dialCtx.Done():
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, device.NewError(device.ConnectFailed, dialCtx.Err(), "device %s", id.Address)
	case r := <-ch:
		if r.err != nil {
			return nil, device.NewError(device.ConnectFailed, device.NormalizeError(r.err), "device %s", id.Address)
		}
		link := device.NewLink()
		key := r.dev.Address.String()
		t.mu.Lock()
		t.links[key] = link
		t.mu.Unlock()

		conn := &connection{
			transport: t,
			key:       key,
			dev:       r.dev,
			link:      link,
		}
		groutine.Go(context.Background(), "tinygo-connection-monitor", func(context.Context) {
			<-link.Done()
			conn.closeStreams()
		})

		t.logger.WithField("address", key).Info("BLE device connected")
		return conn, nil
	}
}

const scanStopRetry = 50 * time.Millisecond

// stopScanUntil calls stop once ctx ends and repeats it every retry until
// done is closed. StopScan fails while the adapter has not started scanning
// yet, so a single call can miss a scan that registers just afterwards.
func stopScanUntil(ctx context.Context, done <-chan struct{}, stop func() error, retry time.Duration) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		_ = stop()
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (t *Transport) forget(key string, link *device.Link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[key] == link {
		delete(t.links, key)
	}
}

// matcher keeps the first advertisement whose local name is an exact match.
type matcher struct {
	name string
	once sync.Once
	mu   sync.Mutex
	id   device.Identity
	ok   bool
}

func newMatcher(name string) *matcher {
	return &matcher{name: name}
}

// offer reports whether this call produced the match.
func (m *matcher) offer(localName, address string, handle any) bool {
	if localName != m.name {
		return false
	}
	won := false
	m.once.Do(func() {
		m.mu.Lock()
		m.id = device.Identity{Name: localName, Address: address, Handle: handle}
		m.ok = true
		m.mu.Unlock()
		won = true
	})
	return won
}

func (m *matcher) result() (device.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, m.ok
}

var (
	_ device.Transport = (*Transport)(nil)
	_ device.Opener    = (*Transport)(nil)
)
