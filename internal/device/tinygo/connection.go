package tinygo

import (
	"context"
	"sync"

	"github.com/srg/sppterm/internal/device"
	"tinygo.org/x/bluetooth"
)

type connection struct {
	transport *Transport
	key       string
	dev       bluetooth.Device
	link      *device.Link

	mu         sync.Mutex
	streams    []*device.NotificationStream
	disconnect sync.Once
}

func (c *connection) Done() <-chan struct{} {
	return c.link.Done()
}

func (c *connection) Disconnect() error {
	c.disconnect.Do(func() {
		lost := c.link.Err() != nil
		c.link.Close(nil)
		c.transport.forget(c.key, c.link)
		c.closeStreams()
		if lost {
			return
		}
		if err := c.dev.Disconnect(); err != nil {
			c.transport.logger.WithError(err).Debug("Disconnect failed")
		}
	})
	return nil
}

func (c *connection) closeStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.streams {
		s.Close()
	}
	c.streams = nil
}

func (c *connection) track(s *device.NotificationStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link.Err() != nil {
		s.Close()
		return
	}
	c.streams = append(c.streams, s)
}

// call runs a blocking adapter operation while honoring ctx and link loss.
func call[T any](ctx context.Context, link *device.Link, fn func() (T, error)) (T, error) {
	var zero T
	if err := link.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if err := link.Err(); err != nil {
				return zero, err
			}
			return zero, device.NormalizeError(r.err)
		}
		return r.v, nil
	case <-link.Done():
		return zero, link.Err()
	case <-ctx.Done():
		return zero, context.Cause(ctx)
	}
}

func (c *connection) DiscoverService(ctx context.Context, u device.UUID) (device.Service, error) {
	want := toUUID(u)
	svcs, err := call(ctx, c.link, func() ([]bluetooth.DeviceService, error) {
		return c.dev.DiscoverServices([]bluetooth.UUID{want})
	})
	if err != nil {
		return nil, classify(ctx, err, device.ServiceNotFound, "service %s", u)
	}
	for i := range svcs {
		if svcs[i].UUID() == want {
			return &service{conn: c, uuid: u, svc: svcs[i]}, nil
		}
	}
	return nil, device.NewError(device.ServiceNotFound, nil, "service %s", u)
}

type service struct {
	conn *connection
	uuid device.UUID
	svc  bluetooth.DeviceService
}

func (s *service) UUID() device.UUID { return s.uuid }

func (s *service) DiscoverCharacteristic(ctx context.Context, u device.UUID) (device.Characteristic, error) {
	want := toUUID(u)
	chars, err := call(ctx, s.conn.link, func() ([]bluetooth.DeviceCharacteristic, error) {
		return s.svc.DiscoverCharacteristics([]bluetooth.UUID{want})
	})
	if err != nil {
		return nil, classify(ctx, err, device.CharacteristicNotFound, "characteristic %s", u)
	}
	for i := range chars {
		if chars[i].UUID() == want {
			return &characteristic{conn: s.conn, uuid: u, char: chars[i]}, nil
		}
	}
	return nil, device.NewError(device.CharacteristicNotFound, nil, "characteristic %s in service %s", u, s.uuid)
}

type characteristic struct {
	conn *connection
	uuid device.UUID
	char bluetooth.DeviceCharacteristic
}

func (ch *characteristic) UUID() device.UUID { return ch.uuid }

// Subscribe enables notifications. The platform stack writes the CCCD.
func (ch *characteristic) Subscribe(ctx context.Context) (*device.NotificationStream, error) {
	stream := device.NewNotificationStream(ch.conn.transport.opts.NotificationBuffer)
	_, err := call(ctx, ch.conn.link, func() (struct{}, error) {
		return struct{}{}, ch.char.EnableNotifications(stream.Push)
	})
	if err != nil {
		stream.Close()
		return nil, classify(ctx, err, device.SubscribeFailed, "characteristic %s", ch.uuid)
	}
	ch.conn.track(stream)
	return stream, nil
}

func (ch *characteristic) Write(ctx context.Context, data []byte) error {
	payload := make([]byte, len(data))
	copy(payload, data)
	_, err := call(ctx, ch.conn.link, func() (int, error) {
		return ch.char.WriteWithoutResponse(payload)
	})
	if err != nil {
		return classify(ctx, err, device.WriteFailed, "characteristic %s", ch.uuid)
	}
	return nil
}

func classify(ctx context.Context, err error, kind device.ErrorKind, format string, args ...any) error {
	if ctx.Err() != nil && err == context.Cause(ctx) {
		return err
	}
	if k, ok := device.KindOf(err); ok && k == device.LinkLost {
		return err
	}
	return device.NewError(kind, err, format, args...)
}

// toUUID converts to the adapter's UUID representation.
func toUUID(u device.UUID) bluetooth.UUID {
	return bluetooth.NewUUID([16]byte(u))
}

var (
	_ device.Connection     = (*connection)(nil)
	_ device.Service        = (*service)(nil)
	_ device.Characteristic = (*characteristic)(nil)
)
