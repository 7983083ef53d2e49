package goble

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/sppterm/internal/device"
	"github.com/srg/sppterm/internal/groutine"
)

type connection struct {
	client ble.Client
	link   *device.Link
	logger *logrus.Logger
	buffer int

	mu         sync.Mutex
	streams    []*device.NotificationStream
	disconnect sync.Once
}

func newConnection(client ble.Client, buffer int, logger *logrus.Logger) *connection {
	c := &connection{
		client: client,
		link:   device.NewLink(),
		logger: logger,
		buffer: buffer,
	}

	groutine.Go(context.Background(), "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			if c.link.Close(errors.New("peripheral disconnected")) {
				c.logger.WithField("address", client.Addr().String()).Warn("BLE link lost")
			}
		case <-c.link.Done():
		}
		c.closeStreams()
	})

	return c
}

func (c *connection) Done() <-chan struct{} {
	return c.link.Done()
}

// Disconnect cancels the platform connection once. Teardown errors are logged
// and never returned.
func (c *connection) Disconnect() error {
	c.disconnect.Do(func() {
		lost := c.link.Err() != nil
		c.link.Close(nil)
		c.closeStreams()
		if lost {
			return
		}
		if err := c.client.CancelConnection(); err != nil {
			c.logger.WithError(err).Debug("Cancel connection failed")
		}
	})
	return nil
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

func (c *connection) closeStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.streams {
		s.Close()
	}
	c.streams = nil
}

// call runs a blocking client operation while honoring ctx and link loss.
// go-ble calls take no context, so an abandoned call finishes in the background.
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
	filter := []ble.UUID{toBleUUID(u)}
	services, err := call(ctx, c.link, func() ([]*ble.Service, error) {
		return c.client.DiscoverServices(filter)
	})
	if err != nil {
		return nil, classify(ctx, err, device.ServiceNotFound, "service %s", u)
	}

	for _, s := range services {
		if s.UUID.Equal(filter[0]) {
			c.logger.WithField("service", device.ShortenUUID(u)).Debug("Service discovered")
			return &service{conn: c, uuid: u, svc: s}, nil
		}
	}
	return nil, device.NewError(device.ServiceNotFound, nil, "service %s", u)
}

type service struct {
	conn *connection
	uuid device.UUID
	svc  *ble.Service
}

func (s *service) UUID() device.UUID {
	return s.uuid
}

func (s *service) DiscoverCharacteristic(ctx context.Context, u device.UUID) (device.Characteristic, error) {
	c := s.conn
	filter := []ble.UUID{toBleUUID(u)}
	chars, err := call(ctx, c.link, func() ([]*ble.Characteristic, error) {
		return c.client.DiscoverCharacteristics(filter, s.svc)
	})
	if err != nil {
		return nil, classify(ctx, err, device.CharacteristicNotFound, "characteristic %s", u)
	}

	var found *ble.Characteristic
	for _, ch := range chars {
		if ch.UUID.Equal(filter[0]) {
			found = ch
			break
		}
	}
	if found == nil {
		return nil, device.NewError(device.CharacteristicNotFound, nil, "characteristic %s in service %s", u, s.uuid)
	}

	// Descriptors are needed to locate the CCCD; discovery failure is not fatal
	if _, err := call(ctx, c.link, func() ([]*ble.Descriptor, error) {
		return c.client.DiscoverDescriptors(nil, found)
	}); err != nil {
		if kind, ok := device.KindOf(err); ok && kind == device.LinkLost {
			return nil, err
		}
		c.logger.WithError(err).Debug("Descriptor discovery failed")
	}
	ensureCCCD(found)

	c.logger.WithFields(logrus.Fields{
		"characteristic": device.ShortenUUID(u),
		"handle":         found.ValueHandle,
	}).Debug("Characteristic discovered")
	return &characteristic{conn: c, uuid: u, char: found}, nil
}

// ensureCCCD synthesizes the Client Characteristic Configuration descriptor
// at the handle following the value when the peripheral does not expose it.
func ensureCCCD(c *ble.Characteristic) {
	if c.CCCD != nil {
		return
	}
	cccdUUID := ble.ClientCharacteristicConfigUUID
	for _, d := range c.Descriptors {
		if d.UUID.Equal(cccdUUID) {
			c.CCCD = d
			return
		}
	}
	c.CCCD = &ble.Descriptor{UUID: cccdUUID, Handle: c.ValueHandle + 1}
}

type characteristic struct {
	conn *connection
	uuid device.UUID
	char *ble.Characteristic
}

func (ch *characteristic) UUID() device.UUID {
	return ch.uuid
}

func (ch *characteristic) Subscribe(ctx context.Context) (*device.NotificationStream, error) {
	c := ch.conn
	stream := device.NewNotificationStream(c.buffer)
	indicate := ch.char.Property&ble.CharNotify == 0 && ch.char.Property&ble.CharIndicate != 0

	_, err := call(ctx, c.link, func() (struct{}, error) {
		return struct{}{}, c.client.Subscribe(ch.char, indicate, stream.Push)
	})
	if err != nil {
		stream.Close()
		return nil, classify(ctx, err, device.SubscribeFailed, "characteristic %s", ch.uuid)
	}

	c.track(stream)
	c.logger.WithFields(logrus.Fields{
		"characteristic": device.ShortenUUID(ch.uuid),
		"indicate":       indicate,
	}).Debug("Subscribed to notifications")
	return stream, nil
}

func (ch *characteristic) Write(ctx context.Context, data []byte) error {
	c := ch.conn
	noRsp := ch.char.Property&ble.CharWrite == 0 && ch.char.Property&ble.CharWriteNR != 0
	payload := make([]byte, len(data))
	copy(payload, data)

	_, err := call(ctx, c.link, func() (struct{}, error) {
		return struct{}{}, c.client.WriteCharacteristic(ch.char, payload, noRsp)
	})
	if err != nil {
		return classify(ctx, err, device.WriteFailed, "characteristic %s", ch.uuid)
	}
	return nil
}

// classify keeps context and LinkLost errors untouched and tags the rest.
func classify(ctx context.Context, err error, kind device.ErrorKind, format string, args ...any) error {
	if ctx.Err() != nil && errors.Is(err, context.Cause(ctx)) {
		return err
	}
	if k, ok := device.KindOf(err); ok && k == device.LinkLost {
		return err
	}
	return device.NewError(kind, err, format, args...)
}

func toBleUUID(u device.UUID) ble.UUID {
	return ble.MustParse(u.String())
}

var (
	_ device.Connection     = (*connection)(nil)
	_ device.Service        = (*service)(nil)
	_ device.Characteristic = (*characteristic)(nil)
)
