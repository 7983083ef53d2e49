package goble

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/sppterm/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type mockAdvertisement struct {
	ble.Advertisement
	name string
	addr ble.Addr
}

func (a *mockAdvertisement) LocalName() string { return a.name }
func (a *mockAdvertisement) Addr() ble.Addr    { return a.addr }

type mockDevice struct {
	ble.Device
	mock.Mock
	advs []ble.Advertisement
}

func (d *mockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := d.Called(allowDup)
	for _, a := range d.advs {
		h(a)
	}
	if err := args.Error(0); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *mockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := d.Called(a.String())
	client, _ := args.Get(0).(ble.Client)
	return client, args.Error(1)
}

type mockClient struct {
	ble.Client
	mock.Mock
	disconnected chan struct{}
	handler      ble.NotificationHandler
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (c *mockClient) Addr() ble.Addr                { return ble.NewAddr("aa:bb:cc:dd:ee:ff") }
func (c *mockClient) Disconnected() <-chan struct{} { return c.disconnected }
func (c *mockClient) CancelConnection() error       { return c.Called().Error(0) }

func (c *mockClient) DiscoverServices(f []ble.UUID) ([]*ble.Service, error) {
	args := c.Called(f)
	s, _ := args.Get(0).([]*ble.Service)
	return s, args.Error(1)
}

func (c *mockClient) DiscoverCharacteristics(f []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	args := c.Called(f, s)
	chars, _ := args.Get(0).([]*ble.Characteristic)
	return chars, args.Error(1)
}

func (c *mockClient) DiscoverDescriptors(f []ble.UUID, ch *ble.Characteristic) ([]*ble.Descriptor, error) {
	args := c.Called(f, ch)
	d, _ := args.Get(0).([]*ble.Descriptor)
	return d, args.Error(1)
}

func (c *mockClient) Subscribe(ch *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	c.handler = h
	return c.Called(ch, ind).Error(0)
}

func (c *mockClient) WriteCharacteristic(ch *ble.Characteristic, v []byte, noRsp bool) error {
	return c.Called(ch, string(v), noRsp).Error(0)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type GoBLETestSuite struct {
	suite.Suite
	dev          *mockDevice
	client       *mockClient
	savedFactory func() (ble.Device, error)
	tr           *Transport
}

func (s *GoBLETestSuite) SetupTest() {
	s.dev = &mockDevice{}
	s.client = newMockClient()
	s.savedFactory = DeviceFactory
	DeviceFactory = func() (ble.Device, error) { return s.dev, nil }
	s.tr = NewTransport(device.ConnectOptions{ConnectTimeout: time.Second}, quietLogger())
}

func (s *GoBLETestSuite) TearDownTest() {
	DeviceFactory = s.savedFactory
}

func (s *GoBLETestSuite) sppService() *ble.Service {
	return &ble.Service{UUID: toBleUUID(device.SPPServiceUUID)}
}

func (s *GoBLETestSuite) sppChar(prop ble.Property) *ble.Characteristic {
	return &ble.Characteristic{UUID: toBleUUID(device.SPPCharacteristicUUID), Property: prop, ValueHandle: 0x0010}
}

func (s *GoBLETestSuite) connect() device.Connection {
	s.dev.On("Dial", "aa:bb:cc:dd:ee:ff").Return(s.client, nil)
	conn, err := s.tr.Connect(context.Background(), device.Identity{Name: "spp", Address: "aa:bb:cc:dd:ee:ff"})
	s.Require().NoError(err)
	return conn
}

func (s *GoBLETestSuite) TestScanFirstMatchWins() {
	s.dev.advs = []ble.Advertisement{
		&mockAdvertisement{name: "other", addr: ble.NewAddr("11:11:11:11:11:11")},
		&mockAdvertisement{name: "other", addr: ble.NewAddr("11:11:11:11:11:11")},
		&mockAdvertisement{name: "spp", addr: ble.NewAddr("22:22:22:22:22:22")},
		&mockAdvertisement{name: "spp", addr: ble.NewAddr("33:33:33:33:33:33")},
	}
	s.dev.On("Scan", true).Return(nil)

	id, err := s.tr.Scan(context.Background(), "spp")
	s.Require().NoError(err)
	s.Equal("spp", id.Name)
	s.Equal("22:22:22:22:22:22", id.Address)
	s.dev.AssertExpectations(s.T())
}

func (s *GoBLETestSuite) TestScanCancelledReturnsCause() {
	s.dev.On("Scan", true).Return(nil)
	ctx, cancel := context.WithCancelCause(context.Background())
	stop := errors.New("operator quit")
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel(stop)
	}()

	_, err := s.tr.Scan(ctx, "spp")
	s.ErrorIs(err, stop)
}

func (s *GoBLETestSuite) TestScanPlatformFailure() {
	s.dev.On("Scan", true).Return(errors.New("hci down"))
	_, err := s.tr.Scan(context.Background(), "spp")
	s.ErrorIs(err, device.ErrScanFailed)
}

func (s *GoBLETestSuite) TestDeviceFactoryFailure() {
	DeviceFactory = func() (ble.Device, error) { return nil, errors.New("no adapter") }
	tr := NewTransport(device.ConnectOptions{}, quietLogger())
	s.ErrorContains(tr.Open(), "no adapter")
	_, err := tr.Scan(context.Background(), "spp")
	s.ErrorIs(err, device.ErrScanFailed)
	_, err = tr.Connect(context.Background(), device.Identity{Address: "aa:bb:cc:dd:ee:ff"})
	s.ErrorIs(err, device.ErrConnect)
}

func (s *GoBLETestSuite) TestConnectFailure() {
	s.dev.On("Dial", "aa:bb:cc:dd:ee:ff").Return(nil, errors.New("page timeout"))
	_, err := s.tr.Connect(context.Background(), device.Identity{Address: "aa:bb:cc:dd:ee:ff"})
	s.ErrorIs(err, device.ErrConnect)
}

func (s *GoBLETestSuite) TestServiceNotFound() {
	conn := s.connect()
	s.client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{}, nil)

	_, err := conn.DiscoverService(context.Background(), device.SPPServiceUUID)
	s.ErrorIs(err, device.ErrServiceNotFound)
}

func (s *GoBLETestSuite) TestCharacteristicNotFound() {
	conn := s.connect()
	svc := s.sppService()
	s.client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{svc}, nil)
	s.client.On("DiscoverCharacteristics", mock.Anything, svc).Return([]*ble.Characteristic{}, nil)

	service, err := conn.DiscoverService(context.Background(), device.SPPServiceUUID)
	s.Require().NoError(err)
	_, err = service.DiscoverCharacteristic(context.Background(), device.SPPCharacteristicUUID)
	s.ErrorIs(err, device.ErrCharacteristicNotFound)
}

func (s *GoBLETestSuite) TestSubscribeSynthesizesCCCDAndStreams() {
	conn := s.connect()
	svc := s.sppService()
	char := s.sppChar(ble.CharNotify | ble.CharWriteNR)
	s.client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{svc}, nil)
	s.client.On("DiscoverCharacteristics", mock.Anything, svc).Return([]*ble.Characteristic{char}, nil)
	s.client.On("DiscoverDescriptors", mock.Anything, char).Return([]*ble.Descriptor{}, nil)
	s.client.On("Subscribe", char, false).Return(nil)
	s.client.On("WriteCharacteristic", char, "\n\r", true).Return(nil)

	service, err := conn.DiscoverService(context.Background(), device.SPPServiceUUID)
	s.Require().NoError(err)
	c, err := service.DiscoverCharacteristic(context.Background(), device.SPPCharacteristicUUID)
	s.Require().NoError(err)

	s.Require().NotNil(char.CCCD)
	s.Equal(uint16(0x0011), char.CCCD.Handle)
	s.True(char.CCCD.UUID.Equal(ble.ClientCharacteristicConfigUUID))

	stream, err := c.Subscribe(context.Background())
	s.Require().NoError(err)
	s.client.handler([]byte("a"))
	s.client.handler([]byte("b"))
	s.Equal([]byte("a"), <-stream.C())
	s.Equal([]byte("b"), <-stream.C())

	s.NoError(c.Write(context.Background(), []byte("\n\r")))
	s.client.AssertExpectations(s.T())
}

func (s *GoBLETestSuite) TestLinkLossInvalidatesHandles() {
	conn := s.connect()
	svc := s.sppService()
	char := s.sppChar(ble.CharNotify | ble.CharWrite)
	s.client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{svc}, nil)
	s.client.On("DiscoverCharacteristics", mock.Anything, svc).Return([]*ble.Characteristic{char}, nil)
	s.client.On("DiscoverDescriptors", mock.Anything, char).Return(nil, errors.New("unsupported"))
	s.client.On("Subscribe", char, false).Return(nil)

	service, err := conn.DiscoverService(context.Background(), device.SPPServiceUUID)
	s.Require().NoError(err)
	c, err := service.DiscoverCharacteristic(context.Background(), device.SPPCharacteristicUUID)
	s.Require().NoError(err)
	stream, err := c.Subscribe(context.Background())
	s.Require().NoError(err)

	close(s.client.disconnected)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		s.FailNow("link loss not observed")
	}
	_, open := <-stream.C()
	s.False(open)

	err = c.Write(context.Background(), []byte("x"))
	kind, ok := device.KindOf(err)
	s.True(ok)
	s.Equal(device.LinkLost, kind)

	// Link already gone: no CancelConnection
	s.NoError(conn.Disconnect())
	s.NoError(conn.Disconnect())
	s.client.AssertNotCalled(s.T(), "CancelConnection")
}

func (s *GoBLETestSuite) TestDisconnectIsIdempotent() {
	conn := s.connect()
	s.client.On("CancelConnection").Return(errors.New("already gone")).Once()

	s.NoError(conn.Disconnect())
	s.NoError(conn.Disconnect())
	<-conn.Done()
	s.client.AssertNumberOfCalls(s.T(), "CancelConnection", 1)
}

func TestGoBLETestSuite(t *testing.T) {
	suite.Run(t, new(GoBLETestSuite))
}

func TestEnsureCCCDKeepsDiscoveredDescriptor(t *testing.T) {
	d := &ble.Descriptor{UUID: ble.ClientCharacteristicConfigUUID, Handle: 0x20}
	c := &ble.Characteristic{ValueHandle: 0x10, Descriptors: []*ble.Descriptor{d}}

	ensureCCCD(c)
	require.NotNil(t, c.CCCD)
	assert.Equal(t, uint16(0x20), c.CCCD.Handle)
}
