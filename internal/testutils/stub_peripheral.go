package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/srg/sppterm/internal/device"
)

// Step names a transport operation a StubPeripheral can be told to fail.
type Step string

const (
	StepScan           Step = "scan"
	StepConnect        Step = "connect"
	StepService        Step = "service"
	StepCharacteristic Step = "characteristic"
	StepSubscribe      Step = "subscribe"
	StepWrite          Step = "write"
)

var stepKinds = map[Step]device.ErrorKind{
	StepScan:           device.ScanFailed,
	StepConnect:        device.ConnectFailed,
	StepService:        device.ServiceNotFound,
	StepCharacteristic: device.CharacteristicNotFound,
	StepSubscribe:      device.SubscribeFailed,
	StepWrite:          device.WriteFailed,
}

// StubPeripheral is an in-memory device.Transport serving one named
// peripheral with the SPP service. Failures are scripted per step and
// consumed in order.
//
//	stub := testutils.NewStubPeripheral("SensorTag").WithEcho()
//	stub.FailNext(testutils.StepConnect, 1)
//	m := bridge.NewMachine(stub, term, bridge.MachineOptions{})
type StubPeripheral struct {
	name           string
	service        device.UUID
	characteristic device.UUID
	echo           bool

	mu          sync.Mutex
	failures    map[Step]int
	scans       int
	connections []*StubConnection
	writes      [][]byte
	connected   chan *StubConnection
}

// NewStubPeripheral creates a stub advertising name.
func NewStubPeripheral(name string) *StubPeripheral {
	return &StubPeripheral{
		name:           name,
		service:        device.SPPServiceUUID,
		characteristic: device.SPPCharacteristicUUID,
		failures:       make(map[Step]int),
		connected:      make(chan *StubConnection, 16),
	}
}

// WithEcho makes the characteristic notify every written payload back.
func (p *StubPeripheral) WithEcho() *StubPeripheral {
	p.echo = true
	return p
}

// WithService overrides the exposed service UUID.
func (p *StubPeripheral) WithService(u device.UUID) *StubPeripheral {
	p.service = u
	return p
}

// WithCharacteristic overrides the exposed characteristic UUID.
func (p *StubPeripheral) WithCharacteristic(u device.UUID) *StubPeripheral {
	p.characteristic = u
	return p
}

// FailNext makes the next n calls of step fail with its error kind.
func (p *StubPeripheral) FailNext(step Step, n int) *StubPeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[step] += n
	return p
}

func (p *StubPeripheral) fail(step Step) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures[step] <= 0 {
		return nil
	}
	p.failures[step]--
	return device.NewError(stepKinds[step], errors.New("scripted failure"), "stub %s", step)
}

// Scan matches immediately when name is the advertised one and otherwise
// blocks until ctx ends.
func (p *StubPeripheral) Scan(ctx context.Context, name string) (device.Identity, error) {
	p.mu.Lock()
	p.scans++
	p.mu.Unlock()

	if err := p.fail(StepScan); err != nil {
		return device.Identity{}, err
	}
	if name != p.name {
		<-ctx.Done()
		return device.Identity{}, context.Cause(ctx)
	}
	if err := ctx.Err(); err != nil {
		return device.Identity{}, context.Cause(ctx)
	}
	return device.Identity{Name: p.name, Address: "stub:" + p.name}, nil
}

// Connect opens a fresh connection with its own link.
func (p *StubPeripheral) Connect(ctx context.Context, id device.Identity) (device.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	if id.Name != p.name {
		return nil, device.NewError(device.ConnectFailed, nil, "unknown device %q", id.Name)
	}
	if err := p.fail(StepConnect); err != nil {
		return nil, err
	}

	p.mu.Lock()
	conn := &StubConnection{
		peripheral: p,
		index:      len(p.connections),
		link:       device.NewLink(),
	}
	p.connections = append(p.connections, conn)
	p.mu.Unlock()
	return conn, nil
}

// Scans returns how many times Scan was called.
func (p *StubPeripheral) Scans() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scans
}

// Connections returns every connection opened so far, oldest first.
func (p *StubPeripheral) Connections() []*StubConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*StubConnection(nil), p.connections...)
}

// Subscribed delivers each connection once its characteristic subscribed.
func (p *StubPeripheral) Subscribed() <-chan *StubConnection {
	return p.connected
}

// Writes returns all written payloads across connections, in order.
func (p *StubPeripheral) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	for i, w := range p.writes {
		out[i] = string(w)
	}
	return out
}

// StubConnection is one link to a StubPeripheral.
type StubConnection struct {
	peripheral *StubPeripheral
	index      int
	link       *device.Link

	mu          sync.Mutex
	stream      *device.NotificationStream
	char        *StubCharacteristic
	disconnects int
}

// Index is the zero-based order in which the connection was opened.
func (c *StubConnection) Index() int { return c.index }

func (c *StubConnection) Done() <-chan struct{} { return c.link.Done() }

// Disconnect closes the link. Repeated calls return nil.
func (c *StubConnection) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	stream := c.stream
	c.mu.Unlock()

	c.link.Close(nil)
	if stream != nil {
		stream.Close()
	}
	return nil
}

// Disconnects returns how many times Disconnect was called.
func (c *StubConnection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// DropLink simulates the peripheral going out of range.
func (c *StubConnection) DropLink() {
	c.link.Close(errors.New("stub link dropped"))
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// Notify pushes a value change to the subscriber.
func (c *StubConnection) Notify(data []byte) error {
	if err := c.link.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("not subscribed")
	}
	stream.Push(data)
	return nil
}

// Characteristic returns the handle handed out on this connection, nil
// before discovery.
func (c *StubConnection) Characteristic() *StubCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.char
}

func (c *StubConnection) DiscoverService(ctx context.Context, u device.UUID) (device.Service, error) {
	if err := c.link.Err(); err != nil {
		return nil, err
	}
	if err := c.peripheral.fail(StepService); err != nil {
		return nil, err
	}
	if u != c.peripheral.service {
		return nil, device.NewError(device.ServiceNotFound, nil, "service %s", u)
	}
	return &stubService{conn: c, uuid: u}, nil
}

type stubService struct {
	conn *StubConnection
	uuid device.UUID
}

func (s *stubService) UUID() device.UUID { return s.uuid }

func (s *stubService) DiscoverCharacteristic(ctx context.Context, u device.UUID) (device.Characteristic, error) {
	c := s.conn
	if err := c.link.Err(); err != nil {
		return nil, err
	}
	if err := c.peripheral.fail(StepCharacteristic); err != nil {
		return nil, err
	}
	if u != c.peripheral.characteristic {
		return nil, device.NewError(device.CharacteristicNotFound, nil, "characteristic %s", u)
	}
	char := &StubCharacteristic{conn: c, uuid: u}
	c.mu.Lock()
	c.char = char
	c.mu.Unlock()
	return char, nil
}

// StubCharacteristic is the SPP characteristic of a StubConnection.
type StubCharacteristic struct {
	conn *StubConnection
	uuid device.UUID
}

func (ch *StubCharacteristic) UUID() device.UUID { return ch.uuid }

func (ch *StubCharacteristic) Subscribe(ctx context.Context) (*device.NotificationStream, error) {
	c := ch.conn
	if err := c.link.Err(); err != nil {
		return nil, err
	}
	if err := c.peripheral.fail(StepSubscribe); err != nil {
		return nil, err
	}
	stream := device.NewNotificationStream(device.DefaultNotificationBuffer)
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	select {
	case c.peripheral.connected <- c:
	default:
	}
	return stream, nil
}

// Write records data and echoes it when the stub was built WithEcho.
func (ch *StubCharacteristic) Write(ctx context.Context, data []byte) error {
	c := ch.conn
	if err := c.link.Err(); err != nil {
		return err
	}
	if err := c.peripheral.fail(StepWrite); err != nil {
		return err
	}

	p := c.peripheral
	p.mu.Lock()
	p.writes = append(p.writes, append([]byte(nil), data...))
	echo := p.echo
	p.mu.Unlock()

	if echo {
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()
		if stream != nil {
			stream.Push(data)
		}
	}
	return nil
}

var (
	_ device.Transport      = (*StubPeripheral)(nil)
	_ device.Connection     = (*StubConnection)(nil)
	_ device.Characteristic = (*StubCharacteristic)(nil)
)
