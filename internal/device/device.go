package device

import (
	"context"
	"time"
)

// Identity describes a discovered peripheral.
type Identity struct {
	Name    string // advertised local name, equal to the operator supplied target
	Address string // platform address, for logs
	Handle  any    // opaque backend handle used by Transport.Connect
}

// Transport is the platform Bluetooth capability the bridge drives.
type Transport interface {
	// Scan blocks until a device advertising exactly name is observed, stops
	// scanning and returns it. It never returns for mismatched names and has
	// no timeout of its own; it returns early only when ctx ends or the
	// platform scan fails.
	Scan(ctx context.Context, name string) (Identity, error)

	// Connect establishes a link to a previously scanned device.
	Connect(ctx context.Context, id Identity) (Connection, error)
}

// Opener is implemented by transports that can acquire the adapter up front,
// so a missing or powered-off adapter is reported before the first scan.
type Opener interface {
	Open() error
}

// Connection is a live link to one peripheral.
type Connection interface {
	// DiscoverService performs an uncached discovery of the given service.
	DiscoverService(ctx context.Context, uuid UUID) (Service, error)

	// Done is closed when the link is gone, either because the platform
	// reported a disconnect or because Disconnect was called.
	Done() <-chan struct{}

	// Disconnect tears the link down. It is idempotent and safe to call on a
	// connection whose link was already lost.
	Disconnect() error
}

// Service is a discovered GATT service.
type Service interface {
	UUID() UUID

	// DiscoverCharacteristic performs an uncached discovery of the given
	// characteristic within the service.
	DiscoverCharacteristic(ctx context.Context, uuid UUID) (Characteristic, error)
}

// Characteristic is a discovered GATT characteristic. Callers must not issue
// a Write before the previous one returned.
type Characteristic interface {
	UUID() UUID

	// Subscribe enables notifications and returns the stream of values.
	// The stream is closed when the link closes.
	Subscribe(ctx context.Context) (*NotificationStream, error)

	// Write sends data as a single GATT write. Cancelling ctx abandons the
	// outstanding write.
	Write(ctx context.Context, data []byte) error
}

// ConnectOptions configures backends.
type ConnectOptions struct {
	ConnectTimeout     time.Duration // 0 means no deadline beyond ctx
	NotificationBuffer int           // NotificationStream capacity (0 = DefaultNotificationBuffer)
}
