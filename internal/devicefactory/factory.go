package devicefactory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/sppterm/internal/device"
	"github.com/srg/sppterm/internal/device/go-ble"
	"github.com/srg/sppterm/internal/device/tinygo"
)

// Backend names accepted by NewTransport
const (
	BackendGoBLE  = "goble"
	BackendTinyGo = "tinygo"
)

// TransportFactory creates a device.Transport for the given options.
type TransportFactory func(opts device.ConnectOptions, logger *logrus.Logger) device.Transport

// Backends maps backend names to their factories.
// This is a variable so that it can be overridden in tests.
var Backends = map[string]TransportFactory{
	BackendGoBLE: func(opts device.ConnectOptions, logger *logrus.Logger) device.Transport {
		return goble.NewTransport(opts, logger)
	},
	BackendTinyGo: func(opts device.ConnectOptions, logger *logrus.Logger) device.Transport {
		return tinygo.NewTransport(opts, logger)
	},
}

// NewTransport creates the transport for backend. An empty name selects go-ble.
func NewTransport(backend string, opts device.ConnectOptions, logger *logrus.Logger) (device.Transport, error) {
	name := strings.ToLower(strings.TrimSpace(backend))
	if name == "" {
		name = BackendGoBLE
	}
	factory, ok := Backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (available: %s)", backend, strings.Join(Names(), ", "))
	}
	return factory(opts, logger), nil
}

// Names returns the registered backend names, sorted.
func Names() []string {
	names := make([]string, 0, len(Backends))
	for name := range Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
