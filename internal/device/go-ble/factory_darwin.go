//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// newPlatformDevice creates a CoreBluetooth central.
func newPlatformDevice() (ble.Device, error) {
	return darwin.NewDevice()
}
