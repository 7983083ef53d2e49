//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// newPlatformDevice opens the default HCI controller.
func newPlatformDevice() (ble.Device, error) {
	return linux.NewDevice()
}
