//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/sppterm/internal/device"
)

func newPlatformDevice() (ble.Device, error) {
	return nil, fmt.Errorf("go-ble backend on %s: %w", runtime.GOOS, device.ErrUnsupported)
}
