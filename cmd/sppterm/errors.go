package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/srg/sppterm/internal/device"
)

// FormatUserError turns an error into a one-line message for the operator.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off - please enable Bluetooth and retry"
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("%v (try --backend tinygo)", err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Sprintf("%v (raw HCI access needs root or CAP_NET_ADMIN and CAP_NET_RAW)", err)
	}

	var derr *device.Error
	if errors.As(err, &derr) {
		switch derr.Kind {
		case device.ScanFailed:
			return "scan failed: " + detail(derr)
		case device.ConnectFailed:
			return "could not connect: " + detail(derr)
		}
	}
	return err.Error()
}

// detail prefers the underlying cause over the kind prefix.
func detail(e *device.Error) string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Msg != "" {
		return e.Msg
	}
	return string(e.Kind)
}
