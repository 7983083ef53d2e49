package device_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/sppterm/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesByKind(t *testing.T) {
	err := device.NewError(device.ServiceNotFound, nil, "service %s", "4880c12c")

	assert.ErrorIs(t, err, device.ErrServiceNotFound)
	assert.NotErrorIs(t, err, device.ErrCharacteristicNotFound)

	wrapped := fmt.Errorf("attempt failed: %w", err)
	assert.ErrorIs(t, wrapped, device.ErrServiceNotFound, "kind MUST survive wrapping")
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *device.Error
		want string
	}{
		{"kind only", &device.Error{Kind: device.LinkLost}, "link_lost"},
		{"kind and msg", &device.Error{Kind: device.ConnectFailed, Msg: "AA:BB"}, "connect_failed: AA:BB"},
		{"kind msg and cause", &device.Error{Kind: device.WriteFailed, Msg: "fec26ec4", Err: errors.New("timeout")}, "write_failed: fec26ec4: timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}

	var nilErr *device.Error
	assert.Equal(t, "<nil>", nilErr.Error())
}

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("att error 0x0e")
	err := device.NewError(device.SubscribeFailed, cause, "cccd write")

	assert.ErrorIs(t, err, cause)
}

func TestKindOf(t *testing.T) {
	kind, ok := device.KindOf(fmt.Errorf("x: %w", device.ErrLinkLost))
	require.True(t, ok)
	assert.Equal(t, device.LinkLost, kind)

	_, ok = device.KindOf(context.Canceled)
	assert.False(t, ok)
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name     string
		in       error
		expectIs error
	}{
		{"darwin bluetooth off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.ErrBluetoothOff},
		{"generic bluetooth off", errors.New("Bluetooth is turned off"), device.ErrBluetoothOff},
		{"not connected", errors.New("device not connected"), device.ErrLinkLost},
		{"disconnected", errors.New("peripheral disconnected"), device.ErrLinkLost},
		{"already typed", device.NewError(device.WriteFailed, nil, "x"), device.ErrWriteFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, device.NormalizeError(tt.in), tt.expectIs)
		})
	}

	other := errors.New("some other error")
	assert.Same(t, other, device.NormalizeError(other), "unknown errors MUST pass through")
	assert.NoError(t, device.NormalizeError(nil))
}

func TestParseUUID(t *testing.T) {
	for _, in := range []string{
		"4880c12c-fdcb-4077-8920-a450d7f9b907",
		"4880C12C-FDCB-4077-8920-A450D7F9B907",
		"4880c12cfdcb40778920a450d7f9b907",
		" 0x4880c12cfdcb40778920a450d7f9b907 ",
	} {
		u, err := device.ParseUUID(in)
		require.NoError(t, err, in)
		assert.Equal(t, device.SPPServiceUUID, u, in)
	}

	_, err := device.ParseUUID("")
	assert.Error(t, err)
	_, err = device.ParseUUID("2902")
	assert.Error(t, err, "16-bit UUIDs are not accepted for the SPP descriptors")

	assert.Equal(t, "fec26ec4", device.ShortenUUID(device.SPPCharacteristicUUID))
}
