package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure inside one connection attempt.
type ErrorKind string

const (
	// ScanTimeout is part of the taxonomy but never produced: Scan waits
	// indefinitely for a match.
	ScanTimeout            ErrorKind = "scan_timeout"
	ScanFailed             ErrorKind = "scan_failed"
	ConnectFailed          ErrorKind = "connect_failed"
	ServiceNotFound        ErrorKind = "service_not_found"
	CharacteristicNotFound ErrorKind = "characteristic_not_found"
	SubscribeFailed        ErrorKind = "subscribe_failed"
	WriteFailed            ErrorKind = "write_failed"
	LinkLost               ErrorKind = "link_lost"
)

// Error is the error type returned by Transport implementations.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrScanTimeout            = &Error{Kind: ScanTimeout}
	ErrScanFailed             = &Error{Kind: ScanFailed}
	ErrConnect                = &Error{Kind: ConnectFailed}
	ErrServiceNotFound        = &Error{Kind: ServiceNotFound}
	ErrCharacteristicNotFound = &Error{Kind: CharacteristicNotFound}
	ErrSubscribeFailed        = &Error{Kind: SubscribeFailed}
	ErrWriteFailed            = &Error{Kind: WriteFailed}
	ErrLinkLost               = &Error{Kind: LinkLost}
)

// Platform errors
var (
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrUnsupported  = errors.New("unsupported")
)

// NewError builds an Error of the given kind wrapping err.
func NewError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// NormalizeError maps platform error strings that mean the link is gone or
// the adapter is off to the sentinel errors. Other errors are returned as is.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "adapter is powered off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"),
		containsIgnoreCase(msg, "connection is not initialized"):
		return &Error{Kind: LinkLost, Err: err}
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
