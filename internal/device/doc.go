// Package device defines the GATT transport capability used by the bridge and
// the primitives shared by every backend implementation.
//
// This package provides:
//   - Transport, Connection, Service and Characteristic interfaces covering
//     discovery, connect, attribute discovery, subscription and writes
//   - The error taxonomy of a connection attempt (Error and its sentinels)
//   - Link, which invalidates every handle of a connection at once
//   - NotificationStream, an ordered channel of notification payloads
//
// Backends live in subpackages (go-ble, tinygo) and are selected by
// internal/devicefactory.
package device
