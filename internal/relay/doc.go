// Package relay moves bytes between the local console and the remote SPP
// characteristic while the bridge is active.
//
// Notifications copies peer notifications to the output sink, expanding a
// lone carriage return into CR LF. Input polls local keys without blocking,
// queues them in typed order and writes them to the characteristic one at a
// time, echoing each key locally.
package relay
