// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by the relay packages.
var (
	// Frame decoding errors
	ErrMalformedFrame = errors.New("edirelay: malformed frame")
	ErrShortPacket    = errors.New("edirelay: packet too short")
	ErrBadSync        = errors.New("edirelay: bad sync")
	ErrCRC            = errors.New("edirelay: crc mismatch")
	ErrUnsupported    = errors.New("edirelay: unsupported packet")

	// Source errors
	ErrSourceNotFound = errors.New("edirelay: source not found")
	ErrSourceExists   = errors.New("edirelay: source already configured")

	// Relay errors
	ErrRelayStopped = errors.New("edirelay: relay buffer stopped")

	// Configuration errors
	ErrConfigInvalid = errors.New("edirelay: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("edirelay: daemon not running")
)
