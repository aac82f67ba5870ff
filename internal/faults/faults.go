// Package faults holds the error kinds shared by the drivers, the control
// engine and the command protocol. Use errors.Is to branch on them.
package faults

import "errors"

var (
	// ErrTransport is returned when the bus bridge never reports idle within
	// its poll budget, or the underlying i2c transaction fails.
	ErrTransport = errors.New("transport fault")

	// ErrDataIntegrity is returned when a scratchpad or ROM fails its CRC-8.
	ErrDataIntegrity = errors.New("data integrity fault")

	// ErrProtocol is returned for malformed or rejected commands.
	ErrProtocol = errors.New("protocol fault")

	// ErrConfig is returned for unusable configuration or defaults-file lines.
	ErrConfig = errors.New("config fault")

	// ErrQueueFull is returned when a command cannot be enqueued in time.
	ErrQueueFull = errors.New("command queue full")
)
