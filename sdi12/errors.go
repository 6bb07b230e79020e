package sdi12

import "errors"

// Sentinel errors for the SDI-12 driver.
var (
	// Transaction outcome errors. Each maps to exactly one Result.
	ErrInvalidCommand = errors.New("sdi12: invalid command")
	ErrTimeout        = errors.New("sdi12: response timeout")
	ErrParity         = errors.New("sdi12: parity error in reply")
	ErrReply          = errors.New("sdi12: invalid reply")

	// Detail errors wrapped together with one of the above.
	ErrBufferOverflow        = errors.New("sdi12: buffer capacity exceeded")
	ErrReadingTableOverflow  = errors.New("sdi12: reading table capacity exceeded")
	ErrIncompleteMeasurement = errors.New("sdi12: measurement returned fewer values than announced")

	// Setup and port errors.
	ErrNotStarted         = errors.New("sdi12: engine not started")
	ErrFramingUnsupported = errors.New("sdi12: framing not supported by port")
	ErrNoBreakSupport     = errors.New("sdi12: port can neither break nor drive its transmit line")
	ErrPortNil            = errors.New("sdi12: port is nil")
	ErrConfigNil          = errors.New("sdi12: engine config is nil")
	ErrRetriesExhausted   = errors.New("sdi12: retries exhausted")
)
