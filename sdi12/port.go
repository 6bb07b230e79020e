package sdi12

import (
	"fmt"
	"time"
)

// Parity is the parity setting of a serial framing.
type Parity byte

const (
	ParityNone Parity = 'N'
	ParityEven Parity = 'E'
)

// Framing describes the character framing a Port is opened with.
type Framing struct {
	Baud     int
	DataBits int
	Parity   Parity
	StopBits int
}

var (
	// Framing7E1 is the nominal SDI-12 framing.
	Framing7E1 = Framing{Baud: 1200, DataBits: 7, Parity: ParityEven, StopBits: 1}
	// Framing8N1 is the fallback framing used with software parity folding.
	Framing8N1 = Framing{Baud: 1200, DataBits: 8, Parity: ParityNone, StopBits: 1}
)

func (f Framing) String() string {
	return fmt.Sprintf("%d/%d%c%d", f.Baud, f.DataBits, f.Parity, f.StopBits)
}

// Port is the byte oriented serial transport the engine drives.
//
// Port methods are called from a single goroutine. Buffered and ReadByte must
// not block: the engine polls Buffered and only reads when it is non-zero.
type Port interface {
	// Begin (re)starts the stream with the given framing. It returns an error
	// wrapping ErrFramingUnsupported if the framing cannot be represented.
	Begin(f Framing) error
	// End stops the stream and releases the transmit line.
	End() error
	// WriteByte queues one byte for transmission.
	WriteByte(b byte) error
	// Flush blocks until queued bytes have left the transmitter.
	Flush() error
	// Buffered returns the number of received bytes ready to be read.
	Buffered() int
	// ReadByte returns the next received byte.
	ReadByte() (byte, error)
}

// Breaker is implemented by ports that can hold a break condition themselves,
// for example through a hardware break request of the UART.
type Breaker interface {
	Break(d time.Duration) error
}

// TxDriver is implemented by ports whose transmit line can be driven as a
// plain output while the stream is ended.
type TxDriver interface {
	DriveTx(high bool) error
}

// Pin identifies one of the bus interface control lines.
type Pin uint8

const (
	// PinTxEnable enables the line driver of the external bus interface.
	PinTxEnable Pin = iota
	// PinRxEnable enables the receiver of the external bus interface.
	PinRxEnable
	// PinBias powers the bias network of the bus interface.
	PinBias
)

func (p Pin) String() string {
	switch p {
	case PinTxEnable:
		return "tx-enable"
	case PinRxEnable:
		return "rx-enable"
	case PinBias:
		return "bias"
	default:
		return fmt.Sprintf("pin(%d)", p)
	}
}

// Pins drives the control lines of the bus interface.
type Pins interface {
	Write(p Pin, high bool) error
}

// PinLevels holds the electrical level at which each control line is active.
type PinLevels struct {
	TxEnableHigh bool
	RxEnableHigh bool
	BiasHigh     bool
}

// DefaultPinLevels matches the common transceiver: driver enabled high,
// receiver enabled low, bias powered high.
var DefaultPinLevels = PinLevels{TxEnableHigh: true, RxEnableHigh: false, BiasHigh: true}

func (l PinLevels) active(p Pin) bool {
	switch p {
	case PinTxEnable:
		return l.TxEnableHigh
	case PinRxEnable:
		return l.RxEnableHigh
	default:
		return l.BiasHigh
	}
}

// NopPins is a Pins for interfaces without switchable control lines.
type NopPins struct{}

func (NopPins) Write(Pin, bool) error { return nil }
