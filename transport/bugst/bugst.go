// Package bugst is the go.bug.st/serial backend. Most operating systems
// frame 7E1 natively through it and hold the break in the driver, so the
// engine needs neither parity emulation nor a timed transmit line.
//
// RTS and DTR drive the transmit and receive enables of the bus interface.
package bugst

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/arloliu/go-sdi12/logger"
	"github.com/arloliu/go-sdi12/sdi12"
	"github.com/arloliu/go-sdi12/transport"
)

// Name is the name the backend registers under.
const Name = "bugst"

// DefaultReadTimeout bounds each blocking read of the receive pump.
const DefaultReadTimeout = 20 * time.Millisecond

func init() {
	transport.MustRegister(Name, func(path string) (*transport.Link, error) {
		p, err := Open(path)
		if err != nil {
			return nil, err
		}

		return &transport.Link{Port: p, Pins: p.Pins(), Close: p.Close}, nil
	})
}

type openFunc func(path string, mode *serial.Mode) (serial.Port, error)

// Option configures a Port.
type Option func(*Port)

// WithReadTimeout sets how long a pump read may block.
func WithReadTimeout(d time.Duration) Option {
	return func(p *Port) { p.readTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Port) { p.logger = l }
}

func withOpenFunc(fn openFunc) Option {
	return func(p *Port) { p.open = fn }
}

// Port is an sdi12.Port and sdi12.Breaker on a go.bug.st/serial device.
type Port struct {
	path        string
	readTimeout time.Duration
	logger      logger.Logger
	open        openFunc

	sp      serial.Port
	pump    *transport.Pump
	framing sdi12.Framing
}

var (
	_ sdi12.Port    = (*Port)(nil)
	_ sdi12.Breaker = (*Port)(nil)
)

// Open opens the device at path with 7E1 framing and starts receiving. If
// the driver rejects 7E1 the device is opened 8N1 and the engine emulates
// parity.
func Open(path string, opts ...Option) (*Port, error) {
	p := &Port{
		path:        path,
		readTimeout: DefaultReadTimeout,
		logger:      logger.GetLogger(),
		open:        serial.Open,
		framing:     sdi12.Framing7E1,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "bugst", "path", path)

	sp, err := p.open(path, modeFor(p.framing))
	if err = framingError(err); errors.Is(err, sdi12.ErrFramingUnsupported) {
		p.logger.Debug("7E1 rejected, opening 8N1", "error", err)
		p.framing = sdi12.Framing8N1
		sp, err = p.open(path, modeFor(p.framing))
	}
	if err != nil {
		return nil, framingError(fmt.Errorf("bugst: open %s: %w", path, err))
	}
	if err := sp.SetReadTimeout(p.readTimeout); err != nil {
		_ = sp.Close()
		return nil, fmt.Errorf("bugst: set read timeout: %w", err)
	}

	p.sp = sp
	p.pump = transport.NewPump(sp, p.logger)
	if err := p.pump.Start(context.Background()); err != nil {
		_ = sp.Close()
		return nil, err
	}

	return p, nil
}

// Begin applies framing f and discards any pending input.
func (p *Port) Begin(f sdi12.Framing) error {
	if f != p.framing {
		if err := p.sp.SetMode(modeFor(f)); err != nil {
			return framingError(fmt.Errorf("bugst: set mode %s: %w", f, err))
		}
		p.framing = f
		p.logger.Debug("framing changed", "framing", f.String())
	}

	if err := p.sp.ResetInputBuffer(); err != nil {
		return fmt.Errorf("bugst: reset input: %w", err)
	}
	p.pump.Discard()

	return nil
}

// End waits for pending output to leave the UART. The device stays open.
func (p *Port) End() error {
	return p.Flush()
}

func (p *Port) WriteByte(b byte) error {
	if _, err := p.sp.Write([]byte{b}); err != nil {
		return fmt.Errorf("bugst: write: %w", err)
	}

	return nil
}

// Flush blocks until all written bytes have been transmitted.
func (p *Port) Flush() error {
	if err := p.sp.Drain(); err != nil {
		return fmt.Errorf("bugst: drain: %w", err)
	}

	return nil
}

func (p *Port) Buffered() int {
	return p.pump.Buffered()
}

func (p *Port) ReadByte() (byte, error) {
	return p.pump.ReadByte()
}

// Break holds the line in the spacing state for d.
func (p *Port) Break(d time.Duration) error {
	if err := p.sp.Break(d); err != nil {
		return fmt.Errorf("bugst: break: %w", err)
	}

	return nil
}

// Close stops the receive pump and closes the device.
func (p *Port) Close() error {
	p.pump.Stop()

	return p.sp.Close()
}

// Pins returns the control lines of the device: RTS drives the transmit
// enable and DTR the receive enable. The bias supply is not switchable.
func (p *Port) Pins() sdi12.Pins {
	return modemPins{sp: p.sp}
}

type modemPins struct {
	sp serial.Port
}

func (m modemPins) Write(pin sdi12.Pin, high bool) error {
	switch pin {
	case sdi12.PinTxEnable:
		return m.sp.SetRTS(high)
	case sdi12.PinRxEnable:
		return m.sp.SetDTR(high)
	default:
		return nil
	}
}

func modeFor(f sdi12.Framing) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: f.Baud,
		DataBits: f.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if f.Parity == sdi12.ParityEven {
		mode.Parity = serial.EvenParity
	}
	if f.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	return mode
}

// framingError marks driver rejections of the data bits or parity with
// sdi12.ErrFramingUnsupported so the engine can fall back to emulation.
func framingError(err error) error {
	var code serial.PortErrorCode
	var pe *serial.PortError
	var pv serial.PortError
	switch {
	case errors.As(err, &pe):
		code = pe.Code()
	case errors.As(err, &pv):
		code = pv.Code()
	default:
		return err
	}

	if code == serial.InvalidDataBits || code == serial.InvalidParity {
		return fmt.Errorf("%w: %w", sdi12.ErrFramingUnsupported, err)
	}

	return err
}
