// Package tarm is the github.com/tarm/serial backend.
//
// tarm/serial has neither a break request nor modem control lines. The
// backend produces the break the way UART one-wire adapters shape reset
// pulses: it reopens the device at a low baud rate and writes a zero byte,
// whose start bit and eight data bits hold the line low for the break time.
// The device is kept at 8N1 throughout, so by default Begin rejects 7E1 and
// the engine folds parity in software.
package tarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"

	"github.com/arloliu/go-sdi12/logger"
	"github.com/arloliu/go-sdi12/sdi12"
	"github.com/arloliu/go-sdi12/transport"
)

// Name is the name the backend registers under.
const Name = "tarm"

// DefaultReadTimeout bounds each blocking read of the receive pump. tarm
// rounds it to tenths of a second on POSIX systems.
const DefaultReadTimeout = 100 * time.Millisecond

// breakBits is the number of low bit times of a zero byte at 8N1.
const breakBits = 9

// breakBauds are the standard rates tried for a break, fastest first.
var breakBauds = []int{1200, 600, 300, 200, 150, 134, 110, 75, 50}

// ErrBreakTooLong is returned when no supported baud rate can hold a break
// for the requested time with a single character.
var ErrBreakTooLong = errors.New("tarm: break longer than one character at 50 baud")

func init() {
	transport.MustRegister(Name, func(path string) (*transport.Link, error) {
		p := New(path)

		return &transport.Link{Port: p, Close: p.Close}, nil
	})
}

// device is the part of *serial.Port the backend uses.
type device interface {
	io.ReadWriteCloser
	Flush() error
}

type openFunc func(c *serial.Config) (device, error)

func openPort(c *serial.Config) (device, error) {
	return serial.OpenPort(c)
}

// Option configures a Port.
type Option func(*Port)

// WithNative7E1 lets Begin open the device with 7 data bits and even
// parity instead of rejecting 7E1.
func WithNative7E1() Option {
	return func(p *Port) { p.native7E1 = true }
}

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

func withSleep(fn func(time.Duration)) Option {
	return func(p *Port) { p.sleep = fn }
}

// Port is an sdi12.Port and sdi12.Breaker on a tarm/serial device.
//
// The device is opened by Begin and closed by End.
type Port struct {
	path        string
	native7E1   bool
	readTimeout time.Duration
	logger      logger.Logger
	open        openFunc
	sleep       func(time.Duration)

	dev  device
	pump *transport.Pump
}

var (
	_ sdi12.Port    = (*Port)(nil)
	_ sdi12.Breaker = (*Port)(nil)
)

// New creates a Port for the device at path. Nothing is opened until Begin.
func New(path string, opts ...Option) *Port {
	p := &Port{
		path:        path,
		readTimeout: DefaultReadTimeout,
		logger:      logger.GetLogger(),
		open:        openPort,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "tarm", "path", path)

	return p
}

// Begin opens the device with framing f and starts receiving.
func (p *Port) Begin(f sdi12.Framing) error {
	if err := p.End(); err != nil {
		return err
	}

	cfg, err := p.config(f)
	if err != nil {
		return err
	}

	dev, err := p.open(cfg)
	if err != nil {
		return fmt.Errorf("tarm: open %s at %s: %w", p.path, f, err)
	}

	p.dev = dev
	p.pump = transport.NewPump(dev, p.logger)
	if err := p.pump.Start(context.Background()); err != nil {
		_ = dev.Close()
		p.dev = nil

		return err
	}

	return nil
}

func (p *Port) config(f sdi12.Framing) (*serial.Config, error) {
	cfg := &serial.Config{
		Name:        p.path,
		Baud:        f.Baud,
		ReadTimeout: p.readTimeout,
		Size:        serial.DefaultSize,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}

	switch {
	case f.DataBits == 8 && f.Parity == sdi12.ParityNone:
	case f.DataBits == 7 && f.Parity == sdi12.ParityEven && p.native7E1:
		cfg.Size = 7
		cfg.Parity = serial.ParityEven
	default:
		return nil, fmt.Errorf("tarm: %w: %s", sdi12.ErrFramingUnsupported, f)
	}

	if f.StopBits == 2 {
		cfg.StopBits = serial.Stop2
	}

	return cfg, nil
}

// End stops receiving and closes the device.
func (p *Port) End() error {
	if p.dev == nil {
		return nil
	}

	p.pump.Stop()
	err := p.dev.Close()
	p.dev = nil

	if err != nil {
		return fmt.Errorf("tarm: close: %w", err)
	}

	return nil
}

// Close is End, for use as transport.Link.Close.
func (p *Port) Close() error {
	return p.End()
}

func (p *Port) WriteByte(b byte) error {
	if p.dev == nil {
		return fmt.Errorf("tarm: write: %w", sdi12.ErrNotStarted)
	}
	if _, err := p.dev.Write([]byte{b}); err != nil {
		return fmt.Errorf("tarm: write: %w", err)
	}

	return nil
}

// Flush is a no-op: tarm writes go straight to the device and its Flush
// discards pending input.
func (p *Port) Flush() error {
	return nil
}

func (p *Port) Buffered() int {
	if p.pump == nil {
		return 0
	}

	return p.pump.Buffered()
}

func (p *Port) ReadByte() (byte, error) {
	if p.pump == nil {
		return 0, transport.ErrNoData
	}

	return p.pump.ReadByte()
}

// Break holds the line low for at least d by writing a zero byte at the
// fastest standard baud rate whose character time covers d. The device is
// left closed; Begin reopens it.
func (p *Port) Break(d time.Duration) error {
	baud, err := BreakBaud(d)
	if err != nil {
		return err
	}

	if err := p.End(); err != nil {
		return err
	}

	dev, err := p.open(&serial.Config{
		Name:     p.path,
		Baud:     baud,
		Size:     serial.DefaultSize,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop1,
	})
	if err != nil {
		return fmt.Errorf("tarm: open %s at %d baud: %w", p.path, baud, err)
	}

	_, werr := dev.Write([]byte{0x00})
	if werr == nil {
		// One whole character including the stop bit.
		p.sleep(time.Duration(breakBits+1) * time.Second / time.Duration(baud))
	}
	cerr := dev.Close()

	p.logger.Debug("break sent", "hold", d, "baud", baud)

	if werr != nil {
		return fmt.Errorf("tarm: write break: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("tarm: close after break: %w", cerr)
	}

	return nil
}

// BreakBaud returns the fastest standard baud rate at which the low part of
// a zero byte lasts at least d.
func BreakBaud(d time.Duration) (int, error) {
	for _, baud := range breakBauds {
		if time.Duration(breakBits)*time.Second/time.Duration(baud) >= d {
			return baud, nil
		}
	}

	return 0, fmt.Errorf("%w: %v", ErrBreakTooLong, d)
}
