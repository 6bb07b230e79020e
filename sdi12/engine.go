package sdi12

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/arloliu/go-sdi12/clock"
	"github.com/arloliu/go-sdi12/codec"
	"github.com/arloliu/go-sdi12/logger"
)

const (
	asciiCR byte = '\r'
	asciiLF byte = '\n'
)

// rxState is the state of the receive loop.
type rxState uint8

const (
	rxWaitStart rxState = iota // discarding bytes until the reply address
	rxReceiving                // collecting the reply until CR LF
)

// Engine drives SDI-12 transactions over one port.
//
// All decoded side state (measurement info, reading table, discovered
// address, identification) is valid until the next call to Execute.
type Engine struct {
	cfg    *EngineConfig
	port   Port
	line   *LineController
	clk    clock.Clock
	logger logger.Logger
	idle   func()

	framing Framing
	emulate bool
	started bool

	// transaction state, reset by every Execute
	tx          Buffer
	rx          Buffer
	rxDecoded   bool
	addr        Address
	result      Result
	err         error
	measurement MeasurementInfo
	readings    Readings
	ident       string

	metrics EngineMetrics
}

// NewEngine creates an engine for port. pins may be nil when the bus
// interface has no switchable control lines.
//
// The engine must be started with Begin before use.
func NewEngine(port Port, pins Pins, cfg *EngineConfig) (*Engine, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	line, err := NewLineController(port, pins, cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		port:    port,
		line:    line,
		clk:     cfg.clock,
		logger:  cfg.logger.With("component", "sdi12"),
		idle:    cfg.idle,
		framing: Framing7E1,
	}
	line.logger = e.logger
	line.onBreak = e.metrics.incBreakCount

	return e, nil
}

// Begin opens the port and powers the bus interface.
//
// With EmulationAuto the port is first opened with native 7E1 framing; if it
// reports ErrFramingUnsupported the engine falls back to 8N1 and folds parity
// in software.
func (e *Engine) Begin() error {
	if txd, ok := e.port.(TxDriver); ok {
		if err := txd.DriveTx(true); err != nil {
			return fmt.Errorf("sdi12: drive idle: %w", err)
		}
	}
	if err := e.line.Transmit(); err != nil {
		return err
	}

	framing, emulate, err := e.open()
	if err != nil {
		return err
	}

	e.framing = framing
	e.emulate = emulate
	e.line.setFraming(framing)
	e.started = true

	e.logger.Info("sdi12: port started", "framing", framing.String(), "emulate7E1", emulate)

	return nil
}

func (e *Engine) open() (Framing, bool, error) {
	if e.cfg.emulation == EmulationOn {
		if err := e.port.Begin(Framing8N1); err != nil {
			return Framing{}, false, fmt.Errorf("sdi12: open %s: %w", Framing8N1, err)
		}

		return Framing8N1, true, nil
	}

	err := e.port.Begin(Framing7E1)
	switch {
	case err == nil:
		return Framing7E1, false, nil
	case errors.Is(err, ErrFramingUnsupported) && e.cfg.emulation == EmulationAuto:
		e.logger.Debug("sdi12: native 7E1 unavailable, emulating", "error", err)
		if err := e.port.Begin(Framing8N1); err != nil {
			return Framing{}, false, fmt.Errorf("sdi12: open %s: %w", Framing8N1, err)
		}

		return Framing8N1, true, nil
	default:
		return Framing{}, false, fmt.Errorf("sdi12: open %s: %w", Framing7E1, err)
	}
}

// Close ends the port stream and puts the bus interface to sleep.
func (e *Engine) Close() error {
	e.started = false
	sleepErr := e.line.Sleep()

	return errors.Join(e.port.End(), sleepErr)
}

// SetDebug switches transaction tracing on or off.
func (e *Engine) SetDebug(enabled bool) {
	if enabled {
		e.logger.SetLevel(logger.DebugLevel)
	} else {
		e.logger.SetLevel(logger.InfoLevel)
	}
}

// SetIdle registers a callback run on every empty poll while the engine waits
// for a reply. It must not use the engine or its port. nil removes it.
func (e *Engine) SetIdle(fn func()) {
	e.idle = fn
}

// Wake holds a break for d to rouse a sleeping sensor.
func (e *Engine) Wake(d time.Duration) error {
	if !e.started {
		return ErrNotStarted
	}

	return e.line.Wake(d)
}

// Sleep disables the bus interface to save power. The next Execute or Wake
// powers it up again.
func (e *Engine) Sleep() error {
	return e.line.Sleep()
}

// Execute runs one command/response transaction.
//
// The returned error is nil for Success and otherwise wraps the sentinel
// that corresponds to the Result (ErrInvalidCommand or a port failure for
// Fail, ErrTimeout, ErrParity, ErrReply). The engine never retries.
func (e *Engine) Execute(s string) (Result, error) {
	e.reset()
	e.metrics.incTransactionCount()

	if !e.started {
		return e.finish(Fail, ErrNotStarted)
	}

	cmd, err := ParseCommand(s)
	if err != nil {
		return e.finish(Fail, err)
	}
	e.addr = cmd.Address()

	if err := e.tx.Write([]byte(cmd.String())); err != nil {
		return e.finish(Fail, fmt.Errorf("%w: %w", ErrInvalidCommand, err))
	}
	if e.emulate {
		codec.Encode(e.tx.Bytes())
	}

	if err := e.line.Break(); err != nil {
		return e.finish(Fail, err)
	}
	if err := e.transmit(); err != nil {
		return e.finish(Fail, err)
	}
	if err := e.line.Receive(); err != nil {
		return e.finish(Fail, err)
	}

	if res, err := e.receive(); res != Success {
		return e.finish(res, err)
	}

	if e.emulate {
		v := codec.Decode(e.rx.Bytes())
		e.rxDecoded = true
		e.logger.Debug("sdi12: decoded reply", "reply", e.rx.Bytes(), "parityOK", v.OK())
		if !v.OK() {
			return e.finish(ParityError, fmt.Errorf("%w: characters %v", ErrParity, v.Errors()))
		}
	}

	return e.finish(e.dispatch(cmd))
}

func (e *Engine) reset() {
	e.tx.Reset()
	e.rx.Reset()
	e.addr = 0
	e.result = Success
	e.err = nil
	e.measurement = MeasurementInfo{}
	e.rxDecoded = false
	e.readings.Count = 0
	e.readings.Offset = 0
	e.readings.reply = nil
	e.ident = ""
}

func (e *Engine) finish(res Result, err error) (Result, error) {
	e.result = res
	e.err = err
	e.metrics.incResult(res)

	if err != nil {
		e.logger.Debug("sdi12: transaction failed", "command", e.commandString(), "result", res.String(), "error", err)
	}

	return res, err
}

func (e *Engine) commandString() string {
	if e.emulate {
		b := append([]byte(nil), e.tx.Bytes()...)
		codec.Decode(b)

		return string(b)
	}

	return string(e.tx.Bytes())
}

// transmit writes the command one byte at a time, waiting for each byte to
// leave the UART, then lets the line settle.
func (e *Engine) transmit() error {
	e.logger.Debug("sdi12: transmitting", "command", e.commandString())

	for _, b := range e.tx.Bytes() {
		if err := e.port.WriteByte(b); err != nil {
			return fmt.Errorf("sdi12: write: %w", err)
		}
		if err := e.port.Flush(); err != nil {
			return fmt.Errorf("sdi12: flush: %w", err)
		}
	}

	clock.Wait(e.clk, e.cfg.settleDelay, nil)

	return nil
}

// receive polls the port until the reply terminator arrives or a deadline
// expires.
func (e *Engine) receive() (Result, error) {
	cr, lf := asciiCR, asciiLF
	if e.emulate {
		cr, lf = codec.EncodeByte(cr), codec.EncodeByte(lf)
	}

	e.logger.Debug("sdi12: receiving", "address", e.addr.String())

	state := rxWaitStart
	start := e.clk.Now()
	last := start

	for {
		now := e.clk.Now()

		switch {
		case now-start >= e.cfg.responseTimeout:
			return Timeout, fmt.Errorf("%w: no complete reply after %v (%d bytes)", ErrTimeout, e.cfg.responseTimeout, e.rx.Len())
		case state == rxWaitStart && e.cfg.startTimeout > 0 && now-start >= e.cfg.startTimeout:
			return Timeout, fmt.Errorf("%w: no reply start after %v", ErrTimeout, e.cfg.startTimeout)
		case state == rxReceiving && e.cfg.charTimeout > 0 && now-last >= e.cfg.charTimeout:
			return Timeout, fmt.Errorf("%w: character gap exceeded %v", ErrTimeout, e.cfg.charTimeout)
		}

		if e.port.Buffered() == 0 {
			e.yield()
			continue
		}

		b, err := e.port.ReadByte()
		if err != nil {
			return Fail, fmt.Errorf("sdi12: read: %w", err)
		}
		last = now

		if state == rxWaitStart {
			if !e.addr.IsWildcard() && Address(b&0x7f) != e.addr {
				continue
			}
			state = rxReceiving
		}

		if err := e.rx.Append(b); err != nil {
			return ReplyError, fmt.Errorf("%w: %w: reply longer than %d bytes", ErrReply, err, e.rx.Cap())
		}

		if e.rx.HasTerminator(cr, lf) {
			return Success, nil
		}
	}
}

func (e *Engine) yield() {
	if e.idle != nil {
		e.idle()
		return
	}
	runtime.Gosched()
}

// payload returns the decoded reply without its CR LF terminator.
func (e *Engine) payload() []byte {
	b := e.rx.Bytes()

	return b[:len(b)-2]
}

func (e *Engine) dispatch(cmd Command) (Result, error) {
	resp := e.payload()

	switch cmd.Verb() {
	case VerbMeasure:
		clear(e.readings.Values[:])
		info, err := parseMeasurement(resp, e.addr)
		e.measurement = info
		if err != nil {
			return ReplyError, err
		}
		e.logger.Debug("sdi12: measurement started",
			"address", e.addr.String(),
			"availableAfter", info.AvailableAfter,
			"sensorCount", info.SensorCount,
		)

	case VerbData:
		if err := parseData(resp, cmd.DatasetIndex(), &e.readings); err != nil {
			return ReplyError, err
		}

	case VerbIdentify:
		e.ident = string(resp)

	case VerbAcknowledge:
		addr, err := parseAcknowledge(resp, e.addr)
		if err != nil {
			return ReplyError, err
		}
		if e.addr.IsWildcard() {
			e.logger.Info("sdi12: discovered sensor", "address", addr.String())
		}
		e.addr = addr
	}

	return Success, nil
}

// --- Side state ---

// LastResult returns the result of the last Execute.
func (e *Engine) LastResult() Result { return e.result }

// LastError returns the error of the last Execute, nil on Success.
func (e *Engine) LastError() error { return e.err }

// Address returns the address of the last command, or the discovered
// address after a successful "?!".
func (e *Engine) Address() Address { return e.addr }

// Measurement returns the info decoded from the last M reply.
func (e *Engine) Measurement() MeasurementInfo { return e.measurement }

// Readings returns a copy of the reading table.
func (e *Engine) Readings() Readings { return e.readings }

// SensorsRead returns the number of values in the last D reply.
func (e *Engine) SensorsRead() int { return e.readings.Count }

// Response returns the last reply without its terminator. Under 7E1
// emulation it is the decoded text, also for a partial reply left by a
// timeout.
func (e *Engine) Response() string {
	b := e.rx.Bytes()
	if e.emulate && !e.rxDecoded {
		b = append([]byte(nil), b...)
		codec.Decode(b)
	}

	if n := len(b); n >= 2 && b[n-2] == asciiCR && b[n-1] == asciiLF {
		b = b[:n-2]
	}

	return string(b)
}

// Identification returns the raw reply to the last I command.
func (e *Engine) Identification() string { return e.ident }

// Framing returns the framing the port was opened with.
func (e *Engine) Framing() Framing { return e.framing }

// Emulating reports whether parity is folded in software.
func (e *Engine) Emulating() bool { return e.emulate }

// Metrics returns the engine metrics.
func (e *Engine) Metrics() *EngineMetrics { return &e.metrics }

// Config returns the engine configuration.
func (e *Engine) Config() *EngineConfig { return e.cfg }
