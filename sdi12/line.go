package sdi12

import (
	"fmt"
	"time"

	"github.com/arloliu/go-sdi12/clock"
	"github.com/arloliu/go-sdi12/logger"
)

// LineController puts the bus into its break, mark and sleep states.
//
// A break is the line held at its active (low) level for at least 12 ms. The
// controller ends the port stream, enables the line driver and then either
// asks a Breaker port to hold the break or drives the transmit line low on a
// TxDriver port and polls the clock until the hold time is over. Restarting
// the stream afterwards returns the line to idle-high (mark).
type LineController struct {
	port    Port
	pins    Pins
	breaker Breaker
	txd     TxDriver
	cfg     *EngineConfig
	clk     clock.Clock
	logger  logger.Logger
	framing Framing
	onBreak func()
}

// NewLineController creates a line controller for port.
//
// It returns ErrNoBreakSupport if port implements neither Breaker nor TxDriver.
func NewLineController(port Port, pins Pins, cfg *EngineConfig) (*LineController, error) {
	if port == nil {
		return nil, ErrPortNil
	}
	if cfg == nil {
		return nil, ErrConfigNil
	}
	if pins == nil {
		pins = NopPins{}
	}

	lc := &LineController{
		port:    port,
		pins:    pins,
		cfg:     cfg,
		clk:     cfg.clock,
		logger:  cfg.logger,
		framing: Framing7E1,
	}
	lc.breaker, _ = port.(Breaker)
	lc.txd, _ = port.(TxDriver)

	if lc.breaker == nil && lc.txd == nil {
		return nil, ErrNoBreakSupport
	}

	return lc, nil
}

// Break holds a break for the configured break time and restarts the port.
func (lc *LineController) Break() error {
	lc.logger.Debug("sdi12: sending break", "hold", lc.cfg.breakTime)

	return lc.hold(lc.cfg.breakTime)
}

// Wake holds a break for d to rouse a sleeping sensor and restarts the port.
func (lc *LineController) Wake(d time.Duration) error {
	if d < MinBreakTime {
		return fmt.Errorf("sdi12: wake duration %v below minimum break %v", d, MinBreakTime)
	}
	lc.logger.Debug("sdi12: sending wake", "hold", d)

	return lc.hold(d)
}

// Sleep disables the line driver and receiver and drops the bias supply.
// The port stream is left as it is.
func (lc *LineController) Sleep() error {
	if err := lc.setPin(PinTxEnable, false); err != nil {
		return err
	}
	if err := lc.setPin(PinRxEnable, false); err != nil {
		return err
	}

	return lc.setPin(PinBias, false)
}

// Mark holds the line at idle-high for the configured mark time.
//
// Restarting the port already leaves the line idle for about a mark time, so
// Mark is only run when WithExplicitMark is set.
func (lc *LineController) Mark() error {
	if lc.txd != nil {
		if err := lc.txd.DriveTx(true); err != nil {
			return fmt.Errorf("sdi12: drive mark: %w", err)
		}
	}
	clock.Wait(lc.clk, lc.cfg.markTime, nil)

	return nil
}

// Transmit enables the line driver and disables the receiver.
func (lc *LineController) Transmit() error {
	if err := lc.setPin(PinRxEnable, false); err != nil {
		return err
	}
	if err := lc.setPin(PinTxEnable, true); err != nil {
		return err
	}

	return lc.setPin(PinBias, true)
}

// Receive enables the receiver and disables the line driver.
func (lc *LineController) Receive() error {
	if err := lc.setPin(PinRxEnable, true); err != nil {
		return err
	}

	return lc.setPin(PinTxEnable, false)
}

func (lc *LineController) setFraming(f Framing) {
	lc.framing = f
}

func (lc *LineController) hold(d time.Duration) error {
	if err := lc.port.End(); err != nil {
		return fmt.Errorf("sdi12: end port: %w", err)
	}
	if err := lc.Transmit(); err != nil {
		return err
	}

	if lc.breaker != nil {
		if err := lc.breaker.Break(d); err != nil {
			return fmt.Errorf("sdi12: break: %w", err)
		}
	} else {
		if err := lc.txd.DriveTx(false); err != nil {
			return fmt.Errorf("sdi12: drive break: %w", err)
		}
		clock.Wait(lc.clk, d, nil)
	}

	if lc.onBreak != nil {
		lc.onBreak()
	}

	if lc.cfg.explicitMark {
		if err := lc.Mark(); err != nil {
			return err
		}
	}

	if err := lc.port.Begin(lc.framing); err != nil {
		return fmt.Errorf("sdi12: restart port: %w", err)
	}

	return lc.port.Flush()
}

func (lc *LineController) setPin(p Pin, active bool) error {
	level := lc.cfg.pinLevels.active(p)
	if !active {
		level = !level
	}
	if err := lc.pins.Write(p, level); err != nil {
		return fmt.Errorf("sdi12: set %s: %w", p, err)
	}

	return nil
}
