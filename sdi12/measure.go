package sdi12

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-sdi12/clock"
)

// maxDatasets is the number of D commands (D0-D9) a measurement may span.
const maxDatasets = 10

// Measurement is the complete result of an M/D sequence.
type Measurement struct {
	Address Address
	Info    MeasurementInfo
	Values  []float64
}

// Discover issues "?!" and returns the address of the single sensor on the bus.
func (e *Engine) Discover() (Address, error) {
	if _, err := e.executeWithRetry("?!"); err != nil {
		return 0, err
	}

	return e.addr, nil
}

// Acknowledge issues "a!" to check that the sensor at addr is alive.
func (e *Engine) Acknowledge(addr Address) error {
	_, err := e.executeWithRetry(AcknowledgeCommand(addr))

	return err
}

// Identify issues "aI!" and parses the identification reply.
func (e *Engine) Identify(addr Address) (Identification, error) {
	if _, err := e.executeWithRetry(IdentifyCommand(addr)); err != nil {
		return Identification{}, err
	}

	return ParseIdentification(e.ident)
}

// Measure starts a measurement on addr, waits until the sensor reports it
// ready and collects the values with D0, D1, ... until the announced number
// of values has been read.
//
// Values are collected from each D reply as a whole, independent of where
// the reading table places them. Commands that time out or fail parity are
// re-issued up to the configured retry limit. The wait runs on the engine
// clock and honours ctx.
func (e *Engine) Measure(ctx context.Context, addr Address) (Measurement, error) {
	m := Measurement{Address: addr}

	if _, err := e.executeWithRetry(MeasureCommand(addr)); err != nil {
		return m, err
	}
	m.Info = e.measurement

	wait := time.Duration(m.Info.AvailableAfter) * e.cfg.measurementUnit
	if err := clock.Sleep(ctx, e.clk, wait, e.yield); err != nil {
		return m, err
	}

	for dataset := 0; dataset < maxDatasets && len(m.Values) < m.Info.SensorCount; dataset++ {
		if err := ctx.Err(); err != nil {
			return m, err
		}

		// Replies of uneven size overflow the table placement but are
		// still complete data.
		_, err := e.executeWithRetry(DataCommand(addr, dataset))
		if err != nil && !errors.Is(err, ErrReadingTableOverflow) {
			return m, err
		}

		values := e.readings.Reply()
		if len(values) == 0 {
			break
		}
		m.Values = append(m.Values, values...)
	}

	if len(m.Values) < m.Info.SensorCount {
		return m, fmt.Errorf("%w: %w: got %d of %d", ErrReply, ErrIncompleteMeasurement, len(m.Values), m.Info.SensorCount)
	}

	return m, nil
}

func (e *Engine) executeWithRetry(cmd string) (Result, error) {
	res, err := e.Execute(cmd)
	for retry := 1; retry <= e.cfg.retryLimit && res.Retryable(); retry++ {
		e.metrics.incRetryCount()
		e.logger.Debug("sdi12: command retry",
			"command", cmd,
			"retry", retry,
			"maxRetry", e.cfg.retryLimit,
			"error", err,
		)
		res, err = e.Execute(cmd)
	}

	if res.Retryable() && e.cfg.retryLimit > 0 {
		return res, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}

	return res, err
}
