// Package poller measures a set of SDI-12 sensors on a schedule and hands
// each result to one or more sinks.
//
// All sensors share one bus, so measurements are serialized: a sensor whose
// interval expires while another is being measured waits for the bus.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-sdi12/internal/task"
	"github.com/arloliu/go-sdi12/logger"
	"github.com/arloliu/go-sdi12/sdi12"
)

var (
	ErrNoSensors       = errors.New("poller: no sensors configured")
	ErrDuplicateSensor = errors.New("poller: duplicate sensor name")
	ErrInvalidInterval = errors.New("poller: interval must be positive")
	ErrUnknownSensor   = errors.New("poller: unknown sensor")
)

// Measurer runs a complete measurement on one sensor. *sdi12.Engine
// implements it.
type Measurer interface {
	Measure(ctx context.Context, addr sdi12.Address) (sdi12.Measurement, error)
}

// Sensor is one scheduled measurement.
type Sensor struct {
	Name     string
	Address  sdi12.Address
	Interval time.Duration
}

// Reading is the outcome of one scheduled measurement.
type Reading struct {
	Sensor  string
	Address sdi12.Address
	Time    time.Time
	Values  []float64
	Result  sdi12.Result
	Err     error
}

// Sink receives readings. Publish is called from the poller goroutines,
// one reading at a time.
type Sink interface {
	Publish(ctx context.Context, r Reading) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, r Reading) error

func (f SinkFunc) Publish(ctx context.Context, r Reading) error { return f(ctx, r) }

// Status summarizes the history of one sensor.
type Status struct {
	Polls               uint64
	Failures            uint64
	ConsecutiveFailures uint64
	LastPoll            time.Time
	LastSuccess         time.Time
	LastValues          []float64
	LastError           string
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithSink adds a sink.
func WithSink(s Sink) Option {
	return func(p *Poller) { p.sinks = append(p.sinks, s) }
}

// WithNow sets the time source for reading timestamps.
func WithNow(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithRunNow measures every sensor once when Start is called instead of
// waiting a full interval. Default true.
func WithRunNow(enabled bool) Option {
	return func(p *Poller) { p.runNow = enabled }
}

// Poller runs scheduled measurements.
type Poller struct {
	m       Measurer
	sensors []Sensor
	sinks   []Sink
	logger  logger.Logger
	now     func() time.Time
	runNow  bool

	bus    sync.Mutex // serializes bus access
	status *xsync.MapOf[string, Status]
	mgr    *task.Manager
}

// New creates a Poller measuring sensors through m.
func New(m Measurer, sensors []Sensor, opts ...Option) (*Poller, error) {
	if len(sensors) == 0 {
		return nil, ErrNoSensors
	}

	p := &Poller{
		m:       m,
		sensors: append([]Sensor(nil), sensors...),
		logger:  logger.GetLogger(),
		now:     time.Now,
		runNow:  true,
		status:  xsync.NewMapOf[string, Status](),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "poller")

	for _, s := range p.sensors {
		if s.Interval <= 0 {
			return nil, fmt.Errorf("%w: sensor %s", ErrInvalidInterval, s.Name)
		}
		if !s.Address.Valid() || s.Address.IsWildcard() {
			return nil, fmt.Errorf("poller: sensor %s: %w", s.Name, sdi12.ErrInvalidCommand)
		}
		if _, loaded := p.status.LoadOrStore(s.Name, Status{}); loaded {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSensor, s.Name)
		}
	}

	return p, nil
}

// Start schedules every sensor. Measurements stop when ctx is done or Stop
// is called.
func (p *Poller) Start(ctx context.Context) error {
	p.mgr = task.NewManager(ctx, p.logger)

	for _, s := range p.sensors {
		s := s
		err := p.mgr.StartInterval("poll-"+s.Name, func() bool {
			_, _ = p.Poll(p.mgr.Context(), s)
			return true
		}, s.Interval, p.runNow)
		if err != nil {
			p.Stop()
			return err
		}
	}

	p.logger.Info("poller started", "sensors", len(p.sensors))

	return nil
}

// Stop cancels all schedules and waits for running measurements to end.
func (p *Poller) Stop() {
	if p.mgr == nil {
		return
	}
	p.mgr.Stop()
	p.mgr.Wait()
	p.logger.Info("poller stopped")
}

// Poll measures s once, records its status and publishes the reading.
func (p *Poller) Poll(ctx context.Context, s Sensor) (Reading, error) {
	p.bus.Lock()
	m, err := p.m.Measure(ctx, s.Address)
	p.bus.Unlock()

	r := Reading{
		Sensor:  s.Name,
		Address: s.Address,
		Time:    p.now(),
		Values:  m.Values,
		Result:  sdi12.ResultOf(err),
		Err:     err,
	}
	p.record(r)

	if err != nil {
		p.logger.Warn("measurement failed", "sensor", s.Name, "address", s.Address.String(), "result", r.Result.String(), "error", err)
	} else {
		p.logger.Debug("measurement done", "sensor", s.Name, "values", r.Values)
	}

	for _, sink := range p.sinks {
		if perr := sink.Publish(ctx, r); perr != nil {
			p.logger.Error("publish failed", "sensor", s.Name, "error", perr)
		}
	}

	return r, err
}

// PollByName measures the configured sensor called name once.
func (p *Poller) PollByName(ctx context.Context, name string) (Reading, error) {
	for _, s := range p.sensors {
		if s.Name == name {
			return p.Poll(ctx, s)
		}
	}

	return Reading{}, fmt.Errorf("%w: %s", ErrUnknownSensor, name)
}

func (p *Poller) record(r Reading) {
	p.status.Compute(r.Sensor, func(st Status, _ bool) (Status, bool) {
		st.Polls++
		st.LastPoll = r.Time
		if r.Err != nil {
			st.Failures++
			st.ConsecutiveFailures++
			st.LastError = r.Err.Error()
		} else {
			st.ConsecutiveFailures = 0
			st.LastSuccess = r.Time
			st.LastValues = r.Values
			st.LastError = ""
		}

		return st, false
	})
}

// Status returns the status of the sensor called name.
func (p *Poller) Status(name string) (Status, bool) {
	return p.status.Load(name)
}

// Statuses returns a snapshot of all sensor statuses.
func (p *Poller) Statuses() map[string]Status {
	out := make(map[string]Status, p.status.Size())
	p.status.Range(func(name string, st Status) bool {
		out[name] = st
		return true
	})

	return out
}
