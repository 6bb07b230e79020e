package sdi12

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-sdi12/clock"
	"github.com/arloliu/go-sdi12/logger"
)

// Default timing per the SDI-12 timing budget.
const (
	DefaultBreakTime       = 15 * time.Millisecond  // standard minimum is 12 ms
	DefaultMarkTime        = 9 * time.Millisecond   // standard minimum is 8.33 ms
	DefaultSettleDelay     = 2 * time.Millisecond   // after the last transmitted character
	DefaultResponseTimeout = 900 * time.Millisecond // longest possible reply

	DefaultRetryLimit      = 3
	DefaultMeasurementUnit = time.Second
)

// Timing range limits.
const (
	MinBreakTime = 12 * time.Millisecond
	MaxBreakTime = 100 * time.Millisecond

	MinMarkTime = 8330 * time.Microsecond
	MaxMarkTime = 100 * time.Millisecond

	MaxSettleDelay = 50 * time.Millisecond

	MinResponseTimeout = 10 * time.Millisecond
	MaxResponseTimeout = 10 * time.Second

	MinStartTimeout = 15 * time.Millisecond
	MinCharTimeout  = 9 * time.Millisecond

	MaxRetryLimit = 9
)

// Emulation selects when the 7E1 codec is used.
type Emulation uint8

const (
	// EmulationAuto opens the port with 7E1 and falls back to 8N1 plus
	// software parity when the port reports ErrFramingUnsupported.
	EmulationAuto Emulation = iota
	// EmulationOff requires native 7E1 framing.
	EmulationOff
	// EmulationOn always opens 8N1 and folds parity in software.
	EmulationOn
)

func (e Emulation) String() string {
	switch e {
	case EmulationAuto:
		return "auto"
	case EmulationOff:
		return "off"
	case EmulationOn:
		return "on"
	default:
		return fmt.Sprintf("emulation(%d)", e)
	}
}

// EngineConfig holds all configuration for an SDI-12 engine.
type EngineConfig struct {
	breakTime       time.Duration
	markTime        time.Duration
	explicitMark    bool
	settleDelay     time.Duration
	responseTimeout time.Duration
	startTimeout    time.Duration // 0 disables
	charTimeout     time.Duration // 0 disables

	emulation Emulation
	pinLevels PinLevels

	// Caller side policy used by the Measure helpers.
	retryLimit      int
	measurementUnit time.Duration

	idle   func()
	clock  clock.Clock
	logger logger.Logger
}

// NewEngineConfig creates an engine configuration.
//
// opts are functional options applied in order; see With* functions.
func NewEngineConfig(opts ...Option) (*EngineConfig, error) {
	cfg := &EngineConfig{
		breakTime:       DefaultBreakTime,
		markTime:        DefaultMarkTime,
		settleDelay:     DefaultSettleDelay,
		responseTimeout: DefaultResponseTimeout,
		emulation:       EmulationAuto,
		pinLevels:       DefaultPinLevels,
		retryLimit:      DefaultRetryLimit,
		measurementUnit: DefaultMeasurementUnit,
		clock:           clock.System(),
		logger:          logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.startTimeout > cfg.responseTimeout {
		return nil, fmt.Errorf("sdi12: start timeout %v exceeds response timeout %v", cfg.startTimeout, cfg.responseTimeout)
	}

	return cfg, nil
}

// --- Getters ---

// BreakTime returns how long a break holds the line low.
func (cfg *EngineConfig) BreakTime() time.Duration { return cfg.breakTime }

// MarkTime returns how long an explicit mark holds the line high.
func (cfg *EngineConfig) MarkTime() time.Duration { return cfg.markTime }

// ExplicitMark reports whether a timed mark follows every break.
func (cfg *EngineConfig) ExplicitMark() bool { return cfg.explicitMark }

// SettleDelay returns the delay after the last transmitted character.
func (cfg *EngineConfig) SettleDelay() time.Duration { return cfg.settleDelay }

// ResponseTimeout returns the total time allowed for a reply.
func (cfg *EngineConfig) ResponseTimeout() time.Duration { return cfg.responseTimeout }

// StartTimeout returns the time allowed for the first reply character, 0 if disabled.
func (cfg *EngineConfig) StartTimeout() time.Duration { return cfg.startTimeout }

// CharTimeout returns the inter-character timeout, 0 if disabled.
func (cfg *EngineConfig) CharTimeout() time.Duration { return cfg.charTimeout }

// Emulation returns the 7E1 emulation mode.
func (cfg *EngineConfig) Emulation() Emulation { return cfg.emulation }

// PinLevels returns the active levels of the control lines.
func (cfg *EngineConfig) PinLevels() PinLevels { return cfg.pinLevels }

// RetryLimit returns how often the Measure helpers re-issue a failed command.
func (cfg *EngineConfig) RetryLimit() int { return cfg.retryLimit }

// MeasurementUnit returns the duration of one count of the ttt field.
func (cfg *EngineConfig) MeasurementUnit() time.Duration { return cfg.measurementUnit }

// Clock returns the configured time source.
func (cfg *EngineConfig) Clock() clock.Clock { return cfg.clock }

// GetLogger returns the configured logger.
func (cfg *EngineConfig) GetLogger() logger.Logger { return cfg.logger }

// --- Option ---

// Option is a functional option for configuring an EngineConfig.
type Option interface {
	apply(*EngineConfig) error
}

type optFunc func(*EngineConfig) error

func (f optFunc) apply(cfg *EngineConfig) error { return f(cfg) }

// WithBreakTime sets the break duration. Range: 12ms-100ms.
func WithBreakTime(d time.Duration) Option {
	return optFunc(func(cfg *EngineConfig) error {
		if d < MinBreakTime || d > MaxBreakTime {
			return fmt.Errorf("sdi12: break time %v out of range [%v, %v]", d, MinBreakTime, MaxBreakTime)
		}
		cfg.breakTime = d

		return nil
	})
}

// WithMarkTime sets the explicit mark duration. Range: 8.33ms-100ms.
func WithMarkTime(d time.Duration) Option {
	return optFunc(func(cfg *EngineConfig) error {
		if d < MinMarkTime || d > MaxMarkTime {
			return fmt.Errorf("sdi12: mark time %v out of range [%v, %v]", d, MinMarkTime, MaxMarkTime)
		}
		cfg.markTime = d

		return nil
	})
}

// WithExplicitMark holds a timed mark after every break instead of relying on
// the port restart to return the line to idle.
func WithExplicitMark(enabled bool) Option {
	return optFunc(func(cfg *EngineConfig) error {
		cfg.explicitMark = enabled

		return nil
	})
}

// WithSettleDelay sets the delay after the last transmitted character.
func WithSettleDelay(d time.Duration) Option {
	return optFunc(func(cfg *EngineConfig) error {
		if d < 0 || d > MaxSettleDelay {
			return fmt.Errorf("sdi12: settle delay %v out of range [0, %v]", d, MaxSettleDelay)
		}
		cfg.settleDelay = d

		return nil
	})
}

// WithResponseTimeout sets the total time allowed for a reply.
func WithResponseTimeout(d time.Duration) Option {
	return optFunc(func(cfg *EngineConfig) error {
		if d < MinResponseTimeout || d > MaxResponseTimeout {
			return fmt.Errorf("sdi12: response timeout %v out of range [%v, %v]", d, MinResponseTimeout, MaxResponseTimeout)
		}
		cfg.responseTimeout = d

		return nil
	})
}

// WithStartTimeout limits the wait for the first reply character.
// 0 disables the limit.
func WithStartTimeout(d time.Duration) Option {
	return optFunc(func(cfg *EngineConfig) error {
		if d != 0 && d < MinStartTimeout {
			return fmt.Errorf("sdi12: start timeout %v below %v", d, MinStartTimeout)
		}
		cfg.startTimeout = d

		return nil
	})
}

// WithCharTimeout limits the gap between reply characters.
// 0 disables the limit.
func WithCharTimeout(d time.Duration) Option {
	return optFunc(func(cfg *EngineConfig) error {
		if d != 0 && d < MinCharTimeout {
			return fmt.Errorf("sdi12: character timeout %v below %v", d, MinCharTimeout)
		}
		cfg.charTimeout = d

		return nil
	})
}

// WithEmulation sets the 7E1 emulation mode. Default EmulationAuto.
func WithEmulation(mode Emulation) Option {
	return optFunc(func(cfg *EngineConfig) error {
		if mode > EmulationOn {
			return fmt.Errorf("sdi12: unknown emulation mode %d", mode)
		}
		cfg.emulation = mode

		return nil
	})
}

// WithPinLevels sets the active levels of the control lines.
func WithPinLevels(levels PinLevels) Option {
	return optFunc(func(cfg *EngineConfig) error {
		cfg.pinLevels = levels

		return nil
	})
}

// WithRetryLimit sets how often the Measure helpers re-issue a command after
// a timeout or parity error. Range: 0-9.
func WithRetryLimit(n int) Option {
	return optFunc(func(cfg *EngineConfig) error {
		if n < 0 || n > MaxRetryLimit {
			return fmt.Errorf("sdi12: retry limit %d out of range [0, %d]", n, MaxRetryLimit)
		}
		cfg.retryLimit = n

		return nil
	})
}

// WithMeasurementUnit sets the duration of one count of the ttt field of an
// M reply. SDI-12 defines it as one second.
func WithMeasurementUnit(d time.Duration) Option {
	return optFunc(func(cfg *EngineConfig) error {
		if d <= 0 {
			return errors.New("sdi12: measurement unit must be positive")
		}
		cfg.measurementUnit = d

		return nil
	})
}

// WithIdle registers a callback run while the engine waits for a reply.
// The callback must not use the engine or its port.
func WithIdle(fn func()) Option {
	return optFunc(func(cfg *EngineConfig) error {
		cfg.idle = fn

		return nil
	})
}

// WithClock sets the time source. Default is the runtime monotonic clock.
func WithClock(c clock.Clock) Option {
	return optFunc(func(cfg *EngineConfig) error {
		if c == nil {
			return errors.New("sdi12: clock must not be nil")
		}
		cfg.clock = c

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *EngineConfig) error {
		if l == nil {
			return errors.New("sdi12: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
