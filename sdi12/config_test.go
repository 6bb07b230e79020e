package sdi12

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-sdi12/clock"
	"github.com/arloliu/go-sdi12/logger"
)

func TestNewEngineConfig_Defaults(t *testing.T) {
	cfg, err := NewEngineConfig()
	require.NoError(t, err)

	assert.Equal(t, DefaultBreakTime, cfg.BreakTime())
	assert.Equal(t, DefaultMarkTime, cfg.MarkTime())
	assert.False(t, cfg.ExplicitMark())
	assert.Equal(t, DefaultSettleDelay, cfg.SettleDelay())
	assert.Equal(t, DefaultResponseTimeout, cfg.ResponseTimeout())
	assert.Zero(t, cfg.StartTimeout())
	assert.Zero(t, cfg.CharTimeout())
	assert.Equal(t, EmulationAuto, cfg.Emulation())
	assert.Equal(t, DefaultPinLevels, cfg.PinLevels())
	assert.Equal(t, DefaultRetryLimit, cfg.RetryLimit())
	assert.Equal(t, time.Second, cfg.MeasurementUnit())
	assert.NotNil(t, cfg.Clock())
	assert.NotNil(t, cfg.GetLogger())
}

func TestNewEngineConfig_Options(t *testing.T) {
	clk := clock.NewFake(time.Millisecond)
	l := &logger.MockLogger{}
	levels := PinLevels{TxEnableHigh: false, RxEnableHigh: true, BiasHigh: false}

	cfg, err := NewEngineConfig(
		WithBreakTime(20*time.Millisecond),
		WithMarkTime(10*time.Millisecond),
		WithExplicitMark(true),
		WithSettleDelay(0),
		WithResponseTimeout(2*time.Second),
		WithStartTimeout(100*time.Millisecond),
		WithCharTimeout(20*time.Millisecond),
		WithEmulation(EmulationOn),
		WithPinLevels(levels),
		WithRetryLimit(0),
		WithMeasurementUnit(time.Millisecond),
		WithClock(clk),
		WithLogger(l),
	)
	require.NoError(t, err)

	assert.Equal(t, 20*time.Millisecond, cfg.BreakTime())
	assert.Equal(t, 10*time.Millisecond, cfg.MarkTime())
	assert.True(t, cfg.ExplicitMark())
	assert.Zero(t, cfg.SettleDelay())
	assert.Equal(t, 2*time.Second, cfg.ResponseTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.StartTimeout())
	assert.Equal(t, 20*time.Millisecond, cfg.CharTimeout())
	assert.Equal(t, EmulationOn, cfg.Emulation())
	assert.Equal(t, levels, cfg.PinLevels())
	assert.Zero(t, cfg.RetryLimit())
	assert.Equal(t, time.Millisecond, cfg.MeasurementUnit())
	assert.Same(t, clk, cfg.Clock())
	assert.Same(t, l, cfg.GetLogger())
}

func TestNewEngineConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{name: "break below minimum", opt: WithBreakTime(11 * time.Millisecond)},
		{name: "break above maximum", opt: WithBreakTime(time.Second)},
		{name: "mark below minimum", opt: WithMarkTime(8 * time.Millisecond)},
		{name: "negative settle", opt: WithSettleDelay(-time.Millisecond)},
		{name: "settle above maximum", opt: WithSettleDelay(time.Second)},
		{name: "response timeout too short", opt: WithResponseTimeout(time.Millisecond)},
		{name: "response timeout too long", opt: WithResponseTimeout(time.Minute)},
		{name: "start timeout too short", opt: WithStartTimeout(time.Millisecond)},
		{name: "char timeout too short", opt: WithCharTimeout(time.Millisecond)},
		{name: "unknown emulation", opt: WithEmulation(Emulation(7))},
		{name: "negative retries", opt: WithRetryLimit(-1)},
		{name: "too many retries", opt: WithRetryLimit(10)},
		{name: "zero unit", opt: WithMeasurementUnit(0)},
		{name: "nil clock", opt: WithClock(nil)},
		{name: "nil logger", opt: WithLogger(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngineConfig(tt.opt)
			assert.Error(t, err)
		})
	}
}

func TestNewEngineConfig_StartTimeoutExceedsResponse(t *testing.T) {
	_, err := NewEngineConfig(
		WithResponseTimeout(100*time.Millisecond),
		WithStartTimeout(200*time.Millisecond),
	)
	assert.Error(t, err)
}

func TestFraming_String(t *testing.T) {
	assert.Equal(t, "1200/7E1", Framing7E1.String())
	assert.Equal(t, "1200/8N1", Framing8N1.String())
}

func TestPinLevels(t *testing.T) {
	assert.True(t, DefaultPinLevels.active(PinTxEnable))
	assert.False(t, DefaultPinLevels.active(PinRxEnable))
	assert.True(t, DefaultPinLevels.active(PinBias))
	assert.Equal(t, "rx-enable", PinRxEnable.String())
	assert.Equal(t, "pin(9)", Pin(9).String())
}
