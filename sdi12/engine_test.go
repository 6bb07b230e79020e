package sdi12_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-sdi12/clock"
	"github.com/arloliu/go-sdi12/logger"
	"github.com/arloliu/go-sdi12/sdi12"
	"github.com/arloliu/go-sdi12/transport/mockport"
)

// ===========================================================================
// Verb parsing through a full transaction
// ===========================================================================

func TestExecute_Measure(t *testing.T) {
	b := newBench(t, replies("0M!", "00132\r\n"), nil)

	res, err := b.engine.Execute("0M!")
	require.NoError(t, err)
	assert.Equal(t, sdi12.Success, res)

	info := b.engine.Measurement()
	assert.Equal(t, 13, info.AvailableAfter)
	assert.Equal(t, 2, info.SensorCount)
	assert.Equal(t, "00132", b.engine.Response())
	assert.Equal(t, []string{"0M!"}, b.port.Commands())
}

func TestExecute_Measure_EchoedCommand(t *testing.T) {
	b := newBench(t, replies("1M!", "1M!10054\r\n"), nil)

	res, err := b.engine.Execute("1M!")
	require.NoError(t, err)
	assert.Equal(t, sdi12.Success, res)
	assert.Equal(t, 5, b.engine.Measurement().AvailableAfter)
	assert.Equal(t, 4, b.engine.Measurement().SensorCount)
}

func TestExecute_Measure_SensorCountZero(t *testing.T) {
	b := newBench(t, replies("0M!", "00130\r\n"), nil)

	res, err := b.engine.Execute("0M!")
	require.Error(t, err)
	assert.Equal(t, sdi12.ReplyError, res)
	assert.ErrorIs(t, err, sdi12.ErrReply)
	assert.Equal(t, 0, b.engine.Measurement().SensorCount)
	assert.Equal(t, 13, b.engine.Measurement().AvailableAfter)
	assert.Equal(t, sdi12.ReplyError, b.engine.LastResult())
}

func TestExecute_Data(t *testing.T) {
	b := newBench(t, replies("0D0!", "0+1.23-4.56\r\n"), nil)

	res, err := b.engine.Execute("0D0!")
	require.NoError(t, err)
	assert.Equal(t, sdi12.Success, res)

	r := b.engine.Readings()
	assert.InDelta(t, 1.23, r.Values[0], 1e-9)
	assert.InDelta(t, -4.56, r.Values[1], 1e-9)
	assert.Equal(t, 2, b.engine.SensorsRead())
	assert.Equal(t, []float64{1.23, -4.56}, r.Latest())
}

func TestExecute_Data_PacksDatasets(t *testing.T) {
	b := newBench(t, replies(
		"0D0!", "0+1+2\r\n",
		"0D1!", "0+3-4\r\n",
	), nil)

	_, err := b.engine.Execute("0D0!")
	require.NoError(t, err)
	_, err = b.engine.Execute("0D1!")
	require.NoError(t, err)

	r := b.engine.Readings()
	assert.Equal(t, []float64{1, 2, 3, -4}, r.Values[:4])
	assert.Equal(t, 2, r.Count)
	assert.Equal(t, 2, r.Offset)
}

func TestExecute_Data_TableOverflow(t *testing.T) {
	b := newBench(t, replies("0D9!", "0+1+2\r\n"), nil)

	res, err := b.engine.Execute("0D9!")
	assert.Equal(t, sdi12.ReplyError, res)
	assert.ErrorIs(t, err, sdi12.ErrReadingTableOverflow)

	readings := b.engine.Readings()
	assert.Empty(t, readings.Latest())
	assert.Equal(t, []float64{1, 2}, readings.Reply())
}

func TestExecute_Data_NoValues(t *testing.T) {
	b := newBench(t, replies("0D0!", "0\r\n"), nil)

	res, err := b.engine.Execute("0D0!")
	require.NoError(t, err)
	assert.Equal(t, sdi12.Success, res)
	assert.Equal(t, 0, b.engine.SensorsRead())
}

func TestExecute_Identify(t *testing.T) {
	const ident = "013VENDOR01MODEL1V01SN-42"
	b := newBench(t, replies("0I!", ident+"\r\n"), nil)

	res, err := b.engine.Execute("0I!")
	require.NoError(t, err)
	assert.Equal(t, sdi12.Success, res)
	assert.Equal(t, ident, b.engine.Identification())
}

func TestExecute_AddressQuery(t *testing.T) {
	b := newBench(t, replies("?!", "5\r\n"), nil)

	res, err := b.engine.Execute("?!")
	require.NoError(t, err)
	assert.Equal(t, sdi12.Success, res)
	assert.Equal(t, sdi12.Address('5'), b.engine.Address())
}

func TestExecute_AddressQuery_NotADigit(t *testing.T) {
	b := newBench(t, replies("?!", "x\r\n"), nil)

	res, err := b.engine.Execute("?!")
	assert.Equal(t, sdi12.ReplyError, res)
	assert.ErrorIs(t, err, sdi12.ErrReply)
	assert.Equal(t, sdi12.Wildcard, b.engine.Address())
}

func TestExecute_Acknowledge(t *testing.T) {
	b := newBench(t, replies("3!", "3\r\n"), nil)

	res, err := b.engine.Execute("3!")
	require.NoError(t, err)
	assert.Equal(t, sdi12.Success, res)
	assert.Equal(t, sdi12.Address('3'), b.engine.Address())
}

// ===========================================================================
// Failure handling
// ===========================================================================

func TestExecute_InvalidCommand(t *testing.T) {
	b := newBench(t, mockport.Silent, nil)
	before := len(b.port.Events())

	for _, cmd := range []string{"", "0", "0M", "xM!", "0D!", "0D!x!"} {
		res, err := b.engine.Execute(cmd)
		assert.Equal(t, sdi12.Fail, res, "command %q", cmd)
		assert.ErrorIs(t, err, sdi12.ErrInvalidCommand, "command %q", cmd)
	}

	// Rejected commands never reach the bus.
	assert.Len(t, b.port.Events(), before)
	assert.Equal(t, uint64(6), b.engine.Metrics().FailCount.Load())
}

func TestExecute_NotStarted(t *testing.T) {
	clk := clock.NewFake(time.Millisecond)
	engine, err := sdi12.NewEngine(mockport.New(nil), nil, newTestConfig(t, clk))
	require.NoError(t, err)

	res, err := engine.Execute("0!")
	assert.Equal(t, sdi12.Fail, res)
	assert.ErrorIs(t, err, sdi12.ErrNotStarted)
}

func TestExecute_Timeout_AtDeadline(t *testing.T) {
	for _, timeout := range []time.Duration{sdi12.DefaultResponseTimeout, 100 * time.Millisecond} {
		b := newBench(t, mockport.Silent, nil, sdi12.WithResponseTimeout(timeout))

		start := b.clk.Peek()
		res, err := b.engine.Execute("0M!")
		elapsed := b.clk.Peek() - start

		assert.Equal(t, sdi12.Timeout, res)
		assert.ErrorIs(t, err, sdi12.ErrTimeout)

		// The whole transaction is break + settle + response window.
		lower := timeout + sdi12.DefaultBreakTime + sdi12.DefaultSettleDelay
		assert.GreaterOrEqual(t, elapsed, lower)
		assert.Less(t, elapsed, lower+10*time.Millisecond)
	}
}

func TestExecute_Timeout_NoTerminator(t *testing.T) {
	b := newBench(t, replies("0M!", "00132"), nil, sdi12.WithResponseTimeout(50*time.Millisecond))

	res, err := b.engine.Execute("0M!")
	assert.Equal(t, sdi12.Timeout, res)
	assert.ErrorIs(t, err, sdi12.ErrTimeout)
	assert.Equal(t, sdi12.MeasurementInfo{}, b.engine.Measurement())
}

func TestExecute_StartTimeout(t *testing.T) {
	b := newBench(t, mockport.Silent, nil, sdi12.WithStartTimeout(20*time.Millisecond))

	start := b.clk.Peek()
	res, err := b.engine.Execute("0M!")

	assert.Equal(t, sdi12.Timeout, res)
	assert.ErrorContains(t, err, "no reply start")
	assert.Less(t, b.clk.Peek()-start, 100*time.Millisecond)
}

func TestExecute_CharTimeout(t *testing.T) {
	b := newBench(t, replies("0M!", "001"), nil, sdi12.WithCharTimeout(10*time.Millisecond))

	start := b.clk.Peek()
	res, err := b.engine.Execute("0M!")

	assert.Equal(t, sdi12.Timeout, res)
	assert.ErrorContains(t, err, "character gap")
	assert.Less(t, b.clk.Peek()-start, 100*time.Millisecond)
}

func TestExecute_Overflow(t *testing.T) {
	long := "0" + strings.Repeat("+1", 60) + "\r\n"
	b := newBench(t, replies("0D0!", long), nil)

	res, err := b.engine.Execute("0D0!")
	assert.Equal(t, sdi12.ReplyError, res)
	assert.ErrorIs(t, err, sdi12.ErrBufferOverflow)
	assert.Equal(t, sdi12.BufferSize, len(b.engine.Response()))
}

func TestExecute_NoiseBeforeReply(t *testing.T) {
	b := newBench(t, replies("0M!", "00132\r\n"), []mockport.Option{mockport.WithNoise([]byte{0x00, 'x', '\r', '\n'})})

	res, err := b.engine.Execute("0M!")
	require.NoError(t, err)
	assert.Equal(t, sdi12.Success, res)
	assert.Equal(t, "00132", b.engine.Response())
}

func TestExecute_StateResetBetweenCalls(t *testing.T) {
	b := newBench(t, replies("0M!", "00132\r\n"), nil, sdi12.WithResponseTimeout(20*time.Millisecond))

	_, err := b.engine.Execute("0M!")
	require.NoError(t, err)
	require.Equal(t, 2, b.engine.Measurement().SensorCount)

	res, _ := b.engine.Execute("1M!")
	assert.Equal(t, sdi12.Timeout, res)
	assert.Equal(t, sdi12.MeasurementInfo{}, b.engine.Measurement())
	assert.Equal(t, sdi12.Address('1'), b.engine.Address())
	assert.Empty(t, b.engine.Response())
}

// ===========================================================================
// 7E1 emulation
// ===========================================================================

func TestExecute_Emulation_Fallback(t *testing.T) {
	b := newBench(t, replies("0M!", "00132\r\n"), []mockport.Option{mockport.WithNative7E1(false)})

	assert.True(t, b.engine.Emulating())
	assert.Equal(t, sdi12.Framing8N1, b.engine.Framing())

	res, err := b.engine.Execute("0M!")
	require.NoError(t, err)
	assert.Equal(t, sdi12.Success, res)
	assert.Equal(t, []string{"0M!"}, b.port.Commands())
	assert.Equal(t, "00132", b.engine.Response())
	assert.Equal(t, 2, b.engine.Measurement().SensorCount)
}

func TestExecute_Emulation_ParityError(t *testing.T) {
	b := newBench(t, replies("0M!", "00132\r\n"), []mockport.Option{
		mockport.WithNative7E1(false),
		mockport.WithCorruptParity(2),
	})

	res, err := b.engine.Execute("0M!")
	assert.Equal(t, sdi12.ParityError, res)
	assert.ErrorIs(t, err, sdi12.ErrParity)
	// Decoding still clears the parity bits.
	assert.Equal(t, "00132", b.engine.Response())
	assert.Equal(t, sdi12.MeasurementInfo{}, b.engine.Measurement())
}

func TestExecute_Emulation_TimeoutResponseDecoded(t *testing.T) {
	b := newBench(t, replies("0M!", "00132"), []mockport.Option{mockport.WithNative7E1(false)},
		sdi12.WithResponseTimeout(50*time.Millisecond))

	res, err := b.engine.Execute("0M!")
	assert.Equal(t, sdi12.Timeout, res)
	assert.ErrorIs(t, err, sdi12.ErrTimeout)
	assert.Equal(t, "00132", b.engine.Response())
}

func TestExecute_Emulation_OverflowResponseDecoded(t *testing.T) {
	long := "0" + strings.Repeat("+1", 60) + "\r\n"
	b := newBench(t, replies("0D0!", long), []mockport.Option{mockport.WithNative7E1(false)})

	res, err := b.engine.Execute("0D0!")
	assert.Equal(t, sdi12.ReplyError, res)
	assert.ErrorIs(t, err, sdi12.ErrBufferOverflow)
	assert.Equal(t, long[:sdi12.BufferSize], b.engine.Response())
}

func TestBegin_EmulationOff_RequiresNative(t *testing.T) {
	clk := clock.NewFake(time.Millisecond)
	cfg := newTestConfig(t, clk, sdi12.WithEmulation(sdi12.EmulationOff))

	engine, err := sdi12.NewEngine(mockport.New(nil, mockport.WithNative7E1(false)), nil, cfg)
	require.NoError(t, err)

	err = engine.Begin()
	assert.ErrorIs(t, err, sdi12.ErrFramingUnsupported)
}

func TestBegin_EmulationOn(t *testing.T) {
	b := newBench(t, replies("0!", "0\r\n"), nil, sdi12.WithEmulation(sdi12.EmulationOn))

	assert.True(t, b.engine.Emulating())
	_, err := b.engine.Execute("0!")
	require.NoError(t, err)
}

// ===========================================================================
// Line signaling and control lines
// ===========================================================================

func TestExecute_BreakSequence(t *testing.T) {
	b := newBench(t, replies("0!", "0\r\n"), nil)

	_, err := b.engine.Execute("0!")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"tx high", "begin 1200/7E1", // Begin
		"end", "tx low", "begin 1200/7E1", // break
	}, b.port.Events())
	assert.Equal(t, uint64(1), b.engine.Metrics().BreakCount.Load())

	// Receiving: receiver enabled (active low), driver disabled (active high).
	assert.False(t, b.pins.Level(sdi12.PinRxEnable))
	assert.False(t, b.pins.Level(sdi12.PinTxEnable))
	assert.True(t, b.pins.Level(sdi12.PinBias))
}

func TestExecute_ExplicitMark(t *testing.T) {
	b := newBench(t, replies("0!", "0\r\n"), nil, sdi12.WithExplicitMark(true))

	_, err := b.engine.Execute("0!")
	require.NoError(t, err)

	assert.Equal(t, []string{"tx high", "begin 1200/7E1", "end", "tx low", "tx high", "begin 1200/7E1"}, b.port.Events())
}

func TestExecute_HardwareBreak(t *testing.T) {
	port := mockport.NewBreakPort(replies("0!", "0\r\n"))
	clk := clock.NewFake(time.Millisecond)

	engine, err := sdi12.NewEngine(port, nil, newTestConfig(t, clk))
	require.NoError(t, err)
	require.NoError(t, engine.Begin())

	_, err = engine.Execute("0!")
	require.NoError(t, err)
	require.NoError(t, engine.Wake(100*time.Millisecond))

	assert.Equal(t, []time.Duration{sdi12.DefaultBreakTime, 100 * time.Millisecond}, port.Breaks())
	assert.NotContains(t, port.Events()[2:], "tx low")
}

func TestWake_TooShort(t *testing.T) {
	b := newBench(t, mockport.Silent, nil)

	assert.Error(t, b.engine.Wake(5*time.Millisecond))
}

func TestSleep_DisablesInterface(t *testing.T) {
	b := newBench(t, mockport.Silent, nil)

	require.NoError(t, b.engine.Sleep())

	assert.False(t, b.pins.Level(sdi12.PinTxEnable))
	assert.True(t, b.pins.Level(sdi12.PinRxEnable))
	assert.False(t, b.pins.Level(sdi12.PinBias))
}

func TestSleep_CustomPinLevels(t *testing.T) {
	levels := sdi12.PinLevels{TxEnableHigh: false, RxEnableHigh: true, BiasHigh: false}
	b := newBench(t, mockport.Silent, nil, sdi12.WithPinLevels(levels))

	require.NoError(t, b.engine.Sleep())

	assert.True(t, b.pins.Level(sdi12.PinTxEnable))
	assert.False(t, b.pins.Level(sdi12.PinRxEnable))
	assert.True(t, b.pins.Level(sdi12.PinBias))
}

// ===========================================================================
// Idle callback
// ===========================================================================

func TestExecute_IdleCallback(t *testing.T) {
	calls := 0
	b := newBench(t, replies("0M!", "00132\r\n"), []mockport.Option{mockport.WithLatency(5)},
		sdi12.WithIdle(func() { calls++ }),
	)

	_, err := b.engine.Execute("0M!")
	require.NoError(t, err)
	assert.Equal(t, 5, calls)

	b.engine.SetIdle(nil)
	_, err = b.engine.Execute("0M!")
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
}

func TestNewEngine_NoBreakSupport(t *testing.T) {
	cfg, err := sdi12.NewEngineConfig()
	require.NoError(t, err)

	_, err = sdi12.NewEngine(plainPort{}, nil, cfg)
	assert.ErrorIs(t, err, sdi12.ErrNoBreakSupport)

	_, err = sdi12.NewEngine(nil, nil, cfg)
	assert.ErrorIs(t, err, sdi12.ErrPortNil)

	_, err = sdi12.NewEngine(mockport.New(nil), nil, nil)
	assert.ErrorIs(t, err, sdi12.ErrConfigNil)
}

// plainPort is a Port that can neither break nor drive its transmit line.
type plainPort struct{}

func (plainPort) Begin(sdi12.Framing) error { return nil }
func (plainPort) End() error                { return nil }
func (plainPort) WriteByte(byte) error      { return nil }
func (plainPort) Flush() error              { return nil }
func (plainPort) Buffered() int             { return 0 }
func (plainPort) ReadByte() (byte, error)   { return 0, nil }

func TestMetrics(t *testing.T) {
	b := newBench(t, replies("0M!", "00132\r\n", "1M!", "10130\r\n"), nil, sdi12.WithResponseTimeout(20*time.Millisecond))

	_, _ = b.engine.Execute("0M!")
	_, _ = b.engine.Execute("1M!")
	_, _ = b.engine.Execute("2M!")
	_, _ = b.engine.Execute("")

	m := b.engine.Metrics()
	assert.Equal(t, uint64(4), m.TransactionCount.Load())
	assert.Equal(t, uint64(1), m.SuccessCount.Load())
	assert.Equal(t, uint64(1), m.ReplyErrorCount.Load())
	assert.Equal(t, uint64(1), m.TimeoutCount.Load())
	assert.Equal(t, uint64(1), m.FailCount.Load())
	assert.Equal(t, uint64(3), m.BreakCount.Load())
}

func TestSetDebug(t *testing.T) {
	var buf bytes.Buffer
	l := logger.NewSlogWriter(&buf, logger.InfoLevel, false, false)
	b := newBench(t, replies("0!", "0\r\n"), nil, sdi12.WithLogger(l))

	_, err := b.engine.Execute("0!")
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "sdi12: transmitting")

	b.engine.SetDebug(true)
	_, err = b.engine.Execute("0!")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "sdi12: transmitting")
	assert.Equal(t, logger.InfoLevel, l.Level())

	buf.Reset()
	b.engine.SetDebug(false)
	_, err = b.engine.Execute("0!")
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "sdi12: transmitting")
}
