package bugst

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/arloliu/go-sdi12/codec"
	"github.com/arloliu/go-sdi12/logger"
	"github.com/arloliu/go-sdi12/sdi12"
	"github.com/arloliu/go-sdi12/transport"
)

// fakeSerial is an in-memory serial.Port that answers complete commands.
type fakeSerial struct {
	mu      sync.Mutex
	modes   []serial.Mode
	written []byte
	rx      []byte
	rts     []bool
	dtr     []bool
	breaks  []time.Duration
	resets  int
	drains  int
	closed  bool
	replies map[string]string
	// no7E1 makes the driver reject 7 data bits; traffic is then parity
	// folded 8N1.
	no7E1 bool
}

var errNo7Bits = fmt.Errorf("%w: 7 data bits not supported by driver", sdi12.ErrFramingUnsupported)

var _ serial.Port = (*fakeSerial)(nil)

func (f *fakeSerial) SetMode(mode *serial.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.no7E1 && mode.DataBits == 7 {
		return errNo7Bits
	}
	f.modes = append(f.modes, *mode)

	return nil
}

func (f *fakeSerial) Read(p []byte) (int, error) {
	f.mu.Lock()
	n := copy(p, f.rx)
	f.rx = f.rx[n:]
	f.mu.Unlock()

	if n == 0 {
		time.Sleep(time.Millisecond)
	}

	return n, nil
}

func (f *fakeSerial) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, b := range p {
		c := b
		if f.no7E1 {
			c, _ = codec.DecodeByte(b)
		}
		f.written = append(f.written, c)
		if c != '!' {
			continue
		}
		if reply, ok := f.replies[string(f.written)]; ok {
			out := []byte(reply)
			if f.no7E1 {
				codec.Encode(out)
			}
			f.rx = append(f.rx, out...)
		}
		f.written = f.written[:0]
	}

	return len(p), nil
}

func (f *fakeSerial) Drain() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++

	return nil
}

func (f *fakeSerial) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.rx = nil

	return nil
}

func (f *fakeSerial) ResetOutputBuffer() error { return nil }

func (f *fakeSerial) SetDTR(dtr bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dtr = append(f.dtr, dtr)

	return nil
}

func (f *fakeSerial) SetRTS(rts bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rts = append(f.rts, rts)

	return nil
}

func (f *fakeSerial) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

func (f *fakeSerial) SetReadTimeout(time.Duration) error { return nil }

func (f *fakeSerial) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	return nil
}

func (f *fakeSerial) Break(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breaks = append(f.breaks, d)

	return nil
}

func newMockLogger() *logger.MockLogger {
	return logger.NewNopMockLogger()
}

func openFake(t *testing.T, fake *fakeSerial) *Port {
	t.Helper()

	var openedMode serial.Mode
	p, err := Open("/dev/ttyFAKE",
		WithLogger(newMockLogger()),
		WithReadTimeout(time.Millisecond),
		withOpenFunc(func(path string, mode *serial.Mode) (serial.Port, error) {
			assert.Equal(t, "/dev/ttyFAKE", path)
			openedMode = *mode
			return fake, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	assert.Equal(t, serial.Mode{BaudRate: 1200, DataBits: 7, Parity: serial.EvenParity, StopBits: serial.OneStopBit}, openedMode)

	return p
}

func TestPort_Framing(t *testing.T) {
	fake := &fakeSerial{}
	p := openFake(t, fake)

	require.NoError(t, p.Begin(sdi12.Framing7E1))
	assert.Empty(t, fake.modes, "already open with 7E1")

	require.NoError(t, p.Begin(sdi12.Framing8N1))
	require.Len(t, fake.modes, 1)
	assert.Equal(t, serial.Mode{BaudRate: 1200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}, fake.modes[0])
	assert.Equal(t, 2, fake.resets)
}

func TestPort_WriteBreakPins(t *testing.T) {
	fake := &fakeSerial{}
	p := openFake(t, fake)

	require.NoError(t, p.WriteByte('0'))
	require.NoError(t, p.Flush())
	require.NoError(t, p.End())
	require.NoError(t, p.Break(15*time.Millisecond))

	pins := p.Pins()
	require.NoError(t, pins.Write(sdi12.PinTxEnable, true))
	require.NoError(t, pins.Write(sdi12.PinRxEnable, false))
	require.NoError(t, pins.Write(sdi12.PinBias, true))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []byte("0"), fake.written)
	assert.Equal(t, 2, fake.drains)
	assert.Equal(t, []time.Duration{15 * time.Millisecond}, fake.breaks)
	assert.Equal(t, []bool{true}, fake.rts)
	assert.Equal(t, []bool{false}, fake.dtr)
}

func TestPort_Receive(t *testing.T) {
	fake := &fakeSerial{}
	p := openFake(t, fake)

	fake.mu.Lock()
	fake.rx = []byte("0\r\n")
	fake.mu.Unlock()

	assert.Eventually(t, func() bool { return p.Buffered() == 3 }, time.Second, time.Millisecond)

	b, err := p.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte('0'), b)

	// Begin discards stale input.
	require.NoError(t, p.Begin(sdi12.Framing7E1))
	assert.Equal(t, 0, p.Buffered())
}

func TestPort_Engine(t *testing.T) {
	fake := &fakeSerial{replies: map[string]string{"0M!": "00012\r\n"}}
	p := openFake(t, fake)

	cfg, err := sdi12.NewEngineConfig(sdi12.WithLogger(newMockLogger()))
	require.NoError(t, err)

	engine, err := sdi12.NewEngine(p, p.Pins(), cfg)
	require.NoError(t, err)
	require.NoError(t, engine.Begin())
	assert.False(t, engine.Emulating())

	res, err := engine.Execute("0M!")
	require.NoError(t, err)
	assert.Equal(t, sdi12.Success, res)
	assert.Equal(t, sdi12.MeasurementInfo{AvailableAfter: 1, SensorCount: 2}, engine.Measurement())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []time.Duration{sdi12.DefaultBreakTime}, fake.breaks)
}

func TestOpen_FallsBackTo8N1(t *testing.T) {
	fake := &fakeSerial{no7E1: true, replies: map[string]string{"0M!": "00012\r\n"}}

	var opened []serial.Mode
	p, err := Open("/dev/ttyFAKE",
		WithLogger(newMockLogger()),
		WithReadTimeout(time.Millisecond),
		withOpenFunc(func(_ string, mode *serial.Mode) (serial.Port, error) {
			opened = append(opened, *mode)
			if mode.DataBits == 7 {
				return nil, errNo7Bits
			}
			return fake, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.Len(t, opened, 2)
	assert.Equal(t, 7, opened[0].DataBits)
	assert.Equal(t, serial.Mode{BaudRate: 1200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}, opened[1])

	cfg, err := sdi12.NewEngineConfig(sdi12.WithLogger(newMockLogger()))
	require.NoError(t, err)
	engine, err := sdi12.NewEngine(p, p.Pins(), cfg)
	require.NoError(t, err)
	require.NoError(t, engine.Begin())
	assert.True(t, engine.Emulating())
	assert.Equal(t, sdi12.Framing8N1, engine.Framing())

	res, err := engine.Execute("0M!")
	require.NoError(t, err)
	assert.Equal(t, sdi12.Success, res)
	assert.Equal(t, sdi12.MeasurementInfo{AvailableAfter: 1, SensorCount: 2}, engine.Measurement())
}

func TestOpen_Error(t *testing.T) {
	errNoDevice := errors.New("no such device")
	_, err := Open("/dev/missing",
		WithLogger(newMockLogger()),
		withOpenFunc(func(string, *serial.Mode) (serial.Port, error) { return nil, errNoDevice }),
	)
	assert.ErrorIs(t, err, errNoDevice)
	assert.NotErrorIs(t, err, sdi12.ErrFramingUnsupported)
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, transport.Backends(), Name)
}
