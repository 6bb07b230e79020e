// Package mockport provides a scripted in-memory SDI-12 port and control
// lines for tests and bench simulations.
//
// The port decodes the command bytes it is given, looks up a reply through a
// Responder once the terminating '!' is written and makes the reply available
// to the engine's polling reads. When opened with 8N1 framing it behaves like
// a 7E1 sensor seen through an 8N1 UART: received bytes carry parity in bit 7
// and replies are returned with parity folded in.
package mockport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/arloliu/go-sdi12/codec"
	"github.com/arloliu/go-sdi12/internal/queue"
	"github.com/arloliu/go-sdi12/sdi12"
)

// Responder returns the reply for a complete command. ok=false leaves the
// bus silent.
type Responder func(cmd string) (reply string, ok bool)

// Replies returns a Responder that answers from a fixed table.
func Replies(table map[string]string) Responder {
	return func(cmd string) (string, bool) {
		reply, ok := table[cmd]
		return reply, ok
	}
}

// Silent is a Responder that never answers.
func Silent(string) (string, bool) { return "", false }

// Option configures a Port.
type Option func(*Port)

// WithNative7E1 sets whether Begin accepts 7E1 framing. Default true.
func WithNative7E1(enabled bool) Option {
	return func(p *Port) { p.native7E1 = enabled }
}

// WithLatency delays every reply by the given number of empty polls.
func WithLatency(polls int) Option {
	return func(p *Port) { p.latency = polls }
}

// WithNoise queues bytes in front of every reply, as line noise after a break.
func WithNoise(b []byte) Option {
	return func(p *Port) { p.noise = append([]byte(nil), b...) }
}

// WithCorruptParity flips the parity bit of reply byte i when replies are
// parity folded.
func WithCorruptParity(i int) Option {
	return func(p *Port) { p.corrupt = i }
}

// Port is a scripted sdi12.Port that also implements sdi12.TxDriver.
type Port struct {
	mu sync.Mutex

	responder Responder
	native7E1 bool
	latency   int
	noise     []byte
	corrupt   int

	framing sdi12.Framing
	open    bool
	cmd     []byte
	pending int
	rx      queue.Queue[byte]

	commands []string
	events   []string
}

var (
	_ sdi12.Port     = (*Port)(nil)
	_ sdi12.TxDriver = (*Port)(nil)
)

// New creates a Port answering through r.
func New(r Responder, opts ...Option) *Port {
	if r == nil {
		r = Silent
	}
	p := &Port{
		responder: r,
		native7E1: true,
		corrupt:   -1,
		rx:        queue.NewSliceQueue[byte](sdi12.BufferSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Port) Begin(f sdi12.Framing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f == sdi12.Framing7E1 && !p.native7E1 {
		return fmt.Errorf("mockport: %w: %s", sdi12.ErrFramingUnsupported, f)
	}
	p.framing = f
	p.open = true
	p.events = append(p.events, "begin "+f.String())

	return nil
}

func (p *Port) End() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.open = false
	p.cmd = p.cmd[:0]
	p.events = append(p.events, "end")

	return nil
}

func (p *Port) DriveTx(high bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if high {
		p.events = append(p.events, "tx high")
	} else {
		p.events = append(p.events, "tx low")
	}

	return nil
}

func (p *Port) WriteByte(b byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return fmt.Errorf("mockport: write on closed port")
	}

	c := b
	if p.folded() {
		c, _ = codec.DecodeByte(b)
	}
	p.cmd = append(p.cmd, c)

	if c == '!' {
		cmd := string(p.cmd)
		p.cmd = p.cmd[:0]
		p.commands = append(p.commands, cmd)
		if reply, ok := p.responder(cmd); ok {
			p.queueReply(reply)
		}
	}

	return nil
}

func (p *Port) queueReply(reply string) {
	out := append(append([]byte(nil), p.noise...), reply...)
	if p.folded() {
		codec.Encode(out)
		if p.corrupt >= 0 && p.corrupt < len(out) {
			out[p.corrupt] ^= 0x80
		}
	}
	for _, b := range out {
		p.rx.Enqueue(b)
	}
	p.pending = p.latency
}

func (p *Port) Flush() error { return nil }

func (p *Port) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending > 0 {
		p.pending--
		return 0
	}

	return p.rx.Length()
}

func (p *Port) ReadByte() (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.rx.Dequeue()
	if !ok {
		return 0, io.EOF
	}

	return b, nil
}

// Feed queues raw bytes as if received from the bus.
func (p *Port) Feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range b {
		p.rx.Enqueue(c)
	}
}

// Commands returns the decoded commands received so far.
func (p *Port) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.commands...)
}

// Events returns the port line events (begin, end, tx level) in order.
func (p *Port) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.events...)
}

// Framing returns the framing of the last Begin.
func (p *Port) Framing() sdi12.Framing {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.framing
}

func (p *Port) folded() bool {
	return p.framing.DataBits == 8
}

// BreakPort is a Port with a hardware break, implementing sdi12.Breaker.
type BreakPort struct {
	*Port

	mu     sync.Mutex
	breaks []time.Duration
}

var _ sdi12.Breaker = (*BreakPort)(nil)

// NewBreakPort creates a BreakPort answering through r.
func NewBreakPort(r Responder, opts ...Option) *BreakPort {
	return &BreakPort{Port: New(r, opts...)}
}

func (p *BreakPort) Break(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.breaks = append(p.breaks, d)

	return nil
}

// Breaks returns the durations of the breaks requested so far.
func (p *BreakPort) Breaks() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]time.Duration(nil), p.breaks...)
}

// PinWrite is one recorded control line write.
type PinWrite struct {
	Pin  sdi12.Pin
	High bool
}

// Pins records control line writes.
type Pins struct {
	mu     sync.Mutex
	writes []PinWrite
	level  map[sdi12.Pin]bool
}

var _ sdi12.Pins = (*Pins)(nil)

func NewPins() *Pins {
	return &Pins{level: make(map[sdi12.Pin]bool)}
}

func (p *Pins) Write(pin sdi12.Pin, high bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writes = append(p.writes, PinWrite{Pin: pin, High: high})
	p.level[pin] = high

	return nil
}

// Level returns the last level written to pin.
func (p *Pins) Level(pin sdi12.Pin) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.level[pin]
}

// Writes returns all recorded writes in order.
func (p *Pins) Writes() []PinWrite {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]PinWrite(nil), p.writes...)
}
