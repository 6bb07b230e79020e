package transport

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/arloliu/go-sdi12/internal/queue"
	"github.com/arloliu/go-sdi12/internal/task"
	"github.com/arloliu/go-sdi12/logger"
)

// ErrNoData is returned by Pump.ReadByte when no byte is buffered.
var ErrNoData = errors.New("transport: no data buffered")

// Pump copies bytes from a serial device into a lock-free queue on its own
// goroutine so the engine can poll Buffered and ReadByte without blocking.
//
// The device must return from Read periodically (a read timeout) so Stop can
// join the goroutine; io.EOF is treated as such a timeout.
type Pump struct {
	r      io.Reader
	rx     queue.Queue[byte]
	buf    []byte
	logger logger.Logger
	mgr    *task.Manager
	err    atomic.Pointer[error]
}

// NewPump creates a stopped pump reading from r.
func NewPump(r io.Reader, l logger.Logger) *Pump {
	return &Pump{
		r:      r,
		rx:     queue.NewLockFreeQueue[byte](),
		buf:    make([]byte, 64),
		logger: l,
	}
}

// Start launches the reader goroutine.
func (p *Pump) Start(ctx context.Context) error {
	p.err.Store(nil)
	p.mgr = task.NewManager(ctx, p.logger)

	return p.mgr.StartLoop("serial-rx", p.readOnce, nil)
}

// Stop ends the reader goroutine and waits for it to return.
func (p *Pump) Stop() {
	if p.mgr == nil {
		return
	}
	p.mgr.Stop()
	p.mgr.Wait()
	p.mgr = nil
}

// Buffered returns the number of bytes ready to read.
func (p *Pump) Buffered() int {
	return p.rx.Length()
}

// ReadByte returns the oldest buffered byte, or ErrNoData. A device error
// that stopped the reader is returned once the queue is drained.
func (p *Pump) ReadByte() (byte, error) {
	if b, ok := p.rx.Dequeue(); ok {
		return b, nil
	}
	if err := p.Err(); err != nil {
		return 0, err
	}

	return 0, ErrNoData
}

// Discard drops all buffered bytes. It is safe while the reader runs.
func (p *Pump) Discard() {
	for {
		if _, ok := p.rx.Dequeue(); !ok {
			return
		}
	}
}

// Err returns the device error that stopped the reader, if any.
func (p *Pump) Err() error {
	if errp := p.err.Load(); errp != nil {
		return *errp
	}

	return nil
}

func (p *Pump) readOnce() bool {
	n, err := p.r.Read(p.buf)
	for _, b := range p.buf[:n] {
		p.rx.Enqueue(b)
	}

	switch {
	case err == nil, errors.Is(err, io.EOF):
		return true
	default:
		p.err.Store(&err)
		p.logger.Warn("serial reader stopped", "error", err)

		return false
	}
}
