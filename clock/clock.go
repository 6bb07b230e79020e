// Package clock provides the monotonic time source the SDI-12 driver polls
// while it holds the bus in a timed state.
package clock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-sdi12/internal/pool"
)

// Clock is a monotonic millisecond-resolution time source.
//
// Now returns the time elapsed since an arbitrary fixed origin. Only the
// difference between two readings is meaningful.
type Clock interface {
	Now() time.Duration
}

// Since returns the time elapsed on c since start.
func Since(c Clock, start time.Duration) time.Duration {
	return c.Now() - start
}

// Wait busy-polls c until d has elapsed. poll, if not nil, is called on
// every iteration.
func Wait(c Clock, d time.Duration, poll func()) {
	start := c.Now()
	for c.Now()-start < d {
		if poll != nil {
			poll()
		}
	}
}

// Sleeper is implemented by clocks that can wait without busy-polling.
type Sleeper interface {
	// Sleep waits for d or until ctx is done and returns ctx.Err() if the
	// wait was cut short.
	Sleep(ctx context.Context, d time.Duration) error
}

// Sleep waits d on c or until ctx is done. A clock that is not a Sleeper is
// busy-polled and poll, if not nil, is called on every iteration.
func Sleep(ctx context.Context, c Clock, d time.Duration, poll func()) error {
	if s, ok := c.(Sleeper); ok {
		return s.Sleep(ctx, d)
	}

	start := c.Now()
	for c.Now()-start < d {
		if err := ctx.Err(); err != nil {
			return err
		}
		if poll != nil {
			poll()
		}
	}

	return nil
}

type systemClock struct {
	origin time.Time
}

// System returns a Clock backed by the runtime monotonic clock.
func System() Clock {
	return &systemClock{origin: time.Now()}
}

func (c *systemClock) Now() time.Duration {
	return time.Since(c.origin)
}

func (c *systemClock) Sleep(ctx context.Context, d time.Duration) error {
	return pool.Sleep(ctx, d)
}

// Fake is a manually driven Clock for tests.
//
// Every call to Now advances the clock by the configured step before reading
// it, so busy-polling loops make progress without real delay.
type Fake struct {
	now  atomic.Int64
	step atomic.Int64
}

var (
	_ Clock   = (*Fake)(nil)
	_ Sleeper = (*Fake)(nil)
)

// NewFake returns a Fake clock at zero that advances by step on every Now call.
func NewFake(step time.Duration) *Fake {
	f := &Fake{}
	f.step.Store(int64(step))

	return f
}

func (f *Fake) Now() time.Duration {
	return time.Duration(f.now.Add(f.step.Load()))
}

// Peek returns the current time without advancing it.
func (f *Fake) Peek() time.Duration {
	return time.Duration(f.now.Load())
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.now.Add(int64(d))
}

// SetStep changes the per-call auto advance.
func (f *Fake) SetStep(step time.Duration) {
	f.step.Store(int64(step))
}

// Sleep advances the clock by d at once unless ctx is already done.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.Advance(d)

	return nil
}
