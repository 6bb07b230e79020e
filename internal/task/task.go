// Package task manages the goroutines of the serial receive pumps and the
// measurement poller.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-sdi12/logger"
)

// Func is run repeatedly by a Manager goroutine. It returns false to stop.
type Func func() bool

// CancelFunc runs when a goroutine started with StartLoop exits.
type CancelFunc func()

// Manager starts, stops and waits for a set of named goroutines.
//
// Stop cancels the context the goroutines observe; Wait blocks until all of
// them have returned and re-arms the manager so it can be started again.
//
//	mgr := task.NewManager(ctx, logger)
//	_ = mgr.StartLoop("rx", pump.readOnce, pump.drain)
//	_ = mgr.StartInterval("poll", poll, time.Minute, true)
//	...
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map     // map[string]*time.Ticker
	mu      sync.RWMutex // protect ctx and cancel
	taskMu  sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a Manager whose goroutines stop when ctx is done.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context the current goroutines observe.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// StartLoop runs fn in a loop on a new goroutine until fn returns false or
// the manager is stopped. onExit, if not nil, runs when the goroutine exits.
func (mgr *Manager) StartLoop(name string, fn Func, onExit CancelFunc) error {
	mgr.logger.Debug("start task", "name", name)

	if err := mgr.checkRunning(name); err != nil {
		return err
	}

	mgr.spawn(name, func() {
		if onExit != nil {
			defer onExit()
		}
		mgr.runLoop(name, fn)
	})

	return nil
}

// StartInterval runs fn every interval on a new goroutine until fn returns
// false or the manager is stopped. With runNow fn also runs once
// immediately on the calling goroutine.
func (mgr *Manager) StartInterval(name string, fn Func, interval time.Duration, runNow bool) error {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return fmt.Errorf("task: invalid interval %v for %s", interval, name)
	}
	if err := mgr.checkRunning(name); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return fmt.Errorf("task: interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.Delete(name)
	}

	if runNow && !mgr.callWithRecover(name, fn) {
		cleanup()
		mgr.logger.Debug("interval task finished on first run", "name", name)

		return nil
	}

	mgr.spawn(name, func() {
		defer cleanup()

		for {
			ctx := mgr.Context()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, fn) {
					return
				}
			}
		}
	})

	return nil
}

// StopInterval stops the interval task with the given name.
func (mgr *Manager) StopInterval(name string) error {
	val, ok := mgr.tickers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("task: interval task %s not found", name)
	}

	if ticker, ok := val.(*time.Ticker); ok {
		ticker.Stop()
	}

	return nil
}

// Stop signals all goroutines to return.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(_, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}

		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait blocks until all goroutines have returned, then re-arms the manager.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) checkRunning(name string) error {
	select {
	case <-mgr.Context().Done():
		return fmt.Errorf("task: manager stopped, cannot start %s", name)
	default:
		return nil
	}
}

func (mgr *Manager) spawn(name string, body func()) {
	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("task terminated", "name", name, "taskCount", mgr.TaskCount())
		}()

		body()
	}()
}

func (mgr *Manager) runLoop(name string, fn Func) {
	for {
		select {
		case <-mgr.Context().Done():
			return
		default:
			if !mgr.callWithRecover(name, fn) {
				return
			}
		}
	}
}

// callWithRecover runs fn and treats a panic as a request to stop.
func (mgr *Manager) callWithRecover(name string, fn Func) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			ok = false
		}
	}()

	return fn()
}
