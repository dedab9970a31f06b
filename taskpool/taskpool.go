// Package taskpool provides the small scheduler Aia's engines use
// for delayed, cancellable work: the Sequencer's missing-message timer,
// Speaker offset actions armed ahead of time, and Connection retry backoff.
//
// There is no global event loop (spec.md §5): each scheduled function runs
// on its own goroutine when its delay elapses, so callers must not assume
// serialized execution across handles.
package taskpool

import (
	"sync"
	"time"
)

// Handle identifies a scheduled task. The zero Handle is never issued by
// Schedule and is safe to use as an "invalid" sentinel.
type Handle uint64

// Pool is a set of cancellable, delayed tasks. It places no limit on how
// many tasks are pending or running at once. The zero Pool is not usable;
// construct with New.
type Pool struct {
	mu     sync.Mutex
	next   Handle
	timers map[Handle]*time.Timer
	closed bool
}

// New creates a ready-to-use Pool.
func New() *Pool {
	return &Pool{timers: make(map[Handle]*time.Timer)}
}

// Schedule runs fn on its own goroutine after delay elapses. It returns a
// Handle that Cancel can use to prevent that, provided Cancel is called
// before the delay elapses. Schedule on a closed Pool is a no-op that
// returns the zero Handle.
func (p *Pool) Schedule(delay time.Duration, fn func()) Handle {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	p.next++
	h := p.next

	timer := time.AfterFunc(delay, func() {
		p.mu.Lock()
		_, live := p.timers[h]
		delete(p.timers, h)
		p.mu.Unlock()
		if live {
			fn()
		}
	})
	p.timers[h] = timer
	p.mu.Unlock()
	return h
}

// Cancel prevents a scheduled task from running, if it hasn't already
// fired. Cancelling an unknown or already-fired Handle is a no-op.
func (p *Pool) Cancel(h Handle) {
	p.mu.Lock()
	timer, ok := p.timers[h]
	if ok {
		delete(p.timers, h)
	}
	p.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

// Close cancels every outstanding task and makes subsequent Schedule calls
// no-ops. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	timers := p.timers
	p.timers = make(map[Handle]*time.Timer)
	p.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
}
