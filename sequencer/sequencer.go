// Package sequencer implements the per-topic reordering buffer described in
// spec.md §4.1: messages tagged with a sender-assigned sequence number
// arrive in any order and are released downstream in strict, contiguous,
// ascending order, with a timeout callback when the next expected number
// is missing.
package sequencer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"aia/taskpool"
)

// ErrOutOfWindow is returned by Enqueue when a sequence number is at or
// beyond nextExpected+maxSlots — too far ahead to buffer.
var ErrOutOfWindow = errors.New("sequencer: sequence number out of window")

// ErrMalformed is returned by Enqueue when extractSeqNum fails.
var ErrMalformed = errors.New("sequencer: cannot extract sequence number")

// scheduler is the subset of taskpool.Pool the Sequencer needs. Defined as
// an interface so tests can substitute a deterministic fake instead of
// waiting on wall-clock timers.
type scheduler interface {
	Schedule(delay time.Duration, fn func()) taskpool.Handle
	Cancel(h taskpool.Handle)
}

// slot holds one buffered message pending delivery.
type slot[T any] struct {
	present bool
	payload T
}

// Sequencer reorders messages of type T arriving for a single topic. The
// zero value is not usable; construct with New.
type Sequencer[T any] struct {
	mu            sync.Mutex
	window        []slot[T]
	nextExpected  uint32
	maxSlots      uint32
	timeoutMs     int
	timerHandle   taskpool.Handle
	timerArmed    bool
	destroyed     bool

	onSequenced   func(T)
	onTimeout     func(nextExpected uint32)
	extractSeqNum func(T) (uint32, error)
	scheduler     scheduler
	log           *log.Logger
}

// Option configures a Sequencer at construction time.
type Option[T any] func(*Sequencer[T])

// WithLogger attaches a logger in place of the default, log.Default().
func WithLogger[T any](l *log.Logger) Option[T] {
	return func(s *Sequencer[T]) { s.log = l }
}

// New constructs a Sequencer per spec.md §4.1 "Construction":
// create(onSequenced, onTimeout, extractSeqNum, nextExpected, maxSlots,
// sequenceTimeoutMs, scheduler).
func New[T any](
	onSequenced func(T),
	onTimeout func(nextExpected uint32),
	extractSeqNum func(T) (uint32, error),
	nextExpected uint32,
	maxSlots uint32,
	sequenceTimeoutMs int,
	sched scheduler,
	opts ...Option[T],
) *Sequencer[T] {
	s := &Sequencer[T]{
		window:        make([]slot[T], maxSlots),
		nextExpected:  nextExpected,
		maxSlots:      maxSlots,
		timeoutMs:     sequenceTimeoutMs,
		onSequenced:   onSequenced,
		onTimeout:     onTimeout,
		extractSeqNum: extractSeqNum,
		scheduler:     sched,
		log:           log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue accepts a message tagged with a sequence number in any arrival
// order (spec.md §4.1 "Operation enqueue"). It never blocks on I/O.
func (s *Sequencer[T]) Enqueue(msg T) error {
	n, err := s.extractSeqNum(msg)
	if err != nil {
		s.log.Warn("sequencer: malformed message, cannot extract sequence number", "err", err)
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}

	if n < s.nextExpected {
		// Duplicate or late arrival: discard silently, no state change.
		s.mu.Unlock()
		s.log.Debug("sequencer: discarding duplicate/late message", "seq", n, "nextExpected", s.nextExpected)
		return nil
	}
	if n >= s.nextExpected+s.maxSlots {
		s.mu.Unlock()
		return fmt.Errorf("%w: seq=%d nextExpected=%d maxSlots=%d", ErrOutOfWindow, n, s.nextExpected, s.maxSlots)
	}

	idx := n - s.nextExpected
	s.window[idx] = slot[T]{present: true, payload: msg}

	toDeliver := s.drainLocked()
	s.rearmOrDisarmLocked()
	s.mu.Unlock()

	for _, m := range toDeliver {
		s.onSequenced(m)
	}
	return nil
}

// drainLocked removes and returns every contiguous message starting at
// slot 0, advancing nextExpected and shifting the window. Must be called
// with mu held; the caller invokes onSequenced after releasing mu so
// downstream handlers can re-enter the Sequencer without deadlocking
// (spec.md §4.1 "Concurrency").
func (s *Sequencer[T]) drainLocked() []T {
	var out []T
	for s.window[0].present {
		out = append(out, s.window[0].payload)
		copy(s.window, s.window[1:])
		s.window[len(s.window)-1] = slot[T]{}
		s.nextExpected++
	}
	return out
}

// rearmOrDisarmLocked implements steps 6–7 of spec.md §4.1 "Operation
// enqueue": arm the missing-message timer if slot 0 is empty but a later
// slot is present (without resetting an already-armed timer), or disarm it
// if the window is fully empty. Must be called with mu held.
func (s *Sequencer[T]) rearmOrDisarmLocked() {
	anyPresent := false
	for _, sl := range s.window {
		if sl.present {
			anyPresent = true
			break
		}
	}

	if !anyPresent {
		s.disarmLocked()
		return
	}

	// slot 0 is empty (otherwise drainLocked would have consumed it) and at
	// least one later slot is present.
	if s.timerArmed {
		return
	}
	s.timerArmed = true
	s.timerHandle = s.scheduler.Schedule(time.Duration(s.timeoutMs)*time.Millisecond, func() {
		s.mu.Lock()
		s.timerArmed = false
		destroyed := s.destroyed
		// Not resetting the clock on a later arrival (the guard above)
		// only means the timer's own deadline doesn't move; the sequence
		// number it reports at expiry must still be whatever is actually
		// blocking the window right now, not whatever was blocking it when
		// the timer was armed — an earlier gap can fill (and nextExpected
		// advance) while this timer is still counting down.
		expected := s.nextExpected
		s.mu.Unlock()
		if !destroyed {
			s.onTimeout(expected)
		}
	})
}

func (s *Sequencer[T]) disarmLocked() {
	if s.timerArmed {
		s.scheduler.Cancel(s.timerHandle)
		s.timerArmed = false
	}
}

// ResetTo clears all slots, sets nextExpected to n, and disarms the timer
// (spec.md §4.1 "Reset"). Safe to call from the onTimeout callback or a
// reconnect path.
func (s *Sequencer[T]) ResetTo(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.window {
		s.window[i] = slot[T]{}
	}
	s.nextExpected = n
	s.disarmLocked()
}

// NextExpected returns the next sequence number the Sequencer will accept
// at slot 0.
func (s *Sequencer[T]) NextExpected() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextExpected
}

// Destroy disarms any pending timer and marks the Sequencer inert; further
// Enqueue calls are no-ops. Destroy is idempotent.
func (s *Sequencer[T]) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.disarmLocked()
	s.destroyed = true
}
