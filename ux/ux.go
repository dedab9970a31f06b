// Package ux implements Aia's attention-state reducer (spec.md §4.5): a
// pure function of server attention state, local microphone state, and
// speaker playback state, with no hysteresis or hidden history.
package ux

import "sync"

// AttentionState is the latest attention value pushed by the service via
// the SetAttentionState directive.
type AttentionState int

const (
	AttentionIdle AttentionState = iota
	AttentionThinking
	AttentionAlerting
	AttentionDoNotDisturb
	AttentionNotificationAvailable
)

// MicrophoneState is the local microphone manager's current state.
type MicrophoneState int

const (
	MicrophoneClosed MicrophoneState = iota
	MicrophoneOpen
)

// State is the reduced attention/activity state surfaced to the observer.
type State int

const (
	Idle State = iota
	Listening
	Thinking
	Speaking
	Alerting
	DoNotDisturb
	NotificationAvailable
)

func (s State) String() string {
	switch s {
	case Listening:
		return "LISTENING"
	case Thinking:
		return "THINKING"
	case Speaking:
		return "SPEAKING"
	case Alerting:
		return "ALERTING"
	case DoNotDisturb:
		return "DO_NOT_DISTURB"
	case NotificationAvailable:
		return "NOTIFICATION_AVAILABLE"
	default:
		return "IDLE"
	}
}

// Reduce applies spec.md §4.5's priority-ordered reduction rule. It is a
// pure function: identical inputs always produce the identical output,
// with no reference to any prior call.
func Reduce(attention AttentionState, mic MicrophoneState, speakerPlaying bool) State {
	switch {
	case mic == MicrophoneOpen:
		return Listening
	case attention == AttentionThinking:
		return Thinking
	case speakerPlaying:
		return Speaking
	case attention == AttentionAlerting:
		return Alerting
	case attention == AttentionDoNotDisturb:
		return DoNotDisturb
	case attention == AttentionNotificationAvailable:
		return NotificationAvailable
	default:
		return Idle
	}
}

// Manager tracks the three reduction inputs and invokes an observer exactly
// once per actual state change (spec.md §4.5 "Any change from the previous
// UXState triggers stateObserver(newState) exactly once, on the caller's
// thread"). The zero Manager is not usable; construct with New.
type Manager struct {
	mu sync.Mutex

	attention AttentionState
	mic       MicrophoneState
	speaking  bool
	current   State
	has       bool

	observer func(State)
}

// New constructs a Manager with the given observer. observer runs
// synchronously on the caller's goroutine, inside no lock but serialized
// relative to other observer calls by Manager's own mutex (spec.md §5 "UX
// observer notifications are totally ordered per observer").
func New(observer func(State)) *Manager {
	if observer == nil {
		observer = func(State) {}
	}
	return &Manager{observer: observer}
}

// SetAttention updates the server-pushed attention state and re-reduces.
func (m *Manager) SetAttention(a AttentionState) {
	m.update(func() { m.attention = a })
}

// SetMicrophone updates the local microphone state and re-reduces.
func (m *Manager) SetMicrophone(s MicrophoneState) {
	m.update(func() { m.mic = s })
}

// SetSpeakerPlaying updates whether the speaker is currently playing TTS
// and re-reduces.
func (m *Manager) SetSpeakerPlaying(playing bool) {
	m.update(func() { m.speaking = playing })
}

// update applies mutate, recomputes the reduced state, and — if it
// changed (or this is the first reduction) — invokes the observer with the
// lock released, preserving the no-reentrancy-deadlock discipline used
// throughout this module (spec.md §5).
func (m *Manager) update(mutate func()) {
	m.mu.Lock()
	mutate()
	next := Reduce(m.attention, m.mic, m.speaking)
	changed := !m.has || next != m.current
	m.current = next
	m.has = true
	m.mu.Unlock()

	if changed {
		m.observer(next)
	}
}

// Current returns the most recently reduced state.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
