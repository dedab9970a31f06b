// Package speaker implements Aia's byte-addressed speaker ring buffer: the
// audio stream ingestion/playback engine described in spec.md §4.3. It
// reconciles binary speaker-topic frames with OpenSpeaker/CloseSpeaker/
// SetVolume directives that reference future stream offsets, and exposes
// barge-in for local interrupt of TTS playback.
package speaker

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"aia/taskpool"
)

// BufferState is reported to the caller-supplied observer on overrun,
// underrun, and idle transitions (spec.md §4.3 "Buffer semantics").
type BufferState int

const (
	BufferNormal BufferState = iota
	BufferOverrunWarning
	BufferUnderrunWarning
	// BufferIdle is reported when playback returns to the IDLE state with
	// an empty buffer (e.g. after CloseSpeaker's stop offset is reached).
	BufferIdle
)

func (s BufferState) String() string {
	switch s {
	case BufferOverrunWarning:
		return "OVERRUN_WARNING"
	case BufferUnderrunWarning:
		return "UNDERRUN_WARNING"
	case BufferIdle:
		return "IDLE"
	default:
		return "NORMAL"
	}
}

// playState is the playback state machine in spec.md §4.3's transition
// table.
type playState int

const (
	stateIdle playState = iota
	statePending
	statePlaying
	stateStopping
)

func (s playState) String() string {
	switch s {
	case statePending:
		return "PENDING"
	case statePlaying:
		return "PLAYING"
	case stateStopping:
		return "STOPPING"
	default:
		return "IDLE"
	}
}

// ErrMalformedDirective names a speaker directive with a nonsensical
// offset. OpenSpeaker, CloseSpeaker and SetVolume do not validate offsets
// and never return it.
var ErrMalformedDirective = errors.New("speaker: malformed directive")

// scheduler is the subset of taskpool.Pool the playback loop needs.
type scheduler interface {
	Schedule(delay time.Duration, fn func()) taskpool.Handle
	Cancel(h taskpool.Handle)
}

// Config bundles the constructor inputs from spec.md §4.3.
type Config struct {
	BufferSize               uint64
	OverrunWarningThreshold  uint64
	UnderrunWarningThreshold uint64

	// PlaySpeakerData is the audio sink: called with consumed PCM bytes in
	// play order. Must not block for long; it runs with Manager's mutex
	// released.
	PlaySpeakerData func(pcm []byte)
	// SetVolume is invoked when a SetVolume directive's offset action
	// fires.
	SetVolume func(volume float64)
	// PlayOfflineAlert / StopOfflineAlert are out of this package's scope
	// (spec.md §1 Non-goals: "the embedded PCM alert tone") but are part of
	// the constructor contract; nil is a valid no-op.
	PlayOfflineAlert  func()
	StopOfflineAlert  func()
	BufferStateObserver func(BufferState)
	// PlayStateObserver, if set, is called with true when playback actually
	// starts emitting audio (PENDING -> PLAYING) and false when it stops
	// (-> IDLE), for a UX manager fusing "speaker is playing TTS" into its
	// attention-state reduction (spec.md §4.5).
	PlayStateObserver func(playing bool)
	// MarkerObserver, if set, is called once for every offset-scheduled
	// action that fires, valid or not, so the regulator can be told about
	// SpeakerMarkerEncountered / progress events (spec.md §4.3 "Barge-in
	// ... informs the regulator of any needed SpeakerMarkerEncountered").
	MarkerObserver func(offset uint64, valid bool)

	Scheduler scheduler
	Logger    *log.Logger
}

// Manager owns the speaker ring buffer, the playback state machine, and
// the set of offset-scheduled actions. The zero Manager is not usable;
// construct with New.
type Manager struct {
	mu sync.Mutex

	bufferSize   uint64
	overrunThr   uint64
	underrunThr  uint64
	ring         []byte
	writeOffset  uint64
	playOffset   uint64

	state   playState
	actions actionSet

	// pendingOpen/pendingClose track the internal actions OpenSpeaker and
	// CloseSpeaker register, so a subsequent call before the first fires
	// replaces it (spec.md §4.3 transition table, "(replace)" cells).
	pendingOpen  Handle
	pendingClose Handle

	overrunActive  bool
	underrunActive bool

	playbackArmed bool
	playbackTimer taskpool.Handle

	playData     func([]byte)
	setVolumeFn  func(float64)
	playAlert    func()
	stopAlert    func()
	observer     func(BufferState)
	playObserver func(bool)
	marker       func(offset uint64, valid bool)
	scheduler    scheduler
	log          *log.Logger
}

// New constructs a Manager per spec.md §4.3 "Constructor inputs".
func New(cfg Config) *Manager {
	l := cfg.Logger
	if l == nil {
		l = log.Default()
	}
	m := &Manager{
		bufferSize:  cfg.BufferSize,
		overrunThr:  cfg.OverrunWarningThreshold,
		underrunThr: cfg.UnderrunWarningThreshold,
		ring:        make([]byte, cfg.BufferSize),
		playData:    cfg.PlaySpeakerData,
		setVolumeFn: cfg.SetVolume,
		playAlert:   cfg.PlayOfflineAlert,
		stopAlert:   cfg.StopOfflineAlert,
		observer:    cfg.BufferStateObserver,
		playObserver: cfg.PlayStateObserver,
		marker:      cfg.MarkerObserver,
		scheduler:   cfg.Scheduler,
		log:         l,
	}
	if m.playData == nil {
		m.playData = func([]byte) {}
	}
	if m.setVolumeFn == nil {
		m.setVolumeFn = func(float64) {}
	}
	if m.playObserver == nil {
		m.playObserver = func(bool) {}
	}
	if m.marker == nil {
		m.marker = func(uint64, bool) {}
	}
	if m.observer == nil {
		m.observer = func(BufferState) {}
	}
	return m
}

// CurrentOffset returns playOffset (spec.md §4.3 "Offset-scheduled
// actions").
func (m *Manager) CurrentOffset() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playOffset
}

// BufferedBytes returns writeOffset - playOffset.
func (m *Manager) BufferedBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeOffset - m.playOffset
}

// InvokeAtOffset registers fn to run when playOffset reaches offset
// (spec.md §4.3 "Offset-scheduled actions"). fn is called with
// actionValid=true on firing, or actionValid=false if cancel or BargeIn
// removes it first. fn runs with the Manager's mutex released.
func (m *Manager) InvokeAtOffset(offset uint64, fn func(actionValid bool)) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actions.insert(offset, fn)
}

// Cancel removes a scheduled action without letting it fire at its
// offset, invoking it once with actionValid=false instead (spec.md §3
// invariant: every action fires exactly once, valid or not).
func (m *Manager) Cancel(h Handle) {
	if h == Invalid {
		return
	}
	m.mu.Lock()
	a := m.actions.remove(h)
	m.mu.Unlock()
	if a != nil {
		a.fn(false)
		m.marker(a.offset, false)
	}
}

// OpenSpeaker schedules playback to begin at offset (spec.md §4.3 transition
// table). A prior un-fired OpenSpeaker is replaced (invalidated).
func (m *Manager) OpenSpeaker(offset uint64) {
	m.mu.Lock()
	if m.pendingOpen != Invalid {
		if a := m.actions.remove(m.pendingOpen); a != nil {
			m.mu.Unlock()
			a.fn(false)
			m.marker(a.offset, false)
			m.mu.Lock()
		}
	}
	h := m.actions.insert(offset, func(valid bool) {
		if valid {
			m.mu.Lock()
			m.pendingOpen = Invalid
			m.state = statePlaying
			m.mu.Unlock()
			m.playObserver(true)
		}
	})
	m.pendingOpen = h
	switch m.state {
	case stateIdle, stateStopping:
		m.state = statePending
	}
	m.mu.Unlock()
}

// CloseSpeaker schedules playback to stop at offset. In IDLE this is a
// no-op log per the transition table; elsewhere a prior un-fired
// CloseSpeaker is replaced.
func (m *Manager) CloseSpeaker(offset uint64) {
	m.mu.Lock()
	if m.state == stateIdle {
		m.mu.Unlock()
		m.log.Debug("speaker: CloseSpeaker while IDLE, ignoring", "offset", offset)
		return
	}

	if m.pendingClose != Invalid {
		if a := m.actions.remove(m.pendingClose); a != nil {
			m.mu.Unlock()
			a.fn(false)
			m.marker(a.offset, false)
			m.mu.Lock()
		}
	}
	h := m.actions.insert(offset, func(valid bool) {
		if valid {
			m.mu.Lock()
			m.pendingClose = Invalid
			m.state = stateIdle
			m.writeOffset = m.playOffset // discard anything buffered past the stop point
			m.overrunActive = false
			m.underrunActive = false
			m.mu.Unlock()
			m.observer(BufferIdle)
			m.playObserver(false)
		}
	})
	m.pendingClose = h
	if m.state == statePlaying {
		m.state = stateStopping
	}
	m.mu.Unlock()
}

// SetVolume registers a volume-change action at offset, per spec.md §4.3
// "SetVolume directive".
func (m *Manager) SetVolume(volume float64, offset uint64) Handle {
	return m.InvokeAtOffset(offset, func(valid bool) {
		if valid {
			m.setVolumeFn(volume)
		}
	})
}

// WriteAudio appends decoded PCM bytes from the Speaker topic to the ring
// buffer (spec.md §4.3 "Buffer semantics"). Bytes beyond remaining
// capacity are discarded (overrun) rather than overwriting unplayed data.
func (m *Manager) WriteAudio(pcm []byte) {
	m.mu.Lock()
	buffered := m.writeOffset - m.playOffset
	available := m.bufferSize - buffered
	n := uint64(len(pcm))
	overran := false
	if n > available {
		overran = true
		n = available
	}

	for i := uint64(0); i < n; i++ {
		idx := (m.writeOffset + i) % m.bufferSize
		m.ring[idx] = pcm[i]
	}
	m.writeOffset += n
	buffered = m.writeOffset - m.playOffset

	var toEmit []BufferState
	if buffered > m.bufferSize-m.overrunThr {
		if !m.overrunActive {
			m.overrunActive = true
			toEmit = append(toEmit, BufferOverrunWarning)
		}
	} else {
		m.overrunActive = false
	}
	m.mu.Unlock()

	for _, s := range toEmit {
		m.observer(s)
	}
	if overran {
		m.log.Warn("speaker: overrun, discarding audio", "discarded", uint64(len(pcm))-n)
	}
}

// pumpLocked advances playOffset by up to maxBytes, clamped to the nearest
// pending action offset so actions fire exactly at their byte, and returns
// the bytes consumed (real audio; the caller pads with silence if this is
// shorter than requested). Must be called with mu held; the caller checks
// the underrun threshold itself.
func (m *Manager) pumpLocked(maxBytes uint64) []byte {
	buffered := m.writeOffset - m.playOffset
	chunk := maxBytes
	if chunk > buffered {
		chunk = buffered
	}
	if next, ok := m.actions.peekOffset(); ok {
		if dist := next - m.playOffset; dist < chunk {
			chunk = dist
		}
	}

	out := make([]byte, chunk)
	for i := uint64(0); i < chunk; i++ {
		idx := (m.playOffset + i) % m.bufferSize
		out[i] = m.ring[idx]
	}
	m.playOffset += chunk
	return out
}

// Pump is called by the playback loop (or directly by tests) once per
// frame interval. It emits at most frameSize bytes of real audio to
// PlaySpeakerData while in PLAYING or STOPPING, fires any actions whose
// offset playOffset has now reached, and reports buffer state changes.
func (m *Manager) Pump(frameSize int) {
	m.mu.Lock()
	if m.state == stateIdle {
		// Nothing scheduled and nothing playing: no pre-roll to consume,
		// no action boundary to reach.
		m.mu.Unlock()
		return
	}
	// PENDING still runs the chunk/action pipeline below so buffered bytes
	// are consumed (silently, without reaching PlaySpeakerData) until
	// playOffset reaches a pending OpenSpeaker's offset and fires it —
	// otherwise a stream opened at a nonzero offset could never start.
	emitting := m.state == statePlaying || m.state == stateStopping

	chunk := m.pumpLocked(uint64(frameSize))
	buffered := m.writeOffset - m.playOffset

	var bufEvents []BufferState
	if emitting {
		underrunNow := buffered < m.underrunThr
		if underrunNow && !m.underrunActive {
			m.underrunActive = true
			bufEvents = append(bufEvents, BufferUnderrunWarning)
		} else if !underrunNow && m.underrunActive {
			m.underrunActive = false
		}
	}

	ready := m.actions.popReady(m.playOffset)
	m.mu.Unlock()

	if emitting && len(chunk) > 0 {
		m.playData(chunk)
	}
	for _, ev := range bufEvents {
		m.observer(ev)
	}
	for _, a := range ready {
		a.fn(true)
		m.marker(a.offset, true)
	}
}

// BargeIn resets the stream to offset 0, discards all buffered audio,
// and invalidates every pending action (spec.md §4.3 "Barge-in",
// testable property #4). Typically triggered by the microphone opening.
func (m *Manager) BargeIn() {
	m.mu.Lock()
	wasPlaying := m.state == statePlaying || m.state == stateStopping
	m.writeOffset = 0
	m.playOffset = 0
	m.state = stateIdle
	m.pendingOpen = Invalid
	m.pendingClose = Invalid
	m.overrunActive = false
	m.underrunActive = false
	pending := m.actions.drainAll()
	m.mu.Unlock()

	if wasPlaying {
		m.playObserver(false)
	}
	for _, a := range pending {
		a.fn(false)
		m.marker(a.offset, false)
	}
}

// State reports the current playback state name, for diagnostics/tests.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.String()
}

// StartPlaybackLoop schedules Pump to run every interval until the Manager
// is destroyed or StopPlaybackLoop is called. frameSize is in bytes.
func (m *Manager) StartPlaybackLoop(interval time.Duration, frameSize int) {
	m.mu.Lock()
	if m.playbackArmed {
		m.mu.Unlock()
		return
	}
	m.playbackArmed = true
	m.mu.Unlock()

	var tick func()
	tick = func() {
		m.Pump(frameSize)
		m.mu.Lock()
		armed := m.playbackArmed
		m.mu.Unlock()
		if armed {
			m.mu.Lock()
			m.playbackTimer = m.scheduler.Schedule(interval, tick)
			m.mu.Unlock()
		}
	}
	m.mu.Lock()
	m.playbackTimer = m.scheduler.Schedule(interval, tick)
	m.mu.Unlock()
}

// StopPlaybackLoop cancels the recurring Pump schedule. Idempotent.
func (m *Manager) StopPlaybackLoop() {
	m.mu.Lock()
	m.playbackArmed = false
	h := m.playbackTimer
	m.mu.Unlock()
	m.scheduler.Cancel(h)
}

// Destroy invalidates all pending actions and stops the playback loop.
// Idempotent.
func (m *Manager) Destroy() {
	m.StopPlaybackLoop()
	m.BargeIn()
}
