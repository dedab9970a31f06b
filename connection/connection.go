// Package connection implements Aia's connect/disconnect state machine
// (spec.md §4.4): Connect/Disconnect handshakes gated by a client-generated
// connectMessageId, plus a full-jitter exponential backoff helper for the
// caller to drive retries with.
package connection

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"aia/taskpool"
)

// State is a node in the connection state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// DisconnectCode enumerates the reasons a connection ended (spec.md §4.4).
type DisconnectCode string

const (
	CodeUnexpectedSequenceNumber DisconnectCode = "UNEXPECTED_SEQUENCE_NUMBER"
	CodeMessageTampered          DisconnectCode = "MESSAGE_TAMPERED"
	CodeAPIVersionDeprecated     DisconnectCode = "API_VERSION_DEPRECATED"
	CodeEncryptionError          DisconnectCode = "ENCRYPTION_ERROR"
	CodeGoingOffline             DisconnectCode = "GOING_OFFLINE"
	// CodeTransport is synthesized locally (never sent over the wire) when
	// the MQTT connection itself drops out from under the state machine.
	CodeTransport DisconnectCode = "TRANSPORT"
)

// AckSuccess is the Acknowledgement.Code value signaling the service
// accepted a Connect request; any other value is a rejection code.
const AckSuccess = "SUCCESS"

// Acknowledgement mirrors the wire payload for a ConnectionAcknowledgement
// (spec.md §6): `{ "connectMessageId": <str>, "code": <str>, "description"?: <str> }`.
type Acknowledgement struct {
	ConnectMessageId string
	Code             string
	Description      string
}

// Publisher is the external collaborator that actually puts Connect and
// Disconnect messages on the wire (spec.md §6 mqtt.publish). The connection
// manager owns only the state machine, never the transport.
type Publisher interface {
	PublishConnect(connectMessageId string) error
	PublishDisconnect(code DisconnectCode, description string) error
}

// scheduler is the subset of taskpool.Pool the retry helper needs.
type scheduler interface {
	Schedule(delay time.Duration, fn func()) taskpool.Handle
	Cancel(h taskpool.Handle)
}

var (
	// ErrWrongState is returned when an operation is invalid for the
	// current state (e.g. Connect while already CONNECTING).
	ErrWrongState = errors.New("connection: invalid operation for current state")
	// ErrDestroyed is returned by any operation after Destroy.
	ErrDestroyed = errors.New("connection: manager destroyed")
)

// Config bundles Manager construction inputs.
type Config struct {
	Publisher Publisher
	Scheduler scheduler
	// DisconnectTimeout bounds how long DISCONNECTING waits for an ack
	// before forcing the DISCONNECTED transition anyway.
	DisconnectTimeout time.Duration
	// MaxBackoffMs feeds Backoff's cap (spec.md §4.4 "getBackoff(n)").
	MaxBackoffMs int64

	OnConnectionSuccess  func()
	OnConnectionRejected func(code string, description string)
	OnDisconnected       func(code DisconnectCode)

	Logger *log.Logger
}

// Manager drives the Connect/Disconnect handshake state machine. The zero
// Manager is not usable; construct with New.
type Manager struct {
	mu    sync.Mutex
	state State

	lastConnectID string
	disconnectArm bool
	disconnectH   taskpool.Handle

	attempt    int
	backoff    Backoff
	retryArmed bool
	retryH     taskpool.Handle

	destroyed bool

	publisher Publisher
	scheduler scheduler
	timeout   time.Duration

	onSuccess  func()
	onRejected func(code string, description string)
	onDisc     func(code DisconnectCode)
	log        *log.Logger
}

// New constructs a Manager in the DISCONNECTED state.
func New(cfg Config) *Manager {
	l := cfg.Logger
	if l == nil {
		l = log.Default()
	}
	m := &Manager{
		state:     Disconnected,
		publisher: cfg.Publisher,
		scheduler: cfg.Scheduler,
		timeout:   cfg.DisconnectTimeout,
		backoff:   NewBackoff(cfg.MaxBackoffMs),
		onSuccess: cfg.OnConnectionSuccess,
		onRejected: cfg.OnConnectionRejected,
		onDisc:    cfg.OnDisconnected,
		log:       l,
	}
	if m.timeout <= 0 {
		m.timeout = 10 * time.Second
	}
	if m.onSuccess == nil {
		m.onSuccess = func() {}
	}
	if m.onRejected == nil {
		m.onRejected = func(string, string) {}
	}
	if m.onDisc == nil {
		m.onDisc = func(DisconnectCode) {}
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect transitions DISCONNECTED -> CONNECTING and publishes a Connect
// message embedding a freshly generated connectMessageId (spec.md §4.4).
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.state != Disconnected {
		m.mu.Unlock()
		return ErrWrongState
	}
	id := uuid.NewString()
	m.lastConnectID = id
	m.state = Connecting
	m.mu.Unlock()

	if err := m.publisher.PublishConnect(id); err != nil {
		m.mu.Lock()
		m.state = Disconnected
		m.mu.Unlock()
		return err
	}
	return nil
}

// HandleAcknowledgement processes a ConnectionAcknowledgement. Acks whose
// connectMessageId doesn't match the last Connect sent are dropped silently
// (spec.md §4.4, testable property "Reject ACK with stale id").
func (m *Manager) HandleAcknowledgement(ack Acknowledgement) {
	m.mu.Lock()
	if m.destroyed || m.state != Connecting || ack.ConnectMessageId != m.lastConnectID {
		m.mu.Unlock()
		if !m.destroyed {
			m.log.Debug("connection: dropping stale/unexpected acknowledgement", "id", ack.ConnectMessageId)
		}
		return
	}

	success := ack.Code == AckSuccess
	if success {
		m.state = Connected
		m.attempt = 0
	} else {
		m.state = Disconnected
	}
	m.mu.Unlock()

	if success {
		m.onSuccess()
	} else {
		m.onRejected(ack.Code, ack.Description)
	}
}

// Disconnect transitions CONNECTED -> DISCONNECTING, publishes the
// Disconnect message, and arms a timeout so the final DISCONNECTED
// transition happens even if no ack arrives.
func (m *Manager) Disconnect(code DisconnectCode, description string) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.state != Connected {
		m.mu.Unlock()
		return ErrWrongState
	}
	m.state = Disconnecting
	m.armDisconnectTimeoutLocked(code)
	m.mu.Unlock()

	return m.publisher.PublishDisconnect(code, description)
}

// armDisconnectTimeoutLocked schedules the fallback DISCONNECTED transition.
// Must be called with mu held.
func (m *Manager) armDisconnectTimeoutLocked(code DisconnectCode) {
	m.disconnectArm = true
	m.disconnectH = m.scheduler.Schedule(m.timeout, func() {
		m.completeDisconnect(code)
	})
}

// completeDisconnect finishes the DISCONNECTING -> DISCONNECTED transition,
// whether triggered by an explicit ack or the timeout. Idempotent per call
// site: only the first caller (ack or timer) observes the transition.
func (m *Manager) completeDisconnect(code DisconnectCode) {
	m.mu.Lock()
	if m.destroyed || m.state != Disconnecting {
		m.mu.Unlock()
		return
	}
	if m.disconnectArm {
		m.scheduler.Cancel(m.disconnectH)
		m.disconnectArm = false
	}
	m.state = Disconnected
	m.mu.Unlock()

	m.onDisc(code)
}

// HandleDisconnectAck completes a pending Disconnect immediately instead of
// waiting for the fallback timeout.
func (m *Manager) HandleDisconnectAck(code DisconnectCode) {
	m.completeDisconnect(code)
}

// HandleServerDisconnect processes a server-initiated DISCONNECT while
// CONNECTED (spec.md §4.4 "CONNECTED --server DISCONNECT(code)-> DISCONNECTED").
func (m *Manager) HandleServerDisconnect(code DisconnectCode) {
	m.mu.Lock()
	if m.destroyed || m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.state = Disconnected
	m.mu.Unlock()
	m.onDisc(code)
}

// HandleTransportDrop forces DISCONNECTED from any state when the
// underlying MQTT connection drops (spec.md §4.4 "any --transport drop--> DISCONNECTED").
func (m *Manager) HandleTransportDrop() {
	m.mu.Lock()
	if m.destroyed || m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	if m.disconnectArm {
		m.scheduler.Cancel(m.disconnectH)
		m.disconnectArm = false
	}
	m.state = Disconnected
	m.mu.Unlock()
	m.onDisc(CodeTransport)
}

// ScheduleRetry arms fn to run after the next full-jitter backoff interval
// (spec.md §4.4 "the connection manager only calls getBackoff(n) and
// schedules a retry via the task pool; policy belongs to the caller").
// Each call bumps the internal attempt counter; reset it via ResetBackoff.
func (m *Manager) ScheduleRetry(fn func()) taskpool.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return taskpool.Handle(0)
	}
	if m.retryArmed {
		m.scheduler.Cancel(m.retryH)
	}
	delay := m.backoff.Delay(m.attempt)
	m.attempt++
	m.retryArmed = true
	m.retryH = m.scheduler.Schedule(delay, fn)
	return m.retryH
}

// CancelRetry cancels any pending scheduled retry.
func (m *Manager) CancelRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryArmed {
		m.scheduler.Cancel(m.retryH)
		m.retryArmed = false
	}
}

// ResetBackoff zeroes the retry attempt counter, e.g. after a successful
// connection.
func (m *Manager) ResetBackoff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt = 0
}

// Destroy cancels any pending retry/disconnect timers and marks the
// Manager inert. Idempotent.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	if m.retryArmed {
		m.scheduler.Cancel(m.retryH)
		m.retryArmed = false
	}
	if m.disconnectArm {
		m.scheduler.Cancel(m.disconnectH)
		m.disconnectArm = false
	}
	m.destroyed = true
}
