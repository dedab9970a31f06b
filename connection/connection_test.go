package connection

import (
	"sync"
	"testing"
	"time"

	"aia/taskpool"
)

type fakeScheduler struct {
	mu      sync.Mutex
	next    taskpool.Handle
	pending map[taskpool.Handle]func()
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{pending: make(map[taskpool.Handle]func())}
}

func (f *fakeScheduler) Schedule(delay time.Duration, fn func()) taskpool.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	h := f.next
	f.pending[h] = fn
	return h
}

func (f *fakeScheduler) Cancel(h taskpool.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, h)
}

func (f *fakeScheduler) fireAll() {
	f.mu.Lock()
	fns := make([]func(), 0, len(f.pending))
	for _, fn := range f.pending {
		fns = append(fns, fn)
	}
	f.pending = make(map[taskpool.Handle]func())
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeScheduler) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

type fakePublisher struct {
	mu             sync.Mutex
	connectIDs     []string
	disconnectCode DisconnectCode
}

func (p *fakePublisher) PublishConnect(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectIDs = append(p.connectIDs, id)
	return nil
}

func (p *fakePublisher) PublishDisconnect(code DisconnectCode, description string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCode = code
	return nil
}

func (p *fakePublisher) lastConnectID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.connectIDs) == 0 {
		return ""
	}
	return p.connectIDs[len(p.connectIDs)-1]
}

// TestConnectSuccess walks DISCONNECTED -> CONNECTING -> CONNECTED.
func TestConnectSuccess(t *testing.T) {
	pub := &fakePublisher{}
	var successes int
	m := New(Config{
		Publisher:           pub,
		Scheduler:           newFakeScheduler(),
		OnConnectionSuccess: func() { successes++ },
	})

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := m.State(); got != Connecting {
		t.Fatalf("State() = %v, want CONNECTING", got)
	}

	m.HandleAcknowledgement(Acknowledgement{ConnectMessageId: pub.lastConnectID(), Code: AckSuccess})
	if got := m.State(); got != Connected {
		t.Fatalf("State() = %v, want CONNECTED", got)
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want 1", successes)
	}
}

// TestConnectRejected covers CONNECTING --ACK(err)--> DISCONNECTED.
func TestConnectRejected(t *testing.T) {
	pub := &fakePublisher{}
	var rejectedCode string
	m := New(Config{
		Publisher:            pub,
		Scheduler:            newFakeScheduler(),
		OnConnectionRejected: func(code, _ string) { rejectedCode = code },
	})

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.HandleAcknowledgement(Acknowledgement{ConnectMessageId: pub.lastConnectID(), Code: "UNAUTHORIZED"})

	if got := m.State(); got != Disconnected {
		t.Fatalf("State() = %v, want DISCONNECTED", got)
	}
	if rejectedCode != "UNAUTHORIZED" {
		t.Fatalf("rejectedCode = %q, want UNAUTHORIZED", rejectedCode)
	}
}

// TestStaleAckDropped is spec.md §8 scenario 5: two Connect attempts issue
// ids A then B; an ACK for A arriving after B was sent is silently ignored,
// and a subsequent ACK for B with SUCCESS still drives CONNECTED.
func TestStaleAckDropped(t *testing.T) {
	pub := &fakePublisher{}
	var successes int
	m := New(Config{
		Publisher:           pub,
		Scheduler:           newFakeScheduler(),
		OnConnectionSuccess: func() { successes++ },
	})

	if err := m.Connect(); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	idA := pub.lastConnectID()

	// Reject A's attempt to go back to DISCONNECTED so a second Connect is legal.
	m.HandleAcknowledgement(Acknowledgement{ConnectMessageId: idA, Code: "SOME_ERROR"})
	if got := m.State(); got != Disconnected {
		t.Fatalf("State() after rejecting A = %v, want DISCONNECTED", got)
	}

	if err := m.Connect(); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	idB := pub.lastConnectID()
	if idA == idB {
		t.Fatalf("connectMessageId did not change between attempts")
	}

	// Stale ack for A, now that B is in flight: must be ignored (no state change).
	m.HandleAcknowledgement(Acknowledgement{ConnectMessageId: idA, Code: AckSuccess})
	if got := m.State(); got != Connecting {
		t.Fatalf("State() after stale A ack = %v, want still CONNECTING", got)
	}
	if successes != 0 {
		t.Fatalf("successes = %d after stale ack, want 0", successes)
	}

	m.HandleAcknowledgement(Acknowledgement{ConnectMessageId: idB, Code: AckSuccess})
	if got := m.State(); got != Connected {
		t.Fatalf("State() after B ack = %v, want CONNECTED", got)
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want 1", successes)
	}
}

// TestDisconnectViaAck covers CONNECTED -> DISCONNECTING -> DISCONNECTED
// driven by an explicit ack rather than the timeout.
func TestDisconnectViaAck(t *testing.T) {
	pub := &fakePublisher{}
	sched := newFakeScheduler()
	var disconnectedCode DisconnectCode
	m := New(Config{
		Publisher:      pub,
		Scheduler:      sched,
		OnDisconnected: func(code DisconnectCode) { disconnectedCode = code },
	})
	connectAndAck(t, m, pub)

	if err := m.Disconnect(CodeGoingOffline, "bye"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := m.State(); got != Disconnecting {
		t.Fatalf("State() = %v, want DISCONNECTING", got)
	}
	if sched.pendingCount() != 1 {
		t.Fatalf("pending fallback timers = %d, want 1", sched.pendingCount())
	}

	m.HandleDisconnectAck(CodeGoingOffline)
	if got := m.State(); got != Disconnected {
		t.Fatalf("State() = %v, want DISCONNECTED", got)
	}
	if disconnectedCode != CodeGoingOffline {
		t.Fatalf("disconnectedCode = %v, want GOING_OFFLINE", disconnectedCode)
	}
	if sched.pendingCount() != 0 {
		t.Fatalf("pending fallback timers = %d after ack, want 0 (cancelled)", sched.pendingCount())
	}
}

// TestDisconnectViaTimeout covers the timeout fallback when no ack arrives.
func TestDisconnectViaTimeout(t *testing.T) {
	pub := &fakePublisher{}
	sched := newFakeScheduler()
	var disconnectedCode DisconnectCode
	m := New(Config{
		Publisher:      pub,
		Scheduler:      sched,
		OnDisconnected: func(code DisconnectCode) { disconnectedCode = code },
	})
	connectAndAck(t, m, pub)

	if err := m.Disconnect(CodeGoingOffline, ""); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	sched.fireAll()

	if got := m.State(); got != Disconnected {
		t.Fatalf("State() = %v, want DISCONNECTED", got)
	}
	if disconnectedCode != CodeGoingOffline {
		t.Fatalf("disconnectedCode = %v, want GOING_OFFLINE", disconnectedCode)
	}
}

// TestServerDisconnect covers CONNECTED --server DISCONNECT(code)--> DISCONNECTED.
func TestServerDisconnect(t *testing.T) {
	pub := &fakePublisher{}
	var disconnectedCode DisconnectCode
	m := New(Config{
		Publisher:      pub,
		Scheduler:      newFakeScheduler(),
		OnDisconnected: func(code DisconnectCode) { disconnectedCode = code },
	})
	connectAndAck(t, m, pub)

	m.HandleServerDisconnect(CodeAPIVersionDeprecated)
	if got := m.State(); got != Disconnected {
		t.Fatalf("State() = %v, want DISCONNECTED", got)
	}
	if disconnectedCode != CodeAPIVersionDeprecated {
		t.Fatalf("disconnectedCode = %v, want API_VERSION_DEPRECATED", disconnectedCode)
	}
}

// TestTransportDropFromAnyState covers "any --transport drop--> DISCONNECTED",
// including mid-handshake (CONNECTING).
func TestTransportDropFromAnyState(t *testing.T) {
	pub := &fakePublisher{}
	var disconnectedCode DisconnectCode
	m := New(Config{
		Publisher:      pub,
		Scheduler:      newFakeScheduler(),
		OnDisconnected: func(code DisconnectCode) { disconnectedCode = code },
	})

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.HandleTransportDrop()

	if got := m.State(); got != Disconnected {
		t.Fatalf("State() = %v, want DISCONNECTED", got)
	}
	if disconnectedCode != CodeTransport {
		t.Fatalf("disconnectedCode = %v, want TRANSPORT", disconnectedCode)
	}
}

// TestScheduleRetryUsesBackoffAndCancelsPrevious exercises the retry helper.
func TestScheduleRetryUsesBackoffAndCancelsPrevious(t *testing.T) {
	sched := newFakeScheduler()
	m := New(Config{Publisher: &fakePublisher{}, Scheduler: sched, MaxBackoffMs: 100})

	m.ScheduleRetry(func() {})
	if sched.pendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", sched.pendingCount())
	}
	m.ScheduleRetry(func() {}) // replaces the first
	if sched.pendingCount() != 1 {
		t.Fatalf("pending after second ScheduleRetry = %d, want 1 (replaced, not accumulated)", sched.pendingCount())
	}

	m.CancelRetry()
	if sched.pendingCount() != 0 {
		t.Fatalf("pending after CancelRetry = %d, want 0", sched.pendingCount())
	}
}

// TestDestroyIsIdempotentAndCancelsTimers confirms Destroy tears down any
// pending retry/disconnect timers and tolerates repeated calls.
func TestDestroyIsIdempotentAndCancelsTimers(t *testing.T) {
	pub := &fakePublisher{}
	sched := newFakeScheduler()
	m := New(Config{Publisher: pub, Scheduler: sched})
	connectAndAck(t, m, pub)

	if err := m.Disconnect(CodeGoingOffline, ""); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	m.ScheduleRetry(func() {})

	m.Destroy()
	m.Destroy() // idempotent

	if sched.pendingCount() != 0 {
		t.Fatalf("pending timers after Destroy = %d, want 0", sched.pendingCount())
	}
	if err := m.Connect(); err != ErrDestroyed {
		t.Fatalf("Connect after Destroy: err = %v, want ErrDestroyed", err)
	}
}

func connectAndAck(t *testing.T, m *Manager, pub *fakePublisher) {
	t.Helper()
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.HandleAcknowledgement(Acknowledgement{ConnectMessageId: pub.lastConnectID(), Code: AckSuccess})
	if got := m.State(); got != Connected {
		t.Fatalf("State() = %v, want CONNECTED", got)
	}
}
