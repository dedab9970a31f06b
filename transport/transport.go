// Package transport defines the MQTT publish/subscribe boundary Aia's core
// is built against (spec.md §6 "mqtt.publish(topic, bytes) /
// mqtt.subscribe(topic, cb)"). No concrete MQTT client is implemented here
// — per spec.md §1, MQTT transport binding is an external collaborator;
// this package only states the contract and a deterministic in-memory test
// double, grounded on the teacher's Transport type in shape (callback
// setters, Connect/Disconnect lifecycle) but re-pointed at MQTT pub/sub
// instead of WebTransport datagrams.
package transport

import (
	"errors"
	"sync"
)

// ErrNotConnected is returned by Publish when no connection is established.
var ErrNotConnected = errors.New("transport: not connected")

// MessageHandler is invoked for every message arriving on a subscribed
// topic, with the raw (still-encrypted) wire bytes.
type MessageHandler func(topic string, payload []byte)

// Publisher publishes raw wire bytes to a fully-qualified topic name.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Subscriber subscribes a handler to a fully-qualified topic name.
// Subscribe is idempotent per topic: a second Subscribe call for the same
// topic replaces the handler.
type Subscriber interface {
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
}

// Conn bundles the full transport contract the connection manager and
// topic router are built against.
type Conn interface {
	Publisher
	Subscriber
	// Connected reports whether the underlying MQTT session is currently
	// established (spec.md §4.4 "any --transport drop--> DISCONNECTED").
	Connected() bool
}

// Memory is an in-process Conn implementation for tests and local
// development: Publish on one instance loopback-delivers to any instance
// wired to the same bus via Bus, or — with no bus — simply records
// published payloads for assertions.
type Memory struct {
	mu          sync.Mutex
	connected   bool
	subscribers map[string]MessageHandler
	published   []PublishedMessage
	bus         *Bus
}

// PublishedMessage records one Publish call, for test assertions.
type PublishedMessage struct {
	Topic   string
	Payload []byte
}

// NewMemory constructs a Memory transport, initially connected, not
// attached to any Bus.
func NewMemory() *Memory {
	return &Memory{connected: true, subscribers: make(map[string]MessageHandler)}
}

var _ Conn = (*Memory)(nil)

// SetConnected flips the simulated connection state, for exercising
// transport-drop handling in tests.
func (m *Memory) SetConnected(c bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = c
}

func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Memory) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	cp := append([]byte{}, payload...)
	m.published = append(m.published, PublishedMessage{Topic: topic, Payload: cp})
	bus := m.bus
	m.mu.Unlock()

	if bus != nil {
		bus.deliver(m, topic, cp)
	}
	return nil
}

func (m *Memory) Subscribe(topic string, handler MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[topic] = handler
	return nil
}

func (m *Memory) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, topic)
	return nil
}

// Published returns every message Publish has recorded so far, in order.
func (m *Memory) Published() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

// Deliver simulates an inbound message arriving on topic, invoking the
// registered handler (if any) synchronously.
func (m *Memory) Deliver(topic string, payload []byte) {
	m.mu.Lock()
	h := m.subscribers[topic]
	m.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}

// Bus wires multiple Memory transports together so one side's Publish
// reaches the other side's Subscribe, for device<->cloud round-trip tests.
type Bus struct {
	mu      sync.Mutex
	members []*Memory
}

// NewBus constructs an empty Bus.
func NewBus() *Bus { return &Bus{} }

// Join attaches m to the bus; subsequent Publish calls from any joined
// member are delivered to every other joined member's subscribers.
func (b *Bus) Join(m *Memory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m.mu.Lock()
	m.bus = b
	m.mu.Unlock()
	b.members = append(b.members, m)
}

func (b *Bus) deliver(from *Memory, topic string, payload []byte) {
	b.mu.Lock()
	members := append([]*Memory{}, b.members...)
	b.mu.Unlock()
	for _, m := range members {
		if m == from {
			continue
		}
		m.Deliver(topic, payload)
	}
}
