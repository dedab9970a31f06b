package transport

import "testing"

func TestPublishRecordsMessage(t *testing.T) {
	m := NewMemory()
	if err := m.Publish("root/directive", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := m.Published()
	if len(got) != 1 || string(got[0].Payload) != "hello" || got[0].Topic != "root/directive" {
		t.Fatalf("Published() = %v, want one matching message", got)
	}
}

func TestPublishFailsWhenDisconnected(t *testing.T) {
	m := NewMemory()
	m.SetConnected(false)
	if err := m.Publish("root/directive", []byte("x")); err != ErrNotConnected {
		t.Fatalf("Publish while disconnected: err = %v, want ErrNotConnected", err)
	}
}

func TestSubscribeAndDeliver(t *testing.T) {
	m := NewMemory()
	var got []byte
	if err := m.Subscribe("root/speaker", func(topic string, payload []byte) {
		got = payload
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	m.Deliver("root/speaker", []byte{1, 2, 3})
	if len(got) != 3 || got[0] != 1 {
		t.Fatalf("got = %v, want [1 2 3]", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemory()
	calls := 0
	m.Subscribe("t", func(string, []byte) { calls++ })
	m.Unsubscribe("t")
	m.Deliver("t", nil)
	if calls != 0 {
		t.Fatalf("calls = %d after Unsubscribe, want 0", calls)
	}
}

// TestBusRoutesBetweenTwoTransports simulates a device and a cloud side
// publishing to and subscribing from a shared bus, the way a round-trip
// integration test exercises the full encode/publish/deliver/decode path
// without a real MQTT broker.
func TestBusRoutesBetweenTwoTransports(t *testing.T) {
	bus := NewBus()
	device := NewMemory()
	cloud := NewMemory()
	bus.Join(device)
	bus.Join(cloud)

	var delivered []byte
	cloud.Subscribe("root/connection/fromdevice", func(_ string, payload []byte) {
		delivered = payload
	})

	if err := device.Publish("root/connection/fromdevice", []byte("connect-msg")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if string(delivered) != "connect-msg" {
		t.Fatalf("delivered = %q, want %q", delivered, "connect-msg")
	}
}
