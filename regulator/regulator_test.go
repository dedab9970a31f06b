package regulator

import "testing"

func TestMemoryWriteEventsOrdered(t *testing.T) {
	m := NewMemory()
	m.Write(Event{ExceptionEncountered: &ExceptionEncountered{Code: ErrMalformedMessage}})
	m.Write(Event{SpeakerMarkerEncountered: &SpeakerMarkerEncountered{Offset: 100, Valid: true}})
	m.Write(Event{BufferStateChanged: &BufferStateChanged{State: "OVERRUN_WARNING"}})

	got := m.Events()
	if len(got) != 3 {
		t.Fatalf("Events() len = %d, want 3", len(got))
	}
	if got[0].ExceptionEncountered == nil || got[0].ExceptionEncountered.Code != ErrMalformedMessage {
		t.Fatalf("Events()[0] = %+v, want ExceptionEncountered{MALFORMED_MESSAGE}", got[0])
	}
	if got[1].SpeakerMarkerEncountered == nil || got[1].SpeakerMarkerEncountered.Offset != 100 {
		t.Fatalf("Events()[1] = %+v, want SpeakerMarkerEncountered{100, true}", got[1])
	}
	if got[2].BufferStateChanged == nil || got[2].BufferStateChanged.State != "OVERRUN_WARNING" {
		t.Fatalf("Events()[2] = %+v, want BufferStateChanged{OVERRUN_WARNING}", got[2])
	}
}

func TestMemoryDrainClearsBuffer(t *testing.T) {
	m := NewMemory()
	m.Write(Event{ExceptionEncountered: &ExceptionEncountered{Code: ErrInternal}})

	drained := m.Drain()
	if len(drained) != 1 {
		t.Fatalf("Drain() len = %d, want 1", len(drained))
	}
	if got := m.Events(); len(got) != 0 {
		t.Fatalf("Events() after Drain = %v, want empty", got)
	}
}

func TestMessageRefIsZero(t *testing.T) {
	var zero MessageRef
	if !zero.IsZero() {
		t.Fatalf("zero-value MessageRef.IsZero() = false, want true")
	}
	ref := MessageRef{Topic: "directive", SequenceNumber: 1}
	if ref.IsZero() {
		t.Fatalf("non-zero MessageRef.IsZero() = true, want false")
	}
}
