package ux

import "testing"

func TestReducePriorityOrder(t *testing.T) {
	cases := []struct {
		name      string
		attention AttentionState
		mic       MicrophoneState
		speaking  bool
		want      State
	}{
		{"mic open beats everything", AttentionThinking, MicrophoneOpen, true, Listening},
		{"thinking beats speaking", AttentionThinking, MicrophoneClosed, true, Thinking},
		{"speaking beats alerting", AttentionAlerting, MicrophoneClosed, true, Speaking},
		{"alerting beats dnd", AttentionAlerting, MicrophoneClosed, false, Alerting},
		{"dnd beats notification", AttentionDoNotDisturb, MicrophoneClosed, false, DoNotDisturb},
		{"notification available", AttentionNotificationAvailable, MicrophoneClosed, false, NotificationAvailable},
		{"idle fallthrough", AttentionIdle, MicrophoneClosed, false, Idle},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Reduce(c.attention, c.mic, c.speaking)
			if got != c.want {
				t.Fatalf("Reduce(%v,%v,%v) = %v, want %v", c.attention, c.mic, c.speaking, got, c.want)
			}
		})
	}
}

// TestUXReductionScenario is spec.md §8 scenario 6: feed
// (attention=SPEAKING-equivalent via speakerPlaying, mic=CLOSED) -> SPEAKING,
// then mic=OPEN -> LISTENING (priority 1 beats SPEAKING).
func TestUXReductionScenario(t *testing.T) {
	var observed []State
	m := New(func(s State) { observed = append(observed, s) })

	m.SetSpeakerPlaying(true)
	if got := m.Current(); got != Speaking {
		t.Fatalf("Current() = %v, want SPEAKING", got)
	}

	m.SetMicrophone(MicrophoneOpen)
	if got := m.Current(); got != Listening {
		t.Fatalf("Current() = %v, want LISTENING", got)
	}

	want := []State{Speaking, Listening}
	if len(observed) != len(want) {
		t.Fatalf("observed = %v, want %v", observed, want)
	}
	for i, s := range want {
		if observed[i] != s {
			t.Fatalf("observed[%d] = %v, want %v", i, observed[i], s)
		}
	}
}

// TestObserverFiresOnlyOnChange confirms repeated identical inputs don't
// re-invoke the observer.
func TestObserverFiresOnlyOnChange(t *testing.T) {
	var count int
	m := New(func(State) { count++ })

	m.SetAttention(AttentionAlerting)
	m.SetAttention(AttentionAlerting) // no change
	m.SetMicrophone(MicrophoneClosed) // no change (already closed)

	if count != 1 {
		t.Fatalf("observer invoked %d times, want 1", count)
	}
}

// TestPureFunctionNoHiddenHistory confirms Reduce depends only on its
// arguments, independent of any Manager call sequence.
func TestPureFunctionNoHiddenHistory(t *testing.T) {
	a := Reduce(AttentionAlerting, MicrophoneClosed, false)
	b := Reduce(AttentionAlerting, MicrophoneClosed, false)
	if a != b {
		t.Fatalf("Reduce not pure: %v != %v", a, b)
	}
}
