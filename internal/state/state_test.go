package state

import (
	"testing"
	"time"
)

// TestAdvance_FullLifecycle walks the probe and announce schedule of
// RFC 6762 §8.1 and §8.3.
func TestAdvance_FullLifecycle(t *testing.T) {
	want := []struct {
		state RegistrationState
		delay time.Duration
	}{
		{Probing(1), 250 * time.Millisecond},
		{Probing(2), 250 * time.Millisecond},
		{Announcing(0), 250 * time.Millisecond},
		{Announcing(1), 1000 * time.Millisecond},
		{Announcing(2), 2000 * time.Millisecond},
	}

	s := Probing(0)
	for i, w := range want {
		tr := s.Advance()
		if tr.Next != w.state {
			t.Fatalf("step %d: Next = %v, want %v", i, tr.Next, w.state)
		}
		if tr.Delay != w.delay {
			t.Errorf("step %d: Delay = %v, want %v", i, tr.Delay, w.delay)
		}
		if tr.Done {
			t.Errorf("step %d: Done = true, want false", i)
		}
		s = tr.Next
	}

	tr := s.Advance()
	if tr.Next != Registered() {
		t.Fatalf("after last announce Next = %v, want registered", tr.Next)
	}
	if tr.Next.Scheduled() {
		t.Error("registered state must not be scheduled")
	}
}

// TestAdvance_Goodbye validates the two goodbye messages one second apart.
func TestAdvance_Goodbye(t *testing.T) {
	tr := Removing(0).Advance()
	if tr.Next != Removing(1) || tr.Delay != time.Second || tr.Done {
		t.Fatalf("Removing(0).Advance() = %+v, want Removing(1) after 1s", tr)
	}

	tr = Removing(1).Advance()
	if !tr.Done {
		t.Errorf("Removing(1).Advance().Done = false, want true")
	}
}

func TestAnnounceInterval(t *testing.T) {
	tests := []struct {
		i    int
		want time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}

	for _, tt := range tests {
		if got := AnnounceInterval(tt.i); got != tt.want {
			t.Errorf("AnnounceInterval(%d) = %v, want %v", tt.i, got, tt.want)
		}
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		state     RegistrationState
		scheduled bool
		answers   bool
		defends   bool
	}{
		{Probing(0), true, false, true},
		{Announcing(1), true, true, true},
		{Registered(), false, true, true},
		{Removing(0), true, false, false},
		{Conflicted(), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.Scheduled(); got != tt.scheduled {
				t.Errorf("Scheduled() = %v, want %v", got, tt.scheduled)
			}
			if got := tt.state.Answers(); got != tt.answers {
				t.Errorf("Answers() = %v, want %v", got, tt.answers)
			}
			if got := tt.state.Defends(); got != tt.defends {
				t.Errorf("Defends() = %v, want %v", got, tt.defends)
			}
		})
	}
}

func TestString(t *testing.T) {
	if got := Probing(2).String(); got != "probing(2)" {
		t.Errorf("String() = %q, want %q", got, "probing(2)")
	}
	if got := Registered().String(); got != "registered" {
		t.Errorf("String() = %q, want %q", got, "registered")
	}
}
