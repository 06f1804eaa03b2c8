package upstream

import (
	"context"
	"errors"
	"testing"
)

func TestMachine_ExhaustsAtBudget(t *testing.T) {
	m := NewMachine(MaxAttempts)
	if m.State() != StateIdle || m.Attempt() != 0 {
		t.Fatalf("new machine: state=%s attempt=%d", m.State(), m.Attempt())
	}

	boom := errors.New("boom")
	made := 0
	for m.Next() {
		made++
		if m.State() != StateAttempting {
			t.Fatalf("state = %s during attempt %d", m.State(), made)
		}
		m.Fail(boom)
	}

	if made != MaxAttempts {
		t.Errorf("attempts made = %d, want %d", made, MaxAttempts)
	}
	if m.State() != StateExhausted {
		t.Errorf("state = %s, want exhausted", m.State())
	}
	if !errors.Is(m.LastErr(), boom) {
		t.Errorf("LastErr = %v", m.LastErr())
	}
	if m.Next() {
		t.Error("Next after exhaustion must return false")
	}
	if m.Attempt() != MaxAttempts {
		t.Errorf("Attempt = %d, want %d", m.Attempt(), MaxAttempts)
	}
}

func TestMachine_SucceedStops(t *testing.T) {
	m := NewMachine(3)
	m.Next()
	m.Fail(errors.New("503"))
	m.Next()
	m.Succeed()

	if m.State() != StateSucceeded {
		t.Fatalf("state = %s, want succeeded", m.State())
	}
	if m.Attempt() != 2 {
		t.Errorf("Attempt = %d, want 2", m.Attempt())
	}
	if m.Next() {
		t.Error("Next after success must return false")
	}
}

func TestMachine_AbortCountsOnlyMadeAttempts(t *testing.T) {
	m := NewMachine(3)
	m.Next()
	m.Fail(errors.New("503"))
	m.Next()
	m.Abort(context.Canceled)

	if m.State() != StateAborted {
		t.Fatalf("state = %s, want aborted", m.State())
	}
	if m.Attempt() != 1 {
		t.Errorf("Attempt = %d, want 1", m.Attempt())
	}
	if !errors.Is(m.LastErr(), context.Canceled) {
		t.Errorf("LastErr = %v", m.LastErr())
	}
	if m.Next() {
		t.Error("Next after abort must return false")
	}
}

func TestMachine_IgnoresEventsOutOfPhase(t *testing.T) {
	m := NewMachine(2)
	m.Fail(errors.New("early"))
	m.Succeed()
	if m.State() != StateIdle || m.LastErr() != nil {
		t.Fatalf("idle machine changed: state=%s err=%v", m.State(), m.LastErr())
	}

	m.Next()
	m.Succeed()
	m.Fail(errors.New("late"))
	m.Abort(errors.New("late"))
	if m.State() != StateSucceeded || m.LastErr() != nil {
		t.Errorf("terminal machine changed: state=%s err=%v", m.State(), m.LastErr())
	}
}

func TestNewMachine_MinimumOne(t *testing.T) {
	m := NewMachine(0)
	if !m.Next() {
		t.Fatal("first Next must succeed")
	}
	m.Fail(errors.New("x"))
	if m.Next() {
		t.Error("budget of one exceeded")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:       "idle",
		StateAttempting: "attempting",
		StateSucceeded:  "succeeded",
		StateExhausted:  "exhausted",
		StateAborted:    "aborted",
		State(42):       "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
