package connectivity

import (
	"sync"
	"testing"
)

type transitions struct {
	mu     sync.Mutex
	states []bool
}

func (r *transitions) record(online bool) {
	r.mu.Lock()
	r.states = append(r.states, online)
	r.mu.Unlock()
}

func (r *transitions) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func TestManualNotifiesTransitionsOnly(t *testing.T) {
	m := NewManual(false)
	var seen transitions
	cancel := m.Subscribe(seen.record)

	if m.Set(false) {
		t.Fatal("expected no change when already offline")
	}
	if !m.Set(true) || !m.Online() {
		t.Fatal("expected transition to online")
	}
	m.Set(true)
	m.Set(false)
	cancel()
	m.Set(true)

	got := seen.get()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("expected [true false], got %v", got)
	}
}

func TestJitteredInterval(t *testing.T) {
	if got := jitteredInterval(0, 0.5, 0.5); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
	if got := jitteredInterval(100, 0, 0.9); got != 100 {
		t.Fatalf("expected no jitter, got %s", got)
	}
	base := jitteredInterval(1000000000, 0.2, 0)
	if base != 800000000 {
		t.Fatalf("expected lower bound 0.8s, got %s", base)
	}
	if got := jitteredInterval(1000000000, 0.2, 1); got != 1200000000 {
		t.Fatalf("expected upper bound 1.2s, got %s", got)
	}
}
