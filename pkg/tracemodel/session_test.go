package tracemodel

import (
	"testing"
	"time"
)

func TestSessionAddCircuitKeepsSortedOrder(t *testing.T) {
	s := NewSession("alice")
	base := time.Unix(0, 0)

	s.AddCircuit(&Circuit{LaunchTime: base.Add(3 * time.Second)})
	s.AddCircuit(&Circuit{LaunchTime: base.Add(1 * time.Second)})
	s.AddCircuit(&Circuit{LaunchTime: base.Add(2 * time.Second)})

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := s.Circuits[i].LaunchTime.Sub(base); got != w {
			t.Errorf("Circuits[%d].LaunchTime = %v, want %v", i, got, w)
		}
	}
}

func TestSessionCurrent(t *testing.T) {
	s := NewSession("alice")
	if s.Current() != nil {
		t.Error("Current() on empty session should be nil")
	}
	c := &Circuit{LaunchTime: time.Unix(0, 0)}
	s.AddCircuit(c)
	if s.Current() != c {
		t.Error("Current() did not return the only circuit")
	}
}

func TestSessionRotate(t *testing.T) {
	base := time.Unix(1000, 0)
	s := NewSession("alice")
	first := &Circuit{LaunchTime: base}
	second := &Circuit{LaunchTime: base.Add(10 * time.Second)}
	s.AddCircuit(first)
	s.AddCircuit(second)

	if s.Rotate(base.Add(5 * time.Second)) {
		t.Error("Rotate() before second circuit's launch time should not rotate")
	}
	if s.Current() != first {
		t.Error("Current() changed despite no rotation")
	}

	if !s.Rotate(base.Add(10 * time.Second)) {
		t.Error("Rotate() at second circuit's launch time should rotate")
	}
	if s.Current() != second {
		t.Error("Current() did not advance after rotation")
	}
}

func TestSessionStreamQueue(t *testing.T) {
	s := NewSession("alice")
	s.EnqueueStream(5)
	s.EnqueueStream(SentinelStreamID)
	s.EnqueueStream(7)

	drained := s.DrainStreams()
	want := []int{5, SentinelStreamID, 7}
	if len(drained) != len(want) {
		t.Fatalf("DrainStreams() = %v, want %v", drained, want)
	}
	for i := range want {
		if drained[i] != want[i] {
			t.Errorf("DrainStreams()[%d] = %d, want %d", i, drained[i], want[i])
		}
	}
	if len(s.WaitingStreamIDs) != 0 {
		t.Error("DrainStreams() should empty the queue")
	}
}
