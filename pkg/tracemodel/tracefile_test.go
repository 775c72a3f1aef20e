package tracemodel

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestFormatRecordNullFields(t *testing.T) {
	start := time.Unix(1000, 0)
	c := &Circuit{LaunchTime: start.Add(time.Second + 1)}

	line := FormatRecord(c, start)
	if !strings.HasPrefix(line, "1.000000001;NULL;NULL\n") {
		t.Errorf("FormatRecord() = %q", line)
	}
}

func TestFormatRecordWithFields(t *testing.T) {
	start := time.Unix(1000, 0)
	c := &Circuit{
		LaunchTime: start.Add(2*time.Second + 500000000),
		SessionID:  "alice",
		Path:       "$A,$B,$C",
	}

	line := FormatRecord(c, start)
	want := "2.500000000;alice;$A,$B,$C\n"
	if line != want {
		t.Errorf("FormatRecord() = %q, want %q", line, want)
	}
}

// TestRoundTrip asserts spec invariant 1: parse(write(C_1...C_n)) yields
// the same multiset of circuits, sorted by launch time, with elapsed
// equal to launch_i - start.
func TestRoundTrip(t *testing.T) {
	start := time.Unix(5000, 0)
	circuits := []*Circuit{
		{LaunchTime: start.Add(3 * time.Second), SessionID: "bob", Path: "$X,$Y"},
		{LaunchTime: start.Add(1 * time.Second), SessionID: "alice", Path: "$A,$B,$C"},
		{LaunchTime: start.Add(2 * time.Second), SessionID: "", Path: ""},
	}

	var buf bytes.Buffer
	w := NewWriter(&buf, start)
	for _, c := range circuits {
		if err := w.WriteCircuit(c); err != nil {
			t.Fatalf("WriteCircuit() error = %v", err)
		}
	}

	parsed, err := ParseTrace(&buf, start)
	if err != nil {
		t.Fatalf("ParseTrace() error = %v", err)
	}
	if len(parsed) != 3 {
		t.Fatalf("ParseTrace() returned %d circuits, want 3", len(parsed))
	}

	// Sorted by launch time ascending: alice(1s), unlabeled(2s), bob(3s).
	wantOrder := []string{"alice", "", "bob"}
	for i, want := range wantOrder {
		if parsed[i].SessionID != want {
			t.Errorf("parsed[%d].SessionID = %q, want %q", i, parsed[i].SessionID, want)
		}
	}
	if !parsed[0].LaunchTime.Equal(start.Add(1 * time.Second)) {
		t.Errorf("parsed[0].LaunchTime = %v, want %v", parsed[0].LaunchTime, start.Add(time.Second))
	}
}

func TestParseTraceMalformed(t *testing.T) {
	start := time.Unix(0, 0)
	tests := []string{
		"not-enough-fields",
		"1;alice;path;extra",
		"notanumber.000000000;alice;path",
		"1.1;alice;path",
	}
	for _, line := range tests {
		if _, err := ParseTrace(strings.NewReader(line+"\n"), start); err == nil {
			t.Errorf("ParseTrace(%q) expected error, got nil", line)
		}
	}
}

func TestParseTraceSkipsEmptyLines(t *testing.T) {
	start := time.Unix(0, 0)
	r := strings.NewReader("\n0.000000001;alice;$A\n\n")
	circuits, err := ParseTrace(r, start)
	if err != nil {
		t.Fatalf("ParseTrace() error = %v", err)
	}
	if len(circuits) != 1 {
		t.Fatalf("ParseTrace() returned %d circuits, want 1", len(circuits))
	}
}
