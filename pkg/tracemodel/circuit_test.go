package tracemodel

import "testing"

func TestCircuitRetryBudget(t *testing.T) {
	c := &Circuit{}
	for i := 0; i < 3; i++ {
		if c.ExceededRetryBudget() {
			t.Fatalf("ExceededRetryBudget() = true after %d failures, want false", i)
		}
		c.IncrementFailure()
	}
	if !c.ExceededRetryBudget() {
		t.Error("ExceededRetryBudget() = false after 3 failures, want true")
	}
}

func TestCircuitReset(t *testing.T) {
	c := &Circuit{CircuitID: 42, Status: StatusBuilt, Path: "$A,$B", FailureCount: 1}
	c.Reset()

	if c.CircuitID != 0 {
		t.Errorf("CircuitID = %d, want 0", c.CircuitID)
	}
	if c.Status != StatusNone {
		t.Errorf("Status = %v, want %v", c.Status, StatusNone)
	}
	// Path and FailureCount survive a reset so a retry can reuse them.
	if c.Path != "$A,$B" {
		t.Errorf("Reset() cleared Path")
	}
	if c.FailureCount != 1 {
		t.Errorf("Reset() cleared FailureCount")
	}
}

func TestStatusString(t *testing.T) {
	tests := map[Status]string{
		StatusNone:     "NONE",
		StatusLaunched: "LAUNCHED",
		StatusAssigned: "ASSIGNED",
		StatusExtended: "EXTENDED",
		StatusBuilt:    "BUILT",
		StatusFailed:   "FAILED",
		StatusClosed:   "CLOSED",
	}
	for status, want := range tests {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}
