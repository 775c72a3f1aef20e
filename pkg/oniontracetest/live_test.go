//go:build oniontrace_live

package oniontracetest

import (
	"context"
	"testing"
)

// TestStartLiveTor is an opt-in smoke check against a real tor binary,
// built only with -tags oniontrace_live. It confirms the environment
// oniontrace actually runs in - a tor binary, outbound network access - is
// viable, independent of anything pkg/torctl implements itself.
func TestStartLiveTor(t *testing.T) {
	live, err := StartLiveTor(context.Background())
	if err != nil {
		t.Fatalf("StartLiveTor: %v", err)
	}
	defer live.Close()
}
