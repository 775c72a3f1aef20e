//go:build oniontrace_live

package oniontracetest

import (
	"context"
	"fmt"
	"time"

	"github.com/cretz/bine/tor"
)

// StartLiveTor launches a real tor binary via bine and waits for it to
// finish bootstrapping. It requires a tor binary on PATH and outbound
// network access, so it is built only under the oniontrace_live tag;
// routine test runs never attempt it. Bine manages its own control
// connection internally rather than exposing a raw port, so the instance
// it returns is useful for an end-to-end bootstrap smoke check but not for
// pointing pkg/torctl's hand-rolled protocol client at - that is exercised
// against FakeDaemon instead.
func StartLiveTor(ctx context.Context) (*tor.Tor, error) {
	t, err := tor.Start(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("oniontracetest: starting tor: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := t.EnableNetwork(waitCtx, true); err != nil {
		t.Close()
		return nil, fmt.Errorf("oniontracetest: bootstrapping tor: %w", err)
	}

	return t, nil
}
