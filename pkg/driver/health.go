package driver

import (
	"context"
	"time"

	"github.com/opd-ai/oniontrace/pkg/health"
)

// engineHealthChecker reports whether Start has constructed an engine and
// dialed the control port, for the optional HTTP health endpoint. It does
// not track whether the connection or authentication completed. A fresh driver has
// nothing to report until Start constructs an engine, so Check answers
// "unhealthy" rather than crash on a nil receiver.
type engineHealthChecker struct {
	connected func() bool
}

func (c *engineHealthChecker) Name() string { return "tor_control" }

func (c *engineHealthChecker) Check(ctx context.Context) health.ComponentHealth {
	h := health.ComponentHealth{Name: c.Name(), LastChecked: time.Now()}
	if c.connected != nil && c.connected() {
		h.Status = health.StatusHealthy
		h.Message = "control port dialed"
	} else {
		h.Status = health.StatusUnhealthy
		h.Message = "no control connection"
	}
	return h
}

// connected reports whether the currently active engine has been
// constructed, which happens as soon as Start dials the control port -
// before authentication completes.
func (d *Driver) connected() bool {
	return d.recorder != nil || d.player != nil || d.eventLog != nil
}
