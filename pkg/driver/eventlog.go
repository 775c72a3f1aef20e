package driver

import (
	"fmt"
	"sync/atomic"

	"github.com/opd-ai/oniontrace/pkg/logger"
	"github.com/opd-ai/oniontrace/pkg/oteventloop"
	"github.com/opd-ai/oniontrace/pkg/torctl"
)

// eventLogger implements log mode: it does nothing but subscribe to
// the configured events and forward every raw control line to the
// system log, counting how many it has seen.
type eventLogger struct {
	manager *oteventloop.EventManager
	log     *logger.Logger
	tc      *torctl.TorCtl

	controlPort int
	events      string
	count       int64
}

func newEventLogger(manager *oteventloop.EventManager, log *logger.Logger, controlPort int, events string) (*eventLogger, error) {
	return &eventLogger{
		manager:     manager,
		log:         log.Component("eventlogger"),
		controlPort: controlPort,
		events:      events,
	}, nil
}

func (e *eventLogger) start() error {
	tc, err := torctl.New(e.manager, e.log, e.controlPort, e.onConnected)
	if err != nil {
		return fmt.Errorf("eventlogger: %w", err)
	}
	e.tc = tc
	return nil
}

func (e *eventLogger) stop() {
	if e.tc != nil {
		e.tc.Close()
		e.tc = nil
	}
}

func (e *eventLogger) messagesLogged() int64 {
	return atomic.LoadInt64(&e.count)
}

func (e *eventLogger) onConnected() {
	e.log.Info("connected to control port")
	e.tc.CommandAuthenticate(e.onAuthenticated)
}

func (e *eventLogger) onAuthenticated() {
	e.log.Info("authenticated")
	e.tc.CommandGetBootstrapStatus(e.onBootstrapped)
}

func (e *eventLogger) onBootstrapped() {
	e.log.Info("bootstrapped, logging events", "events", e.events)
	e.tc.SetLineReceivedCallback(e.logLine)
	e.tc.CommandEnableEvents(e.events)
}

func (e *eventLogger) logLine(line string) {
	atomic.AddInt64(&e.count, 1)
	e.log.Info("control line", "line", line)
}
