// Package driver wires together configuration, the event loop, and
// whichever engine a run is configured for (record, play, or log) into
// oniontrace's top-level state machine:
// IDLE -> CONNECTING -> AUTHENTICATING -> BOOTSTRAPPING -> {RECORDING|PLAYING|LOGGING} -> IDLE.
package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opd-ai/oniontrace/pkg/config"
	"github.com/opd-ai/oniontrace/pkg/health"
	"github.com/opd-ai/oniontrace/pkg/httpmetrics"
	"github.com/opd-ai/oniontrace/pkg/logger"
	"github.com/opd-ai/oniontrace/pkg/metrics"
	"github.com/opd-ai/oniontrace/pkg/oteventloop"
	"github.com/opd-ai/oniontrace/pkg/player"
	"github.com/opd-ai/oniontrace/pkg/recorder"
	"github.com/opd-ai/oniontrace/pkg/trace"
	"github.com/opd-ai/oniontrace/pkg/tracemodel"
)

type state int

const (
	stateIdle state = iota
	stateRunning
)

const heartbeatInterval = time.Second

// Driver owns the event loop's configured lifetime: it opens whatever
// trace file the mode requires, starts the matching engine, and arms
// the run-time timers that log progress and eventually stop the loop.
type Driver struct {
	manager *oteventloop.EventManager
	log     *logger.Logger
	cfg     *config.Config
	state   state

	recorder  *recorder.Recorder
	player    *player.Player
	eventLog  *eventLogger
	traceFile *os.File

	heartbeat     *oteventloop.Timer
	cleanupTimer  *oteventloop.Timer
	shutdownTimer *oteventloop.Timer
	playTimer     *oteventloop.Timer

	startTime time.Time

	metrics       *metrics.Metrics
	health        *health.Monitor
	metricsServer *httpmetrics.Server

	tracer  *trace.Tracer
	runSpan *trace.Span
}

// New builds an idle driver for cfg. manager must not yet be running.
func New(manager *oteventloop.EventManager, log *logger.Logger, cfg *config.Config) *Driver {
	d := &Driver{
		manager: manager,
		log:     log.Component("driver"),
		cfg:     cfg,
		metrics: metrics.New(),
		health:  health.NewMonitor(),
		tracer:  trace.NewTracer("oniontrace", trace.NewNoopExporter(), trace.AlwaysSample()),
	}
	d.health.RegisterChecker(&engineHealthChecker{connected: d.connected})
	return d
}

// Start opens the configured trace file (if any), constructs the
// engine for cfg.Mode, and begins its connect/authenticate/bootstrap
// handshake. The optional metrics/health HTTP endpoint, if configured,
// is started alongside it.
func (d *Driver) Start() error {
	if d.state != stateIdle {
		return fmt.Errorf("driver: cannot start, not idle")
	}
	d.startTime = time.Now()

	_, d.runSpan = d.tracer.StartSpan(context.Background(), "oniontrace.run", trace.SpanKindInternal)
	d.runSpan.SetAttribute("mode", string(d.cfg.Mode))
	d.runSpan.SetAttribute("control_port", d.cfg.TorControlPort)

	if err := d.startEngine(); err != nil {
		d.runSpan.RecordError(err)
		d.runSpan.End()
		return err
	}

	// record mode arms its own heartbeat inside Recorder, which logs
	// circuit/stream counters the generic uptime-only tick below can't.
	if d.cfg.Mode != config.ModeRecord {
		d.registerHeartbeat()
	}
	if d.cfg.RunTimeSeconds > 0 {
		d.registerCleanup(d.cfg.RunTimeSeconds - 1)
		d.registerShutdown(d.cfg.RunTimeSeconds)
	}

	if d.cfg.MetricsPort > 0 {
		addr := fmt.Sprintf("127.0.0.1:%d", d.cfg.MetricsPort)
		d.metricsServer = httpmetrics.NewServer(addr, d.metrics, d.health, d.log)
		if err := d.metricsServer.Start(); err != nil {
			d.log.Error("failed to start metrics endpoint", "address", addr, "error", err)
			d.metricsServer = nil
		}
	}

	d.state = stateRunning
	return nil
}

func (d *Driver) startEngine() error {
	path, err := expandHome(d.cfg.TraceFile)
	if err != nil {
		return fmt.Errorf("driver: %w", err)
	}

	switch d.cfg.Mode {
	case config.ModeRecord:
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("driver: opening trace file for write: %w", err)
		}
		d.traceFile = f
		writer := tracemodel.NewWriter(f, d.startTime)
		d.recorder = recorder.New(d.manager, d.log, d.cfg.TorControlPort, writer)
		d.recorder.SetMetrics(d.metrics)
		return d.recorder.Start()

	case config.ModePlay:
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("driver: opening trace file for read: %w", err)
		}
		circuits, err := tracemodel.ParseTrace(f, d.startTime)
		f.Close()
		if err != nil {
			return fmt.Errorf("driver: parsing trace file: %w", err)
		}
		d.player = player.New(d.manager, d.log, d.cfg.TorControlPort, circuits)
		d.player.SetMetrics(d.metrics)
		if err := d.player.Start(); err != nil {
			return err
		}
		d.armPlayTimer(0)
		return nil

	default: // config.ModeLog
		el, err := newEventLogger(d.manager, d.log, d.cfg.TorControlPort, strings.Join(d.cfg.Events, " "))
		if err != nil {
			return fmt.Errorf("driver: %w", err)
		}
		d.eventLog = el
		return el.start()
	}
}

// armPlayTimer arms a one-shot timer that calls LaunchNextCircuit after
// delay and re-arms itself with whatever delay that call returns, so
// the loop keeps pace with the trace's launch schedule without polling.
func (d *Driver) armPlayTimer(delay time.Duration) {
	if d.playTimer != nil {
		d.manager.Deregister(d.playTimer.FD())
		d.playTimer.Close()
		d.playTimer = nil
	}

	timer, err := oteventloop.NewTimer(d.onPlayTimerFired)
	if err != nil {
		d.log.Error("unable to create play timer", "error", err)
		return
	}
	if err := timer.Arm(delay, 0); err != nil {
		d.log.Error("unable to arm play timer", "error", err)
		timer.Close()
		return
	}

	d.playTimer = timer
	d.manager.Register(timer.FD(), oteventloop.Read, func(oteventloop.Flags) {
		if _, err := timer.Check(); err != nil {
			d.log.Error("play timer check failed", "error", err)
		}
	})
}

func (d *Driver) onPlayTimerFired() {
	next := d.player.LaunchNextCircuit(time.Now())
	if next > 0 {
		d.log.Debug("scheduling next circuit launch", "delay", next)
		d.armPlayTimer(next)
	}
}

// Stop tears down whichever engine is running, the HTTP endpoint if
// started, and every owned timer, in reverse creation order.
func (d *Driver) Stop() error {
	if d.state == stateIdle {
		return fmt.Errorf("driver: cannot stop, already idle")
	}

	if d.metricsServer != nil {
		d.metricsServer.Stop()
		d.metricsServer = nil
	}

	d.teardownTimer(&d.shutdownTimer)
	d.teardownTimer(&d.cleanupTimer)
	d.teardownTimer(&d.playTimer)
	d.teardownTimer(&d.heartbeat)

	switch d.cfg.Mode {
	case config.ModeRecord:
		if d.recorder != nil {
			d.recorder.Stop()
			d.recorder = nil
		}
	case config.ModePlay:
		if d.player != nil {
			d.player.Stop()
			d.player = nil
		}
	default:
		if d.eventLog != nil {
			d.eventLog.stop()
			d.eventLog = nil
		}
	}

	if d.traceFile != nil {
		d.traceFile.Close()
		d.traceFile = nil
	}

	if d.runSpan != nil {
		d.runSpan.SetAttribute("uptime_seconds", time.Since(d.startTime).Seconds())
		d.runSpan.End()
		d.runSpan = nil
	}

	d.state = stateIdle
	return nil
}

func (d *Driver) teardownTimer(t **oteventloop.Timer) {
	if *t == nil {
		return
	}
	d.manager.Deregister((*t).FD())
	(*t).Close()
	*t = nil
}

func (d *Driver) registerHeartbeat() {
	timer, err := oteventloop.NewTimer(d.heartbeatTick)
	if err != nil {
		d.log.Error("unable to create heartbeat timer", "error", err)
		return
	}
	if err := timer.Arm(heartbeatInterval, heartbeatInterval); err != nil {
		d.log.Error("unable to arm heartbeat timer", "error", err)
		timer.Close()
		return
	}
	d.heartbeat = timer
	d.manager.Register(timer.FD(), oteventloop.Read, func(oteventloop.Flags) {
		if _, err := timer.Check(); err != nil {
			d.log.Error("heartbeat timer check failed", "error", err)
		}
	})
}

// heartbeatTick only ever fires for play and log mode; record mode arms
// its own heartbeat inside Recorder instead (see Start).
func (d *Driver) heartbeatTick() {
	uptime := time.Since(d.startTime).Round(time.Second)
	switch d.cfg.Mode {
	case config.ModePlay:
		if d.player != nil {
			building, built, failed, pending := d.player.Stats()
			d.log.Info("heartbeat", "mode", d.cfg.Mode, "uptime", uptime,
				"circuits_building", building, "circuits_built", built,
				"circuits_failed", failed, "launches_pending", pending)
		}
	case config.ModeLog:
		if d.eventLog != nil {
			d.log.Info("heartbeat", "mode", d.cfg.Mode, "uptime", uptime,
				"messages_logged", d.eventLog.messagesLogged())
		}
	}
}

func (d *Driver) registerCleanup(delaySeconds int) {
	timer, err := oteventloop.NewTimer(d.cleanup)
	if err != nil {
		d.log.Error("unable to create cleanup timer", "error", err)
		return
	}
	delay := time.Duration(delaySeconds) * time.Second
	if err := timer.Arm(delay, 0); err != nil {
		d.log.Error("unable to arm cleanup timer", "error", err)
		timer.Close()
		return
	}
	d.cleanupTimer = timer
	d.manager.Register(timer.FD(), oteventloop.Read, func(oteventloop.Flags) {
		if _, err := timer.Check(); err != nil {
			d.log.Error("cleanup timer check failed", "error", err)
		}
	})
}

func (d *Driver) cleanup() {
	if d.cfg.Mode == config.ModeRecord && d.recorder != nil {
		d.recorder.Cleanup()
	}
}

func (d *Driver) registerShutdown(delaySeconds int) {
	timer, err := oteventloop.NewTimer(d.manager.Stop)
	if err != nil {
		d.log.Error("unable to create shutdown timer", "error", err)
		return
	}
	if err := timer.Arm(time.Duration(delaySeconds)*time.Second, 0); err != nil {
		d.log.Error("unable to arm shutdown timer", "error", err)
		timer.Close()
		return
	}
	d.shutdownTimer = timer
	d.manager.Register(timer.FD(), oteventloop.Read, func(oteventloop.Flags) {
		if _, err := timer.Check(); err != nil {
			d.log.Error("shutdown timer check failed", "error", err)
		}
	})
}

// expandHome replaces a leading "~" with $HOME, matching the one path
// expansion the configuration format promises.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding ~ in trace file path: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
