// Package recorder implements oniontrace's record mode: it watches a Tor
// control port for circuit and stream lifecycle events and, for every
// tracked circuit that has a recorded path, writes a single trace record
// when that circuit terminates. Whether the circuit reached BUILT or
// carried any stream is not checked.
package recorder

import (
	"fmt"
	"time"

	"github.com/opd-ai/oniontrace/pkg/errors"
	"github.com/opd-ai/oniontrace/pkg/logger"
	"github.com/opd-ai/oniontrace/pkg/metrics"
	"github.com/opd-ai/oniontrace/pkg/oteventloop"
	"github.com/opd-ai/oniontrace/pkg/torctl"
	"github.com/opd-ai/oniontrace/pkg/tracemodel"
)

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateAuthenticating
	stateBootstrapping
	stateRecording
)

// heartbeatInterval matches the 1-second cadence the original controller
// logs its circuit/stream progress at.
const heartbeatInterval = time.Second

// Recorder tracks the daemon's own circuit-building activity rather than
// driving it; it never issues EXTENDCIRCUIT.
type Recorder struct {
	manager *oteventloop.EventManager
	log     *logger.Logger
	writer  *tracemodel.Writer

	controlPort int
	state       state
	torctl      *torctl.TorCtl
	heartbeat   *oteventloop.Timer

	active  map[int]*tracemodel.Circuit
	metrics *metrics.Metrics

	circuitCountLastBeat int
	streamCountLastBeat  int
	circuitCountTotal    int
	streamCountTotal     int
}

// New constructs an idle Recorder. writer receives one line per tracked
// circuit that terminates with a recorded path.
func New(manager *oteventloop.EventManager, log *logger.Logger, controlPort int, writer *tracemodel.Writer) *Recorder {
	return &Recorder{
		manager:     manager,
		log:         log.Component("recorder"),
		writer:      writer,
		controlPort: controlPort,
		active:      make(map[int]*tracemodel.Circuit),
	}
}

// SetMetrics attaches m so circuit build outcomes are recorded as they
// happen. Optional: a Recorder with no metrics attached simply skips
// recording.
func (r *Recorder) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Start opens the control connection and begins the
// connect/authenticate/bootstrap handshake; recording begins once
// bootstrap completes.
func (r *Recorder) Start() error {
	if r.state != stateIdle {
		return fmt.Errorf("recorder: cannot start, not idle")
	}

	tc, err := torctl.New(r.manager, r.log, r.controlPort, r.onConnected)
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}

	r.torctl = tc
	r.state = stateConnecting
	return nil
}

// Stop tears down the control connection and persists any circuit still
// tracked that has a recorded path, so a shutdown doesn't silently drop
// in-flight circuits.
func (r *Recorder) Stop() error {
	if r.state == stateIdle {
		return fmt.Errorf("recorder: cannot stop, already idle")
	}

	if r.heartbeat != nil {
		r.manager.Deregister(r.heartbeat.FD())
		r.heartbeat.Close()
		r.heartbeat = nil
	}

	r.flushRemaining()

	if r.torctl != nil {
		r.torctl.Close()
		r.torctl = nil
	}

	r.state = stateIdle
	return nil
}

// Cleanup asks Tor for its current circuit table and replays every entry
// as a synthesized CLOSED event, so circuits this recorder tracked but
// never saw a live terminal event for still get persisted.
func (r *Recorder) Cleanup() {
	if r.torctl != nil {
		r.torctl.CommandGetAllCircuitStatusCleanup()
	}
}

func (r *Recorder) flushRemaining() {
	for id, c := range r.active {
		if c.HasPath() {
			if err := r.writer.WriteCircuit(c); err != nil {
				r.log.Error("failed to persist circuit on shutdown", "circuit_id", id, "error", err)
			}
		}
	}
	r.active = make(map[int]*tracemodel.Circuit)
}

func (r *Recorder) onConnected() {
	r.log.Info("connected to control port")
	r.state = stateAuthenticating
	r.torctl.CommandAuthenticate(r.onAuthenticated)
}

func (r *Recorder) onAuthenticated() {
	r.log.Info("authenticated")
	r.state = stateBootstrapping
	r.torctl.CommandGetBootstrapStatus(r.onBootstrapped)
}

func (r *Recorder) onBootstrapped() {
	r.log.Info("bootstrapped, recording")
	r.state = stateRecording

	r.torctl.SetCircuitStatusCallback(r.onCircuitStatus)
	r.torctl.SetStreamStatusCallback(r.onStreamStatus)

	// set callbacks before telling Tor to stop attaching streams for us.
	r.torctl.CommandEnableEvents("CIRC STREAM")
	r.torctl.CommandSetupTorConfig()
	r.torctl.CommandGetAllCircuitStatus()

	r.registerHeartbeat()
}

func (r *Recorder) registerHeartbeat() {
	timer, err := oteventloop.NewTimer(r.heartbeatTick)
	if err != nil {
		r.log.Error("unable to create heartbeat timer", "error", err)
		return
	}
	if err := timer.Arm(heartbeatInterval, heartbeatInterval); err != nil {
		r.log.Error("unable to arm heartbeat timer", "error", err)
		timer.Close()
		return
	}

	r.heartbeat = timer
	r.manager.Register(timer.FD(), oteventloop.Read, func(oteventloop.Flags) {
		if _, err := timer.Check(); err != nil {
			r.log.Error("heartbeat timer check failed", "error", err)
		}
	})
}

func (r *Recorder) heartbeatTick() {
	r.log.Info("heartbeat current", "circuits", r.circuitCountLastBeat, "streams", r.streamCountLastBeat)
	r.log.Info("heartbeat total", "circuits", r.circuitCountTotal, "streams", r.streamCountTotal)
	r.circuitCountLastBeat = 0
	r.streamCountLastBeat = 0
}

func (r *Recorder) onCircuitStatus(status torctl.CircuitStatus, circuitID int, path string) {
	switch status {
	case torctl.CircuitStatusLaunched, torctl.CircuitStatusExtended, torctl.CircuitStatusAssigned:
		c, exists := r.active[circuitID]
		if !exists {
			c = &tracemodel.Circuit{
				LaunchTime: time.Now(),
				CircuitID:  circuitID,
				Status:     tracemodel.StatusLaunched,
			}
			r.active[circuitID] = c
		}
		if path != "" {
			c.Path = path
		}

	case torctl.CircuitStatusBuilt:
		c, exists := r.active[circuitID]
		if !exists {
			c = &tracemodel.Circuit{LaunchTime: time.Now(), CircuitID: circuitID}
			r.active[circuitID] = c
		}
		if path != "" {
			c.Path = path
		}
		c.Status = tracemodel.StatusBuilt
		r.circuitCountTotal++
		r.circuitCountLastBeat++
		if r.metrics != nil {
			r.metrics.RecordCircuitBuild(true, time.Since(c.LaunchTime))
		}

	case torctl.CircuitStatusFailed, torctl.CircuitStatusClosed:
		c, exists := r.active[circuitID]
		if !exists {
			return
		}
		if status == torctl.CircuitStatusFailed && c.Status != tracemodel.StatusBuilt && r.metrics != nil {
			r.metrics.RecordCircuitBuild(false, time.Since(c.LaunchTime))
		}
		delete(r.active, circuitID)
		if c.HasPath() {
			if err := r.writer.WriteCircuit(c); err != nil {
				r.log.Error("failed to persist circuit", "circuit_id", circuitID, "error", err)
			}
		} else {
			r.log.Warn("dropping path-less circuit",
				"error", errors.SemanticError(fmt.Sprintf("circuit %d terminated with no recorded path", circuitID), nil))
		}
	}
}

func (r *Recorder) onStreamStatus(status torctl.StreamStatus, circuitID, streamID int, username string) {
	if status != torctl.StreamStatusSucceeded {
		return
	}

	c, tracked := r.active[circuitID]
	if !tracked {
		r.log.Warn("stream attached to untracked circuit, requesting close",
			"error", errors.SemanticError(fmt.Sprintf("stream %d reported on circuit %d this recorder never saw", streamID, circuitID), nil))
		r.torctl.CommandCloseCircuit(circuitID)
		return
	}

	c.StreamCount++
	r.streamCountTotal++
	r.streamCountLastBeat++

	if username == "" {
		return
	}
	if c.SessionID == "" {
		c.SessionID = username
	} else if c.SessionID != username {
		r.log.Error("stream presented a different username than the circuit's first, keeping the first",
			"circuit_id", circuitID, "first", c.SessionID, "new", username)
	}
}
