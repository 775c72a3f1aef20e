// Package player implements oniontrace's play mode: it replays a
// previously recorded trace against a live Tor control port, launching
// circuits on the schedule the trace describes and attaching streams
// Tor reports to whichever circuit their session currently owns.
package player

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
	statePlaying
)

// preemptiveBuildLead is how long before a circuit's recorded launch
// time the player starts building it, so it has a chance to be ready
// by the time a stream actually needs it.
const preemptiveBuildLead = 10 * time.Second

// Player drives circuit construction from a trace; unlike a recorder it
// owns every circuit it builds and is the only caller of EXTENDCIRCUIT.
type Player struct {
	manager     *oteventloop.EventManager
	log         *logger.Logger
	torctl      *torctl.TorCtl
	controlPort int
	state       state

	// sessions indexes every session this player knows about, both
	// ones seeded from the trace and ones synthesized on stream
	// arrival for usernames the trace never mentioned.
	sessions map[string]*tracemodel.Session

	// circuitOwner indexes sessions by the circuit id Tor assigned
	// their current circuit; it exists only once a circuit has been
	// assigned an id and is removed on FAILED/CLOSED.
	circuitOwner map[int]*tracemodel.Session

	launchQueue []*launchInfo

	backlog       []*tracemodel.Session
	backlogQueued map[*tracemodel.Session]bool

	// awaitingAssignment is the one session, if any, with an
	// EXTENDCIRCUIT outstanding. Tor's control protocol returns the
	// new circuit id as a positional reply with no correlation id, so
	// at most one circuit may be in flight at a time.
	awaitingAssignment *tracemodel.Session

	// buildStarted records when EXTENDCIRCUIT was issued for a circuit
	// still awaiting a BUILT/FAILED/CLOSED notification, so build
	// duration can be recorded once it arrives.
	buildStarted map[*tracemodel.Circuit]time.Time

	metrics *metrics.Metrics

	circuitsBuilding int
	circuitsBuilt    int
	circuitsFailed   int
}

type launchInfo struct {
	absTime time.Time
	session *tracemodel.Session
	circuit *tracemodel.Circuit
}

// New builds a player from a parsed trace. Circuits missing a session
// id or a path are not playable and are discarded.
func New(manager *oteventloop.EventManager, log *logger.Logger, controlPort int, circuits []*tracemodel.Circuit) *Player {
	p := &Player{
		manager:       manager,
		log:           log.Component("player"),
		controlPort:   controlPort,
		sessions:      make(map[string]*tracemodel.Session),
		circuitOwner:  make(map[int]*tracemodel.Session),
		backlogQueued: make(map[*tracemodel.Session]bool),
		buildStarted:  make(map[*tracemodel.Circuit]time.Time),
	}

	for _, c := range circuits {
		if c.SessionID == "" || c.Path == "" {
			continue
		}
		s, exists := p.sessions[c.SessionID]
		if !exists {
			s = tracemodel.NewSession(c.SessionID)
			p.sessions[c.SessionID] = s
		}
		s.AddCircuit(c)
		p.launchQueue = append(p.launchQueue, &launchInfo{
			absTime: c.LaunchTime.Add(-preemptiveBuildLead),
			session: s,
			circuit: c,
		})
	}
	sortLaunchQueue(p.launchQueue)

	return p
}

// SetMetrics attaches m so circuit build outcomes are recorded as they
// happen. Optional: a Player with no metrics attached simply skips
// recording.
func (p *Player) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

func sortLaunchQueue(q []*launchInfo) {
	for i := 1; i < len(q); i++ {
		for j := i; j > 0 && q[j].absTime.Before(q[j-1].absTime); j-- {
			q[j], q[j-1] = q[j-1], q[j]
		}
	}
}

// Start opens the control connection and begins the handshake; circuit
// playback begins once bootstrap completes and Tor's predictive
// circuit building has been disabled.
func (p *Player) Start() error {
	if p.state != stateIdle {
		return fmt.Errorf("player: cannot start, not idle")
	}

	tc, err := torctl.New(p.manager, p.log, p.controlPort, p.onConnected)
	if err != nil {
		return fmt.Errorf("player: %w", err)
	}

	p.torctl = tc
	p.state = stateConnecting
	return nil
}

// Stop tears down the control connection. Circuits still in flight are
// simply abandoned; a trace replay has no persistence obligation the
// way recording does.
func (p *Player) Stop() error {
	if p.state == stateIdle {
		return fmt.Errorf("player: cannot stop, already idle")
	}
	if p.torctl != nil {
		p.torctl.Close()
		p.torctl = nil
	}
	p.state = stateIdle
	return nil
}

func (p *Player) onConnected() {
	p.log.Info("connected to control port")
	p.state = stateAuthenticating
	p.torctl.CommandAuthenticate(p.onAuthenticated)
}

func (p *Player) onAuthenticated() {
	p.log.Info("authenticated")
	p.state = stateBootstrapping
	p.torctl.CommandGetBootstrapStatus(p.onBootstrapped)
}

func (p *Player) onBootstrapped() {
	p.log.Info("bootstrapped, playing")
	p.state = statePlaying

	p.torctl.SetCircuitStatusCallback(p.onCircuitStatus)
	p.torctl.SetStreamStatusCallback(p.onStreamStatus)

	p.torctl.CommandSetupTorConfig()
	p.torctl.CommandEnableEvents("CIRC STREAM")
}

// Stats reports a snapshot of this player's progress, for heartbeat
// logging.
func (p *Player) Stats() (building, built, failed, pendingLaunches int) {
	return p.circuitsBuilding, p.circuitsBuilt, p.circuitsFailed, len(p.launchQueue)
}

func (p *Player) onCircuitStatus(status torctl.CircuitStatus, circuitID int, path string) {
	switch status {
	case torctl.CircuitStatusAssigned:
		p.handleAssigned(circuitID)

	case torctl.CircuitStatusBuilt:
		p.handleBuilt(circuitID, path)

	case torctl.CircuitStatusFailed, torctl.CircuitStatusClosed:
		p.handleFailedOrClosed(status, circuitID)
	}
}

func (p *Player) handleAssigned(circuitID int) {
	if p.awaitingAssignment == nil {
		p.log.Warn("ignoring circuit assignment, nothing awaiting one",
			"error", errors.SemanticError(fmt.Sprintf("circuit %d assigned with no session awaiting one", circuitID), nil))
		return
	}
	s := p.awaitingAssignment
	p.awaitingAssignment = nil

	cur := s.Current()
	if cur == nil {
		return
	}
	cur.CircuitID = circuitID
	cur.Status = tracemodel.StatusAssigned
	p.circuitOwner[circuitID] = s

	p.drainBacklog()
}

func (p *Player) handleBuilt(circuitID int, path string) {
	s, tracked := p.circuitOwner[circuitID]
	if !tracked {
		return
	}
	cur := s.Current()
	if cur == nil || cur.CircuitID != circuitID {
		return
	}

	cur.Status = tracemodel.StatusBuilt
	if path != "" {
		cur.Path = path
	}
	p.circuitsBuilding--
	p.circuitsBuilt++
	p.recordBuildOutcome(cur, true)

	p.handleSession(s)
}

// recordBuildOutcome reports a circuit's build result to metrics, if
// attached, using the wall-clock time since launchCircuit issued its
// EXTENDCIRCUIT.
func (p *Player) recordBuildOutcome(cur *tracemodel.Circuit, success bool) {
	started, ok := p.buildStarted[cur]
	if !ok {
		return
	}
	delete(p.buildStarted, cur)
	if p.metrics != nil {
		p.metrics.RecordCircuitBuild(success, time.Since(started))
	}
}

func (p *Player) handleFailedOrClosed(status torctl.CircuitStatus, circuitID int) {
	s, tracked := p.circuitOwner[circuitID]
	if !tracked {
		return
	}
	delete(p.circuitOwner, circuitID)

	cur := s.Current()
	if cur == nil || cur.CircuitID != circuitID {
		return
	}

	if status == torctl.CircuitStatusFailed {
		cur.IncrementFailure()
		p.circuitsFailed++
		p.recordBuildOutcome(cur, false)
	} else {
		delete(p.buildStarted, cur)
	}
	cur.Reset()

	if len(s.WaitingStreamIDs) > 0 {
		p.pushBacklog(s)
		p.drainBacklog()
	}
}

func (p *Player) onStreamStatus(status torctl.StreamStatus, circuitID, streamID int, username string) {
	if status != torctl.StreamStatusNew && status != torctl.StreamStatusDetached {
		return
	}

	if username == "" {
		p.torctl.CommandAttachStreamToCircuit(streamID, 0)
		return
	}

	s, exists := p.sessions[username]
	if !exists {
		p.log.Warn("stream arrived for a session the trace never mentioned, synthesizing one",
			"error", errors.SemanticError(fmt.Sprintf("unknown session %q", username), nil))
		s = tracemodel.NewSession(username)
		s.AddCircuit(&tracemodel.Circuit{LaunchTime: time.Now(), SessionID: username})
		p.sessions[username] = s
	}

	s.EnqueueStream(streamID)
	p.pushBacklog(s)
	p.drainBacklog()
}
