package player

import (
	"fmt"
	"time"

	"github.com/opd-ai/oniontrace/pkg/errors"
	"github.com/opd-ai/oniontrace/pkg/tracemodel"
)

// LaunchNextCircuit pops every launch whose preemptive-build time has
// arrived, enqueues a sentinel stream id for each so handle_session
// still drives EXTENDCIRCUIT even with no real stream waiting, drains
// whatever that makes runnable, and returns how long until the next
// scheduled launch. A driver re-arms its play timer with the returned
// duration; a zero duration means the schedule is exhausted.
func (p *Player) LaunchNextCircuit(now time.Time) time.Duration {
	for len(p.launchQueue) > 0 && !p.launchQueue[0].absTime.After(now) {
		li := p.launchQueue[0]
		p.launchQueue = p.launchQueue[1:]

		li.session.EnqueueStream(tracemodel.SentinelStreamID)
		p.pushBacklog(li.session)
	}

	p.drainBacklog()

	if len(p.launchQueue) == 0 {
		return 0
	}
	delay := p.launchQueue[0].absTime.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// pushBacklog enqueues s for handling if it isn't already pending.
func (p *Player) pushBacklog(s *tracemodel.Session) {
	if p.backlogQueued[s] {
		return
	}
	p.backlogQueued[s] = true
	p.backlog = append(p.backlog, s)
}

// drainBacklog processes backlogged sessions until either the backlog
// empties or a session's handling leaves a circuit awaiting id
// assignment. Stopping there (rather than snapshotting the backlog
// once) is what keeps the "only one circuit awaiting assignment"
// invariant: a session handled later in the same drain might otherwise
// issue a second EXTENDCIRCUIT before the first one's reply arrives.
func (p *Player) drainBacklog() {
	for p.awaitingAssignment == nil && len(p.backlog) > 0 {
		s := p.backlog[0]
		p.backlog = p.backlog[1:]
		delete(p.backlogQueued, s)
		p.handleSession(s)
	}
}

// handleSession advances a single session's current circuit.
func (p *Player) handleSession(s *tracemodel.Session) {
	old := s.Current()
	if s.Rotate(time.Now()) {
		if old != nil && old.CircuitID != 0 {
			delete(p.circuitOwner, old.CircuitID)
		}
	}

	cur := s.Current()
	if cur == nil {
		return
	}

	switch cur.Status {
	case tracemodel.StatusNone:
		p.launchCircuit(s, cur)

	case tracemodel.StatusLaunched, tracemodel.StatusAssigned:
		// circuit id not yet known, or known but not yet built;
		// nothing to do until the next event arrives

	case tracemodel.StatusBuilt:
		p.attachWaitingStreams(s, cur)
	}
}

func (p *Player) launchCircuit(s *tracemodel.Session, cur *tracemodel.Circuit) {
	if p.awaitingAssignment != nil {
		p.pushBacklog(s)
		return
	}

	path := cur.Path
	if cur.ExceededRetryBudget() {
		p.log.Warn("circuit failed repeatedly, falling back to a daemon-chosen path",
			"error", errors.SemanticError(fmt.Sprintf("session %q exceeded its retry budget after %d failures", s.ID, cur.FailureCount), nil))
		path = ""
	}
	p.torctl.CommandBuildNewCircuit(path)

	cur.Status = tracemodel.StatusLaunched
	p.circuitsBuilding++
	p.awaitingAssignment = s
	p.buildStarted[cur] = time.Now()
}

func (p *Player) attachWaitingStreams(s *tracemodel.Session, cur *tracemodel.Circuit) {
	for _, sid := range s.DrainStreams() {
		if sid == tracemodel.SentinelStreamID {
			continue
		}
		p.torctl.CommandAttachStreamToCircuit(sid, cur.CircuitID)
	}
}
