package tracemodel

import "time"

// SentinelStreamID marks a preemptive circuit build with no stream to
// attach: the launch queue enqueues it so handle_session still drives
// the circuit through EXTENDCIRCUIT, but it is consumed without an
// ATTACHSTREAM when the circuit comes up.
const SentinelStreamID = -1

// Session is a logical group of circuits sharing a session id (the
// USERNAME field on STREAM events). It owns an insertion-order-by-
// launch-time sequence of Circuits (future + current) and an ordered
// queue of stream ids waiting to be attached to the current circuit.
type Session struct {
	ID               string
	Circuits         []*Circuit // sorted by LaunchTime, head is current
	WaitingStreamIDs []int
}

// NewSession creates an empty session.
func NewSession(id string) *Session {
	return &Session{ID: id}
}

// Current returns the session's current circuit (the head of the sorted
// sequence), or nil if the session owns no circuits.
func (s *Session) Current() *Circuit {
	if len(s.Circuits) == 0 {
		return nil
	}
	return s.Circuits[0]
}

// AddCircuit inserts a circuit keeping Circuits sorted by LaunchTime.
func (s *Session) AddCircuit(c *Circuit) {
	idx := 0
	for idx < len(s.Circuits) && !s.Circuits[idx].LaunchTime.After(c.LaunchTime) {
		idx++
	}
	s.Circuits = append(s.Circuits, nil)
	copy(s.Circuits[idx+1:], s.Circuits[idx:])
	s.Circuits[idx] = c
}

// Rotate advances the head of Circuits to the next entry if the next
// one's launch time has arrived, dropping the old current whatever its
// status. Returns true if a rotation occurred.
func (s *Session) Rotate(now time.Time) bool {
	if len(s.Circuits) < 2 {
		return false
	}
	next := s.Circuits[1]
	if next.LaunchTime.After(now) {
		return false
	}
	s.Circuits = s.Circuits[1:]
	return true
}

// EnqueueStream appends a stream id (or SentinelStreamID) to the
// session's waiting queue.
func (s *Session) EnqueueStream(sid int) {
	s.WaitingStreamIDs = append(s.WaitingStreamIDs, sid)
}

// DrainStreams removes and returns every waiting stream id, in the FIFO
// order they arrived.
func (s *Session) DrainStreams() []int {
	sids := s.WaitingStreamIDs
	s.WaitingStreamIDs = nil
	return sids
}
