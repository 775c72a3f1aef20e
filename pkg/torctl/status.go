package torctl

import "strings"

// CircuitStatus mirrors the status tokens Tor reports for a circuit, either
// as the trailing word of a CIRC event or as one this package synthesizes
// while replaying a GETINFO circuit-status response.
type CircuitStatus int

const (
	CircuitStatusNone CircuitStatus = iota
	CircuitStatusLaunched
	CircuitStatusAssigned
	CircuitStatusExtended
	CircuitStatusBuilt
	CircuitStatusFailed
	CircuitStatusClosed
)

func (s CircuitStatus) String() string {
	switch s {
	case CircuitStatusLaunched:
		return "LAUNCHED"
	case CircuitStatusAssigned:
		return "ASSIGNED"
	case CircuitStatusExtended:
		return "EXTENDED"
	case CircuitStatusBuilt:
		return "BUILT"
	case CircuitStatusFailed:
		return "FAILED"
	case CircuitStatusClosed:
		return "CLOSED"
	default:
		return "NONE"
	}
}

// parseCircuitStatus matches on the first three characters, case
// insensitively, which is enough to disambiguate Tor's circuit status
// vocabulary and tolerates the few controllers that abbreviate it.
func parseCircuitStatus(s string) CircuitStatus {
	if len(s) < 3 {
		return CircuitStatusNone
	}
	switch strings.ToUpper(s[:3]) {
	case "LAU":
		return CircuitStatusLaunched
	case "EXT":
		return CircuitStatusExtended
	case "BUI":
		return CircuitStatusBuilt
	case "FAI":
		return CircuitStatusFailed
	case "CLO":
		return CircuitStatusClosed
	default:
		return CircuitStatusNone
	}
}

// StreamStatus mirrors the status tokens Tor reports for a stream in a
// STREAM event.
type StreamStatus int

const (
	StreamStatusNone StreamStatus = iota
	StreamStatusNew
	StreamStatusSucceeded
	StreamStatusDetached
	StreamStatusFailed
	StreamStatusClosed
)

func (s StreamStatus) String() string {
	switch s {
	case StreamStatusNew:
		return "NEW"
	case StreamStatusSucceeded:
		return "SUCCEEDED"
	case StreamStatusDetached:
		return "DETACHED"
	case StreamStatusFailed:
		return "FAILED"
	case StreamStatusClosed:
		return "CLOSED"
	default:
		return "NONE"
	}
}

func parseStreamStatus(s string) StreamStatus {
	if len(s) < 3 {
		return StreamStatusNone
	}
	switch strings.ToUpper(s[:3]) {
	case "NEW":
		return StreamStatusNew
	case "SUC":
		return StreamStatusSucceeded
	case "DET":
		return StreamStatusDetached
	case "FAI":
		return StreamStatusFailed
	case "CLO":
		return StreamStatusClosed
	default:
		return StreamStatusNone
	}
}

// state is the TorCtl connection's own lifecycle, distinct from the
// CircuitStatus/StreamStatus values it reports about Tor's circuits and
// streams.
type state int

const (
	stateNone state = iota
	stateAuthenticate
	stateBootstrap
	stateProcessing
)
