package torctl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/oniontrace/pkg/errors"
)

// parseReplyCode extracts the leading numeric code from a control line,
// which is followed by a space, a dash (more data coming), or a plus
// (a multi-line data block follows).
func parseReplyCode(line string) int {
	fields := strings.SplitN(line, " ", 2)
	if len(fields) == 0 {
		return 0
	}
	head := fields[0]
	for i, r := range head {
		if r == '-' || r == '+' {
			head = head[:i]
			break
		}
	}
	code, _ := strconv.Atoi(head)
	return code
}

// parseBootstrapProgress returns the PROGRESS value of a BOOTSTRAP status
// event, or -1 if the line carries no bootstrap progress.
func parseBootstrapProgress(line string) int {
	if !strings.Contains(strings.ToUpper(line), "BOOTSTRAP") {
		return -1
	}
	foundBootstrap := false
	for _, part := range strings.Fields(line) {
		kv := strings.SplitN(part, "=", 2)
		switch {
		case strings.EqualFold(kv[0], "BOOTSTRAP"):
			foundBootstrap = true
		case foundBootstrap && strings.EqualFold(kv[0], "PROGRESS") && len(kv) == 2:
			if v, err := strconv.Atoi(kv[1]); err == nil {
				return v
			}
		}
	}
	return -1
}

func scanSourcePort(fields []string) int {
	for _, f := range fields {
		if !strings.HasPrefix(strings.ToUpper(f), "SOURCE_ADDR=") {
			continue
		}
		addr := f[len("SOURCE_ADDR="):]
		idx := strings.LastIndex(addr, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(addr[idx+1:])
		if err == nil {
			return port
		}
	}
	return 0
}

func scanUsername(fields []string) string {
	for _, f := range fields {
		if strings.HasPrefix(strings.ToUpper(f), "USERNAME=") {
			return f[len("USERNAME="):]
		}
	}
	return ""
}

// processLine routes a complete, CRLF-stripped control line according to
// the connection's current lifecycle state.
func (t *TorCtl) processLine(line string) {
	switch t.state {
	case stateAuthenticate:
		if parseReplyCode(line) == 250 {
			t.log.Info("authenticated", "reply", line)
			if t.onAuthenticated != nil {
				t.onAuthenticated()
			}
		} else {
			t.log.Error("authentication failed",
				"error", errors.ProtocolError(fmt.Sprintf("unexpected reply during AUTHENTICATE: %q", line), nil))
		}

	case stateBootstrap:
		progress := parseBootstrapProgress(line)
		if progress < 0 {
			return
		}
		if progress >= 100 {
			t.log.Info("bootstrap complete")
			t.isStatusEventSet = false
			t.state = stateProcessing
			if t.onBootstrapped != nil {
				t.onBootstrapped()
			}
			return
		}
		t.log.Debug("bootstrap in progress", "percent", progress)
		if !t.isStatusEventSet {
			t.commandWatchBootstrapStatus()
			t.isStatusEventSet = true
		}

	case stateProcessing:
		if t.onLineReceived != nil {
			t.onLineReceived(line)
		}
		if t.onDescriptorsReceived != nil || t.onCircuitStatus != nil || t.onStreamStatus != nil {
			t.processLineHelper(line)
		}
	}
}

// processLineHelper parses the asynchronous events and multi-line data
// replies a processing-state connection cares about: circuit and stream
// status changes, consensus descriptors, and circuit-status query results.
func (t *TorCtl) processLineHelper(line string) {
	if t.currentlyReceivingDescriptors {
		t.processDescriptorLine(line)
		return
	}
	if t.currentlyReceivingCircuitStatuses {
		t.processCircuitStatusLine(line)
		return
	}

	code := parseReplyCode(line)

	switch code {
	case 250:
		switch {
		case t.waitingGetDescriptorsResponse && strings.HasPrefix(line, "250+ns/all="):
			t.processDescriptorLine(line)
		case t.waitingCircuitStatusResponse && strings.HasPrefix(line, "250+circuit-status="):
			t.processCircuitStatusLine(line)
		case strings.HasPrefix(line, "250 EXTENDED "):
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				circuitID, _ := strconv.Atoi(fields[2])
				if t.onCircuitStatus != nil {
					t.onCircuitStatus(CircuitStatusAssigned, circuitID, "")
				}
			}
		}

	case 650:
		if strings.Contains(line, ".exit") {
			t.log.Debug("ignoring tor-internal response", "line", line)
			return
		}

		switch {
		case strings.HasPrefix(line, "650 CIRC "):
			t.processCircuitEvent(line)
		case strings.HasPrefix(line, "650 STREAM "):
			t.processStreamEvent(line)
		}

	default:
		t.log.Debug("ignoring reply", "code", code)
	}
}

func (t *TorCtl) processCircuitEvent(line string) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return
	}
	circuitID, _ := strconv.Atoi(fields[2])
	status := parseCircuitStatus(fields[3])

	var path string
	if status == CircuitStatusExtended || status == CircuitStatusBuilt || status == CircuitStatusClosed {
		if len(fields) > 4 {
			path = fields[4]
		}
	}

	if t.onCircuitStatus != nil {
		t.onCircuitStatus(status, circuitID, path)
	}
}

func (t *TorCtl) processStreamEvent(line string) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return
	}
	streamID, _ := strconv.Atoi(fields[2])
	status := parseStreamStatus(fields[3])
	circuitID, _ := strconv.Atoi(fields[4])
	username := scanUsername(fields[5:])

	if t.onStreamStatus != nil {
		t.onStreamStatus(status, circuitID, streamID, username)
	}
}

// processDescriptorLine accumulates the body of a "GETINFO ns/all" reply
// between its "250+ns/all=" header and terminating "250 OK", delivering
// the accumulated lines once the block closes.
func (t *TorCtl) processDescriptorLine(line string) {
	if t.descriptorLines == nil && strings.HasPrefix(line, "250+ns/all=") {
		t.log.Info("descriptor response starting")
		t.descriptorLines = []string{}
	}
	if t.descriptorLines == nil {
		return
	}

	switch {
	case strings.HasPrefix(line, "250+ns/all="):
		t.currentlyReceivingDescriptors = true
		t.waitingGetDescriptorsResponse = false
	case strings.HasPrefix(line, "."):
		// footer of the dotted data block, nothing to accumulate
	case strings.HasPrefix(line, "250 OK"):
		t.currentlyReceivingDescriptors = false
		if t.onDescriptorsReceived != nil {
			t.onDescriptorsReceived(t.descriptorLines)
		}
		t.descriptorLines = nil
	default:
		t.descriptorLines = append(t.descriptorLines, line)
	}
}

// processCircuitStatusLine accumulates a "GETINFO circuit-status" reply
// the same way processDescriptorLine does for ns/all, then replays each
// line as synthesized CircuitStatus callbacks once the block closes. In
// circuitStatusCleanup mode each line is replayed as a single CLOSED
// event instead of an ASSIGNED/BUILT pair, letting a recorder persist and
// release circuits that are still open at shutdown.
func (t *TorCtl) processCircuitStatusLine(line string) {
	if t.circuitStatusLines == nil && strings.HasPrefix(line, "250+circuit-status=") {
		t.log.Info("circuit-status response starting")
		t.circuitStatusLines = []string{}
	}
	if t.circuitStatusLines == nil {
		return
	}

	switch {
	case strings.HasPrefix(line, "250+circuit-status="):
		t.currentlyReceivingCircuitStatuses = true
		t.waitingCircuitStatusResponse = false
	case strings.HasPrefix(line, "."):
	case strings.HasPrefix(line, "250 OK"):
		t.currentlyReceivingCircuitStatuses = false
		t.replayCircuitStatusLines()
		t.circuitStatusLines = nil
	default:
		t.circuitStatusLines = append(t.circuitStatusLines, line)
	}
}

func (t *TorCtl) replayCircuitStatusLines() {
	if t.onCircuitStatus == nil {
		return
	}
	for _, line := range t.circuitStatusLines {
		fields := strings.Fields(line)
		var circuitID int
		var path string
		if len(fields) > 0 {
			circuitID, _ = strconv.Atoi(fields[0])
		}
		if len(fields) > 2 {
			path = fields[2]
		}

		if t.circuitStatusCleanup {
			t.onCircuitStatus(CircuitStatusClosed, circuitID, path)
		} else {
			t.onCircuitStatus(CircuitStatusAssigned, circuitID, "")
			t.onCircuitStatus(CircuitStatusBuilt, circuitID, path)
		}
	}
}
