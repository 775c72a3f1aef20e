// Package torctl implements a Tor control protocol client: a non-blocking
// connection to a running Tor process's control port, driven by an
// oteventloop.EventManager, that authenticates, waits for bootstrap, and
// then issues circuit/stream commands and reports the CIRC/STREAM events
// Tor pushes back.
package torctl

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/opd-ai/oniontrace/pkg/errors"
	"github.com/opd-ai/oniontrace/pkg/logger"
	"github.com/opd-ai/oniontrace/pkg/oteventloop"
)

// authPassword is the password this controller authenticates with. Tor's
// control port must be configured with a matching HashedControlPassword,
// or with CookieAuthentication and a NULL/SAFECOOKIE method instead, in
// which case authentication fails, the failure is logged, and the
// connection never leaves the authenticate state.
const authPassword = "password"

// OnCircuitStatus is called for every circuit lifecycle event this
// connection observes or synthesizes, path is empty unless status is
// Extended, Built, or Closed.
type OnCircuitStatus func(status CircuitStatus, circuitID int, path string)

// OnStreamStatus is called for every stream lifecycle event. username is
// only ever non-empty for Tor builds with stream isolation accounting
// enabled.
type OnStreamStatus func(status StreamStatus, circuitID, streamID int, username string)

// OnLineReceived is called with every raw control line once the
// connection reaches the processing state, regardless of whether this
// package itself parses it. The logger mode uses this to mirror Tor's
// own event stream verbatim.
type OnLineReceived func(line string)

// TorCtl is a single non-blocking connection to a Tor control port.
type TorCtl struct {
	manager *oteventloop.EventManager
	log     *logger.Logger
	id      string

	fd    int
	state state

	commands [][]byte
	recvBuf  []byte // bytes received but not yet forming a complete CRLF line

	isStatusEventSet bool

	waitingGetDescriptorsResponse bool
	currentlyReceivingDescriptors bool
	descriptorLines               []string

	circuitStatusCleanup              bool
	waitingCircuitStatusResponse      bool
	currentlyReceivingCircuitStatuses bool
	circuitStatusLines                []string

	onConnected           func()
	onAuthenticated       func()
	onBootstrapped        func()
	onDescriptorsReceived func([]string)
	onCircuitStatus       OnCircuitStatus
	onStreamStatus        OnStreamStatus
	onLineReceived        OnLineReceived
}

// New opens a non-blocking TCP connection to 127.0.0.1:controlPort and
// registers it with manager for write readiness; onConnected fires once
// the connection completes (TCP connect, not Tor authentication).
func New(manager *oteventloop.EventManager, log *logger.Logger, controlPort int, onConnected func()) (*TorCtl, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	addr := unix.SockaddrInet4{Port: controlPort}
	addr.Addr[0] = 127
	addr.Addr[3] = 1

	if err := unix.Connect(fd, &addr); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("connect: %w", err)
	}

	t := &TorCtl{
		manager:     manager,
		log:         log.Component("torctl"),
		id:          fmt.Sprintf("torctl-%d", fd),
		fd:          fd,
		onConnected: onConnected,
	}

	if !manager.Register(fd, oteventloop.Write, t.handleConnected) {
		unix.Close(fd)
		return nil, fmt.Errorf("registering control socket with event manager")
	}

	return t, nil
}

func (t *TorCtl) handleConnected(observed oteventloop.Flags) {
	t.manager.Deregister(t.fd)
	if t.onConnected != nil {
		t.onConnected()
	}
}

// Close deregisters and closes the underlying socket. Any commands still
// queued are discarded.
func (t *TorCtl) Close() error {
	t.manager.Deregister(t.fd)
	return unix.Close(t.fd)
}

// SetCircuitStatusCallback registers the callback invoked for circuit
// lifecycle events, both live CIRC events and those synthesized from a
// GETINFO circuit-status reply.
func (t *TorCtl) SetCircuitStatusCallback(cb OnCircuitStatus) { t.onCircuitStatus = cb }

// SetStreamStatusCallback registers the callback invoked for STREAM
// events.
func (t *TorCtl) SetStreamStatusCallback(cb OnStreamStatus) { t.onStreamStatus = cb }

// SetLineReceivedCallback registers the callback invoked with every raw
// control line once the connection is in its processing state.
func (t *TorCtl) SetLineReceivedCallback(cb OnLineReceived) { t.onLineReceived = cb }

func (t *TorCtl) command(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	t.commands = append(t.commands, []byte(line+"\r\n"))
	t.log.Debug("queued command", "command", strings.TrimSpace(line))
	t.flushCommands(0)
}

// CommandAuthenticate sends AUTHENTICATE and arranges for onAuthenticated
// to run once Tor accepts it.
func (t *TorCtl) CommandAuthenticate(onAuthenticated func()) {
	t.onAuthenticated = onAuthenticated
	t.state = stateAuthenticate
	t.command("AUTHENTICATE %q", authPassword)
}

// CommandGetBootstrapStatus starts polling bootstrap progress, calling
// onBootstrapped once it reaches 100.
func (t *TorCtl) CommandGetBootstrapStatus(onBootstrapped func()) {
	t.onBootstrapped = onBootstrapped
	t.state = stateBootstrap
	t.command("GETINFO status/bootstrap-phase")
}

func (t *TorCtl) commandWatchBootstrapStatus() {
	t.command("SETEVENTS EXTENDED STATUS_CLIENT")
}

// CommandSetupTorConfig disables Tor's own predictive circuit building
// and stream attachment, and requests a fresh set of guards, so this
// controller owns every circuit's lifecycle.
func (t *TorCtl) CommandSetupTorConfig() {
	t.command("SETCONF __LeaveStreamsUnattached=1 __DisablePredictedCircuits=1 MaxCircuitDirtiness=1200 CircuitStreamTimeout=1200")
	t.command("SIGNAL NEWNYM")
}

// CommandEnableEvents subscribes to the given space-delimited event
// names (e.g. "CIRC STREAM BW").
func (t *TorCtl) CommandEnableEvents(spaceDelimitedEvents string) {
	t.command("SETEVENTS %s", spaceDelimitedEvents)
}

// CommandDisableEvents unsubscribes from all events.
func (t *TorCtl) CommandDisableEvents() {
	t.command("SETEVENTS")
}

// CommandGetDescriptorInfo requests the full network status consensus;
// onDescriptorsReceived fires once with every accumulated line when the
// reply's dotted data block closes.
func (t *TorCtl) CommandGetDescriptorInfo(onDescriptorsReceived func([]string)) {
	t.onDescriptorsReceived = onDescriptorsReceived
	t.waitingGetDescriptorsResponse = true
	t.command("GETINFO ns/all")
}

// CommandBuildNewCircuit issues EXTENDCIRCUIT for a new circuit. An empty
// path lets Tor choose the path itself; a non-empty path is a
// comma-separated list of relay fingerprints/nicknames.
func (t *TorCtl) CommandBuildNewCircuit(path string) {
	if path != "" {
		t.command("EXTENDCIRCUIT 0 %s", path)
	} else {
		t.command("EXTENDCIRCUIT 0")
	}
}

// CommandAttachStreamToCircuit issues ATTACHSTREAM.
func (t *TorCtl) CommandAttachStreamToCircuit(streamID, circuitID int) {
	t.command("ATTACHSTREAM %d %d", streamID, circuitID)
}

// CommandCloseCircuit issues CLOSECIRCUIT.
func (t *TorCtl) CommandCloseCircuit(circuitID int) {
	t.command("CLOSECIRCUIT %d", circuitID)
}

// CommandCloseStream issues CLOSESTREAM with a generic reason; oniontrace
// never needs a stream closed for any reason Tor would act on
// differently.
func (t *TorCtl) CommandCloseStream(streamID int) {
	t.command("CLOSESTREAM %d REASON_MISC", streamID)
}

// CommandGetAllCircuitStatus requests Tor's live circuit-status table and
// replays each entry as a synthesized ASSIGNED+BUILT pair.
func (t *TorCtl) CommandGetAllCircuitStatus() {
	t.waitingCircuitStatusResponse = true
	t.command("GETINFO circuit-status")
}

// CommandGetAllCircuitStatusCleanup is CommandGetAllCircuitStatus with
// every entry replayed as a single CLOSED event instead, so a recorder
// persists and releases the circuits Tor still reports as open.
func (t *TorCtl) CommandGetAllCircuitStatusCleanup() {
	t.circuitStatusCleanup = true
	t.CommandGetAllCircuitStatus()
}

// flushCommands drains the outbound queue, requeuing the remainder of a
// command on a partial write, and registers the descriptor for whichever
// readiness it needs next. A write error other than EAGAIN/EWOULDBLOCK is
// fatal: the descriptor stays deregistered rather than being retried.
func (t *TorCtl) flushCommands(observed oteventloop.Flags) {
	t.manager.Deregister(t.fd)

	for len(t.commands) > 0 {
		cmd := t.commands[0]
		n, err := unix.Write(t.fd, cmd)
		if n > 0 {
			t.log.Debug("sent", "bytes", n)
		}
		if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			t.log.Error("write failed, deregistering control socket",
				"error", errors.NetworkError("control socket write failed", err))
			return
		}

		if n == len(cmd) {
			t.commands = t.commands[1:]
			continue
		}
		if n > 0 {
			t.commands[0] = cmd[n:]
		}
		break
	}

	var ok bool
	if len(t.commands) == 0 {
		ok = t.manager.Register(t.fd, oteventloop.Read, t.receiveLines)
	} else {
		ok = t.manager.Register(t.fd, oteventloop.Write, t.flushCommands)
	}
	if !ok {
		t.log.Error("unable to re-register control socket")
	}
}

// receiveLines reads as much as is available and splits it into complete
// CRLF-terminated lines, carrying any trailing partial line in recvBuf
// across calls.
func (t *TorCtl) receiveLines(observed oteventloop.Flags) {
	buf := make([]byte, 10240)
	for {
		n, err := unix.Read(t.fd, buf)
		if n <= 0 {
			if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				t.log.Debug("read ended", "error", err)
			}
			return
		}

		t.recvBuf = append(t.recvBuf, buf[:n]...)
		for {
			idx := indexCRLF(t.recvBuf)
			if idx < 0 {
				break
			}
			line := string(t.recvBuf[:idx])
			t.recvBuf = t.recvBuf[idx+2:]
			t.log.Debug("received", "line", line)
			t.processLine(line)
		}
	}
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}
