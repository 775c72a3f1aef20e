package player

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/oniontrace/pkg/logger"
	"github.com/opd-ai/oniontrace/pkg/oteventloop"
	"github.com/opd-ai/oniontrace/pkg/tracemodel"
)

type mockDaemon struct {
	t    *testing.T
	ln   net.Listener
	conn net.Conn
	r    *bufio.Reader
}

func newMockDaemon(t *testing.T) *mockDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &mockDaemon{t: t, ln: ln}
}

func (d *mockDaemon) port() int { return d.ln.Addr().(*net.TCPAddr).Port }

func (d *mockDaemon) accept() {
	d.t.Helper()
	conn, err := d.ln.Accept()
	if err != nil {
		d.t.Fatalf("accept: %v", err)
	}
	d.conn = conn
	d.r = bufio.NewReader(conn)
}

func (d *mockDaemon) readCommand() string {
	d.t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := d.r.ReadString('\n')
	if err != nil {
		d.t.Fatalf("readCommand: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (d *mockDaemon) send(lines ...string) {
	d.t.Helper()
	for _, line := range lines {
		if _, err := d.conn.Write([]byte(line + "\r\n")); err != nil {
			d.t.Fatalf("send: %v", err)
		}
	}
}

func (d *mockDaemon) close() {
	if d.conn != nil {
		d.conn.Close()
	}
	d.ln.Close()
}

func driveHandshake(t *testing.T, d *mockDaemon) {
	t.Helper()
	d.accept()

	if cmd := d.readCommand(); !strings.HasPrefix(cmd, "AUTHENTICATE") {
		t.Fatalf("expected AUTHENTICATE, got %q", cmd)
	}
	d.send("250 OK")

	if cmd := d.readCommand(); cmd != "GETINFO status/bootstrap-phase" {
		t.Fatalf("expected bootstrap-phase query, got %q", cmd)
	}
	d.send(`250-status/bootstrap-phase=NOTICE BOOTSTRAP PROGRESS=100 TAG=done SUMMARY="x"`)

	if cmd := d.readCommand(); !strings.HasPrefix(cmd, "SETCONF") {
		t.Fatalf("expected SETCONF, got %q", cmd)
	}
	if cmd := d.readCommand(); cmd != "SIGNAL NEWNYM" {
		t.Fatalf("expected SIGNAL NEWNYM, got %q", cmd)
	}
	if cmd := d.readCommand(); cmd != "SETEVENTS CIRC STREAM" {
		t.Fatalf("expected SETEVENTS CIRC STREAM, got %q", cmd)
	}
}

func newTestPlayer(t *testing.T, circuits []*tracemodel.Circuit) (*Player, *mockDaemon) {
	t.Helper()
	daemon := newMockDaemon(t)
	t.Cleanup(daemon.close)

	em, err := oteventloop.New(nil)
	if err != nil {
		t.Fatalf("oteventloop.New: %v", err)
	}
	t.Cleanup(func() { em.Close() })

	log := logger.New(slog.LevelDebug, io.Discard)
	p := New(em, log, daemon.port(), circuits)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go em.Run()
	t.Cleanup(em.Stop)

	driveHandshake(t, daemon)

	deadline := time.After(2 * time.Second)
	for p.state != statePlaying {
		select {
		case <-deadline:
			t.Fatal("player never reached playing state")
		case <-time.After(5 * time.Millisecond):
		}
	}

	return p, daemon
}

func waitForCommand(t *testing.T, daemon *mockDaemon, want string) {
	t.Helper()
	if cmd := daemon.readCommand(); cmd != want {
		t.Fatalf("command = %q, want %q", cmd, want)
	}
}

func TestPlayerDiscardsCircuitsMissingSessionOrPath(t *testing.T) {
	now := time.Now()
	circuits := []*tracemodel.Circuit{
		{LaunchTime: now, SessionID: "", Path: "$A,$B"},
		{LaunchTime: now, SessionID: "alice", Path: ""},
		{LaunchTime: now, SessionID: "alice", Path: "$A,$B"},
	}
	p, daemon := newTestPlayer(t, circuits)
	defer daemon.close()

	if len(p.launchQueue) != 1 {
		t.Fatalf("launchQueue length = %d, want 1", len(p.launchQueue))
	}
}

func TestPlayerLaunchesDueCircuitAndAttachesStream(t *testing.T) {
	now := time.Now()
	circuits := []*tracemodel.Circuit{
		{LaunchTime: now, SessionID: "alice", Path: "$AAAA,$BBBB"},
	}
	p, daemon := newTestPlayer(t, circuits)
	defer daemon.close()

	delay := p.LaunchNextCircuit(now)
	if delay != 0 {
		t.Errorf("delay = %v, want 0 (queue drained)", delay)
	}

	waitForCommand(t, daemon, "EXTENDCIRCUIT 0 $AAAA,$BBBB")
	if p.awaitingAssignment == nil {
		t.Fatal("expected a session awaiting circuit assignment")
	}

	daemon.send("250 EXTENDED 5")
	deadline := time.After(2 * time.Second)
	for p.awaitingAssignment != nil {
		select {
		case <-deadline:
			t.Fatal("circuit assignment never processed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	daemon.send("650 CIRC 5 BUILT $AAAA~guard,$BBBB~exit")
	deadline = time.After(2 * time.Second)
	for {
		if _, built, _, _ := p.Stats(); built == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("circuit never marked built")
		case <-time.After(5 * time.Millisecond):
		}
	}

	daemon.send("650 STREAM 11 NEW 0 11.0.0.1:80 USERNAME=alice")
	waitForCommand(t, daemon, "ATTACHSTREAM 11 5")
}

func TestPlayerSerializesAssignmentAcrossSessions(t *testing.T) {
	now := time.Now()
	circuits := []*tracemodel.Circuit{
		{LaunchTime: now, SessionID: "alice", Path: "$A1,$A2"},
		{LaunchTime: now, SessionID: "bob", Path: "$B1,$B2"},
	}
	p, daemon := newTestPlayer(t, circuits)
	defer daemon.close()

	p.LaunchNextCircuit(now)

	first := daemon.readCommand()
	if first != "EXTENDCIRCUIT 0 $A1,$A2" && first != "EXTENDCIRCUIT 0 $B1,$B2" {
		t.Fatalf("unexpected first command %q", first)
	}
	if p.awaitingAssignment == nil {
		t.Fatal("expected exactly one session awaiting assignment")
	}
	if len(p.backlog) != 1 {
		t.Fatalf("backlog length = %d, want the other session queued", len(p.backlog))
	}
}

func TestPlayerFailureRetriesThenDropsPathAfterThreeFailures(t *testing.T) {
	now := time.Now()
	circuits := []*tracemodel.Circuit{
		{LaunchTime: now, SessionID: "alice", Path: "$A1,$A2"},
	}
	p, daemon := newTestPlayer(t, circuits)
	defer daemon.close()

	// A failed circuit that still has a sentinel (or real) stream
	// waiting retries on its own: handleFailedOrClosed re-queues the
	// session as soon as it sees a non-empty waiting list, so each
	// FAILED reply is immediately followed by a fresh EXTENDCIRCUIT.
	p.LaunchNextCircuit(now)
	waitForCommand(t, daemon, "EXTENDCIRCUIT 0 $A1,$A2")
	daemon.send("250 EXTENDED 1")
	daemon.send("650 CIRC 1 FAILED $A1,$A2")

	waitForCommand(t, daemon, "EXTENDCIRCUIT 0 $A1,$A2")
	daemon.send("250 EXTENDED 2")
	daemon.send("650 CIRC 2 FAILED $A1,$A2")

	waitForCommand(t, daemon, "EXTENDCIRCUIT 0 $A1,$A2")
	daemon.send("250 EXTENDED 3")
	daemon.send("650 CIRC 3 FAILED $A1,$A2")

	cmd := daemon.readCommand()
	if cmd != "EXTENDCIRCUIT 0" {
		t.Fatalf("command = %q, want path dropped after exceeding retry budget", cmd)
	}
}

func TestPlayerSynthesizesSessionForUnknownUsername(t *testing.T) {
	p, daemon := newTestPlayer(t, nil)
	defer daemon.close()

	daemon.send("650 STREAM 7 NEW 0 11.0.0.1:80 USERNAME=carol")

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := p.sessions["carol"]; ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session for carol was never synthesized")
		case <-time.After(5 * time.Millisecond):
		}
	}

	waitForCommand(t, daemon, "EXTENDCIRCUIT 0")
}

func TestPlayerUsernamelessStreamAttachesToCircuitZero(t *testing.T) {
	p, daemon := newTestPlayer(t, nil)
	defer daemon.close()

	daemon.send("650 STREAM 3 NEW 0 11.0.0.1:80")
	waitForCommand(t, daemon, "ATTACHSTREAM 3 0")
}

func TestSentinelStreamIsConsumedWithoutAttach(t *testing.T) {
	now := time.Now()
	circuits := []*tracemodel.Circuit{
		{LaunchTime: now, SessionID: "alice", Path: "$A1,$A2"},
	}
	p, daemon := newTestPlayer(t, circuits)
	defer daemon.close()

	p.LaunchNextCircuit(now)
	waitForCommand(t, daemon, "EXTENDCIRCUIT 0 $A1,$A2")
	daemon.send("250 EXTENDED 9")
	daemon.send("650 CIRC 9 BUILT $A1,$A2")

	deadline := time.After(2 * time.Second)
	for {
		if _, built, _, _ := p.Stats(); built == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("circuit never built; sentinel should not require an attach")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
