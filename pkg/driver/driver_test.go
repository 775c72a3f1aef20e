package driver

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/oniontrace/pkg/config"
	"github.com/opd-ai/oniontrace/pkg/logger"
	"github.com/opd-ai/oniontrace/pkg/oteventloop"
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

func driveLogHandshake(t *testing.T, d *mockDaemon) {
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

	if cmd := d.readCommand(); cmd != "SETEVENTS BW" {
		t.Fatalf("expected SETEVENTS BW, got %q", cmd)
	}
}

func newTestDriver(t *testing.T, mutate func(*config.Config)) (*Driver, *oteventloop.EventManager, *mockDaemon) {
	t.Helper()
	daemon := newMockDaemon(t)
	t.Cleanup(daemon.close)

	em, err := oteventloop.New(nil)
	if err != nil {
		t.Fatalf("oteventloop.New: %v", err)
	}
	t.Cleanup(func() { em.Close() })

	cfg := config.DefaultConfig()
	cfg.TorControlPort = daemon.port()
	cfg.TraceFile = filepath.Join(t.TempDir(), "trace.csv")
	if mutate != nil {
		mutate(cfg)
	}

	log := logger.New(slog.LevelDebug, io.Discard)
	d := New(em, log, cfg)
	return d, em, daemon
}

func TestDriverLogModeDialsAndSubscribes(t *testing.T) {
	d, em, daemon := newTestDriver(t, nil)

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	go em.Run()
	defer em.Stop()

	driveLogHandshake(t, daemon)

	deadline := time.After(2 * time.Second)
	for d.eventLog == nil {
		select {
		case <-deadline:
			t.Fatal("event logger never constructed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDriverRecordModeOpensTraceFileForWrite(t *testing.T) {
	var tracePath string
	d, em, daemon := newTestDriver(t, func(c *config.Config) {
		c.Mode = config.ModeRecord
	})
	tracePath = d.cfg.TraceFile

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	go em.Run()
	defer em.Stop()
	defer daemon.close()

	daemon.accept()
	if cmd := daemon.readCommand(); !strings.HasPrefix(cmd, "AUTHENTICATE") {
		t.Fatalf("expected AUTHENTICATE, got %q", cmd)
	}

	if _, err := os.Stat(tracePath); err != nil {
		t.Fatalf("trace file was not created: %v", err)
	}
	if d.recorder == nil {
		t.Fatal("expected a recorder to be constructed")
	}
}

func TestDriverPlayModeRejectsMissingTraceFile(t *testing.T) {
	d, _, daemon := newTestDriver(t, func(c *config.Config) {
		c.Mode = config.ModePlay
		c.TraceFile = filepath.Join(t.TempDir(), "does-not-exist.csv")
	})
	defer daemon.close()

	if err := d.Start(); err == nil {
		t.Fatal("expected Start to fail for a missing trace file")
	}
}

func TestDriverPlayModeParsesTraceAndStartsPlayer(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "trace.csv")
	if err := os.WriteFile(tracePath, nil, 0o644); err != nil {
		t.Fatalf("writing seed trace: %v", err)
	}

	d, em, daemon := newTestDriver(t, func(c *config.Config) {
		c.Mode = config.ModePlay
		c.TraceFile = tracePath
	})

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	go em.Run()
	defer em.Stop()
	defer daemon.close()

	if d.player == nil {
		t.Fatal("expected a player to be constructed")
	}
}

func TestDriverCannotStartTwice(t *testing.T) {
	d, em, daemon := newTestDriver(t, nil)
	defer daemon.close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()
	go em.Run()
	defer em.Stop()

	driveLogHandshake(t, daemon)

	if err := d.Start(); err == nil {
		t.Fatal("expected second Start to fail, driver is already running")
	}
}

func TestDriverStopTearsDownTimersAndEngine(t *testing.T) {
	d, em, daemon := newTestDriver(t, func(c *config.Config) {
		c.RunTimeSeconds = 3600
	})
	defer daemon.close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go em.Run()
	defer em.Stop()

	driveLogHandshake(t, daemon)

	if d.heartbeat == nil || d.cleanupTimer == nil || d.shutdownTimer == nil {
		t.Fatal("expected heartbeat, cleanup, and shutdown timers to be armed")
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if d.heartbeat != nil || d.cleanupTimer != nil || d.shutdownTimer != nil || d.eventLog != nil {
		t.Fatal("expected Stop to clear all timers and the engine")
	}

	if err := d.Stop(); err == nil {
		t.Fatal("expected a second Stop to fail, driver is already idle")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}

	got, err := expandHome("~/traces/out.csv")
	if err != nil {
		t.Fatalf("expandHome: %v", err)
	}
	want := filepath.Join(home, "traces/out.csv")
	if got != want {
		t.Errorf("expandHome = %q, want %q", got, want)
	}

	got, err = expandHome("/abs/path.csv")
	if err != nil {
		t.Fatalf("expandHome: %v", err)
	}
	if got != "/abs/path.csv" {
		t.Errorf("expandHome changed an absolute path, got %q", got)
	}
}
