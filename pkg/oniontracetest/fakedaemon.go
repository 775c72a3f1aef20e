// Package oniontracetest provides a fake Tor control daemon for exercising
// pkg/torctl and the engines built on it without a real tor binary, plus an
// optional harness for driving a real one via bine when available.
package oniontracetest

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
)

// FakeDaemon is a minimal Tor control protocol server: just enough of the
// command surface oniontrace's torctl package speaks to drive it through
// a full connect/authenticate/bootstrap/operate cycle, plus the ability to
// push CIRC and STREAM events to every subscribed connection on demand.
type FakeDaemon struct {
	ln net.Listener

	mu          sync.Mutex
	conns       []*fakeConn
	nextCircuit int
}

type fakeConn struct {
	conn   net.Conn
	w      *bufio.Writer
	mu     sync.Mutex
	events map[string]bool
}

func (c *fakeConn) send(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.WriteString(line + "\r\n")
	c.w.Flush()
}

func (c *fakeConn) subscribed(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[event]
}

// NewFakeDaemon starts listening on an ephemeral loopback port and begins
// accepting connections in the background. Call Close when done.
func NewFakeDaemon() (*FakeDaemon, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("fakedaemon: listen: %w", err)
	}
	d := &FakeDaemon{ln: ln, nextCircuit: 1}
	go d.acceptLoop()
	return d, nil
}

// Port returns the TCP port the daemon is listening on.
func (d *FakeDaemon) Port() int {
	return d.ln.Addr().(*net.TCPAddr).Port
}

// Close stops accepting connections and closes every open one.
func (d *FakeDaemon) Close() error {
	err := d.ln.Close()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.conn.Close()
	}
	return err
}

func (d *FakeDaemon) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		c := &fakeConn{conn: conn, w: bufio.NewWriter(conn), events: make(map[string]bool)}
		d.mu.Lock()
		d.conns = append(d.conns, c)
		d.mu.Unlock()
		go d.serve(c)
	}
}

func (d *FakeDaemon) serve(c *fakeConn) {
	defer c.conn.Close()
	r := bufio.NewReader(c.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		d.handle(c, line)
	}
}

func (d *FakeDaemon) handle(c *fakeConn, line string) {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "AUTHENTICATE":
		c.send("250 OK")

	case "GETINFO":
		d.handleGetInfo(c, args)

	case "SETCONF", "SIGNAL":
		c.send("250 OK")

	case "SETEVENTS":
		c.mu.Lock()
		c.events = make(map[string]bool)
		for _, e := range args {
			c.events[strings.ToUpper(e)] = true
		}
		c.mu.Unlock()
		c.send("250 OK")

	case "EXTENDCIRCUIT":
		d.mu.Lock()
		id := d.nextCircuit
		d.nextCircuit++
		d.mu.Unlock()
		c.send(fmt.Sprintf("250 EXTENDED %d", id))

	case "ATTACHSTREAM", "CLOSECIRCUIT", "CLOSESTREAM":
		c.send("250 OK")

	default:
		c.send(fmt.Sprintf("510 Unrecognized command %q", cmd))
	}
}

func (d *FakeDaemon) handleGetInfo(c *fakeConn, args []string) {
	for _, key := range args {
		if key == "status/bootstrap-phase" {
			c.send(`250-status/bootstrap-phase=NOTICE BOOTSTRAP PROGRESS=100 TAG=done SUMMARY="Done"`)
			c.send("250 OK")
			return
		}
	}
	c.send("552 Unrecognized key")
}

// PublishCircuit sends a 650 CIRC event to every connection subscribed to
// CIRC, matching the wire format pkg/torctl parses.
func (d *FakeDaemon) PublishCircuit(id int, status, path string) {
	line := fmt.Sprintf("650 CIRC %d %s", id, status)
	if path != "" {
		line += " " + path
	}
	d.publish("CIRC", line)
}

// PublishStream sends a 650 STREAM event. username, if non-empty, is
// appended as USERNAME=<username>.
func (d *FakeDaemon) PublishStream(id int, status string, circuitID int, target, username string) {
	line := fmt.Sprintf("650 STREAM %d %s %d %s", id, status, circuitID, target)
	if username != "" {
		line += " USERNAME=" + username
	}
	d.publish("STREAM", line)
}

func (d *FakeDaemon) publish(event, line string) {
	d.mu.Lock()
	conns := append([]*fakeConn(nil), d.conns...)
	d.mu.Unlock()
	for _, c := range conns {
		if c.subscribed(event) {
			c.send(line)
		}
	}
}

// NextCircuitID previews the circuit id the next EXTENDCIRCUIT reply will
// assign, without consuming it.
func (d *FakeDaemon) NextCircuitID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextCircuit
}
