package tracemodel

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

const null = "NULL"

// Writer appends trace records to an underlying writer, flushing after
// every write so a killed process leaves a complete trace on disk.
type Writer struct {
	w     io.Writer
	start time.Time
}

// NewWriter creates a trace writer whose elapsed times are relative to
// start (the recording session's start time).
func NewWriter(w io.Writer, start time.Time) *Writer {
	return &Writer{w: w, start: start}
}

// WriteCircuit appends one record for c. Only circuits with a non-empty
// path should ever reach this call; the caller (Recorder) is responsible
// for that filtering per the record invariants.
func (tw *Writer) WriteCircuit(c *Circuit) error {
	line := FormatRecord(c, tw.start)
	if _, err := io.WriteString(tw.w, line); err != nil {
		return fmt.Errorf("writing trace record: %w", err)
	}
	if f, ok := tw.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	if f, ok := tw.w.(interface{ Sync() error }); ok {
		return f.Sync()
	}
	return nil
}

// FormatRecord renders one trace record line for c, relative to start.
func FormatRecord(c *Circuit, start time.Time) string {
	elapsed := c.LaunchTime.Sub(start)
	sec := int64(elapsed / time.Second)
	nanos := int64(elapsed%time.Second)
	if nanos < 0 {
		nanos = -nanos
	}

	sessionField := null
	if c.SessionID != "" {
		sessionField = c.SessionID
	}
	pathField := null
	if c.Path != "" {
		pathField = c.Path
	}

	return fmt.Sprintf("%d.%09d;%s;%s\n", sec, nanos, sessionField, pathField)
}

// ParseTrace reads trace records from r and returns the circuits they
// describe, sorted by absolute launch time (start + elapsed). Records
// missing a session id or a path are valid trace-file entries but are
// filtered out by the play engine, not here (see pkg/player).
func ParseTrace(r io.Reader, start time.Time) ([]*Circuit, error) {
	var circuits []*Circuit

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		c, err := parseRecord(line, start)
		if err != nil {
			return nil, fmt.Errorf("trace line %d: %w", lineNum, err)
		}
		circuits = append(circuits, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading trace: %w", err)
	}

	sort.SliceStable(circuits, func(i, j int) bool {
		return circuits[i].LaunchTime.Before(circuits[j].LaunchTime)
	})

	return circuits, nil
}

func parseRecord(line string, start time.Time) (*Circuit, error) {
	fields := strings.Split(line, ";")
	if len(fields) != 3 {
		return nil, fmt.Errorf("expected 3 fields separated by ';', got %d", len(fields))
	}

	elapsed, err := parseElapsed(fields[0])
	if err != nil {
		return nil, fmt.Errorf("invalid elapsed time %q: %w", fields[0], err)
	}

	c := &Circuit{
		LaunchTime: start.Add(elapsed),
		Status:     StatusNone,
	}
	if fields[1] != null {
		c.SessionID = fields[1]
	}
	if fields[2] != null {
		c.Path = fields[2]
	}
	return c, nil
}

// parseElapsed parses "<sec>.<9-digit-nanos>" into a signed duration.
func parseElapsed(field string) (time.Duration, error) {
	dot := strings.IndexByte(field, '.')
	if dot < 0 {
		return 0, fmt.Errorf("missing '.' separator")
	}
	secStr, nanoStr := field[:dot], field[dot+1:]
	if len(nanoStr) != 9 {
		return 0, fmt.Errorf("nanosecond component must be 9 digits, got %d", len(nanoStr))
	}

	negative := strings.HasPrefix(secStr, "-")
	if negative {
		secStr = secStr[1:]
	}

	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid seconds component: %w", err)
	}
	nanos, err := strconv.ParseInt(nanoStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid nanoseconds component: %w", err)
	}

	d := time.Duration(sec)*time.Second + time.Duration(nanos)
	if negative {
		d = -d
	}
	return d, nil
}
