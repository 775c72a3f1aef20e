// Package config provides configuration parsing for the oniontrace
// controller. Configuration arrives as positional key=value CLI tokens,
// never as a file on disk.
package config

import (
	"fmt"

	"github.com/opd-ai/oniontrace/pkg/errors"
)

// Mode selects which engine the driver instantiates after bootstrap.
type Mode string

const (
	// ModeRecord observes the daemon and persists completed circuits.
	ModeRecord Mode = "record"
	// ModePlay replays a previously recorded trace.
	ModePlay Mode = "play"
	// ModeLog subscribes to events and forwards them verbatim.
	ModeLog Mode = "log"
)

// Config is the oniontrace controller's configuration.
type Config struct {
	Mode Mode

	// TorControlPort is the daemon's control port. Required.
	TorControlPort int

	// LogLevel is one of debug, info, message, warning.
	LogLevel string

	// TraceFile is the path to read from (play) or write to (record).
	// A leading ~ is expanded to $HOME.
	TraceFile string

	// RunTime is how long to run before shutting down on its own.
	// Zero means run until externally stopped.
	RunTimeSeconds int

	// Events is the set of control events forwarded to SETEVENTS in
	// log mode.
	Events []string

	// MetricsPort, if non-zero, starts the optional HTTP status
	// endpoint. Zero disables it.
	MetricsPort int
}

// DefaultConfig returns a configuration with spec-mandated defaults.
// TorControlPort is left at zero; it has no default and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Mode:           ModeLog,
		LogLevel:       "info",
		TraceFile:      "oniontrace.csv",
		RunTimeSeconds: 0,
		Events:         []string{"BW"},
		MetricsPort:    0,
	}
}

// Validate checks the configuration for internal consistency. It does
// not check filesystem state (see ValidateTraceFile for the play-mode
// existence check, which needs the expanded path).
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRecord, ModePlay, ModeLog:
	default:
		return errors.ConfigurationError(fmt.Sprintf("invalid Mode: %q (must be record, play, or log)", c.Mode), nil)
	}

	if c.TorControlPort < 1 || c.TorControlPort > 65535 {
		return errors.ConfigurationError(fmt.Sprintf("TorControlPort is required and must be 1..65535, got %d", c.TorControlPort), nil)
	}

	switch c.LogLevel {
	case "debug", "info", "message", "warning":
	default:
		return errors.ConfigurationError(fmt.Sprintf("invalid LogLevel: %q (must be debug, info, message, or warning)", c.LogLevel), nil)
	}

	if c.RunTimeSeconds < 0 {
		return errors.ConfigurationError(fmt.Sprintf("RunTime must be non-negative, got %d", c.RunTimeSeconds), nil)
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return errors.ConfigurationError(fmt.Sprintf("invalid MetricsPort: %d", c.MetricsPort), nil)
	}

	if len(c.Events) == 0 {
		return errors.ConfigurationError("Events must not be empty", nil)
	}

	return nil
}
