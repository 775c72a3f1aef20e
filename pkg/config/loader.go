package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opd-ai/oniontrace/pkg/errors"
)

// ParseArgs parses positional key=value CLI tokens into a Config,
// applying defaults for any key not present. Keys are matched
// case-insensitively. Returns a pkg/errors.TorError (CategoryConfiguration)
// wrapped with context on the offending token.
func ParseArgs(args []string) (*Config, error) {
	cfg := DefaultConfig()

	for _, arg := range args {
		key, value, err := splitKeyValue(arg)
		if err != nil {
			return nil, errors.ConfigurationError(fmt.Sprintf("parsing argument %q", arg), err)
		}
		if err := applyOption(cfg, key, value); err != nil {
			return nil, errors.ConfigurationError(fmt.Sprintf("argument %q", arg), err)
		}
	}

	cfg.TraceFile = expandHome(cfg.TraceFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Mode == ModePlay {
		if err := validateTraceFileExists(cfg.TraceFile); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// splitKeyValue splits a key=value token on its first '='.
func splitKeyValue(arg string) (key, value string, err error) {
	idx := strings.IndexByte(arg, '=')
	if idx < 0 {
		return "", "", fmt.Errorf("expected key=value, no '=' found")
	}
	return arg[:idx], arg[idx+1:], nil
}

// applyOption assigns one key=value pair onto cfg. Key matching is
// case-insensitive, matching the donor torrc loader's tolerance for
// unrecognized options, except that here an unrecognized key is a
// configuration error rather than silently ignored: unlike a torrc file
// shared across daemon versions, there is no forward-compatibility
// concern for oniontrace's seven-key CLI surface.
func applyOption(cfg *Config, key, value string) error {
	switch strings.ToLower(key) {
	case "mode":
		switch strings.ToLower(value) {
		case "record":
			cfg.Mode = ModeRecord
		case "play":
			cfg.Mode = ModePlay
		case "log":
			cfg.Mode = ModeLog
		default:
			return fmt.Errorf("invalid Mode: %q", value)
		}

	case "torcontrolport":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid TorControlPort: %q", value)
		}
		cfg.TorControlPort = port

	case "loglevel":
		cfg.LogLevel = strings.ToLower(value)

	case "tracefile":
		cfg.TraceFile = value

	case "runtime":
		seconds, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid RunTime: %q", value)
		}
		cfg.RunTimeSeconds = seconds

	case "events":
		cfg.Events = splitEvents(value)

	case "metricsport":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid MetricsPort: %q", value)
		}
		cfg.MetricsPort = port

	default:
		return fmt.Errorf("unrecognized key: %q", key)
	}
	return nil
}

// splitEvents turns a comma-delimited event list into a slice of event
// names, trimming whitespace and dropping empty entries; the driver joins
// them with spaces for SETEVENTS.
func splitEvents(value string) []string {
	parts := strings.Split(value, ",")
	events := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			events = append(events, p)
		}
	}
	return events
}

// expandHome expands a leading ~ to $HOME, matching the donor loader's
// path-handling idiom.
func expandHome(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// validateTraceFileExists is the play-mode-only check from spec.md §6:
// the trace file must already exist.
func validateTraceFileExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.ConfigurationError(fmt.Sprintf("TraceFile %q must exist in play mode", path), err)
	}
	return nil
}
