package config

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	if cfg.Mode != ModeLog {
		t.Errorf("Mode = %v, want %v", cfg.Mode, ModeLog)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.TraceFile != "oniontrace.csv" {
		t.Errorf("TraceFile = %v, want oniontrace.csv", cfg.TraceFile)
	}
	if len(cfg.Events) != 1 || cfg.Events[0] != "BW" {
		t.Errorf("Events = %v, want [BW]", cfg.Events)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name: "valid once control port is set",
			modify: func(c *Config) {
				c.TorControlPort = 9051
			},
			wantErr: false,
		},
		{
			name:    "missing control port",
			modify:  func(c *Config) {},
			wantErr: true,
		},
		{
			name: "control port out of range",
			modify: func(c *Config) {
				c.TorControlPort = 70000
			},
			wantErr: true,
		},
		{
			name: "invalid mode",
			modify: func(c *Config) {
				c.TorControlPort = 9051
				c.Mode = "bogus"
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.TorControlPort = 9051
				c.LogLevel = "bogus"
			},
			wantErr: true,
		},
		{
			name: "negative run time",
			modify: func(c *Config) {
				c.TorControlPort = 9051
				c.RunTimeSeconds = -1
			},
			wantErr: true,
		},
		{
			name: "empty events",
			modify: func(c *Config) {
				c.TorControlPort = 9051
				c.Events = nil
			},
			wantErr: true,
		},
		{
			name: "invalid metrics port",
			modify: func(c *Config) {
				c.TorControlPort = 9051
				c.MetricsPort = -1
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
