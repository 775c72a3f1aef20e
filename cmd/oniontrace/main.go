// Command oniontrace drives a Tor control port in one of three modes:
// record a trace of circuit and stream activity, replay a previously
// recorded trace, or simply log the events a daemon reports.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/oniontrace/pkg/config"
	"github.com/opd-ai/oniontrace/pkg/driver"
	"github.com/opd-ai/oniontrace/pkg/logger"
	"github.com/opd-ai/oniontrace/pkg/oteventloop"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.ParseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oniontrace: %v\n", err)
		return 1
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oniontrace: %v\n", err)
		return 1
	}
	log := logger.New(level, os.Stdout)

	manager, err := oteventloop.New(log)
	if err != nil {
		log.Error("failed to create event loop", "error", err)
		return 1
	}
	defer manager.Close()

	d := driver.New(manager, log, cfg)
	if err := d.Start(); err != nil {
		log.Error("failed to start", "mode", cfg.Mode, "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig.String())
		manager.Stop()
	}()

	log.Info("running", "mode", cfg.Mode, "control_port", cfg.TorControlPort,
		"trace_file", cfg.TraceFile, "run_time_seconds", cfg.RunTimeSeconds)

	if err := manager.Run(); err != nil {
		log.Error("event loop exited with error", "error", err)
		d.Stop()
		return 1
	}

	if err := d.Stop(); err != nil {
		log.Warn("stop reported an error", "error", err)
	}

	log.Info("shutdown complete")
	return 0
}
