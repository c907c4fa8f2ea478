package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/AarC10/ipcbench/lib/logger"
	"github.com/AarC10/ipcbench/proc"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("c", "data/config/ipc_bench.yaml", "path to the benchmark config")
	transport := flag.String("transport", "", "transport to use: pipe, socket or shm (overrides the config)")
	debugAddr := flag.String("debug_addr", "", "serve pprof and /metrics at host:port")
	label := flag.String("label", "", "label for the result line (overrides the config)")
	mode := flag.String("mode", "", "what to tally: total or counts (overrides the config)")
	logLevel := flag.String("log_level", "", "log level (overrides logger.yaml)")
	var format outputFormatFlagValue
	flag.Var(&format, "format", `output format: "text", "json" or a Go template`)
	flag.Parse()

	logger.InitLogger(logger.Options{Level: *logLevel, Name: "manager"})

	os.Exit(proc.Run(func() int {
		return run(*configPath, *transport, *debugAddr, *label, *mode, &format)
	}))
}

func run(configPath, transport, debugAddr, label, mode string, format *outputFormatFlagValue) int {
	cfg, err := proc.LoadConfiguration(configPath, transport)
	if err != nil {
		logger.Error("couldn't load configuration", zap.Error(err))
		return 2
	}
	if err := cfg.SetReport(label, proc.Mode(mode)); err != nil {
		logger.Error("invalid report flags", zap.Error(err))
		return 2
	}

	ctx, stop := proc.SignalContext(context.Background())
	defer stop()

	registry := prometheus.NewRegistry()
	metrics := proc.NewMetrics(registry)
	if debugAddr != "" {
		if _, err := proc.StartDebugServer(ctx, debugAddr, registry); err != nil {
			logger.Error("couldn't start debug server", zap.Error(err))
			return 2
		}
	}

	logger.Info("waiting for calculator", zap.Stringer("transport", cfg.Kind()))
	report, err := proc.Manage(ctx, cfg, metrics)
	if err != nil {
		logger.Error("session failed", zap.Stringer("transport", cfg.Kind()), zap.Error(err))
		return 1
	}

	out, err := format.generateOutput(report)
	if err != nil {
		logger.Error("couldn't format report", zap.Error(err))
		return 1
	}
	fmt.Print(out)

	if cfg.Database.Enabled {
		publish(cfg, report)
	}
	return 0
}

func publish(cfg *proc.Configuration, report *proc.Report) {
	handler, err := proc.NewDatabaseHandler(cfg.Database)
	if err != nil {
		logger.Warn("results will not be published to database", zap.Error(err))
		return
	}
	defer handler.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = proc.PublishReport(ctx, handler, cfg, report)
}
