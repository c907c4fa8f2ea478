package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/AarC10/ipcbench/lib/logger"
	"github.com/AarC10/ipcbench/proc"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("c", "data/config/ipc_bench.yaml", "path to the benchmark config")
	transport := flag.String("transport", "", "transport to use: pipe, socket or shm (overrides the config)")
	debugAddr := flag.String("debug_addr", "", "serve pprof and /metrics at host:port")
	logLevel := flag.String("log_level", "", "log level (overrides logger.yaml)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <input-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger.InitLogger(logger.Options{Level: *logLevel, Name: "calculator"})

	os.Exit(proc.Run(func() int {
		return run(*configPath, *transport, *debugAddr, flag.Arg(0))
	}))
}

func run(configPath, transport, debugAddr, input string) int {
	cfg, err := proc.LoadConfiguration(configPath, transport)
	if err != nil {
		logger.Error("couldn't load configuration", zap.Error(err))
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

	result, err := proc.Calculate(ctx, cfg, input, metrics)
	if err != nil {
		logger.Error("session failed", zap.Stringer("transport", cfg.Kind()), zap.Int("sent", result.Sent), zap.Error(err))
		return 1
	}
	logger.Debug("calculator done", zap.Int("sent", result.Sent), zap.Duration("elapsed", result.Elapsed))
	return 0
}
