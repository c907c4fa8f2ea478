package proc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/AarC10/ipcbench/lib/logger"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// LoadConfiguration reads the config file at path, then .env and IPCBENCH_*
// overrides, then the -transport flag when set. A missing file is not an
// error: the defaults are used.
func LoadConfiguration(path, transport string) (*Configuration, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("couldn't read .env file", zap.Error(err))
	}

	cfg, err := ParseConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("config file not found, using defaults", zap.String("path", path))
		cfg, err = DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}
	if transport != "" {
		if err := cfg.SetTransport(transport); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// StartDebugServer serves pprof and the metrics in gatherer on addr until ctx
// is done. It returns the bound address.
func StartDebugServer(ctx context.Context, addr string, gatherer prometheus.Gatherer) (net.Addr, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("debug server: %w", err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("running debug server", zap.Stringer("addr", ln.Addr()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("debug server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return ln.Addr(), nil
}

// Run calls main and flushes the logger before handing back its exit code,
// since os.Exit skips deferred calls.
func Run(main func() int) int {
	defer logger.Sync()
	return main()
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
