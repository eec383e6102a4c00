// Command socks4ad runs a SOCKS4/4A CONNECT proxy daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/senlinzhan/socks4ad/internal/config"
	"github.com/senlinzhan/socks4ad/internal/metrics"
	"github.com/senlinzhan/socks4ad/internal/registry"
	"github.com/senlinzhan/socks4ad/internal/resolver"
	"github.com/senlinzhan/socks4ad/internal/server"
	"github.com/senlinzhan/socks4ad/internal/session"
)

// shutdownGracePeriod bounds how long a graceful shutdown waits for
// in-flight sessions to drain on their own before forcing them closed.
const shutdownGracePeriod = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	testConfig := flag.Bool("t", false, "test configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *testConfig {
			fmt.Fprintf(os.Stderr, "configuration test FAILED: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "[main] %v\n", err)
		os.Exit(1)
	}

	if *testConfig {
		fmt.Printf("configuration file %s test OK\n", *configPath)
		fmt.Printf("  port:          %d\n", cfg.Port)
		fmt.Printf("  metrics_addr:  %s\n", cfg.MetricsAddr)
		fmt.Printf("  max_sessions:  %d\n", cfg.MaxSessions)
		os.Exit(0)
	}

	log := newLogger(cfg.LogLevel, cfg.LogFormat)

	// Go's netpoller never raises SIGPIPE for socket writes (a failed
	// write simply returns EPIPE), but the protocol's host-process
	// contract requires it be ignored outright, covering any raw-fd path
	// (e.g. the socket-option tuning in internal/socket) that bypasses
	// the poller.
	signal.Ignore(syscall.SIGPIPE)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.Default()
	reg := registry.New()
	res := resolver.New(m)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	sessCfg := session.Config{
		HandshakeBufferCap: cfg.HandshakeBufferCap,
		DialTimeout:        cfg.DialTimeout,
	}

	srv := server.New(cfg.Port, reg, res, m, log, sessCfg, server.WithMaxSessions(cfg.MaxSessions))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	log.Info("socks4ad started", "port", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		<-errCh
		drainOrForceClose(reg, log, shutdownGracePeriod)
	case err := <-errCh:
		if err != nil {
			log.Error("fatal acceptor error", "error", err)
			os.Exit(1)
		}
	}
}

// drainOrForceClose waits up to timeout for in-flight sessions to finish
// on their own (client/target driven teardown), then force-closes
// whatever is still registered so the process can exit promptly.
func drainOrForceClose(reg *registry.Registry, log *slog.Logger, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for reg.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := reg.Len(); n > 0 {
		log.Warn("shutdown grace period elapsed, forcing remaining sessions closed", "remaining", n)
		reg.CloseAll()
	}
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", "error", err)
	}
}

func newLogger(level, format string) *slog.Logger {
	return newLoggerWithWriter(level, format, os.Stderr)
}

func newLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
