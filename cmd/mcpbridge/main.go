// Command mcpbridge wires the bridge's configuration, process supervisor, session
// registry, proxy core, and HTTP front-end together and serves the Streamable HTTP
// transport, with signal-driven graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/tanagram/mcpbridge/internal/config"
	"github.com/tanagram/mcpbridge/internal/httpapi"
	"github.com/tanagram/mcpbridge/internal/procsup"
	"github.com/tanagram/mcpbridge/internal/proxy"
	"github.com/tanagram/mcpbridge/internal/session"
)

// Options are the CLI flags accepted by mcpbridge, per §10's CLI contract.
type Options struct {
	Config   string `short:"c" long:"config" description:"path to the bridge's YAML configuration file" required:"true"`
	Listen   string `short:"l" long:"listen" description:"override the configured listen address"`
	LogLevel string `long:"log-level" description:"override the configured log level (debug, info, warn, error)"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "mcpbridge:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts Options
	if _, err := flags.ParseArgs(&opts, args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.Listen != "" {
		cfg.ListenAddr = opts.Listen
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	logger.Info("starting mcpbridge",
		slog.String("listen", cfg.ListenAddr),
		slog.Int("servers", len(cfg.Servers)),
	)

	sup := procsup.New(logger, cfg.MaxRestartAttempts, cfg.RestartDelay())
	registry := session.New(logger, cfg.SessionTimeout(), cfg.MaxSessions)
	core := proxy.New(logger, cfg.Servers, sup, registry, cfg.CorrelationTimeout(), cfg.BatchTimeout())
	front := httpapi.NewServer(logger, cfg.Servers, core, registry, cfg.Auth, cfg.CORS)

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// coreCtx outlives the shutdown signal: the Proxy Core must still be consuming
	// registry events (to kill each session's subprocess) while shutdown destroys
	// sessions below, so it is only canceled once that has happened.
	coreCtx, cancelCore := context.WithCancel(context.Background())
	defer cancelCore()

	go core.Run(coreCtx)

	sweepStop := make(chan struct{})
	sweepDone := make(chan struct{})
	go func() {
		registry.RunSweeper(sweepStop)
		close(sweepDone)
	}()

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: front,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain())
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", slog.Any("err", err))
	}

	// Destroy every session while the Proxy Core is still running: Registry.Destroy
	// emits session:destroyed, which the core observes and reacts to by killing the
	// bound subprocess, per §5's "destroy all sessions (which kills subprocesses)"
	// shutdown contract.
	registry.DestroyAll()

	cancelCore()
	// The core may stop before it has handled every session:destroyed event; kill
	// whatever subprocess is still left so none outlives shutdown.
	sup.KillAll()
	close(sweepStop)
	<-sweepDone

	logger.Info("mcpbridge stopped")
	return nil
}

func parseLogLevel(level string) slog.Level {
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
