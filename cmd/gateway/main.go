package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/parcelview/gateway/internal/config"
	"github.com/parcelview/gateway/internal/gateway"
	"github.com/parcelview/gateway/internal/monitoring"
	"github.com/parcelview/gateway/internal/storage"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		// No logger yet; write the failure and exit.
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevel(cfg.LogLevel),
		Format: monitoring.LogFormat(cfg.LogFormat),
	})

	// automaxprocs sets GOMAXPROCS from container CPU limits (rounds down).
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	var sink storage.Sink
	natsSink, err := storage.NewNATSSink(storage.Config{
		URL:           cfg.NATSURL,
		SubjectPrefix: cfg.NATSSubject,
	}, logger)
	if err != nil {
		// The gateway runs without persistence rather than not at all.
		logger.Warn().Err(err).Msg("Storage sink unavailable, records will be discarded")
		sink = storage.NopSink{}
	} else {
		sink = natsSink
	}

	srv := gateway.New(cfg, logger, sink, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("Gateway failed")
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+15*time.Second)
	defer shutdownCancel()
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	logger.Info().Msg("Gateway stopped")
}
