// Package main provides fleetd, the fleet orchestrator daemon. It
// acquires identities from the identity pool service, brings up the
// network tunnel, provisions the worker tree, and serves the status
// dashboard until terminated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entrhq/viewerfleet/pkg/browser"
	"github.com/entrhq/viewerfleet/pkg/config"
	"github.com/entrhq/viewerfleet/pkg/fleet"
	"github.com/entrhq/viewerfleet/pkg/identity/client"
	"github.com/entrhq/viewerfleet/pkg/logging"
	"github.com/entrhq/viewerfleet/pkg/tunnel"
)

const version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "fleetd - viewer fleet orchestrator\n\n")
		fmt.Fprintf(os.Stderr, "Usage: fleetd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Configuration is read from VIEWERFLEET_* environment variables.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetd v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutting down gracefully...")
		cancel()
	}()

	if err := run(ctx); err != nil {
		cancel()
		log.Printf("fleetd failed: %v", err)
		os.Exit(1)
	}
	cancel()
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.SetDirectory(cfg.LogDir)
	// A broken log directory is not fatal: NewLogger hands back a
	// stderr fallback alongside the error.
	logger, err := logging.NewLogger("fleetd")
	if err != nil {
		log.Printf("file logging unavailable, continuing on stderr: %v", err)
	}
	defer logger.Close()

	logger.Infof("fleetd v%s starting: %d workers, %d sub-sessions each, %d tabs each",
		version, cfg.Workers, cfg.SubsessionsPerWorker, cfg.TabsPerSubsession)

	engine, err := browser.NewPlaywrightEngine(cfg.Headless)
	if err != nil {
		return fmt.Errorf("failed to initialize browser engine: %w", err)
	}

	ids := client.New(cfg.FingerprintAddrs, logger)
	tun := tunnel.New(cfg.TunnelBinary, cfg.TunnelProfile, logger)

	orch, err := fleet.New(cfg, engine, ids, tun, logger)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	status := fleet.NewStatusServer(orch, logger)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           status.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("status server listening on %s", cfg.ListenAddr)
		if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Errorf("status server stopped: %v", serveErr)
		}
	}()

	runErr := orch.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("status server shutdown: %v", err)
	}

	return runErr
}
