// Package main provides fingerprintd, the identity pool service. It
// fills a fixed-size pool of device identities at startup and serves
// them over HTTP to orchestrator instances.
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

	"github.com/entrhq/viewerfleet/pkg/config"
	"github.com/entrhq/viewerfleet/pkg/identity"
	"github.com/entrhq/viewerfleet/pkg/identity/server"
	"github.com/entrhq/viewerfleet/pkg/logging"
)

const version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "fingerprintd - device identity pool service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: fingerprintd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Configuration is read from VIEWERFLEET_* environment variables.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("fingerprintd v%s\n", version)
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
		log.Printf("fingerprintd failed: %v", err)
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
	logger, err := logging.NewLogger("fingerprintd")
	if err != nil {
		log.Printf("file logging unavailable, continuing on stderr: %v", err)
	}
	defer logger.Close()

	generator, err := identity.NewGenerator(identity.GeneratorOptions{
		LandscapeProbability: cfg.LandscapeProbability,
	})
	if err != nil {
		return fmt.Errorf("failed to create identity generator: %w", err)
	}

	pool := identity.NewPool(generator, cfg.PoolSize)
	pool.Fill()
	logger.Infof("fingerprintd v%s: pool filled with %d identities", version, pool.Size())

	srv := server.New(pool, logger)
	srv.RecordGenerated(pool.Size())

	httpSrv := &http.Server{
		Addr:              cfg.PoolListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errChan := make(chan error, 1)
	go func() {
		logger.Infof("identity service listening on %s", cfg.PoolListenAddr)
		errChan <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("identity service stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("identity service shutdown: %v", err)
	}
	return nil
}
