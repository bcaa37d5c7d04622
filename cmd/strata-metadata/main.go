// Package main implements the strata-metadata binary: the segments metadata
// service with periodic polling and optional unused-segment retention.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stratadb/strata/internal/app"
	"github.com/stratadb/strata/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		pollPeriod  time.Duration
		retention   bool
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.DurationVar(&pollPeriod, "poll-period", 0, "Interval between periodic polls of the segments table")
	flag.BoolVar(&retention, "retention", false, "Enable the unused-segment retention daemon")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Strata Metadata - Segment Metadata Cache and Poll Orchestrator\n\n")
		fmt.Fprintf(os.Stderr, "Usage: strata-metadata [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  strata-metadata --data-dir /data/strata\n")
		fmt.Fprintf(os.Stderr, "  strata-metadata --config /etc/strata/config.yaml --retention\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  STRATA_DATA_DIR                Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  STRATA_METADATA_POLL_PERIOD    Periodic poll interval (e.g. 1m)\n")
		fmt.Fprintf(os.Stderr, "  STRATA_RETENTION_ENABLED       Enable retention daemon (true/false)\n")
		fmt.Fprintf(os.Stderr, "  STRATA_STORAGE_TYPE            Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  STRATA_S3_BUCKET               S3 bucket for deep storage\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("strata-metadata version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, pollPeriod, retention)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir string, pollPeriod time.Duration, retention bool) (*config.Config, error) {
	var cfg *config.Config
	var err error

	// Start with defaults or load from file
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	config.LoadFromEnv(cfg)

	// Apply command line flags (highest priority)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if pollPeriod > 0 {
		cfg.Metadata.PollPeriod = pollPeriod
	}
	if retention {
		cfg.Retention.Enabled = true
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("Strata Metadata Service")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Data Dir:     %s", cfg.DataDir)
	log.Printf("  Store:        %s", cfg.StorePath())
	log.Printf("  Poll Period:  %v", cfg.Metadata.PollPeriod)
	log.Printf("  Storage:      %s", cfg.Storage.Type)
	if cfg.Retention.Enabled {
		log.Printf("  Retention:    enabled (buffer=%v, interval=%v)",
			cfg.Retention.BufferPeriod, cfg.Retention.CheckInterval)
	} else {
		log.Printf("  Retention:    disabled")
	}
	log.Printf("")
}
