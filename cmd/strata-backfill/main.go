// Package main implements the strata-backfill binary: a one-shot migration
// tool that backfills missing used_status_last_updated values so the
// retention daemon can eventually consider rows published before the column
// existed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/stratadb/strata/internal/config"
	"github.com/stratadb/strata/internal/metadata"
)

func main() {
	var (
		configFile string
		dataDir    string
		storePath  string
		timeout    time.Duration
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&storePath, "store", "", "Path to the segments database (overrides data-dir)")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "Maximum time for the backfill to run")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Strata Backfill - used_status_last_updated migration\n\n")
		fmt.Fprintf(os.Stderr, "Usage: strata-backfill [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	path := storePath
	if path == "" {
		var cfg *config.Config
		var err error
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
			if err != nil {
				log.Fatalf("Failed to load config file: %v", err)
			}
		} else {
			cfg = config.DefaultConfig()
		}
		config.LoadFromEnv(cfg)
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		cfg.Resolve()
		path = cfg.StorePath()
	}

	store, err := metadata.NewSQLiteSegmentStore(path)
	if err != nil {
		log.Fatalf("Failed to open segment store %s: %v", path, err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Printf("Backfilling used_status_last_updated in %s", path)
	n, err := store.PopulateUsedFlagLastUpdated(ctx)
	if err != nil {
		log.Fatalf("Backfill failed after %d rows: %v", n, err)
	}
	log.Printf("Backfill complete: %d rows updated", n)
}
