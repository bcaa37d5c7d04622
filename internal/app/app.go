// Package app provides the unified application lifecycle management for the
// Strata metadata service.
package app

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/stratadb/strata/internal/config"
	"github.com/stratadb/strata/internal/metadata"
	"github.com/stratadb/strata/internal/retention"
	"github.com/stratadb/strata/internal/server"
	"github.com/stratadb/strata/internal/storage"
)

// App wires the metadata store, the segments metadata manager, deep storage,
// and the retention daemon together and manages their lifecycles.
type App struct {
	cfg *config.Config

	// Shared resources
	store    *metadata.SQLiteSegmentStore
	manager  *metadata.SegmentsMetadataManager
	storage  storage.ObjectStorage
	shutdown *server.ShutdownManager

	retentionDaemon *retention.Daemon

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg: cfg,
	}, nil
}

// Manager returns the segments metadata manager. Valid after Start.
func (a *App) Manager() *metadata.SegmentsMetadataManager {
	return a.manager
}

// Store returns the segment store. Valid after Start.
func (a *App) Store() *metadata.SQLiteSegmentStore {
	return a.store
}

// Start initializes shared resources, starts periodic polling, and starts
// the retention daemon if enabled.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if err := a.manager.Start(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start metadata manager: %w", err)
	}
	if err := a.manager.StartPollingPeriodically(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start periodic polling: %w", err)
	}

	if a.cfg.Retention.Enabled {
		a.retentionDaemon = retention.NewDaemon(retention.RetentionConfig{
			CheckInterval:     a.cfg.Retention.CheckInterval,
			BufferPeriod:      a.cfg.Retention.BufferPeriod,
			BatchLimit:        a.cfg.Retention.BatchLimit,
			DeleteConcurrency: a.cfg.Retention.DeleteConcurrency,
		}, a.store, a.storage)
		if err := a.retentionDaemon.Start(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start retention daemon: %w", err)
		}
		log.Printf("Retention daemon started: buffer=%v, interval=%v",
			a.cfg.Retention.BufferPeriod, a.cfg.Retention.CheckInterval)
	}

	log.Printf("Strata metadata service started")
	return nil
}

// initSharedResources initializes deep storage, the segment store, the
// metadata manager, and the shutdown manager.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, storage.S3Config{
			Region:   a.cfg.Storage.S3.Region,
			Endpoint: a.cfg.Storage.S3.Endpoint,
		})
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("Storage initialized: type=%s", a.cfg.Storage.Type)

	a.store, err = metadata.NewSQLiteSegmentStore(a.cfg.StorePath())
	if err != nil {
		return fmt.Errorf("failed to initialize segment store: %w", err)
	}
	log.Printf("Segment store initialized: %s", a.cfg.StorePath())

	a.manager = metadata.NewSegmentsMetadataManager(metadata.ManagerConfig{
		PollPeriod:          a.cfg.Metadata.PollPeriod,
		OnDemandPollTimeout: a.cfg.Metadata.OnDemandPollTimeout,
		MaxStaleness:        a.cfg.Metadata.MaxStaleness,
	}, a.store)

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())
	a.shutdown.RegisterCloser(a.store)
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		return a.manager.Stop()
	}))

	return nil
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")

	if a.cancel != nil {
		a.cancel()
	}

	// Stop retention first so no kill cycle races the closing store
	if a.retentionDaemon != nil {
		if err := a.retentionDaemon.Stop(); err != nil {
			log.Printf("Retention daemon stop error: %v", err)
		}
	}

	// Closers run in reverse order: manager stop, then store close
	if err := a.shutdown.Shutdown(ctx, "app stop"); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	log.Printf("Strata metadata service stopped")
	return nil
}

// cleanup releases resources after a failed start.
func (a *App) cleanup() {
	if a.manager != nil {
		a.manager.Stop()
	}
	if a.store != nil {
		a.store.Close()
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}
