// Package retention permanently removes segments that have been unused for
// longer than a configured buffer period: their deep storage objects first,
// then their metadata rows. Only retention deletes rows; the metadata manager
// itself never does.
package retention

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/stratadb/strata/internal/metadata"
	"github.com/stratadb/strata/internal/storage"
	"github.com/stratadb/strata/pkg/types"
)

// RetentionConfig holds configuration for the retention daemon.
type RetentionConfig struct {
	// CheckInterval is how often the daemon looks for kill candidates.
	CheckInterval time.Duration

	// BufferPeriod is how long a segment must have been unused before it may
	// be killed. Guards against deleting segments an operator is about to
	// mark used again.
	BufferPeriod time.Duration

	// BatchLimit caps the unused intervals considered per datasource per
	// cycle.
	BatchLimit int

	// DeleteConcurrency is the number of parallel deep storage deletes.
	DeleteConcurrency int
}

// DefaultConfig returns the default retention configuration.
func DefaultConfig() RetentionConfig {
	return RetentionConfig{
		CheckInterval:     30 * time.Minute,
		BufferPeriod:      30 * 24 * time.Hour,
		BatchLimit:        1000,
		DeleteConcurrency: 8,
	}
}

// Daemon manages background kill operations for stale unused segments.
type Daemon struct {
	config  RetentionConfig
	store   metadata.SegmentStore
	storage storage.ObjectStorage

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a new retention daemon.
func NewDaemon(config RetentionConfig, store metadata.SegmentStore, objStore storage.ObjectStorage) *Daemon {
	return &Daemon{
		config:  config,
		store:   store,
		storage: objStore,
	}
}

// Start begins the retention loop. It runs until the context is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("retention: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop gracefully stops the retention daemon.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	return nil
}

// run is the main retention loop.
func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// runOnce performs a single retention cycle across all datasources.
func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	names, err := d.store.RetrieveAllDataSourceNames(ctx)
	if err != nil {
		log.Printf("retention: failed to list datasources: %v", err)
		return
	}

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		if err := d.killDataSource(ctx, name); err != nil {
			log.Printf("retention: kill cycle failed for datasource %s: %v", name, err)
			// Continue with other datasources
		}
	}
}

// killDataSource kills stale unused segments of one datasource: finds the
// candidate intervals, then for each interval deletes the segment objects and
// finally the metadata rows.
func (d *Daemon) killDataSource(ctx context.Context, datasource string) error {
	cutoff := time.Now().Add(-d.config.BufferPeriod)

	intervals, err := d.store.UnusedSegmentIntervals(
		ctx, datasource, nil, types.Eternity().EndTime(), d.config.BatchLimit, cutoff)
	if err != nil {
		return fmt.Errorf("failed to find unused intervals: %w", err)
	}
	if len(intervals) == 0 {
		return nil
	}

	taskID := uuid.NewString()
	log.Printf("retention: task %s: killing %d intervals of datasource %s (unused since before %s)",
		taskID, len(intervals), datasource, cutoff.UTC().Format(time.RFC3339))

	for _, interval := range intervals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.killInterval(ctx, taskID, datasource, interval, cutoff); err != nil {
			log.Printf("retention: task %s: failed to kill interval %s: %v", taskID, interval, err)
			// Continue with other intervals
		}
	}
	return nil
}

// killInterval deletes the deep storage objects of stale unused segments in
// one interval, then their rows. Rows whose object delete failed are kept so
// a later cycle retries them; deleting the row first would orphan the object
// forever.
func (d *Daemon) killInterval(ctx context.Context, taskID, datasource string, interval types.Interval, cutoff time.Time) error {
	records, err := d.store.RetrieveUnusedSegmentsInInterval(ctx, datasource, interval, nil)
	if err != nil {
		return fmt.Errorf("failed to load unused segments: %w", err)
	}

	// UnusedSegmentIntervals proved the interval holds stale rows, but the
	// interval may also hold rows that went unused only recently. Re-check
	// staleness per row.
	var stale []metadata.SegmentRecord
	for _, rec := range records {
		if rec.UsedStatusLastUpdated == nil || rec.UsedStatusLastUpdated.After(cutoff) {
			continue
		}
		stale = append(stale, rec)
	}
	if len(stale) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(int64(d.config.DeleteConcurrency))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		killable []types.SegmentID
	)
	for _, rec := range stale {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(rec metadata.SegmentRecord) {
			defer wg.Done()
			defer sem.Release(1)

			if path := rec.Segment.LoadSpec.Path; path != "" {
				if err := d.storage.Delete(ctx, path); err != nil {
					log.Printf("retention: task %s: failed to delete object %s: %v", taskID, path, err)
					return
				}
			}
			mu.Lock()
			killable = append(killable, rec.Segment.ID())
			mu.Unlock()
		}(rec)
	}
	wg.Wait()

	if len(killable) == 0 {
		return nil
	}
	n, err := d.store.DeleteSegments(ctx, killable)
	if err != nil {
		return fmt.Errorf("failed to delete segment rows: %w", err)
	}
	log.Printf("retention: task %s: killed %d segments in interval %s of datasource %s",
		taskID, n, interval, datasource)
	return nil
}

// RunOnce performs a single retention cycle (useful for testing).
func (d *Daemon) RunOnce(ctx context.Context) {
	d.runOnce(ctx)
}

// KillDataSource manually triggers a kill cycle for one datasource.
func (d *Daemon) KillDataSource(ctx context.Context, datasource string) error {
	return d.killDataSource(ctx, datasource)
}
