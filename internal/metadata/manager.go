package metadata

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/stratadb/strata/internal/errors"
	"github.com/stratadb/strata/internal/observability"
	"github.com/stratadb/strata/internal/timeline"
	"github.com/stratadb/strata/pkg/types"
)

// ManagerConfig holds configuration for the segments metadata manager.
type ManagerConfig struct {
	// PollPeriod is how often the periodic poll refreshes the snapshot.
	PollPeriod time.Duration

	// OnDemandPollTimeout bounds how long a freshness-checked read waits for
	// a poll it triggered. Zero means no extra bound beyond the caller's
	// context.
	OnDemandPollTimeout time.Duration

	// MaxStaleness is the snapshot age beyond which freshness-checked reads
	// trigger a new poll instead of reusing the cached snapshot.
	MaxStaleness time.Duration
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PollPeriod:          time.Minute,
		OnDemandPollTimeout: 30 * time.Second,
		MaxStaleness:        time.Minute,
	}
}

// SegmentsMetadataManager maintains the in-memory snapshot of segment
// metadata and mediates all used-flag mutations against the store. Snapshots
// are published atomically; readers never see a partially built view.
//
// The manager distinguishes two lifecycle levels: Start/Stop gate all
// operations (a stopped manager rejects polls and drops its snapshot), while
// StartPollingPeriodically/StopPollingPeriodically control only the
// background refresh loop. On-demand polls work without the periodic loop.
type SegmentsMetadataManager struct {
	config ManagerConfig
	store  SegmentStore
	stats  *observability.PollStats

	mu          sync.Mutex
	started     bool
	polling     bool
	cancelPoll  context.CancelFunc
	pollingDone chan struct{}
	currentPoll *databasePoll

	snapshot atomic.Pointer[DataSourcesSnapshot]

	// seq increases across the manager's whole lifetime, never resetting on
	// Stop/Start, so snapshot consumers can rely on monotonicity.
	seq atomic.Uint64
}

// NewSegmentsMetadataManager creates a manager over the given store.
func NewSegmentsMetadataManager(config ManagerConfig, store SegmentStore) *SegmentsMetadataManager {
	return &SegmentsMetadataManager{
		config: config,
		store:  store,
		stats:  observability.NewPollStats(),
	}
}

// Stats returns the manager's poll statistics collector.
func (m *SegmentsMetadataManager) Stats() *observability.PollStats { return m.stats }

// Start makes the manager operational. Repeated calls while started are
// no-ops. It does not poll; the first snapshot appears when the periodic
// loop or an on-demand caller triggers one.
func (m *SegmentsMetadataManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	m.started = true
	log.Printf("metadata: manager started")
	return nil
}

// Stop halts periodic polling and drops the current snapshot. The poll
// sequence counter is preserved so snapshots published after a restart are
// still newer than any published before it.
func (m *SegmentsMetadataManager) Stop() error {
	if err := m.StopPollingPeriodically(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	m.snapshot.Store(nil)
	log.Printf("metadata: manager stopped")
	return nil
}

// IsStarted reports whether the manager is operational.
func (m *SegmentsMetadataManager) IsStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// StartPollingPeriodically launches the background refresh loop. The loop
// polls immediately and then every PollPeriod.
func (m *SegmentsMetadataManager) StartPollingPeriodically() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return errs.New(errs.ErrCategoryPoll, errs.CodeNotStarted, "metadata manager is not started")
	}
	if m.polling {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelPoll = cancel
	m.polling = true
	m.pollingDone = make(chan struct{})

	go m.pollLoop(ctx, m.pollingDone)
	log.Printf("metadata: periodic polling started, period=%v", m.config.PollPeriod)
	return nil
}

// StopPollingPeriodically stops the background refresh loop and waits for it
// to exit. An in-flight table scan is allowed to finish; only the loop's
// scheduling stops.
func (m *SegmentsMetadataManager) StopPollingPeriodically() error {
	m.mu.Lock()
	if !m.polling {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancelPoll
	done := m.pollingDone
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	m.polling = false
	m.mu.Unlock()
	log.Printf("metadata: periodic polling stopped")
	return nil
}

// IsPollingPeriodically reports whether the background refresh loop runs.
func (m *SegmentsMetadataManager) IsPollingPeriodically() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polling
}

// pollLoop is the periodic refresh loop.
func (m *SegmentsMetadataManager) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Poll immediately on start
	if _, err := m.pollOrWait(ctx, pollPeriodic); err != nil && ctx.Err() == nil {
		log.Printf("[WARN] metadata: initial poll failed: %v", err)
	}

	ticker := time.NewTicker(m.config.PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.pollOrWait(ctx, pollPeriodic); err != nil && ctx.Err() == nil {
				log.Printf("[WARN] metadata: periodic poll failed: %v", err)
			}
		}
	}
}

// LatestSnapshot returns the most recently published snapshot, or nil if no
// poll has succeeded since the manager started.
func (m *SegmentsMetadataManager) LatestSnapshot() *DataSourcesSnapshot {
	return m.snapshot.Load()
}

// ForceOrWaitOngoingPoll returns a snapshot at least as new as the moment of
// the call: if a poll is already in flight it waits for that one, otherwise
// it runs a poll itself. Any number of concurrent callers share one scan.
func (m *SegmentsMetadataManager) ForceOrWaitOngoingPoll(ctx context.Context) (*DataSourcesSnapshot, error) {
	return m.pollOrWait(ctx, pollOnDemand)
}

// UseLatestSnapshotIfWithinDelay returns the cached snapshot when periodic
// polling is active and the snapshot is younger than MaxStaleness. It never
// touches the store: without periodic polling there is no freshness
// guarantee to lean on, so it reports false and the caller decides whether
// to poll.
func (m *SegmentsMetadataManager) UseLatestSnapshotIfWithinDelay() (*DataSourcesSnapshot, bool) {
	if !m.IsPollingPeriodically() {
		return nil, false
	}
	snap := m.snapshot.Load()
	if snap == nil || time.Since(snap.CreatedAt()) > m.config.MaxStaleness {
		return nil, false
	}
	return snap, true
}

// snapshotWithinDelayOrPoll returns a fresh-enough snapshot: the cached one
// when UseLatestSnapshotIfWithinDelay accepts it, otherwise the result of a
// poll bounded by OnDemandPollTimeout.
func (m *SegmentsMetadataManager) snapshotWithinDelayOrPoll(ctx context.Context) (*DataSourcesSnapshot, error) {
	if snap, ok := m.UseLatestSnapshotIfWithinDelay(); ok {
		return snap, nil
	}

	if m.config.OnDemandPollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.OnDemandPollTimeout)
		defer cancel()
	}
	return m.pollOrWait(ctx, pollOnDemand)
}

// pollOrWait is the single-flight gate: if a poll is pending, wait on it;
// otherwise become the poller. The poll itself runs under a background
// context so a waiter timing out, or the periodic loop stopping, never
// cancels a scan other callers are waiting on.
func (m *SegmentsMetadataManager) pollOrWait(ctx context.Context, trigger pollTrigger) (*DataSourcesSnapshot, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil, errs.New(errs.ErrCategoryPoll, errs.CodeNotStarted, "metadata manager is not started")
	}
	if p := m.currentPoll; p != nil {
		m.mu.Unlock()
		return p.wait(ctx)
	}
	p := newDatabasePoll(trigger)
	m.currentPoll = p
	m.mu.Unlock()

	snap, err := m.executePoll(context.Background(), trigger)

	m.mu.Lock()
	m.currentPoll = nil
	m.mu.Unlock()
	p.complete(snap, err)

	if err != nil {
		return nil, err
	}
	return snap, nil
}

// executePoll scans the store and publishes a new snapshot. A failed scan
// leaves the previous snapshot in place.
func (m *SegmentsMetadataManager) executePoll(ctx context.Context, trigger pollTrigger) (*DataSourcesSnapshot, error) {
	start := time.Now()
	records, skipped, err := m.store.FetchAllSegmentRecords(ctx)
	if err != nil {
		m.stats.RecordFailure()
		log.Printf("[WARN] metadata: %s poll failed, keeping previous snapshot: %v", trigger, err)
		return nil, errs.NewPollError("failed to poll segments table", err)
	}

	snap := BuildSnapshot(m.seq.Add(1), time.Now().UTC(), records, skipped)

	// Publish only while started: a poll racing with Stop must not
	// resurrect a snapshot on a stopped manager.
	m.mu.Lock()
	if m.started {
		m.snapshot.Store(snap)
	}
	m.mu.Unlock()

	m.stats.RecordSuccess(time.Since(start), len(records), skipped)
	log.Printf("metadata: %s poll completed in %v: seq=%d rows=%d skipped=%d datasources=%d overshadowed=%d",
		trigger, time.Since(start).Round(time.Millisecond), snap.Seq(), len(records), skipped,
		len(snap.DataSourceNames()), snap.OvershadowedCount())
	return snap, nil
}

// MarkSegmentAsUsed marks one segment used. Returns true if the flag
// actually changed.
func (m *SegmentsMetadataManager) MarkSegmentAsUsed(ctx context.Context, id types.SegmentID) (bool, error) {
	n, err := m.store.SetUsed(ctx, []types.SegmentID{id}, true)
	return n > 0, err
}

// MarkSegmentAsUnused marks one segment unused. Returns true if the flag
// actually changed.
func (m *SegmentsMetadataManager) MarkSegmentAsUnused(ctx context.Context, id types.SegmentID) (bool, error) {
	n, err := m.store.SetUsed(ctx, []types.SegmentID{id}, false)
	return n > 0, err
}

// MarkSegmentsAsUnused marks the given segments unused, returning how many
// flags changed. Already-unused or unknown ids contribute zero.
func (m *SegmentsMetadataManager) MarkSegmentsAsUnused(ctx context.Context, ids []types.SegmentID) (int64, error) {
	return m.store.SetUsed(ctx, ids, false)
}

// MarkDataSourceAsUnused marks every used segment of a datasource unused.
func (m *SegmentsMetadataManager) MarkDataSourceAsUnused(ctx context.Context, datasource string) (int64, error) {
	n, err := m.store.MarkDataSourceUnused(ctx, datasource)
	if err != nil {
		return 0, err
	}
	log.Printf("metadata: marked %d segments of datasource %s as unused", n, datasource)
	return n, nil
}

// MarkSegmentsAsUnusedInInterval marks used segments fully contained in the
// interval as unused. versions semantics: nil matches any version, a non-nil
// empty slice matches none.
func (m *SegmentsMetadataManager) MarkSegmentsAsUnusedInInterval(ctx context.Context, datasource string, interval types.Interval, versions []string) (int64, error) {
	if interval.IsEmpty() {
		return 0, errs.NewValidationError(errs.CodeInvalidInterval,
			fmt.Sprintf("interval %s is empty", interval))
	}
	return m.store.MarkIntervalUnused(ctx, datasource, interval, versions)
}

// MarkNonOvershadowedSegmentsAsUsed marks the given unused segments used,
// except those that would be immediately overshadowed by the currently used
// segments. Every requested id must exist and belong to the datasource;
// otherwise nothing is changed.
func (m *SegmentsMetadataManager) MarkNonOvershadowedSegmentsAsUsed(ctx context.Context, datasource string, ids []types.SegmentID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	for _, id := range ids {
		if id.DataSource != datasource {
			return 0, errs.NewValidationError(errs.CodeWrongDataSource,
				fmt.Sprintf("segment %s does not belong to datasource %s", id, datasource))
		}
	}

	records, err := m.store.RetrieveSegments(ctx, datasource, ids)
	if err != nil {
		return 0, err
	}
	found := make(map[types.SegmentID]types.DataSegment, len(records))
	for _, rec := range records {
		found[rec.Segment.ID()] = rec.Segment
	}
	candidates := make([]types.DataSegment, 0, len(ids))
	for _, id := range ids {
		seg, ok := found[id]
		if !ok {
			return 0, errs.NewValidationError(errs.CodeSegmentNotFound,
				fmt.Sprintf("segment %s not found in datasource %s", id, datasource))
		}
		candidates = append(candidates, seg)
	}

	return m.markNonOvershadowed(ctx, datasource, candidates)
}

// MarkNonOvershadowedSegmentsAsUsedInInterval marks the unused segments
// fully contained in the interval used, except those that would be
// immediately overshadowed. versions semantics match
// MarkSegmentsAsUnusedInInterval.
func (m *SegmentsMetadataManager) MarkNonOvershadowedSegmentsAsUsedInInterval(ctx context.Context, datasource string, interval types.Interval, versions []string) (int64, error) {
	if interval.IsEmpty() {
		return 0, errs.NewValidationError(errs.CodeInvalidInterval,
			fmt.Sprintf("interval %s is empty", interval))
	}

	records, err := m.store.RetrieveUnusedSegmentsInInterval(ctx, datasource, interval, versions)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	candidates := make([]types.DataSegment, 0, len(records))
	for _, rec := range records {
		candidates = append(candidates, rec.Segment)
	}

	return m.markNonOvershadowed(ctx, datasource, candidates)
}

// markNonOvershadowed resolves the candidates against the currently used
// segments and flips used for those that stay visible in the combined view.
func (m *SegmentsMetadataManager) markNonOvershadowed(ctx context.Context, datasource string, candidates []types.DataSegment) (int64, error) {
	used, err := m.store.RetrieveUsedSegments(ctx, datasource)
	if err != nil {
		return 0, err
	}

	combined := make([]types.DataSegment, 0, len(used)+len(candidates))
	combined = append(combined, used...)
	combined = append(combined, candidates...)
	res := timeline.Resolve(combined)

	toUse := make([]types.SegmentID, 0, len(candidates))
	for _, c := range candidates {
		if !res.IsOvershadowed(c.ID()) {
			toUse = append(toUse, c.ID())
		}
	}
	if len(toUse) == 0 {
		return 0, nil
	}
	n, err := m.store.SetUsed(ctx, toUse, true)
	if err != nil {
		return n, err
	}
	log.Printf("metadata: marked %d of %d candidate segments of datasource %s as used",
		n, len(candidates), datasource)
	return n, nil
}

// IterateUsedNonOvershadowedSegmentsInInterval returns the visible used
// segments of a datasource overlapping the interval. With requiresLatest it
// forces (or joins) a poll first; otherwise it accepts a snapshot within
// MaxStaleness.
func (m *SegmentsMetadataManager) IterateUsedNonOvershadowedSegmentsInInterval(ctx context.Context, datasource string, interval types.Interval, requiresLatest bool) ([]types.DataSegment, error) {
	var (
		snap *DataSourcesSnapshot
		err  error
	)
	if requiresLatest {
		snap, err = m.ForceOrWaitOngoingPoll(ctx)
	} else {
		snap, err = m.snapshotWithinDelayOrPoll(ctx)
	}
	if err != nil {
		return nil, err
	}
	return snap.SegmentsOverlapping(datasource, interval), nil
}

// IterateAllUsedSegments returns the visible used segments across all
// datasources, ordered by datasource name and then by segment id. With
// requiresLatest it forces (or joins) a poll first; otherwise it accepts a
// snapshot within MaxStaleness.
func (m *SegmentsMetadataManager) IterateAllUsedSegments(ctx context.Context, requiresLatest bool) ([]types.DataSegment, error) {
	var (
		snap *DataSourcesSnapshot
		err  error
	)
	if requiresLatest {
		snap, err = m.ForceOrWaitOngoingPoll(ctx)
	} else {
		snap, err = m.snapshotWithinDelayOrPoll(ctx)
	}
	if err != nil {
		return nil, err
	}
	return snap.AllSegments(), nil
}

// UnusedSegmentIntervals returns the distinct intervals of unused segments
// whose used flag last changed before maxLastUpdated, ascending by start.
func (m *SegmentsMetadataManager) UnusedSegmentIntervals(ctx context.Context, datasource string, minStart *time.Time, maxEnd time.Time, limit int, maxLastUpdated time.Time) ([]types.Interval, error) {
	return m.store.UnusedSegmentIntervals(ctx, datasource, minStart, maxEnd, limit, maxLastUpdated)
}

// PopulateUsedFlagLastUpdated backfills missing used_status_last_updated
// values so retention can eventually consider legacy rows.
func (m *SegmentsMetadataManager) PopulateUsedFlagLastUpdated(ctx context.Context) (int64, error) {
	log.Printf("metadata: starting backfill of used_status_last_updated")
	n, err := m.store.PopulateUsedFlagLastUpdated(ctx)
	if err != nil {
		return n, err
	}
	log.Printf("metadata: backfill completed, %d rows updated", n)
	return n, nil
}

// RetrieveAllDataSourceNames returns the distinct datasource names across
// all segment rows, used and unused.
func (m *SegmentsMetadataManager) RetrieveAllDataSourceNames(ctx context.Context) ([]string, error) {
	return m.store.RetrieveAllDataSourceNames(ctx)
}
