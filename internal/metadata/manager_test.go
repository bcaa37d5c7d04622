package metadata

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	errs "github.com/stratadb/strata/internal/errors"
	"github.com/stratadb/strata/pkg/types"
)

// instrumentedStore wraps the real store so tests can count, block, and fail
// table scans.
type instrumentedStore struct {
	*SQLiteSegmentStore

	mu         sync.Mutex
	fetchCalls int
	failNext   bool
	gate       chan struct{}
}

func (s *instrumentedStore) FetchAllSegmentRecords(ctx context.Context) ([]SegmentRecord, int, error) {
	s.mu.Lock()
	s.fetchCalls++
	fail := s.failNext
	s.failNext = false
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return nil, 0, fmt.Errorf("injected scan failure")
	}
	return s.SQLiteSegmentStore.FetchAllSegmentRecords(ctx)
}

func (s *instrumentedStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*SegmentsMetadataManager, *instrumentedStore) {
	t.Helper()
	store := &instrumentedStore{SQLiteSegmentStore: newTestStore(t)}
	mgr := NewSegmentsMetadataManager(cfg, store)
	t.Cleanup(func() { mgr.Stop() })
	return mgr, store
}

func startedManager(t *testing.T, cfg ManagerConfig) (*SegmentsMetadataManager, *instrumentedStore) {
	t.Helper()
	mgr, store := newTestManager(t, cfg)
	if err := mgr.Start(); err != nil {
		t.Fatalf("failed to start manager: %v", err)
	}
	return mgr, store
}

func TestManager_PollRequiresStart(t *testing.T) {
	mgr, _ := newTestManager(t, DefaultManagerConfig())

	_, err := mgr.ForceOrWaitOngoingPoll(context.Background())
	if err == nil {
		t.Fatal("poll on a stopped manager should fail")
	}
	if errs.GetCode(err) != errs.CodeNotStarted {
		t.Errorf("expected NOT_STARTED, got %v", err)
	}
	if err := mgr.StartPollingPeriodically(); errs.GetCode(err) != errs.CodeNotStarted {
		t.Errorf("periodic polling on a stopped manager should fail, got %v", err)
	}
}

func TestManager_StartIsIdempotent(t *testing.T) {
	mgr, _ := startedManager(t, DefaultManagerConfig())

	if err := mgr.Start(); err != nil {
		t.Errorf("repeated start should be a no-op, got %v", err)
	}
	if !mgr.IsStarted() {
		t.Error("manager should still be started after a repeated start")
	}
}

func TestManager_ForceOrWaitPublishesSnapshot(t *testing.T) {
	mgr, store := startedManager(t, DefaultManagerConfig())
	ctx := context.Background()

	seg := testSegment("wiki", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v1")
	if err := store.PublishSegment(ctx, seg, true); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	if mgr.LatestSnapshot() != nil {
		t.Fatal("no snapshot should exist before the first poll")
	}

	snap, err := mgr.ForceOrWaitOngoingPoll(ctx)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if snap.Seq() != 1 {
		t.Errorf("first snapshot should have seq 1, got %d", snap.Seq())
	}
	if ds := snap.DataSource("wiki"); ds == nil || ds.NumSegments() != 1 {
		t.Error("snapshot should contain the published segment")
	}
	if mgr.LatestSnapshot() != snap {
		t.Error("LatestSnapshot should return the freshly published snapshot")
	}

	// Snapshots stay immutable: a mutation is invisible until the next poll
	if _, err := mgr.MarkSegmentAsUnused(ctx, seg.ID()); err != nil {
		t.Fatalf("failed to mark unused: %v", err)
	}
	if ds := mgr.LatestSnapshot().DataSource("wiki"); ds == nil || ds.NumSegments() != 1 {
		t.Error("existing snapshot must not change under a mutation")
	}

	snap2, err := mgr.ForceOrWaitOngoingPoll(ctx)
	if err != nil {
		t.Fatalf("second poll failed: %v", err)
	}
	if snap2.Seq() != 2 {
		t.Errorf("seq should increase to 2, got %d", snap2.Seq())
	}
	if snap2.DataSource("wiki") != nil {
		t.Error("datasource with no used segments should be absent after re-poll")
	}
}

func TestManager_ConcurrentPollsShareOneScan(t *testing.T) {
	mgr, store := startedManager(t, DefaultManagerConfig())
	ctx := context.Background()

	gate := make(chan struct{})
	store.mu.Lock()
	store.gate = gate
	store.mu.Unlock()

	type result struct {
		snap *DataSourcesSnapshot
		err  error
	}
	results := make(chan result, 10)

	// First caller becomes the poller and blocks on the gate
	go func() {
		snap, err := mgr.ForceOrWaitOngoingPoll(ctx)
		results <- result{snap, err}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for store.calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("poller never reached the store")
		}
		time.Sleep(time.Millisecond)
	}

	// The rest join the in-flight poll
	for i := 0; i < 9; i++ {
		go func() {
			snap, err := mgr.ForceOrWaitOngoingPoll(ctx)
			results <- result{snap, err}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)

	var first *DataSourcesSnapshot
	for i := 0; i < 10; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("waiter %d failed: %v", i, r.err)
		}
		if first == nil {
			first = r.snap
		} else if r.snap != first {
			t.Error("all concurrent callers should share one snapshot")
		}
	}
	if got := store.calls(); got != 1 {
		t.Errorf("10 concurrent polls should cost 1 scan, got %d", got)
	}
}

func TestManager_WaiterTimeoutDoesNotCancelPoll(t *testing.T) {
	mgr, store := startedManager(t, DefaultManagerConfig())

	gate := make(chan struct{})
	store.mu.Lock()
	store.gate = gate
	store.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.ForceOrWaitOngoingPoll(context.Background())
	}()
	deadline := time.Now().Add(2 * time.Second)
	for store.calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("poller never reached the store")
		}
		time.Sleep(time.Millisecond)
	}

	// A waiter with an expired context gives up without killing the poll
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mgr.ForceOrWaitOngoingPoll(ctx); err != context.Canceled {
		t.Errorf("expected context.Canceled for the waiter, got %v", err)
	}

	close(gate)
	<-done
	if mgr.LatestSnapshot() == nil {
		t.Error("the poll should still have completed and published")
	}
}

func TestManager_FailedPollKeepsPreviousSnapshot(t *testing.T) {
	mgr, store := startedManager(t, DefaultManagerConfig())
	ctx := context.Background()

	if err := store.PublishSegment(ctx, testSegment("wiki", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v1"), true); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	snap, err := mgr.ForceOrWaitOngoingPoll(ctx)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	store.mu.Lock()
	store.failNext = true
	store.mu.Unlock()

	_, err = mgr.ForceOrWaitOngoingPoll(ctx)
	if err == nil {
		t.Fatal("poll with injected failure should return an error")
	}
	if errs.GetCode(err) != errs.CodePollFailed {
		t.Errorf("expected POLL_FAILED, got %v", err)
	}
	if !errs.IsRetryable(err) {
		t.Error("poll failures should be retryable")
	}
	if mgr.LatestSnapshot() != snap {
		t.Error("failed poll must keep the previous snapshot")
	}

	stats := mgr.Stats().Snapshot()
	if stats.SuccessCount != 1 || stats.FailureCount != 1 {
		t.Errorf("expected 1 success and 1 failure, got %+v", stats)
	}

	// The next successful poll resumes the sequence
	snap2, err := mgr.ForceOrWaitOngoingPoll(ctx)
	if err != nil {
		t.Fatalf("recovery poll failed: %v", err)
	}
	if snap2.Seq() <= snap.Seq() {
		t.Errorf("seq must stay monotonic across failures: %d then %d", snap.Seq(), snap2.Seq())
	}
}

func startedPollingManager(t *testing.T, cfg ManagerConfig) (*SegmentsMetadataManager, *instrumentedStore) {
	t.Helper()
	mgr, store := startedManager(t, cfg)
	if err := mgr.StartPollingPeriodically(); err != nil {
		t.Fatalf("failed to start polling: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for mgr.LatestSnapshot() == nil {
		if time.Now().After(deadline) {
			t.Fatal("initial periodic poll never published a snapshot")
		}
		time.Sleep(time.Millisecond)
	}
	return mgr, store
}

func TestManager_UseLatestSnapshotWithinDelay(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.PollPeriod = time.Hour
	cfg.MaxStaleness = time.Hour
	mgr, store := startedPollingManager(t, cfg)
	before := store.calls()

	snap, ok := mgr.UseLatestSnapshotIfWithinDelay()
	if !ok || snap == nil {
		t.Fatal("a fresh snapshot under active polling should be reused")
	}
	if store.calls() != before {
		t.Error("the freshness check must not touch the store")
	}
}

func TestManager_UseLatestSnapshotRequiresPeriodicPolling(t *testing.T) {
	mgr, store := startedManager(t, DefaultManagerConfig())

	// Without the periodic loop no freshness guarantee exists, so the check
	// declines without any store read
	snap, ok := mgr.UseLatestSnapshotIfWithinDelay()
	if ok || snap != nil {
		t.Fatal("no snapshot should be returned when periodic polling is off")
	}
	if got := store.calls(); got != 0 {
		t.Errorf("the check must perform no store reads, got %d scans", got)
	}
	if mgr.LatestSnapshot() != nil {
		t.Error("no snapshot should have been published")
	}
}

func TestManager_StaleSnapshotIsNotReused(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.PollPeriod = time.Hour
	cfg.MaxStaleness = 0 // Everything is stale
	mgr, store := startedPollingManager(t, cfg)
	before := store.calls()

	if _, ok := mgr.UseLatestSnapshotIfWithinDelay(); ok {
		t.Error("a stale snapshot must not be reused")
	}
	if store.calls() != before {
		t.Error("the freshness check must not poll on its own")
	}
}

func TestManager_PollerKeepsResultDespiteExpiredContext(t *testing.T) {
	mgr, _ := startedManager(t, DefaultManagerConfig())

	// The scan runs under a background context, so a poller whose own
	// context already expired still gets the successful result
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap, err := mgr.ForceOrWaitOngoingPoll(ctx)
	if err != nil {
		t.Fatalf("a completed poll should be returned to its poller, got %v", err)
	}
	if snap == nil || snap.Seq() != 1 {
		t.Error("expected the freshly polled snapshot")
	}
	if mgr.LatestSnapshot() != snap {
		t.Error("the snapshot should have been published")
	}
}

func TestManager_StopClearsSnapshotKeepsSeq(t *testing.T) {
	mgr, _ := startedManager(t, DefaultManagerConfig())
	ctx := context.Background()

	snap, err := mgr.ForceOrWaitOngoingPoll(ctx)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}

	if err := mgr.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if mgr.LatestSnapshot() != nil {
		t.Error("stop should drop the snapshot")
	}
	if _, err := mgr.ForceOrWaitOngoingPoll(ctx); errs.GetCode(err) != errs.CodeNotStarted {
		t.Errorf("poll after stop should fail with NOT_STARTED, got %v", err)
	}

	// Restart: the sequence continues rather than restarting at 1
	if err := mgr.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	snap2, err := mgr.ForceOrWaitOngoingPoll(ctx)
	if err != nil {
		t.Fatalf("poll after restart failed: %v", err)
	}
	if snap2.Seq() <= snap.Seq() {
		t.Errorf("seq must stay monotonic across restart: %d then %d", snap.Seq(), snap2.Seq())
	}
}

func TestManager_PeriodicPolling(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.PollPeriod = 20 * time.Millisecond
	mgr, store := startedManager(t, cfg)

	if mgr.IsPollingPeriodically() {
		t.Fatal("polling should be off before StartPollingPeriodically")
	}
	if err := mgr.StartPollingPeriodically(); err != nil {
		t.Fatalf("failed to start polling: %v", err)
	}
	if !mgr.IsPollingPeriodically() {
		t.Error("polling should be on")
	}
	// Idempotent
	if err := mgr.StartPollingPeriodically(); err != nil {
		t.Errorf("second StartPollingPeriodically should be a no-op, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mgr.LatestSnapshot() == nil || store.calls() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("periodic polling never refreshed the snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := mgr.StopPollingPeriodically(); err != nil {
		t.Fatalf("failed to stop polling: %v", err)
	}
	if mgr.IsPollingPeriodically() {
		t.Error("polling should be off after stop")
	}
	// The snapshot survives; only the refresh loop stopped
	if mgr.LatestSnapshot() == nil {
		t.Error("stopping the loop must not drop the snapshot")
	}

	calls := store.calls()
	time.Sleep(80 * time.Millisecond)
	if store.calls() != calls {
		t.Error("no scans should happen after the loop stops")
	}
}

func TestManager_MarkNonOvershadowedSegmentsAsUsed(t *testing.T) {
	mgr, store := startedManager(t, DefaultManagerConfig())
	ctx := context.Background()

	// v2 is used and covers the interval; v1 is unused and would be hidden,
	// v3 is unused and strictly newer.
	v1 := testSegment("wiki", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v1")
	v2 := testSegment("wiki", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v2")
	v3 := testSegment("wiki", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v3")
	if err := store.PublishSegment(ctx, v1, false); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	if err := store.PublishSegment(ctx, v2, true); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	if err := store.PublishSegment(ctx, v3, false); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	n, err := mgr.MarkNonOvershadowedSegmentsAsUsed(ctx, "wiki", []types.SegmentID{v1.ID(), v3.ID()})
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if n != 1 {
		t.Errorf("only v3 should be marked used, got %d", n)
	}

	used, err := store.RetrieveUsedSegments(ctx, "wiki")
	if err != nil {
		t.Fatalf("failed to retrieve: %v", err)
	}
	usedIDs := make(map[types.SegmentID]bool)
	for _, s := range used {
		usedIDs[s.ID()] = true
	}
	if usedIDs[v1.ID()] || !usedIDs[v2.ID()] || !usedIDs[v3.ID()] {
		t.Errorf("expected v2 and v3 used, v1 unused; got %v", usedIDs)
	}
}

func TestManager_MarkNonOvershadowedValidation(t *testing.T) {
	mgr, store := startedManager(t, DefaultManagerConfig())
	ctx := context.Background()

	seg := testSegment("wiki", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v1")
	if err := store.PublishSegment(ctx, seg, false); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	// Id belonging to another datasource
	foreign := testSegment("books", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v1").ID()
	_, err := mgr.MarkNonOvershadowedSegmentsAsUsed(ctx, "wiki", []types.SegmentID{seg.ID(), foreign})
	if errs.GetCode(err) != errs.CodeWrongDataSource {
		t.Errorf("expected WRONG_DATASOURCE, got %v", err)
	}

	// Unknown id
	phantom := testSegment("wiki", "2013-01-01T00:00:00Z/2013-01-02T00:00:00Z", "v1").ID()
	_, err = mgr.MarkNonOvershadowedSegmentsAsUsed(ctx, "wiki", []types.SegmentID{seg.ID(), phantom})
	if errs.GetCode(err) != errs.CodeSegmentNotFound {
		t.Errorf("expected SEGMENT_NOT_FOUND, got %v", err)
	}

	// Validation failures change nothing
	used, err := store.RetrieveUsedSegments(ctx, "wiki")
	if err != nil {
		t.Fatalf("failed to retrieve: %v", err)
	}
	if len(used) != 0 {
		t.Errorf("no segment should have been marked used, got %d", len(used))
	}
}

func TestManager_MarkNonOvershadowedSegmentsAsUsedInInterval(t *testing.T) {
	mgr, store := startedManager(t, DefaultManagerConfig())
	ctx := context.Background()

	v1 := testSegment("wiki", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v1")
	v2 := testSegment("wiki", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v2")
	outside := testSegment("wiki", "2012-02-01T00:00:00Z/2012-02-02T00:00:00Z", "v1")
	for _, s := range []types.DataSegment{v1, v2, outside} {
		if err := store.PublishSegment(ctx, s, false); err != nil {
			t.Fatalf("failed to publish: %v", err)
		}
	}

	interval := types.MustParseInterval("2012-01-01T00:00:00Z/2012-01-10T00:00:00Z")
	n, err := mgr.MarkNonOvershadowedSegmentsAsUsedInInterval(ctx, "wiki", interval, nil)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	// v1 is overshadowed by v2 within the candidates themselves
	if n != 1 {
		t.Errorf("only v2 should be marked used, got %d", n)
	}

	// Non-nil empty version list matches nothing
	n, err = mgr.MarkNonOvershadowedSegmentsAsUsedInInterval(ctx, "wiki", interval, []string{})
	if err != nil {
		t.Fatalf("mark with empty versions failed: %v", err)
	}
	if n != 0 {
		t.Errorf("empty version list should mark nothing, got %d", n)
	}
}

func TestManager_MarkSegmentsAsUnusedInIntervalValidatesInterval(t *testing.T) {
	mgr, _ := startedManager(t, DefaultManagerConfig())

	empty := types.Interval{Start: 10, End: 10}
	_, err := mgr.MarkSegmentsAsUnusedInInterval(context.Background(), "wiki", empty, nil)
	if errs.GetCode(err) != errs.CodeInvalidInterval {
		t.Errorf("expected INVALID_INTERVAL, got %v", err)
	}
}

func TestManager_MarkDataSourceAsUnused(t *testing.T) {
	mgr, store := startedManager(t, DefaultManagerConfig())
	ctx := context.Background()

	for i, ivl := range []string{
		"2012-01-01T00:00:00Z/2012-01-02T00:00:00Z",
		"2012-01-02T00:00:00Z/2012-01-03T00:00:00Z",
	} {
		seg := testSegment("wiki", ivl, fmt.Sprintf("v%d", i+1))
		if err := store.PublishSegment(ctx, seg, true); err != nil {
			t.Fatalf("failed to publish: %v", err)
		}
	}

	n, err := mgr.MarkDataSourceAsUnused(ctx, "wiki")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 segments marked unused, got %d", n)
	}
}

func TestManager_IterateUsedNonOvershadowedSegmentsInInterval(t *testing.T) {
	mgr, store := startedManager(t, DefaultManagerConfig())
	ctx := context.Background()

	older := testSegment("wiki", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v1")
	newer := testSegment("wiki", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v2")
	far := testSegment("wiki", "2012-03-01T00:00:00Z/2012-03-02T00:00:00Z", "v1")
	for _, s := range []types.DataSegment{older, newer, far} {
		if err := store.PublishSegment(ctx, s, true); err != nil {
			t.Fatalf("failed to publish: %v", err)
		}
	}

	interval := types.MustParseInterval("2012-01-01T00:00:00Z/2012-01-10T00:00:00Z")
	segments, err := mgr.IterateUsedNonOvershadowedSegmentsInInterval(ctx, "wiki", interval, true)
	if err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected 1 visible overlapping segment, got %d", len(segments))
	}
	if segments[0].ID() != newer.ID() {
		t.Errorf("expected the newer version, got %s", segments[0].ID())
	}

	// Without requiresLatest and with no reusable snapshot the read still
	// polls for one
	before := store.calls()
	segments, err = mgr.IterateUsedNonOvershadowedSegmentsInInterval(ctx, "wiki", interval, false)
	if err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected 1 visible overlapping segment, got %d", len(segments))
	}
	if store.calls() != before+1 {
		t.Errorf("expected one additional scan, got %d", store.calls()-before)
	}
}

func TestManager_IterateAllUsedSegments(t *testing.T) {
	mgr, store := startedManager(t, DefaultManagerConfig())
	ctx := context.Background()

	booksOld := testSegment("books", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v1")
	booksNew := testSegment("books", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v2")
	wiki := testSegment("wiki", "2012-01-01T00:00:00Z/2012-01-02T00:00:00Z", "v1")
	retired := testSegment("wiki", "2012-02-01T00:00:00Z/2012-02-02T00:00:00Z", "v1")
	for _, s := range []types.DataSegment{booksOld, booksNew, wiki} {
		if err := store.PublishSegment(ctx, s, true); err != nil {
			t.Fatalf("failed to publish: %v", err)
		}
	}
	if err := store.PublishSegment(ctx, retired, false); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	segments, err := mgr.IterateAllUsedSegments(ctx, true)
	if err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	// booksOld is overshadowed and retired is unused; datasources come in
	// name order
	if len(segments) != 2 {
		t.Fatalf("expected 2 visible segments across datasources, got %d", len(segments))
	}
	if segments[0].ID() != booksNew.ID() || segments[1].ID() != wiki.ID() {
		t.Errorf("unexpected order: %s, %s", segments[0].ID(), segments[1].ID())
	}
}
