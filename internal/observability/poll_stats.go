// Package observability provides statistics tracking for poll and retention
// activity, for logging and operational monitoring.
package observability

import (
	"sync"
	"time"
)

// PollStats tracks cumulative poll outcomes: counts, durations, and the size
// of the last successful scan.
type PollStats struct {
	mu sync.RWMutex

	successCount int64
	failureCount int64

	lastSuccess     time.Time
	lastDuration    time.Duration
	lastRowCount    int
	lastSkippedRows int

	totalDuration time.Duration
}

// PollStatsSnapshot is a point-in-time copy of the collected statistics.
type PollStatsSnapshot struct {
	SuccessCount    int64
	FailureCount    int64
	LastSuccess     time.Time
	LastDuration    time.Duration
	LastRowCount    int
	LastSkippedRows int
	AvgDuration     time.Duration
}

// NewPollStats creates a new poll statistics tracker.
func NewPollStats() *PollStats {
	return &PollStats{}
}

// RecordSuccess records a completed poll.
// This method is O(1) and thread-safe.
func (p *PollStats) RecordSuccess(duration time.Duration, rows, skipped int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.successCount++
	p.lastSuccess = time.Now()
	p.lastDuration = duration
	p.lastRowCount = rows
	p.lastSkippedRows = skipped
	p.totalDuration += duration
}

// RecordFailure records a failed poll.
// This method is O(1) and thread-safe.
func (p *PollStats) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failureCount++
}

// Snapshot returns a copy of the current statistics.
func (p *PollStats) Snapshot() PollStatsSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := PollStatsSnapshot{
		SuccessCount:    p.successCount,
		FailureCount:    p.failureCount,
		LastSuccess:     p.lastSuccess,
		LastDuration:    p.lastDuration,
		LastRowCount:    p.lastRowCount,
		LastSkippedRows: p.lastSkippedRows,
	}
	if p.successCount > 0 {
		snap.AvgDuration = p.totalDuration / time.Duration(p.successCount)
	}
	return snap
}
