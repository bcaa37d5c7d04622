package metadata

import "context"

// pollTrigger records what initiated a poll, for logging.
type pollTrigger int

const (
	pollPeriodic pollTrigger = iota
	pollOnDemand
)

func (t pollTrigger) String() string {
	switch t {
	case pollPeriodic:
		return "periodic"
	case pollOnDemand:
		return "on-demand"
	default:
		return "unknown"
	}
}

// databasePoll is the promise for one in-flight poll of the segments table.
// At most one exists at a time; concurrent callers that find it pending wait
// on it instead of issuing their own scan, so N simultaneous requests cost
// one table scan.
type databasePoll struct {
	trigger pollTrigger
	done    chan struct{}

	// Set exactly once, before done is closed.
	snapshot *DataSourcesSnapshot
	err      error
}

func newDatabasePoll(trigger pollTrigger) *databasePoll {
	return &databasePoll{trigger: trigger, done: make(chan struct{})}
}

// complete records the poll's outcome and releases all waiters. Must be
// called exactly once.
func (p *databasePoll) complete(snapshot *DataSourcesSnapshot, err error) {
	p.snapshot = snapshot
	p.err = err
	close(p.done)
}

// wait blocks until the poll completes or the context is done. A waiter
// giving up does not cancel the poll itself; other waiters still get its
// result.
func (p *databasePoll) wait(ctx context.Context) (*DataSourcesSnapshot, error) {
	select {
	case <-p.done:
		return p.snapshot, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
