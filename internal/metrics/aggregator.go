package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"carecall-platform/internal/realtime"
	"carecall-platform/internal/runs"
)

// Aggregator serializes counter mutations over a run's metadata blob.
//
// Read-modify-write of the blob is the principal correctness risk: two concurrent
// webhook deliveries (or a webhook racing the dispatch loop) must not silently lose
// an update. A per-run mutex makes every mutation observe the previous one.
// This guard is per process; multi-instance deployments rely on the run claim in
// pkg/utils keeping a run on one processor.
type Aggregator struct {
	store runs.Store
	rt    realtime.Publisher
	log   *slog.Logger

	mu    sync.Mutex
	locks map[string]*runLock
}

// runLock serializes one run's mutations. Entries are refcounted and dropped
// when the last holder releases, so the map stays bounded by in-flight work
// rather than growing with every run the process ever touched.
type runLock struct {
	mu   sync.Mutex
	refs int
}

func NewAggregator(store runs.Store, rt realtime.Publisher, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{store: store, rt: rt, log: log, locks: map[string]*runLock{}}
}

func (a *Aggregator) acquire(runID string) *runLock {
	a.mu.Lock()
	l, ok := a.locks[runID]
	if !ok {
		l = &runLock{}
		a.locks[runID] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return l
}

func (a *Aggregator) release(runID string, l *runLock) {
	l.mu.Unlock()
	a.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, runID)
	}
	a.mu.Unlock()
}

// Increment adds delta to the counter at path ("calls.completed"), creating missing
// keys as 0 and clamping the result at 0, then publishes metrics-updated with the
// full metadata.
func (a *Aggregator) Increment(ctx context.Context, runID, path string, delta int) error {
	return a.Apply(ctx, runID, func(md runs.Metadata) {
		md.Increment(path, delta)
	})
}

// Apply runs several counter mutations under one per-run lock and one persist +
// publish. Reconciliation paths use it to keep paired moves (completed--/voicemail++)
// atomic with respect to other increments.
func (a *Aggregator) Apply(ctx context.Context, runID string, fn func(md runs.Metadata)) error {
	if runID == "" {
		return fmt.Errorf("metrics: run id is required")
	}
	l := a.acquire(runID)
	defer a.release(runID, l)

	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("metrics: load run: %w", err)
	}

	md := run.Metadata.Clone()
	fn(md)
	run.Metadata = md

	if err := a.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("metrics: persist run: %w", err)
	}

	a.publish(ctx, run)
	return nil
}

// ApplyRun is like Apply but exposes the whole run, so lifecycle transitions
// (completed/failed + endTime/duration) persist atomically with counter state.
// The metadata handed to fn is already a deep copy.
func (a *Aggregator) ApplyRun(ctx context.Context, runID string, fn func(r *runs.Run)) error {
	if runID == "" {
		return fmt.Errorf("metrics: run id is required")
	}
	l := a.acquire(runID)
	defer a.release(runID, l)

	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("metrics: load run: %w", err)
	}
	run.Metadata = run.Metadata.Clone()
	fn(&run)

	if err := a.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("metrics: persist run: %w", err)
	}
	a.publish(ctx, run)
	return nil
}

// Publish re-emits the run's current metadata on demand (UI resync).
func (a *Aggregator) Publish(ctx context.Context, runID string) error {
	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("metrics: load run: %w", err)
	}
	a.publish(ctx, run)
	return nil
}

func (a *Aggregator) publish(ctx context.Context, run runs.Run) {
	if a.rt == nil {
		return
	}
	if err := a.rt.Publish(ctx, realtime.RunChannel(run.ID), realtime.EventMetricsUpdated, run.Metadata); err != nil {
		// Fire-and-forget: data records are the source of truth.
		a.log.Warn("metrics publish failed", "run_id", run.ID, "err", err)
	}
}
