package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"carecall-platform/internal/calls"
	"carecall-platform/internal/campaign"
	"carecall-platform/internal/metrics"
	"carecall-platform/internal/org"
	"carecall-platform/internal/provider"
	"carecall-platform/internal/realtime"
	"carecall-platform/internal/runs"
)

type fakeDialer struct {
	mu     sync.Mutex
	placed []provider.PlaceCallRequest
	seq    int
	fail   bool
}

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) PlaceCall(ctx context.Context, req provider.PlaceCallRequest) (provider.PlaceCallResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return provider.PlaceCallResult{}, errors.New("provider unavailable")
	}
	d.seq++
	d.placed = append(d.placed, req)
	return provider.PlaceCallResult{CallID: fmt.Sprintf("call-%d", d.seq)}, nil
}

func (d *fakeDialer) placedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.placed)
}

type testFixture struct {
	engine *Engine
	runs   *runs.MemoryStore
	calls  *calls.MemoryStore
	rt     *realtime.Recorder
	dialer *fakeDialer
}

func newFixture(t *testing.T, limit int) *testFixture {
	t.Helper()

	runStore := runs.NewMemoryStore()
	callStore := calls.NewMemoryStore()
	orgs := org.NewMemoryStore()
	campaigns := campaign.NewMemoryStore()
	rt := realtime.NewRecorder()
	dialer := &fakeDialer{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	orgs.Put(org.Organization{
		ID:                  "org-1",
		Name:                "Clinic",
		OutboundNumber:      "+15550001111",
		ConcurrentCallLimit: limit,
	})
	campaigns.Put(campaign.Campaign{
		ID:      "camp-1",
		OrgID:   "org-1",
		AgentID: "agent-1",
	})

	agg := metrics.NewAggregator(runStore, rt, log)
	e := New(context.Background(), Deps{
		Runs:      runStore,
		Calls:     callStore,
		Orgs:      orgs,
		Campaigns: campaigns,
		Dialer:    dialer,
		Metrics:   agg,
		Realtime:  rt,
		Logger:    log,
	}, Config{})
	// Tests drive cycles directly; never wait on real timers.
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return &testFixture{engine: e, runs: runStore, calls: callStore, rt: rt, dialer: dialer}
}

func (f *testFixture) createRun(t *testing.T, rows []CreateRunRow) runs.Run {
	t.Helper()
	run, err := f.engine.CreateRun(context.Background(), CreateRunRequest{
		OrgID:      "org-1",
		CampaignID: "camp-1",
		Name:       "flu shot reminders",
		Rows:       rows,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func rowWithPhone(phone string, sortIndex int) CreateRunRow {
	return CreateRunRow{Variables: map[string]any{"phone": phone, "first_name": "Pat"}, SortIndex: sortIndex}
}

func TestCreateRunSeedsMetadata(t *testing.T) {
	f := newFixture(t, 5)
	run := f.createRun(t, []CreateRunRow{
		rowWithPhone("+15550000001", 1),
		{Variables: map[string]any{"first_name": "NoPhone"}, SortIndex: 2},
		rowWithPhone("+15550000003", 3),
	})

	if run.Status != runs.RunStatusDraft {
		t.Fatalf("expected draft status, got %s", run.Status)
	}
	if got := run.Metadata.GetInt("rows.total"); got != 3 {
		t.Fatalf("rows.total = %d, want 3", got)
	}
	if got := run.Metadata.GetInt("rows.invalid"); got != 1 {
		t.Fatalf("rows.invalid = %d, want 1", got)
	}
	if got := run.Metadata.GetInt("calls.pending"); got != 3 {
		t.Fatalf("calls.pending = %d, want 3", got)
	}
	if _, ok := run.Metadata.Get("run.createdAt"); !ok {
		t.Fatalf("run.createdAt not set")
	}
}

func TestRunCycleHonorsConcurrencyLimit(t *testing.T) {
	f := newFixture(t, 2)
	run := f.createRun(t, []CreateRunRow{
		rowWithPhone("+15550000001", 1),
		rowWithPhone("+15550000002", 2),
		rowWithPhone("+15550000003", 3),
	})
	mustSetStatus(t, f.runs, run.ID, runs.RunStatusRunning)

	done, err := f.engine.runCycle(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	if done {
		t.Fatalf("expected loop to continue with rows outstanding")
	}
	if got := f.dialer.placedCount(); got != 2 {
		t.Fatalf("placed %d calls, want 2 (limit)", got)
	}

	got, _ := f.runs.GetRun(context.Background(), run.ID)
	if n := got.Metadata.GetInt("calls.calling"); n != 2 {
		t.Fatalf("calls.calling = %d, want 2", n)
	}
	if n := got.Metadata.GetInt("calls.pending"); n != 1 {
		t.Fatalf("calls.pending = %d, want 1", n)
	}

	// All slots in flight: next cycle dispatches nothing and keeps waiting.
	done, err = f.engine.runCycle(context.Background(), run.ID)
	if err != nil || done {
		t.Fatalf("expected backoff cycle, done=%v err=%v", done, err)
	}
	if got := f.dialer.placedCount(); got != 2 {
		t.Fatalf("placed %d calls after backoff cycle, want 2", got)
	}
}

func TestRunCycleDispatchOrder(t *testing.T) {
	f := newFixture(t, 10)
	run := f.createRun(t, []CreateRunRow{
		rowWithPhone("+15550000003", 3),
		rowWithPhone("+15550000001", 1),
		rowWithPhone("+15550000002", 2),
	})
	mustSetStatus(t, f.runs, run.ID, runs.RunStatusRunning)

	if _, err := f.engine.runCycle(context.Background(), run.ID); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	want := []string{"+15550000001", "+15550000002", "+15550000003"}
	if len(f.dialer.placed) != len(want) {
		t.Fatalf("placed %d calls, want %d", len(f.dialer.placed), len(want))
	}
	for i, req := range f.dialer.placed {
		if req.ToNumber != want[i] {
			t.Fatalf("dispatch %d dialed %s, want %s", i, req.ToNumber, want[i])
		}
	}
}

func TestRunCycleExitsWhenNotRunning(t *testing.T) {
	f := newFixture(t, 5)
	run := f.createRun(t, []CreateRunRow{rowWithPhone("+15550000001", 1)})
	mustSetStatus(t, f.runs, run.ID, runs.RunStatusPaused)

	done, err := f.engine.runCycle(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	if !done {
		t.Fatalf("expected loop exit for paused run")
	}
	if f.dialer.placedCount() != 0 {
		t.Fatalf("paused run dispatched calls")
	}
}

func TestDispatchRowProviderFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.dialer.fail = true
	run := f.createRun(t, []CreateRunRow{rowWithPhone("+15550000001", 1)})
	mustSetStatus(t, f.runs, run.ID, runs.RunStatusRunning)

	if _, err := f.engine.runCycle(context.Background(), run.ID); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	rows, _ := f.runs.ListRowsByRun(context.Background(), run.ID)
	if rows[0].Status != runs.RowStatusFailed {
		t.Fatalf("row status = %s, want failed", rows[0].Status)
	}
	if rows[0].Error == "" {
		t.Fatalf("failed row has no error message")
	}

	got, _ := f.runs.GetRun(context.Background(), run.ID)
	if n := got.Metadata.GetInt("calls.failed"); n != 1 {
		t.Fatalf("calls.failed = %d, want 1", n)
	}
	if n := got.Metadata.GetInt("calls.pending"); n != 0 {
		t.Fatalf("calls.pending = %d, want 0", n)
	}
}

func TestStartRunCompletesWhenAllRowsFail(t *testing.T) {
	f := newFixture(t, 5)
	f.dialer.fail = true
	run := f.createRun(t, []CreateRunRow{
		rowWithPhone("+15550000001", 1),
		rowWithPhone("+15550000002", 2),
	})

	if err := f.engine.StartRun(context.Background(), "org-1", run.ID); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	got := waitForStatus(t, f.runs, run.ID, runs.RunStatusCompleted)
	if _, ok := got.Metadata.Get("run.startTime"); !ok {
		t.Fatalf("run.startTime not set")
	}
	if _, ok := got.Metadata.Get("run.endTime"); !ok {
		t.Fatalf("run.endTime not set")
	}
	if d := got.Metadata.GetInt("run.duration"); d < 0 {
		t.Fatalf("run.duration = %d, want >= 0", d)
	}
	if n := got.Metadata.GetInt("calls.failed"); n != 2 {
		t.Fatalf("calls.failed = %d, want 2", n)
	}
}

func TestStartRunRejectsTerminalRun(t *testing.T) {
	f := newFixture(t, 5)
	run := f.createRun(t, []CreateRunRow{rowWithPhone("+15550000001", 1)})
	mustSetStatus(t, f.runs, run.ID, runs.RunStatusCompleted)

	err := f.engine.StartRun(context.Background(), "org-1", run.ID)
	if !errors.Is(err, ErrNotStartable) {
		t.Fatalf("expected ErrNotStartable, got %v", err)
	}
}

func TestStartRunWrongOrg(t *testing.T) {
	f := newFixture(t, 5)
	run := f.createRun(t, []CreateRunRow{rowWithPhone("+15550000001", 1)})

	err := f.engine.StartRun(context.Background(), "org-other", run.ID)
	if !errors.Is(err, ErrWrongOrg) {
		t.Fatalf("expected ErrWrongOrg, got %v", err)
	}
}

func TestPauseRunRequiresRunning(t *testing.T) {
	f := newFixture(t, 5)
	run := f.createRun(t, []CreateRunRow{rowWithPhone("+15550000001", 1)})

	err := f.engine.PauseRun(context.Background(), "org-1", run.ID)
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestPauseRunRecordsTimestampAndEvents(t *testing.T) {
	f := newFixture(t, 5)
	run := f.createRun(t, []CreateRunRow{rowWithPhone("+15550000001", 1)})
	mustSetStatus(t, f.runs, run.ID, runs.RunStatusRunning)

	if err := f.engine.PauseRun(context.Background(), "org-1", run.ID); err != nil {
		t.Fatalf("PauseRun: %v", err)
	}

	got, _ := f.runs.GetRun(context.Background(), run.ID)
	if got.Status != runs.RunStatusPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}
	if _, ok := got.Metadata.Get("run.lastPausedAt"); !ok {
		t.Fatalf("run.lastPausedAt not set")
	}
	if n := f.rt.Count(realtime.RunChannel(run.ID), realtime.EventRunPaused); n != 1 {
		t.Fatalf("run-paused events = %d, want 1", n)
	}
}

func TestClaimIsExclusivePerRun(t *testing.T) {
	f := newFixture(t, 5)

	release, ok, err := f.engine.claim(context.Background(), "run-x")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := f.engine.claim(context.Background(), "run-x"); ok {
		t.Fatalf("second claim succeeded while first held")
	}
	release()
	release2, ok, err := f.engine.claim(context.Background(), "run-x")
	if err != nil || !ok {
		t.Fatalf("claim after release: ok=%v err=%v", ok, err)
	}
	release2()
}

func mustSetStatus(t *testing.T, store *runs.MemoryStore, runID string, status runs.RunStatus) {
	t.Helper()
	run, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	run.Status = status
	if err := store.UpdateRun(context.Background(), run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
}

func waitForStatus(t *testing.T, store *runs.MemoryStore, runID string, status runs.RunStatus) runs.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status == status {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := store.GetRun(context.Background(), runID)
	t.Fatalf("run never reached %s, last status %s", status, run.Status)
	return runs.Run{}
}
