package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"carecall-platform/internal/audit"
	"carecall-platform/internal/calls"
	"carecall-platform/internal/campaign"
	"carecall-platform/internal/metrics"
	"carecall-platform/internal/org"
	"carecall-platform/internal/provider"
	"carecall-platform/internal/realtime"
	"carecall-platform/internal/runs"
	"carecall-platform/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound        = errors.New("engine: run not found")
	ErrInvalidArgument = errors.New("engine: invalid argument")
	ErrWrongOrg        = errors.New("engine: run does not belong to organization")
	ErrNotStartable    = errors.New("engine: run cannot be started from its current status")
	ErrNotRunning      = errors.New("engine: run is not running")
)

// Config holds the engine's pacing and limits. Zero values fall back to the
// defaults in withDefaults.
type Config struct {
	// DefaultConcurrentCallLimit applies when the organization sets none.
	DefaultConcurrentCallLimit int
	// BatchBackoff is the sleep between dispatch cycles and while slots are full.
	BatchBackoff time.Duration
	// InterCallDelay paces sequential dispatches inside a batch, protecting the
	// provider's rate limits.
	InterCallDelay time.Duration
	// ClaimTTL bounds the distributed run claim; the loop refreshes it each cycle.
	ClaimTTL time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.DefaultConcurrentCallLimit <= 0 {
		out.DefaultConcurrentCallLimit = 20
	}
	if out.BatchBackoff <= 0 {
		out.BatchBackoff = 5 * time.Second
	}
	if out.InterCallDelay <= 0 {
		out.InterCallDelay = 1 * time.Second
	}
	if out.ClaimTTL <= 0 {
		out.ClaimTTL = 2 * time.Minute
	}
	return out
}

// Engine drives run execution: it owns the run state machine and the per-run
// dispatch loop.
type Engine struct {
	runs      runs.Store
	calls     calls.Store
	orgs      org.Store
	campaigns campaign.Store
	dialer    provider.Dialer
	metrics   *metrics.Aggregator
	rt        realtime.Publisher
	audit     *audit.Service
	log       *slog.Logger
	cfg       Config

	// baseCtx outlives HTTP requests; dispatch loops run on it.
	baseCtx context.Context

	// rdb, when set, backs the cross-process run claim. Single-instance
	// deployments may leave it nil; the in-memory guard below still applies.
	rdb    *redis.Client
	procID string

	mu     sync.Mutex
	active map[string]struct{}

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Deps wires the engine's collaborators.
type Deps struct {
	Runs      runs.Store
	Calls     calls.Store
	Orgs      org.Store
	Campaigns campaign.Store
	Dialer    provider.Dialer
	Metrics   *metrics.Aggregator
	Realtime  realtime.Publisher
	Audit     *audit.Service
	Redis     *redis.Client
	Logger    *slog.Logger
}

func New(baseCtx context.Context, d Deps, cfg Config) *Engine {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		runs:      d.Runs,
		calls:     d.Calls,
		orgs:      d.Orgs,
		campaigns: d.Campaigns,
		dialer:    d.Dialer,
		metrics:   d.Metrics,
		rt:        d.Realtime,
		audit:     d.Audit,
		log:       log,
		cfg:       cfg.withDefaults(),
		baseCtx:   baseCtx,
		rdb:       d.Redis,
		procID:    uuid.NewString(),
		active:    map[string]struct{}{},
		clock:     time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CreateRunRequest is the control-plane request to build a run from uploaded rows.
type CreateRunRequest struct {
	OrgID        string           `json:"org_id"`
	CampaignID   string           `json:"campaign_id"`
	Name         string           `json:"name"`
	CustomPrompt string           `json:"custom_prompt,omitempty"`
	Rows         []CreateRunRow   `json:"rows"`
}

type CreateRunRow struct {
	Variables map[string]any `json:"variables"`
	SortIndex int            `json:"sort_index"`
}

// CreateRun builds a draft run and its rows. Rows lacking a dialable phone are
// still created (the dispatch loop fails them fast) but counted in rows.invalid.
func (e *Engine) CreateRun(ctx context.Context, req CreateRunRequest) (runs.Run, error) {
	if req.OrgID == "" || req.CampaignID == "" {
		return runs.Run{}, ErrInvalidArgument
	}
	if _, err := e.orgs.Get(ctx, req.OrgID); err != nil {
		return runs.Run{}, fmt.Errorf("engine: load org: %w", err)
	}
	if _, err := e.campaigns.Get(ctx, req.CampaignID); err != nil {
		return runs.Run{}, fmt.Errorf("engine: load campaign: %w", err)
	}

	now := e.clock().UTC()
	invalid := 0
	rows := make([]runs.Row, 0, len(req.Rows))
	runID := uuid.NewString()
	for _, in := range req.Rows {
		if _, ok := phoneFromVariables(in.Variables); !ok {
			invalid++
		}
		rows = append(rows, runs.Row{
			ID:        uuid.NewString(),
			RunID:     runID,
			Status:    runs.RowStatusPending,
			Variables: in.Variables,
			SortIndex: in.SortIndex,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	md := runs.Metadata{}
	md.Set("rows.total", len(rows))
	md.Set("rows.invalid", invalid)
	md.Set("calls.total", len(rows))
	md.Set("calls.pending", len(rows))
	md.Set("calls.calling", 0)
	md.Set("calls.completed", 0)
	md.Set("calls.failed", 0)
	md.Set("calls.voicemail", 0)
	md.Set("calls.connected", 0)
	md.Set("calls.converted", 0)
	md.Set("run.createdAt", now.Format(time.RFC3339))

	run := runs.Run{
		ID:           runID,
		OrgID:        req.OrgID,
		CampaignID:   req.CampaignID,
		Name:         req.Name,
		Status:       runs.RunStatusDraft,
		CustomPrompt: req.CustomPrompt,
		Metadata:     md,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return runs.Run{}, fmt.Errorf("engine: create run: %w", err)
	}
	if err := e.runs.CreateRows(ctx, rows); err != nil {
		return runs.Run{}, fmt.Errorf("engine: create rows: %w", err)
	}
	e.logControl(ctx, req.OrgID, runID, "run created")
	return run, nil
}

// StartRun transitions the run to running and launches its dispatch loop.
// It is a no-op when a loop is already processing this run.
func (e *Engine) StartRun(ctx context.Context, orgID, runID string) error {
	run, err := e.loadOrgRun(ctx, orgID, runID)
	if err != nil {
		return err
	}

	switch run.Status {
	case runs.RunStatusDraft, runs.RunStatusReady, runs.RunStatusScheduled, runs.RunStatusPaused:
		// startable
	case runs.RunStatusRunning:
		// Flip below is a no-op; the claim check decides whether a loop spawns.
	default:
		return fmt.Errorf("%w: %s", ErrNotStartable, run.Status)
	}

	release, ok, err := e.claim(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		// Already processing; idempotent no-op.
		return nil
	}

	err = e.metrics.ApplyRun(ctx, runID, func(r *runs.Run) {
		r.Status = runs.RunStatusRunning
		if _, set := r.Metadata.Get("run.startTime"); !set {
			r.Metadata.Set("run.startTime", e.clock().UTC().Format(time.RFC3339))
		}
		r.UpdatedAt = e.clock().UTC()
	})
	if err != nil {
		release()
		return err
	}

	e.publishRunStatus(ctx, run.OrgID, runID, runs.RunStatusRunning)
	e.logControl(ctx, orgID, runID, "run started")

	go e.processRun(e.baseCtx, runID, release)
	return nil
}

// PauseRun flips the run to paused. The dispatch loop notices at the top of its
// next cycle; in-flight provider calls are not cancelled and their webhooks are
// still processed.
func (e *Engine) PauseRun(ctx context.Context, orgID, runID string) error {
	run, err := e.loadOrgRun(ctx, orgID, runID)
	if err != nil {
		return err
	}
	if run.Status != runs.RunStatusRunning {
		return fmt.Errorf("%w: %s", ErrNotRunning, run.Status)
	}

	err = e.metrics.ApplyRun(ctx, runID, func(r *runs.Run) {
		r.Status = runs.RunStatusPaused
		r.Metadata.Set("run.lastPausedAt", e.clock().UTC().Format(time.RFC3339))
		r.UpdatedAt = e.clock().UTC()
	})
	if err != nil {
		return err
	}

	e.publishEvent(ctx, realtime.RunChannel(runID), realtime.EventRunPaused, map[string]any{"runId": runID})
	e.publishRunStatus(ctx, orgID, runID, runs.RunStatusPaused)
	e.logControl(ctx, orgID, runID, "run paused")
	return nil
}

// ResumeRun restarts a paused run.
func (e *Engine) ResumeRun(ctx context.Context, orgID, runID string) error {
	return e.StartRun(ctx, orgID, runID)
}

// GetRun returns the run scoped to the organization.
func (e *Engine) GetRun(ctx context.Context, orgID, runID string) (runs.Run, error) {
	return e.loadOrgRun(ctx, orgID, runID)
}

func (e *Engine) loadOrgRun(ctx context.Context, orgID, runID string) (runs.Run, error) {
	if orgID == "" || runID == "" {
		return runs.Run{}, ErrInvalidArgument
	}
	run, err := e.runs.GetRun(ctx, runID)
	if errors.Is(err, runs.ErrNotFound) {
		return runs.Run{}, ErrNotFound
	}
	if err != nil {
		return runs.Run{}, err
	}
	if run.OrgID != orgID {
		return runs.Run{}, ErrWrongOrg
	}
	return run, nil
}

// claim reserves exclusive processing of a run. The in-memory set rejects
// duplicate loops within this process; the optional redis claim extends the
// guarantee across instances. The returned release covers both and is safe to
// call once from the loop's deferred cleanup.
func (e *Engine) claim(ctx context.Context, runID string) (release func(), ok bool, err error) {
	e.mu.Lock()
	if _, busy := e.active[runID]; busy {
		e.mu.Unlock()
		return nil, false, nil
	}
	e.active[runID] = struct{}{}
	e.mu.Unlock()

	releaseLocal := func() {
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
	}

	if e.rdb == nil {
		return releaseLocal, true, nil
	}

	got, err := utils.AcquireClaim(ctx, e.rdb, claimKey(runID), e.procID, e.cfg.ClaimTTL)
	if err != nil {
		releaseLocal()
		return nil, false, fmt.Errorf("engine: acquire run claim: %w", err)
	}
	if !got {
		releaseLocal()
		return nil, false, nil
	}
	return func() {
		releaseLocal()
		if err := utils.ReleaseClaim(context.WithoutCancel(ctx), e.rdb, claimKey(runID), e.procID); err != nil {
			e.log.Warn("run claim release failed", "run_id", runID, "err", err)
		}
	}, true, nil
}

func claimKey(runID string) string { return "run-claim:" + runID }

func (e *Engine) publishRunStatus(ctx context.Context, orgID, runID string, status runs.RunStatus) {
	payload := map[string]any{"runId": runID, "status": status}
	e.publishEvent(ctx, realtime.RunChannel(runID), realtime.EventRunStatusChanged, payload)
	e.publishEvent(ctx, realtime.OrgChannel(orgID), realtime.EventRunUpdated, payload)
}

func (e *Engine) publishEvent(ctx context.Context, channel, event string, payload any) {
	if e.rt == nil {
		return
	}
	if err := e.rt.Publish(ctx, channel, event, payload); err != nil {
		e.log.Warn("event publish failed", "channel", channel, "event", event, "err", err)
	}
}

func (e *Engine) logControl(ctx context.Context, orgID, runID, msg string) {
	if e.audit == nil {
		return
	}
	if err := e.audit.LogRunControl(ctx, orgID, "", "", runID, msg); err != nil {
		e.log.Warn("audit append failed", "run_id", runID, "err", err)
	}
}
