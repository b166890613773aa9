package auditor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carecall-platform/internal/audit"
	"carecall-platform/internal/calls"
	"carecall-platform/internal/insights"
	"carecall-platform/internal/metrics"
	"carecall-platform/internal/runs"
)

// DefaultStuckCallTimeout is how long an in_progress call may go without a
// terminating webhook before it counts as stuck.
const DefaultStuckCallTimeout = 30 * time.Minute

// Auditor detects and optionally repairs inconsistent call/row/run state.
//
// It runs out-of-band (operator tooling, scheduled job), never inline in the
// dispatch or webhook path: inline auto-correction would mask real bugs and risk
// double-applying fixes.
type Auditor struct {
	calls   calls.Store
	runs    runs.Store
	metrics *metrics.Aggregator
	audit   *audit.Service
	log     *slog.Logger

	stuckTimeout time.Duration
	clock        func() time.Time
}

type Deps struct {
	Calls   calls.Store
	Runs    runs.Store
	Metrics *metrics.Aggregator
	Audit   *audit.Service
	Logger  *slog.Logger

	// StuckCallTimeout overrides DefaultStuckCallTimeout when positive.
	StuckCallTimeout time.Duration
}

func New(d Deps) *Auditor {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := d.StuckCallTimeout
	if timeout <= 0 {
		timeout = DefaultStuckCallTimeout
	}
	return &Auditor{
		calls:        d.Calls,
		runs:         d.Runs,
		metrics:      d.Metrics,
		audit:        d.Audit,
		log:          log,
		stuckTimeout: timeout,
		clock:        time.Now,
	}
}

// Scope selects what to audit: one run when RunID is set, otherwise the whole
// organization. Row/call mismatch and metrics drift require a run.
type Scope struct {
	OrgID string `json:"org_id"`
	RunID string `json:"run_id,omitempty"`
}

// Report is the structured diagnostic output.
type Report struct {
	StuckCalls              []CallIssue     `json:"stuck_calls"`
	MisclassifiedVoicemails []CallIssue     `json:"misclassified_voicemails"`
	RowCallMismatches       []MismatchIssue `json:"row_call_mismatches"`
	MetricsDrift            []DriftIssue    `json:"metrics_drift"`

	Recommendations []string `json:"recommendations"`
}

// Total returns the number of detected issues across all categories.
func (r Report) Total() int {
	return len(r.StuckCalls) + len(r.MisclassifiedVoicemails) + len(r.RowCallMismatches) + len(r.MetricsDrift)
}

type CallIssue struct {
	CallID string `json:"call_id"`
	RowID  string `json:"row_id,omitempty"`
	RunID  string `json:"run_id,omitempty"`
	Detail string `json:"detail"`
}

type MismatchIssue struct {
	RowID      string `json:"row_id"`
	CallID     string `json:"call_id"`
	RowStatus  string `json:"row_status"`
	CallStatus string `json:"call_status"`
}

type DriftIssue struct {
	RunID    string `json:"run_id"`
	Counter  string `json:"counter"`
	Recorded int    `json:"recorded"`
	Actual   int    `json:"actual"`
}

// Fix describes one repair the auditor applied.
type Fix struct {
	Kind   string `json:"kind"`
	CallID string `json:"call_id,omitempty"`
	RowID  string `json:"row_id,omitempty"`
	RunID  string `json:"run_id,omitempty"`
	Detail string `json:"detail"`
}

const (
	fixStuckCall      = "stuck_call_failed"
	fixVoicemailFlip  = "voicemail_reclassified"
	fixMetricsRewrite = "metrics_rewritten"
)

// ErrWrongOrg is returned when the scoped run belongs to another organization.
var ErrWrongOrg = errors.New("auditor: run does not belong to organization")

func (a *Auditor) checkScope(ctx context.Context, scope Scope) error {
	if scope.OrgID == "" {
		return fmt.Errorf("auditor: org id is required")
	}
	if scope.RunID == "" {
		return nil
	}
	run, err := a.runs.GetRun(ctx, scope.RunID)
	if err != nil {
		return fmt.Errorf("auditor: load run: %w", err)
	}
	if run.OrgID != scope.OrgID {
		return ErrWrongOrg
	}
	return nil
}

// Diagnose scans for inconsistencies without mutating anything.
func (a *Auditor) Diagnose(ctx context.Context, scope Scope) (Report, error) {
	if err := a.checkScope(ctx, scope); err != nil {
		return Report{}, err
	}
	report := Report{
		StuckCalls:              []CallIssue{},
		MisclassifiedVoicemails: []CallIssue{},
		RowCallMismatches:       []MismatchIssue{},
		MetricsDrift:            []DriftIssue{},
	}

	cutoff := a.clock().UTC().Add(-a.stuckTimeout)
	stuck, err := a.calls.ListStuck(ctx, scope.OrgID, scope.RunID, cutoff)
	if err != nil {
		return Report{}, fmt.Errorf("auditor: scan stuck calls: %w", err)
	}
	for _, c := range stuck {
		report.StuckCalls = append(report.StuckCalls, CallIssue{
			CallID: c.ID, RowID: c.RowID, RunID: c.RunID,
			Detail: fmt.Sprintf("in_progress since %s with no terminating webhook", c.StartTime.Format(time.RFC3339)),
		})
	}

	vm, err := a.calls.ListCompletedWithVoicemailFlag(ctx, scope.OrgID, scope.RunID)
	if err != nil {
		return Report{}, fmt.Errorf("auditor: scan voicemails: %w", err)
	}
	for _, c := range vm {
		report.MisclassifiedVoicemails = append(report.MisclassifiedVoicemails, CallIssue{
			CallID: c.ID, RowID: c.RowID, RunID: c.RunID,
			Detail: "completed call with voicemail_detected analysis flag",
		})
	}

	if scope.RunID != "" {
		mismatches, err := a.scanRowCallMismatches(ctx, scope.RunID)
		if err != nil {
			return Report{}, err
		}
		report.RowCallMismatches = mismatches

		drift, err := a.scanMetricsDrift(ctx, scope.RunID)
		if err != nil {
			return Report{}, err
		}
		report.MetricsDrift = drift
	}

	report.Recommendations = recommendations(report)
	return report, nil
}

// rowCallConsistent is the fixed correspondence between row and call vocabularies.
func rowCallConsistent(row runs.RowStatus, call calls.CallStatus) bool {
	switch row {
	case runs.RowStatusCalling:
		return call == calls.CallStatusInProgress
	case runs.RowStatusCompleted:
		return call == calls.CallStatusCompleted || call == calls.CallStatusVoicemail
	case runs.RowStatusFailed:
		return call == calls.CallStatusFailed
	default:
		// Other row statuses have no enforced call correspondence.
		return true
	}
}

func (a *Auditor) scanRowCallMismatches(ctx context.Context, runID string) ([]MismatchIssue, error) {
	rows, err := a.runs.ListRowsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("auditor: list rows: %w", err)
	}
	runCalls, err := a.calls.ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("auditor: list calls: %w", err)
	}
	byRow := make(map[string]calls.Call, len(runCalls))
	for _, c := range runCalls {
		if c.RowID != "" {
			byRow[c.RowID] = c
		}
	}

	issues := []MismatchIssue{}
	for _, row := range rows {
		if row.Status == runs.RowStatusPending {
			continue
		}
		c, ok := byRow[row.ID]
		if !ok {
			continue
		}
		if !rowCallConsistent(row.Status, c.Status) {
			issues = append(issues, MismatchIssue{
				RowID: row.ID, CallID: c.ID,
				RowStatus: string(row.Status), CallStatus: string(c.Status),
			})
		}
	}
	return issues, nil
}

// runAggregates recomputes ground-truth counters from the run's call records.
type runAggregates struct {
	completed int
	failed    int
	voicemail int
	connected int
}

func (a *Auditor) recomputeAggregates(ctx context.Context, runID string) (runAggregates, error) {
	runCalls, err := a.calls.ListByRun(ctx, runID)
	if err != nil {
		return runAggregates{}, fmt.Errorf("auditor: list calls: %w", err)
	}
	var agg runAggregates
	for _, c := range runCalls {
		switch c.Status {
		case calls.CallStatusCompleted:
			agg.completed++
		case calls.CallStatusFailed:
			agg.failed++
		case calls.CallStatusVoicemail:
			agg.voicemail++
		}
		if insights.Extract("", c.Analysis).PatientReached {
			agg.connected++
		}
	}
	return agg, nil
}

func (a *Auditor) scanMetricsDrift(ctx context.Context, runID string) ([]DriftIssue, error) {
	run, err := a.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("auditor: load run: %w", err)
	}
	agg, err := a.recomputeAggregates(ctx, runID)
	if err != nil {
		return nil, err
	}
	// calls.calling tracks rows mid-dispatch, so its ground truth is the row
	// table, not call records.
	callingRows, err := a.runs.CountRowsByStatus(ctx, runID, runs.RowStatusCalling)
	if err != nil {
		return nil, fmt.Errorf("auditor: count calling rows: %w", err)
	}

	issues := []DriftIssue{}
	check := func(counter string, actual int) {
		recorded := run.Metadata.GetInt(counter)
		if recorded != actual {
			issues = append(issues, DriftIssue{RunID: runID, Counter: counter, Recorded: recorded, Actual: actual})
		}
	}
	check("calls.completed", agg.completed)
	check("calls.failed", agg.failed)
	check("calls.voicemail", agg.voicemail)
	check("calls.connected", agg.connected)
	check("calls.calling", callingRows)
	return issues, nil
}

func recommendations(r Report) []string {
	recs := []string{}
	if n := len(r.StuckCalls); n > 0 {
		recs = append(recs, fmt.Sprintf("%d call(s) never received a terminating webhook; run repair to fail them and release their rows", n))
	}
	if n := len(r.MisclassifiedVoicemails); n > 0 {
		recs = append(recs, fmt.Sprintf("%d completed call(s) carry a voicemail flag; run repair to reclassify them", n))
	}
	if n := len(r.RowCallMismatches); n > 0 {
		recs = append(recs, fmt.Sprintf("%d row/call status mismatch(es) need manual review; multiple causes are possible, so these are never auto-repaired", n))
	}
	if n := len(r.MetricsDrift); n > 0 {
		recs = append(recs, fmt.Sprintf("%d run counter(s) drifted from call records; run repair to rewrite them from ground truth", n))
	}
	if len(recs) == 0 {
		recs = append(recs, "no inconsistencies detected")
	}
	return recs
}

// Repair applies the auto-fixable subset: stuck calls, voicemail reclassification,
// and (when scoped to a run) a metrics rewrite from ground truth. Row/call
// mismatches are reported only.
func (a *Auditor) Repair(ctx context.Context, scope Scope) ([]Fix, error) {
	if err := a.checkScope(ctx, scope); err != nil {
		return nil, err
	}
	now := a.clock().UTC()
	fixes := []Fix{}

	cutoff := now.Add(-a.stuckTimeout)
	stuck, err := a.calls.ListStuck(ctx, scope.OrgID, scope.RunID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("auditor: scan stuck calls: %w", err)
	}
	for _, c := range stuck {
		fix, err := a.repairStuckCall(ctx, c, now)
		if err != nil {
			a.log.Error("stuck call repair failed", "call_id", c.ID, "err", err)
			continue
		}
		fixes = append(fixes, fix)
	}

	vm, err := a.calls.ListCompletedWithVoicemailFlag(ctx, scope.OrgID, scope.RunID)
	if err != nil {
		return nil, fmt.Errorf("auditor: scan voicemails: %w", err)
	}
	for _, c := range vm {
		fix, err := a.repairVoicemail(ctx, c, now)
		if err != nil {
			a.log.Error("voicemail reclassification failed", "call_id", c.ID, "err", err)
			continue
		}
		fixes = append(fixes, fix)
	}

	if scope.RunID != "" {
		fix, applied, err := a.rewriteMetrics(ctx, scope.RunID)
		if err != nil {
			return nil, err
		}
		if applied {
			fixes = append(fixes, fix)
		}
	}

	for _, fix := range fixes {
		a.logFix(ctx, scope.OrgID, fix)
	}
	return fixes, nil
}

func (a *Auditor) repairStuckCall(ctx context.Context, c calls.Call, now time.Time) (Fix, error) {
	c.Status = calls.CallStatusFailed
	c.Error = "call timed out waiting for provider webhook"
	c.EndTime = &now
	c.UpdatedAt = now
	if err := a.calls.Update(ctx, c); err != nil {
		return Fix{}, fmt.Errorf("auditor: fail stuck call: %w", err)
	}

	if c.RowID != "" {
		row, err := a.runs.GetRow(ctx, c.RowID)
		if err != nil {
			a.log.Warn("stuck call row not found", "call_id", c.ID, "row_id", c.RowID, "err", err)
		} else {
			row.Status = runs.RowStatusFailed
			row.Error = c.Error
			row.UpdatedAt = now
			if err := a.runs.UpdateRow(ctx, row); err != nil {
				a.log.Error("stuck call row update failed", "row_id", row.ID, "err", err)
			}
		}
	}

	return Fix{
		Kind: fixStuckCall, CallID: c.ID, RowID: c.RowID, RunID: c.RunID,
		Detail: "forced failed after webhook timeout",
	}, nil
}

func (a *Auditor) repairVoicemail(ctx context.Context, c calls.Call, now time.Time) (Fix, error) {
	c.Status = calls.CallStatusVoicemail
	c.UpdatedAt = now
	if err := a.calls.Update(ctx, c); err != nil {
		return Fix{}, fmt.Errorf("auditor: reclassify voicemail: %w", err)
	}

	if c.RunID != "" {
		// Paired move, never a lone increment: the call was already counted under
		// completed.
		err := a.metrics.Apply(ctx, c.RunID, func(md runs.Metadata) {
			md.Increment("calls.completed", -1)
			md.Increment("calls.voicemail", 1)
		})
		if err != nil {
			a.log.Error("voicemail metric move failed", "run_id", c.RunID, "err", err)
		}
	}

	return Fix{
		Kind: fixVoicemailFlip, CallID: c.ID, RowID: c.RowID, RunID: c.RunID,
		Detail: "completed call reclassified as voicemail",
	}, nil
}

// rewriteMetrics replaces the run's outcome counters with values recomputed from
// its call records. Only the auditor may do this; everything else moves counters
// incrementally.
func (a *Auditor) rewriteMetrics(ctx context.Context, runID string) (Fix, bool, error) {
	drift, err := a.scanMetricsDrift(ctx, runID)
	if err != nil {
		return Fix{}, false, err
	}
	if len(drift) == 0 {
		return Fix{}, false, nil
	}

	agg, err := a.recomputeAggregates(ctx, runID)
	if err != nil {
		return Fix{}, false, err
	}
	callingRows, err := a.runs.CountRowsByStatus(ctx, runID, runs.RowStatusCalling)
	if err != nil {
		return Fix{}, false, fmt.Errorf("auditor: count calling rows: %w", err)
	}

	err = a.metrics.Apply(ctx, runID, func(md runs.Metadata) {
		md.Set("calls.completed", agg.completed)
		md.Set("calls.failed", agg.failed)
		md.Set("calls.voicemail", agg.voicemail)
		md.Set("calls.connected", agg.connected)
		md.Set("calls.calling", callingRows)
	})
	if err != nil {
		return Fix{}, false, fmt.Errorf("auditor: rewrite metrics: %w", err)
	}

	return Fix{
		Kind: fixMetricsRewrite, RunID: runID,
		Detail: fmt.Sprintf("rewrote %d drifted counter(s) from call records", len(drift)),
	}, true, nil
}

func (a *Auditor) logFix(ctx context.Context, orgID string, fix Fix) {
	if a.audit == nil {
		return
	}
	err := a.audit.LogRepair(ctx, orgID, fix.RunID, fix.CallID, fix.RowID, fix.Detail, fix.Kind)
	if err != nil {
		a.log.Warn("audit append failed", "fix", fix.Kind, "err", err)
	}
}
