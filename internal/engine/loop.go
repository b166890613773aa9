package engine

import (
	"context"
	"fmt"
	"time"

	"carecall-platform/internal/calls"
	"carecall-platform/internal/provider"
	"carecall-platform/internal/realtime"
	"carecall-platform/internal/runs"
	"carecall-platform/pkg/utils"

	"github.com/google/uuid"
)

// phoneVariableKeys are the row variable keys accepted as the dial target, in
// precedence order.
var phoneVariableKeys = []string{"phone", "phone_number", "phoneNumber", "number", "mobile"}

func phoneFromVariables(vars map[string]any) (string, bool) {
	for _, key := range phoneVariableKeys {
		if v, ok := vars[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// processRun is the long-lived dispatch loop for one run. release must undo the
// processing claim; it runs in the deferred cleanup so a crash never leaves the
// run permanently blocked from restarting.
func (e *Engine) processRun(ctx context.Context, runID string, release func()) {
	defer release()

	for {
		done, err := e.runCycle(ctx, runID)
		if err != nil {
			e.failRun(ctx, runID, err)
			return
		}
		if done {
			return
		}
		if err := e.sleep(ctx, e.cfg.BatchBackoff); err != nil {
			return
		}
	}
}

// runCycle performs one dispatch iteration. It returns done=true when the loop
// should exit (run no longer running, drained, or waiting on webhooks only) and a
// non-nil error only for systemic failures that should fail the run.
func (e *Engine) runCycle(ctx context.Context, runID string) (done bool, err error) {
	// Re-fetch each cycle: pause/stop lands as a status change.
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("load run: %w", err)
	}
	if run.Status != runs.RunStatusRunning {
		e.log.Info("run no longer running, loop exiting", "run_id", runID, "status", run.Status)
		return true, nil
	}

	if e.rdb != nil {
		if ok, err := e.refreshClaim(ctx, runID); err != nil || !ok {
			if err != nil {
				return false, fmt.Errorf("refresh run claim: %w", err)
			}
			e.log.Warn("run claim lost, loop exiting", "run_id", runID)
			return true, nil
		}
	}

	organization, err := e.orgs.Get(ctx, run.OrgID)
	if err != nil {
		return false, fmt.Errorf("load org: %w", err)
	}
	limit := organization.ConcurrentCallLimit
	if limit <= 0 {
		limit = e.cfg.DefaultConcurrentCallLimit
	}

	camp, err := e.campaigns.Get(ctx, run.CampaignID)
	if err != nil {
		return false, fmt.Errorf("load campaign: %w", err)
	}

	active, err := e.runs.CountRowsByStatus(ctx, runID, runs.RowStatusCalling)
	if err != nil {
		return false, fmt.Errorf("count active rows: %w", err)
	}
	slots := limit - active
	if slots <= 0 {
		// Back-pressure: all slots in flight, wait for webhooks to drain some.
		return false, nil
	}

	batch, err := e.runs.ListPendingRows(ctx, runID, slots)
	if err != nil {
		return false, fmt.Errorf("list pending rows: %w", err)
	}
	if len(batch) == 0 {
		remaining, err := e.runs.CountRowsByStatus(ctx, runID, runs.RowStatusPending, runs.RowStatusCalling)
		if err != nil {
			return false, fmt.Errorf("count remaining rows: %w", err)
		}
		if remaining == 0 {
			if err := e.completeRun(ctx, run); err != nil {
				return false, err
			}
		}
		// Remaining work (if any) is calling and completes via webhooks.
		return true, nil
	}

	for i, row := range batch {
		e.dispatchRow(ctx, run, camp.AgentID, organization.OutboundNumber, row)
		if i < len(batch)-1 {
			// Deliberate pacing between placements, not true concurrency.
			if err := e.sleep(ctx, e.cfg.InterCallDelay); err != nil {
				return true, nil
			}
		}
	}
	return false, nil
}

// dispatchRow places one call. Failures here are isolated to the row: the row is
// marked failed and the batch continues.
func (e *Engine) dispatchRow(ctx context.Context, run runs.Run, agentID, fromNumber string, row runs.Row) {
	now := e.clock().UTC()

	row.Status = runs.RowStatusCalling
	row.UpdatedAt = now
	if err := e.runs.UpdateRow(ctx, row); err != nil {
		e.log.Error("row claim failed", "run_id", run.ID, "row_id", row.ID, "err", err)
		return
	}

	phone, ok := phoneFromVariables(row.Variables)
	if !ok {
		e.failRow(ctx, run.ID, row, "no phone number in row variables")
		return
	}

	vars := row.Variables
	if run.CustomPrompt != "" {
		vars = make(map[string]any, len(row.Variables)+1)
		for k, v := range row.Variables {
			vars[k] = v
		}
		vars["custom_prompt"] = run.CustomPrompt
	}

	res, err := e.dialer.PlaceCall(ctx, provider.PlaceCallRequest{
		ToNumber:   phone,
		FromNumber: fromNumber,
		AgentID:    agentID,
		Variables:  vars,
		Metadata: provider.CallMetadata{
			RunID:      run.ID,
			RowID:      row.ID,
			OrgID:      run.OrgID,
			CampaignID: run.CampaignID,
			PatientID:  row.PatientID,
		},
	})
	if err != nil {
		e.failRow(ctx, run.ID, row, err.Error())
		return
	}

	row.ProviderCallID = res.CallID
	row.UpdatedAt = e.clock().UTC()
	if err := e.runs.UpdateRow(ctx, row); err != nil {
		e.log.Error("row update failed after dispatch", "row_id", row.ID, "err", err)
	}

	call := calls.Call{
		ID:             uuid.NewString(),
		OrgID:          run.OrgID,
		PatientID:      row.PatientID,
		RunID:          run.ID,
		RowID:          row.ID,
		CampaignID:     run.CampaignID,
		ProviderCallID: res.CallID,
		Direction:      calls.DirectionOutbound,
		Status:         calls.CallStatusPending,
		FromNumber:     fromNumber,
		ToNumber:       phone,
		AgentID:        agentID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.calls.Insert(ctx, call); err != nil {
		// The reconciler re-creates the record from webhook metadata if this
		// insert raced or was lost.
		e.log.Error("call insert failed", "row_id", row.ID, "provider_call_id", res.CallID, "err", err)
	}

	if err := e.metrics.Apply(ctx, run.ID, func(md runs.Metadata) {
		md.Increment("calls.calling", 1)
		md.Increment("calls.pending", -1)
	}); err != nil {
		e.log.Error("metrics update failed", "run_id", run.ID, "err", err)
	}

	e.publishEvent(ctx, realtime.RunChannel(run.ID), realtime.EventCallStarted, map[string]any{
		"runId":  run.ID,
		"rowId":  row.ID,
		"callId": call.ID,
	})
}

func (e *Engine) failRow(ctx context.Context, runID string, row runs.Row, msg string) {
	row.Status = runs.RowStatusFailed
	row.Error = msg
	row.UpdatedAt = e.clock().UTC()
	if err := e.runs.UpdateRow(ctx, row); err != nil {
		e.log.Error("row fail-mark failed", "row_id", row.ID, "err", err)
	}
	if err := e.metrics.Apply(ctx, runID, func(md runs.Metadata) {
		md.Increment("calls.failed", 1)
		md.Increment("calls.pending", -1)
	}); err != nil {
		e.log.Error("metrics update failed", "run_id", runID, "err", err)
	}
	e.log.Warn("row dispatch failed", "run_id", runID, "row_id", row.ID, "reason", msg)
}

// completeRun finalizes a drained run.
func (e *Engine) completeRun(ctx context.Context, run runs.Run) error {
	now := e.clock().UTC()
	err := e.metrics.ApplyRun(ctx, run.ID, func(r *runs.Run) {
		r.Status = runs.RunStatusCompleted
		r.Metadata.Set("run.endTime", now.Format(time.RFC3339))
		r.Metadata.Set("run.duration", durationSeconds(r.Metadata, now))
		r.UpdatedAt = now
	})
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	e.publishRunStatus(ctx, run.OrgID, run.ID, runs.RunStatusCompleted)
	e.log.Info("run completed", "run_id", run.ID)
	return nil
}

// failRun records a systemic loop failure on the run.
func (e *Engine) failRun(ctx context.Context, runID string, cause error) {
	now := e.clock().UTC()
	var orgID string
	err := e.metrics.ApplyRun(ctx, runID, func(r *runs.Run) {
		orgID = r.OrgID
		r.Status = runs.RunStatusFailed
		r.Metadata.Set("run.error", cause.Error())
		r.Metadata.Set("run.endTime", now.Format(time.RFC3339))
		r.UpdatedAt = now
	})
	if err != nil {
		e.log.Error("run fail-mark failed", "run_id", runID, "cause", cause, "err", err)
		return
	}
	e.publishRunStatus(ctx, orgID, runID, runs.RunStatusFailed)
	e.log.Error("run failed", "run_id", runID, "err", cause)
}

func (e *Engine) refreshClaim(ctx context.Context, runID string) (bool, error) {
	return utils.AcquireClaim(ctx, e.rdb, claimKey(runID), e.procID, e.cfg.ClaimTTL)
}

// durationSeconds computes a non-negative duration from the recorded start time.
func durationSeconds(md runs.Metadata, end time.Time) int {
	v, ok := md.Get("run.startTime")
	if !ok {
		return 0
	}
	s, ok := v.(string)
	if !ok {
		return 0
	}
	start, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	d := int(end.Sub(start).Seconds())
	if d < 0 {
		return 0
	}
	return d
}
