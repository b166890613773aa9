package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"carecall-platform/internal/calls"
	"carecall-platform/internal/campaign"
	"carecall-platform/internal/insights"
	"carecall-platform/internal/metrics"
	"carecall-platform/internal/org"
	"carecall-platform/internal/patient"
	"carecall-platform/internal/provider"
	"carecall-platform/internal/realtime"
	"carecall-platform/internal/runs"

	"github.com/google/uuid"
)

// recentCallContextLimit caps how much call history is packed into the inbound
// greeting context.
const recentCallContextLimit = 3

// Reconciler applies provider webhooks onto call, row, and run records.
//
// Deliveries may be retried, duplicated, or arrive out of order, so every mutation
// here is idempotent: calls are upserted by (org_id, provider_call_id), statuses
// only move forward, and metrics only move when a call first reaches a terminal
// status.
type Reconciler struct {
	orgs      org.Store
	patients  patient.Resolver
	campaigns campaign.Store
	calls     calls.Store
	runs      runs.Store
	metrics   *metrics.Aggregator
	rt        realtime.Publisher
	log       *slog.Logger

	// defaultAgentID answers inbound calls when neither the webhook nor the
	// organization names an agent.
	defaultAgentID string

	clock func() time.Time
}

type Deps struct {
	Orgs      org.Store
	Patients  patient.Resolver
	Campaigns campaign.Store
	Calls     calls.Store
	Runs      runs.Store
	Metrics   *metrics.Aggregator
	Realtime  realtime.Publisher
	Logger    *slog.Logger

	DefaultInboundAgentID string
}

func New(d Deps) *Reconciler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		orgs:           d.Orgs,
		patients:       d.Patients,
		campaigns:      d.Campaigns,
		calls:          d.Calls,
		runs:           d.Runs,
		metrics:        d.Metrics,
		rt:             d.Realtime,
		log:            log,
		defaultAgentID: d.DefaultInboundAgentID,
		clock:          time.Now,
	}
}

// InboundResponse is returned to the provider while the inbound call is being set
// up. Variables feed the live conversation, so even failures produce a usable
// response.
type InboundResponse struct {
	Status    string         `json:"status"`
	CallID    string         `json:"call_id,omitempty"`
	Variables map[string]any `json:"variables"`
	Error     string         `json:"error,omitempty"`
}

// HandleInbound registers an inbound call and builds the conversation context.
// It never hard-fails: a live phone call is on the line, so any error degrades to
// a generic context with error_occurred set.
func (r *Reconciler) HandleInbound(ctx context.Context, orgID string, ev provider.InboundEvent) InboundResponse {
	organization, err := r.orgs.Get(ctx, orgID)
	if err != nil {
		r.log.Error("inbound webhook for unknown org", "org_id", orgID, "err", err)
		return degradedInbound(err)
	}

	now := r.clock().UTC()
	phone := patient.NormalizePhone(ev.FromNumber)

	var patientID string
	pat, found, err := r.patients.FindByPhone(ctx, orgID, phone)
	if err != nil {
		r.log.Warn("inbound patient lookup failed", "org_id", orgID, "err", err)
	}
	if found {
		patientID = pat.ID
	} else if err == nil && phone != "" {
		// Best effort: a creation failure degrades to an anonymous caller.
		created, cerr := r.patients.Create(ctx, patient.Placeholder(orgID, phone, now))
		if cerr != nil {
			r.log.Warn("placeholder patient creation failed", "org_id", orgID, "err", cerr)
		} else {
			pat = created
			patientID = created.ID
		}
	}

	var history []calls.Call
	if patientID != "" {
		history, err = r.calls.ListRecentByPatient(ctx, orgID, patientID, recentCallContextLimit)
		if err != nil {
			r.log.Warn("recent call lookup failed", "patient_id", patientID, "err", err)
			history = nil
		}
	}

	agentID := ev.AgentID
	if agentID == "" {
		agentID = ev.LLMID
	}
	if agentID == "" {
		agentID = organization.InboundAgentID
	}
	if agentID == "" {
		agentID = r.defaultAgentID
		r.log.Warn("inbound call missing agent id, using default", "org_id", orgID, "agent_id", agentID)
	}

	call := calls.Call{
		ID:             uuid.NewString(),
		OrgID:          orgID,
		PatientID:      patientID,
		ProviderCallID: ev.CallID,
		Direction:      calls.DirectionInbound,
		Status:         provider.MapCallStatus(provider.StatusRegistered),
		FromNumber:     phone,
		ToNumber:       ev.ToNumber,
		AgentID:        agentID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.calls.Insert(ctx, call); err != nil {
		r.log.Error("inbound call insert failed", "org_id", orgID, "err", err)
		return degradedInbound(err)
	}

	r.publish(ctx, realtime.OrgChannel(orgID), realtime.EventInboundCall, map[string]any{
		"callId":    call.ID,
		"patientId": patientID,
		"from":      phone,
	})

	return InboundResponse{
		Status:    "success",
		CallID:    call.ID,
		Variables: inboundVariables(organization, pat, patientID != "", history),
	}
}

// inboundVariables summarizes who is calling and what has happened before, for the
// agent to use in the live conversation. Not persisted.
func inboundVariables(o org.Organization, p patient.Patient, known bool, history []calls.Call) map[string]any {
	vars := map[string]any{
		"organization_name": o.Name,
		"known_patient":     known,
	}
	if known {
		vars["patient_first_name"] = p.FirstName
		vars["patient_last_name"] = p.LastName
	} else {
		vars["patient_first_name"] = "Unknown"
		vars["patient_last_name"] = "Caller"
	}
	if len(history) > 0 {
		summaries := make([]map[string]any, 0, len(history))
		for _, c := range history {
			summaries = append(summaries, map[string]any{
				"status":   c.Status,
				"duration": c.DurationSeconds,
				"at":       c.CreatedAt.Format(time.RFC3339),
			})
		}
		vars["recent_calls"] = summaries
	}
	return vars
}

func degradedInbound(err error) InboundResponse {
	return InboundResponse{
		Status: "error",
		Variables: map[string]any{
			"organization_name": "the clinic",
			"known_patient":     false,
			"error_occurred":    true,
		},
		Error: err.Error(),
	}
}

// PostCallResponse is the envelope returned to the provider after reconciling a
// post-call webhook.
type PostCallResponse struct {
	Status    string             `json:"status"`
	CallID    string             `json:"callId,omitempty"`
	PatientID string             `json:"patientId,omitempty"`
	Message   string             `json:"message,omitempty"`
	Insights  *insights.Insights `json:"insights,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// HandlePostCall reconciles a post-call webhook onto the call, its row, and its
// run. Errors become a structured envelope; the handler never panics outward.
func (r *Reconciler) HandlePostCall(ctx context.Context, orgID, campaignID string, ev provider.PostCallEvent) PostCallResponse {
	resp, err := r.postCall(ctx, orgID, campaignID, ev)
	if err != nil {
		r.log.Error("post-call reconciliation failed", "org_id", orgID, "provider_call_id", ev.CallID, "err", err)
		return PostCallResponse{Status: "error", Error: err.Error()}
	}
	return resp
}

func (r *Reconciler) postCall(ctx context.Context, orgID, campaignID string, ev provider.PostCallEvent) (PostCallResponse, error) {
	if orgID == "" || ev.CallID == "" {
		return PostCallResponse{}, fmt.Errorf("reconcile: org id and call id are required")
	}

	now := r.clock().UTC()
	md := ev.Metadata
	if campaignID == "" && md != nil {
		campaignID = md.CampaignID
	}

	patientID, err := r.resolvePatient(ctx, orgID, ev)
	if err != nil {
		return PostCallResponse{}, err
	}

	call, prevStatus, err := r.upsertCall(ctx, orgID, campaignID, patientID, ev, now)
	if err != nil {
		return PostCallResponse{}, err
	}

	var camp campaign.Campaign
	haveCampaign := false
	if campaignID != "" {
		camp, err = r.campaigns.Get(ctx, campaignID)
		if err != nil {
			r.log.Warn("campaign lookup failed during reconciliation", "campaign_id", campaignID, "err", err)
		} else {
			haveCampaign = true
		}
	}

	analysis := ev.MergedAnalysis()
	if haveCampaign {
		analysis = r.applyCampaignSchema(camp, analysis, ev.CallID)
	}

	derived := insights.Extract(ev.Transcript(), analysis)

	mapped := provider.MapCallStatus(ev.CallStatus)
	if prevStatus.Terminal() && !mapped.Terminal() {
		// Status only moves forward. A delayed or replayed in-flight delivery
		// arriving after the call ended must not reopen the call, its row, or
		// the run's completion accounting.
		r.log.Warn("ignoring stale delivery for settled call",
			"provider_call_id", ev.CallID, "delivered_status", ev.CallStatus, "status", prevStatus)
		return PostCallResponse{
			Status:    "success",
			CallID:    call.ID,
			PatientID: call.PatientID,
			Message:   "call already settled",
			Insights:  &derived,
		}, nil
	}

	call = r.applyCallUpdate(call, mapped, ev, analysis, now)
	if err := r.calls.Update(ctx, call); err != nil {
		return PostCallResponse{}, fmt.Errorf("reconcile: update call: %w", err)
	}

	if call.RowID != "" {
		r.propagateToRow(ctx, call, ev.CallStatus, derived, now)
	}

	// Metrics move only on the first transition into a terminal status; retries and
	// duplicate deliveries find the call already terminal and change nothing.
	if call.RunID != "" && mapped.Terminal() && !prevStatus.Terminal() {
		r.applyRunMetrics(ctx, call, mapped, analysis, derived, camp, haveCampaign)
		r.maybeCompleteRun(ctx, call.RunID, now)
	}

	r.publish(ctx, realtime.OrgChannel(orgID), realtime.EventCallUpdated, map[string]any{
		"callId": call.ID,
		"status": call.Status,
	})
	if mapped == calls.CallStatusCompleted {
		payload := map[string]any{"callId": call.ID, "runId": call.RunID}
		if call.CampaignID != "" {
			r.publish(ctx, realtime.CampaignChannel(call.CampaignID), realtime.EventCallCompleted, payload)
		}
		if call.RunID != "" {
			r.publish(ctx, realtime.RunChannel(call.RunID), realtime.EventCallCompleted, payload)
		}
	}

	return PostCallResponse{
		Status:    "success",
		CallID:    call.ID,
		PatientID: call.PatientID,
		Message:   "call reconciled",
		Insights:  &derived,
	}, nil
}

// resolvePatient finds the patient the call belongs to. Outbound calls carry the
// id in echoed metadata; inbound calls fall back to phone lookup, verified against
// the org so one tenant's webhook can never attach another tenant's patient.
func (r *Reconciler) resolvePatient(ctx context.Context, orgID string, ev provider.PostCallEvent) (string, error) {
	if md := ev.Metadata; md != nil && md.PatientID != "" {
		if _, err := r.patients.Get(ctx, orgID, md.PatientID); err != nil {
			r.log.Warn("metadata patient not linked to org", "org_id", orgID, "patient_id", md.PatientID)
			return "", nil
		}
		return md.PatientID, nil
	}
	if !ev.Inbound() {
		return "", nil
	}
	phone := patient.NormalizePhone(ev.FromNumber)
	if phone == "" {
		return "", nil
	}
	p, found, err := r.patients.FindByPhone(ctx, orgID, phone)
	if err != nil {
		return "", fmt.Errorf("reconcile: patient lookup: %w", err)
	}
	if !found {
		return "", nil
	}
	return p.ID, nil
}

// upsertCall finds or creates the call for this provider call id and returns it
// along with the status it had before this delivery. Existing records are only
// backfilled where fields are missing, never clobbered.
func (r *Reconciler) upsertCall(ctx context.Context, orgID, campaignID, patientID string, ev provider.PostCallEvent, now time.Time) (calls.Call, calls.CallStatus, error) {
	existing, found, err := r.calls.GetByProviderID(ctx, orgID, ev.CallID)
	if err != nil {
		return calls.Call{}, "", fmt.Errorf("reconcile: call lookup: %w", err)
	}

	if found {
		changed := false
		if existing.PatientID == "" && patientID != "" {
			existing.PatientID = patientID
			changed = true
		}
		if md := ev.Metadata; md != nil {
			if existing.RunID == "" && md.RunID != "" {
				existing.RunID = md.RunID
				changed = true
			}
			if existing.RowID == "" && md.RowID != "" {
				existing.RowID = md.RowID
				changed = true
			}
		}
		if existing.CampaignID == "" && campaignID != "" {
			existing.CampaignID = campaignID
			changed = true
		}
		if changed {
			existing.UpdatedAt = now
			if err := r.calls.Update(ctx, existing); err != nil {
				return calls.Call{}, "", fmt.Errorf("reconcile: backfill call: %w", err)
			}
		}
	} else {
		direction := calls.DirectionOutbound
		if ev.Inbound() {
			direction = calls.DirectionInbound
		}
		created := calls.Call{
			ID:             uuid.NewString(),
			OrgID:          orgID,
			PatientID:      patientID,
			CampaignID:     campaignID,
			ProviderCallID: ev.CallID,
			Direction:      direction,
			Status:         calls.CallStatusPending,
			FromNumber:     ev.FromNumber,
			ToNumber:       ev.ToNumber,
			AgentID:        ev.AgentID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if md := ev.Metadata; md != nil {
			created.RunID = md.RunID
			created.RowID = md.RowID
		}
		if err := r.calls.Insert(ctx, created); err != nil {
			return calls.Call{}, "", fmt.Errorf("reconcile: insert call: %w", err)
		}
	}

	// Defensive re-read: act on the canonical record, not the pre-update copy.
	call, found, err := r.calls.GetByProviderID(ctx, orgID, ev.CallID)
	if err != nil || !found {
		return calls.Call{}, "", fmt.Errorf("reconcile: re-read call: %w", err)
	}
	return call, call.Status, nil
}

// applyCampaignSchema warns on missing required analysis fields and tags the
// campaign's main-KPI values under _campaignKPIs for downstream reporting.
func (r *Reconciler) applyCampaignSchema(camp campaign.Campaign, analysis map[string]any, providerCallID string) map[string]any {
	for _, key := range camp.RequiredKeys() {
		if _, ok := analysis[key]; !ok {
			r.log.Warn("required analysis field missing",
				"campaign_id", camp.ID, "provider_call_id", providerCallID, "field", key)
		}
	}
	kpis := map[string]any{}
	for _, key := range camp.KPIKeys() {
		if v, ok := analysis[key]; ok {
			kpis[key] = v
		}
	}
	if len(kpis) > 0 {
		analysis["_campaignKPIs"] = kpis
	}
	return analysis
}

func (r *Reconciler) applyCallUpdate(call calls.Call, mapped calls.CallStatus, ev provider.PostCallEvent, analysis map[string]any, now time.Time) calls.Call {
	call.Status = mapped
	if ev.RecordingURL != "" {
		call.RecordingURL = ev.RecordingURL
	}
	if t := ev.Transcript(); t != "" {
		call.Transcript = t
	}
	if len(analysis) > 0 {
		call.Analysis = analysis
	}
	if ev.DurationMs > 0 {
		call.DurationSeconds = int(ev.DurationMs / 1000)
	}
	if ev.StartTimestamp > 0 {
		t := time.UnixMilli(ev.StartTimestamp).UTC()
		call.StartTime = &t
	}
	if ev.EndTimestamp > 0 {
		t := time.UnixMilli(ev.EndTimestamp).UTC()
		call.EndTime = &t
	}
	if mapped == calls.CallStatusFailed && ev.DisconnectionReason != "" {
		call.Error = ev.DisconnectionReason
	}
	call.UpdatedAt = now
	return call
}

// propagateToRow mirrors the call outcome onto its work item. Row failures here
// are logged, not fatal: the auditor reports row/call mismatches later.
func (r *Reconciler) propagateToRow(ctx context.Context, call calls.Call, providerStatus string, derived insights.Insights, now time.Time) {
	row, err := r.runs.GetRow(ctx, call.RowID)
	if err != nil {
		r.log.Warn("linked row not found during reconciliation", "row_id", call.RowID, "err", err)
		return
	}

	next := provider.MapRowStatus(providerStatus)
	if row.Status.Terminal() && !next.Terminal() {
		// The row may have been settled independently (auditor repair); it never
		// moves backward.
		next = row.Status
	}
	row.Status = next
	if call.Error != "" {
		row.Error = call.Error
	}
	if len(call.Analysis) > 0 {
		row.Analysis = call.Analysis
	}
	if row.Metadata == nil {
		row.Metadata = map[string]any{}
	}
	row.Metadata["callCompleted"] = row.Status.Terminal()
	row.Metadata["insights"] = map[string]any{
		"sentiment":      string(derived.Sentiment),
		"followUpNeeded": derived.FollowUpNeeded,
		"followUpReason": derived.FollowUpReason,
		"patientReached": derived.PatientReached,
		"voicemailLeft":  derived.VoicemailLeft,
	}
	row.UpdatedAt = now

	if err := r.runs.UpdateRow(ctx, row); err != nil {
		r.log.Error("row update failed during reconciliation", "row_id", row.ID, "err", err)
	}
}

func (r *Reconciler) applyRunMetrics(ctx context.Context, call calls.Call, mapped calls.CallStatus, analysis map[string]any, derived insights.Insights, camp campaign.Campaign, haveCampaign bool) {
	var kpiKeys []string
	if haveCampaign {
		kpiKeys = camp.KPIKeys()
	}

	err := r.metrics.Apply(ctx, call.RunID, func(md runs.Metadata) {
		switch mapped {
		case calls.CallStatusCompleted:
			md.Increment("calls.completed", 1)
			md.Increment("calls.calling", -1)
			if derived.PatientReached {
				md.Increment("calls.connected", 1)
			}
			if derived.VoicemailLeft {
				md.Increment("calls.voicemail", 1)
			}
			if insights.ResolveConversion(analysis, kpiKeys) {
				md.Increment("calls.converted", 1)
			}
		case calls.CallStatusFailed:
			md.Increment("calls.failed", 1)
			md.Increment("calls.calling", -1)
		}
	})
	if err != nil {
		r.log.Error("run metrics update failed", "run_id", call.RunID, "err", err)
	}
}

// maybeCompleteRun finalizes the run once no rows remain pending or calling.
func (r *Reconciler) maybeCompleteRun(ctx context.Context, runID string, now time.Time) {
	run, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		r.log.Warn("run lookup failed during completion check", "run_id", runID, "err", err)
		return
	}
	if run.Status.Terminal() {
		return
	}
	remaining, err := r.runs.CountRowsByStatus(ctx, runID, runs.RowStatusPending, runs.RowStatusCalling)
	if err != nil {
		r.log.Warn("row count failed during completion check", "run_id", runID, "err", err)
		return
	}
	if remaining > 0 {
		return
	}

	err = r.metrics.ApplyRun(ctx, runID, func(rn *runs.Run) {
		rn.Status = runs.RunStatusCompleted
		rn.Metadata.Set("run.endTime", now.Format(time.RFC3339))
		rn.Metadata.Set("run.duration", durationSeconds(rn.Metadata, now))
		rn.UpdatedAt = now
	})
	if err != nil {
		r.log.Error("run completion failed", "run_id", runID, "err", err)
		return
	}

	payload := map[string]any{"runId": runID, "status": runs.RunStatusCompleted}
	r.publish(ctx, realtime.RunChannel(runID), realtime.EventRunStatusChanged, payload)
	r.publish(ctx, realtime.OrgChannel(run.OrgID), realtime.EventRunUpdated, payload)
	r.log.Info("run completed via reconciliation", "run_id", runID)
}

func (r *Reconciler) publish(ctx context.Context, channel, event string, payload any) {
	if r.rt == nil {
		return
	}
	if err := r.rt.Publish(ctx, channel, event, payload); err != nil {
		r.log.Warn("event publish failed", "channel", channel, "event", event, "err", err)
	}
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
