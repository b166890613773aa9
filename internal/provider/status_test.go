package provider

import (
	"testing"

	"carecall-platform/internal/calls"
	"carecall-platform/internal/runs"
)

func TestMapCallStatus(t *testing.T) {
	cases := map[string]calls.CallStatus{
		StatusRegistered: calls.CallStatusPending,
		StatusOngoing:    calls.CallStatusInProgress,
		StatusEnded:      calls.CallStatusCompleted,
		StatusError:      calls.CallStatusFailed,
		"bogus":          calls.CallStatusPending,
		"":               calls.CallStatusPending,
	}
	for in, want := range cases {
		if got := MapCallStatus(in); got != want {
			t.Fatalf("MapCallStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapRowStatus(t *testing.T) {
	cases := map[string]runs.RowStatus{
		StatusRegistered: runs.RowStatusPending,
		StatusOngoing:    runs.RowStatusCalling,
		StatusEnded:      runs.RowStatusCompleted,
		StatusError:      runs.RowStatusFailed,
		"bogus":          runs.RowStatusPending,
	}
	for in, want := range cases {
		if got := MapRowStatus(in); got != want {
			t.Fatalf("MapRowStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMergedAnalysis(t *testing.T) {
	vm := true
	ev := PostCallEvent{
		CallAnalysis: &CallAnalysis{
			CustomAnalysisData: map[string]any{"patient_reached": "yes"},
			InVoicemail:        &vm,
		},
	}
	got := ev.MergedAnalysis()
	if got["patient_reached"] != "yes" {
		t.Fatalf("expected custom data preserved, got %+v", got)
	}
	if got["voicemail_detected"] != true {
		t.Fatalf("expected voicemail_detected derived from in_voicemail")
	}

	// Nil analysis yields an empty, non-nil map.
	empty := PostCallEvent{}.MergedAnalysis()
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty map, got %+v", empty)
	}
}
