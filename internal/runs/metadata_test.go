package runs

import (
	"context"
	"testing"
)

func TestMetadataCloneIsIndependent(t *testing.T) {
	md := Metadata{}
	md.Set("calls.completed", 2)
	md.Set("run.error", "boom")

	clone := md.Clone()
	clone.Increment("calls.completed", 5)
	clone.Set("run.error", "other")

	if got := md.GetInt("calls.completed"); got != 2 {
		t.Fatalf("original calls.completed = %d after clone mutation, want 2", got)
	}
	if v, _ := md.Get("run.error"); v != "boom" {
		t.Fatalf("original run.error = %v after clone mutation", v)
	}
	if got := clone.GetInt("calls.completed"); got != 7 {
		t.Fatalf("clone calls.completed = %d, want 7", got)
	}
}

func TestMetadataSetCreatesNestedPath(t *testing.T) {
	md := Metadata{}
	md.Set("calls.voicemail", 1)

	bucket, ok := md["calls"].(map[string]any)
	if !ok {
		t.Fatalf("calls bucket not created: %#v", md)
	}
	if bucket["voicemail"] != 1 {
		t.Fatalf("voicemail = %v, want 1", bucket["voicemail"])
	}
}

func TestMetadataIncrementClampsAtZero(t *testing.T) {
	md := Metadata{}
	md.Set("calls.calling", 0)

	for i := 0; i < 3; i++ {
		if n := md.Increment("calls.calling", -1); n != 0 {
			t.Fatalf("decrement %d returned %d, want 0", i, n)
		}
	}
	if got := md.GetInt("calls.calling"); got != 0 {
		t.Fatalf("calls.calling = %d, want 0", got)
	}
}

func TestMetadataIncrementMissingKeyStartsAtZero(t *testing.T) {
	md := Metadata{}
	if n := md.Increment("calls.converted", 1); n != 1 {
		t.Fatalf("increment on missing key = %d, want 1", n)
	}
}

func TestMetadataGetIntHandlesJSONNumbers(t *testing.T) {
	// Metadata read back from a JSON column carries float64 numbers.
	md := Metadata{"calls": map[string]any{"completed": float64(4)}}
	if got := md.GetInt("calls.completed"); got != 4 {
		t.Fatalf("calls.completed = %d, want 4", got)
	}
	if got := md.GetInt("calls.missing"); got != 0 {
		t.Fatalf("missing counter = %d, want 0", got)
	}
	if got := md.GetInt("run.startTime"); got != 0 {
		t.Fatalf("non-numeric path = %d, want 0", got)
	}
}

func TestRowAndRunTerminal(t *testing.T) {
	rowCases := map[RowStatus]bool{
		RowStatusPending:   false,
		RowStatusCalling:   false,
		RowStatusCallback:  false,
		RowStatusCompleted: true,
		RowStatusFailed:    true,
		RowStatusSkipped:   true,
	}
	for status, want := range rowCases {
		if status.Terminal() != want {
			t.Fatalf("RowStatus %s Terminal() = %v, want %v", status, status.Terminal(), want)
		}
	}

	runCases := map[RunStatus]bool{
		RunStatusDraft:     false,
		RunStatusRunning:   false,
		RunStatusPaused:    false,
		RunStatusCompleted: true,
		RunStatusFailed:    true,
	}
	for status, want := range runCases {
		if status.Terminal() != want {
			t.Fatalf("RunStatus %s Terminal() = %v, want %v", status, status.Terminal(), want)
		}
	}
}

func TestMemoryStorePendingOrderAndCounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	run := Run{ID: "run-1", OrgID: "org-1", CampaignID: "camp-1", Status: RunStatusRunning, Metadata: Metadata{}}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	rows := []Row{
		{ID: "r3", RunID: "run-1", Status: RowStatusPending, SortIndex: 3},
		{ID: "r1", RunID: "run-1", Status: RowStatusPending, SortIndex: 1},
		{ID: "r2", RunID: "run-1", Status: RowStatusCalling, SortIndex: 2},
	}
	if err := s.CreateRows(ctx, rows); err != nil {
		t.Fatalf("CreateRows: %v", err)
	}

	pending, err := s.ListPendingRows(ctx, "run-1", 10)
	if err != nil {
		t.Fatalf("ListPendingRows: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "r1" || pending[1].ID != "r3" {
		t.Fatalf("pending order = %+v, want r1 then r3", pending)
	}

	limited, _ := s.ListPendingRows(ctx, "run-1", 1)
	if len(limited) != 1 || limited[0].ID != "r1" {
		t.Fatalf("limited batch = %+v, want just r1", limited)
	}

	n, err := s.CountRowsByStatus(ctx, "run-1", RowStatusPending, RowStatusCalling)
	if err != nil {
		t.Fatalf("CountRowsByStatus: %v", err)
	}
	if n != 3 {
		t.Fatalf("pending+calling = %d, want 3", n)
	}
}
