package audit

import (
	"context"
	"testing"
)

func TestService_AppendRequiresOrgAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeRunControl}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{OrgID: "o"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogRunControl(context.Background(), "o", "u", "operator", "run1", "run started"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogRepair(context.Background(), "o", "run1", "call1", "row1", "stuck call timed out", "{}"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events")
	}
	if evs[0].Type != EventTypeRunControl || evs[0].RunID != "run1" {
		t.Fatalf("unexpected first event: %+v", evs[0])
	}
	if evs[1].Type != EventTypeAuditorRepair || evs[1].CallID != "call1" {
		t.Fatalf("unexpected second event: %+v", evs[1])
	}
	if evs[1].ActorUserID != "consistency-auditor" {
		t.Fatalf("repair events must carry the job identity")
	}
}
