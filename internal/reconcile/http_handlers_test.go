package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"carecall-platform/internal/calls"
	"carecall-platform/internal/patient"
	"carecall-platform/internal/provider"

	"github.com/gin-gonic/gin"
)

func newWebhookRouter(f *testFixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := Handlers{Reconciler: f.rec}
	r.POST("/webhooks/voice/post-call/:org_id", h.HandlePostCall)
	r.POST("/webhooks/voice/post-call", h.HandlePostCall)
	return r
}

func postJSON(t *testing.T, r *gin.Engine, url string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// Inbound calls were not placed by this platform, so their post-call webhooks
// carry no echoed metadata; the org must come from the route.
func TestPostCallRouteScopesInboundWebhook(t *testing.T) {
	f := newFixture(t)
	r := newWebhookRouter(f)

	p, err := f.patients.Create(context.Background(), patient.Patient{
		OrgID: "org-1", FirstName: "Dana", LastName: "Reyes", Phone: "+15550003333",
	})
	if err != nil {
		t.Fatalf("Create patient: %v", err)
	}

	ev := provider.PostCallEvent{
		CallID:     "prov-in-1",
		Direction:  "inbound",
		FromNumber: "+15550003333",
		CallStatus: provider.StatusEnded,
		CallAnalysis: &provider.CallAnalysis{
			Transcript: "calling back about my appointment",
		},
		DurationMs: 42000,
	}

	w := postJSON(t, r, "/webhooks/voice/post-call/org-1", ev)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp PostCallResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "success" {
		t.Fatalf("status = %s (%s)", resp.Status, resp.Error)
	}

	call, found, err := f.calls.GetByProviderID(context.Background(), "org-1", "prov-in-1")
	if err != nil || !found {
		t.Fatalf("inbound call not reconciled: found=%v err=%v", found, err)
	}
	if call.Direction != calls.DirectionInbound {
		t.Fatalf("direction = %s, want inbound", call.Direction)
	}
	if call.PatientID != p.ID {
		t.Fatalf("patient = %q, want %q from phone lookup", call.PatientID, p.ID)
	}
	if call.Status != calls.CallStatusCompleted {
		t.Fatalf("call status = %s, want completed", call.Status)
	}
}

func TestPostCallRouteFallsBackToMetadataOrg(t *testing.T) {
	f := newFixture(t)
	r := newWebhookRouter(f)
	f.seedDispatchedRun(t)

	w := postJSON(t, r, "/webhooks/voice/post-call", endedEvent(nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	call, found, _ := f.calls.GetByProviderID(context.Background(), "org-1", "prov-1")
	if !found || call.Status != calls.CallStatusCompleted {
		t.Fatalf("metadata-scoped webhook not reconciled: found=%v status=%s", found, call.Status)
	}
}

func TestPostCallRouteRejectsUnscopedEvent(t *testing.T) {
	f := newFixture(t)
	r := newWebhookRouter(f)

	w := postJSON(t, r, "/webhooks/voice/post-call", provider.PostCallEvent{
		CallID: "prov-x", Direction: "inbound", CallStatus: provider.StatusEnded,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
