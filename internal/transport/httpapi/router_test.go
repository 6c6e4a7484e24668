package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relaycore/core/internal/domain/tenant"
	"github.com/relaycore/core/internal/domain/webhook"
	"github.com/relaycore/core/internal/metrics"
)

type fakeTenants struct {
	known map[string]tenant.Snapshot
}

func (f *fakeTenants) Metrics(id string) (tenant.Snapshot, error) {
	snap, ok := f.known[id]
	if !ok {
		return tenant.Snapshot{}, tenant.ErrNotFound
	}
	return snap, nil
}

type fakeWebhooks struct {
	registered   []webhook.Registration
	unregistered []string
}

func (f *fakeWebhooks) Register(reg webhook.Registration) (string, error) {
	f.registered = append(f.registered, reg)
	return "wh-1", nil
}

func (f *fakeWebhooks) Unregister(id string) error {
	f.unregistered = append(f.unregistered, id)
	if id == "missing" {
		return webhook.ErrNotFound
	}
	return nil
}

type fakeStats struct{}

func (fakeStats) Snapshot() metrics.Snapshot {
	return metrics.Snapshot{Status: "running", TotalTenants: 3}
}

func newTestServer() (*Server, *fakeWebhooks, *fakeTenants) {
	wh := &fakeWebhooks{}
	tn := &fakeTenants{known: map[string]tenant.Snapshot{
		"acme": {ID: "acme", Tier: tenant.TierPro, ActiveConnections: 2},
	}}
	return New(tn, wh, fakeStats{}, nil, nil, nil), wh, tn
}

func TestCreateWebhookReturnsID(t *testing.T) {
	s, wh, _ := newTestServer()
	body := `{"endpointUrl":"https://example.com/hook","topicPattern":"orders.*","secret":"s","maxAttempts":3}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(body))
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.ID != "wh-1" {
		t.Fatalf("response id = %q err = %v", resp.ID, err)
	}
	if len(wh.registered) != 1 || wh.registered[0].Retry.MaxAttempts != 3 {
		t.Fatalf("registered = %+v", wh.registered)
	}
}

func TestCreateWebhookRejectsMissingFields(t *testing.T) {
	s, wh, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(`{"secret":"s"}`))
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(wh.registered) != 0 {
		t.Fatalf("nothing should have been registered")
	}
}

func TestDeleteWebhookReportsNotFound(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodDelete, "/webhooks/missing", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetMetricsServesSnapshot(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	s.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap metrics.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != "running" || snap.TotalTenants != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGetTenantReturnsSnapshotOr404(t *testing.T) {
	s, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/tenants/acme", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/tenants/ghost", nil)
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown tenant", rec.Code)
	}
}
