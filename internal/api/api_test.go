package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/metrics"
	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/BTreeMap/GroupPulse/internal/store"
	"github.com/BTreeMap/GroupPulse/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeSupervisor struct {
	mu        sync.Mutex
	workers   []models.WorkerInfo
	submitted []string
}

func (f *fakeSupervisor) ActiveCount() int            { return len(f.workers) }
func (f *fakeSupervisor) Uptime() time.Duration       { return 90 * time.Second }
func (f *fakeSupervisor) OwnerID() string             { return "owner-a" }
func (f *fakeSupervisor) Workers() []models.WorkerInfo { return f.workers }

func (f *fakeSupervisor) SubmitScan(requestID, groupID string) {
	f.mu.Lock()
	f.submitted = append(f.submitted, requestID)
	f.mu.Unlock()
}

func newTestServer(t *testing.T) (*Server, *fakeSupervisor, store.Store) {
	t.Helper()
	hb := int64(1700000000)
	sup := &fakeSupervisor{workers: []models.WorkerInfo{
		{UserID: "u1", Status: models.SessionStatusConnected, LastHeartbeat: &hb},
		{UserID: "u2", Status: models.SessionStatusQRRequired},
	}}
	st := testutil.NewSQLiteStore(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SetActiveWorkers(2)
	return NewServer(sup, st, WithGatherer(reg)), sup, st
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")

	var body models.HealthStatus
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &body)
	if body.Status != "ok" || body.ActiveWorkers != 2 || body.UptimeSeconds != 90 {
		t.Errorf("health = %+v", body)
	}
	if body.WorkerID != "owner-a" {
		t.Errorf("worker_id = %q", body.WorkerID)
	}
}

func TestHealthRejectsPost(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := serve(s, httptest.NewRequest(http.MethodPost, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "POST /health")
}

func TestMetricsHandler(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "grouppulse_active_workers 2") {
		t.Errorf("metrics body missing gauge:\n%s", rr.Body.String())
	}
}

func TestWorkersHandler(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/workers", nil))
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	list, ok := resp["result"].([]interface{})
	if !ok || len(list) != 2 {
		t.Fatalf("result = %#v", resp["result"])
	}
	first := list[0].(map[string]interface{})
	if first["user_id"] != "u1" || first["status"] != "connected" {
		t.Errorf("first worker = %v", first)
	}
}

func TestCreateScanHandler(t *testing.T) {
	s, sup, st := newTestServer(t)
	ctx := context.Background()
	g, err := st.UpsertGroup(ctx, "u1", "120363000000000001@g.us", "Class 3B Parents")
	if err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/scans", map[string]string{"group_id": g.ID})
	rr := serve(s, req)
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "create scan")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	id, _ := resp["result"].(map[string]interface{})["id"].(string)
	if id == "" {
		t.Fatalf("missing id in %v", resp)
	}
	if len(sup.submitted) != 1 || sup.submitted[0] != id {
		t.Errorf("submitted = %v, want [%s]", sup.submitted, id)
	}

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/scans/"+id, nil))
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	if result["status"] != string(models.ScanStatusPending) || result["group_id"] != g.ID {
		t.Errorf("scan = %v", result)
	}
}

func TestCreateScanHandlerErrors(t *testing.T) {
	s, sup, _ := newTestServer(t)
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", `{"group_id":`, http.StatusBadRequest},
		{"missing group", `{}`, http.StatusBadRequest},
		{"unknown group", `{"group_id":"grp_missing"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/scans", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rr := serve(s, req)
			testutil.AssertHTTPStatus(t, tt.status, rr.Code, tt.name)
			testutil.AssertJSONResponse(t, rr, "error")
		})
	}
	if len(sup.submitted) != 0 {
		t.Errorf("submitted = %v, want none", sup.submitted)
	}
}

func TestGetScanHandlerNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/scans/scan_missing", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing scan")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusOK, models.Success(map[string]string{"summary": "אסיפת הורים מחר"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "writeJSON")
	if ct := rr.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if !strings.Contains(rr.Body.String(), "אסיפת הורים מחר") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestWriteJSONEncodeFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusOK, models.Success(make(chan int)))
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "unencodable result")
	resp := testutil.AssertJSONResponse(t, rr, "error")
	if resp["message"] != "Internal server error" {
		t.Errorf("message = %v", resp["message"])
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	s, _, _ := newTestServer(t)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
