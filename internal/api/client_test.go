package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTriggerCascade(t *testing.T) {
	var gotBody TriggerRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/cascade/trigger" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		json.NewEncoder(w).Encode(TriggerResponse{Status: "started", Intent: "brakes"})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	resp, err := client.TriggerCascade(context.Background(), &TriggerRequest{
		Intent:   "brakes",
		Budget:   50000,
		Quantity: 2,
	})
	if err != nil {
		t.Fatalf("TriggerCascade() error = %v", err)
	}

	if resp.Status != "started" {
		t.Errorf("Status = %q, want %q", resp.Status, "started")
	}
	if gotBody.Budget != 50000 {
		t.Errorf("request budget = %v, want 50000", gotBody.Budget)
	}
	if gotBody.Quantity != 2 {
		t.Errorf("request quantity = %d, want 2", gotBody.Quantity)
	}
}

func TestTriggerCascadeConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error": "Cascade already running"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.TriggerCascade(context.Background(), &TriggerRequest{Budget: 1000})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if statusErr.Code != http.StatusConflict {
		t.Errorf("Code = %d, want %d", statusErr.Code, http.StatusConflict)
	}
}

func TestGetProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cascade/progress" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"running": true, "progress": 45}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	prog, err := client.GetProgress(context.Background())
	if err != nil {
		t.Fatalf("GetProgress() error = %v", err)
	}

	if !prog.Running {
		t.Error("Running = false, want true")
	}
	if prog.Progress != 45 {
		t.Errorf("Progress = %v, want 45", prog.Progress)
	}
}

func TestGetReportNotReady(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "No report available yet"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.GetReport(context.Background())

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if statusErr.Code != http.StatusNotFound {
		t.Errorf("Code = %d, want 404", statusErr.Code)
	}
}

func TestGetReportOpaque(t *testing.T) {
	blob := `{"report_id":"NCR-1","orders":[{"supplier":"Alpine Brakes SpA"}]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(blob))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	report, err := client.GetReport(context.Background())
	if err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}

	// The client must not reshape the report; it is stored and forwarded
	// as a whole.
	var got, want any
	json.Unmarshal(report, &got)
	json.Unmarshal([]byte(blob), &want)
	gotJSON, _ := json.Marshal(got)
	wantJSON, _ := json.Marshal(want)
	if string(gotJSON) != string(wantJSON) {
		t.Errorf("report = %s, want %s", gotJSON, wantJSON)
	}
}

func TestListAgents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`[{"id": "procurement-01", "name": "Procurement", "role": "buyer"}]`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	agents, err := client.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents() error = %v", err)
	}

	if len(agents) != 1 || agents[0].ID != "procurement-01" {
		t.Errorf("agents = %+v", agents)
	}
}
