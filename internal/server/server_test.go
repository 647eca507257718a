package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/simfit/internal/config"
	"github.com/cwbudde/simfit/internal/fit"
)

func marshalStudy(t *testing.T, study *config.Study) []byte {
	t.Helper()
	data, err := yaml.Marshal(study)
	if err != nil {
		t.Fatalf("Failed to marshal study: %v", err)
	}
	return data
}

// waitForState polls the registry until the run reaches the wanted state.
func waitForState(t *testing.T, rm *RunManager, runID string, want RunState) *Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, exists := rm.GetRun(runID)
		if exists && run.State == want {
			return run
		}
		if exists && run.State == StateFailed && want != StateFailed {
			t.Fatalf("Run failed: %s", run.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Run did not reach state %s in time", want)
	return nil
}

func TestServer_CreateRun(t *testing.T) {
	s := NewServer(":0", nil)

	body := marshalStudy(t, linearStudy(t, "create-1", ""))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleCreateRun(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var run Run
	if err := json.NewDecoder(w.Body).Decode(&run); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if run.ID != "create-1" {
		t.Errorf("Pinned run ID should be honored, got %s", run.ID)
	}

	final := waitForState(t, s.runs, run.ID, StateCompleted)
	if final.Status != fit.StatusConverged {
		t.Errorf("Expected converged run, got %s", final.Status)
	}
}

func TestServer_CreateRun_InvalidStudy(t *testing.T) {
	s := NewServer(":0", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader("model: {}\n"))
	w := httptest.NewRecorder()

	s.handleCreateRun(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	if len(s.runs.ListRuns()) != 0 {
		t.Error("Invalid study must not register a run")
	}
}

func TestServer_CreateRun_Duplicate(t *testing.T) {
	s := NewServer(":0", nil)

	if _, err := s.runs.CreateRun(testStudy("dup-1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	body := marshalStudy(t, testStudy("dup-1"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleCreateRun(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestServer_ListRuns(t *testing.T) {
	s := NewServer(":0", nil)

	s.runs.CreateRun(testStudy("list-1"))
	s.runs.CreateRun(testStudy("list-2"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	w := httptest.NewRecorder()

	s.handleListRuns(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var runs []*Run
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(runs) != 2 {
		t.Errorf("Expected 2 runs, got %d", len(runs))
	}
}

func TestServer_GetRun(t *testing.T) {
	s := NewServer(":0", nil)

	run, _ := s.runs.CreateRun(testStudy("get-1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	w := httptest.NewRecorder()

	s.handleGetRun(w, req, run.ID)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["id"] != run.ID {
		t.Error("Response should contain run ID")
	}

	if response["state"] != string(StatePending) {
		t.Errorf("Expected pending state, got %v", response["state"])
	}
}

func TestServer_GetRun_NotFound(t *testing.T) {
	s := NewServer(":0", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/nonexistent", nil)
	w := httptest.NewRecorder()

	s.handleGetRun(w, req, "nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_CancelRun(t *testing.T) {
	s := NewServer(":0", nil)

	// A slow model keeps the run busy long enough to cancel it
	body := marshalStudy(t, linearStudy(t, "cancel-1", "sleep 0.2\n"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleCreateRun(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/runs/cancel-1/cancel", nil)
	w = httptest.NewRecorder()
	s.handleCancelRun(w, req, "cancel-1")

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	waitForState(t, s.runs, "cancel-1", StateCancelled)
}

func TestServer_CancelRun_NotFound(t *testing.T) {
	s := NewServer(":0", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/nonexistent/cancel", nil)
	w := httptest.NewRecorder()

	s.handleCancelRun(w, req, "nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_CancelRun_NotActive(t *testing.T) {
	s := NewServer(":0", nil)

	run, _ := s.runs.CreateRun(testStudy("done-1"))
	s.runs.UpdateRun(run.ID, func(r *Run) { r.State = StateCompleted })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/done-1/cancel", nil)
	w := httptest.NewRecorder()

	s.handleCancelRun(w, req, run.ID)

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestServer_Health(t *testing.T) {
	s := NewServer(":0", nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "ok" {
		t.Errorf("Expected ok status, got %v", response["status"])
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := NewServer(":0", nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/runs", nil)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestServer_RunStream_SSE(t *testing.T) {
	s := NewServer(":0", nil)

	run, err := s.runs.CreateRun(testStudy("stream-1"))
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/stream-1/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan bool)
	go func() {
		s.handleRunStream(w, req, run.ID)
		done <- true
	}()

	// Give the handler time to subscribe, then push one progress event
	time.Sleep(100 * time.Millisecond)
	s.runs.broadcaster.Broadcast(ProgressEvent{
		RunID:        run.ID,
		State:        StateRunning,
		Iteration:    3,
		ResidualNorm: 0.5,
		Reduction:    0.25,
		Timestamp:    time.Now(),
	})
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stream handler did not return after disconnect")
	}

	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Error("Expected text/event-stream content type")
	}

	body := w.Body.String()
	if !strings.Contains(body, "data:") {
		t.Error("Expected SSE data in response")
	}
	if !strings.Contains(body, `"iteration":3`) {
		t.Error("Expected broadcast event in stream")
	}
}

func TestServer_RunStream_NotFound(t *testing.T) {
	s := NewServer(":0", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/nonexistent/stream", nil)
	w := httptest.NewRecorder()

	s.handleRunStream(w, req, "nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	// Subscribe to events
	ch := eb.Subscribe("run-1")
	defer eb.Unsubscribe("run-1", ch)

	// Broadcast an event
	event := ProgressEvent{
		RunID:        "run-1",
		State:        StateRunning,
		Iteration:    10,
		ResidualNorm: 100.5,
		Reduction:    0.81,
		Timestamp:    time.Now(),
	}
	eb.Broadcast(event)

	// Receive event
	select {
	case received := <-ch:
		if received.RunID != "run-1" {
			t.Errorf("Expected run ID run-1, got %s", received.RunID)
		}
		if received.Iteration != 10 {
			t.Errorf("Expected 10 iterations, got %d", received.Iteration)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for event")
	}

	// Cleanup
	eb.CleanupRun("run-1")
}

func TestEventBroadcaster_ReplaysLastEvent(t *testing.T) {
	eb := NewEventBroadcaster()

	eb.Broadcast(ProgressEvent{
		RunID:     "run-1",
		State:     StateRunning,
		Iteration: 7,
		Timestamp: time.Now(),
	})

	// A client subscribing late gets the cached event
	ch := eb.Subscribe("run-1")
	defer eb.Unsubscribe("run-1", ch)

	select {
	case received := <-ch:
		if received.Iteration != 7 {
			t.Errorf("Expected replayed iteration 7, got %d", received.Iteration)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for replayed event")
	}
}

func TestServer_Integration(t *testing.T) {
	// Skip in short mode
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	s := NewServer(":0", nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	// Submit a study
	body := marshalStudy(t, linearStudy(t, "integration-1", ""))
	resp, err := http.Post(srv.URL+"/api/v1/runs", "application/yaml", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}

	var run Run
	json.NewDecoder(resp.Body).Decode(&run)

	// Poll status until completed
	var status map[string]any
	maxAttempts := 100
	for i := 0; i < maxAttempts; i++ {
		resp, err := http.Get(srv.URL + "/api/v1/runs/" + run.ID)
		if err != nil {
			t.Fatalf("Failed to get status: %v", err)
		}

		status = map[string]any{}
		json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()

		if status["state"] == string(StateCompleted) {
			break
		}

		if status["state"] == string(StateFailed) {
			t.Fatalf("Run failed: %v", status["error"])
		}

		if i == maxAttempts-1 {
			t.Fatal("Run did not complete in time")
		}

		time.Sleep(100 * time.Millisecond)
	}

	if status["status"] != string(fit.StatusConverged) {
		t.Errorf("Expected converged run, got %v", status["status"])
	}

	best, ok := status["best"].(map[string]any)
	if !ok {
		t.Fatalf("Expected best parameters in status, got %v", status["best"])
	}
	offset, _ := best["offset"].(float64)
	if math.Abs(offset-2) > 1e-6 {
		t.Errorf("offset: got %g, want 2", offset)
	}

	// The run list reflects the finished run
	resp, err = http.Get(srv.URL + "/api/v1/runs")
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	defer resp.Body.Close()

	var runs []*Run
	json.NewDecoder(resp.Body).Decode(&runs)
	if len(runs) != 1 {
		t.Errorf("Expected 1 run, got %d", len(runs))
	}
}
