package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cwbudde/simfit/internal/config"
	"github.com/cwbudde/simfit/internal/fit"
)

// RunState is the lifecycle state of a run inside the server. The engine
// status (converged, stalled, ...) is tracked separately on the run.
type RunState string

const (
	StatePending   RunState = "pending"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateCancelled RunState = "cancelled"
)

// Run is one calibration run owned by the server.
type Run struct {
	ID           string             `json:"id"`
	State        RunState           `json:"state"`
	Study        *config.Study      `json:"study"`
	Status       fit.Status         `json:"status,omitempty"`
	Iteration    int                `json:"iteration"`
	ResidualNorm float64            `json:"residual_norm"`
	Reduction    float64            `json:"reduction"`
	Best         map[string]float64 `json:"best,omitempty"`
	StartTime    time.Time          `json:"start_time"`
	EndTime      *time.Time         `json:"end_time,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// RunManager owns the in-memory run registry and the cancellation handles
// of active workers.
type RunManager struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	cancels     map[string]context.CancelFunc
	broadcaster *EventBroadcaster
}

// NewRunManager creates an empty RunManager.
func NewRunManager() *RunManager {
	return &RunManager{
		runs:        make(map[string]*Run),
		cancels:     make(map[string]context.CancelFunc),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateRun registers a new run for the study. A run ID pinned in the
// study is honored; a second submission under the same ID is rejected.
func (rm *RunManager) CreateRun(study *config.Study) (*Run, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	id := study.EnsureRunID()
	if _, exists := rm.runs[id]; exists {
		return nil, fmt.Errorf("run already exists: %s", id)
	}

	run := &Run{
		ID:        id,
		State:     StatePending,
		Study:     study,
		StartTime: time.Now(),
	}
	rm.runs[id] = run

	snapshot := *run
	return &snapshot, nil
}

// GetRun retrieves a snapshot of a run by ID. All mutation goes through
// UpdateRun, so readers never hold a run the worker writes to.
func (rm *RunManager) GetRun(id string) (*Run, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	run, exists := rm.runs[id]
	if !exists {
		return nil, false
	}
	snapshot := *run
	return &snapshot, true
}

// ListRuns returns snapshots of all runs.
func (rm *RunManager) ListRuns() []*Run {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	runs := make([]*Run, 0, len(rm.runs))
	for _, run := range rm.runs {
		snapshot := *run
		runs = append(runs, &snapshot)
	}
	return runs
}

// UpdateRun atomically updates a run using the provided function.
func (rm *RunManager) UpdateRun(id string, updateFn func(*Run)) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	run, exists := rm.runs[id]
	if !exists {
		return fmt.Errorf("run not found: %s", id)
	}

	updateFn(run)
	return nil
}

// ActiveRuns returns snapshots of all runs currently in the running state.
func (rm *RunManager) ActiveRuns() []*Run {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	active := make([]*Run, 0)
	for _, run := range rm.runs {
		if run.State == StateRunning {
			snapshot := *run
			active = append(active, &snapshot)
		}
	}
	return active
}

// SetCancel registers the cancellation handle of a run's worker.
func (rm *RunManager) SetCancel(id string, cancel context.CancelFunc) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.cancels[id] = cancel
}

// ClearCancel drops the cancellation handle once a worker has finished.
func (rm *RunManager) ClearCancel(id string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.cancels, id)
}

// Cancel signals an active run's worker to stop. It reports whether a
// worker was there to signal.
func (rm *RunManager) Cancel(id string) bool {
	rm.mu.Lock()
	cancel, exists := rm.cancels[id]
	delete(rm.cancels, id)
	rm.mu.Unlock()

	if exists {
		cancel()
	}
	return exists
}
