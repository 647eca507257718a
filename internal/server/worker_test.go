package server

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/simfit/internal/config"
	"github.com/cwbudde/simfit/internal/fit"
	"github.com/cwbudde/simfit/internal/store"
)

// writeLinearModel installs a shell script computing offset + slope*t on
// four samples, speaking the communication-directory convention. The delay
// is prepended verbatim, e.g. "sleep 0.1\n" for a slow model.
func writeLinearModel(t *testing.T, delay string) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.sh")
	script := `#!/bin/sh
id=$2
dir=$4
` + delay + `a=$(grep '^offset=' "$dir/${id}_parameters.txt" | cut -d= -f2)
b=$(grep '^slope=' "$dir/${id}_parameters.txt" | cut -d= -f2)
awk -v a="$a" -v b="$b" 'BEGIN {
	for (t = 0; t < 4; t++) printf "%d,%d,%.17g\n", t, t, a + b * t
	print "FINISHED"
}' > "$dir/${id}_measurement.csv"
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("Failed to write model script: %v", err)
	}
	return []string{"/bin/sh", path}
}

// writeLinearTarget writes the observations of offset=2, slope=0.5.
func writeLinearTarget(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "observed.csv")
	data := "0,0,2\n1,1,2.5\n2,2,3\n3,3,3.5\nFINISHED\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("Failed to write target: %v", err)
	}
	return path
}

func linearStudy(t *testing.T, runID, delay string) *config.Study {
	t.Helper()
	return &config.Study{
		RunID: runID,
		Model: config.Model{Command: writeLinearModel(t, delay)},
		Parameters: []config.ParameterSpec{
			{Name: "offset", Initial: 0, Lower: -10, Upper: 10},
			{Name: "slope", Initial: 0, Lower: -10, Upper: 10},
		},
		Target:        config.TargetSpec{File: writeLinearTarget(t)},
		Optimizer:     config.Optimizer{MaxIterations: 10},
		Concurrency:   4,
		CheckpointDir: filepath.Join(t.TempDir(), "state"),
	}
}

func TestRunCalibration_Success(t *testing.T) {
	st, err := store.NewFSStore(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}

	rm := NewRunManager()
	run, err := rm.CreateRun(linearStudy(t, "worker-success", ""))
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := runCalibration(context.Background(), rm, st, run.ID); err != nil {
		t.Fatalf("runCalibration failed: %v", err)
	}

	updated, _ := rm.GetRun(run.ID)
	if updated.State != StateCompleted {
		t.Fatalf("Run should be completed, got %s (%s)", updated.State, updated.Error)
	}
	if updated.Status != fit.StatusConverged {
		t.Errorf("Run should converge, got %s", updated.Status)
	}
	if math.Abs(updated.Best["offset"]-2) > 1e-6 {
		t.Errorf("offset: got %g, want 2", updated.Best["offset"])
	}
	if math.Abs(updated.Best["slope"]-0.5) > 1e-6 {
		t.Errorf("slope: got %g, want 0.5", updated.Best["slope"])
	}
	if updated.EndTime == nil {
		t.Error("EndTime should be set")
	}

	// Every committed iteration must be on disk
	cp, err := st.LoadCheckpoint(run.ID)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp.State.Status != fit.StatusConverged {
		t.Errorf("Checkpoint status should be converged, got %s", cp.State.Status)
	}
	if len(cp.Config.Parameters) != 2 || cp.Config.Parameters[0] != "offset" {
		t.Errorf("Checkpoint parameters not recorded: %v", cp.Config.Parameters)
	}

	tr, err := store.NewTraceReader(st.BaseDir(), run.ID)
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer tr.Close()
	records, err := tr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(records) != updated.Iteration {
		t.Errorf("Expected %d trace records, got %d", updated.Iteration, len(records))
	}
}

func TestRunCalibration_MissingTarget(t *testing.T) {
	rm := NewRunManager()
	study := linearStudy(t, "worker-missing", "")
	study.Target.File = filepath.Join(t.TempDir(), "absent.csv")

	run, err := rm.CreateRun(study)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := runCalibration(context.Background(), rm, nil, run.ID); err == nil {
		t.Error("runCalibration should fail with a missing target file")
	}

	updated, _ := rm.GetRun(run.ID)
	if updated.State != StateFailed {
		t.Errorf("Run should be failed, got %s", updated.State)
	}
	if updated.Error == "" {
		t.Error("Error message should be set")
	}
}

func TestRunCalibration_Cancellation(t *testing.T) {
	rm := NewRunManager()
	run, err := rm.CreateRun(linearStudy(t, "worker-cancelled", ""))
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = runCalibration(ctx, rm, nil, run.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	updated, _ := rm.GetRun(run.ID)
	if updated.State != StateCancelled {
		t.Errorf("Run should be cancelled, got %s", updated.State)
	}
	if updated.EndTime == nil {
		t.Error("EndTime should be set")
	}
}

func TestRunCalibration_RunNotFound(t *testing.T) {
	rm := NewRunManager()

	if err := runCalibration(context.Background(), rm, nil, "nonexistent"); err == nil {
		t.Error("runCalibration should fail for an unknown run")
	}
}
