package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/simfit/internal/evaluate"
	"github.com/cwbudde/simfit/internal/fit"
	"github.com/cwbudde/simfit/internal/store"
)

// runCalibration executes a calibration run in the background. Every
// committed iteration updates the registry, reaches stream subscribers and,
// when a store is attached, lands in the run's checkpoint and trace.
func runCalibration(ctx context.Context, rm *RunManager, st store.Store, runID string) error {
	run, exists := rm.GetRun(runID)
	if !exists {
		return fmt.Errorf("run not found: %s", runID)
	}
	study := run.Study

	if err := rm.UpdateRun(runID, func(r *Run) {
		r.State = StateRunning
	}); err != nil {
		return err
	}
	slog.Info("Starting run", "run_id", runID, "command", study.Model.Command)

	ps, err := study.ParameterSet()
	if err != nil {
		markRunFailed(rm, runID, err)
		return err
	}

	target, err := study.LoadTarget()
	if err != nil {
		markRunFailed(rm, runID, err)
		return err
	}

	evCfg, err := study.EvaluatorConfig(runID, ps.Names())
	if err != nil {
		markRunFailed(rm, runID, err)
		return err
	}
	evaluator, err := evaluate.NewLocal(evCfg)
	if err != nil {
		markRunFailed(rm, runID, err)
		return err
	}
	defer evaluator.Close()

	// The trace lands next to the checkpoint, which only a filesystem
	// store has a place for.
	var trace *store.TraceWriter
	if fs, ok := st.(*store.FSStore); ok {
		trace, err = store.NewTraceWriter(fs.BaseDir(), runID, false)
		if err != nil {
			markRunFailed(rm, runID, err)
			return err
		}
		defer trace.Close()
	}

	runCfg := study.RunConfig(ps.Names())
	lastTraced := 0
	commit := func(s *fit.State) error {
		if st != nil {
			if err := st.SaveCheckpoint(s.RunID, store.NewCheckpoint(s, runCfg)); err != nil {
				return fmt.Errorf("failed to save checkpoint: %w", err)
			}
		}
		// A failure commit repeats the last record; trace each iteration once.
		if trace != nil && len(s.History) > 0 && s.Iteration > lastTraced {
			lastTraced = s.Iteration
			if err := trace.Write(s.History[len(s.History)-1]); err != nil {
				slog.Warn("Failed to append trace record", "run_id", s.RunID, "error", err)
			} else if err := trace.Flush(); err != nil {
				slog.Warn("Failed to flush trace", "run_id", s.RunID, "error", err)
			}
		}
		rm.UpdateRun(runID, func(r *Run) {
			r.Status = s.Status
			r.Iteration = s.Iteration
			r.ResidualNorm = s.ResidualNorm
			r.Reduction = s.Reduction()
		})
		rm.broadcaster.Broadcast(ProgressEvent{
			RunID:        runID,
			State:        StateRunning,
			Status:       s.Status,
			Iteration:    s.Iteration,
			ResidualNorm: s.ResidualNorm,
			Reduction:    s.Reduction(),
			Timestamp:    time.Now(),
		})
		return nil
	}

	gn, err := fit.NewGaussNewton(study.FitConfig(), ps, evaluator, target, commit)
	if err != nil {
		markRunFailed(rm, runID, err)
		return err
	}

	start := time.Now()
	out, err := gn.Run(ctx, runID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			markRunCancelled(rm, runID)
		} else {
			markRunFailed(rm, runID, err)
		}
		return err
	}

	endTime := time.Now()
	if err := rm.UpdateRun(runID, func(r *Run) {
		r.State = StateCompleted
		r.Status = out.State.Status
		r.Iteration = out.State.Iteration
		r.ResidualNorm = out.State.ResidualNorm
		r.Reduction = out.State.Reduction()
		r.Best = out.Best
		r.EndTime = &endTime
	}); err != nil {
		return err
	}

	slog.Info("Run completed",
		"run_id", runID,
		"status", string(out.State.Status),
		"iterations", out.State.Iteration,
		"residual_norm", out.State.ResidualNorm,
		"evaluations", out.Stats.Total,
		"elapsed", endTime.Sub(start),
	)
	broadcastTerminal(rm, runID)
	return nil
}

// markRunFailed marks a run as failed with an error message
func markRunFailed(rm *RunManager, runID string, err error) {
	endTime := time.Now()
	rm.UpdateRun(runID, func(r *Run) {
		r.State = StateFailed
		r.Error = err.Error()
		r.EndTime = &endTime
	})
	slog.Error("Run failed", "run_id", runID, "error", err)
	broadcastTerminal(rm, runID)
}

// markRunCancelled marks a run as cancelled
func markRunCancelled(rm *RunManager, runID string) {
	endTime := time.Now()
	rm.UpdateRun(runID, func(r *Run) {
		r.State = StateCancelled
		r.EndTime = &endTime
	})
	slog.Info("Run cancelled", "run_id", runID)
	broadcastTerminal(rm, runID)
}

// broadcastTerminal pushes the final state to stream subscribers and shuts
// their channels down. Buffered events drain before the close is seen.
func broadcastTerminal(rm *RunManager, runID string) {
	run, exists := rm.GetRun(runID)
	if !exists {
		return
	}
	rm.broadcaster.Broadcast(ProgressEvent{
		RunID:        runID,
		State:        run.State,
		Status:       run.Status,
		Iteration:    run.Iteration,
		ResidualNorm: run.ResidualNorm,
		Reduction:    run.Reduction,
		Timestamp:    time.Now(),
	})
	rm.broadcaster.CleanupRun(runID)
}
