package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simfit/internal/config"
	"github.com/cwbudde/simfit/internal/evaluate"
	"github.com/cwbudde/simfit/internal/fit"
	"github.com/cwbudde/simfit/internal/store"
)

var runID string

var runCmd = &cobra.Command{
	Use:   "run <study.yaml>",
	Short: "Run a calibration study",
	Long: `Loads a study file, calibrates the model against the measured data
and prints the estimated parameters. The run is checkpointed after
every iteration; an interrupted run can be picked up again with the
resume command.`,
	Args: cobra.ExactArgs(1),
	RunE: runCalibrate,
}

func init() {
	runCmd.Flags().StringVar(&runID, "run-id", "", "Pin the run ID instead of generating one")
	rootCmd.AddCommand(runCmd)
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	study, err := config.Load(args[0])
	if err != nil {
		return err
	}
	if runID != "" {
		study.RunID = runID
	}
	id := study.EnsureRunID()

	ps, err := study.ParameterSet()
	if err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}

	target, err := study.LoadTarget()
	if err != nil {
		return err
	}

	evCfg, err := study.EvaluatorConfig(id, ps.Names())
	if err != nil {
		return err
	}
	evaluator, err := evaluate.NewLocal(evCfg)
	if err != nil {
		return fmt.Errorf("failed to create evaluator: %w", err)
	}
	defer evaluator.Close()

	st, err := store.NewFSStore(study.DataDir())
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	trace, err := store.NewTraceWriter(st.BaseDir(), id, false)
	if err != nil {
		return fmt.Errorf("failed to create trace writer: %w", err)
	}
	defer trace.Close()

	runCfg := study.RunConfig(ps.Names())
	gn, err := fit.NewGaussNewton(study.FitConfig(), ps, evaluator, target, commitTo(st, trace, runCfg, 0))
	if err != nil {
		return err
	}

	// Interrupts leave a resumable checkpoint behind
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting run",
		"run_id", id,
		"study", args[0],
		"command", strings.Join(study.Model.Command, " "),
	)

	start := time.Now()
	out, err := gn.Run(ctx, id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Printf("Interrupted. Resume with: simfit resume %s %s\n", args[0], id)
		}
		return err
	}

	printOutcome(ps.Names(), out, time.Since(start))
	return nil
}

// commitTo persists every committed state to the checkpoint store and
// appends freshly finished iterations to the trace. sinceIteration is the
// last iteration already on the trace, zero for a fresh run.
func commitTo(st *store.FSStore, trace *store.TraceWriter, runCfg store.RunConfig, sinceIteration int) fit.CommitFunc {
	lastTraced := sinceIteration
	return func(s *fit.State) error {
		if err := st.SaveCheckpoint(s.RunID, store.NewCheckpoint(s, runCfg)); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		// A failure commit repeats the last record; trace each iteration once.
		if len(s.History) > 0 && s.Iteration > lastTraced {
			lastTraced = s.Iteration
			if err := trace.Write(s.History[len(s.History)-1]); err != nil {
				slog.Warn("Failed to append trace record", "run_id", s.RunID, "error", err)
			} else if err := trace.Flush(); err != nil {
				slog.Warn("Failed to flush trace", "run_id", s.RunID, "error", err)
			}
		}
		return nil
	}
}

func printOutcome(names []string, out *fit.Outcome, elapsed time.Duration) {
	state := out.State

	fmt.Printf("Run %s: %s after %d iteration(s)", state.RunID, state.Status, state.Iteration)
	if state.Reason != "" {
		fmt.Printf(" (%s)", state.Reason)
	}
	fmt.Println()
	fmt.Printf("Residual norm %.6g, reduction %.4g, %d evaluation(s) (%d cached, %d failed) in %s\n\n",
		state.ResidualNorm, state.Reduction(),
		out.Stats.Total, out.Stats.Cached, out.Stats.Failed,
		elapsed.Round(time.Millisecond),
	)

	var stderrs []float64
	if n := len(state.History); n > 0 {
		stderrs = state.History[n-1].StdErrors
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PARAMETER\tESTIMATE\tSTD ERROR")
	for i, name := range names {
		if i < len(stderrs) && !math.IsNaN(stderrs[i]) {
			fmt.Fprintf(w, "%s\t%.8g\t%.3g\n", name, out.Best[name], stderrs[i])
		} else {
			fmt.Fprintf(w, "%s\t%.8g\t-\n", name, out.Best[name])
		}
	}
	w.Flush()

	if len(state.NonIdentifiable) > 0 {
		fmt.Printf("\nNon-identifiable parameters: %s\n", strings.Join(state.NonIdentifiable, ", "))
	}
}
