package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simfit/internal/config"
	"github.com/cwbudde/simfit/internal/evaluate"
	"github.com/cwbudde/simfit/internal/fit"
	"github.com/cwbudde/simfit/internal/store"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <study.yaml> <run-id>",
	Short: "Resume an interrupted calibration run",
	Long: `Loads the checkpoint for the given run and continues the calibration
where it stopped. The study must describe the same model, target and
parameters the run was started with; the iteration budget may differ.`,
	Args: cobra.ExactArgs(2),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	study, err := config.Load(args[0])
	if err != nil {
		return err
	}
	id := args[1]
	study.RunID = id

	ps, err := study.ParameterSet()
	if err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}

	st, err := store.NewFSStore(study.DataDir())
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	cp, err := st.LoadCheckpoint(id)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("checkpoint is not usable: %w", err)
	}
	runCfg := study.RunConfig(ps.Names())
	if err := cp.IsCompatible(runCfg); err != nil {
		return fmt.Errorf("study does not match checkpoint: %w", err)
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

	trace, err := store.NewTraceWriter(st.BaseDir(), id, true)
	if err != nil {
		return fmt.Errorf("failed to create trace writer: %w", err)
	}
	defer trace.Close()

	gn, err := fit.NewGaussNewton(study.FitConfig(), ps, evaluator, target,
		commitTo(st, trace, runCfg, cp.State.Iteration))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Resuming run",
		"run_id", id,
		"study", args[0],
		"iteration", cp.State.Iteration,
	)

	start := time.Now()
	out, err := gn.Resume(ctx, cp.State)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Printf("Interrupted. Resume again with: simfit resume %s %s\n", args[0], id)
		}
		return err
	}

	printOutcome(ps.Names(), out, time.Since(start))
	return nil
}
