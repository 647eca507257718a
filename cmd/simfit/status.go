package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simfit/internal/store"
)

var (
	serverURL     string
	statusDataDir string
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Query server status or a specific run",
	Long: `Queries the server for run status information.
If no run-id is provided, lists all runs.
If run-id is provided, shows detailed status for that run.
When no server is reachable, falls back to the local checkpoint store.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	statusCmd.Flags().StringVar(&statusDataDir, "data-dir", "data", "Checkpoint directory for the no-server fallback")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		// List all runs
		err := listRuns(fmt.Sprintf("%s/api/v1/runs", serverURL))
		if serverUnreachable(err) {
			return listCheckpointStatus()
		}
		return err
	}

	// Get specific run status
	id := args[0]
	err := getRunStatus(fmt.Sprintf("%s/api/v1/runs/%s/status", serverURL, id), id)
	if serverUnreachable(err) {
		return printCheckpointStatus(id)
	}
	return err
}

// serverUnreachable reports whether the request itself failed, as opposed
// to the server answering with an error status.
func serverUnreachable(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr)
}

func listRuns(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var runs []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("Found %d run(s):\n\n", len(runs))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATE\tSTATUS\tITERATION\tRESIDUAL NORM")
	for _, run := range runs {
		status := ""
		if s, ok := run["status"].(string); ok {
			status = s
		}
		norm := "-"
		if rn, ok := run["residual_norm"].(float64); ok && rn > 0 {
			norm = fmt.Sprintf("%.6g", rn)
		}
		fmt.Fprintf(w, "%v\t%v\t%s\t%v\t%s\n", run["id"], run["state"], status, run["iteration"], norm)
	}
	w.Flush()

	return nil
}

func getRunStatus(url, id string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("run not found: %s", id)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	// Display status
	fmt.Printf("Run: %s\n", status["id"])
	fmt.Printf("State: %s\n", status["state"])
	if s, ok := status["status"].(string); ok && s != "" {
		fmt.Printf("Status: %s\n", s)
	}
	fmt.Println()

	fmt.Println("Progress:")
	fmt.Printf("  Iteration: %v\n", status["iteration"])
	if rn, ok := status["residual_norm"].(float64); ok && rn > 0 {
		fmt.Printf("  Residual Norm: %.6g\n", rn)
	}
	if red, ok := status["reduction"].(float64); ok && red > 0 {
		fmt.Printf("  Reduction: %.4g\n", red)
	}
	if elapsed, ok := status["elapsed"].(float64); ok {
		fmt.Printf("  Elapsed: %s\n", time.Duration(elapsed*float64(time.Second)).Round(time.Millisecond))
	}

	if best, ok := status["best"].(map[string]any); ok && len(best) > 0 {
		fmt.Println()
		fmt.Println("Best Parameters:")
		names := make([]string, 0, len(best))
		for name := range best {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %s: %v\n", name, best[name])
		}
	}

	if errMsg, ok := status["error"].(string); ok && errMsg != "" {
		fmt.Printf("\nError: %s\n", errMsg)
	}

	return nil
}

func listCheckpointStatus() error {
	st, err := store.NewFSStore(statusDataDir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("Server unreachable, showing %d local checkpoint(s):\n\n", len(infos))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tITERATION\tRESIDUAL NORM\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.6g\t%s\n",
			info.RunID,
			info.Status,
			info.Iteration,
			info.ResidualNorm,
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	return nil
}

func printCheckpointStatus(id string) error {
	st, err := store.NewFSStore(statusDataDir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	cp, err := st.LoadCheckpoint(id)
	if err != nil {
		return fmt.Errorf("server unreachable and no local checkpoint: %w", err)
	}

	state := cp.State
	fmt.Printf("Run: %s (from local checkpoint)\n", cp.RunID)
	fmt.Printf("Status: %s\n", state.Status)
	if state.Reason != "" {
		fmt.Printf("Reason: %s\n", state.Reason)
	}
	fmt.Println()

	fmt.Println("Progress:")
	fmt.Printf("  Iteration: %d\n", state.Iteration)
	fmt.Printf("  Residual Norm: %.6g\n", state.ResidualNorm)
	fmt.Printf("  Reduction: %.4g\n", state.Reduction())
	fmt.Printf("  Updated: %s\n", cp.Timestamp.Format("2006-01-02 15:04:05"))

	if len(state.NonIdentifiable) > 0 {
		fmt.Printf("\nNon-identifiable parameters: %v\n", state.NonIdentifiable)
	}

	return nil
}
