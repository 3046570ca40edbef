package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantry-io/gantry/internal/orchestrator"
	"github.com/gantry-io/gantry/internal/plan"
)

var retryCmd = &cobra.Command{
	Use:   "retry <plan-id> <node>",
	Short: "Queue another attempt for a failed node",
	Long: `Queue another attempt for a failed node. Without flags the node
resumes from the phase that failed, keeping its worktree and earlier
phase results. Supplying a replacement command restarts from that
phase; --clear-worktree resets the worktree to its base commit and
restarts from the beginning.`,
	Args: cobra.ExactArgs(2),
	RunE: runRetry,
}

var (
	retryPrechecks  string
	retryWork       string
	retryPostchecks string
	retryClear      bool
)

func init() {
	planCmd.AddCommand(retryCmd)

	retryCmd.Flags().StringVar(&retryPrechecks, "prechecks", "", "replacement prechecks shell command")
	retryCmd.Flags().StringVar(&retryWork, "work", "", "replacement work shell command")
	retryCmd.Flags().StringVar(&retryPostchecks, "postchecks", "", "replacement postchecks shell command")
	retryCmd.Flags().BoolVar(&retryClear, "clear-worktree", false, "reset the worktree to its base commit first")
}

func runRetry(cmd *cobra.Command, args []string) error {
	opts := orchestrator.RetryOptions{ClearWorktree: retryClear}
	if retryPrechecks != "" {
		opts.Prechecks = &plan.PhaseSpec{Type: plan.PhaseShell, Command: retryPrechecks}
	}
	if retryWork != "" {
		opts.Work = &plan.PhaseSpec{Type: plan.PhaseShell, Command: retryWork}
	}
	if retryPostchecks != "" {
		opts.Postchecks = &plan.PhaseSpec{Type: plan.PhaseShell, Command: retryPostchecks}
	}

	return withEngine(func(orch *orchestrator.Orchestrator) error {
		if err := orch.RetryNode(args[0], args[1], opts); err != nil {
			return err
		}
		fmt.Printf("node %s queued for retry; execute with: gantry run %s\n", args[1], args[0])
		return nil
	})
}
