package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantry-io/gantry/internal/orchestrator"
)

var startPlanCmd = &cobra.Command{
	Use:   "start <plan-id>",
	Short: "Unpause a plan so the next run executes it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(orch *orchestrator.Orchestrator) error {
			if err := orch.StartPlan(args[0]); err != nil {
				return err
			}
			fmt.Printf("plan %s started\n", args[0])
			return nil
		})
	},
}

var pausePlanCmd = &cobra.Command{
	Use:   "pause <plan-id>",
	Short: "Pause a plan; running nodes finish, nothing new dispatches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(orch *orchestrator.Orchestrator) error {
			if err := orch.PausePlan(args[0]); err != nil {
				return err
			}
			fmt.Printf("plan %s paused\n", args[0])
			return nil
		})
	},
}

var resumePlanCmd = &cobra.Command{
	Use:   "resume <plan-id>",
	Short: "Resume a paused plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(orch *orchestrator.Orchestrator) error {
			if err := orch.ResumePlan(args[0]); err != nil {
				return err
			}
			fmt.Printf("plan %s resumed\n", args[0])
			return nil
		})
	},
}

var cancelPlanCmd = &cobra.Command{
	Use:   "cancel <plan-id>",
	Short: "Cancel a plan, killing any running processes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(orch *orchestrator.Orchestrator) error {
			if err := orch.CancelPlan(args[0]); err != nil {
				return err
			}
			fmt.Printf("plan %s canceled\n", args[0])
			return nil
		})
	},
}

var deletePlanCmd = &cobra.Command{
	Use:   "delete <plan-id>",
	Short: "Cancel a plan and remove it from storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(orch *orchestrator.Orchestrator) error {
			if err := orch.DeletePlan(args[0]); err != nil {
				return err
			}
			fmt.Printf("plan %s deleted\n", args[0])
			return nil
		})
	},
}

var forceFailCmd = &cobra.Command{
	Use:   "force-fail <plan-id> <node>",
	Short: "Fail a stuck node, killing its process tree",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(orch *orchestrator.Orchestrator) error {
			if err := orch.ForceFailNode(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("node %s force-failed; retry it with: gantry plan retry %s %s\n", args[1], args[0], args[1])
			return nil
		})
	},
}

func init() {
	planCmd.AddCommand(startPlanCmd)
	planCmd.AddCommand(pausePlanCmd)
	planCmd.AddCommand(resumePlanCmd)
	planCmd.AddCommand(cancelPlanCmd)
	planCmd.AddCommand(deletePlanCmd)
	planCmd.AddCommand(forceFailCmd)
}

// withEngine runs one engine operation and tears the engine down.
func withEngine(fn func(*orchestrator.Orchestrator) error) error {
	orch, err := newEngine()
	if err != nil {
		return err
	}
	defer orch.Stop()
	return fn(orch)
}
