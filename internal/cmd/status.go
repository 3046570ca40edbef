package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gantry-io/gantry/internal/orchestrator"
	"github.com/gantry-io/gantry/internal/plan"
)

var statusCmd = &cobra.Command{
	Use:   "status [plan-id]",
	Short: "Show plan and node status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	planCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withEngine(func(orch *orchestrator.Orchestrator) error {
		if len(args) == 0 {
			return printPlanList(orch)
		}
		return printPlanDetail(orch, args[0])
	})
}

func printPlanList(orch *orchestrator.Orchestrator) error {
	plans := orch.ListPlans()
	if len(plans) == 0 {
		fmt.Println("no plans")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tNODES\tCREATED")
	for _, p := range plans {
		status, err := orch.PlanStatus(p.ID)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			p.ID, p.Spec.Name, status, len(p.Nodes), p.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func printPlanDetail(orch *orchestrator.Orchestrator, planID string) error {
	p, err := orch.Plan(planID)
	if err != nil {
		return err
	}
	status, err := orch.PlanStatus(planID)
	if err != nil {
		return err
	}

	fmt.Printf("plan %s (%s): %s\n", p.ID, p.Spec.Name, status)
	fmt.Printf("repo %s, base %s", p.RepoPath, p.Spec.BaseBranch)
	if p.Spec.TargetBranch != "" {
		fmt.Printf(", target %s", p.Spec.TargetBranch)
	}
	fmt.Println()
	fmt.Println()

	ids := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return p.Nodes[ids[i]].Name < p.Nodes[ids[j]].Name
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSTATUS\tATTEMPTS\tCOMMIT\tDETAIL")
	for _, id := range ids {
		node := p.Nodes[id]
		detail := node.Exec.FailureReason
		if detail == "" && node.Exec.MergedToTarget {
			detail = "merged to target"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			node.Name, node.Exec.Status, node.Exec.Attempts,
			short(node.Exec.CompletedCommit), detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if status == plan.PlanPartial || status == plan.PlanFailed {
		fmt.Println("\nretry failed nodes with: gantry plan retry " + p.ID + " <node>")
	}
	return nil
}
