package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gantry-io/gantry/internal/event"
	"github.com/gantry-io/gantry/internal/orchestrator"
	"github.com/gantry-io/gantry/internal/plan"
)

var runCmd = &cobra.Command{
	Use:   "run [plan-id...]",
	Short: "Run the engine until plans finish",
	Long: `Run the scheduling engine. Any plan IDs given are unpaused first;
otherwise whatever is already unpaused executes. The command exits when
every plan is finished or paused, or on interrupt. Interrupting leaves
state on disk; a later run recovers and continues.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	orch, err := newEngine()
	if err != nil {
		return err
	}
	defer orch.Stop()

	for _, id := range args {
		if err := orch.StartPlan(id); err != nil {
			return err
		}
	}

	printEvents(orch)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("interrupted; state persisted")
			return nil
		case <-ticker.C:
			if allSettled(orch) {
				return nil
			}
		}
	}
}

// allSettled reports whether no plan can make further progress.
func allSettled(orch *orchestrator.Orchestrator) bool {
	for _, p := range orch.ListPlans() {
		status, err := orch.PlanStatus(p.ID)
		if err != nil {
			continue
		}
		if !status.IsTerminal() && status != plan.PlanPaused {
			return false
		}
	}
	return true
}

// printEvents writes a console feed of the interesting lifecycle
// events.
func printEvents(orch *orchestrator.Orchestrator) {
	nodeName := func(planID, nodeID string) string {
		p, err := orch.Plan(planID)
		if err != nil {
			return nodeID
		}
		if node := p.Node(nodeID); node != nil {
			return node.Name
		}
		return nodeID
	}

	orch.Bus().Subscribe("node.started", func(e event.Event) {
		if ev, ok := e.(event.NodeStarted); ok {
			fmt.Printf("[%s] %s: attempt %d started\n", short(ev.PlanID), nodeName(ev.PlanID, ev.NodeID), ev.Attempt)
		}
	})
	orch.Bus().Subscribe("node.completed", func(e event.Event) {
		ev, ok := e.(event.NodeCompleted)
		if !ok {
			return
		}
		outcome := "failed"
		if ev.Success {
			outcome = "succeeded"
		}
		fmt.Printf("[%s] %s: %s\n", short(ev.PlanID), nodeName(ev.PlanID, ev.NodeID), outcome)
	})
	orch.Bus().Subscribe("plan.completed", func(e event.Event) {
		if ev, ok := e.(event.PlanCompleted); ok {
			fmt.Printf("[%s] plan %s\n", short(ev.PlanID), ev.Status)
		}
	})
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
