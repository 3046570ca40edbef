package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantry-io/gantry/internal/orchestrator"
)

var logsCmd = &cobra.Command{
	Use:   "logs <plan-id> <node>",
	Short: "Show a node's execution log",
	Args:  cobra.ExactArgs(2),
	RunE:  runLogs,
}

var logsTail int

func init() {
	planCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 100, "number of trailing lines to show")
}

func runLogs(cmd *cobra.Command, args []string) error {
	return withEngine(func(orch *orchestrator.Orchestrator) error {
		lines, err := orch.NodeLogTail(args[0], args[1], logsTail)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			fmt.Println("no log output")
			return nil
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	})
}
