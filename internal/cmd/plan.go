package cmd

import (
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Create and manage plans",
}

func init() {
	rootCmd.AddCommand(planCmd)
}
