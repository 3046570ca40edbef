package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantry-io/gantry/internal/plan"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a plan from a YAML spec",
	Long: `Create a plan from a YAML spec file. Plans are created paused;
use "gantry plan start" (or --start) to make them eligible for the
next "gantry run".

Example spec:

  name: refactor
  repo: /path/to/repo
  base_branch: main
  target_branch: main
  jobs:
    - id: api
      work:
        type: shell
        command: make generate-api
    - id: client
      depends_on: [api]
      work:
        type: agent
        instructions: Update the client to the regenerated API.`,
	RunE: runCreate,
}

var (
	createFile  string
	createRepo  string
	createStart bool
)

func init() {
	planCmd.AddCommand(createCmd)

	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "plan spec file (YAML)")
	createCmd.Flags().StringVar(&createRepo, "repo", "", "repository path (overrides the spec)")
	createCmd.Flags().BoolVar(&createStart, "start", false, "unpause the plan immediately")
	_ = createCmd.MarkFlagRequired("file")
}

func runCreate(cmd *cobra.Command, args []string) error {
	orch, err := newEngine()
	if err != nil {
		return err
	}
	defer orch.Stop()

	spec, err := plan.LoadSpec(createFile)
	if err != nil {
		return err
	}
	if createRepo != "" {
		spec.RepoPath = createRepo
	}

	p, err := orch.CreatePlan(spec)
	if err != nil {
		return err
	}
	if createStart {
		if err := orch.StartPlan(p.ID); err != nil {
			return err
		}
	}

	fmt.Printf("created plan %s (%s) with %d nodes\n", p.ID, p.Spec.Name, len(p.Nodes))
	if !createStart {
		fmt.Printf("start it with: gantry plan start %s\n", p.ID)
	}
	return nil
}
