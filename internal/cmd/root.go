package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gantry-io/gantry/internal/config"
	"github.com/gantry-io/gantry/internal/logging"
	"github.com/gantry-io/gantry/internal/orchestrator"
)

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Plan orchestrator for parallel work in git worktrees",
	Long: `Gantry executes plans: DAGs of jobs that each mutate an isolated git
worktree. Dependency commits are forward-integrated into dependents,
and leaf commits are reverse-integrated onto a target branch under a
process-wide merge lock.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/gantry/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("GANTRY")
	// Replace dots with underscores for nested keys in env vars,
	// e.g. GANTRY_MERGE_PREFER for merge.prefer.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// newEngine builds an orchestrator with persisted plans attached but
// the pump not running. Commands that execute plans call Start
// themselves.
func newEngine() (*orchestrator.Orchestrator, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = cfg.StoragePath
	}
	log, err := logging.NewLogger(logDir, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	orch, err := orchestrator.New(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := orch.LoadPlans(); err != nil {
		return nil, err
	}
	return orch, nil
}
