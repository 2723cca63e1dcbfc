package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// NewRootCmd creates the root command for the devloop CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "devloop",
		Short: "Devloop autonomous development-workflow orchestrator",
		Long: `Devloop drives an external code-generation agent through bounded, fresh-context
iterations: select ready task → delegate to the agent → verify → apply → commit → repeat,
handing off learnings and patterns between iterations until the task tree completes,
the iteration budget is exhausted, or progress stalls.`,
		SilenceUsage: true,
	}

	// Persistent flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "ralph.yaml",
		"config file (default is ralph.yaml)")

	// Add subcommands. Only the ambient operational surface survives here —
	// bootstrap wizards, PRD templating, and the human-facing reporting
	// commands are out of scope; see DESIGN.md's per-command disposition.
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newPauseCmd())
	rootCmd.AddCommand(newResumeCmd())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// GetConfigFile returns the value of --config. The flag defaults to
// "ralph.yaml", so the result is empty only when "" is passed explicitly,
// which is the one case where LoadConfigWithFile resolves the local or
// global config path itself.
func GetConfigFile() string {
	return cfgFile
}
