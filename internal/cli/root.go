package cli

import (
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward - LLM agent orchestration service",
	Long: `Steward drives the reason/call-tools/observe/respond loop around a
pluggable LLM backend: it executes tools with per-user access control,
persists conversations, and streams UI events to callers. It also ships
an evaluation harness for comparing agent configurations.`,
	Version: version,
}

// Execute runs the CLI. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.steward/steward.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version.
func GetVersion() string {
	return version
}
