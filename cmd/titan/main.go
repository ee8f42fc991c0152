package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/logging"
)

var (
	// Global flags
	verbose    bool
	env        string
	configRoot string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "titan",
	Short: "titan - trading platform messaging fabric",
	Long: `titan runs the messaging fabric for the trading platform: the
JetStream topology, the prepare/confirm/abort signal path, the policy
hash handshake, and the hierarchical configuration manager.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			logging.Init(true)
		} else {
			logging.InitFromEnv()
		}
		if env == "" {
			env = os.Getenv("TITAN_ENV")
		}
		if env == "" {
			env = "development"
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "environment tag (default: TITAN_ENV or development)")
	rootCmd.PersistentFlags().StringVar(&configRoot, "config-root", "config", "configuration tree root")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(subjectsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
