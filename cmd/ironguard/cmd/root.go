package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironguard/internal/config"
)

// Version is overridden at build time with -ldflags "-X ...cmd.Version=v1.2.3".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "ironguard",
	Short: "IronGuard is a session-cookie authentication service",
	Long: `Session-cookie authentication for HTTP services: account registration,
login and logout, and an authorization gate for protected routes.
Configuration is read from IRONGUARD_* environment variables.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

var (
	dataDir     string
	storageKind string
)

// loadConfig reads the environment and applies any storage flags given on
// the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("storage") {
		cfg.Storage = storageKind
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Directory for bbolt account storage")
	rootCmd.PersistentFlags().StringVar(&storageKind, "storage", config.StorageBBolt, "Storage backend (memory, bbolt, postgres, redis)")
}
