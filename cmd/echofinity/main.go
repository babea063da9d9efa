package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/echofinity/echofinity-backend/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "echofinity",
	Short: "Echofinity export backend",
	Long: `Echofinity admits token-metered video export requests, runs them through
AI enrichment on a worker pool and serves their status over HTTP.`,
	Version:       fmt.Sprintf("%s (commit %s, built %s)", config.Version, config.GitCommit, config.BuildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			return os.Setenv(config.EnvConfigFile, cfgFile)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $"+config.EnvConfigFile+")")
	rootCmd.AddCommand(serveCmd, refreshTokensCmd, seedCmd, issueTokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}
