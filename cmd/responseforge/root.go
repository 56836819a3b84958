package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/responseforge/internal/config"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "responseforge",
		Short: "Security alert decision and remediation engine",
		Long: `ResponseForge turns an enriched security alert and its threat assessment
into a remediation plan, gates every action through policy and human
approval, and executes the approved actions with rollback on failure.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ResponseForge {{.Version}} (commit: %s, built: %s)\n", GitCommit, BuildTime))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to config file")
}

// loadConfig reads the config file. A missing file at the default path falls
// back to the built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg = config.DefaultConfig()
		cfg.ApplyEnv()
		return cfg, nil
	}
	return nil, err
}
