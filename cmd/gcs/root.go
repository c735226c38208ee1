package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"droneops-gcs/internal/config"
)

var (
	configPath string
	schemaPath string
)

var rootCmd = &cobra.Command{
	Use:   "gcs",
	Short: "Drone ground control station",
	Long:  "gcs connects to the drone bridge, arbitrates operator control and serves the operator console.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath, schemaPath)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/gcs.yaml", "Path to GCS configuration YAML (empty for defaults)")
	rootCmd.PersistentFlags().StringVar(&schemaPath, "schema", "schemas/gcs.cue", "Path to CUE schema file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(lockServerCmd)
	rootCmd.AddCommand(bridgeSimCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(lockCmd)
}
