package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/castlink/cast-agent/internal/config"
	"github.com/castlink/cast-agent/internal/logging"
)

var (
	version  = "0.1.0"
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "cast-agent",
	Short: "Screen and audio capture agent",
	Long:  `cast-agent captures the screen and microphone, encodes them and serves live preview, WebRTC and recordings.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start capturing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cast-agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.Path()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the config, applying --log-level. Clamped
// values are logged; fatal problems are returned.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logging.SetLevel(cfg.Logging.Level)

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		return nil, fmt.Errorf("invalid config: %w", result.Fatals[0])
	}
	return cfg, nil
}
