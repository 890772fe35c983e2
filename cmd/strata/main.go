package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/engine"
	"github.com/cuemby/strata/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "strata",
	Short:   "Strata - an embedded, transactional, ordered key/value storage engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"strata version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("journal-dir", "./strata-journal", "Journal directory for the running engine")
	rootCmd.PersistentFlags().String("config", "", "Engine YAML configuration file (defaults applied when omitted)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(volumeCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// openEngine starts an Engine against the persistent --journal-dir,
// loading --config if given and falling back to engine defaults
// otherwise. Every CLI command opens and closes its own engine: strata
// has no standing daemon, so this mirrors a one-shot client connection
// in the teacher's CLI without a server to dial.
func openEngine(cmd *cobra.Command) (*engine.Engine, error) {
	journalDir, _ := cmd.Flags().GetString("journal-dir")
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg := config.DefaultEngineConfig()
	if cfgPath != "" {
		loaded, err := config.LoadEngineConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	return engine.Open(journalDir, cfg)
}
