package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/setavenger/blindbit-statedb/internal/config"
	"github.com/setavenger/blindbit-statedb/internal/logging"
)

var (
	Version = "0.0.0"

	// Global flags
	datadir     string
	configFile  string
	backendName string
)

func init() {
	rootCmd.PersistentFlags().StringVar(
		&datadir,
		"datadir",
		config.DefaultBaseDirectory,
		"Set the base directory for blindbit statedb. Default directory is ~/.blindbit-statedb",
	)
	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Path to config file (default: datadir/statedb.toml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&backendName,
		"backend",
		"",
		"Storage backend of the data directory (default: the configured backend)",
	)

	rootCmd.AddCommand(infoCmd, listKeysCmd, replayCmd)
}

var rootCmd = &cobra.Command{
	Use:   "statedb-explorer",
	Short: "BlindBit StateDB Explorer",
	Long: `BlindBit StateDB Explorer inspects the data directory of a stopped
statedb daemon: the persisted pruning mode, the journals and the key counts.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config.BaseDirectory = datadir
		config.SetDirectories()

		if configFile == "" {
			configFile = filepath.Join(config.BaseDirectory, config.ConfigFileName)
		}
		if err := config.LoadConfigs(configFile); err != nil {
			return err
		}
		// the flag wins over the config file
		config.BaseDirectory = datadir
		config.SetDirectories()
		if backendName == "" {
			backendName = config.Backend
		}
		logging.L.Debug().
			Str("datadir", config.DBPath).
			Str("backend", backendName).
			Msg("explorer configured")
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
