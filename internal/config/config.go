package config

import (
	"fmt"

	"github.com/setavenger/blindbit-statedb/internal/logging"
	"github.com/setavenger/blindbit-statedb/internal/statedb"
	"github.com/spf13/viper"
)

func LoadConfigs(pathToConfig string) error {
	// Set the file name of the configurations file
	viper.SetConfigFile(pathToConfig)

	// Handle errors reading the config file
	if err := viper.ReadInConfig(); err != nil {
		logging.L.Warn().Err(err).Msg("No config file detected")
	}

	/* set defaults */
	viper.SetDefault("datadir", BaseDirectory)
	viper.SetDefault("backend", Backend)
	viper.SetDefault("pruning_mode", PruningMode)
	viper.SetDefault("pruning_max_blocks", PruningMaxBlocks)
	viper.SetDefault("pruning_max_mem", PruningMaxMem)
	viper.SetDefault("node_cache_size", NodeCacheSize)
	viper.SetDefault("http_host", HTTPHost)
	viper.SetDefault("log_level", LogLevel)
	viper.SetDefault("log_to_file", LogToFile)

	viper.SetDefault("sim_fork_probability", SimForkProbability)
	viper.SetDefault("sim_finality_depth", SimFinalityDepth)
	viper.SetDefault("sim_keys_per_block", SimKeysPerBlock)
	viper.SetDefault("sim_deletes_per_block", SimDeletesPerBlock)
	viper.SetDefault("sim_block_interval", SimBlockInterval)
	viper.SetDefault("sim_seed", SimSeed)

	// Bind viper keys to environment variables (optional, for backup)
	viper.AutomaticEnv()
	viper.BindEnv("datadir", "DATADIR")
	viper.BindEnv("backend", "BACKEND")
	viper.BindEnv("pruning_mode", "PRUNING_MODE")
	viper.BindEnv("pruning_max_blocks", "PRUNING_MAX_BLOCKS")
	viper.BindEnv("pruning_max_mem", "PRUNING_MAX_MEM")
	viper.BindEnv("node_cache_size", "NODE_CACHE_SIZE")
	viper.BindEnv("http_host", "HTTP_HOST")
	viper.BindEnv("log_level", "LOG_LEVEL")
	viper.BindEnv("log_to_file", "LOG_TO_FILE")

	/* read and set config variables */
	// General
	BaseDirectory = viper.GetString("datadir")
	HTTPHost = viper.GetString("http_host")
	LogLevel = viper.GetString("log_level")
	LogToFile = viper.GetBool("log_to_file")

	// Storage
	Backend = viper.GetString("backend")
	PruningMode = viper.GetString("pruning_mode")
	PruningMaxBlocks = viper.GetUint32("pruning_max_blocks")
	PruningMaxMem = viper.GetUint64("pruning_max_mem")
	NodeCacheSize = viper.GetInt("node_cache_size")

	// Simulator
	SimForkProbability = viper.GetFloat64("sim_fork_probability")
	SimFinalityDepth = viper.GetUint32("sim_finality_depth")
	SimKeysPerBlock = viper.GetInt("sim_keys_per_block")
	SimDeletesPerBlock = viper.GetInt("sim_deletes_per_block")
	SimBlockInterval = viper.GetDuration("sim_block_interval")
	SimSeed = viper.GetInt64("sim_seed")

	logging.SetLogLevel(logging.ParseLevel(LogLevel))

	if _, err := Pruning(); err != nil {
		return err
	}
	if SimForkProbability < 0 || SimForkProbability > 1 {
		return fmt.Errorf("sim_fork_probability must be within [0, 1], got %f", SimForkProbability)
	}

	logging.L.Info().
		Str("backend", Backend).
		Str("pruning_mode", PruningMode).
		Uint32("pruning_max_blocks", PruningMaxBlocks).
		Uint64("pruning_max_mem", PruningMaxMem).
		Int("node_cache_size", NodeCacheSize).
		Msg("config loaded")
	return nil
}

// Pruning builds the configured pruning mode.
func Pruning() (statedb.PruningMode, error) {
	return statedb.ParsePruningMode(PruningMode, PruningMaxBlocks, PruningMaxMem)
}
