package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	ConfigFileName       string = "statedb.toml"
	DefaultBaseDirectory string = "~/.blindbit-statedb"
)

var (
	LogLevel  = "info"
	LogToFile = false
)

var (
	BaseDirectory = ""
	DBPath        = ""
	LogsPath      = ""

	HTTPHost = "127.0.0.1:8000"
)

// storage and pruning
var (
	Backend = "pebble"

	PruningMode             = "constrained"
	PruningMaxBlocks uint32 = 256
	// PruningMaxMem is in bytes, 0 leaves it unset
	PruningMaxMem uint64 = 0

	// NodeCacheSize is the number of nodes kept in the read cache. 0 disables it.
	NodeCacheSize = 4096
)

// block simulator
var (
	SimForkProbability        = 0.1
	SimFinalityDepth   uint32 = 8
	SimKeysPerBlock           = 16
	SimDeletesPerBlock        = 4
	SimBlockInterval          = 500 * time.Millisecond
	// SimSeed makes the generated chain reproducible across restarts
	SimSeed int64 = 1
)

// one has to call SetDirectories otherwise config.DBPath will be empty
func SetDirectories() {
	BaseDirectory = ResolvePath(BaseDirectory)

	DBPath = filepath.Join(BaseDirectory, "data")
	LogsPath = filepath.Join(BaseDirectory, "logs")
}

// ResolvePath expands a leading ~ to the user's home directory.
func ResolvePath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
