package dbpebble

import (
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

// OpenDB opens the pebble database below dataDir. cacheSize is in bytes.
func OpenDB(dataDir string, cacheSize int64) (*pebble.DB, error) {
	dbPath := filepath.Join(dataDir, "pebbledb", "db")
	opts := (&pebble.Options{}).EnsureDefaults()
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()
	opts.Cache = cache
	opts.BytesPerSync = 1 << 20 // smoother background flushes (1 MiB)

	opts.MaxConcurrentCompactions = func() int { return 4 }

	return pebble.Open(dbPath, opts)
}

// Open opens the store with a 64 MiB block cache.
func Open(dataDir string) (*Store, error) {
	db, err := OpenDB(dataDir, 64<<20)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}
