// Package backend opens the configured database.Store.
package backend

import (
	"fmt"

	"github.com/setavenger/blindbit-statedb/internal/database"
	"github.com/setavenger/blindbit-statedb/internal/database/dbbadger"
	"github.com/setavenger/blindbit-statedb/internal/database/dbpebble"
	"github.com/setavenger/blindbit-statedb/internal/database/dbsqlite"
	"github.com/setavenger/blindbit-statedb/internal/dblevel"
	"github.com/setavenger/blindbit-statedb/internal/logging"
)

const (
	Pebble  = "pebble"
	LevelDB = "leveldb"
	SQLite  = "sqlite"
	Badger  = "badger"
)

// Names lists the supported backends.
var Names = []string{Pebble, LevelDB, SQLite, Badger}

// Open opens the store called name below dataDir. A positive cacheSize wraps
// it into a database.CachedStore.
func Open(name, dataDir string, cacheSize int) (database.Store, error) {
	var (
		store database.Store
		err   error
	)
	switch name {
	case Pebble:
		store, err = dbpebble.Open(dataDir)
	case LevelDB:
		store, err = dblevel.Open(dataDir)
	case SQLite:
		store, err = dbsqlite.Open(dataDir)
	case Badger:
		store, err = dbbadger.Open(dataDir)
	default:
		return nil, fmt.Errorf("unknown backend %q, expected one of %v", name, Names)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", name, err)
	}
	logging.L.Info().Str("backend", name).Str("datadir", dataDir).Msg("store opened")

	if cacheSize <= 0 {
		return store, nil
	}
	cached, err := database.NewCachedStore(store, cacheSize)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return cached, nil
}

// CountKeys reports the column sizes if the store, or the store it caches,
// supports it.
func CountKeys(store database.Store) (nodes, meta int, ok bool, err error) {
	if cached, isCached := store.(*database.CachedStore); isCached {
		store = cached.Store
	}
	counter, ok := store.(database.KeyCounter)
	if !ok {
		return 0, 0, false, nil
	}
	nodes, meta, err = counter.CountKeys()
	return nodes, meta, true, err
}
