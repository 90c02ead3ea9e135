package dbbadger

import (
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/rs/zerolog"

	"github.com/setavenger/blindbit-statedb/internal/logging"
)

// badgerLogger routes badger's own logging into zerolog.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error().Msgf(strings.TrimSpace(f), v...)
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn().Msgf(strings.TrimSpace(f), v...)
}

func (b badgerLogger) Infof(f string, v ...interface{}) {
	b.l.Debug().Msgf(strings.TrimSpace(f), v...)
}

func (b badgerLogger) Debugf(f string, v ...interface{}) {
	b.l.Trace().Msgf(strings.TrimSpace(f), v...)
}

func OpenDB(dataDir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger")).
		WithLogger(badgerLogger{l: logging.L.With().Str("component", "badger").Logger()}).
		WithValueThreshold(1024).
		WithCompression(options.Snappy).
		WithSyncWrites(true)
	return badger.Open(opts)
}

func Open(dataDir string) (*Store, error) {
	db, err := OpenDB(dataDir)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}
