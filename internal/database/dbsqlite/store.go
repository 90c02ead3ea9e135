package dbsqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/setavenger/blindbit-statedb/internal/logging"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) GetNode(key types.Hash) ([]byte, bool, error) {
	return s.get("SELECT value FROM nodes WHERE key = ?", key[:])
}

func (s *Store) GetMeta(key []byte) ([]byte, bool, error) {
	return s.get("SELECT value FROM meta WHERE key = ?", key)
}

func (s *Store) get(query string, key []byte) ([]byte, bool, error) {
	var val []byte
	err := s.DB.QueryRow(query, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

// Commit applies the commit set in one transaction.
func (s *Store) Commit(commit *types.CommitSet) (err error) {
	ctx := context.Background()
	b, err := beginBatch(ctx, s.DB)
	if err != nil {
		logging.L.Err(err).Msg("failed to begin tx")
		return err
	}
	defer func() {
		if err != nil {
			_ = b.Rollback()
		}
	}()

	if err = b.Apply(ctx, commit); err != nil {
		logging.L.Err(err).Msg("failed to apply commit set")
		return err
	}
	if err = b.Commit(); err != nil {
		logging.L.Err(err).Msg("failed to commit db tx")
		return err
	}
	return nil
}

func (s *Store) CountKeys() (nodes, meta int, err error) {
	if err = s.DB.QueryRow("SELECT COUNT(*) FROM nodes").Scan(&nodes); err != nil {
		return 0, 0, err
	}
	if err = s.DB.QueryRow("SELECT COUNT(*) FROM meta").Scan(&meta); err != nil {
		return 0, 0, err
	}
	return nodes, meta, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}
