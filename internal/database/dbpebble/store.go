package dbpebble

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/setavenger/blindbit-statedb/internal/logging"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

type Store struct {
	DB *pebble.DB
}

func NewStore(db *pebble.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) GetNode(key types.Hash) ([]byte, bool, error) {
	return s.get(KeyNode(key))
}

func (s *Store) GetMeta(key []byte) ([]byte, bool, error) {
	return s.get(KeyMeta(key))
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.DB.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	return copyValue(val), true, nil
}

// Commit writes the whole commit set in one synced batch.
func (s *Store) Commit(commit *types.CommitSet) error {
	b := s.DB.NewBatch()
	defer b.Close()

	if err := attachCommitToBatch(b, commit); err != nil {
		logging.L.Err(err).Msg("failed to build batch data")
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logging.L.Err(err).Msg("failed to commit db batch")
		return err
	}
	return nil
}

// attachCommitToBatch keeps the order data inserts, data deletes, meta
// inserts, meta deletes. A batch applies later writes over earlier ones.
func attachCommitToBatch(b *pebble.Batch, commit *types.CommitSet) error {
	for _, kv := range commit.Data.Inserted {
		if err := b.Set(KeyNode(kv.Key), kv.Value, nil); err != nil {
			return err
		}
	}
	for _, key := range commit.Data.Deleted {
		if err := b.Delete(KeyNode(key), nil); err != nil {
			return err
		}
	}
	for _, kv := range commit.Meta.Inserted {
		if err := b.Set(KeyMeta(kv.Key), kv.Value, nil); err != nil {
			return err
		}
	}
	for _, key := range commit.Meta.Deleted {
		if err := b.Delete(KeyMeta(key), nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}
