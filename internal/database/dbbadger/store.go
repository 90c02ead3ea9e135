package dbbadger

import (
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/setavenger/blindbit-statedb/internal/logging"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

var (
	prefixNode = []byte("n/")
	prefixMeta = []byte("m/")
)

func prefixed(prefix, key []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(key))
	k = append(k, prefix...)
	return append(k, key...)
}

type Store struct {
	DB *badger.DB
}

func NewStore(db *badger.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) GetNode(key types.Hash) ([]byte, bool, error) {
	return s.get(prefixed(prefixNode, key[:]))
}

func (s *Store) GetMeta(key []byte) ([]byte, bool, error) {
	return s.get(prefixed(prefixMeta, key))
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	var result []byte
	err := s.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		result, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

// Commit applies the commit set in one transaction. Later writes to the same
// key replace earlier ones, so deletes win over inserts.
func (s *Store) Commit(commit *types.CommitSet) error {
	err := s.DB.Update(func(txn *badger.Txn) error {
		for _, kv := range commit.Data.Inserted {
			if err := txn.Set(prefixed(prefixNode, kv.Key[:]), kv.Value); err != nil {
				return err
			}
		}
		for _, key := range commit.Data.Deleted {
			if err := txn.Delete(prefixed(prefixNode, key[:])); err != nil {
				return err
			}
		}
		for _, kv := range commit.Meta.Inserted {
			if err := txn.Set(prefixed(prefixMeta, kv.Key), kv.Value); err != nil {
				return err
			}
		}
		for _, key := range commit.Meta.Deleted {
			if err := txn.Delete(prefixed(prefixMeta, key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logging.L.Err(err).Msg("failed to commit badger txn")
	}
	return err
}

func (s *Store) countPrefix(prefix []byte) (int, error) {
	count := 0
	err := s.DB.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: false})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *Store) CountKeys() (nodes, meta int, err error) {
	if nodes, err = s.countPrefix(prefixNode); err != nil {
		return 0, 0, err
	}
	if meta, err = s.countPrefix(prefixMeta); err != nil {
		return 0, 0, err
	}
	return nodes, meta, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}
