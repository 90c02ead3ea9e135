// Package dblevel keeps nodes and meta entries in a single leveldb,
// separated by a one byte key prefix.
package dblevel

import (
	"errors"
	"path/filepath"

	"github.com/setavenger/blindbit-statedb/internal/logging"
	"github.com/setavenger/blindbit-statedb/internal/types"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	prefixNode byte = 'n'
	prefixMeta byte = 'm'
)

var syncWrites = &opt.WriteOptions{Sync: true}

type Store struct {
	DB *leveldb.DB
}

// OpenDBConnection opens the leveldb instance at path.
func OpenDBConnection(path string) (*leveldb.DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		logging.L.Err(err).Msg("error opening db connection")
		return nil, err
	}
	return db, nil
}

func Open(dataDir string) (*Store, error) {
	db, err := OpenDBConnection(filepath.Join(dataDir, "leveldb"))
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func nodeKey(key types.Hash) []byte {
	return append([]byte{prefixNode}, key[:]...)
}

func metaKey(key []byte) []byte {
	return append([]byte{prefixMeta}, key...)
}

func (s *Store) GetNode(key types.Hash) ([]byte, bool, error) {
	return retrieve(s.DB, nodeKey(key))
}

func (s *Store) GetMeta(key []byte) ([]byte, bool, error) {
	return retrieve(s.DB, metaKey(key))
}

func retrieve(db *leveldb.DB, key []byte) ([]byte, bool, error) {
	data, err := db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		logging.L.Err(err).Msg("error getting key")
		return nil, false, err
	}
	return data, true, nil
}

// Commit writes the commit set as one batch. Batch records replay in order,
// so deletes win over inserts of the same key.
func (s *Store) Commit(commit *types.CommitSet) error {
	batch := new(leveldb.Batch)
	for _, kv := range commit.Data.Inserted {
		batch.Put(nodeKey(kv.Key), kv.Value)
	}
	for _, key := range commit.Data.Deleted {
		batch.Delete(nodeKey(key))
	}
	for _, kv := range commit.Meta.Inserted {
		batch.Put(metaKey(kv.Key), kv.Value)
	}
	for _, key := range commit.Meta.Deleted {
		batch.Delete(metaKey(key))
	}

	err := s.DB.Write(batch, syncWrites)
	if err != nil {
		logging.L.Err(err).Msg("error writing batch")
		return err
	}
	return nil
}

func countPrefix(db *leveldb.DB, prefix byte) (int, error) {
	iter := db.NewIterator(util.BytesPrefix([]byte{prefix}), nil)
	defer iter.Release()

	count := 0
	for iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		logging.L.Err(err).Msg("error iterating over db")
		return 0, err
	}
	return count, nil
}

func (s *Store) CountKeys() (nodes, meta int, err error) {
	if nodes, err = countPrefix(s.DB, prefixNode); err != nil {
		return 0, 0, err
	}
	if meta, err = countPrefix(s.DB, prefixMeta); err != nil {
		return 0, 0, err
	}
	return nodes, meta, nil
}
