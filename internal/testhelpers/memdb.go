// Package testhelpers provides an in-memory store and builders for tests.
package testhelpers

import (
	"maps"
	"sort"
	"sync"

	"github.com/setavenger/blindbit-statedb/internal/types"
)

// MemDB is an in-memory store with node and meta columns.
type MemDB struct {
	mu   sync.RWMutex
	Data map[types.Hash][]byte
	Meta map[string][]byte

	// FailCommits makes Commit return ErrCommitFailed without applying anything.
	FailCommits bool
}

func NewMemDB() *MemDB {
	return &MemDB{
		Data: make(map[types.Hash][]byte),
		Meta: make(map[string][]byte),
	}
}

// NewMemDBWithData seeds the node column with the values of Hash(n) for every n.
func NewMemDBWithData(keys ...uint64) *MemDB {
	db := NewMemDB()
	for _, n := range keys {
		h := Hash(n)
		db.Data[h] = h[:]
	}
	return db
}

func (db *MemDB) GetMeta(key []byte) ([]byte, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.Meta[string(key)]
	return v, ok, nil
}

func (db *MemDB) GetNode(key types.Hash) ([]byte, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.Data[key]
	return v, ok, nil
}

func (db *MemDB) Commit(commit *types.CommitSet) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.FailCommits {
		return ErrCommitFailed
	}
	for _, kv := range commit.Data.Inserted {
		db.Data[kv.Key] = kv.Value
	}
	for _, k := range commit.Data.Deleted {
		delete(db.Data, k)
	}
	for _, kv := range commit.Meta.Inserted {
		db.Meta[string(kv.Key)] = kv.Value
	}
	for _, k := range commit.Meta.Deleted {
		delete(db.Meta, string(k))
	}
	return nil
}

func (db *MemDB) Close() error { return nil }

// Clone copies both columns.
func (db *MemDB) Clone() *MemDB {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return &MemDB{Data: maps.Clone(db.Data), Meta: maps.Clone(db.Meta)}
}

// DataEq reports whether the node column holds exactly Hash(n) for every n.
func (db *MemDB) DataEq(keys ...uint64) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if len(db.Data) != len(keys) {
		return false
	}
	for _, n := range keys {
		if _, ok := db.Data[Hash(n)]; !ok {
			return false
		}
	}
	return true
}

// DataKeys lists the node keys that are of the form Hash(n), sorted.
func (db *MemDB) DataKeys() []uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []uint64
	for k := range db.Data {
		if n, ok := Number(k); ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (db *MemDB) MetaLen() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.Meta)
}
