package database

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

// CachedStore keeps recently read nodes in memory. Commits go through to the
// wrapped store first and only then update the cache.
type CachedStore struct {
	Store
	nodes *lru.Cache[types.Hash, []byte]
	// fill is held shared while a miss is read and cached, and exclusively
	// by Commit, so a value read before a commit is never cached after it.
	fill sync.RWMutex
}

func NewCachedStore(store Store, size int) (*CachedStore, error) {
	cache, err := lru.New[types.Hash, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("could not create node cache: %w", err)
	}
	return &CachedStore{Store: store, nodes: cache}, nil
}

func (s *CachedStore) GetNode(key types.Hash) ([]byte, bool, error) {
	if v, ok := s.nodes.Get(key); ok {
		return v, true, nil
	}
	s.fill.RLock()
	defer s.fill.RUnlock()
	v, ok, err := s.Store.GetNode(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	s.nodes.Add(key, v)
	return v, true, nil
}

func (s *CachedStore) Commit(commit *types.CommitSet) error {
	s.fill.Lock()
	defer s.fill.Unlock()
	if err := s.Store.Commit(commit); err != nil {
		return err
	}
	for _, kv := range commit.Data.Inserted {
		s.nodes.Add(kv.Key, kv.Value)
	}
	for _, k := range commit.Data.Deleted {
		s.nodes.Remove(k)
	}
	return nil
}

// Len reports the number of cached nodes.
func (s *CachedStore) Len() int {
	return s.nodes.Len()
}
