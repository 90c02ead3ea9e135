package database

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/setavenger/blindbit-statedb/internal/testhelpers"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

func TestCachedStoreServesFromCache(t *testing.T) {
	mem := testhelpers.NewMemDBWithData(1)
	store, err := NewCachedStore(mem, 8)
	require.NoError(t, err)

	v, ok, err := store.GetNode(testhelpers.Hash(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, store.Len())

	// a read served from the cache does not hit the wrapped store
	delete(mem.Data, testhelpers.Hash(1))
	cached, ok, err := store.GetNode(testhelpers.Hash(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, v, cached)
}

func TestCachedStoreMissesAreNotCached(t *testing.T) {
	store, err := NewCachedStore(testhelpers.NewMemDB(), 8)
	require.NoError(t, err)
	_, ok, err := store.GetNode(testhelpers.Hash(1))
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, store.Len())
}

func TestCachedStoreFollowsCommits(t *testing.T) {
	mem := testhelpers.NewMemDBWithData(1)
	store, err := NewCachedStore(mem, 8)
	require.NoError(t, err)
	_, _, err = store.GetNode(testhelpers.Hash(1))
	require.NoError(t, err)

	require.NoError(t, store.Commit(testhelpers.CommitSet([]uint64{2}, []uint64{1})))
	_, ok, err := store.GetNode(testhelpers.Hash(1))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, store.Len())

	mem.FailCommits = true
	require.ErrorIs(t, store.Commit(testhelpers.CommitSet(nil, []uint64{2})), testhelpers.ErrCommitFailed)
	_, ok, err = store.GetNode(testhelpers.Hash(2))
	require.NoError(t, err)
	require.True(t, ok)
}

// stallingStore holds its first read until release is closed.
type stallingStore struct {
	*testhelpers.MemDB
	once    sync.Once
	reading chan struct{}
	release chan struct{}
}

func (s *stallingStore) GetNode(key types.Hash) ([]byte, bool, error) {
	v, ok, err := s.MemDB.GetNode(key)
	s.once.Do(func() {
		close(s.reading)
		<-s.release
	})
	return v, ok, err
}

func TestCachedStoreReadDuringCommitIsNotCachedStale(t *testing.T) {
	slow := &stallingStore{
		MemDB:   testhelpers.NewMemDBWithData(1),
		reading: make(chan struct{}),
		release: make(chan struct{}),
	}
	store, err := NewCachedStore(slow, 8)
	require.NoError(t, err)

	readDone := make(chan bool)
	go func() {
		_, ok, _ := store.GetNode(testhelpers.Hash(1))
		readDone <- ok
	}()
	<-slow.reading

	commitDone := make(chan error, 1)
	go func() {
		commitDone <- store.Commit(testhelpers.CommitSet(nil, []uint64{1}))
	}()
	// the delete must not land between the read and the cache fill
	select {
	case err := <-commitDone:
		commitDone <- err
	case <-time.After(50 * time.Millisecond):
	}
	close(slow.release)

	require.True(t, <-readDone)
	require.NoError(t, <-commitDone)
	_, ok, err := store.GetNode(testhelpers.Hash(1))
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, store.Len())
}

func TestCachedStoreRejectsBadSize(t *testing.T) {
	_, err := NewCachedStore(testhelpers.NewMemDB(), 0)
	require.Error(t, err)
}
