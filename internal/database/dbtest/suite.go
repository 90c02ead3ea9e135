// Package dbtest holds the behaviour every database.Store has to show.
package dbtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/setavenger/blindbit-statedb/internal/database"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

// OpenFunc opens a store in dir. Calling it twice with the same dir must
// reopen the same data.
type OpenFunc func(t *testing.T, dir string) database.Store

func hash(n byte) types.Hash {
	var h types.Hash
	h[types.HashSize-1] = n
	return h
}

// RunStoreTests runs the shared store behaviour against open.
func RunStoreTests(t *testing.T, open OpenFunc) {
	t.Run("missing keys", func(t *testing.T) {
		store := open(t, t.TempDir())
		defer store.Close()

		_, ok, err := store.GetNode(hash(1))
		require.NoError(t, err)
		require.False(t, ok)
		_, ok, err = store.GetMeta([]byte("mode"))
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("commit and read", func(t *testing.T) {
		store := open(t, t.TempDir())
		defer store.Close()

		require.NoError(t, store.Commit(&types.CommitSet{
			Data: types.ChangeSet[types.Hash]{
				Inserted: []types.KeyValue[types.Hash]{{Key: hash(1), Value: []byte("one")}},
			},
			Meta: types.ChangeSet[[]byte]{
				Inserted: []types.KeyValue[[]byte]{{Key: []byte("mode"), Value: []byte("constrained")}},
			},
		}))

		v, ok, err := store.GetNode(hash(1))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("one"), v)

		v, ok, err = store.GetMeta([]byte("mode"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("constrained"), v)

		// node and meta keys never collide
		key := hash(1)
		_, ok, err = store.GetMeta(key[:])
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("deletes win over inserts", func(t *testing.T) {
		store := open(t, t.TempDir())
		defer store.Close()

		require.NoError(t, store.Commit(&types.CommitSet{
			Data: types.ChangeSet[types.Hash]{
				Inserted: []types.KeyValue[types.Hash]{
					{Key: hash(1), Value: []byte("one")},
					{Key: hash(2), Value: []byte("two")},
				},
				Deleted: []types.Hash{hash(2)},
			},
			Meta: types.ChangeSet[[]byte]{
				Inserted: []types.KeyValue[[]byte]{{Key: []byte("journal"), Value: []byte{1}}},
				Deleted:  [][]byte{[]byte("journal")},
			},
		}))

		_, ok, err := store.GetNode(hash(2))
		require.NoError(t, err)
		require.False(t, ok)
		_, ok, err = store.GetNode(hash(1))
		require.NoError(t, err)
		require.True(t, ok)
		_, ok, err = store.GetMeta([]byte("journal"))
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("overwrite and delete missing", func(t *testing.T) {
		store := open(t, t.TempDir())
		defer store.Close()

		commit := &types.CommitSet{}
		commit.Meta.Inserted = []types.KeyValue[[]byte]{{Key: []byte("last_pruned"), Value: []byte{1}}}
		require.NoError(t, store.Commit(commit))
		commit.Meta.Inserted[0].Value = []byte{2}
		commit.Data.Deleted = []types.Hash{hash(9)}
		require.NoError(t, store.Commit(commit))

		v, ok, err := store.GetMeta([]byte("last_pruned"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte{2}, v)
	})

	t.Run("empty commit", func(t *testing.T) {
		store := open(t, t.TempDir())
		defer store.Close()
		require.NoError(t, store.Commit(&types.CommitSet{}))
	})

	t.Run("reopen", func(t *testing.T) {
		dir := t.TempDir()
		store := open(t, dir)
		require.NoError(t, store.Commit(&types.CommitSet{
			Data: types.ChangeSet[types.Hash]{
				Inserted: []types.KeyValue[types.Hash]{{Key: hash(3), Value: []byte("three")}},
			},
		}))
		require.NoError(t, store.Close())

		store = open(t, dir)
		defer store.Close()
		v, ok, err := store.GetNode(hash(3))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("three"), v)
	})

	t.Run("count keys", func(t *testing.T) {
		store := open(t, t.TempDir())
		defer store.Close()
		counter, ok := store.(database.KeyCounter)
		if !ok {
			t.Skip("store does not count keys")
		}

		require.NoError(t, store.Commit(&types.CommitSet{
			Data: types.ChangeSet[types.Hash]{
				Inserted: []types.KeyValue[types.Hash]{
					{Key: hash(1), Value: []byte("one")},
					{Key: hash(2), Value: []byte("two")},
				},
			},
			Meta: types.ChangeSet[[]byte]{
				Inserted: []types.KeyValue[[]byte]{{Key: []byte("mode"), Value: []byte("archive")}},
			},
		}))
		nodes, meta, err := counter.CountKeys()
		require.NoError(t, err)
		require.Equal(t, 2, nodes)
		require.Equal(t, 1, meta)
	})
}
