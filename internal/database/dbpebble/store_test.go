package dbpebble

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/setavenger/blindbit-statedb/internal/database"
	"github.com/setavenger/blindbit-statedb/internal/database/dbtest"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

func TestStore(t *testing.T) {
	dbtest.RunStoreTests(t, func(t *testing.T, dir string) database.Store {
		store, err := Open(dir)
		require.NoError(t, err)
		return store
	})
}

func TestForEachMetaStripsPrefix(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Commit(&types.CommitSet{
		Meta: types.ChangeSet[[]byte]{
			Inserted: []types.KeyValue[[]byte]{
				{Key: []byte("b"), Value: []byte{2}},
				{Key: []byte("a"), Value: []byte{1}},
			},
		},
	}))

	var keys []string
	require.NoError(t, store.ForEachMeta(func(key, val []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	require.Equal(t, []string{"a", "b"}, keys)
}

func TestKeyLayout(t *testing.T) {
	var h types.Hash
	h[0] = 0xaa
	key := KeyNode(h)
	require.Len(t, key, 1+SizeHash)
	require.Equal(t, byte(KNode), key[0])
	require.Equal(t, byte(0xaa), key[1])
	require.Equal(t, []byte{KMeta, 'x'}, KeyMeta([]byte("x")))
}
