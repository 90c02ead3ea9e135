package testhelpers

import (
	"encoding/binary"
	"errors"

	"github.com/setavenger/blindbit-statedb/internal/types"
)

var ErrCommitFailed = errors.New("commit failed")

// Hash is shorthand for types.HashFromUint64.
func Hash(n uint64) types.Hash {
	return types.HashFromUint64(n)
}

// Number inverts Hash.
func Number(h types.Hash) (uint64, bool) {
	for _, b := range h[:types.HashSize-8] {
		if b != 0 {
			return 0, false
		}
	}
	return binary.BigEndian.Uint64(h[types.HashSize-8:]), true
}

// ChangeSet inserts Hash(n) with its own bytes as value for every inserted n
// and deletes Hash(n) for every deleted n.
func ChangeSet(inserted, deleted []uint64) types.ChangeSet[types.Hash] {
	cs := types.ChangeSet[types.Hash]{}
	for _, n := range inserted {
		h := Hash(n)
		cs.Inserted = append(cs.Inserted, types.KeyValue[types.Hash]{Key: h, Value: h[:]})
	}
	for _, n := range deleted {
		cs.Deleted = append(cs.Deleted, Hash(n))
	}
	return cs
}

// CommitSet wraps ChangeSet into a data only commit.
func CommitSet(inserted, deleted []uint64) *types.CommitSet {
	return &types.CommitSet{Data: ChangeSet(inserted, deleted)}
}
