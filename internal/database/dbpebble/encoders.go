package dbpebble

import (
	"github.com/setavenger/blindbit-statedb/internal/types"
)

// ---------------- Keys ----------------

func KeyNode(key types.Hash) []byte {
	k := make([]byte, 1+SizeHash)
	k[0] = KNode
	copy(k[1:], key[:])
	return k
}

func KeyMeta(key []byte) []byte {
	k := make([]byte, 1+len(key))
	k[0] = KMeta
	copy(k[1:], key)
	return k
}

// BoundsColumn covers every key written under prefix.
func BoundsColumn(prefix byte) (lb, ub []byte) {
	return []byte{prefix}, []byte{prefix + 1}
}
