// database defines the interfaces for handling db operations
package database

import "github.com/setavenger/blindbit-statedb/internal/types"

// MetaDB reads the journal column. Used for replay on open.
type MetaDB interface {
	GetMeta(key []byte) ([]byte, bool, error)
}

// NodeDB reads canonical state nodes.
type NodeDB interface {
	GetNode(key types.Hash) ([]byte, bool, error)
}

// Store is a backing store that can apply a CommitSet atomically.
// Implementations apply data inserts, data deletes, meta inserts and meta
// deletes in that order so a key both inserted and deleted ends up deleted.
type Store interface {
	MetaDB
	NodeDB
	Commit(commit *types.CommitSet) error
	Close() error
}

// KeyCounter is implemented by stores that can report their column sizes.
type KeyCounter interface {
	CountKeys() (nodes, meta int, err error)
}
