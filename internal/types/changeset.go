package types

// KeyValue is a single insertion into a column.
type KeyValue[K any] struct {
	Key   K
	Value []byte
}

// ChangeSet is the delta a single state transition produces for one column.
type ChangeSet[K any] struct {
	Inserted []KeyValue[K]
	Deleted  []K
}

func (c *ChangeSet[K]) IsEmpty() bool {
	return len(c.Inserted) == 0 && len(c.Deleted) == 0
}

// CommitSet describes everything a caller has to write atomically to the
// backing store. Data goes to the node column, Meta to the journal column.
type CommitSet struct {
	Data ChangeSet[Hash]
	Meta ChangeSet[[]byte]
}

func (c *CommitSet) IsEmpty() bool {
	return c.Data.IsEmpty() && c.Meta.IsEmpty()
}

// NewChangeSet builds a node change set from plain values, deriving every key
// from its value.
func NewChangeSet(inserted [][]byte, deleted []Hash) ChangeSet[Hash] {
	cs := ChangeSet[Hash]{
		Inserted: make([]KeyValue[Hash], 0, len(inserted)),
		Deleted:  deleted,
	}
	for _, v := range inserted {
		cs.Inserted = append(cs.Inserted, KeyValue[Hash]{Key: NodeKey(v), Value: v})
	}
	return cs
}
