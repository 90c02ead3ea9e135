package types

// Block is a state transition as delivered to the import loop.
type Block struct {
	Hash    Hash
	Parent  Hash
	Number  uint64
	Changes ChangeSet[Hash]
}
