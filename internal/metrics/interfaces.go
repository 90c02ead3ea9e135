package metrics

// StateDBMetrics receives engine events. Implementations must be safe for
// concurrent use.
type StateDBMetrics interface {
	BlockInserted()
	BlockCanonicalized(number uint64)
	BlocksPruned(count int)
	BlockReverted()
	PendingReverted()
	OverlayState(levels, blocks, values int)
	PruningWindow(size, memBytes uint64)
	PinnedBlocks(count int)
}

// ImportMetrics receives events from the block import loop.
type ImportMetrics interface {
	CommitDuration(seconds float64)
	CommitFailed()
}
