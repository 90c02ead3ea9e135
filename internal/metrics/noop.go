package metrics

type NoopCollector struct{}

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) BlockInserted()                          {}
func (nc *NoopCollector) BlockCanonicalized(number uint64)        {}
func (nc *NoopCollector) BlocksPruned(count int)                  {}
func (nc *NoopCollector) BlockReverted()                          {}
func (nc *NoopCollector) PendingReverted()                        {}
func (nc *NoopCollector) OverlayState(levels, blocks, values int) {}
func (nc *NoopCollector) PruningWindow(size, memBytes uint64)     {}
func (nc *NoopCollector) PinnedBlocks(count int)                  {}
func (nc *NoopCollector) CommitDuration(seconds float64)          {}
func (nc *NoopCollector) CommitFailed()                           {}
