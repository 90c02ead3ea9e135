package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type StateDBCollector struct {
	blocksInserted  prometheus.Counter
	blocksCanonical prometheus.Counter
	lastCanonical   prometheus.Gauge
	blocksPruned    prometheus.Counter
	blocksReverted  prometheus.Counter
	pendingReverted prometheus.Counter
	overlayLevels   prometheus.Gauge
	overlayBlocks   prometheus.Gauge
	overlayValues   prometheus.Gauge
	windowSize      prometheus.Gauge
	windowMemory    prometheus.Gauge
	pinnedBlocks    prometheus.Gauge
	commitDuration  prometheus.Histogram
	commitFailures  prometheus.Counter
}

// NewStateDBCollector registers the engine and import metrics with registerer.
func NewStateDBCollector(registerer prometheus.Registerer) *StateDBCollector {
	factory := promauto.With(registerer)

	sc := &StateDBCollector{
		blocksInserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceStateDB,
			Subsystem: subsystemOverlay,
			Name:      "blocks_inserted_total",
			Help:      "number of blocks inserted into the non-canonical overlay",
		}),
		blocksCanonical: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceStateDB,
			Subsystem: subsystemOverlay,
			Name:      "blocks_canonicalized_total",
			Help:      "number of blocks canonicalized",
		}),
		lastCanonical: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceStateDB,
			Subsystem: subsystemOverlay,
			Name:      "last_canonical_number",
			Help:      "number of the last canonicalized block",
		}),
		blocksPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceStateDB,
			Subsystem: subsystemPruning,
			Name:      "blocks_pruned_total",
			Help:      "number of death rows pruned",
		}),
		blocksReverted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceStateDB,
			Subsystem: subsystemOverlay,
			Name:      "levels_reverted_total",
			Help:      "number of levels removed by revert one",
		}),
		pendingReverted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceStateDB,
			Name:      "pending_reverted_total",
			Help:      "number of times pending changes were reverted",
		}),
		overlayLevels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceStateDB,
			Subsystem: subsystemOverlay,
			Name:      "levels",
			Help:      "number of heights tracked by the overlay",
		}),
		overlayBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceStateDB,
			Subsystem: subsystemOverlay,
			Name:      "blocks",
			Help:      "number of blocks tracked by the overlay",
		}),
		overlayValues: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceStateDB,
			Subsystem: subsystemOverlay,
			Name:      "values",
			Help:      "number of values held in memory by the overlay",
		}),
		windowSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceStateDB,
			Subsystem: subsystemPruning,
			Name:      "window_size",
			Help:      "number of canonical blocks waiting to be pruned",
		}),
		windowMemory: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceStateDB,
			Subsystem: subsystemPruning,
			Name:      "window_memory_bytes",
			Help:      "estimated memory held by the pruning window",
		}),
		pinnedBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespaceStateDB,
			Name:      "pinned_blocks",
			Help:      "number of pinned blocks",
		}),
		commitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespaceStateDB,
			Subsystem: subsystemImport,
			Name:      "commit_duration_seconds",
			Help:      "time spent writing a commit set to the backing store",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		commitFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespaceStateDB,
			Subsystem: subsystemImport,
			Name:      "commit_failures_total",
			Help:      "number of commit sets the backing store failed to write",
		}),
	}

	return sc
}

func (sc *StateDBCollector) BlockInserted() {
	sc.blocksInserted.Inc()
}

func (sc *StateDBCollector) BlockCanonicalized(number uint64) {
	sc.blocksCanonical.Inc()
	sc.lastCanonical.Set(float64(number))
}

func (sc *StateDBCollector) BlocksPruned(count int) {
	sc.blocksPruned.Add(float64(count))
}

func (sc *StateDBCollector) BlockReverted() {
	sc.blocksReverted.Inc()
}

func (sc *StateDBCollector) PendingReverted() {
	sc.pendingReverted.Inc()
}

func (sc *StateDBCollector) OverlayState(levels, blocks, values int) {
	sc.overlayLevels.Set(float64(levels))
	sc.overlayBlocks.Set(float64(blocks))
	sc.overlayValues.Set(float64(values))
}

func (sc *StateDBCollector) PruningWindow(size, memBytes uint64) {
	sc.windowSize.Set(float64(size))
	sc.windowMemory.Set(float64(memBytes))
}

func (sc *StateDBCollector) PinnedBlocks(count int) {
	sc.pinnedBlocks.Set(float64(count))
}

func (sc *StateDBCollector) CommitDuration(seconds float64) {
	sc.commitDuration.Observe(seconds)
}

func (sc *StateDBCollector) CommitFailed() {
	sc.commitFailures.Inc()
}
