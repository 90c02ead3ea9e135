package indexer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/setavenger/blindbit-statedb/internal/chainsim"
	"github.com/setavenger/blindbit-statedb/internal/statedb"
	"github.com/setavenger/blindbit-statedb/internal/testhelpers"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

const testDepth = 3

var simConfig = chainsim.Config{
	Seed:            42,
	ForkProbability: 0.4,
	KeysPerBlock:    2,
	DeletesPerBlock: 1,
	MaxForkLength:   testDepth + 1,
}

func newTestBuilder(t *testing.T, db *testhelpers.MemDB, opts ...Option) (*Builder, *statedb.StateDB) {
	t.Helper()
	state, err := statedb.New(statedb.KeepBlocks(0), db)
	require.NoError(t, err)
	source := &chainsim.Source{Generator: chainsim.New(simConfig)}
	return NewBuilder(db, state, source, testDepth, opts...), state
}

// expectedNodes replays the generator and returns the nodes of a fully
// pruned store after heights were imported. Non-canonical blocks only live in
// memory so only the main chain up to the finalized height counts.
func expectedNodes(heights uint64) map[types.Hash]bool {
	g := chainsim.New(simConfig)
	out := make(map[types.Hash]bool)
	for n := uint64(1); n <= heights-testDepth; n++ {
		main := g.Next()[0]
		for _, kv := range main.Changes.Inserted {
			out[kv.Key] = true
		}
		for _, key := range main.Changes.Deleted {
			delete(out, key)
		}
	}
	return out
}

func nodeSet(db *testhelpers.MemDB) map[types.Hash]bool {
	out := make(map[types.Hash]bool, len(db.Data))
	for k := range db.Clone().Data {
		out[k] = true
	}
	return out
}

func TestSyncBlocks(t *testing.T) {
	db := testhelpers.NewMemDB()
	b, state := newTestBuilder(t, db)

	require.NoError(t, b.SyncBlocks(context.Background(), 30))

	st := state.Stats()
	require.True(t, st.HasCanonical)
	require.Equal(t, uint64(30-testDepth), st.BestCanonical)
	require.Zero(t, st.WindowSize)
	require.Zero(t, st.PendingInsertions)
	require.Zero(t, st.PendingCanonicalizations)
	require.Equal(t, expectedNodes(30), nodeSet(db))
}

func TestSyncBlocksResumes(t *testing.T) {
	straight := testhelpers.NewMemDB()
	b, _ := newTestBuilder(t, straight)
	require.NoError(t, b.SyncBlocks(context.Background(), 30))

	db := testhelpers.NewMemDB()
	b, _ = newTestBuilder(t, db)
	require.NoError(t, b.SyncBlocks(context.Background(), 20))

	// a restarted process replays the chain from the start
	b, state := newTestBuilder(t, db)
	require.NoError(t, b.SyncBlocks(context.Background(), 30))

	best, ok := state.BestCanonical()
	require.True(t, ok)
	require.Equal(t, uint64(30-testDepth), best)
	require.Equal(t, nodeSet(straight), nodeSet(db))
}

func TestSyncBlocksCancelled(t *testing.T) {
	db := testhelpers.NewMemDB()
	b, _ := newTestBuilder(t, db)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, b.ContinuousSync(ctx), context.Canceled)
}

type countingImportMetrics struct {
	commits  int
	failures int
}

func (m *countingImportMetrics) CommitDuration(float64) { m.commits++ }
func (m *countingImportMetrics) CommitFailed()          { m.failures++ }

func TestImportBlockRevertsFailedCommit(t *testing.T) {
	db := testhelpers.NewMemDB()
	m := &countingImportMetrics{}
	b, state := newTestBuilder(t, db, WithMetrics(m))

	block := chainsim.New(simConfig).Next()[0]

	db.FailCommits = true
	err := b.ImportBlock(&block)
	require.ErrorIs(t, err, testhelpers.ErrCommitFailed)
	require.Equal(t, 1, m.failures)
	st := state.Stats()
	require.Zero(t, st.OverlayBlocks)
	require.Zero(t, st.PendingInsertions)
	require.Empty(t, db.Clone().Data)

	db.FailCommits = false
	require.NoError(t, b.ImportBlock(&block))
	require.Equal(t, 1, m.commits)
	require.Equal(t, 1, state.Stats().OverlayBlocks)

	// importing the same block again is not an error
	require.NoError(t, b.ImportBlock(&block))
	require.Equal(t, 1, m.commits)

	require.NoError(t, b.Finalize(block.Hash, block.Number))
	require.Equal(t, 2, m.commits)
	require.NoError(t, b.Finalize(block.Hash, block.Number))
	require.Equal(t, 2, m.commits)

	orphan := types.Block{Hash: testhelpers.Hash(7), Parent: testhelpers.Hash(6), Number: 2}
	require.NoError(t, b.ImportBlock(&orphan))
	require.Equal(t, 2, m.commits)
	require.Zero(t, state.Stats().OverlayBlocks)
}

func TestImportBlockUnknownParentAboveFinalizedFails(t *testing.T) {
	db := testhelpers.NewMemDB()
	b, state := newTestBuilder(t, db)

	g := chainsim.New(simConfig)
	first := g.Next()[0]
	second := g.Next()[0]
	require.NoError(t, b.ImportBlock(&first))
	require.NoError(t, b.ImportBlock(&second))
	require.NoError(t, b.Finalize(first.Hash, first.Number))

	// a parent at height 2 is above the finalized block, so it was never seen
	gap := types.Block{Hash: testhelpers.Hash(9), Parent: testhelpers.Hash(8), Number: 3}
	err := b.ImportBlock(&gap)
	require.ErrorIs(t, err, statedb.ErrInvalidParent)
	require.Equal(t, 1, state.Stats().OverlayBlocks)

	// only the genesis parent is final on a fresh engine
	fresh, _ := newTestBuilder(t, testhelpers.NewMemDB())
	require.NoError(t, fresh.ImportBlock(&first))
	orphan := types.Block{Hash: testhelpers.Hash(7), Parent: testhelpers.Hash(6), Number: 2}
	require.ErrorIs(t, fresh.ImportBlock(&orphan), statedb.ErrInvalidParent)
}

func TestImportBlockDropsDiscardedForkDescendants(t *testing.T) {
	db := testhelpers.NewMemDB()
	b, state := newTestBuilder(t, db)
	block := func(hash, parent, number uint64) *types.Block {
		return &types.Block{Hash: testhelpers.Hash(hash), Parent: testhelpers.Hash(parent), Number: number}
	}

	// 1 - 2 - 3
	//   \ 22 - 23
	for _, blk := range []*types.Block{block(1, 0, 1), block(2, 1, 2), block(22, 1, 2), block(23, 22, 3), block(3, 2, 3)} {
		require.NoError(t, b.ImportBlock(blk))
	}
	require.NoError(t, b.Finalize(testhelpers.Hash(1), 1))
	require.NoError(t, b.Finalize(testhelpers.Hash(2), 2))
	require.Equal(t, 1, state.Stats().OverlayBlocks)

	// the fork is replayed after a restart and keeps growing above the
	// finalized height
	require.NoError(t, b.ImportBlock(block(23, 22, 3)))
	require.NoError(t, b.ImportBlock(block(24, 23, 4)))
	require.NoError(t, b.ImportBlock(block(25, 24, 5)))
	require.Equal(t, 1, state.Stats().OverlayBlocks)
	require.Len(t, b.dropped, 3)

	require.NoError(t, b.ImportBlock(block(4, 3, 4)))
	require.ErrorIs(t, b.ImportBlock(block(35, 34, 5)), statedb.ErrInvalidParent)
	require.Equal(t, 2, state.Stats().OverlayBlocks)

	require.NoError(t, b.Finalize(testhelpers.Hash(3), 3))
	require.Len(t, b.dropped, 2)
}

func BenchmarkSyncBlocks(b *testing.B) {
	cfg := simConfig
	cfg.KeysPerBlock = 64
	cfg.DeletesPerBlock = 16
	for i := 0; i < b.N; i++ {
		db := testhelpers.NewMemDB()
		state, err := statedb.New(statedb.KeepBlocks(16), db)
		require.NoError(b, err)
		builder := NewBuilder(db, state, &chainsim.Source{Generator: chainsim.New(cfg)}, testDepth)
		require.NoError(b, builder.SyncBlocks(context.Background(), 200))
	}
}
