package statedb

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/setavenger/blindbit-statedb/internal/testhelpers"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

func commitInsert(
	t testing.TB, s *StateDB, db *testhelpers.MemDB,
	hash, number, parent uint64, changes types.ChangeSet[types.Hash],
) *types.CommitSet {
	t.Helper()
	commit, err := s.InsertBlock(h(hash), number, h(parent), changes)
	require.NoError(t, err)
	require.NoError(t, db.Commit(commit))
	return commit
}

func commitCanonicalize(t testing.TB, s *StateDB, db *testhelpers.MemDB, hash uint64) *types.CommitSet {
	t.Helper()
	commit, _, err := s.CanonicalizeBlock(h(hash))
	require.NoError(t, err)
	require.NoError(t, db.Commit(commit))
	return commit
}

// makeTestDB builds the tree
//
//	1 - 21 - 3 - 4
//	  \ 22
//
// and canonicalizes 1, 21 and 3.
func makeTestDB(t testing.TB, mode PruningMode) (*testhelpers.MemDB, *StateDB) {
	t.Helper()
	db := testhelpers.NewMemDBWithData(91, 921, 922, 93, 94)
	s, err := New(mode, db)
	require.NoError(t, err)

	commitInsert(t, s, db, 1, 1, 0, cs([]uint64{1}, []uint64{91}))
	commitInsert(t, s, db, 21, 2, 1, cs([]uint64{21}, []uint64{921, 1}))
	commitInsert(t, s, db, 22, 2, 1, cs([]uint64{22}, []uint64{922}))
	commitInsert(t, s, db, 3, 3, 21, cs([]uint64{3}, []uint64{93}))
	s.ApplyPending()
	commitCanonicalize(t, s, db, 1)
	s.ApplyPending()
	commitInsert(t, s, db, 4, 4, 3, cs([]uint64{4}, []uint64{94}))
	s.ApplyPending()
	commitCanonicalize(t, s, db, 21)
	s.ApplyPending()
	commitCanonicalize(t, s, db, 3)
	s.ApplyPending()

	return db, s
}

func hasMetaKey(commit *types.CommitSet, key []byte) bool {
	for _, kv := range commit.Meta.Inserted {
		if bytes.Equal(kv.Key, key) {
			return true
		}
	}
	return false
}

func TestFullArchiveKeepsEverything(t *testing.T) {
	db, s := makeTestDB(t, ArchiveAll())
	require.Equal(t, []uint64{1, 3, 4, 21, 22, 91, 93, 94, 921, 922}, db.DataKeys())
	require.False(t, s.IsPruned(h(0), 0))
	require.False(t, s.IsPruned(h(22), 2))
}

func TestCanonicalArchiveKeepsCanonical(t *testing.T) {
	db, s := makeTestDB(t, ArchiveCanonical())
	require.True(t, db.DataEq(1, 21, 3, 91, 921, 922, 93, 94))

	best, ok := s.BestCanonical()
	require.True(t, ok)
	require.Equal(t, uint64(3), best)
	require.False(t, s.IsPruned(h(0), 0))
	require.False(t, s.IsPruned(h(21), 2))
	require.False(t, s.IsPruned(h(4), 4))
	require.True(t, s.IsPruned(h(22), 4))
}

func TestPruneWindow0(t *testing.T) {
	db, _ := makeTestDB(t, KeepBlocks(0))
	require.True(t, db.DataEq(21, 3, 922, 94))
}

func TestPruneWindow1(t *testing.T) {
	db, s := makeTestDB(t, KeepBlocks(1))
	require.True(t, s.IsPruned(h(0), 0))
	require.True(t, s.IsPruned(h(1), 1))
	require.True(t, s.IsPruned(h(21), 2))
	require.True(t, s.IsPruned(h(22), 2))
	require.True(t, db.DataEq(21, 3, 922, 93, 94))
}

func TestPruneWindow2(t *testing.T) {
	db, s := makeTestDB(t, KeepBlocks(2))
	require.True(t, s.IsPruned(h(0), 0))
	require.True(t, s.IsPruned(h(1), 1))
	require.False(t, s.IsPruned(h(21), 2))
	require.True(t, s.IsPruned(h(22), 2))
	require.True(t, db.DataEq(1, 21, 3, 921, 922, 93, 94))
}

func TestPruneStopsOverMemoryLimit(t *testing.T) {
	db, s := makeTestDB(t, Constrained(Constraints{MaxBlocks: 0, MaxMem: 1}))
	// a single row already exceeds MaxMem
	require.True(t, db.DataEq(1, 21, 3, 91, 921, 922, 93, 94))
	require.Equal(t, uint64(3), s.Stats().WindowSize)
}

func TestReopenRestoresState(t *testing.T) {
	for _, mode := range []PruningMode{ArchiveAll(), ArchiveCanonical(), KeepBlocks(0), KeepBlocks(2)} {
		t.Run(mode.String(), func(t *testing.T) {
			db, s := makeTestDB(t, mode)
			restored, err := New(mode, db)
			require.NoError(t, err)
			require.Equal(t, s.Stats(), restored.Stats())
		})
	}
}

func TestDetectsIncompatibleMode(t *testing.T) {
	db := testhelpers.NewMemDB()
	s, err := New(ArchiveAll(), db)
	require.NoError(t, err)
	commitInsert(t, s, db, 0, 0, 0, cs(nil, nil))
	s.ApplyPending()

	_, err = New(KeepBlocks(2), db)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidPruningMode))
	var modeErr *InvalidPruningModeError
	require.ErrorAs(t, err, &modeErr)
	require.Equal(t, ModeArchiveAll, modeErr.Stored)
}

func TestConstraintsMayChangeBetweenRuns(t *testing.T) {
	db, _ := makeTestDB(t, KeepBlocks(2))
	s, err := New(KeepBlocks(10), db)
	require.NoError(t, err)
	require.Equal(t, uint64(2), s.Stats().WindowSize)
}

func TestModeWrittenOnceApplied(t *testing.T) {
	db := testhelpers.NewMemDB()
	s, err := New(KeepBlocks(4), db)
	require.NoError(t, err)

	commit, err := s.InsertBlock(h(1), 1, h(0), cs([]uint64{1}, nil))
	require.NoError(t, err)
	require.True(t, hasMetaKey(commit, modeKey()))
	s.RevertPending()

	commit = commitInsert(t, s, db, 1, 1, 0, cs([]uint64{1}, nil))
	require.True(t, hasMetaKey(commit, modeKey()))
	s.ApplyPending()

	commit = commitInsert(t, s, db, 2, 2, 1, cs([]uint64{2}, nil))
	require.False(t, hasMetaKey(commit, modeKey()))
	require.Equal(t, []byte(ModeConstrained), db.Meta[string(modeKey())])
}

func TestRevertPendingAfterFailedCommit(t *testing.T) {
	db := testhelpers.NewMemDB()
	s, err := New(KeepBlocks(0), db)
	require.NoError(t, err)
	commitInsert(t, s, db, 1, 1, 0, cs([]uint64{1}, nil))
	s.ApplyPending()
	before := s.Stats()
	snapshot := db.Clone()

	db.FailCommits = true
	commit, err := s.InsertBlock(h(2), 2, h(1), cs([]uint64{2}, []uint64{1}))
	require.NoError(t, err)
	require.ErrorIs(t, db.Commit(commit), testhelpers.ErrCommitFailed)
	commit, _, err = s.CanonicalizeBlock(h(1))
	require.NoError(t, err)
	require.ErrorIs(t, db.Commit(commit), testhelpers.ErrCommitFailed)
	s.RevertPending()
	db.FailCommits = false

	require.Equal(t, before, s.Stats())
	require.Equal(t, snapshot.Data, db.Data)
	require.Equal(t, snapshot.Meta, db.Meta)

	restored, err := New(KeepBlocks(0), db)
	require.NoError(t, err)
	require.Equal(t, s.Stats(), restored.Stats())
}

func TestApplyPendingIsIdempotent(t *testing.T) {
	_, s := makeTestDB(t, KeepBlocks(1))
	before := s.Stats()
	s.ApplyPending()
	s.ApplyPending()
	require.Equal(t, before, s.Stats())
}

func TestCanonicalizeOutOfOrder(t *testing.T) {
	_, s := makeTestDB(t, KeepBlocks(1))
	_, _, err := s.CanonicalizeBlock(h(5))
	require.ErrorIs(t, err, ErrInvalidBlock)

	commit, number, err := s.CanonicalizeBlock(h(4))
	require.NoError(t, err)
	require.Equal(t, uint64(4), number)
	require.False(t, commit.IsEmpty())
}

func TestArchiveAllCanonicalizeIsNoop(t *testing.T) {
	_, s := makeTestDB(t, ArchiveAll())
	commit, _, err := s.CanonicalizeBlock(h(4))
	require.NoError(t, err)
	require.True(t, commit.IsEmpty())
	_, ok := s.BestCanonical()
	require.False(t, ok)
	require.NoError(t, s.Pin(h(12345)))
}

func TestPinBlocksPruning(t *testing.T) {
	db := testhelpers.NewMemDB()
	s, err := New(KeepBlocks(0), db)
	require.NoError(t, err)
	commitInsert(t, s, db, 1, 1, 0, cs([]uint64{1}, nil))
	commitInsert(t, s, db, 2, 2, 1, cs([]uint64{2}, []uint64{1}))
	s.ApplyPending()

	require.ErrorIs(t, s.Pin(h(99)), ErrPinInvalidBlock)
	require.NoError(t, s.Pin(h(1)))
	require.NoError(t, s.Pin(h(1)))
	require.True(t, s.IsPinned(h(1)))

	commitCanonicalize(t, s, db, 1)
	s.ApplyPending()
	commitCanonicalize(t, s, db, 2)
	s.ApplyPending()
	require.True(t, db.DataEq(1, 2))
	require.False(t, s.IsPruned(h(1), 1))
	require.Equal(t, uint64(2), s.Stats().WindowSize)

	s.Unpin(h(1))
	require.True(t, s.IsPinned(h(1)))
	s.Unpin(h(1))
	require.False(t, s.IsPinned(h(1)))
	s.Unpin(h(1))

	commitInsert(t, s, db, 3, 3, 2, cs([]uint64{3}, nil))
	s.ApplyPending()
	commitCanonicalize(t, s, db, 3)
	s.ApplyPending()
	require.True(t, db.DataEq(2, 3))
	require.True(t, s.IsPruned(h(1), 1))
	require.Equal(t, uint64(0), s.Stats().WindowSize)
}

func TestPinnedForkStaysReadable(t *testing.T) {
	db := testhelpers.NewMemDB()
	s, err := New(KeepBlocks(0), db)
	require.NoError(t, err)
	commitInsert(t, s, db, 1, 1, 0, cs([]uint64{1}, nil))
	commitInsert(t, s, db, 2, 1, 0, cs([]uint64{2}, nil))
	s.ApplyPending()
	require.NoError(t, s.Pin(h(2)))

	commitCanonicalize(t, s, db, 1)
	s.ApplyPending()
	v, ok, err := s.Get(h(2), db)
	require.NoError(t, err)
	require.True(t, ok)
	key := h(2)
	require.Equal(t, key[:], v)

	s.Unpin(h(2))
	_, ok, err = s.Get(h(2), db)
	require.NoError(t, err)
	require.False(t, ok)
}

type failingNodeDB struct{}

var errNodeRead = errors.New("node read failed")

func (failingNodeDB) GetNode(types.Hash) ([]byte, bool, error) {
	return nil, false, errNodeRead
}

func TestGetFallsBackToStore(t *testing.T) {
	db := testhelpers.NewMemDBWithData(5)
	s, err := New(KeepBlocks(4), db)
	require.NoError(t, err)
	_, err = s.InsertBlock(h(1), 1, h(0), cs([]uint64{1}, nil))
	require.NoError(t, err)

	v, ok, err := s.Get(h(1), db)
	require.NoError(t, err)
	require.True(t, ok)
	key := h(1)
	require.Equal(t, key[:], v)

	v, ok, err = s.Get(h(5), db)
	require.NoError(t, err)
	require.True(t, ok)
	key = h(5)
	require.Equal(t, key[:], v)

	_, ok, err = s.Get(h(7), db)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = s.Get(h(7), failingNodeDB{})
	var dbErr *DBError
	require.ErrorAs(t, err, &dbErr)
	require.ErrorIs(t, err, errNodeRead)
}

func TestRevertOne(t *testing.T) {
	db, s := makeTestDB(t, KeepBlocks(2))
	require.Equal(t, 1, s.Stats().OverlayLevels)

	commit, ok := s.RevertOne()
	require.True(t, ok)
	require.Len(t, commit.Meta.Deleted, 1)
	require.NoError(t, db.Commit(commit))
	s.ApplyPending()
	require.Equal(t, 0, s.Stats().OverlayLevels)
	require.True(t, s.IsPruned(h(4), 4))

	_, ok = s.RevertOne()
	require.False(t, ok)

	restored, err := New(KeepBlocks(2), db)
	require.NoError(t, err)
	require.Equal(t, s.Stats(), restored.Stats())
}

func TestRevertOneSkipsPendingCanonicalization(t *testing.T) {
	_, s := makeTestDB(t, KeepBlocks(2))
	_, _, err := s.CanonicalizeBlock(h(4))
	require.NoError(t, err)
	_, ok := s.RevertOne()
	require.False(t, ok)
}

type countingMetrics struct {
	inserted, canonicalized, pruned, reverted atomic.Int64
	ignoredGauges
}

type ignoredGauges struct{}

func (ignoredGauges) PendingReverted()               {}
func (ignoredGauges) OverlayState(_, _, _ int)       {}
func (ignoredGauges) PruningWindow(_, _ uint64)      {}
func (ignoredGauges) PinnedBlocks(_ int)             {}
func (m *countingMetrics) BlockInserted()            { m.inserted.Add(1) }
func (m *countingMetrics) BlockCanonicalized(uint64) { m.canonicalized.Add(1) }
func (m *countingMetrics) BlocksPruned(count int)    { m.pruned.Add(int64(count)) }
func (m *countingMetrics) BlockReverted()            { m.reverted.Add(1) }

func TestMetricsAreReported(t *testing.T) {
	db := testhelpers.NewMemDB()
	m := &countingMetrics{}
	s, err := New(KeepBlocks(1), db, WithMetrics(m))
	require.NoError(t, err)

	parent := uint64(0)
	for n := uint64(1); n <= 5; n++ {
		commitInsert(t, s, db, n, n, parent, cs([]uint64{n}, nil))
		s.ApplyPending()
		commitCanonicalize(t, s, db, n)
		s.ApplyPending()
		parent = n
	}

	assert.Equal(t, int64(5), m.inserted.Load())
	assert.Equal(t, int64(5), m.canonicalized.Load())
	assert.Equal(t, int64(4), m.pruned.Load())
}

func TestConcurrentReaders(t *testing.T) {
	db := testhelpers.NewMemDB()
	s, err := New(KeepBlocks(3), db)
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				best, ok := s.BestCanonical()
				if ok {
					s.IsPruned(h(best), best)
				}
				_, _, _ = s.Get(h(best), db)
				_ = s.Stats()
			}
		}()
	}

	parent := uint64(0)
	for n := uint64(1); n <= 64; n++ {
		commitInsert(t, s, db, n, n, parent, cs([]uint64{n}, nil))
		s.ApplyPending()
		if n > 2 {
			commitCanonicalize(t, s, db, n-2)
			s.ApplyPending()
		}
		parent = n
	}
	close(done)
	wg.Wait()

	best, ok := s.BestCanonical()
	require.True(t, ok)
	require.Equal(t, uint64(62), best)
	require.Equal(t, uint64(3), s.Stats().WindowSize)
}

func TestBranchRanges(t *testing.T) {
	db := testhelpers.NewMemDB()
	s, err := New(KeepBlocks(4), db)
	require.NoError(t, err)

	commitInsert(t, s, db, 1, 1, 0, cs([]uint64{1}, nil))
	commitInsert(t, s, db, 21, 2, 1, cs([]uint64{21}, nil))
	commitInsert(t, s, db, 22, 2, 1, cs([]uint64{22}, nil))
	commitInsert(t, s, db, 3, 3, 22, cs([]uint64{3}, nil))
	s.ApplyPending()

	trunk, ok := s.BranchRanges(h(21))
	require.True(t, ok)
	require.Len(t, trunk, 1)
	require.Equal(t, uint64(1), trunk[0].Start)
	require.Equal(t, uint64(2), trunk[0].End)

	fork, ok := s.BranchRanges(h(3))
	require.True(t, ok)
	require.Len(t, fork, 2)
	require.Equal(t, BranchRange{Branch: fork[0].Branch, Start: 2, End: 3}, fork[0])
	require.Equal(t, trunk[0].Branch, fork[1].Branch)
	require.NotEqual(t, trunk[0].Branch, fork[0].Branch)

	_, ok = s.BranchRanges(h(9))
	require.False(t, ok)

	archive, err := New(ArchiveAll(), testhelpers.NewMemDB())
	require.NoError(t, err)
	_, err = archive.InsertBlock(h(1), 1, h(0), cs([]uint64{1}, nil))
	require.NoError(t, err)
	_, ok = archive.BranchRanges(h(1))
	require.False(t, ok)
}
