package statedb

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/setavenger/blindbit-statedb/internal/testhelpers"
)

type modelBlock struct {
	number uint64
	parent uint64
}

// forkModel mirrors the non-canonical tree the engine should be tracking.
type forkModel struct {
	blocks   map[uint64]modelBlock
	lastHash uint64
	lastNum  uint64
}

func (m *forkModel) parents() []uint64 {
	siblings := make(map[uint64]int)
	for _, b := range m.blocks {
		siblings[b.number]++
	}
	var out []uint64
	if siblings[m.lastNum+1] < maxBlocksPerLevel {
		out = append(out, m.lastHash)
	}
	for hash, b := range m.blocks {
		if siblings[b.number+1] < maxBlocksPerLevel {
			out = append(out, hash)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *forkModel) numberOf(hash uint64) uint64 {
	if hash == m.lastHash {
		return m.lastNum
	}
	return m.blocks[hash].number
}

func (m *forkModel) front() []uint64 {
	var out []uint64
	for hash, b := range m.blocks {
		if b.number == m.lastNum+1 {
			out = append(out, hash)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *forkModel) canonicalize(hash uint64) {
	m.lastNum = m.blocks[hash].number
	m.lastHash = hash
	kept := map[uint64]bool{hash: true}
	hashes := make([]uint64, 0, len(m.blocks))
	for bh := range m.blocks {
		hashes = append(hashes, bh)
	}
	sort.Slice(hashes, func(i, j int) bool { return m.blocks[hashes[i]].number < m.blocks[hashes[j]].number })
	for _, bh := range hashes {
		b := m.blocks[bh]
		if b.number > m.lastNum && kept[b.parent] {
			kept[bh] = true
			continue
		}
		delete(m.blocks, bh)
	}
}

func TestStateDBProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxBlocks := rapid.Uint32Range(0, 4).Draw(t, "maxBlocks")
		mode := KeepBlocks(maxBlocks)
		db := testhelpers.NewMemDB()
		s, err := New(mode, db)
		require.NoError(t, err)

		model := &forkModel{blocks: make(map[uint64]modelBlock)}
		next := uint64(1000)

		insert := func(commitIt bool) {
			parent := rapid.SampledFrom(model.parents()).Draw(t, "parent")
			number := model.numberOf(parent) + 1
			var deleted []uint64
			if keys := db.DataKeys(); len(keys) > 0 && rapid.Bool().Draw(t, "delete") {
				deleted = append(deleted, rapid.SampledFrom(keys).Draw(t, "deleted"))
			}
			hash := next
			next++
			commit, err := s.InsertBlock(h(hash), number, h(parent), cs([]uint64{hash}, deleted))
			require.NoError(t, err)
			if !commitIt {
				db.FailCommits = true
				require.Error(t, db.Commit(commit))
				db.FailCommits = false
				s.RevertPending()
				return
			}
			require.NoError(t, db.Commit(commit))
			s.ApplyPending()
			model.blocks[hash] = modelBlock{number: number, parent: parent}
		}

		// the first block sets the canonical base
		hash := next
		next++
		commit, err := s.InsertBlock(h(hash), 1, h(0), cs([]uint64{hash}, nil))
		require.NoError(t, err)
		require.NoError(t, db.Commit(commit))
		s.ApplyPending()
		model.blocks[hash] = modelBlock{number: 1, parent: 0}

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				insert(true)
			case 1:
				insert(false)
			case 2, 3:
				front := model.front()
				if len(front) == 0 {
					continue
				}
				target := rapid.SampledFrom(front).Draw(t, "canonical")
				commit, number, err := s.CanonicalizeBlock(h(target))
				require.NoError(t, err)
				require.Equal(t, model.blocks[target].number, number)
				if rapid.Bool().Draw(t, "fail") {
					db.FailCommits = true
					require.Error(t, db.Commit(commit))
					db.FailCommits = false
					s.RevertPending()
					continue
				}
				require.NoError(t, db.Commit(commit))
				s.ApplyPending()
				model.canonicalize(target)
				_, ok, err := db.GetNode(h(target))
				require.NoError(t, err)
				require.True(t, ok, "canonical value missing from store")
			}

			st := s.Stats()
			require.Equal(t, len(model.blocks), st.OverlayBlocks)
			require.Equal(t, len(model.blocks), st.OverlayValues)
			require.Equal(t, model.lastNum, st.BestCanonical)
			require.LessOrEqual(t, st.WindowSize, uint64(maxBlocks))
			require.Equal(t, st.BestCanonical, st.FirstUnpruned+st.WindowSize)
			for hash, b := range model.blocks {
				require.False(t, s.IsPruned(h(hash), b.number))
				v, ok, err := s.Get(h(hash), db)
				require.NoError(t, err)
				require.True(t, ok)
				key := h(hash)
				require.Equal(t, key[:], v)
			}
		}

		restored, err := New(mode, db)
		require.NoError(t, err)
		require.Equal(t, s.Stats(), restored.Stats())
		requireSameOverlay(t, s.nonCanonical, restored.nonCanonical)
		requireSameWindow(t, s.pruning, restored.pruning)
	})
}
