// Package statedb tracks non-canonical state, canonicalizes it and prunes
// canonical state that fell out of the retention window.
//
// The engine never writes to storage. Every mutating call returns a
// types.CommitSet that the caller writes to its backing store, followed by
// ApplyPending on success or RevertPending on failure.
package statedb

import (
	"sync"

	"github.com/setavenger/blindbit-statedb/internal/database"
	"github.com/setavenger/blindbit-statedb/internal/logging"
	"github.com/setavenger/blindbit-statedb/internal/metrics"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

type StateDB struct {
	mu sync.RWMutex

	mode         PruningMode
	nonCanonical *nonCanonicalOverlay
	// pruning is nil unless the mode is Constrained.
	pruning *pruningWindow
	pinned  map[types.Hash]uint32

	modeStored  bool
	modePending bool

	metrics metrics.StateDBMetrics
}

type Option func(*StateDB)

func WithMetrics(m metrics.StateDBMetrics) Option {
	return func(s *StateDB) {
		s.metrics = m
	}
}

// New restores the engine from the journal in db. It fails if db was
// created with a different pruning mode.
func New(mode PruningMode, db database.MetaDB, opts ...Option) (*StateDB, error) {
	stored, ok, err := db.GetMeta(modeKey())
	if err != nil {
		return nil, &DBError{Err: err}
	}
	if ok && string(stored) != mode.ID() {
		logging.L.Error().
			Str("stored", string(stored)).
			Str("requested", mode.ID()).
			Msg("pruning mode mismatch")
		return nil, &InvalidPruningModeError{Stored: string(stored)}
	}

	nonCanonical, err := newNonCanonicalOverlay(db)
	if err != nil {
		return nil, err
	}
	var pruning *pruningWindow
	if mode.IsConstrained() {
		pruning, err = newPruningWindow(db)
		if err != nil {
			return nil, err
		}
	}

	s := &StateDB{
		mode:         mode,
		nonCanonical: nonCanonical,
		pruning:      pruning,
		pinned:       make(map[types.Hash]uint32),
		modeStored:   ok,
		metrics:      metrics.NewNoopCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.reportState()
	logging.L.Info().Stringer("mode", mode).Msg("state db opened")
	return s, nil
}

func (s *StateDB) Mode() PruningMode {
	return s.mode
}

// InsertBlock adds a block to the non-canonical tree.
func (s *StateDB) InsertBlock(
	hash types.Hash, number uint64, parent types.Hash, changeset types.ChangeSet[types.Hash],
) (*types.CommitSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var commit *types.CommitSet
	if s.mode.IsArchiveAll() {
		commit = &types.CommitSet{
			Data: types.ChangeSet[types.Hash]{Inserted: changeset.Inserted},
		}
	} else {
		var err error
		commit, err = s.nonCanonical.insert(hash, number, parent, changeset)
		if err != nil {
			return nil, err
		}
	}

	if number == 0 || !s.modeStored {
		commit.Meta.Inserted = append(commit.Meta.Inserted, types.KeyValue[[]byte]{
			Key:   modeKey(),
			Value: []byte(s.mode.ID()),
		})
		if !s.modeStored {
			s.modeStored = true
			s.modePending = true
		}
	}

	s.metrics.BlockInserted()
	s.reportState()
	return commit, nil
}

// CanonicalizeBlock makes hash canonical. hash must be at the height directly
// above the last canonicalized block, pending ones included.
func (s *StateDB) CanonicalizeBlock(hash types.Hash) (*types.CommitSet, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode.IsArchiveAll() {
		return &types.CommitSet{}, 0, nil
	}

	commit := &types.CommitSet{}
	number, err := s.nonCanonical.canonicalize(hash, commit)
	if err != nil {
		return nil, 0, err
	}
	if s.mode.IsArchiveCanonical() {
		commit.Data.Deleted = nil
	}
	if s.pruning != nil {
		s.pruning.noteCanonical(hash, commit)
		s.prune(commit)
	}

	s.metrics.BlockCanonicalized(number)
	s.reportState()
	return commit, number, nil
}

func (s *StateDB) prune(commit *types.CommitSet) {
	constraints := s.mode.Constraints()
	maxBlocks := uint64(constraints.MaxBlocks)

	pruned := 0
	for s.pruning.windowSize() > maxBlocks {
		if constraints.MaxMem != 0 && s.pruning.memUsed() > constraints.MaxMem {
			break
		}
		next, ok := s.pruning.nextHash()
		if !ok {
			break
		}
		if s.pinned[next] > 0 {
			logging.L.Debug().Stringer("hash", next).Msg("pruning stopped at pinned block")
			break
		}
		s.pruning.pruneOne(commit)
		pruned++
	}
	if pruned > 0 {
		s.metrics.BlocksPruned(pruned)
	}
}

// BestCanonical returns the number of the last canonicalized block, pending
// canonicalizations included.
func (s *StateDB) BestCanonical() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonCanonical.lastCanonicalizedBlockNumber()
}

// IsPruned reports whether the state of block hash at number is gone or
// about to be.
func (s *StateDB) IsPruned(hash types.Hash, number uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.mode.IsArchiveAll() {
		return false
	}
	best, ok := s.nonCanonical.lastCanonicalizedBlockNumber()
	if !ok || number > best {
		return !s.nonCanonical.haveBlock(hash)
	}
	if s.pruning == nil {
		return false
	}
	return number < s.pruning.pending() || !s.pruning.haveBlock(hash)
}

// Pin prevents the state of hash from being discarded or pruned until Unpin
// is called as many times as Pin.
func (s *StateDB) Pin(hash types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode.IsArchiveAll() {
		return nil
	}
	if !s.nonCanonical.haveBlock(hash) && (s.pruning == nil || !s.pruning.haveBlock(hash)) {
		return ErrPinInvalidBlock
	}

	refs := s.pinned[hash]
	if refs == 0 {
		logging.L.Trace().Stringer("hash", hash).Msg("pinned block")
		s.nonCanonical.pin(hash)
	}
	s.pinned[hash] = refs + 1
	s.metrics.PinnedBlocks(len(s.pinned))
	return nil
}

func (s *StateDB) Unpin(hash types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, ok := s.pinned[hash]
	if !ok {
		return
	}
	if refs > 1 {
		s.pinned[hash] = refs - 1
		return
	}
	logging.L.Trace().Stringer("hash", hash).Msg("unpinned block")
	delete(s.pinned, hash)
	s.nonCanonical.unpin(hash)
	s.metrics.PinnedBlocks(len(s.pinned))
}

// BranchRanges lists the branches between a non-canonical block and the
// last canonical one, newest first. False when hash is not in the overlay.
func (s *StateDB) BranchRanges(hash types.Hash) ([]BranchRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonCanonical.branchRanges(hash)
}

func (s *StateDB) IsPinned(hash types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinned[hash] > 0
}

// Get looks key up in the non-canonical overlay and falls back to db.
func (s *StateDB) Get(key types.Hash, db database.NodeDB) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.nonCanonical.get(key); ok {
		return v, true, nil
	}
	v, ok, err := db.GetNode(key)
	if err != nil {
		return nil, false, &DBError{Err: err}
	}
	return v, ok, nil
}

// RevertOne removes the highest non-canonical level. It returns false if
// there is nothing to revert.
func (s *StateDB) RevertOne() (*types.CommitSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode.IsArchiveAll() {
		return &types.CommitSet{}, true
	}
	commit := s.nonCanonical.revertOne()
	if commit == nil {
		return nil, false
	}
	s.metrics.BlockReverted()
	s.reportState()
	return commit, true
}

// ApplyPending makes all changes since the last ApplyPending or RevertPending
// permanent. Call it once the commit sets returned in between are written.
func (s *StateDB) ApplyPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nonCanonical.applyPending()
	if s.pruning != nil {
		s.pruning.applyPending()
	}
	s.modePending = false
	s.reportState()
}

// RevertPending drops all changes since the last ApplyPending. Call it when
// writing the returned commit sets failed.
func (s *StateDB) RevertPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pruning != nil {
		s.pruning.revertPending()
	}
	s.nonCanonical.revertPending()
	if s.modePending {
		s.modeStored = false
		s.modePending = false
	}
	s.metrics.PendingReverted()
	s.reportState()
}

// Stats is a point in time view of the engine.
type Stats struct {
	Mode                     string `json:"mode"`
	BestCanonical            uint64 `json:"best_canonical"`
	HasCanonical             bool   `json:"has_canonical"`
	LastCanonicalHash        string `json:"last_canonical_hash,omitempty"`
	OverlayLevels            int    `json:"overlay_levels"`
	OverlayBlocks            int    `json:"overlay_blocks"`
	OverlayValues            int    `json:"overlay_values"`
	PendingCanonicalizations int    `json:"pending_canonicalizations"`
	PendingInsertions        int    `json:"pending_insertions"`
	WindowSize               uint64 `json:"window_size"`
	WindowMemory             uint64 `json:"window_memory"`
	FirstUnpruned            uint64 `json:"first_unpruned"`
	PinnedBlocks             int    `json:"pinned_blocks"`
}

func (s *StateDB) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats()
}

func (s *StateDB) stats() Stats {
	st := Stats{
		Mode:                     s.mode.ID(),
		OverlayLevels:            s.nonCanonical.levels.Len(),
		OverlayBlocks:            s.nonCanonical.blockCount(),
		OverlayValues:            len(s.nonCanonical.values),
		PendingCanonicalizations: len(s.nonCanonical.pendingCanonicalizations),
		PendingInsertions:        len(s.nonCanonical.pendingInsertions),
		PinnedBlocks:             len(s.pinned),
	}
	st.BestCanonical, st.HasCanonical = s.nonCanonical.lastCanonicalizedBlockNumber()
	if hash, ok := s.nonCanonical.lastCanonicalizedHash(); ok {
		st.LastCanonicalHash = hash.String()
	}
	if s.pruning != nil {
		st.WindowSize = s.pruning.windowSize()
		st.WindowMemory = s.pruning.memUsed()
		st.FirstUnpruned = s.pruning.pending()
	}
	return st
}

func (s *StateDB) reportState() {
	st := s.stats()
	s.metrics.OverlayState(st.OverlayLevels, st.OverlayBlocks, st.OverlayValues)
	s.metrics.PruningWindow(st.WindowSize, st.WindowMemory)
}
