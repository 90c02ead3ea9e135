package statedb

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/gammazero/deque"
	"github.com/setavenger/blindbit-statedb/internal/database"
	"github.com/setavenger/blindbit-statedb/internal/logging"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

// maxBlocksPerLevel bounds the siblings per height. Journal indices of a
// level are tracked in a 32 bit mask.
const maxBlocksPerLevel = 32

type blockOverlay struct {
	hash         types.Hash
	journalIndex uint64
	journalKey   []byte
	inserted     []types.Hash
	deleted      []types.Hash
}

type overlayLevel struct {
	blocks      []*blockOverlay
	usedIndices uint32
}

func (l *overlayLevel) availableIndex() (uint64, bool) {
	if l.usedIndices == ^uint32(0) {
		return 0, false
	}
	return uint64(bits.TrailingZeros32(^l.usedIndices)), true
}

func (l *overlayLevel) push(overlay *blockOverlay) {
	l.usedIndices |= 1 << overlay.journalIndex
	l.blocks = append(l.blocks, overlay)
}

func (l *overlayLevel) pop() *blockOverlay {
	overlay := l.blocks[len(l.blocks)-1]
	l.blocks = l.blocks[:len(l.blocks)-1]
	l.usedIndices &^= 1 << overlay.journalIndex
	return overlay
}

// parentEntry links a tracked block to its parent. branch is shared by a
// chain of blocks until it forks.
type parentEntry struct {
	hash   types.Hash
	number uint64
	branch uint64
}

// BranchRange is a run of consecutive blocks on one branch, Start and End
// inclusive.
type BranchRange struct {
	Branch uint64 `json:"branch"`
	Start  uint64 `json:"start"`
	End    uint64 `json:"end"`
}

// refValue is a value shared by every live block that inserted its key.
type refValue struct {
	count uint32
	value []byte
}

// nonCanonicalOverlay tracks all blocks above the last canonical one.
type nonCanonicalOverlay struct {
	lastCanonicalized *canonicalPointer
	// lastCanonicalizedPending is set while the initial pointer derived from
	// the first inserted block has not been applied yet.
	lastCanonicalizedPending bool

	levels  *deque.Deque[*overlayLevel]
	parents map[types.Hash]parentEntry
	values  map[types.Hash]*refValue
	pinned  map[types.Hash]map[types.Hash][]byte
	// nextBranch is never handed out twice while the process runs
	nextBranch uint64

	pendingCanonicalizations []types.Hash
	pendingInsertions        []types.Hash
}

func newNonCanonicalOverlay(db database.MetaDB) (*nonCanonicalOverlay, error) {
	o := &nonCanonicalOverlay{
		levels:     deque.New[*overlayLevel](),
		parents:    make(map[types.Hash]parentEntry),
		values:     make(map[types.Hash]*refValue),
		pinned:     make(map[types.Hash]map[types.Hash][]byte),
		nextBranch: 1,
	}

	var pointer canonicalPointer
	ok, err := readRecord(db, lastCanonicalKey(), &pointer)
	if err != nil {
		return nil, err
	}
	block := uint64(0)
	if ok {
		o.lastCanonicalized = &pointer
		block = pointer.Number + 1
	}

	total := 0
	var records []journalRecord
	for {
		level := &overlayLevel{}
		for index := uint64(0); index < maxBlocksPerLevel; index++ {
			key := nonCanonicalJournalKey(block, index)
			var record journalRecord
			ok, err := readRecord(db, key, &record)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			overlay := &blockOverlay{
				hash:         record.Hash,
				journalIndex: index,
				journalKey:   key,
				inserted:     insertedKeys(record.Inserted),
				deleted:      record.Deleted,
			}
			logging.L.Trace().
				Stringer("hash", record.Hash).
				Uint64("block", block).
				Uint64("index", index).
				Int("inserted", len(overlay.inserted)).
				Int("deleted", len(overlay.deleted)).
				Msg("noncanonical_journal_replayed")
			o.insertValues(record.Inserted)
			level.push(overlay)
			records = append(records, record)
			total++
		}
		if len(level.blocks) == 0 {
			break
		}
		o.levels.PushBack(level)
		// branches are resolved once the level is complete, so a record
		// without a branch can see its already restored siblings
		for _, record := range records {
			branch := record.Branch
			if branch == 0 {
				branch = o.branchFor(record.Parent, block)
			}
			o.parents[record.Hash] = parentEntry{hash: record.Parent, number: block, branch: branch}
			o.nextBranch = max(o.nextBranch, branch+1)
		}
		records = records[:0]
		block++
	}
	logging.L.Debug().
		Int("levels", o.levels.Len()).
		Int("blocks", total).
		Msg("finished reading non-canonical journal")

	return o, nil
}

func insertedKeys(kvs []types.KeyValue[types.Hash]) []types.Hash {
	keys := make([]types.Hash, len(kvs))
	for i := range kvs {
		keys[i] = kvs[i].Key
	}
	return keys
}

func (o *nonCanonicalOverlay) frontBlockNumber() uint64 {
	if o.lastCanonicalized == nil {
		return 0
	}
	return o.lastCanonicalized.Number + 1
}

// insert adds a block to the tree. Nothing is mutated unless it succeeds.
func (o *nonCanonicalOverlay) insert(
	hash types.Hash, number uint64, parent types.Hash, changeset types.ChangeSet[types.Hash],
) (*types.CommitSet, error) {
	if _, ok := o.parents[hash]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBlock, hash)
	}

	commit := &types.CommitSet{}
	var initialPointer *canonicalPointer

	if o.levels.Len() == 0 && o.lastCanonicalized == nil && number > 0 {
		// first block ever, its parent is taken as canonical
		initialPointer = &canonicalPointer{Hash: parent, Number: number - 1}
		val, err := encodeRecord(initialPointer)
		if err != nil {
			return nil, err
		}
		commit.Meta.Inserted = append(commit.Meta.Inserted, types.KeyValue[[]byte]{Key: lastCanonicalKey(), Value: val})
	} else if o.lastCanonicalized != nil || o.levels.Len() > 0 {
		front := o.frontBlockNumber()
		if number < front || number > front+uint64(o.levels.Len()) {
			logging.L.Trace().
				Uint64("number", number).
				Uint64("front", front).
				Int("levels", o.levels.Len()).
				Msg("failed to insert block")
			return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidBlockNumber, number, front, front+uint64(o.levels.Len()))
		}
		if number == front {
			if o.lastCanonicalized != nil &&
				(o.lastCanonicalized.Hash != parent || o.lastCanonicalized.Number != number-1) {
				return nil, fmt.Errorf("%w: %s is not the last canonical block", ErrInvalidParent, parent)
			}
		} else if entry, ok := o.parents[parent]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidParent, parent)
		} else if entry.number+1 != number {
			return nil, fmt.Errorf("%w: %s is at height %d, not %d", ErrInvalidParent, parent, entry.number, number-1)
		}
	}

	for _, kv := range changeset.Inserted {
		if existing, ok := o.values[kv.Key]; ok && !bytes.Equal(existing.value, kv.Value) {
			return nil, fmt.Errorf("%w: %s", ErrConflictingValue, kv.Key)
		}
	}

	front := o.frontBlockNumber()
	if initialPointer != nil {
		front = initialPointer.Number + 1
	}
	levelIndex := int(number - front)
	level := &overlayLevel{}
	newLevel := levelIndex == o.levels.Len()
	if !newLevel {
		level = o.levels.At(levelIndex)
	}
	index, ok := level.availableIndex()
	if !ok {
		return nil, fmt.Errorf("%w: %d blocks at height %d", ErrTooManySiblingBlocks, maxBlocksPerLevel, number)
	}

	branch := o.branchFor(parent, number)
	journalKey := nonCanonicalJournalKey(number, index)
	val, err := encodeRecord(&journalRecord{
		Hash:     hash,
		Parent:   parent,
		Branch:   branch,
		Inserted: changeset.Inserted,
		Deleted:  changeset.Deleted,
	})
	if err != nil {
		return nil, err
	}
	commit.Meta.Inserted = append(commit.Meta.Inserted, types.KeyValue[[]byte]{Key: journalKey, Value: val})

	if initialPointer != nil {
		o.lastCanonicalized = initialPointer
		o.lastCanonicalizedPending = true
	}
	if newLevel {
		o.levels.PushBack(level)
	}
	level.push(&blockOverlay{
		hash:         hash,
		journalIndex: index,
		journalKey:   journalKey,
		inserted:     insertedKeys(changeset.Inserted),
		deleted:      append([]types.Hash(nil), changeset.Deleted...),
	})
	o.parents[hash] = parentEntry{hash: parent, number: number, branch: branch}
	if branch == o.nextBranch {
		o.nextBranch++
	}
	o.insertValues(changeset.Inserted)
	o.pendingInsertions = append(o.pendingInsertions, hash)

	logging.L.Trace().
		Stringer("hash", hash).
		Uint64("number", number).
		Stringer("parent", parent).
		Uint64("index", index).
		Uint64("branch", branch).
		Int("inserted", len(changeset.Inserted)).
		Int("deleted", len(changeset.Deleted)).
		Msg("inserted non-canonical block")

	return commit, nil
}

type discardItem struct {
	level  int
	parent types.Hash
}

// discardJournals collects the journal keys of every descendant of hash,
// starting at levelIndex.
func (o *nonCanonicalOverlay) discardJournals(levelIndex int, hash types.Hash, out *[][]byte) {
	stack := []discardItem{{level: levelIndex, parent: hash}}
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if item.level >= o.levels.Len() {
			continue
		}
		for _, overlay := range o.levels.At(item.level).blocks {
			if o.parents[overlay.hash].hash != item.parent {
				continue
			}
			*out = append(*out, overlay.journalKey)
			stack = append(stack, discardItem{level: item.level + 1, parent: overlay.hash})
		}
	}
}

// discardDescendants drops every descendant of hash from the tree and
// releases their values.
func (o *nonCanonicalOverlay) discardDescendants(levelIndex int, hash types.Hash) int {
	discarded := 0
	stack := []discardItem{{level: levelIndex, parent: hash}}
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if item.level >= o.levels.Len() {
			continue
		}
		level := o.levels.At(item.level)
		kept := level.blocks[:0]
		for _, overlay := range level.blocks {
			if o.parents[overlay.hash].hash != item.parent {
				kept = append(kept, overlay)
				continue
			}
			level.usedIndices &^= 1 << overlay.journalIndex
			delete(o.parents, overlay.hash)
			o.releaseValues(overlay.hash, overlay.inserted)
			stack = append(stack, discardItem{level: item.level + 1, parent: overlay.hash})
			discarded++
		}
		clear(level.blocks[len(kept):])
		level.blocks = kept
	}
	return discarded
}

// canonicalize adds the effects of making hash canonical to commit. The tree
// itself only changes in applyPending.
func (o *nonCanonicalOverlay) canonicalize(hash types.Hash, commit *types.CommitSet) (uint64, error) {
	levelIndex := len(o.pendingCanonicalizations)
	if levelIndex >= o.levels.Len() {
		return 0, fmt.Errorf("%w: %s, no level above the pending canonicalizations", ErrInvalidBlock, hash)
	}
	level := o.levels.At(levelIndex)
	winner := -1
	for i, overlay := range level.blocks {
		if overlay.hash == hash {
			winner = i
			break
		}
	}
	if winner < 0 {
		return 0, fmt.Errorf("%w: %s is not at the front level", ErrInvalidBlock, hash)
	}

	number := o.frontBlockNumber() + uint64(levelIndex)
	val, err := encodeRecord(&canonicalPointer{Hash: hash, Number: number})
	if err != nil {
		return 0, err
	}

	discarded := len(commit.Meta.Deleted)
	for i, overlay := range level.blocks {
		if i != winner {
			o.discardJournals(levelIndex+1, overlay.hash, &commit.Meta.Deleted)
		}
		commit.Meta.Deleted = append(commit.Meta.Deleted, overlay.journalKey)
	}

	overlay := level.blocks[winner]
	for _, key := range overlay.inserted {
		commit.Data.Inserted = append(commit.Data.Inserted, types.KeyValue[types.Hash]{
			Key:   key,
			Value: o.values[key].value,
		})
	}
	commit.Data.Deleted = append(commit.Data.Deleted, overlay.deleted...)
	commit.Meta.Inserted = append(commit.Meta.Inserted, types.KeyValue[[]byte]{Key: lastCanonicalKey(), Value: val})
	o.pendingCanonicalizations = append(o.pendingCanonicalizations, hash)

	logging.L.Trace().
		Stringer("hash", hash).
		Uint64("number", number).
		Int("journals_discarded", len(commit.Meta.Deleted)-discarded).
		Msg("canonicalized block")

	return number, nil
}

func (o *nonCanonicalOverlay) applyCanonicalizations() {
	for _, hash := range o.pendingCanonicalizations {
		number := o.frontBlockNumber()
		level := o.levels.PopFront()
		discarded := 0
		for _, overlay := range level.blocks {
			delete(o.parents, overlay.hash)
			if overlay.hash != hash {
				discarded += 1 + o.discardDescendants(0, overlay.hash)
			}
			o.releaseValues(overlay.hash, overlay.inserted)
		}
		o.lastCanonicalized = &canonicalPointer{Hash: hash, Number: number}
		logging.L.Trace().
			Stringer("hash", hash).
			Uint64("number", number).
			Int("discarded", discarded).
			Msg("applied canonicalization")
	}
	o.pendingCanonicalizations = nil

	for o.levels.Len() > 0 && len(o.levels.Back().blocks) == 0 {
		o.levels.PopBack()
	}
}

func (o *nonCanonicalOverlay) insertValues(kvs []types.KeyValue[types.Hash]) {
	for _, kv := range kvs {
		if existing, ok := o.values[kv.Key]; ok {
			existing.count++
			continue
		}
		o.values[kv.Key] = &refValue{count: 1, value: kv.Value}
	}
}

// releaseValues drops one reference per key held by owner. Values that are no
// longer referenced move into owner's pin snapshot if owner is pinned.
func (o *nonCanonicalOverlay) releaseValues(owner types.Hash, keys []types.Hash) {
	snapshot := o.pinned[owner]
	for _, key := range keys {
		rv, ok := o.values[key]
		if !ok {
			logging.L.Warn().Stringer("key", key).Stringer("owner", owner).Msg("released untracked value")
			continue
		}
		rv.count--
		if rv.count > 0 {
			continue
		}
		delete(o.values, key)
		if snapshot != nil {
			snapshot[key] = rv.value
		}
	}
}

func (o *nonCanonicalOverlay) get(key types.Hash) ([]byte, bool) {
	if rv, ok := o.values[key]; ok {
		return rv.value, true
	}
	for _, snapshot := range o.pinned {
		if v, ok := snapshot[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func (o *nonCanonicalOverlay) haveBlock(hash types.Hash) bool {
	_, tracked := o.parents[hash]
	if !tracked && !containsHash(o.pendingInsertions, hash) {
		return false
	}
	return !containsHash(o.pendingCanonicalizations, hash)
}

func containsHash(hashes []types.Hash, hash types.Hash) bool {
	for i := range hashes {
		if hashes[i] == hash {
			return true
		}
	}
	return false
}

// lastCanonicalizedBlockNumber includes pending canonicalizations.
func (o *nonCanonicalOverlay) lastCanonicalizedBlockNumber() (uint64, bool) {
	pending := uint64(len(o.pendingCanonicalizations))
	if o.lastCanonicalized != nil {
		return o.lastCanonicalized.Number + pending, true
	}
	if pending > 0 {
		return pending - 1, true
	}
	return 0, false
}

func (o *nonCanonicalOverlay) lastCanonicalizedHash() (types.Hash, bool) {
	if n := len(o.pendingCanonicalizations); n > 0 {
		return o.pendingCanonicalizations[n-1], true
	}
	if o.lastCanonicalized != nil {
		return o.lastCanonicalized.Hash, true
	}
	return types.Hash{}, false
}

// revertOne removes the highest level. Levels with a pending canonicalization
// can not be reverted.
func (o *nonCanonicalOverlay) revertOne() *types.CommitSet {
	if o.levels.Len() == 0 || o.levels.Len() <= len(o.pendingCanonicalizations) {
		return nil
	}
	commit := &types.CommitSet{}
	level := o.levels.PopBack()
	for _, overlay := range level.blocks {
		commit.Meta.Deleted = append(commit.Meta.Deleted, overlay.journalKey)
		delete(o.parents, overlay.hash)
		o.releaseValues(overlay.hash, overlay.inserted)
		o.pendingInsertions = removeHash(o.pendingInsertions, overlay.hash)
	}
	return commit
}

func removeHash(hashes []types.Hash, hash types.Hash) []types.Hash {
	for i := range hashes {
		if hashes[i] == hash {
			return append(hashes[:i], hashes[i+1:]...)
		}
	}
	return hashes
}

func (o *nonCanonicalOverlay) revertInsertions() {
	for i := len(o.pendingInsertions) - 1; i >= 0; i-- {
		hash := o.pendingInsertions[i]
		for l := o.levels.Len() - 1; l >= 0; l-- {
			level := o.levels.At(l)
			if len(level.blocks) == 0 || level.blocks[len(level.blocks)-1].hash != hash {
				continue
			}
			overlay := level.pop()
			delete(o.parents, overlay.hash)
			o.releaseValues(overlay.hash, overlay.inserted)
			if len(level.blocks) == 0 && l == o.levels.Len()-1 {
				o.levels.PopBack()
			}
			break
		}
	}
	o.pendingInsertions = nil

	if o.lastCanonicalizedPending && o.levels.Len() == 0 {
		o.lastCanonicalized = nil
	}
	o.lastCanonicalizedPending = false
}

func (o *nonCanonicalOverlay) applyPending() {
	o.applyCanonicalizations()
	o.pendingInsertions = nil
	o.lastCanonicalizedPending = false
}

func (o *nonCanonicalOverlay) revertPending() {
	o.pendingCanonicalizations = nil
	o.revertInsertions()
}

func (o *nonCanonicalOverlay) pin(hash types.Hash) {
	if _, ok := o.pinned[hash]; !ok {
		o.pinned[hash] = make(map[types.Hash][]byte)
	}
}

func (o *nonCanonicalOverlay) unpin(hash types.Hash) {
	delete(o.pinned, hash)
}

// branchFor returns the branch a new child of parent at number joins. The
// child continues its parent's branch unless a sibling already did.
func (o *nonCanonicalOverlay) branchFor(parent types.Hash, number uint64) uint64 {
	entry, ok := o.parents[parent]
	if !ok {
		return o.nextBranch
	}
	levelIndex := int(number - o.frontBlockNumber())
	if levelIndex < o.levels.Len() {
		for _, overlay := range o.levels.At(levelIndex).blocks {
			sibling, ok := o.parents[overlay.hash]
			if ok && sibling.hash == parent && sibling.branch == entry.branch {
				return o.nextBranch
			}
		}
	}
	return entry.branch
}

// branchRanges walks from hash down to the front level. The first range is
// the one hash is on.
func (o *nonCanonicalOverlay) branchRanges(hash types.Hash) ([]BranchRange, bool) {
	entry, ok := o.parents[hash]
	if !ok {
		return nil, false
	}
	var ranges []BranchRange
	for ok {
		if n := len(ranges); n > 0 && ranges[n-1].Branch == entry.branch {
			ranges[n-1].Start = entry.number
		} else {
			ranges = append(ranges, BranchRange{Branch: entry.branch, Start: entry.number, End: entry.number})
		}
		entry, ok = o.parents[entry.hash]
	}
	return ranges, true
}

func (o *nonCanonicalOverlay) blockCount() int {
	return len(o.parents)
}
