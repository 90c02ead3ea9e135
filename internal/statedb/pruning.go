package statedb

import (
	"bytes"
	"sort"

	"github.com/gammazero/deque"
	"github.com/setavenger/blindbit-statedb/internal/database"
	"github.com/setavenger/blindbit-statedb/internal/logging"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

// Rough per-entry sizes used to estimate the window's memory.
const (
	memPerDeathKey = 2*types.HashSize + 8
	memPerDeathRow = types.HashSize + 64
)

type deathRow struct {
	hash       types.Hash
	journalKey []byte
	deleted    map[types.Hash]struct{}
}

// pruningWindow holds one death row per canonical block that has not been
// pruned yet. Row i belongs to block pendingNumber+i.
type pruningWindow struct {
	deathRows  *deque.Deque[*deathRow]
	deathIndex map[types.Hash]uint64
	// pendingNumber is the block number of the first row.
	pendingNumber uint64

	pendingCanonicalizations int
	pendingPrunings          int
}

func newPruningWindow(db database.MetaDB) (*pruningWindow, error) {
	var lastPruned uint64
	ok, err := readRecord(db, lastPrunedKey(), &lastPruned)
	if err != nil {
		return nil, err
	}
	pendingNumber := uint64(0)
	if ok {
		pendingNumber = lastPruned + 1
	}

	w := &pruningWindow{
		deathRows:     deque.New[*deathRow](),
		deathIndex:    make(map[types.Hash]uint64),
		pendingNumber: pendingNumber,
	}

	logging.L.Trace().Uint64("block", pendingNumber).Msg("reading pruning journal")
	for block := pendingNumber; ; block++ {
		key := pruningJournalKey(block)
		var record pruningRecord
		ok, err := readRecord(db, key, &record)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		logging.L.Trace().
			Uint64("block", block).
			Stringer("hash", record.Hash).
			Int("deleted", len(record.Deleted)).
			Msg("pruning_journal_replayed")
		w.importRow(record.Hash, key, record.Inserted, record.Deleted)
	}
	return w, nil
}

// importRow pushes a new death row. Keys in inserted that are still scheduled
// for deletion in an earlier row survive.
func (w *pruningWindow) importRow(hash types.Hash, journalKey []byte, inserted, deleted []types.Hash) {
	for _, key := range inserted {
		block, ok := w.deathIndex[key]
		if !ok {
			continue
		}
		delete(w.deathIndex, key)
		if block >= w.pendingNumber {
			delete(w.deathRows.At(int(block-w.pendingNumber)).deleted, key)
		}
	}

	imported := w.pendingNumber + uint64(w.deathRows.Len())
	row := &deathRow{
		hash:       hash,
		journalKey: journalKey,
		deleted:    make(map[types.Hash]struct{}, len(deleted)),
	}
	for _, key := range deleted {
		w.deathIndex[key] = imported
		row.deleted[key] = struct{}{}
	}
	w.deathRows.PushBack(row)
}

// noteCanonical moves the deletions of a canonicalization commit into a new
// death row.
func (w *pruningWindow) noteCanonical(hash types.Hash, commit *types.CommitSet) {
	inserted := insertedKeys(commit.Data.Inserted)
	deleted := commit.Data.Deleted
	commit.Data.Deleted = nil

	block := w.pendingNumber + uint64(w.deathRows.Len())
	journalKey := pruningJournalKey(block)
	val := mustEncodeRecord(&pruningRecord{Hash: hash, Inserted: inserted, Deleted: deleted})
	commit.Meta.Inserted = append(commit.Meta.Inserted, types.KeyValue[[]byte]{Key: journalKey, Value: val})

	w.importRow(hash, journalKey, inserted, deleted)
	w.pendingCanonicalizations++
}

// pruneOne schedules the deletions of the oldest unpruned row.
func (w *pruningWindow) pruneOne(commit *types.CommitSet) {
	if w.pendingPrunings >= w.deathRows.Len() {
		logging.L.Warn().Msg("trying to prune when there's nothing to prune")
		return
	}
	row := w.deathRows.At(w.pendingPrunings)
	index := w.pendingNumber + uint64(w.pendingPrunings)

	keys := make([]types.Hash, 0, len(row.deleted))
	for key := range row.deleted {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

	commit.Data.Deleted = append(commit.Data.Deleted, keys...)
	commit.Meta.Inserted = append(commit.Meta.Inserted, types.KeyValue[[]byte]{
		Key:   lastPrunedKey(),
		Value: mustEncodeRecord(index),
	})
	commit.Meta.Deleted = append(commit.Meta.Deleted, row.journalKey)
	w.pendingPrunings++

	logging.L.Trace().
		Uint64("block", index).
		Stringer("hash", row.hash).
		Int("deleted", len(keys)).
		Msg("pruning block")
}

func (w *pruningWindow) applyPending() {
	w.pendingCanonicalizations = 0
	for ; w.pendingPrunings > 0; w.pendingPrunings-- {
		row := w.deathRows.PopFront()
		for key := range row.deleted {
			if block, ok := w.deathIndex[key]; ok && block == w.pendingNumber {
				delete(w.deathIndex, key)
			}
		}
		w.pendingNumber++
	}
}

// revertPending drops rows added since the last apply. Keys that were removed
// from older rows by those reinsertions stay removed, so they are never pruned.
func (w *pruningWindow) revertPending() {
	newMax := w.deathRows.Len() - w.pendingCanonicalizations
	for w.deathRows.Len() > newMax {
		w.deathRows.PopBack()
	}
	maxBlock := w.pendingNumber + uint64(newMax)
	for key, block := range w.deathIndex {
		if block >= maxBlock {
			delete(w.deathIndex, key)
		}
	}
	w.pendingCanonicalizations = 0
	w.pendingPrunings = 0
}

func (w *pruningWindow) windowSize() uint64 {
	return uint64(w.deathRows.Len() - w.pendingPrunings)
}

func (w *pruningWindow) nextHash() (types.Hash, bool) {
	if w.pendingPrunings >= w.deathRows.Len() {
		return types.Hash{}, false
	}
	return w.deathRows.At(w.pendingPrunings).hash, true
}

// pending is the number of the first block that is not pruned, counting
// pending prunings.
func (w *pruningWindow) pending() uint64 {
	return w.pendingNumber + uint64(w.pendingPrunings)
}

func (w *pruningWindow) haveBlock(hash types.Hash) bool {
	for i := w.pendingPrunings; i < w.deathRows.Len(); i++ {
		if w.deathRows.At(i).hash == hash {
			return true
		}
	}
	return false
}

func (w *pruningWindow) memUsed() uint64 {
	return uint64(len(w.deathIndex))*memPerDeathKey + uint64(w.deathRows.Len())*memPerDeathRow
}
