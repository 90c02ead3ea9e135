package statedb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/setavenger/blindbit-statedb/internal/database"
	"github.com/setavenger/blindbit-statedb/internal/logging"
	"github.com/setavenger/blindbit-statedb/internal/types"
	"github.com/vmihailenco/msgpack/v4"
)

// Reserved meta key prefixes. These must never change for existing stores.
var (
	prefixMode                = []byte("mode")
	prefixNonCanonicalJournal = []byte("noncanonical_journal")
	prefixLastCanonical       = []byte("last_canonical")
	prefixPruningJournal      = []byte("pruning_journal")
	prefixLastPruned          = []byte("last_pruned")
)

var errUncompressedValue = errors.New("could not uncompress data")

// metaKey lays out the little-endian suffix fields followed by the prefix.
func metaKey(prefix []byte, suffix ...uint64) []byte {
	key := make([]byte, 0, 8*len(suffix)+len(prefix))
	for _, s := range suffix {
		key = binary.LittleEndian.AppendUint64(key, s)
	}
	return append(key, prefix...)
}

func modeKey() []byte { return metaKey(prefixMode) }

func lastCanonicalKey() []byte { return metaKey(prefixLastCanonical) }

func lastPrunedKey() []byte { return metaKey(prefixLastPruned) }

func nonCanonicalJournalKey(block, index uint64) []byte {
	return metaKey(prefixNonCanonicalJournal, block, index)
}

func pruningJournalKey(block uint64) []byte {
	return metaKey(prefixPruningJournal, block)
}

// journalRecord is written for every block inserted into the overlay.
type journalRecord struct {
	Hash   types.Hash `msgpack:"hash"`
	Parent types.Hash `msgpack:"parent"`
	// Branch is 0 in records written before branches were tracked.
	Branch   uint64                       `msgpack:"branch"`
	Inserted []types.KeyValue[types.Hash] `msgpack:"inserted"`
	Deleted  []types.Hash                 `msgpack:"deleted"`
}

// pruningRecord is written for every canonicalized block in the pruning window.
type pruningRecord struct {
	Hash     types.Hash   `msgpack:"hash"`
	Inserted []types.Hash `msgpack:"inserted"`
	Deleted  []types.Hash `msgpack:"deleted"`
}

type canonicalPointer struct {
	Hash   types.Hash `msgpack:"hash"`
	Number uint64     `msgpack:"number"`
}

func encodeRecord(record interface{}) ([]byte, error) {
	val, err := msgpack.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("could not encode record: %w", err)
	}
	return snappy.Encode(nil, val), nil
}

// mustEncodeRecord is for records that are built from already validated
// data. A failure here means the record types themselves are broken.
func mustEncodeRecord(record interface{}) []byte {
	val, err := encodeRecord(record)
	if err != nil {
		logging.L.Panic().Err(err).Msg("error encoding record")
	}
	return val
}

func decodeRecord(val []byte, record interface{}) error {
	raw, err := snappy.Decode(nil, val)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecoding, err, errUncompressedValue)
	}
	if err = msgpack.Unmarshal(raw, record); err != nil {
		return fmt.Errorf("%w: %w", ErrDecoding, err)
	}
	return nil
}

// readRecord loads and decodes key. ok is false when the key is absent.
func readRecord(db database.MetaDB, key []byte, record interface{}) (bool, error) {
	val, ok, err := db.GetMeta(key)
	if err != nil {
		return false, &DBError{Err: err}
	}
	if !ok {
		return false, nil
	}
	if err := decodeRecord(val, record); err != nil {
		return false, err
	}
	return true, nil
}

// JournalInfo summarizes the engine's bookkeeping as found in a store.
type JournalInfo struct {
	Mode          string
	LastCanonical *types.Hash
	// LastCanonicalNumber is only meaningful if LastCanonical is set.
	LastCanonicalNumber uint64
	LastPruned          *uint64
	// NonCanonicalEntries counts journal records per level, starting above
	// the last canonical block.
	NonCanonicalEntries []int
	PruningEntries      int
}

// ReadJournalInfo reads the persisted state without building an engine.
func ReadJournalInfo(db database.MetaDB) (*JournalInfo, error) {
	info := &JournalInfo{}

	mode, ok, err := db.GetMeta(modeKey())
	if err != nil {
		return nil, &DBError{Err: err}
	}
	if ok {
		info.Mode = string(mode)
	}

	var pointer canonicalPointer
	ok, err = readRecord(db, lastCanonicalKey(), &pointer)
	if err != nil {
		return nil, err
	}
	block := uint64(0)
	if ok {
		info.LastCanonical = &pointer.Hash
		info.LastCanonicalNumber = pointer.Number
		block = pointer.Number + 1
	}

	for {
		count := 0
		for index := uint64(0); index < maxBlocksPerLevel; index++ {
			_, ok, err := db.GetMeta(nonCanonicalJournalKey(block, index))
			if err != nil {
				return nil, &DBError{Err: err}
			}
			if ok {
				count++
			}
		}
		if count == 0 {
			break
		}
		info.NonCanonicalEntries = append(info.NonCanonicalEntries, count)
		block++
	}

	var lastPruned uint64
	ok, err = readRecord(db, lastPrunedKey(), &lastPruned)
	if err != nil {
		return nil, err
	}
	next := uint64(0)
	if ok {
		info.LastPruned = &lastPruned
		next = lastPruned + 1
	}
	for {
		_, ok, err := db.GetMeta(pruningJournalKey(next))
		if err != nil {
			return nil, &DBError{Err: err}
		}
		if !ok {
			break
		}
		info.PruningEntries++
		next++
	}
	return info, nil
}
