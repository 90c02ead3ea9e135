package statedb

import "fmt"

const (
	ModeArchiveAll       = "archive"
	ModeArchiveCanonical = "archive_canonical"
	ModeConstrained      = "constrained"
)

// Constraints bound the pruning window.
type Constraints struct {
	// MaxBlocks is the number of canonical blocks kept unpruned.
	MaxBlocks uint32
	// MaxMem limits the window's estimated memory in bytes. Zero means unset.
	MaxMem uint64
}

// PruningMode selects what gets discarded. It is chosen once per store. The
// zero value is Constrained without any retention.
type PruningMode struct {
	id          string
	constraints Constraints
}

// ArchiveAll keeps every block, canonical or not.
func ArchiveAll() PruningMode {
	return PruningMode{id: ModeArchiveAll}
}

// ArchiveCanonical discards non-canonical blocks but never prunes canonical data.
func ArchiveCanonical() PruningMode {
	return PruningMode{id: ModeArchiveCanonical}
}

// Constrained keeps a bounded window of canonical blocks.
func Constrained(c Constraints) PruningMode {
	return PruningMode{id: ModeConstrained, constraints: c}
}

// KeepBlocks is Constrained with only a block limit.
func KeepBlocks(n uint32) PruningMode {
	return Constrained(Constraints{MaxBlocks: n})
}

// ParsePruningMode builds a mode from its persisted id and the constraint settings.
func ParsePruningMode(id string, maxBlocks uint32, maxMem uint64) (PruningMode, error) {
	switch id {
	case ModeArchiveAll:
		return ArchiveAll(), nil
	case ModeArchiveCanonical:
		return ArchiveCanonical(), nil
	case ModeConstrained:
		return Constrained(Constraints{MaxBlocks: maxBlocks, MaxMem: maxMem}), nil
	default:
		return PruningMode{}, fmt.Errorf("unknown pruning mode %q", id)
	}
}

// ID is the value persisted under the mode meta key.
func (m PruningMode) ID() string {
	if m.id == "" {
		return ModeConstrained
	}
	return m.id
}

func (m PruningMode) IsArchiveAll() bool { return m.ID() == ModeArchiveAll }

func (m PruningMode) IsArchiveCanonical() bool { return m.ID() == ModeArchiveCanonical }

func (m PruningMode) IsConstrained() bool { return m.ID() == ModeConstrained }

func (m PruningMode) Constraints() Constraints { return m.constraints }

func (m PruningMode) String() string {
	if !m.IsConstrained() {
		return m.ID()
	}
	if m.constraints.MaxMem == 0 {
		return fmt.Sprintf("%s(max_blocks=%d)", m.ID(), m.constraints.MaxBlocks)
	}
	return fmt.Sprintf("%s(max_blocks=%d,max_mem=%d)", m.ID(), m.constraints.MaxBlocks, m.constraints.MaxMem)
}
