// Package chainsim generates a deterministic chain with short-lived forks.
// Every value is content addressed, so blocks on different forks never
// disagree about the value of a key.
package chainsim

import (
	"context"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/setavenger/blindbit-statedb/internal/logging"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

type Config struct {
	Seed int64
	// ForkProbability is the chance that a height gets a sibling of the main block.
	ForkProbability float64
	KeysPerBlock    int
	// DeletesPerBlock caps how many canonical keys a main chain block deletes.
	DeletesPerBlock int
	// MaxForkLength ends a fork once it holds this many blocks. Zero means
	// forks only end by chance.
	MaxForkLength int
}

type Generator struct {
	cfg Config
	rng *rand.Rand

	height uint64
	// main holds the main chain hash of every generated height, main[0] is
	// the zero parent of block 1.
	main []types.Hash
	// forkTip is the last block of the current fork, if one is alive.
	forkTip *types.Block
	forkLen int
	// live are keys inserted on the main chain that were not deleted yet.
	live []types.Hash
}

func New(cfg Config) *Generator {
	return &Generator{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		main: []types.Hash{{}},
	}
}

func (g *Generator) Height() uint64 {
	return g.height
}

// CanonicalAt returns the main chain block at number.
func (g *Generator) CanonicalAt(number uint64) (types.Hash, bool) {
	if number == 0 || number > g.height {
		return types.Hash{}, false
	}
	return g.main[number], true
}

// Next generates all blocks of the next height. The main chain block is first.
func (g *Generator) Next() []types.Block {
	g.height++
	number := g.height
	parent := g.main[number-1]

	mainBlock := g.makeBlock(parent, number, g.takeDeletes())
	g.main = append(g.main, mainBlock.Hash)
	for _, kv := range mainBlock.Changes.Inserted {
		g.live = append(g.live, kv.Key)
	}
	blocks := []types.Block{mainBlock}

	if g.forkTip != nil {
		extend := g.rng.Float64() < 0.5
		if g.cfg.MaxForkLength > 0 && g.forkLen >= g.cfg.MaxForkLength {
			extend = false
		}
		if extend {
			child := g.makeBlock(g.forkTip.Hash, number, nil)
			g.forkTip = &child
			g.forkLen++
			blocks = append(blocks, child)
		} else {
			g.forkTip = nil
		}
	}
	if g.forkTip == nil && g.rng.Float64() < g.cfg.ForkProbability {
		fork := g.makeBlock(parent, number, nil)
		g.forkTip = &fork
		g.forkLen = 1
		blocks = append(blocks, fork)
	}

	logging.L.Trace().
		Uint64("height", number).
		Int("blocks", len(blocks)).
		Int("live_keys", len(g.live)).
		Msg("generated height")
	return blocks
}

func (g *Generator) makeBlock(parent types.Hash, number uint64, deleted []types.Hash) types.Block {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], g.rng.Uint64())
	header := make([]byte, 0, types.HashSize+8+len(seed))
	header = append(header, parent[:]...)
	header = binary.LittleEndian.AppendUint64(header, number)
	header = append(header, seed[:]...)
	hash := chainhash.DoubleHashH(header)

	values := make([][]byte, g.cfg.KeysPerBlock)
	for i := range values {
		values[i] = binary.LittleEndian.AppendUint64(append(hash.CloneBytes(), 'v'), uint64(i))
	}
	return types.Block{
		Hash:    hash,
		Parent:  parent,
		Number:  number,
		Changes: types.NewChangeSet(values, deleted),
	}
}

// takeDeletes picks random live keys for the next main chain block.
func (g *Generator) takeDeletes() []types.Hash {
	n := g.cfg.DeletesPerBlock
	if n > len(g.live) {
		n = len(g.live)
	}
	if n == 0 {
		return nil
	}
	deleted := make([]types.Hash, 0, n)
	for i := 0; i < n; i++ {
		j := g.rng.Intn(len(g.live))
		deleted = append(deleted, g.live[j])
		g.live[j] = g.live[len(g.live)-1]
		g.live = g.live[:len(g.live)-1]
	}
	return deleted
}

// Source paces a Generator so it can feed a long running import loop.
type Source struct {
	Generator *Generator
	Interval  time.Duration
}

func (s *Source) Next(ctx context.Context) ([]types.Block, error) {
	if s.Interval > 0 {
		timer := time.NewTimer(s.Interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Generator.Next(), nil
}

func (s *Source) CanonicalAt(number uint64) (types.Hash, bool) {
	return s.Generator.CanonicalAt(number)
}
