// Package indexer drives a StateDB from a block source and writes every
// resulting commit set to the backing store.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/setavenger/blindbit-statedb/internal/database"
	"github.com/setavenger/blindbit-statedb/internal/logging"
	"github.com/setavenger/blindbit-statedb/internal/metrics"
	"github.com/setavenger/blindbit-statedb/internal/statedb"
	"github.com/setavenger/blindbit-statedb/internal/types"
)

// Source delivers the blocks of one height per call.
type Source interface {
	Next(ctx context.Context) ([]types.Block, error)
	// CanonicalAt returns the block at number that will never be reorged.
	CanonicalAt(number uint64) (types.Hash, bool)
}

// heightBatch is one height worth of blocks plus the block that became
// final with it.
type heightBatch struct {
	number    uint64
	blocks    []types.Block
	finalized *types.Hash
}

type Builder struct {
	store  database.Store
	state  *statedb.StateDB
	source Source

	// finalityDepth is how many heights a block waits before it is canonicalized
	finalityDepth uint64
	metrics       metrics.ImportMetrics

	// dropped holds blocks skipped on discarded forks by height, so their
	// descendants are skipped too
	dropped map[types.Hash]uint64
}

type Option func(*Builder)

func WithMetrics(m metrics.ImportMetrics) Option {
	return func(b *Builder) {
		b.metrics = m
	}
}

func NewBuilder(
	store database.Store, state *statedb.StateDB, source Source, finalityDepth uint64, opts ...Option,
) *Builder {
	b := &Builder{
		store:         store,
		state:         state,
		source:        source,
		finalityDepth: finalityDepth,
		metrics:       metrics.NewNoopCollector(),
		dropped:       make(map[types.Hash]uint64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ContinuousSync imports heights until ctx is done or an import fails.
func (b *Builder) ContinuousSync(ctx context.Context) error {
	return b.SyncBlocks(ctx, 0)
}

// SyncBlocks imports count heights. Zero means no limit.
func (b *Builder) SyncBlocks(ctx context.Context, count uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// heights are pulled ahead and pushed through the channel to the single writer
	blockChan := make(chan *heightBatch, 20)

	errChan := make(chan error, 1)
	go func() {
		defer close(blockChan)
		for i := uint64(0); count == 0 || i < count; i++ {
			batch, err := b.pull(ctx)
			if err != nil {
				errChan <- err
				return
			}
			select {
			case blockChan <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	tickerInfo := time.NewTicker(15 * time.Second)
	defer tickerInfo.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errChan:
			return b.pullFailed(err)
		case <-tickerInfo.C:
			st := b.state.Stats()
			logging.L.Info().
				Uint64("best_canonical", st.BestCanonical).
				Int("overlay_blocks", st.OverlayBlocks).
				Uint64("window_size", st.WindowSize).
				Int("backlog_chan_pull", len(blockChan)).
				Msg("state_update")
		case batch, ok := <-blockChan:
			if !ok {
				// the puller reports its error before closing
				select {
				case err := <-errChan:
					return b.pullFailed(err)
				default:
					return nil
				}
			}
			if err := b.handleHeight(batch); err != nil {
				logging.L.Err(err).Uint64("height", batch.number).Msg("failed handling height")
				return err
			}
		}
	}
}

func (b *Builder) pullFailed(err error) error {
	if !errors.Is(err, context.Canceled) {
		logging.L.Err(err).Msg("there was an error pulling blocks")
	}
	return err
}

func (b *Builder) pull(ctx context.Context) (*heightBatch, error) {
	blocks, err := b.source.Next(ctx)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, errors.New("source returned an empty height")
	}
	batch := &heightBatch{number: blocks[0].Number, blocks: blocks}
	if batch.number > b.finalityDepth {
		if hash, ok := b.source.CanonicalAt(batch.number - b.finalityDepth); ok {
			batch.finalized = &hash
		}
	}
	return batch, nil
}

func (b *Builder) handleHeight(batch *heightBatch) error {
	for i := range batch.blocks {
		if err := b.ImportBlock(&batch.blocks[i]); err != nil {
			return err
		}
	}
	if batch.finalized == nil {
		return nil
	}
	return b.Finalize(*batch.finalized, batch.number-b.finalityDepth)
}

// ImportBlock inserts block and writes the result. Blocks that are already
// known, for example after a restart, are skipped. So are blocks whose parent
// sits at or below the finalized height, or was itself skipped, since they can
// no longer become canonical.
func (b *Builder) ImportBlock(block *types.Block) error {
	best, hasBest := b.state.BestCanonical()
	if hasBest && block.Number <= best {
		return nil
	}
	if _, ok := b.dropped[block.Parent]; ok {
		b.drop(block)
		return nil
	}
	commit, err := b.state.InsertBlock(block.Hash, block.Number, block.Parent, block.Changes)
	if errors.Is(err, statedb.ErrDuplicateBlock) {
		logging.L.Debug().Stringer("hash", block.Hash).Uint64("number", block.Number).Msg("block already imported")
		return nil
	}
	if errors.Is(err, statedb.ErrInvalidParent) && hasBest && block.Number-1 <= best {
		// the fork below it was discarded when a sibling was finalized
		b.drop(block)
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert block %s: %w", block.Hash, err)
	}
	logging.L.Trace().
		Stringer("hash", block.Hash).
		Uint64("number", block.Number).
		Int("inserted", len(block.Changes.Inserted)).
		Int("deleted", len(block.Changes.Deleted)).
		Msg("importing block")
	return b.write(commit)
}

func (b *Builder) drop(block *types.Block) {
	b.dropped[block.Hash] = block.Number
	logging.L.Debug().
		Stringer("hash", block.Hash).
		Stringer("parent", block.Parent).
		Uint64("number", block.Number).
		Msg("dropping block on a discarded fork")
}

// Finalize canonicalizes hash at number unless it is final already.
func (b *Builder) Finalize(hash types.Hash, number uint64) error {
	if best, ok := b.state.BestCanonical(); ok && number <= best {
		return nil
	}
	commit, _, err := b.state.CanonicalizeBlock(hash)
	if err != nil {
		return fmt.Errorf("canonicalize block %s: %w", hash, err)
	}
	if err := b.write(commit); err != nil {
		return err
	}
	// children of these are caught by their parent's height from now on
	for h, n := range b.dropped {
		if n <= number {
			delete(b.dropped, h)
		}
	}
	logging.L.Debug().Stringer("hash", hash).Uint64("number", number).Msg("block finalized")
	return nil
}

// write commits to the store and settles the engine's pending state.
func (b *Builder) write(commit *types.CommitSet) error {
	start := time.Now()
	if err := b.store.Commit(commit); err != nil {
		b.metrics.CommitFailed()
		b.state.RevertPending()
		return fmt.Errorf("commit: %w", err)
	}
	b.metrics.CommitDuration(time.Since(start).Seconds())
	b.state.ApplyPending()
	return nil
}
