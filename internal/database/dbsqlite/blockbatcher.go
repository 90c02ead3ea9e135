package dbsqlite

import (
	"context"
	"database/sql"

	"github.com/setavenger/blindbit-statedb/internal/types"
)

type commitBatcher struct {
	tx      *sql.Tx
	insNode *sql.Stmt
	delNode *sql.Stmt
	insMeta *sql.Stmt
	delMeta *sql.Stmt
}

// beginBatch opens a tx and prepares the statements once.
func beginBatch(ctx context.Context, db *sql.DB) (*commitBatcher, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	b := &commitBatcher{tx: tx}
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&b.insNode, "INSERT INTO nodes(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value"},
		{&b.delNode, "DELETE FROM nodes WHERE key = ?"},
		{&b.insMeta, "INSERT INTO meta(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value"},
		{&b.delMeta, "DELETE FROM meta WHERE key = ?"},
	}
	for _, s := range stmts {
		*s.dst, err = tx.PrepareContext(ctx, s.query)
		if err != nil {
			_ = b.Rollback()
			return nil, err
		}
	}
	return b, nil
}

func (b *commitBatcher) Apply(ctx context.Context, commit *types.CommitSet) error {
	for _, kv := range commit.Data.Inserted {
		if _, err := b.insNode.ExecContext(ctx, kv.Key[:], kv.Value); err != nil {
			return err
		}
	}
	for _, key := range commit.Data.Deleted {
		if _, err := b.delNode.ExecContext(ctx, key[:]); err != nil {
			return err
		}
	}
	for _, kv := range commit.Meta.Inserted {
		if _, err := b.insMeta.ExecContext(ctx, kv.Key, kv.Value); err != nil {
			return err
		}
	}
	for _, key := range commit.Meta.Deleted {
		if _, err := b.delMeta.ExecContext(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (b *commitBatcher) closeStmts() {
	for _, s := range []*sql.Stmt{b.insNode, b.delNode, b.insMeta, b.delMeta} {
		if s != nil {
			_ = s.Close()
		}
	}
}

func (b *commitBatcher) Commit() error {
	defer b.closeStmts()
	return b.tx.Commit()
}

func (b *commitBatcher) Rollback() error {
	defer b.closeStmts()
	return b.tx.Rollback()
}
