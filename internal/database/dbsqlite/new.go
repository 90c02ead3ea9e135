package dbsqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // driver
)

func OpenDB(dataDir string) (*sql.DB, error) {
	dir := filepath.Join(dataDir, "sqlite")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	dsn := "file:" + filepath.Join(dir, "db") +
		"?_txlock=immediate" + // BEGIN IMMEDIATE-style txns
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// a single connection avoids SQLITE_BUSY between the importer and readers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Open opens the store below dataDir.
func Open(dataDir string) (*Store, error) {
	db, err := OpenDB(dataDir)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

const schemaSQL = `
-- Content-addressed state nodes
CREATE TABLE IF NOT EXISTS nodes (
  key   BLOB PRIMARY KEY,
  value BLOB
) STRICT, WITHOUT ROWID;

-- Engine journals and pointers
CREATE TABLE IF NOT EXISTS meta (
  key   BLOB PRIMARY KEY,
  value BLOB
) STRICT, WITHOUT ROWID;
`
