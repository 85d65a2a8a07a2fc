package partition

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

// CatalogFileName is the metadata database kept inside every spill directory.
const CatalogFileName = "catalog.db"

// Catalog records the schema and spilled partitions of a spill directory in
// a small SQLite database, so a dataset that was partitioned once can be
// reopened and executed again without re-reading the source. Paths are
// stored relative to the directory, which keeps the directory relocatable.
type Catalog struct {
	mu   sync.Mutex
	db   *sql.DB
	dir  string
	path string
}

// OpenCatalog opens (or creates) the catalog database inside dir.
func OpenCatalog(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			fmt.Sprintf("failed to create spill directory %s", dir), err)
	}

	dbPath := filepath.Join(dir, CatalogFileName)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			fmt.Sprintf("failed to open catalog %s", dbPath), err)
	}
	// Single writer; readers share the same handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{db: db, dir: dir, path: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS partitions (
			idx          INTEGER PRIMARY KEY,
			partition_id TEXT NOT NULL,
			file_name    TEXT NOT NULL,
			sidecar_name TEXT NOT NULL,
			row_count    INTEGER NOT NULL,
			size_bytes   INTEGER NOT NULL,
			created_at   INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return tesserr.NewStorageError(tesserr.CodeCatalogFailed,
				"failed to initialize catalog schema", err)
		}
	}
	return nil
}

// Path returns the catalog database path.
func (c *Catalog) Path() string {
	return c.path
}

// SaveSchema stores the dataset schema.
func (c *Catalog) SaveSchema(ctx context.Context, schema types.Schema) error {
	payload, err := json.Marshal(schema)
	if err != nil {
		return tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			"failed to encode schema", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES ('schema', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		string(payload))
	if err != nil {
		return tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			"failed to save schema", err)
	}
	return nil
}

// Schema loads the dataset schema recorded by SaveSchema.
func (c *Catalog) Schema(ctx context.Context) (types.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var payload string
	err := c.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'schema'").Scan(&payload)
	if err == sql.ErrNoRows {
		return types.Schema{}, tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			fmt.Sprintf("catalog %s has no schema; was anything spilled here?", c.path), nil)
	}
	if err != nil {
		return types.Schema{}, tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			"failed to read schema", err)
	}

	var schema types.Schema
	if err := json.Unmarshal([]byte(payload), &schema); err != nil {
		return types.Schema{}, tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			"failed to decode schema", err)
	}
	return schema, nil
}

// Register adds one spilled partition. Re-registering an index overwrites the
// previous row, which makes Spill idempotent per index.
func (c *Catalog) Register(ctx context.Context, info *SpillInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO partitions (idx, partition_id, file_name, sidecar_name, row_count, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idx) DO UPDATE SET
			partition_id = excluded.partition_id,
			file_name    = excluded.file_name,
			sidecar_name = excluded.sidecar_name,
			row_count    = excluded.row_count,
			size_bytes   = excluded.size_bytes,
			created_at   = excluded.created_at`,
		info.Index, info.PartitionID,
		filepath.Base(info.Path), filepath.Base(info.SidecarPath),
		info.RowCount, info.SizeBytes, time.Now().Unix(),
	)
	if err != nil {
		return tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			fmt.Sprintf("failed to register partition %s", info.PartitionID), err)
	}
	return nil
}

// Replace swaps the full partition set in one transaction. Compaction uses
// this so a crash mid-rewrite never leaves a half-updated catalog.
func (c *Catalog) Replace(ctx context.Context, infos []*SpillInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			"failed to begin catalog transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM partitions"); err != nil {
		return tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			"failed to clear partitions", err)
	}
	now := time.Now().Unix()
	for _, info := range infos {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO partitions (idx, partition_id, file_name, sidecar_name, row_count, size_bytes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			info.Index, info.PartitionID,
			filepath.Base(info.Path), filepath.Base(info.SidecarPath),
			info.RowCount, info.SizeBytes, now,
		)
		if err != nil {
			return tesserr.NewStorageError(tesserr.CodeCatalogFailed,
				fmt.Sprintf("failed to register partition %s", info.PartitionID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			"failed to commit catalog transaction", err)
	}
	return nil
}

// Partitions returns all registered partitions ordered by index, with paths
// resolved against the catalog directory.
func (c *Catalog) Partitions(ctx context.Context) ([]*SpillInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, `
		SELECT idx, partition_id, file_name, sidecar_name, row_count, size_bytes
		FROM partitions ORDER BY idx`)
	if err != nil {
		return nil, tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			"failed to list partitions", err)
	}
	defer rows.Close()

	var infos []*SpillInfo
	for rows.Next() {
		var info SpillInfo
		var fileName, sidecarName string
		if err := rows.Scan(&info.Index, &info.PartitionID, &fileName, &sidecarName,
			&info.RowCount, &info.SizeBytes); err != nil {
			return nil, tesserr.NewStorageError(tesserr.CodeCatalogFailed,
				"failed to scan partition row", err)
		}
		info.Path = filepath.Join(c.dir, fileName)
		info.SidecarPath = filepath.Join(c.dir, sidecarName)
		infos = append(infos, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			"failed to iterate partitions", err)
	}
	return infos, nil
}

// Clear removes every partition row but keeps the schema.
func (c *Catalog) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, "DELETE FROM partitions"); err != nil {
		return tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			"failed to clear partitions", err)
	}
	return nil
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
