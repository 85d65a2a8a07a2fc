package partition

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tessera-etl/tessera/internal/bloom"
	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

// SpillInfo describes one spilled partition on disk.
type SpillInfo struct {
	PartitionID string
	Index       int
	Path        string
	SidecarPath string
	RowCount    int64
	SizeBytes   int64
}

// SpillStore writes partitions to SQLite files so a dataset larger than
// memory can be partitioned once and executed partition-by-partition. Each
// spilled partition gets a JSON sidecar with statistics and optional bloom
// filters for pruning, and every spill is recorded in the directory's
// catalog so the store can be reopened later with OpenSpillStore.
type SpillStore struct {
	mu           sync.RWMutex
	dir          string
	schema       types.Schema
	bloomColumns []string
	bloomFPR     float64
	infos        map[int]*SpillInfo
	catalog      *Catalog
}

// SpillOption configures a SpillStore.
type SpillOption func(*SpillStore)

// WithBloomColumns selects the columns to build bloom filters for on spill.
func WithBloomColumns(columns ...string) SpillOption {
	return func(s *SpillStore) {
		s.bloomColumns = columns
	}
}

// WithBloomFPR sets the target false positive rate for bloom filters.
func WithBloomFPR(fpr float64) SpillOption {
	return func(s *SpillStore) {
		s.bloomFPR = fpr
	}
}

// NewSpillStore creates a fresh spill store rooted at dir. Any partitions a
// previous store registered in the directory's catalog are forgotten.
func NewSpillStore(dir string, schema types.Schema, opts ...SpillOption) (*SpillStore, error) {
	if err := schema.Validate(); err != nil {
		return nil, tesserr.NewSchemaError(tesserr.CodeEmptySchema,
			fmt.Sprintf("spill store needs a valid schema: %v", err))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("partition: failed to create spill directory: %w", err)
	}

	catalog, err := OpenCatalog(dir)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if err := catalog.SaveSchema(ctx, schema); err != nil {
		catalog.Close()
		return nil, err
	}
	if err := catalog.Clear(ctx); err != nil {
		catalog.Close()
		return nil, err
	}

	s := &SpillStore{
		dir:      dir,
		schema:   schema,
		bloomFPR: 0.01,
		infos:    make(map[int]*SpillInfo),
		catalog:  catalog,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OpenSpillStore reopens a directory previously written by a SpillStore,
// restoring the schema and partition set from its catalog.
func OpenSpillStore(dir string, opts ...SpillOption) (*SpillStore, error) {
	if _, err := os.Stat(filepath.Join(dir, CatalogFileName)); err != nil {
		return nil, tesserr.NewStorageError(tesserr.CodeCatalogFailed,
			fmt.Sprintf("%s is not a spill directory", dir), err)
	}

	catalog, err := OpenCatalog(dir)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	schema, err := catalog.Schema(ctx)
	if err != nil {
		catalog.Close()
		return nil, err
	}
	infos, err := catalog.Partitions(ctx)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	s := &SpillStore{
		dir:      dir,
		schema:   schema,
		bloomFPR: 0.01,
		infos:    make(map[int]*SpillInfo, len(infos)),
		catalog:  catalog,
	}
	for _, info := range infos {
		s.infos[info.Index] = info
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Spill writes one partition to disk, records its sidecar, and registers it
// in the catalog.
func (s *SpillStore) Spill(ctx context.Context, part *types.Partition) (*SpillInfo, error) {
	info, err := s.writePartitionFile(ctx, part)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.Register(ctx, info); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.infos[info.Index] = info
	s.mu.Unlock()

	return info, nil
}

// writePartitionFile writes the SQLite file and sidecar for a partition
// without touching the catalog or the in-memory index.
func (s *SpillStore) writePartitionFile(ctx context.Context, part *types.Partition) (*SpillInfo, error) {
	if part == nil || len(part.Records) == 0 {
		return nil, fmt.Errorf("partition: cannot spill an empty partition")
	}

	sqlitePath := filepath.Clean(filepath.Join(s.dir, fmt.Sprintf("%s.sqlite", part.ID)))

	db, err := sql.Open("sqlite3", sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("partition: failed to create spill database: %w", err)
	}
	defer db.Close()

	// WAL during the build, DELETE once the file is immutable
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("partition: failed to set journal mode: %w", err)
	}

	createTableSQL := `
		CREATE TABLE records (
			seq INTEGER PRIMARY KEY,
			payload BLOB NOT NULL
		)
	`
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("partition: failed to create records table: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, "INSERT INTO records (seq, payload) VALUES (?, ?)")
	if err != nil {
		return nil, fmt.Errorf("partition: failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	stats := NewStatsTracker(s.schema)
	blooms := s.newBloomFilters(len(part.Records))

	for seq, rec := range part.Records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("partition: failed to marshal record: %w", err)
		}
		compressed := snappy.Encode(nil, payload)

		if _, err := stmt.ExecContext(ctx, seq, compressed); err != nil {
			return nil, fmt.Errorf("partition: failed to insert record: %w", err)
		}

		stats.Update(rec)
		for column, f := range blooms {
			if v, ok := rec[column]; ok && !v.IsNull() {
				f.AddValue(v)
			}
		}
	}

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("partition: failed to checkpoint WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return nil, fmt.Errorf("partition: failed to set journal mode to DELETE: %w", err)
	}
	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("partition: failed to close spill database: %w", err)
	}

	fileInfo, err := os.Stat(sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("partition: failed to stat spill file: %w", err)
	}

	info := &SpillInfo{
		PartitionID: part.ID,
		Index:       part.Index,
		Path:        sqlitePath,
		SidecarPath: SidecarPath(sqlitePath),
		RowCount:    int64(len(part.Records)),
		SizeBytes:   fileInfo.Size(),
	}

	sidecar := NewSidecar(info, s.schema, stats, blooms)
	if err := sidecar.WriteToFile(info.SidecarPath); err != nil {
		return nil, err
	}
	return info, nil
}

// SpillAll drains a partition iterator into the store. Only one partition is
// held in memory at a time.
func (s *SpillStore) SpillAll(ctx context.Context, it *Iterator) ([]*SpillInfo, error) {
	var infos []*SpillInfo
	for {
		part, err := it.Next()
		if err == io.EOF {
			return infos, nil
		}
		if err != nil {
			return nil, err
		}
		info, err := s.Spill(ctx, part)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
}

func (s *SpillStore) newBloomFilters(expectedItems int) map[string]*bloom.Filter {
	if len(s.bloomColumns) == 0 {
		return nil
	}
	blooms := make(map[string]*bloom.Filter)
	for _, column := range s.bloomColumns {
		if s.schema.HasField(column) {
			blooms[column] = bloom.NewWithEstimates(expectedItems, s.bloomFPR)
		}
	}
	return blooms
}

// NumPartitions returns the number of spilled partitions.
func (s *SpillStore) NumPartitions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.infos)
}

// Partition loads a spilled partition back into memory. It satisfies the
// executor's partition provider contract so workers can load partitions
// inside the pool.
func (s *SpillStore) Partition(ctx context.Context, index int) (*types.Partition, error) {
	s.mu.RLock()
	info, ok := s.infos[index]
	s.mu.RUnlock()
	if !ok {
		return nil, tesserr.NewExecutionError(tesserr.CodePartitionLoadFailed,
			fmt.Sprintf("no spilled partition at index %d", index), nil)
	}
	return s.readPartitionFile(ctx, info)
}

// readPartitionFile loads a spilled partition from its SQLite file.
func (s *SpillStore) readPartitionFile(ctx context.Context, info *SpillInfo) (*types.Partition, error) {
	db, err := sql.Open("sqlite3", info.Path)
	if err != nil {
		return nil, tesserr.NewExecutionError(tesserr.CodePartitionLoadFailed,
			fmt.Sprintf("failed to open spilled partition %s", info.PartitionID), err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "SELECT payload FROM records ORDER BY seq")
	if err != nil {
		return nil, tesserr.NewExecutionError(tesserr.CodePartitionLoadFailed,
			fmt.Sprintf("failed to read spilled partition %s", info.PartitionID), err)
	}
	defer rows.Close()

	records := make([]types.Record, 0, info.RowCount)
	for rows.Next() {
		var compressed []byte
		if err := rows.Scan(&compressed); err != nil {
			return nil, tesserr.NewExecutionError(tesserr.CodePartitionLoadFailed,
				fmt.Sprintf("failed to scan spilled partition %s", info.PartitionID), err)
		}
		payload, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, tesserr.NewExecutionError(tesserr.CodePartitionLoadFailed,
				fmt.Sprintf("failed to decompress record in partition %s", info.PartitionID), err)
		}
		var rec types.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, tesserr.NewExecutionError(tesserr.CodePartitionLoadFailed,
				fmt.Sprintf("failed to decode record in partition %s", info.PartitionID), err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, tesserr.NewExecutionError(tesserr.CodePartitionLoadFailed,
			fmt.Sprintf("failed to iterate spilled partition %s", info.PartitionID), err)
	}

	return &types.Partition{ID: info.PartitionID, Index: info.Index, Records: records}, nil
}

// Info returns the spill info for a partition index.
func (s *SpillStore) Info(index int) (*SpillInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.infos[index]
	return info, ok
}

// resetInfos replaces the in-memory partition index.
func (s *SpillStore) resetInfos(infos []*SpillInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = make(map[int]*SpillInfo, len(infos))
	for _, info := range infos {
		s.infos[info.Index] = info
	}
}

// Infos returns all spill infos ordered by partition index.
func (s *SpillStore) Infos() []*SpillInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*SpillInfo, 0, len(s.infos))
	for _, info := range s.infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Sidecar reads the sidecar for a partition index from disk.
func (s *SpillStore) Sidecar(index int) (*Sidecar, error) {
	s.mu.RLock()
	info, ok := s.infos[index]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("partition: no spilled partition at index %d", index)
	}
	return ReadSidecarFromFile(info.SidecarPath)
}

// Schema returns the schema all spilled partitions conform to.
func (s *SpillStore) Schema() types.Schema {
	return s.schema
}

// Dir returns the spill directory.
func (s *SpillStore) Dir() string {
	return s.dir
}

// Close releases the catalog handle. Spilled files stay on disk and can be
// picked up again with OpenSpillStore.
func (s *SpillStore) Close() error {
	return s.catalog.Close()
}

// Cleanup removes all spilled files, sidecars, and the catalog.
func (s *SpillStore) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, info := range s.infos {
		if err := os.Remove(info.Path); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := os.Remove(info.SidecarPath); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.infos = make(map[int]*SpillInfo)

	if err := s.catalog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, name := range []string{CatalogFileName, CatalogFileName + "-wal", CatalogFileName + "-shm"} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
