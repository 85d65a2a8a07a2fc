package partition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tessera-etl/tessera/internal/bloom"
	"github.com/tessera-etl/tessera/pkg/types"
)

// Sidecar is the .meta.json file written next to each spilled partition. It
// carries everything pruning needs without opening the partition itself.
type Sidecar struct {
	PartitionID string                 `json:"partition_id"`
	Index       int                    `json:"index"`
	RowCount    int64                  `json:"row_count"`
	SizeBytes   int64                  `json:"size_bytes"`
	Schema      types.Schema           `json:"schema"`
	Columns     map[string]ColumnStats `json:"columns"`
	Blooms      map[string]string      `json:"blooms,omitempty"`
	CreatedAt   int64                  `json:"created_at"`
}

// NewSidecar assembles a sidecar from spill results.
func NewSidecar(info *SpillInfo, schema types.Schema, stats *StatsTracker, blooms map[string]*bloom.Filter) *Sidecar {
	sc := &Sidecar{
		PartitionID: info.PartitionID,
		Index:       info.Index,
		RowCount:    info.RowCount,
		SizeBytes:   info.SizeBytes,
		Schema:      schema,
		Columns:     stats.Snapshot(),
		CreatedAt:   time.Now().Unix(),
	}
	if len(blooms) > 0 {
		sc.Blooms = make(map[string]string, len(blooms))
		for column, f := range blooms {
			sc.Blooms[column] = f.EncodeBase64()
		}
	}
	return sc
}

// BloomFilter decodes the stored filter for a column, or nil when the
// column has none.
func (s *Sidecar) BloomFilter(column string) (*bloom.Filter, error) {
	encoded, ok := s.Blooms[column]
	if !ok {
		return nil, nil
	}
	f, err := bloom.DecodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("partition: bloom filter for column %q: %w", column, err)
	}
	return f, nil
}

// WriteToFile writes the sidecar as indented JSON.
func (s *Sidecar) WriteToFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("partition: failed to marshal sidecar: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("partition: failed to write sidecar file: %w", err)
	}
	return nil
}

// ReadSidecarFromFile reads a sidecar from a JSON file.
func ReadSidecarFromFile(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("partition: failed to read sidecar file: %w", err)
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("partition: failed to unmarshal sidecar: %w", err)
	}
	return &sc, nil
}

// SidecarPath returns the sidecar file path for a spilled partition path.
func SidecarPath(spillPath string) string {
	dir := filepath.Dir(spillPath)
	base := filepath.Base(spillPath)
	ext := filepath.Ext(base)
	return filepath.Join(dir, base[:len(base)-len(ext)]+".meta.json")
}

// CreatedAtTime returns the creation time as time.Time.
func (s *Sidecar) CreatedAtTime() time.Time {
	return time.Unix(s.CreatedAt, 0)
}
