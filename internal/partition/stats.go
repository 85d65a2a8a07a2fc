package partition

import (
	"github.com/tessera-etl/tessera/pkg/types"
)

// ColumnStats holds per-column statistics gathered during a spill. Min and
// Max are nil when the column held no non-null value.
type ColumnStats struct {
	Nulls int64        `json:"nulls"`
	Min   *types.Value `json:"min,omitempty"`
	Max   *types.Value `json:"max,omitempty"`
}

// StatsTracker tracks row counts and per-column min/max statistics while a
// partition is being written.
type StatsTracker struct {
	schema   types.Schema
	rowCount int64
	columns  map[string]*ColumnStats
}

// NewStatsTracker creates a tracker covering every schema field.
func NewStatsTracker(schema types.Schema) *StatsTracker {
	columns := make(map[string]*ColumnStats, len(schema.Fields))
	for _, f := range schema.Fields {
		columns[f.Name] = &ColumnStats{}
	}
	return &StatsTracker{schema: schema, columns: columns}
}

// Update folds one record into the statistics.
func (s *StatsTracker) Update(rec types.Record) {
	s.rowCount++

	for _, f := range s.schema.Fields {
		cs := s.columns[f.Name]
		v, ok := rec[f.Name]
		if !ok || v.IsNull() {
			cs.Nulls++
			continue
		}
		if cs.Min == nil || types.Compare(v, *cs.Min) < 0 {
			min := v
			cs.Min = &min
		}
		if cs.Max == nil || types.Compare(v, *cs.Max) > 0 {
			max := v
			cs.Max = &max
		}
	}
}

// RowCount returns the number of rows tracked.
func (s *StatsTracker) RowCount() int64 {
	return s.rowCount
}

// Column returns the statistics for a column.
func (s *StatsTracker) Column(name string) (ColumnStats, bool) {
	cs, ok := s.columns[name]
	if !ok {
		return ColumnStats{}, false
	}
	return *cs, true
}

// Snapshot returns a copy of all column statistics keyed by column name.
func (s *StatsTracker) Snapshot() map[string]ColumnStats {
	out := make(map[string]ColumnStats, len(s.columns))
	for name, cs := range s.columns {
		out[name] = *cs
	}
	return out
}
