// Package executor runs pipeline graphs over partitions: one pure,
// streaming pass per partition, a bounded worker pool across partitions,
// and a merge of the collected partials into one result.
package executor

import (
	"github.com/tessera-etl/tessera/internal/observability"
	"github.com/tessera-etl/tessera/internal/pipeline/aggregate"
	"github.com/tessera-etl/tessera/pkg/types"
)

// PartialResult holds the outcome of executing a graph over one partition.
// Exactly one of Rows and Groups is populated, matching whether the graph
// aggregates.
type PartialResult struct {
	PartitionID    string
	PartitionIndex int
	Rows           []types.Record     // surviving records in input order
	Groups         *aggregate.Grouped // grouped partial aggregates
	RowsIn         int64              // records read from the partition
	RowsOut        int64              // records surviving the per-record stages
	Err            error
}

// Result is the merged outcome of a full run.
type Result struct {
	// Schema describes the output records
	Schema types.Schema

	// Rows holds the output records. For row pipelines this is the
	// concatenation of partition outputs in partition index order; for
	// aggregating pipelines it is one record per group sorted by group key.
	Rows []types.Record

	// Groups maps group key to output record for aggregating pipelines,
	// nil otherwise
	Groups map[string]types.Record

	// RowsIn counts records read across all partitions
	RowsIn int64

	// RowsOut counts records that survived the per-record stages
	RowsOut int64

	// Report carries the run's timings and concurrency measurements
	Report observability.ExecutionReport
}

// NumRows returns the number of output records.
func (r *Result) NumRows() int {
	return len(r.Rows)
}
