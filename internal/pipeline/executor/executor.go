package executor

import (
	"context"
	"errors"
	"fmt"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/internal/pipeline/aggregate"
	"github.com/tessera-etl/tessera/internal/pipeline/graph"
	"github.com/tessera-etl/tessera/pkg/types"
)

// ExecutePartition runs the graph over one partition, record by record.
// The pass is pure: it never mutates the partition or any shared state, so
// identical inputs always produce identical partials regardless of which
// worker runs them or when. A record error aborts this partition only and
// is reported in the partial; the context is not consulted mid-partition,
// so a started partition always runs to completion.
func ExecutePartition(ctx context.Context, g *graph.Graph, part *types.Partition) *PartialResult {
	res := &PartialResult{
		PartitionID:    part.ID,
		PartitionIndex: part.Index,
	}

	var grouped *aggregate.Grouped
	if agg := g.Aggregate(); agg != nil {
		grouped = aggregate.NewGrouped(agg.Keys, agg.Specs)
	}

	for i, rec := range part.Records {
		res.RowsIn++

		out, kept, err := g.ApplyStages(rec)
		if err != nil {
			res.Err = recordError(err, part.ID, i)
			return res
		}
		if !kept {
			continue
		}
		res.RowsOut++

		if grouped != nil {
			grouped.Fold(out)
		} else {
			res.Rows = append(res.Rows, out)
		}
	}

	res.Groups = grouped
	return res
}

// recordError wraps a stage error with the identity of the record that
// triggered it, keeping the stage error's category and code on the outside
// of the chain.
func recordError(err error, partitionID string, recordIndex int) error {
	msg := fmt.Sprintf("record %d of partition %s", recordIndex, partitionID)

	var te *tesserr.TesseraError
	if errors.As(err, &te) {
		wrapped := tesserr.Wrap(te.Category, te.Code, msg, err)
		return wrapped.WithDetails(map[string]interface{}{
			"partition": partitionID,
			"record":    recordIndex,
		})
	}
	return tesserr.NewEvaluationError(tesserr.CodeBadRecord, msg, err)
}
