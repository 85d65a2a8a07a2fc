package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/internal/observability"
	"github.com/tessera-etl/tessera/internal/pipeline/aggregate"
	"github.com/tessera-etl/tessera/internal/pipeline/graph"
	"github.com/tessera-etl/tessera/pkg/types"
)

// Scheduler fans partition tasks out to a bounded worker pool and merges
// the collected partials into one result. With concurrency 1 the run
// degenerates to a sequential loop over partitions in index order, and its
// output is identical to any parallel run of the same pipeline.
type Scheduler struct {
	concurrency int
	notifier    *observability.Notifier
}

// NewScheduler creates a scheduler running at most the given number of
// partition tasks at once.
func NewScheduler(concurrency int) (*Scheduler, error) {
	if concurrency < 1 {
		return nil, tesserr.NewConfigError(tesserr.CodeInvalidConcurrency,
			fmt.Sprintf("concurrency must be >= 1, got %d", concurrency))
	}
	return &Scheduler{concurrency: concurrency}, nil
}

// Concurrency returns the worker bound.
func (s *Scheduler) Concurrency() int {
	return s.concurrency
}

// SetNotifier makes runs publish progress events to n. Call before Run.
func (s *Scheduler) SetNotifier(n *observability.Notifier) {
	s.notifier = n
}

// Run executes the graph over in-memory partitions.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph, parts []*types.Partition) (*Result, error) {
	return s.RunProvider(ctx, g, NewSliceProvider(parts))
}

// RunProvider executes the graph over every partition the provider serves.
//
// Every task runs to completion even when a sibling fails, and all
// partials are collected before any merging happens. If any partition
// failed, the run fails with a PartitionFailure carrying every partition
// error and no partial result. Cancellation only prevents tasks from
// starting: a task that has begun is never interrupted.
func (s *Scheduler) RunProvider(ctx context.Context, g *graph.Graph, provider PartitionProvider) (*Result, error) {
	runID := fmt.Sprintf("run:%s", uuid.New().String()[:8])
	monitor := observability.NewMonitor(runID, s.concurrency)
	if s.notifier != nil {
		monitor.SetNotifier(s.notifier)
	}
	monitor.RunStarted()

	n := provider.NumPartitions()
	if n == 0 {
		monitor.RunFinished()
		return s.merge(g, nil, monitor)
	}

	results := make([]*PartialResult, n)
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			// Canceled work is skipped before it starts, never after.
			if ctx.Err() != nil {
				results[idx] = canceledPartial(idx, ctx.Err())
				return
			}
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = canceledPartial(idx, ctx.Err())
				return
			}

			part, err := provider.Partition(ctx, idx)
			if err != nil {
				results[idx] = &PartialResult{PartitionIndex: idx, Err: err}
				return
			}

			monitor.TaskStarted(part.ID, part.Index)
			res := ExecutePartition(ctx, g, part)
			monitor.TaskFinished(part.Index, res.RowsIn, res.Err != nil)
			results[idx] = res
		}(i)
	}

	wg.Wait()
	monitor.RunFinished()

	var failures []*tesserr.PartitionError
	for _, pr := range results {
		if pr.Err != nil {
			failures = append(failures, &tesserr.PartitionError{
				PartitionID:    pr.PartitionID,
				PartitionIndex: pr.PartitionIndex,
				Err:            pr.Err,
			})
		}
	}
	if len(failures) > 0 {
		return nil, tesserr.NewPartitionFailure(n, failures)
	}

	return s.merge(g, results, monitor)
}

func canceledPartial(index int, cause error) *PartialResult {
	return &PartialResult{
		PartitionIndex: index,
		Err: tesserr.NewExecutionError(tesserr.CodeTaskCanceled,
			fmt.Sprintf("partition %d was not started", index), cause),
	}
}

// merge combines collected partials. Aggregating pipelines combine their
// grouped partials in any order; row pipelines concatenate partition
// outputs in partition index order so output order matches a sequential
// run.
func (s *Scheduler) merge(g *graph.Graph, results []*PartialResult, monitor *observability.Monitor) (*Result, error) {
	out := &Result{Schema: g.Schema()}

	if agg := g.Aggregate(); agg != nil {
		partials := make([]*aggregate.Grouped, 0, len(results))
		for _, pr := range results {
			partials = append(partials, pr.Groups)
			out.RowsIn += pr.RowsIn
			out.RowsOut += pr.RowsOut
		}
		merger := aggregate.NewMerger(agg.Keys, agg.Specs)
		merged, err := merger.MergeGrouped(partials)
		if err != nil {
			return nil, err
		}
		out.Groups = merger.Finalize(merged)
		out.Rows = merger.FinalizeRows(merged)
	} else {
		for _, pr := range results {
			out.Rows = append(out.Rows, pr.Rows...)
			out.RowsIn += pr.RowsIn
			out.RowsOut += pr.RowsOut
		}
	}

	out.Report = monitor.Report()
	return out, nil
}
