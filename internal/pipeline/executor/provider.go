package executor

import (
	"context"
	"fmt"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

// PartitionProvider serves partitions for execution by index. Workers call
// Partition concurrently, so implementations must be safe for concurrent
// use. The spill store satisfies this interface for disk-backed runs.
type PartitionProvider interface {
	// NumPartitions returns how many partitions the provider holds
	NumPartitions() int

	// Partition loads the partition at the given zero-based index
	Partition(ctx context.Context, index int) (*types.Partition, error)
}

// SliceProvider serves pre-materialized in-memory partitions.
type SliceProvider struct {
	parts []*types.Partition
}

// NewSliceProvider wraps a partition slice. The slice is used as is, so
// callers hand over ownership.
func NewSliceProvider(parts []*types.Partition) *SliceProvider {
	return &SliceProvider{parts: parts}
}

// NumPartitions returns the number of partitions.
func (p *SliceProvider) NumPartitions() int {
	return len(p.parts)
}

// Partition returns the partition at the given index.
func (p *SliceProvider) Partition(_ context.Context, index int) (*types.Partition, error) {
	if index < 0 || index >= len(p.parts) {
		return nil, tesserr.NewExecutionError(tesserr.CodePartitionLoadFailed,
			fmt.Sprintf("no partition at index %d (have %d)", index, len(p.parts)), nil)
	}
	return p.parts[index], nil
}
