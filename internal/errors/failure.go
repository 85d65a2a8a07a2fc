package errors

import (
	"fmt"
	"sort"
	"strings"
)

// PartitionError records the failure of a single partition task.
type PartitionError struct {
	// PartitionID is the identifier of the failing partition
	PartitionID string

	// PartitionIndex is the zero-based index of the failing partition
	PartitionIndex int

	// Err is the underlying task error
	Err error
}

func (e *PartitionError) Error() string {
	if e.PartitionID == "" {
		return fmt.Sprintf("partition %d: %v", e.PartitionIndex, e.Err)
	}
	return fmt.Sprintf("partition %d (%s): %v", e.PartitionIndex, e.PartitionID, e.Err)
}

// Unwrap returns the underlying task error.
func (e *PartitionError) Unwrap() error {
	return e.Err
}

// PartitionFailure aggregates the errors of every failing partition in a
// run. It is returned by the scheduler only after all partition tasks have
// completed or failed, so the caller sees the full failure picture at once.
type PartitionFailure struct {
	// Total is the number of partitions the run attempted
	Total int

	// Failures holds one entry per failing partition
	Failures []*PartitionError
}

// NewPartitionFailure builds a failure report with entries sorted by
// partition index.
func NewPartitionFailure(total int, failures []*PartitionError) *PartitionFailure {
	sorted := make([]*PartitionError, len(failures))
	copy(sorted, failures)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PartitionIndex < sorted[j].PartitionIndex
	})
	return &PartitionFailure{Total: total, Failures: sorted}
}

func (e *PartitionFailure) Error() string {
	if len(e.Failures) == 0 {
		return "no partition failures"
	}
	if len(e.Failures) == 1 {
		return fmt.Sprintf("1 of %d partitions failed: %s", e.Total, e.Failures[0].Error())
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d of %d partitions failed:\n", len(e.Failures), e.Total))
	for i, f := range e.Failures {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  - ")
		sb.WriteString(f.Error())
	}
	return sb.String()
}

// Unwrap exposes each partition's cause to errors.Is and errors.As.
func (e *PartitionFailure) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Indexes returns the failing partition indexes in ascending order.
func (e *PartitionFailure) Indexes() []int {
	idx := make([]int, len(e.Failures))
	for i, f := range e.Failures {
		idx[i] = f.PartitionIndex
	}
	return idx
}
