// Package partition provides functionality for splitting record streams into
// bounded partitions and managing their spilled on-disk form.
package partition

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

// RecordReader is the forward-only stream the partitioner consumes. Next
// returns io.EOF after the last record.
type RecordReader interface {
	Next() (types.Record, error)
}

// Partitioner splits a record stream into partitions of at most targetSize
// records. Partition indexes are contiguous from zero and record order is
// preserved within each partition.
type Partitioner struct {
	targetSize int
}

// NewPartitioner creates a partitioner. targetSize must be positive.
func NewPartitioner(targetSize int) (*Partitioner, error) {
	if targetSize <= 0 {
		return nil, tesserr.NewConfigError(tesserr.CodeInvalidPartitionSize,
			fmt.Sprintf("target partition size must be positive, got %d", targetSize))
	}
	return &Partitioner{targetSize: targetSize}, nil
}

// TargetSize returns the configured partition size.
func (p *Partitioner) TargetSize() int {
	return p.targetSize
}

// Iterate returns an iterator producing partitions from the reader. At most
// targetSize records are buffered at a time.
func (p *Partitioner) Iterate(r RecordReader) *Iterator {
	return &Iterator{targetSize: p.targetSize, reader: r}
}

// Collect drains the reader into a slice of partitions. An empty stream
// yields zero partitions.
func (p *Partitioner) Collect(r RecordReader) ([]*types.Partition, error) {
	var parts []*types.Partition
	it := p.Iterate(r)
	for {
		part, err := it.Next()
		if err == io.EOF {
			return parts, nil
		}
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
}

// FromRecords partitions an in-memory slice. Partitions share the slice's
// backing array; the caller hands over ownership.
func (p *Partitioner) FromRecords(records []types.Record) []*types.Partition {
	var parts []*types.Partition
	for start := 0; start < len(records); start += p.targetSize {
		end := start + p.targetSize
		if end > len(records) {
			end = len(records)
		}
		index := len(parts)
		parts = append(parts, &types.Partition{
			ID:      NewPartitionID(index),
			Index:   index,
			Records: records[start:end],
		})
	}
	return parts
}

// NewPartitionID builds a partition identifier carrying the index plus a
// short unique suffix.
func NewPartitionID(index int) string {
	return fmt.Sprintf("part:%05d:%s", index, uuid.New().String()[:8])
}

// Iterator yields partitions one at a time from a record stream.
type Iterator struct {
	targetSize int
	reader     RecordReader
	index      int
	done       bool
}

// Next returns the next partition. It returns io.EOF once the stream is
// exhausted; an empty stream returns io.EOF immediately.
func (it *Iterator) Next() (*types.Partition, error) {
	if it.done {
		return nil, io.EOF
	}

	records := make([]types.Record, 0, it.targetSize)
	for len(records) < it.targetSize {
		rec, err := it.reader.Next()
		if err == io.EOF {
			it.done = true
			break
		}
		if err != nil {
			it.done = true
			return nil, err
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, io.EOF
	}

	part := &types.Partition{
		ID:      NewPartitionID(it.index),
		Index:   it.index,
		Records: records,
	}
	it.index++
	return part, nil
}
