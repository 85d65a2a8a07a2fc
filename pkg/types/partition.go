package types

// Partition is a contiguous, finite chunk of the input record stream,
// identified by a zero-based index. Partitions are immutable once created
// and owned exclusively by the worker that executes them.
type Partition struct {
	// ID is a unique identifier for the partition within a run
	ID string `json:"id"`

	// Index is the zero-based position of the partition in emission order
	Index int `json:"index"`

	// Records holds the partition's rows in input order
	Records []Record `json:"-"`
}

// Len returns the number of records in the partition.
func (p *Partition) Len() int {
	return len(p.Records)
}
