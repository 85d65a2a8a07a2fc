package partition

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/tessera-etl/tessera/pkg/types"
)

// TestProperty_PartitionCounts validates that partitioning n records at
// target size k always yields ceil(n/k) partitions: every partition except
// the last holds exactly k records, the last holds the remainder, indexes
// are contiguous from zero, and record order is preserved end to end.
func TestProperty_PartitionCounts(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("partition count is ceil(n/k) with order preserved", prop.ForAll(
		func(n, k int) bool {
			records := make([]types.Record, n)
			for i := 0; i < n; i++ {
				records[i] = types.Record{"seq": types.IntVal(int64(i))}
			}

			p, err := NewPartitioner(k)
			if err != nil {
				return false
			}
			parts, err := p.Collect(&sliceReader{records: records})
			if err != nil {
				return false
			}

			wantParts := (n + k - 1) / k
			if len(parts) != wantParts {
				return false
			}

			seq := int64(0)
			for i, part := range parts {
				if part.Index != i {
					return false
				}
				if part.Len() == 0 || part.Len() > k {
					return false
				}
				if i < len(parts)-1 && part.Len() != k {
					return false
				}
				for _, rec := range part.Records {
					if rec["seq"].Int != seq {
						return false
					}
					seq++
				}
			}
			return seq == int64(n)
		},
		gen.IntRange(0, 500),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
