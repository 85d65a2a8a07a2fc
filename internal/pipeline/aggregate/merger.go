package aggregate

import (
	"fmt"
	"sort"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

// Merger combines grouped partials from multiple partitions into one final
// grouped result. Combination is commutative and associative, so the
// outcome does not depend on partition arrival order.
type Merger struct {
	keys  []string
	specs []Spec
}

// NewMerger creates a merger for the given key columns and aggregate specs.
func NewMerger(keys []string, specs []Spec) *Merger {
	return &Merger{keys: keys, specs: specs}
}

// MergeGrouped merges per-partition grouped partials. Groups sharing a key
// are combined accumulator by accumulator; groups seen for the first time
// are cloned in. A partial whose key or spec shape disagrees with the
// merger fails the whole merge, leaving no partial result.
func (m *Merger) MergeGrouped(partials []*Grouped) (*Grouped, error) {
	merged := NewGrouped(m.keys, m.specs)

	for _, part := range partials {
		if part == nil {
			continue
		}
		if err := m.checkShape(part); err != nil {
			return nil, err
		}
		for key, gp := range part.Groups {
			existing, ok := merged.Groups[key]
			if !ok {
				merged.Groups[key] = gp.Clone()
				continue
			}
			for i, acc := range gp.Accs {
				if err := existing.Accs[i].Combine(acc); err != nil {
					return nil, err
				}
			}
		}
	}

	return merged, nil
}

func (m *Merger) checkShape(g *Grouped) error {
	if len(g.Keys) != len(m.keys) || len(g.Specs) != len(m.specs) {
		return tesserr.NewMergeError(tesserr.CodeShapeMismatch,
			fmt.Sprintf("grouped partial has %d keys and %d specs, expected %d and %d",
				len(g.Keys), len(g.Specs), len(m.keys), len(m.specs)))
	}
	for i, k := range g.Keys {
		if k != m.keys[i] {
			return tesserr.NewMergeError(tesserr.CodeShapeMismatch,
				fmt.Sprintf("key column %d is %q, expected %q", i, k, m.keys[i]))
		}
	}
	for i, s := range g.Specs {
		if s.Kind != m.specs[i].Kind || s.Output != m.specs[i].Output {
			return tesserr.NewMergeError(tesserr.CodeShapeMismatch,
				fmt.Sprintf("aggregate %d is %s, expected %s", i, s, m.specs[i]))
		}
	}
	return nil
}

// Finalize converts a merged grouped result into output records, one per
// group, keyed by group key string. Each record holds the key columns plus
// one column per aggregate spec.
func (m *Merger) Finalize(g *Grouped) map[GroupKey]types.Record {
	out := make(map[GroupKey]types.Record, len(g.Groups))
	for key, gp := range g.Groups {
		rec := make(types.Record, len(m.keys)+len(m.specs))
		for i, k := range m.keys {
			rec[k] = gp.KeyValues[i]
		}
		for i, spec := range m.specs {
			rec[spec.Output] = gp.Accs[i].Final()
		}
		out[key] = rec
	}
	return out
}

// FinalizeRows converts a merged grouped result into records sorted by
// group key string so row output is deterministic.
func (m *Merger) FinalizeRows(g *Grouped) []types.Record {
	recs := m.Finalize(g)

	keys := make([]string, 0, len(recs))
	for key := range recs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([]types.Record, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, recs[key])
	}
	return rows
}
