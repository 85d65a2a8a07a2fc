package partition

import (
	"github.com/tessera-etl/tessera/pkg/types"
)

// Hint is one statically known comparison a pipeline applies to every
// record, used to skip spilled partitions whose statistics prove no record
// can match.
type Hint struct {
	Column string
	Op     types.CompareOp
	Value  types.Value
}

// PruneResult reports which partitions survived pruning.
type PruneResult struct {
	// Kept holds surviving partition indexes in ascending order
	Kept         []int
	TotalScanned int
	TotalPruned  int
	PruningRatio float64
}

// Pruner decides which spilled partitions a run must execute, using sidecar
// min/max statistics and bloom filters. Pruning is conservative: a partition
// is skipped only when its statistics prove no record can satisfy every
// hint.
type Pruner struct {
	store *SpillStore
}

// NewPruner creates a pruner over a spill store.
func NewPruner(store *SpillStore) *Pruner {
	return &Pruner{store: store}
}

// Prune evaluates the hints against every spilled partition's sidecar.
// With no hints every partition is kept.
func (p *Pruner) Prune(hints []Hint) (*PruneResult, error) {
	infos := p.store.Infos()
	result := &PruneResult{TotalScanned: len(infos)}

	for _, info := range infos {
		skip := false
		if len(hints) > 0 {
			sc, err := p.store.Sidecar(info.Index)
			if err != nil {
				return nil, err
			}
			for _, hint := range hints {
				canSkip, err := CanSkip(sc, hint)
				if err != nil {
					return nil, err
				}
				if canSkip {
					skip = true
					break
				}
			}
		}
		if !skip {
			result.Kept = append(result.Kept, info.Index)
		}
	}

	result.TotalPruned = result.TotalScanned - len(result.Kept)
	if result.TotalScanned > 0 {
		result.PruningRatio = float64(result.TotalPruned) / float64(result.TotalScanned)
	}
	return result, nil
}

// CanSkip reports whether a sidecar proves that no record in its partition
// can satisfy the hint. Skip decisions and predicate evaluation share the
// types.Compare total order, so a skip never hides a matching record.
func CanSkip(sc *Sidecar, hint Hint) (bool, error) {
	cs, ok := sc.Columns[hint.Column]
	if !ok {
		return false, nil
	}

	// No non-null value in the column: a comparison can never hold.
	if cs.Min == nil || cs.Max == nil {
		return true, nil
	}

	switch hint.Op {
	case types.OpEQ:
		if types.Compare(hint.Value, *cs.Min) < 0 || types.Compare(hint.Value, *cs.Max) > 0 {
			return true, nil
		}
		f, err := sc.BloomFilter(hint.Column)
		if err != nil {
			return false, err
		}
		if f != nil && !f.MightContain(hint.Value) {
			return true, nil
		}
		return false, nil
	case types.OpNE:
		// Skippable only when every row holds exactly the compared value.
		return cs.Nulls == 0 &&
			types.Compare(*cs.Min, *cs.Max) == 0 &&
			types.Compare(hint.Value, *cs.Min) == 0, nil
	case types.OpLT:
		return types.Compare(*cs.Min, hint.Value) >= 0, nil
	case types.OpLE:
		return types.Compare(*cs.Min, hint.Value) > 0, nil
	case types.OpGT:
		return types.Compare(*cs.Max, hint.Value) <= 0, nil
	case types.OpGE:
		return types.Compare(*cs.Max, hint.Value) < 0, nil
	default:
		return false, nil
	}
}
