// Package aggregate provides partial aggregate computation over record
// groups and the commutative merge that combines per-partition partials
// into final results.
package aggregate

import (
	"fmt"
	"strings"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

// Kind identifies an aggregate function.
type Kind int

const (
	KindCount Kind = iota
	KindSum
	KindMin
	KindMax
	KindAvg
)

func (k Kind) String() string {
	switch k {
	case KindCount:
		return "count"
	case KindSum:
		return "sum"
	case KindMin:
		return "min"
	case KindMax:
		return "max"
	case KindAvg:
		return "avg"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a function name to a Kind. Names are case-insensitive
// and "average" is accepted as an alias for "avg".
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(name) {
	case "count":
		return KindCount, nil
	case "sum":
		return KindSum, nil
	case "min":
		return KindMin, nil
	case "max":
		return KindMax, nil
	case "avg", "average":
		return KindAvg, nil
	}
	return 0, tesserr.NewSchemaError(tesserr.CodeInvalidAggregate,
		fmt.Sprintf("unknown aggregate function %q", name))
}

// ResultKind returns the value kind the aggregate produces when applied to
// a column of the given kind.
func (k Kind) ResultKind(column types.ValueKind) types.ValueKind {
	switch k {
	case KindCount:
		return types.KindInt
	case KindSum, KindAvg:
		return types.KindFloat
	case KindMin, KindMax:
		return column
	}
	return types.KindNull
}

// RequiresNumeric reports whether the aggregate only makes sense over a
// numeric column.
func (k Kind) RequiresNumeric() bool {
	return k == KindSum || k == KindAvg
}

// Spec describes one aggregate output column: the function to apply, the
// input column it reads, and the output column name. A count spec may leave
// Column empty to count rows instead of non-null values.
type Spec struct {
	Output string `json:"output" yaml:"output"`
	Column string `json:"column,omitempty" yaml:"column,omitempty"`
	Kind   Kind   `json:"kind" yaml:"kind"`
}

func (s Spec) String() string {
	if s.Column == "" {
		return fmt.Sprintf("%s: %s()", s.Output, s.Kind)
	}
	return fmt.Sprintf("%s: %s(%s)", s.Output, s.Kind, s.Column)
}

// Accumulator holds the partial state of one aggregate computed over a
// subset of records. For avg both Sum and Count are tracked so that a
// correct weighted average can be computed when partials from different
// partitions are combined.
type Accumulator struct {
	Kind  Kind        `json:"kind"`
	Count int64       `json:"count"` // value count (rows for columnless count)
	Sum   float64     `json:"sum"`   // running sum (sum and avg)
	Min   types.Value `json:"min"`   // current minimum (min only)
	Max   types.Value `json:"max"`   // current maximum (max only)
	IsSet bool        `json:"isSet"` // true once at least one value has been folded
}

// NewAccumulator returns an empty accumulator for the given function.
func NewAccumulator(kind Kind) *Accumulator {
	return &Accumulator{Kind: kind}
}

// Accumulate folds a single value into the running state. Null values are
// ignored by every aggregate function.
func (a *Accumulator) Accumulate(v types.Value) {
	if v.IsNull() {
		return
	}

	switch a.Kind {
	case KindCount:
		a.Count++
		a.IsSet = true

	case KindSum, KindAvg:
		if f, ok := v.AsFloat(); ok {
			a.Sum += f
			a.Count++
			a.IsSet = true
		}

	case KindMin:
		if !a.IsSet || types.Compare(v, a.Min) < 0 {
			a.Min = v
		}
		a.Count++
		a.IsSet = true

	case KindMax:
		if !a.IsSet || types.Compare(v, a.Max) > 0 {
			a.Max = v
		}
		a.Count++
		a.IsSet = true
	}
}

// Combine folds another accumulator of the same kind into this one. The
// operation is commutative and associative, so partials may arrive in any
// order without changing the outcome.
func (a *Accumulator) Combine(o *Accumulator) error {
	if o.Kind != a.Kind {
		return tesserr.NewMergeError(tesserr.CodeKindMismatch,
			fmt.Sprintf("cannot combine %s accumulator with %s", a.Kind, o.Kind))
	}
	if !o.IsSet {
		return nil
	}

	switch a.Kind {
	case KindCount:
		a.Count += o.Count
		a.IsSet = true

	case KindSum, KindAvg:
		a.Sum += o.Sum
		a.Count += o.Count
		a.IsSet = true

	case KindMin:
		if !a.IsSet || types.Compare(o.Min, a.Min) < 0 {
			a.Min = o.Min
		}
		a.Count += o.Count
		a.IsSet = true

	case KindMax:
		if !a.IsSet || types.Compare(o.Max, a.Max) > 0 {
			a.Max = o.Max
		}
		a.Count += o.Count
		a.IsSet = true
	}
	return nil
}

// Final returns the aggregate's final value. The division for avg happens
// only here, never while partials are still being combined.
func (a *Accumulator) Final() types.Value {
	if !a.IsSet {
		if a.Kind == KindCount {
			return types.IntVal(0)
		}
		return types.Null()
	}

	switch a.Kind {
	case KindCount:
		return types.IntVal(a.Count)
	case KindSum:
		return types.FloatVal(a.Sum)
	case KindMin:
		return a.Min
	case KindMax:
		return a.Max
	case KindAvg:
		if a.Count == 0 {
			return types.Null()
		}
		return types.FloatVal(a.Sum / float64(a.Count))
	}
	return types.Null()
}

// Clone returns an independent copy of the accumulator.
func (a *Accumulator) Clone() *Accumulator {
	c := *a
	return &c
}
