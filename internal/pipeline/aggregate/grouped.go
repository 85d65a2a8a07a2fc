package aggregate

import (
	"strings"

	"github.com/tessera-etl/tessera/pkg/types"
)

// GroupKey is the string form of a group's key tuple, used as a map key
// when combining groups across partitions.
type GroupKey = string

// GroupKeyString produces a deterministic string key from a tuple of
// values. Value.String renders nulls as <NULL>, so null keys group
// together.
func GroupKeyString(vals []types.Value) GroupKey {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return strings.Join(parts, "|")
}

// GroupPartial holds the partial aggregates for a single group.
type GroupPartial struct {
	KeyValues []types.Value  // group key column values, in key order
	Accs      []*Accumulator // one per spec, in spec order
}

// Clone returns a deep copy of the group partial.
func (g *GroupPartial) Clone() *GroupPartial {
	c := &GroupPartial{
		KeyValues: make([]types.Value, len(g.KeyValues)),
		Accs:      make([]*Accumulator, len(g.Accs)),
	}
	copy(c.KeyValues, g.KeyValues)
	for i, a := range g.Accs {
		c.Accs[i] = a.Clone()
	}
	return c
}

// Grouped accumulates grouped partial aggregates over a stream of records,
// typically the records of one partition.
type Grouped struct {
	Keys   []string
	Specs  []Spec
	Groups map[GroupKey]*GroupPartial
}

// NewGrouped creates an empty grouped accumulation for the given key
// columns and aggregate specs.
func NewGrouped(keys []string, specs []Spec) *Grouped {
	return &Grouped{
		Keys:   keys,
		Specs:  specs,
		Groups: make(map[GroupKey]*GroupPartial),
	}
}

// Fold accumulates one record into its group, creating the group on first
// sight. Missing key columns fold as null.
func (g *Grouped) Fold(rec types.Record) {
	keyVals := rec.Values(g.Keys)
	key := GroupKeyString(keyVals)

	gp, ok := g.Groups[key]
	if !ok {
		accs := make([]*Accumulator, len(g.Specs))
		for i, spec := range g.Specs {
			accs[i] = NewAccumulator(spec.Kind)
		}
		gp = &GroupPartial{KeyValues: keyVals, Accs: accs}
		g.Groups[key] = gp
	}

	for i, spec := range g.Specs {
		if spec.Column == "" {
			// Columnless count counts rows.
			gp.Accs[i].Accumulate(types.IntVal(1))
			continue
		}
		v, _ := rec.Get(spec.Column)
		gp.Accs[i].Accumulate(v)
	}
}

// Len returns the number of distinct groups seen so far.
func (g *Grouped) Len() int {
	return len(g.Groups)
}
