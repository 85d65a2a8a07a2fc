// Package graph builds lazy record pipelines. A graph describes filter,
// map, and terminal group-aggregate stages over a schema. Building a graph
// performs no work on any record; schema problems surface at build time
// whenever they are statically checkable, and everything else waits until
// a partition executor runs the graph.
package graph

import (
	"errors"
	"fmt"
	"strings"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/internal/pipeline/aggregate"
	"github.com/tessera-etl/tessera/pkg/types"
)

// Predicate decides whether a record passes a filter stage.
type Predicate func(types.Record) (bool, error)

// Projection transforms a record in a map stage.
type Projection func(types.Record) (types.Record, error)

type stageKind int

const (
	stageFilter stageKind = iota
	stageMap
)

func (k stageKind) String() string {
	if k == stageFilter {
		return "filter"
	}
	return "map"
}

// stage is one per-record step of the pipeline.
type stage struct {
	kind  stageKind
	label string       // short description for errors and display
	pred  Predicate    // filter stages
	proj  Projection   // map stages
	out   types.Schema // record schema after this stage
	check bool         // validate map output against out (user projections only)
}

// PruneHint is a column comparison every record surviving the graph's
// filters satisfies. Partition pruning may use it to skip partitions whose
// statistics rule out any match.
type PruneHint struct {
	Column string
	Op     types.CompareOp
	Value  types.Value
}

func (h PruneHint) String() string {
	return fmt.Sprintf("%s %s %s", h.Column, h.Op.Symbol(), h.Value)
}

// Aggregation is the terminal grouped aggregation of a graph.
type Aggregation struct {
	Keys  []string
	Specs []aggregate.Spec
}

// Graph is an immutable pipeline description. Builder methods return a new
// graph sharing the already-built prefix; the receiver stays valid, so one
// graph can branch into several. No stage runs until execution.
type Graph struct {
	input  types.Schema
	stages []stage
	agg    *Aggregation
	out    types.Schema // schema of the final output records
	hints  []PruneHint
	mapped bool // a value-changing stage ran; later hints no longer describe source columns
}

// New creates an empty graph over the given input schema.
func New(input types.Schema) (*Graph, error) {
	if err := input.Validate(); err != nil {
		return nil, wrapSchemaErr(err)
	}
	return &Graph{input: input, out: input}, nil
}

// InputSchema returns the schema records must conform to on entry.
func (g *Graph) InputSchema() types.Schema {
	return g.input
}

// Schema returns the schema of the graph's output records. For an
// aggregating graph this is the key columns followed by one column per
// aggregate spec.
func (g *Graph) Schema() types.Schema {
	return g.out
}

// Aggregate returns the terminal aggregation, or nil for row-producing
// graphs. The returned copy may be modified freely.
func (g *Graph) Aggregate() *Aggregation {
	if g.agg == nil {
		return nil
	}
	return &Aggregation{
		Keys:  append([]string(nil), g.agg.Keys...),
		Specs: append([]aggregate.Spec(nil), g.agg.Specs...),
	}
}

// PruneHints returns the column comparisons usable for partition pruning.
func (g *Graph) PruneHints() []PruneHint {
	return append([]PruneHint(nil), g.hints...)
}

// NumStages returns the number of per-record stages.
func (g *Graph) NumStages() int {
	return len(g.stages)
}

// ApplyStages runs the per-record stages on one record. It returns the
// transformed record and whether it survived every filter. The input
// record is never modified. Stage errors identify the failing stage; the
// caller adds record and partition identity.
func (g *Graph) ApplyStages(rec types.Record) (types.Record, bool, error) {
	cur := rec
	for i, st := range g.stages {
		switch st.kind {
		case stageFilter:
			keep, err := st.pred(cur)
			if err != nil {
				return nil, false, tesserr.NewEvaluationError(tesserr.CodePredicateFailed,
					fmt.Sprintf("stage %d (%s)", i, st.label), err)
			}
			if !keep {
				return nil, false, nil
			}

		case stageMap:
			next, err := st.proj(cur)
			if err != nil {
				return nil, false, tesserr.NewEvaluationError(tesserr.CodeProjectionFailed,
					fmt.Sprintf("stage %d (%s)", i, st.label), err)
			}
			if st.check {
				if verr := st.out.ValidateRecord(next); verr != nil {
					return nil, false, tesserr.NewEvaluationError(tesserr.CodeBadRecord,
						fmt.Sprintf("stage %d (%s) produced a record violating its declared schema", i, st.label), verr)
				}
			}
			cur = next
		}
	}
	return cur, true, nil
}

// String renders the pipeline shape, for logs and plan display.
func (g *Graph) String() string {
	parts := make([]string, 0, len(g.stages)+2)
	parts = append(parts, fmt.Sprintf("scan(%s)", g.input))
	for _, st := range g.stages {
		parts = append(parts, st.label)
	}
	if g.agg != nil {
		specs := make([]string, len(g.agg.Specs))
		for i, s := range g.agg.Specs {
			specs[i] = s.String()
		}
		parts = append(parts, fmt.Sprintf("group(%s; %s)",
			strings.Join(g.agg.Keys, ", "), strings.Join(specs, ", ")))
	}
	return strings.Join(parts, " -> ")
}

// clone copies the graph for copy-on-append building. The stage slice gets
// one spare slot since every caller appends exactly one stage.
func (g *Graph) clone() *Graph {
	c := &Graph{
		input:  g.input,
		stages: make([]stage, len(g.stages), len(g.stages)+1),
		out:    g.out,
		hints:  append([]PruneHint(nil), g.hints...),
		mapped: g.mapped,
	}
	copy(c.stages, g.stages)
	return c
}

// buildable rejects building past the terminal aggregation.
func (g *Graph) buildable() error {
	if g.agg != nil {
		return tesserr.NewSchemaError(tesserr.CodeInvalidAggregate,
			"group aggregate is terminal: no stage may follow it")
	}
	return nil
}

// wrapSchemaErr converts a types schema validation error into a coded
// schema error.
func wrapSchemaErr(err error) error {
	code := tesserr.CodeEmptySchema
	if errors.Is(err, types.ErrDuplicateField) {
		code = tesserr.CodeDuplicateColumn
	}
	return tesserr.NewSchemaError(code, err.Error())
}
