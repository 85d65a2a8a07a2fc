package graph

import (
	"fmt"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/internal/pipeline/aggregate"
	"github.com/tessera-etl/tessera/pkg/types"
)

// Filter appends a predicate stage. Records for which the predicate
// returns false are dropped. The predicate must be pure: executing the
// same graph over the same records must yield the same result regardless
// of partitioning or concurrency.
func (g *Graph) Filter(pred Predicate) (*Graph, error) {
	if err := g.buildable(); err != nil {
		return nil, err
	}
	if pred == nil {
		return nil, tesserr.NewConfigError(tesserr.CodeInvalidOption,
			"filter predicate must not be nil")
	}

	c := g.clone()
	c.stages = append(c.stages, stage{
		kind:  stageFilter,
		label: "filter",
		pred:  pred,
		out:   g.out,
	})
	return c, nil
}

// Where appends a filter comparing a column against a constant. Records
// whose column value is null never match, and a null constant matches no
// record. Comparing incompatible kinds fails at build time.
//
// Unlike an opaque Filter, a Where records a prune hint: as long as no
// value-changing stage precedes it, the comparison still describes source
// columns and partition statistics can skip partitions that cannot match.
func (g *Graph) Where(column string, op types.CompareOp, value types.Value) (*Graph, error) {
	if err := g.buildable(); err != nil {
		return nil, err
	}
	field, ok := g.out.Field(column)
	if !ok {
		return nil, tesserr.NewSchemaError(tesserr.CodeUnknownColumn,
			fmt.Sprintf("filter references unknown column %q (have: %s)", column, g.out))
	}
	if _, err := types.ParseCompareOp(string(op)); err != nil {
		return nil, tesserr.NewConfigError(tesserr.CodeInvalidOption, err.Error())
	}
	if !value.IsNull() && !comparableKinds(field.Kind, value.Kind) {
		return nil, tesserr.NewSchemaError(tesserr.CodeTypeMismatch,
			fmt.Sprintf("cannot compare %s column %q with %s value", field.Kind, column, value.Kind))
	}

	pred := func(rec types.Record) (bool, error) {
		v, found := rec.Get(column)
		if !found || v.IsNull() || value.IsNull() {
			return false, nil
		}
		return op.Eval(types.Compare(v, value)), nil
	}

	c := g.clone()
	c.stages = append(c.stages, stage{
		kind:  stageFilter,
		label: fmt.Sprintf("where(%s %s %s)", column, op.Symbol(), value),
		pred:  pred,
		out:   g.out,
	})
	if !c.mapped && !value.IsNull() {
		c.hints = append(c.hints, PruneHint{Column: column, Op: op, Value: value})
	}
	return c, nil
}

// Map appends a projection stage producing records of the declared output
// schema. Each produced record is checked against that schema during
// execution; a violation fails the record's partition. The projection must
// be pure.
func (g *Graph) Map(proj Projection, output types.Schema) (*Graph, error) {
	if err := g.buildable(); err != nil {
		return nil, err
	}
	if proj == nil {
		return nil, tesserr.NewConfigError(tesserr.CodeInvalidOption,
			"map projection must not be nil")
	}
	if err := output.Validate(); err != nil {
		return nil, wrapSchemaErr(err)
	}

	c := g.clone()
	c.stages = append(c.stages, stage{
		kind:  stageMap,
		label: fmt.Sprintf("map(-> %s)", output),
		proj:  proj,
		out:   output,
		check: true,
	})
	c.out = output
	c.mapped = true
	return c, nil
}

// Select appends a projection keeping only the named columns, in the given
// order. Unknown and duplicate columns fail at build time. Select never
// changes column values, so prune hints recorded after it stay valid.
func (g *Graph) Select(columns ...string) (*Graph, error) {
	if err := g.buildable(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, tesserr.NewSchemaError(tesserr.CodeEmptySchema,
			"select requires at least one column")
	}

	fields := make([]types.Field, 0, len(columns))
	seen := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		f, ok := g.out.Field(col)
		if !ok {
			return nil, tesserr.NewSchemaError(tesserr.CodeUnknownColumn,
				fmt.Sprintf("select references unknown column %q (have: %s)", col, g.out))
		}
		if _, dup := seen[col]; dup {
			return nil, tesserr.NewSchemaError(tesserr.CodeDuplicateColumn,
				fmt.Sprintf("column %q selected twice", col))
		}
		seen[col] = struct{}{}
		fields = append(fields, f)
	}
	output := types.NewSchema(fields...)

	cols := append([]string(nil), columns...)
	proj := func(rec types.Record) (types.Record, error) {
		out := make(types.Record, len(cols))
		for _, c := range cols {
			v, _ := rec.Get(c)
			out[c] = v
		}
		return out, nil
	}

	c := g.clone()
	c.stages = append(c.stages, stage{
		kind:  stageMap,
		label: fmt.Sprintf("select(%s)", output),
		proj:  proj,
		out:   output,
	})
	c.out = output
	return c, nil
}

// GroupAggregate appends the terminal grouped aggregation: records are
// grouped by the key columns and each spec folds one aggregate per group.
// The stage is terminal; building past it fails. All shape problems that
// can be detected from the schema fail here rather than at execution.
func (g *Graph) GroupAggregate(keys []string, specs []aggregate.Spec) (*Graph, error) {
	if err := g.buildable(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, tesserr.NewSchemaError(tesserr.CodeInvalidAggregate,
			"group aggregate requires at least one key column")
	}

	fields := make([]types.Field, 0, len(keys)+len(specs))
	seen := make(map[string]struct{}, len(keys)+len(specs))
	for _, key := range keys {
		f, ok := g.out.Field(key)
		if !ok {
			return nil, tesserr.NewSchemaError(tesserr.CodeUnknownColumn,
				fmt.Sprintf("group key references unknown column %q (have: %s)", key, g.out))
		}
		if _, dup := seen[key]; dup {
			return nil, tesserr.NewSchemaError(tesserr.CodeDuplicateColumn,
				fmt.Sprintf("group key %q listed twice", key))
		}
		seen[key] = struct{}{}
		fields = append(fields, f)
	}

	for _, spec := range specs {
		if spec.Output == "" {
			return nil, tesserr.NewSchemaError(tesserr.CodeInvalidAggregate,
				fmt.Sprintf("aggregate %s has no output name", spec.Kind))
		}
		if _, dup := seen[spec.Output]; dup {
			return nil, tesserr.NewSchemaError(tesserr.CodeDuplicateColumn,
				fmt.Sprintf("aggregate output %q collides with another output column", spec.Output))
		}
		seen[spec.Output] = struct{}{}

		switch spec.Kind {
		case aggregate.KindCount, aggregate.KindSum, aggregate.KindMin, aggregate.KindMax, aggregate.KindAvg:
		default:
			return nil, tesserr.NewSchemaError(tesserr.CodeInvalidAggregate,
				fmt.Sprintf("aggregate %q has unknown kind %s", spec.Output, spec.Kind))
		}

		var columnKind types.ValueKind
		if spec.Column == "" {
			if spec.Kind != aggregate.KindCount {
				return nil, tesserr.NewSchemaError(tesserr.CodeInvalidAggregate,
					fmt.Sprintf("%s aggregate %q requires a column", spec.Kind, spec.Output))
			}
		} else {
			f, ok := g.out.Field(spec.Column)
			if !ok {
				return nil, tesserr.NewSchemaError(tesserr.CodeUnknownColumn,
					fmt.Sprintf("aggregate %q references unknown column %q (have: %s)",
						spec.Output, spec.Column, g.out))
			}
			if spec.Kind.RequiresNumeric() && !f.Kind.Numeric() {
				return nil, tesserr.NewSchemaError(tesserr.CodeTypeMismatch,
					fmt.Sprintf("aggregate %q: cannot %s %s column %q",
						spec.Output, spec.Kind, f.Kind, spec.Column))
			}
			columnKind = f.Kind
		}

		fields = append(fields, types.Field{
			Name:     spec.Output,
			Kind:     spec.Kind.ResultKind(columnKind),
			Nullable: spec.Kind != aggregate.KindCount,
		})
	}

	c := g.clone()
	c.agg = &Aggregation{
		Keys:  append([]string(nil), keys...),
		Specs: append([]aggregate.Spec(nil), specs...),
	}
	c.out = types.NewSchema(fields...)
	return c, nil
}

// comparableKinds reports whether values of the two kinds may be compared
// in a column predicate. Numerics compare across int and float; every
// other kind only compares with itself.
func comparableKinds(a, b types.ValueKind) bool {
	if a == b {
		return true
	}
	return a.Numeric() && b.Numeric()
}
