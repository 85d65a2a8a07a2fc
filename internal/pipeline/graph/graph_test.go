package graph

import (
	"errors"
	"strings"
	"testing"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/internal/pipeline/aggregate"
	"github.com/tessera-etl/tessera/pkg/types"
)

func txnSchema() types.Schema {
	return types.NewSchema(
		types.Field{Name: "amount", Kind: types.KindFloat},
		types.Field{Name: "region", Kind: types.KindString},
		types.Field{Name: "note", Kind: types.KindString, Nullable: true},
	)
}

func txn(amount float64, region string) types.Record {
	return types.Record{
		"amount": types.FloatVal(amount),
		"region": types.StrVal(region),
		"note":   types.Null(),
	}
}

func mustBuild(t *testing.T, g *Graph, err error) *Graph {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestNew_RejectsInvalidSchema(t *testing.T) {
	_, err := New(types.Schema{})
	if tesserr.GetCode(err) != tesserr.CodeEmptySchema {
		t.Fatalf("expected code %s, got %v", tesserr.CodeEmptySchema, err)
	}

	dup := types.NewSchema(
		types.Field{Name: "a", Kind: types.KindInt},
		types.Field{Name: "a", Kind: types.KindInt},
	)
	_, err = New(dup)
	if tesserr.GetCode(err) != tesserr.CodeDuplicateColumn {
		t.Fatalf("expected code %s, got %v", tesserr.CodeDuplicateColumn, err)
	}
}

func TestBuild_IsLazy(t *testing.T) {
	calls := 0
	pred := func(types.Record) (bool, error) {
		calls++
		return true, nil
	}
	proj := func(rec types.Record) (types.Record, error) {
		calls++
		return rec, nil
	}

	g := mustBuild(t, New(txnSchema()))
	g = mustBuild(t, g.Filter(pred))
	g = mustBuild(t, g.Map(proj, txnSchema()))
	g = mustBuild(t, g.GroupAggregate([]string{"region"}, []aggregate.Spec{
		{Output: "count", Kind: aggregate.KindCount},
	}))

	if calls != 0 {
		t.Fatalf("building the graph evaluated %d stages", calls)
	}
	if g.NumStages() != 2 {
		t.Fatalf("expected 2 stages, got %d", g.NumStages())
	}
}

func TestBuild_DoesNotMutateReceiver(t *testing.T) {
	base := mustBuild(t, New(txnSchema()))

	left := mustBuild(t, base.Where("amount", types.OpGT, types.FloatVal(0)))
	right := mustBuild(t, base.Where("region", types.OpEQ, types.StrVal("emea")))

	if base.NumStages() != 0 {
		t.Fatalf("building mutated the base graph: %d stages", base.NumStages())
	}
	if left.NumStages() != 1 || right.NumStages() != 1 {
		t.Fatalf("expected 1 stage per branch, got %d and %d", left.NumStages(), right.NumStages())
	}
	if h := left.PruneHints(); len(h) != 1 || h[0].Column != "amount" {
		t.Fatalf("unexpected left hints: %v", h)
	}
	if h := right.PruneHints(); len(h) != 1 || h[0].Column != "region" {
		t.Fatalf("unexpected right hints: %v", h)
	}
}

func TestWhere_StaticChecks(t *testing.T) {
	g := mustBuild(t, New(txnSchema()))

	_, err := g.Where("missing", types.OpEQ, types.IntVal(1))
	if tesserr.GetCode(err) != tesserr.CodeUnknownColumn {
		t.Fatalf("expected code %s, got %v", tesserr.CodeUnknownColumn, err)
	}

	_, err = g.Where("region", types.OpGT, types.IntVal(5))
	if tesserr.GetCode(err) != tesserr.CodeTypeMismatch {
		t.Fatalf("expected code %s, got %v", tesserr.CodeTypeMismatch, err)
	}

	// Cross-numeric comparison is allowed.
	if _, err := g.Where("amount", types.OpGE, types.IntVal(10)); err != nil {
		t.Fatalf("int constant against float column: %v", err)
	}

	_, err = g.Where("amount", types.CompareOp("like"), types.FloatVal(1))
	if tesserr.GetCode(err) != tesserr.CodeInvalidOption {
		t.Fatalf("expected code %s, got %v", tesserr.CodeInvalidOption, err)
	}
}

func TestWhere_PruneHintsFollowValueChanges(t *testing.T) {
	g := mustBuild(t, New(txnSchema()))
	g = mustBuild(t, g.Where("amount", types.OpGT, types.FloatVal(0)))

	// Select keeps values intact, so a later Where still yields a hint.
	g = mustBuild(t, g.Select("amount", "region"))
	g = mustBuild(t, g.Where("region", types.OpEQ, types.StrVal("emea")))
	if h := g.PruneHints(); len(h) != 2 {
		t.Fatalf("expected 2 hints after select, got %v", h)
	}

	// Map may change values, so hints stop accumulating after it.
	ident := func(rec types.Record) (types.Record, error) { return rec, nil }
	sel := types.NewSchema(
		types.Field{Name: "amount", Kind: types.KindFloat},
		types.Field{Name: "region", Kind: types.KindString},
	)
	g = mustBuild(t, g.Map(ident, sel))
	g = mustBuild(t, g.Where("amount", types.OpLT, types.FloatVal(100)))
	if h := g.PruneHints(); len(h) != 2 {
		t.Fatalf("expected hints to stay at 2 after map, got %v", h)
	}

	// A null constant matches nothing and produces no hint.
	g2 := mustBuild(t, New(txnSchema()))
	g2 = mustBuild(t, g2.Where("note", types.OpEQ, types.Null()))
	if h := g2.PruneHints(); len(h) != 0 {
		t.Fatalf("expected no hint for null constant, got %v", h)
	}
}

func TestApplyStages_FilterMapSelect(t *testing.T) {
	double := func(rec types.Record) (types.Record, error) {
		out := rec.Clone()
		f, _ := rec["amount"].AsFloat()
		out["amount"] = types.FloatVal(f * 2)
		return out, nil
	}

	g := mustBuild(t, New(txnSchema()))
	g = mustBuild(t, g.Where("amount", types.OpGT, types.FloatVal(0)))
	g = mustBuild(t, g.Map(double, txnSchema()))
	g = mustBuild(t, g.Select("amount", "region"))

	out, kept, err := g.ApplyStages(txn(21, "emea"))
	if err != nil {
		t.Fatal(err)
	}
	if !kept {
		t.Fatal("expected record to survive")
	}
	if out["amount"].Float != 42 {
		t.Fatalf("expected doubled amount 42, got %s", out["amount"])
	}
	if _, ok := out["note"]; ok {
		t.Fatal("select did not drop the note column")
	}

	_, kept, err = g.ApplyStages(txn(-5, "emea"))
	if err != nil {
		t.Fatal(err)
	}
	if kept {
		t.Fatal("expected negative amount to be filtered out")
	}

	// A null column value never matches a comparison.
	rec := txn(3, "emea")
	rec["amount"] = types.Null()
	_, kept, err = g.ApplyStages(rec)
	if err != nil {
		t.Fatal(err)
	}
	if kept {
		t.Fatal("expected null amount to be filtered out")
	}
}

func TestApplyStages_InputRecordUntouched(t *testing.T) {
	g := mustBuild(t, New(txnSchema()))
	g = mustBuild(t, g.Select("region"))

	in := txn(7, "apac")
	if _, _, err := g.ApplyStages(in); err != nil {
		t.Fatal(err)
	}
	if in["amount"].Float != 7 || len(in) != 3 {
		t.Fatalf("stage application mutated the input record: %v", in)
	}
}

func TestApplyStages_PredicateError(t *testing.T) {
	boom := errors.New("boom")
	pred := func(types.Record) (bool, error) { return false, boom }

	g := mustBuild(t, New(txnSchema()))
	g = mustBuild(t, g.Filter(pred))

	_, _, err := g.ApplyStages(txn(1, "emea"))
	if tesserr.GetCode(err) != tesserr.CodePredicateFailed {
		t.Fatalf("expected code %s, got %v", tesserr.CodePredicateFailed, err)
	}
	if !errors.Is(err, boom) {
		t.Fatal("expected cause to be preserved")
	}
}

func TestApplyStages_ProjectionError(t *testing.T) {
	boom := errors.New("cannot derive")
	proj := func(types.Record) (types.Record, error) { return nil, boom }

	g := mustBuild(t, New(txnSchema()))
	g = mustBuild(t, g.Map(proj, txnSchema()))

	_, _, err := g.ApplyStages(txn(1, "emea"))
	if tesserr.GetCode(err) != tesserr.CodeProjectionFailed {
		t.Fatalf("expected code %s, got %v", tesserr.CodeProjectionFailed, err)
	}
	if !errors.Is(err, boom) {
		t.Fatal("expected cause to be preserved")
	}
}

func TestApplyStages_MapOutputChecked(t *testing.T) {
	// The projection claims to keep the schema but emits a string amount.
	bad := func(rec types.Record) (types.Record, error) {
		out := rec.Clone()
		out["amount"] = types.StrVal("not a number")
		return out, nil
	}

	g := mustBuild(t, New(txnSchema()))
	g = mustBuild(t, g.Map(bad, txnSchema()))

	_, _, err := g.ApplyStages(txn(1, "emea"))
	if tesserr.GetCode(err) != tesserr.CodeBadRecord {
		t.Fatalf("expected code %s, got %v", tesserr.CodeBadRecord, err)
	}
}

func TestGroupAggregate_StaticChecks(t *testing.T) {
	g := mustBuild(t, New(txnSchema()))
	countSpec := aggregate.Spec{Output: "count", Kind: aggregate.KindCount}

	cases := []struct {
		name     string
		keys     []string
		specs    []aggregate.Spec
		wantCode string
	}{
		{"empty keys", nil, []aggregate.Spec{countSpec}, tesserr.CodeInvalidAggregate},
		{"unknown key", []string{"city"}, []aggregate.Spec{countSpec}, tesserr.CodeUnknownColumn},
		{"duplicate key", []string{"region", "region"}, []aggregate.Spec{countSpec}, tesserr.CodeDuplicateColumn},
		{"output collides with key", []string{"region"},
			[]aggregate.Spec{{Output: "region", Kind: aggregate.KindCount}}, tesserr.CodeDuplicateColumn},
		{"missing output name", []string{"region"},
			[]aggregate.Spec{{Kind: aggregate.KindCount}}, tesserr.CodeInvalidAggregate},
		{"unknown kind", []string{"region"},
			[]aggregate.Spec{{Output: "x", Column: "amount", Kind: aggregate.Kind(99)}}, tesserr.CodeInvalidAggregate},
		{"sum without column", []string{"region"},
			[]aggregate.Spec{{Output: "total", Kind: aggregate.KindSum}}, tesserr.CodeInvalidAggregate},
		{"sum over string column", []string{"region"},
			[]aggregate.Spec{{Output: "total", Column: "note", Kind: aggregate.KindSum}}, tesserr.CodeTypeMismatch},
		{"unknown aggregate column", []string{"region"},
			[]aggregate.Spec{{Output: "total", Column: "price", Kind: aggregate.KindSum}}, tesserr.CodeUnknownColumn},
	}
	for _, tc := range cases {
		_, err := g.GroupAggregate(tc.keys, tc.specs)
		if tesserr.GetCode(err) != tc.wantCode {
			t.Fatalf("%s: expected code %s, got %v", tc.name, tc.wantCode, err)
		}
	}
}

func TestGroupAggregate_OutputSchema(t *testing.T) {
	g := mustBuild(t, New(txnSchema()))
	g = mustBuild(t, g.GroupAggregate([]string{"region"}, []aggregate.Spec{
		{Output: "total", Column: "amount", Kind: aggregate.KindSum},
		{Output: "count", Kind: aggregate.KindCount},
		{Output: "biggest", Column: "amount", Kind: aggregate.KindMax},
	}))

	out := g.Schema()
	wantNames := []string{"region", "total", "count", "biggest"}
	gotNames := out.FieldNames()
	if len(gotNames) != len(wantNames) {
		t.Fatalf("expected fields %v, got %v", wantNames, gotNames)
	}
	for i, want := range wantNames {
		if gotNames[i] != want {
			t.Fatalf("field %d: expected %s, got %s", i, want, gotNames[i])
		}
	}

	total, _ := out.Field("total")
	if total.Kind != types.KindFloat || !total.Nullable {
		t.Fatalf("expected nullable float total, got %+v", total)
	}
	count, _ := out.Field("count")
	if count.Kind != types.KindInt || count.Nullable {
		t.Fatalf("expected non-nullable int count, got %+v", count)
	}
	biggest, _ := out.Field("biggest")
	if biggest.Kind != types.KindFloat {
		t.Fatalf("expected max to keep the column kind, got %+v", biggest)
	}

	agg := g.Aggregate()
	if agg == nil || len(agg.Keys) != 1 || len(agg.Specs) != 3 {
		t.Fatalf("unexpected aggregation: %+v", agg)
	}
}

func TestGroupAggregate_IsTerminal(t *testing.T) {
	g := mustBuild(t, New(txnSchema()))
	g = mustBuild(t, g.GroupAggregate([]string{"region"}, []aggregate.Spec{
		{Output: "count", Kind: aggregate.KindCount},
	}))

	if _, err := g.Filter(func(types.Record) (bool, error) { return true, nil }); tesserr.GetCode(err) != tesserr.CodeInvalidAggregate {
		t.Fatalf("filter after aggregate: expected code %s, got %v", tesserr.CodeInvalidAggregate, err)
	}
	if _, err := g.Where("count", types.OpGT, types.IntVal(0)); tesserr.GetCode(err) != tesserr.CodeInvalidAggregate {
		t.Fatalf("where after aggregate: expected code %s, got %v", tesserr.CodeInvalidAggregate, err)
	}
	if _, err := g.Select("region"); tesserr.GetCode(err) != tesserr.CodeInvalidAggregate {
		t.Fatalf("select after aggregate: expected code %s, got %v", tesserr.CodeInvalidAggregate, err)
	}
	if _, err := g.GroupAggregate([]string{"region"}, nil); tesserr.GetCode(err) != tesserr.CodeInvalidAggregate {
		t.Fatalf("aggregate after aggregate: expected code %s, got %v", tesserr.CodeInvalidAggregate, err)
	}
}

func TestGraph_String(t *testing.T) {
	g := mustBuild(t, New(txnSchema()))
	g = mustBuild(t, g.Where("amount", types.OpGT, types.FloatVal(0)))
	g = mustBuild(t, g.GroupAggregate([]string{"region"}, []aggregate.Spec{
		{Output: "total", Column: "amount", Kind: aggregate.KindSum},
	}))

	s := g.String()
	for _, want := range []string{"scan(", "where(amount > 0)", "group(region; total: sum(amount))"} {
		if !strings.Contains(s, want) {
			t.Fatalf("expected %q in %q", want, s)
		}
	}
}
