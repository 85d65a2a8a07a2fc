package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/internal/partition"
	"github.com/tessera-etl/tessera/internal/pipeline/aggregate"
	"github.com/tessera-etl/tessera/internal/pipeline/graph"
	"github.com/tessera-etl/tessera/pkg/types"
)

func txnSchema() types.Schema {
	return types.NewSchema(
		types.Field{Name: "id", Kind: types.KindInt},
		types.Field{Name: "amount", Kind: types.KindFloat},
		types.Field{Name: "region", Kind: types.KindString},
	)
}

var regions = []string{"emea", "apac", "amer"}

// makeTxns yields records with ids 0..n-1, amounts cycling through
// positive and negative values, and regions cycling through three values.
func makeTxns(n int) []types.Record {
	recs := make([]types.Record, n)
	for i := 0; i < n; i++ {
		amount := float64(i%10) - 2 // some negative amounts for filters
		recs[i] = types.Record{
			"id":     types.IntVal(int64(i)),
			"amount": types.FloatVal(amount),
			"region": types.StrVal(regions[i%len(regions)]),
		}
	}
	return recs
}

func makeParts(t *testing.T, recs []types.Record, size int) []*types.Partition {
	t.Helper()
	p, err := partition.NewPartitioner(size)
	if err != nil {
		t.Fatal(err)
	}
	return p.FromRecords(recs)
}

func positiveAmounts(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.New(txnSchema())
	if err != nil {
		t.Fatal(err)
	}
	g, err = g.Where("amount", types.OpGT, types.FloatVal(0))
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestExecutePartition_RowPipeline(t *testing.T) {
	recs := makeTxns(20)
	part := &types.Partition{ID: "part:00000:test", Index: 0, Records: recs}

	res := ExecutePartition(context.Background(), positiveAmounts(t), part)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.RowsIn != 20 {
		t.Fatalf("expected 20 rows in, got %d", res.RowsIn)
	}
	// Amounts cycle -2..7; per 10 records, 7 are positive.
	if res.RowsOut != 14 || len(res.Rows) != 14 {
		t.Fatalf("expected 14 surviving rows, got %d (%d collected)", res.RowsOut, len(res.Rows))
	}

	// Surviving records keep their input order.
	var lastID int64 = -1
	for _, rec := range res.Rows {
		id := rec["id"].Int
		if id <= lastID {
			t.Fatalf("row order broken: id %d after %d", id, lastID)
		}
		lastID = id
	}
}

func TestExecutePartition_Aggregating(t *testing.T) {
	g := positiveAmounts(t)
	g, err := g.GroupAggregate([]string{"region"}, []aggregate.Spec{
		{Output: "total", Column: "amount", Kind: aggregate.KindSum},
		{Output: "count", Kind: aggregate.KindCount},
	})
	if err != nil {
		t.Fatal(err)
	}

	part := &types.Partition{ID: "part:00000:test", Index: 0, Records: makeTxns(30)}
	res := ExecutePartition(context.Background(), g, part)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Rows != nil {
		t.Fatal("aggregating partial should not collect rows")
	}
	if res.Groups == nil || res.Groups.Len() != 3 {
		t.Fatalf("expected 3 groups, got %+v", res.Groups)
	}
}

func TestExecutePartition_ErrorNamesRecord(t *testing.T) {
	boom := errors.New("boom")
	pred := func(rec types.Record) (bool, error) {
		if rec["id"].Int == 3 {
			return false, boom
		}
		return true, nil
	}

	g, err := graph.New(txnSchema())
	if err != nil {
		t.Fatal(err)
	}
	g, err = g.Filter(pred)
	if err != nil {
		t.Fatal(err)
	}

	part := &types.Partition{ID: "part:00000:feed", Index: 0, Records: makeTxns(10)}
	res := ExecutePartition(context.Background(), g, part)

	if res.Err == nil {
		t.Fatal("expected partial to fail")
	}
	if tesserr.GetCode(res.Err) != tesserr.CodePredicateFailed {
		t.Fatalf("expected code %s, got %v", tesserr.CodePredicateFailed, res.Err)
	}
	if !strings.Contains(res.Err.Error(), "record 3 of partition part:00000:feed") {
		t.Fatalf("error does not name the offending record: %v", res.Err)
	}
	if !errors.Is(res.Err, boom) {
		t.Fatal("expected original cause in the chain")
	}
	// The pass stops at the failing record.
	if res.RowsIn != 4 {
		t.Fatalf("expected 4 rows read before abort, got %d", res.RowsIn)
	}
}

func TestNewScheduler_RejectsBadConcurrency(t *testing.T) {
	for _, c := range []int{0, -1, -100} {
		_, err := NewScheduler(c)
		if tesserr.GetCode(err) != tesserr.CodeInvalidConcurrency {
			t.Fatalf("concurrency %d: expected code %s, got %v",
				c, tesserr.CodeInvalidConcurrency, err)
		}
	}
}

func TestScheduler_RowOutputMatchesSinglePartition(t *testing.T) {
	recs := makeTxns(100)
	g := positiveAmounts(t)

	single, err := NewScheduler(1)
	if err != nil {
		t.Fatal(err)
	}
	whole, err := single.Run(context.Background(), g, makeParts(t, recs, len(recs)))
	if err != nil {
		t.Fatal(err)
	}

	pooled, err := NewScheduler(4)
	if err != nil {
		t.Fatal(err)
	}
	split, err := pooled.Run(context.Background(), g, makeParts(t, recs, 7))
	if err != nil {
		t.Fatal(err)
	}

	if len(whole.Rows) != len(split.Rows) {
		t.Fatalf("row counts differ: %d vs %d", len(whole.Rows), len(split.Rows))
	}
	for i := range whole.Rows {
		if whole.Rows[i]["id"].Int != split.Rows[i]["id"].Int {
			t.Fatalf("row %d differs: %v vs %v", i, whole.Rows[i], split.Rows[i])
		}
	}
	if whole.RowsIn != split.RowsIn || whole.RowsOut != split.RowsOut {
		t.Fatalf("counters differ: in %d/%d out %d/%d",
			whole.RowsIn, split.RowsIn, whole.RowsOut, split.RowsOut)
	}
}

func TestScheduler_EmptyInput(t *testing.T) {
	g, err := positiveAmounts(t).GroupAggregate([]string{"region"}, []aggregate.Spec{
		{Output: "count", Kind: aggregate.KindCount},
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err := NewScheduler(4)
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Run(context.Background(), g, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Rows) != 0 || len(res.Groups) != 0 {
		t.Fatalf("expected empty result, got %d rows %d groups", len(res.Rows), len(res.Groups))
	}
	if res.Report.Partitions != 0 || len(res.Report.Timings) != 0 {
		t.Fatalf("expected empty report, got %+v", res.Report)
	}
}

func TestScheduler_ProviderLoadFailure(t *testing.T) {
	recs := makeTxns(50)
	parts := makeParts(t, recs, 10)

	s, err := NewScheduler(2)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.RunProvider(context.Background(), positiveAmounts(t), &flakyProvider{
		parts:    parts,
		failIdx:  3,
		failWith: tesserr.NewExecutionError(tesserr.CodePartitionLoadFailed, "spill file corrupt", nil),
	})

	var pf *tesserr.PartitionFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected PartitionFailure, got %v", err)
	}
	if idx := pf.Indexes(); len(idx) != 1 || idx[0] != 3 {
		t.Fatalf("expected failure at partition 3, got %v", idx)
	}
	if tesserr.GetCode(pf.Failures[0].Err) != tesserr.CodePartitionLoadFailed {
		t.Fatalf("unexpected failure cause: %v", pf.Failures[0].Err)
	}
}

// flakyProvider fails to load one partition and serves the rest.
type flakyProvider struct {
	parts    []*types.Partition
	failIdx  int
	failWith error
}

func (p *flakyProvider) NumPartitions() int {
	return len(p.parts)
}

func (p *flakyProvider) Partition(_ context.Context, index int) (*types.Partition, error) {
	if index == p.failIdx {
		return nil, p.failWith
	}
	return p.parts[index], nil
}

func TestScheduler_CanceledContextStartsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	parts := makeParts(t, makeTxns(40), 10)
	s, err := NewScheduler(2)
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Run(ctx, positiveAmounts(t), parts)

	var pf *tesserr.PartitionFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected PartitionFailure, got %v", err)
	}
	if len(pf.Failures) != 4 {
		t.Fatalf("expected all 4 partitions reported, got %d", len(pf.Failures))
	}
	for _, f := range pf.Failures {
		if tesserr.GetCode(f.Err) != tesserr.CodeTaskCanceled {
			t.Fatalf("expected code %s, got %v", tesserr.CodeTaskCanceled, f.Err)
		}
	}
}
