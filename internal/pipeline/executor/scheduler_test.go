package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/internal/pipeline/aggregate"
	"github.com/tessera-etl/tessera/internal/pipeline/graph"
	"github.com/tessera-etl/tessera/pkg/types"
)

// makeSales builds n records with integral float amounts in [-50, 149] and
// regions cycling through three values. Integral amounts keep float sums
// exact, so cross-run comparisons are literal equality.
func makeSales(n int) []types.Record {
	recs := make([]types.Record, n)
	for i := 0; i < n; i++ {
		recs[i] = types.Record{
			"id":     types.IntVal(int64(i)),
			"amount": types.FloatVal(float64((i*37)%200 - 50)),
			"region": types.StrVal(regions[i%len(regions)]),
		}
	}
	return recs
}

func salesPipeline(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.New(txnSchema())
	if err != nil {
		t.Fatal(err)
	}
	g, err = g.Where("amount", types.OpGT, types.FloatVal(0))
	if err != nil {
		t.Fatal(err)
	}
	g, err = g.GroupAggregate([]string{"region"}, []aggregate.Spec{
		{Output: "total", Column: "amount", Kind: aggregate.KindSum},
		{Output: "count", Kind: aggregate.KindCount},
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

// TestScheduler_GroupAggregateScenario partitions 1000 records into chunks
// of 100 and checks that concurrency 1, 4, and 10 all produce the result a
// plain loop over the input computes.
func TestScheduler_GroupAggregateScenario(t *testing.T) {
	recs := makeSales(1000)
	g := salesPipeline(t)

	// Reference computed record by record, no partitioning involved.
	wantTotal := make(map[string]float64)
	wantCount := make(map[string]int64)
	for _, rec := range recs {
		if rec["amount"].Float > 0 {
			region := rec["region"].Str
			wantTotal[region] += rec["amount"].Float
			wantCount[region]++
		}
	}

	var results []*Result
	for _, concurrency := range []int{1, 4, 10} {
		s, err := NewScheduler(concurrency)
		if err != nil {
			t.Fatal(err)
		}
		res, err := s.Run(context.Background(), g, makeParts(t, recs, 100))
		if err != nil {
			t.Fatalf("concurrency %d: %v", concurrency, err)
		}
		if res.Report.Partitions != 10 {
			t.Fatalf("concurrency %d: expected 10 partitions, got %d",
				concurrency, res.Report.Partitions)
		}
		if res.Report.PeakConcurrency > concurrency {
			t.Fatalf("concurrency %d: peak %d exceeds bound",
				concurrency, res.Report.PeakConcurrency)
		}
		results = append(results, res)
	}

	for i, res := range results {
		if len(res.Groups) != len(wantTotal) {
			t.Fatalf("run %d: expected %d groups, got %d", i, len(wantTotal), len(res.Groups))
		}
		for region, total := range wantTotal {
			got, ok := res.Groups[region]
			if !ok {
				t.Fatalf("run %d: missing group %s", i, region)
			}
			if got["total"].Float != total {
				t.Fatalf("run %d: group %s total %v, want %v", i, region, got["total"].Float, total)
			}
			if got["count"].Int != wantCount[region] {
				t.Fatalf("run %d: group %s count %d, want %d", i, region, got["count"].Int, wantCount[region])
			}
		}
	}

	// All three runs must agree exactly, row for row.
	for i := 1; i < len(results); i++ {
		if !reflect.DeepEqual(results[0].Rows, results[i].Rows) {
			t.Fatalf("rows differ between run 0 and run %d", i)
		}
		if !reflect.DeepEqual(results[0].Groups, results[i].Groups) {
			t.Fatalf("groups differ between run 0 and run %d", i)
		}
	}
}

// TestScheduler_SingleFailingRecordIsolation checks that one bad record
// fails only its own partition, that the failure names the partition, and
// that every other partition still runs to completion.
func TestScheduler_SingleFailingRecordIsolation(t *testing.T) {
	var processed atomic.Int64
	pred := func(rec types.Record) (bool, error) {
		processed.Add(1)
		if rec["id"].Int == 777 {
			return false, errors.New("malformed amount")
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

	parts := makeParts(t, makeSales(1000), 100)
	s, err := NewScheduler(4)
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Run(context.Background(), g, parts)
	if res != nil {
		t.Fatal("expected no partial result on failure")
	}

	var pf *tesserr.PartitionFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected PartitionFailure, got %v", err)
	}
	if pf.Total != 10 {
		t.Fatalf("expected total 10, got %d", pf.Total)
	}
	if idx := pf.Indexes(); len(idx) != 1 || idx[0] != 7 {
		t.Fatalf("expected only partition 7 to fail, got %v", idx)
	}
	if !strings.Contains(err.Error(), parts[7].ID) {
		t.Fatalf("failure does not name the partition: %v", err)
	}
	if !strings.Contains(err.Error(), "record 77") {
		t.Fatalf("failure does not name the offending record: %v", err)
	}

	// Nine full partitions of 100 records each, plus the 78 records of
	// partition 7 up to and including the failing one.
	if got := processed.Load(); got != 978 {
		t.Fatalf("expected 978 records processed, got %d", got)
	}
}

func TestScheduler_PeakConcurrency(t *testing.T) {
	slow := func(types.Record) (bool, error) {
		time.Sleep(2 * time.Millisecond)
		return true, nil
	}
	g, err := graph.New(txnSchema())
	if err != nil {
		t.Fatal(err)
	}
	g, err = g.Filter(slow)
	if err != nil {
		t.Fatal(err)
	}

	parts := makeParts(t, makeSales(40), 2) // 20 partitions

	bounded, err := NewScheduler(3)
	if err != nil {
		t.Fatal(err)
	}
	res, err := bounded.Run(context.Background(), g, parts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Report.PeakConcurrency > 3 {
		t.Fatalf("peak concurrency %d exceeds bound 3", res.Report.PeakConcurrency)
	}
	if res.Report.PeakConcurrency < 1 {
		t.Fatalf("implausible peak concurrency %d", res.Report.PeakConcurrency)
	}

	serial, err := NewScheduler(1)
	if err != nil {
		t.Fatal(err)
	}
	res, err = serial.Run(context.Background(), g, parts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Report.PeakConcurrency != 1 {
		t.Fatalf("sequential run reported peak concurrency %d", res.Report.PeakConcurrency)
	}
}

// Any partitioning and any concurrency must reproduce the sequential,
// unpartitioned result exactly.
func TestProperty_DeterministicAcrossConcurrency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	schema := types.NewSchema(
		types.Field{Name: "amount", Kind: types.KindFloat},
		types.Field{Name: "region", Kind: types.KindString},
	)

	buildGraph := func() *graph.Graph {
		g, err := graph.New(schema)
		if err != nil {
			panic(err)
		}
		g, err = g.Where("amount", types.OpGT, types.FloatVal(0))
		if err != nil {
			panic(err)
		}
		g, err = g.GroupAggregate([]string{"region"}, []aggregate.Spec{
			{Output: "total", Column: "amount", Kind: aggregate.KindSum},
			{Output: "count", Kind: aggregate.KindCount},
			{Output: "biggest", Column: "amount", Kind: aggregate.KindMax},
		})
		if err != nil {
			panic(err)
		}
		return g
	}

	properties.Property("partitioned parallel equals sequential", prop.ForAll(
		func(amounts []int, size, concurrency int) bool {
			recs := make([]types.Record, len(amounts))
			for i, a := range amounts {
				recs[i] = types.Record{
					"amount": types.FloatVal(float64(a)),
					"region": types.StrVal(fmt.Sprintf("r%d", i%4)),
				}
			}
			g := buildGraph()

			ref, err := NewScheduler(1)
			if err != nil {
				return false
			}
			want, err := ref.Run(context.Background(), g, makeRefParts(recs))
			if err != nil {
				return false
			}

			s, err := NewScheduler(concurrency)
			if err != nil {
				return false
			}
			got, err := s.Run(context.Background(), g, makeSizedParts(recs, size))
			if err != nil {
				return false
			}

			return reflect.DeepEqual(want.Rows, got.Rows) &&
				reflect.DeepEqual(want.Groups, got.Groups) &&
				want.RowsIn == got.RowsIn && want.RowsOut == got.RowsOut
		},
		gen.SliceOf(gen.IntRange(-100, 100)),
		gen.IntRange(1, 20),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func makeRefParts(recs []types.Record) []*types.Partition {
	if len(recs) == 0 {
		return nil
	}
	return []*types.Partition{{ID: "ref", Index: 0, Records: recs}}
}

func makeSizedParts(recs []types.Record, size int) []*types.Partition {
	if len(recs) == 0 {
		return nil
	}
	var parts []*types.Partition
	for start := 0; start < len(recs); start += size {
		end := start + size
		if end > len(recs) {
			end = len(recs)
		}
		parts = append(parts, &types.Partition{
			ID:      fmt.Sprintf("part-%d", len(parts)),
			Index:   len(parts),
			Records: recs[start:end],
		})
	}
	return parts
}
