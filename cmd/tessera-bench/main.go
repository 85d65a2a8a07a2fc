// Package main implements tessera-bench, which prepares a pipeline once
// and executes it over the same partitions sequentially and in parallel,
// reporting the measured speedup.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/tessera-etl/tessera/internal/app"
	"github.com/tessera-etl/tessera/internal/config"
	"github.com/tessera-etl/tessera/internal/observability"
	"github.com/tessera-etl/tessera/internal/pipeline/aggregate"
	"github.com/tessera-etl/tessera/internal/pipeline/executor"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to a YAML or JSON config file")
		dataDir       = flag.String("data-dir", "", "Base directory for spill and scratch data")
		input         = flag.String("input", "", "Input dataset: file, glob, or s3://bucket/key")
		where         = flag.String("where", "", "Filter expression, e.g. 'amount > 100 and region = emea'")
		selectCols    = flag.String("select", "", "Comma-separated columns to keep")
		groupBy       = flag.String("group-by", "", "Comma-separated group key columns")
		concurrency   = flag.Int("concurrency", 0, "Parallel partition workers (default: number of CPUs)")
		partitionSize = flag.Int("partition-size", 0, "Records per partition")
		spill         = flag.Bool("spill", false, "Spill partitions to disk instead of holding them in memory")
		bloomCols     = flag.String("bloom", "", "Comma-separated columns to build bloom filters for on spill")
		cacheRows     = flag.Int64("cache-rows", 0, "Partition cache budget in records (0 disables)")
		reuseSpill    = flag.Bool("reuse-spill", false, "Run over the existing spill directory instead of reading input")
		adaptive      = flag.Bool("adaptive", false, "Derive the partition size from dataset and worker count")
		runs          = flag.Int("runs", 3, "Measurement rounds; the summary keeps the best of each mode")
		verify        = flag.Bool("verify", false, "Check that sequential and parallel output match exactly")
		historyPath   = flag.String("history", "", "Append the best reports to this journal and print its tail")
		label         = flag.String("label", "", "Label for history entries (default: the input)")
	)
	var aggs aggFlags
	flag.Var(&aggs, "agg", "Aggregation as out=kind(col), e.g. total=sum(amount); repeatable")
	flag.Parse()

	if *input == "" && !*reuseSpill {
		flag.Usage()
		os.Exit(2)
	}
	if *runs <= 0 {
		log.Fatalf("runs must be positive, got %d", *runs)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags override file and environment settings.
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *concurrency > 0 {
		cfg.Execution.Concurrency = *concurrency
	}
	if *partitionSize > 0 {
		cfg.Partition.TargetSize = *partitionSize
	}
	if *spill {
		cfg.Partition.SpillEnabled = true
	}
	if cols := splitList(*bloomCols); len(cols) > 0 {
		cfg.Partition.BloomColumns = cols
	}
	if *cacheRows > 0 {
		cfg.Execution.CacheRows = *cacheRows
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	workers := a.Config().Execution.Concurrency
	if workers < 2 {
		log.Fatalf("concurrency must be at least 2 to compare against a sequential run, got %d", workers)
	}

	handler := app.NewShutdownHandler(func(sig os.Signal) {
		log.Printf("Received signal: %v, finishing running partition tasks...", sig)
	})
	ctx := handler.Context(context.Background())
	defer handler.Shutdown()

	pipeline := app.Pipeline{
		Input:        *input,
		Where:        *where,
		Select:       splitList(*selectCols),
		GroupBy:      splitList(*groupBy),
		Aggregations: aggs,
		ReuseSpill:   *reuseSpill,
		AdaptiveSize: *adaptive,
	}

	what := pipeline.Input
	if pipeline.ReuseSpill {
		what = "spill:" + cfg.Partition.SpillDir
	}
	log.Printf("Benchmarking %s: %d round(s), sequential vs %d workers", what, *runs, workers)

	prep, err := a.Prepare(ctx, pipeline)
	if err != nil {
		log.Fatalf("Failed to prepare pipeline: %v", err)
	}
	defer prep.Close()

	// One untimed pass so file and partition caches are equally warm for
	// both modes.
	warm, err := a.Execute(ctx, prep, workers)
	if err != nil {
		log.Fatalf("Warmup run failed: %v", err)
	}
	log.Printf("Warmup: %d partitions, %d rows out in %s",
		prep.NumPartitions(), warm.RowsOut, warm.Report.Total.Round(time.Microsecond))

	var bestSeq, bestPar, lastSeq, lastPar *executor.Result
	for round := 1; round <= *runs; round++ {
		seq, err := a.Execute(ctx, prep, 1)
		if err != nil {
			log.Fatalf("Sequential run %d failed: %v", round, err)
		}
		par, err := a.Execute(ctx, prep, workers)
		if err != nil {
			log.Fatalf("Parallel run %d failed: %v", round, err)
		}

		sp := observability.Compare(par.Report, seq.Report)
		log.Printf("Round %d/%d: sequential %s, parallel %s, speedup %s",
			round, *runs,
			seq.Report.Total.Round(time.Microsecond),
			par.Report.Total.Round(time.Microsecond),
			colorSpeedup(sp.Factor))

		if bestSeq == nil || seq.Report.Total < bestSeq.Report.Total {
			bestSeq = seq
		}
		if bestPar == nil || par.Report.Total < bestPar.Report.Total {
			bestPar = par
		}
		lastSeq, lastPar = seq, par
	}

	best := observability.Compare(bestPar.Report, bestSeq.Report)
	log.Printf("Best of %d: %s (sequential %s, parallel %s)",
		*runs, colorSpeedup(best.Factor),
		best.Sequential.Round(time.Microsecond),
		best.Parallel.Round(time.Microsecond))
	log.Printf("Parallel efficiency %.0f%% at peak concurrency %d of %d",
		best.Factor/float64(workers)*100, bestPar.Report.PeakConcurrency, workers)

	if *verify {
		if !reflect.DeepEqual(lastSeq.Rows, lastPar.Rows) {
			log.Fatalf("Output mismatch: sequential and parallel runs disagree (%d vs %d rows)",
				len(lastSeq.Rows), len(lastPar.Rows))
		}
		log.Printf("Verified: sequential and parallel output match (%d rows)", len(lastPar.Rows))
	}

	if *historyPath != "" {
		name := *label
		if name == "" {
			name = what
		}
		if err := recordHistory(*historyPath, name, bestSeq.Report, bestPar.Report); err != nil {
			log.Fatalf("Failed to record history: %v", err)
		}
		showHistory(*historyPath)
	}
}

// colorSpeedup renders the factor green when the parallel run won,
// yellow when it broke even, and red when it lost.
func colorSpeedup(factor float64) string {
	s := fmt.Sprintf("%.2fx", factor)
	switch {
	case factor >= 1.2:
		return color.GreenString(s)
	case factor >= 0.8:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

// recordHistory appends the best report of each mode to the journal.
func recordHistory(path, label string, seq, par observability.ExecutionReport) error {
	h, err := observability.OpenHistory(path)
	if err != nil {
		return err
	}
	defer h.Close()
	if _, err := h.Append(label+" sequential", seq); err != nil {
		return err
	}
	_, err = h.Append(label+" parallel", par)
	return err
}

// showHistory prints the journal tail so runs can be compared across
// invocations.
func showHistory(path string) {
	entries, err := observability.ReadHistory(path)
	if err != nil {
		log.Printf("Failed to read history: %v", err)
		return
	}
	log.Printf("History %s (%d entries):", path, len(entries))
	tail := entries
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	for _, e := range tail {
		log.Printf("  #%d %s: %s at concurrency %d",
			e.Seq, e.Label, e.Report.Total.Round(time.Microsecond), e.Report.Concurrency)
	}
}

// aggFlags collects repeated -agg flags.
type aggFlags []aggregate.Spec

func (a *aggFlags) String() string {
	parts := make([]string, len(*a))
	for i, spec := range *a {
		parts[i] = spec.String()
	}
	return strings.Join(parts, ",")
}

func (a *aggFlags) Set(value string) error {
	spec, err := parseAggSpec(value)
	if err != nil {
		return err
	}
	*a = append(*a, spec)
	return nil
}

// parseAggSpec parses out=kind(column), e.g. total=sum(amount). Count may
// omit the column: n=count counts rows.
func parseAggSpec(s string) (aggregate.Spec, error) {
	name, rest, ok := strings.Cut(s, "=")
	if !ok || name == "" || rest == "" {
		return aggregate.Spec{}, fmt.Errorf("aggregation %q is not of the form out=kind(col)", s)
	}
	fn := rest
	column := ""
	if open := strings.IndexByte(rest, '('); open >= 0 {
		if !strings.HasSuffix(rest, ")") {
			return aggregate.Spec{}, fmt.Errorf("aggregation %q has an unclosed column list", s)
		}
		fn = rest[:open]
		column = strings.TrimSpace(rest[open+1 : len(rest)-1])
	}
	kind, err := aggregate.ParseKind(fn)
	if err != nil {
		return aggregate.Spec{}, err
	}
	return aggregate.Spec{Output: name, Column: column, Kind: kind}, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
