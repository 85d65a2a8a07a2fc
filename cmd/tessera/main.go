// Package main implements the tessera command, which runs one pipeline
// described by flags and prints the result as a table.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"

	"github.com/tessera-etl/tessera/internal/app"
	"github.com/tessera-etl/tessera/internal/config"
	"github.com/tessera-etl/tessera/internal/observability"
	"github.com/tessera-etl/tessera/internal/pipeline/aggregate"
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
		compactSpill  = flag.Bool("compact-spill", false, "Merge undersized adjacent partitions after spilling")
		adaptive      = flag.Bool("adaptive", false, "Derive the partition size from dataset and worker count")
		limit         = flag.Int("limit", 20, "Maximum result rows to print (0 prints all)")
		verbose       = flag.Bool("verbose", false, "Log partition task events while running")
	)
	var aggs aggFlags
	flag.Var(&aggs, "agg", "Aggregation as out=kind(col), e.g. total=sum(amount); repeatable")
	flag.Parse()

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

	handler := app.NewShutdownHandler(func(sig os.Signal) {
		log.Printf("Received signal: %v, finishing running partition tasks...", sig)
	})
	ctx := handler.Context(context.Background())
	defer handler.Shutdown()

	if *verbose {
		notifier := observability.NewNotifier(256)
		a.SetNotifier(notifier)
		sub := notifier.Subscribe()
		go logEvents(sub)
		handler.RegisterCloser("notifier", func() error {
			notifier.Unsubscribe(sub)
			return nil
		})
	}

	pipeline := app.Pipeline{
		Input:        *input,
		Where:        *where,
		Select:       splitList(*selectCols),
		GroupBy:      splitList(*groupBy),
		Aggregations: aggs,
		ReuseSpill:   *reuseSpill,
		CompactSpill: *compactSpill,
		AdaptiveSize: *adaptive,
	}

	what := pipeline.Input
	if pipeline.ReuseSpill {
		what = "spill:" + cfg.Partition.SpillDir
	}
	log.Printf("Starting pipeline: input=%s concurrency=%d partition-size=%d",
		what, cfg.Execution.Concurrency, cfg.Partition.TargetSize)

	res, err := a.Run(ctx, pipeline)
	if err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}

	printSummary(res)
	renderTable(os.Stdout, res, *limit)
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

func logEvents(sub *observability.Subscription) {
	for e := range sub.C {
		switch e.Type {
		case observability.EventRunStarted:
			log.Printf("[%s] run started", e.RunID)
		case observability.EventTaskStarted:
			log.Printf("[%s] partition %d started (%s)", e.RunID, e.Index, e.PartitionID)
		case observability.EventTaskFinished:
			status := "done"
			if e.Failed {
				status = "failed"
			}
			log.Printf("[%s] partition %d %s: %d records", e.RunID, e.Index, status, e.Records)
		case observability.EventRunFinished:
			log.Printf("[%s] run finished", e.RunID)
		}
	}
}

func printSummary(res *app.Result) {
	report := res.Report
	log.Printf("Pipeline finished: %d rows in, %d rows out, %d partitions in %s",
		res.RowsIn, res.RowsOut, res.Partitions, report.Total.Round(time.Microsecond))
	log.Printf("Peak concurrency %d of %d, busy time %s",
		report.PeakConcurrency, report.Concurrency, report.BusyTime().Round(time.Microsecond))

	if res.Compacted != nil && res.Compacted.Groups > 0 {
		log.Printf("Compaction merged %d partitions (%d -> %d)",
			res.Compacted.Merged, res.Compacted.Before, res.Compacted.After)
	}
	if res.Pruned != nil && res.Pruned.TotalPruned > 0 {
		log.Printf("Pruning skipped %d of %d partitions (%.0f%%)",
			res.Pruned.TotalPruned, res.Pruned.TotalScanned, res.Pruned.PruningRatio*100)
	}
	if res.Cache != nil {
		total := res.Cache.Hits + res.Cache.Misses
		rate := 0.0
		if total > 0 {
			rate = float64(res.Cache.Hits) / float64(total) * 100
		}
		log.Printf("Partition cache: %d hits, %d misses (%.1f%% hit rate), %d evictions",
			res.Cache.Hits, res.Cache.Misses, rate, res.Cache.Evictions)
	}
	if timing, ok := report.SlowestPartition(); ok {
		log.Printf("Slowest partition: %s in %s",
			timing.PartitionID, timing.Duration.Round(time.Microsecond))
	}
}

func renderTable(w io.Writer, res *app.Result, limit int) {
	names := res.Schema.FieldNames()
	table := tablewriter.NewTable(w, tablewriter.WithRenderer(renderer.NewMarkdown()))
	table.Header(names)

	rows := res.Rows
	remaining := 0
	if limit > 0 && len(rows) > limit {
		remaining = len(rows) - limit
		rows = rows[:limit]
	}
	for _, rec := range rows {
		cells := make([]string, len(names))
		for i, name := range names {
			cells[i] = rec[name].String()
		}
		table.Append(cells)
	}
	table.Render()
	if remaining > 0 {
		fmt.Fprintf(w, "... %d more rows\n", remaining)
	}
}
