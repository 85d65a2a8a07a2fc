// Package app wires configuration, sources, partitioning, and the
// scheduler into one pipeline runner shared by the Tessera binaries.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tessera-etl/tessera/internal/cache"
	"github.com/tessera-etl/tessera/internal/config"
	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/internal/observability"
	"github.com/tessera-etl/tessera/internal/partition"
	"github.com/tessera-etl/tessera/internal/pipeline/aggregate"
	"github.com/tessera-etl/tessera/internal/pipeline/executor"
	"github.com/tessera-etl/tessera/internal/pipeline/graph"
	"github.com/tessera-etl/tessera/internal/source"
	"github.com/tessera-etl/tessera/internal/storage"
	"github.com/tessera-etl/tessera/pkg/types"
)

const s3Scheme = "s3://"

// App runs pipelines against a resolved configuration.
type App struct {
	cfg      *config.Config
	notifier *observability.Notifier
}

// New creates an app from the given configuration. The configuration is
// resolved, validated, and its directories are created. A nil cfg uses
// the defaults.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return &App{cfg: cfg}, nil
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// SetNotifier attaches a notifier that receives run and task lifecycle
// events from every execution. Call before Run or Execute.
func (a *App) SetNotifier(n *observability.Notifier) {
	a.notifier = n
}

// Pipeline describes one run: where the records come from and the stages
// they pass through. Input or ReuseSpill is required.
type Pipeline struct {
	// Input locates the dataset: a local file, a glob pattern, or an
	// s3://bucket/key-or-prefix URI. Ignored when ReuseSpill is set.
	Input string

	// Schema optionally declares the input schema. When nil the source
	// infers one from the file.
	Schema *types.Schema

	// Where filters records, e.g. "amount > 100 and region = emea".
	Where string

	// Select lists the columns to keep. Empty keeps every column. Cannot
	// be combined with GroupBy.
	Select []string

	// GroupBy and Aggregations turn the run into a grouped aggregation
	// producing one output record per distinct key combination.
	GroupBy      []string
	Aggregations []aggregate.Spec

	// ReuseSpill runs over the partitions already spilled to the
	// configured spill directory instead of reading Input.
	ReuseSpill bool

	// CompactSpill merges runs of undersized adjacent partitions after
	// spilling, before any execution.
	CompactSpill bool

	// AdaptiveSize derives the partition size from the dataset and worker
	// count instead of the configured target size. Ignored when spilling
	// is enabled, where the dataset size is unknown until after
	// partitioning.
	AdaptiveSize bool
}

// Prepared is a pipeline bound to its partitions and ready to execute,
// possibly more than once. Close releases the spill store for disk-backed
// runs; spilled files stay on disk for later reuse.
type Prepared struct {
	graph     *graph.Graph
	provider  executor.PartitionProvider
	store     *partition.SpillStore
	cache     *cache.PartitionCache
	pruned    *partition.PruneResult
	compacted *partition.CompactionResult
	schema    types.Schema
}

// Graph returns the pipeline graph.
func (p *Prepared) Graph() *graph.Graph {
	return p.graph
}

// Provider returns the partition provider executions read from.
func (p *Prepared) Provider() executor.PartitionProvider {
	return p.provider
}

// InputSchema returns the schema of the partitioned records.
func (p *Prepared) InputSchema() types.Schema {
	return p.schema
}

// NumPartitions returns how many partitions an execution will schedule.
func (p *Prepared) NumPartitions() int {
	return p.provider.NumPartitions()
}

// PruneResult reports the partition pruning decision, or nil when pruning
// did not run.
func (p *Prepared) PruneResult() *partition.PruneResult {
	return p.pruned
}

// CompactionResult reports the spill compaction outcome, or nil when
// compaction did not run.
func (p *Prepared) CompactionResult() *partition.CompactionResult {
	return p.compacted
}

// CacheStats returns the partition cache counters. The second return is
// false when caching is disabled.
func (p *Prepared) CacheStats() (cache.Stats, bool) {
	if p.cache == nil {
		return cache.Stats{}, false
	}
	return p.cache.Stats(), true
}

// Close releases the prepared pipeline's resources. Safe to call twice.
func (p *Prepared) Close() error {
	if p.store == nil {
		return nil
	}
	store := p.store
	p.store = nil
	return store.Close()
}

// Result bundles the executor output with the partition-level decisions
// made while preparing the run.
type Result struct {
	*executor.Result

	// Partitions is the number of partitions scheduled
	Partitions int

	// Pruned is set when the run pruned spilled partitions
	Pruned *partition.PruneResult

	// Compacted is set when the run compacted the spill directory
	Compacted *partition.CompactionResult

	// Cache is set when the partition cache was enabled
	Cache *cache.Stats
}

// Run prepares and executes the pipeline at the configured concurrency.
func (a *App) Run(ctx context.Context, p Pipeline) (*Result, error) {
	prep, err := a.Prepare(ctx, p)
	if err != nil {
		return nil, err
	}
	defer prep.Close()

	execRes, err := a.Execute(ctx, prep, a.cfg.Execution.Concurrency)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Result:     execRes,
		Partitions: prep.NumPartitions(),
		Pruned:     prep.pruned,
		Compacted:  prep.compacted,
	}
	if stats, ok := prep.CacheStats(); ok {
		res.Cache = &stats
	}
	return res, nil
}

// Prepare reads and partitions the input, builds the graph, and wires
// pruning and caching. The result can be executed repeatedly, for example
// to compare worker counts over the same partitions.
func (a *App) Prepare(ctx context.Context, p Pipeline) (*Prepared, error) {
	if len(p.Select) > 0 && len(p.GroupBy) > 0 {
		return nil, tesserr.NewConfigError(tesserr.CodeInvalidOption,
			"select cannot be combined with group-by; an aggregation already defines its output columns")
	}

	prep := &Prepared{}
	var err error
	switch {
	case p.ReuseSpill:
		err = a.reuseSpilled(ctx, p, prep)
	case p.Input == "":
		return nil, tesserr.NewConfigError(tesserr.CodeInvalidOption,
			"input is required unless reusing a spill directory")
	case a.cfg.Partition.SpillEnabled:
		err = a.spillInput(ctx, p, prep)
	default:
		err = a.collectInput(ctx, p, prep)
	}
	if err != nil {
		return nil, err
	}

	prep.graph, err = buildGraph(prep.schema, p)
	if err != nil {
		prep.Close()
		return nil, err
	}

	if prep.store != nil {
		if err := a.pruneStore(prep); err != nil {
			prep.Close()
			return nil, err
		}
		if budget := a.cfg.Execution.CacheRows; budget > 0 {
			c, err := cache.NewPartitionCache(prep.provider, budget)
			if err != nil {
				prep.Close()
				return nil, err
			}
			prep.cache = c
			prep.provider = c
		}
	}
	return prep, nil
}

// Execute runs the prepared pipeline at the given concurrency.
func (a *App) Execute(ctx context.Context, prep *Prepared, concurrency int) (*executor.Result, error) {
	sched, err := executor.NewScheduler(concurrency)
	if err != nil {
		return nil, err
	}
	if a.notifier != nil {
		sched.SetNotifier(a.notifier)
	}
	return sched.RunProvider(ctx, prep.graph, prep.provider)
}

// collectInput reads the whole input into in-memory partitions.
func (a *App) collectInput(ctx context.Context, p Pipeline, prep *Prepared) error {
	src, err := a.openSource(ctx, p)
	if err != nil {
		return err
	}
	defer src.Close()
	prep.schema = src.Schema()

	if p.AdaptiveSize {
		records, err := source.ReadAll(src)
		if err != nil {
			return err
		}
		target := partition.NewAdaptiveSizer().
			TargetSize(int64(len(records)), a.cfg.Execution.Concurrency)
		pt, err := partition.NewPartitioner(target)
		if err != nil {
			return err
		}
		prep.provider = executor.NewSliceProvider(pt.FromRecords(records))
		return nil
	}

	pt, err := partition.NewPartitioner(a.cfg.Partition.TargetSize)
	if err != nil {
		return err
	}
	parts, err := pt.Collect(src)
	if err != nil {
		return err
	}
	prep.provider = executor.NewSliceProvider(parts)
	return nil
}

// spillInput streams the input through the partitioner into the spill
// directory, replacing whatever an earlier run left there.
func (a *App) spillInput(ctx context.Context, p Pipeline, prep *Prepared) error {
	src, err := a.openSource(ctx, p)
	if err != nil {
		return err
	}
	defer src.Close()

	store, err := partition.NewSpillStore(a.cfg.Partition.SpillDir, src.Schema(),
		partition.WithBloomColumns(a.cfg.Partition.BloomColumns...))
	if err != nil {
		return err
	}

	pt, err := partition.NewPartitioner(a.cfg.Partition.TargetSize)
	if err != nil {
		store.Close()
		return err
	}
	if _, err := store.SpillAll(ctx, pt.Iterate(src)); err != nil {
		store.Close()
		return err
	}

	if p.CompactSpill {
		if prep.compacted, err = a.compactStore(ctx, store); err != nil {
			store.Close()
			return err
		}
	}

	prep.store = store
	prep.schema = store.Schema()
	prep.provider = store
	return nil
}

// reuseSpilled opens the spill directory written by an earlier run.
func (a *App) reuseSpilled(ctx context.Context, p Pipeline, prep *Prepared) error {
	store, err := partition.OpenSpillStore(a.cfg.Partition.SpillDir)
	if err != nil {
		return err
	}

	if p.CompactSpill {
		if prep.compacted, err = a.compactStore(ctx, store); err != nil {
			store.Close()
			return err
		}
	}

	prep.store = store
	prep.schema = store.Schema()
	prep.provider = store
	return nil
}

func (a *App) compactStore(ctx context.Context, store *partition.SpillStore) (*partition.CompactionResult, error) {
	target := int64(a.cfg.Partition.TargetSize)
	compactor := partition.NewCompactor(store,
		partition.WithCompactTargetRows(target),
		partition.WithCompactMinRows(target/4))
	return compactor.Compact(ctx)
}

// pruneStore skips spilled partitions whose sidecar statistics prove no
// record can pass the graph's filters.
func (a *App) pruneStore(prep *Prepared) error {
	gh := prep.graph.PruneHints()
	hints := make([]partition.Hint, len(gh))
	for i, h := range gh {
		hints[i] = partition.Hint{Column: h.Column, Op: h.Op, Value: h.Value}
	}

	result, err := partition.NewPruner(prep.store).Prune(hints)
	if err != nil {
		return err
	}
	prep.pruned = result
	if result.TotalPruned > 0 {
		prep.provider = &subsetProvider{store: prep.store, kept: result.Kept}
	}
	return nil
}

// buildGraph translates the pipeline's declarative stages into a graph.
// The filter comes first so its comparisons stay usable as prune hints.
func buildGraph(schema types.Schema, p Pipeline) (*graph.Graph, error) {
	g, err := graph.New(schema)
	if err != nil {
		return nil, err
	}
	if p.Where != "" {
		if g, err = graph.ParseWhere(g, p.Where); err != nil {
			return nil, err
		}
	}
	if len(p.Select) > 0 {
		if g, err = g.Select(p.Select...); err != nil {
			return nil, err
		}
	}
	if len(p.GroupBy) > 0 || len(p.Aggregations) > 0 {
		if g, err = g.GroupAggregate(p.GroupBy, p.Aggregations); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// openSource resolves the input reference to local files and opens them
// as one concatenated source.
func (a *App) openSource(ctx context.Context, p Pipeline) (source.RecordSource, error) {
	paths, err := a.resolveInput(ctx, p.Input)
	if err != nil {
		return nil, err
	}
	if p.Schema != nil {
		return source.OpenPathsWithSchema(*p.Schema, paths...)
	}
	return source.OpenPaths(paths...)
}

// resolveInput turns the input reference into local file paths in shard
// order. Remote URIs are staged into the scratch directory first.
func (a *App) resolveInput(ctx context.Context, input string) ([]string, error) {
	if strings.HasPrefix(input, s3Scheme) {
		return a.stageRemote(ctx, input)
	}
	if strings.ContainsAny(input, "*?[") {
		matches, err := filepath.Glob(input)
		if err != nil {
			return nil, tesserr.NewSourceError(tesserr.CodeOpenFailed,
				fmt.Sprintf("bad glob pattern %q", input), err)
		}
		if len(matches) == 0 {
			return nil, tesserr.NewSourceError(tesserr.CodeOpenFailed,
				fmt.Sprintf("no files match %q", input), nil)
		}
		sort.Strings(matches)
		return matches, nil
	}
	return []string{input}, nil
}

// stageRemote downloads s3://bucket/key into the scratch directory and
// returns the staged paths. A URI naming an exact object fetches that
// object; anything else is treated as a key prefix and every object under
// it becomes one shard.
func (a *App) stageRemote(ctx context.Context, uri string) ([]string, error) {
	bucket, key, err := splitS3URI(uri)
	if err != nil {
		return nil, err
	}

	store, err := a.objectStore(ctx, bucket)
	if err != nil {
		return nil, err
	}
	fetcher, err := storage.NewFetcher(store, a.cfg.Execution.Concurrency, a.cfg.Storage.ScratchDir)
	if err != nil {
		return nil, err
	}

	exists, err := store.Exists(ctx, key)
	if err != nil {
		return nil, err
	}

	var result *storage.FetchResult
	if exists {
		result, err = fetcher.FetchAll(ctx, []string{key})
	} else {
		result, err = fetcher.FetchPrefix(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	paths := result.Paths()
	if len(paths) == 0 {
		return nil, tesserr.NewSourceError(tesserr.CodeOpenFailed,
			fmt.Sprintf("no objects under %s", uri), nil)
	}
	return paths, nil
}

// objectStore builds the object store for a bucket from the configured
// S3 settings.
func (a *App) objectStore(ctx context.Context, bucket string) (storage.ObjectStorage, error) {
	s3cfg := a.cfg.Storage.S3
	return storage.NewS3Storage(ctx, bucket, storage.S3Config{
		Region:       s3cfg.Region,
		Endpoint:     s3cfg.Endpoint,
		UsePathStyle: s3cfg.UsePathStyle,
	})
}

func splitS3URI(uri string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(uri, s3Scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", tesserr.NewConfigError(tesserr.CodeInvalidOption,
			fmt.Sprintf("malformed S3 URI %q, want s3://bucket/key", uri))
	}
	return bucket, key, nil
}

// subsetProvider exposes the kept partitions of a pruned spill store
// under dense indexes. Order follows ascending original index, so output
// order matches an unpruned run minus the skipped partitions.
type subsetProvider struct {
	store *partition.SpillStore
	kept  []int
}

func (s *subsetProvider) NumPartitions() int {
	return len(s.kept)
}

func (s *subsetProvider) Partition(ctx context.Context, index int) (*types.Partition, error) {
	if index < 0 || index >= len(s.kept) {
		return nil, tesserr.NewExecutionError(tesserr.CodePartitionLoadFailed,
			fmt.Sprintf("no partition at index %d (have %d)", index, len(s.kept)), nil)
	}
	return s.store.Partition(ctx, s.kept[index])
}
