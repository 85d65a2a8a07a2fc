package partition

import (
	"context"
	"fmt"
	"os"

	"github.com/tessera-etl/tessera/pkg/types"
)

const (
	// DefaultCompactTargetRows caps how many rows a merged partition takes.
	DefaultCompactTargetRows int64 = 10000

	// DefaultCompactMinRows is the row count below which a spilled partition
	// is a merge candidate.
	DefaultCompactMinRows int64 = DefaultCompactTargetRows / 4
)

// Compactor merges runs of undersized spilled partitions into fewer, fuller
// ones. Tail partitions from short source files and skewed splits otherwise
// turn into per-partition scheduling overhead.
//
// Only adjacent partitions are merged and survivors are reindexed
// contiguously, so record order across the store is unchanged. Partition IDs
// follow the file they live in: kept partitions keep their ID, merged
// partitions get a new one. Compact must not run concurrently with Spill or
// Partition on the same store.
type Compactor struct {
	store      *SpillStore
	minRows    int64
	targetRows int64
}

// CompactorOption configures a Compactor.
type CompactorOption func(*Compactor)

// WithCompactMinRows sets the row count below which partitions are merged.
func WithCompactMinRows(n int64) CompactorOption {
	return func(c *Compactor) {
		c.minRows = n
	}
}

// WithCompactTargetRows sets the row cap for merged partitions.
func WithCompactTargetRows(n int64) CompactorOption {
	return func(c *Compactor) {
		c.targetRows = n
	}
}

// NewCompactor creates a compactor for a spill store.
func NewCompactor(store *SpillStore, opts ...CompactorOption) *Compactor {
	c := &Compactor{
		store:      store,
		minRows:    DefaultCompactMinRows,
		targetRows: DefaultCompactTargetRows,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.minRows > c.targetRows {
		c.minRows = c.targetRows
	}
	return c
}

// CompactionResult summarizes one compaction pass.
type CompactionResult struct {
	Before int // partitions before the pass
	After  int // partitions after the pass
	Merged int // source partitions that were merged away
	Groups int // merge groups rewritten
}

// Compact finds runs of undersized partitions, rewrites each run as a single
// partition, and swaps the catalog to the new layout in one transaction. Old
// files are removed only after the catalog commit, so a crash leaves either
// the old layout or the new one, never a mix.
func (c *Compactor) Compact(ctx context.Context) (*CompactionResult, error) {
	infos := c.store.Infos()
	groups := c.findGroups(infos)
	result := &CompactionResult{Before: len(infos), After: len(infos), Groups: len(groups)}
	if len(groups) == 0 {
		return result, nil
	}

	groupOf := make(map[int]int)
	leader := make(map[int]bool)
	for gi, group := range groups {
		for _, info := range group {
			groupOf[info.Index] = gi
		}
		leader[group[0].Index] = true
	}

	var newInfos []*SpillInfo
	var retired []*SpillInfo
	next := 0
	for _, info := range infos {
		gi, merged := groupOf[info.Index]
		if !merged {
			kept := *info
			kept.Index = next
			if err := rewriteSidecarIndex(kept.SidecarPath, next); err != nil {
				return nil, err
			}
			newInfos = append(newInfos, &kept)
			next++
			continue
		}
		if !leader[info.Index] {
			continue
		}

		part, err := c.mergeGroup(ctx, groups[gi], next)
		if err != nil {
			return nil, err
		}
		newInfo, err := c.store.writePartitionFile(ctx, part)
		if err != nil {
			return nil, err
		}
		newInfos = append(newInfos, newInfo)
		retired = append(retired, groups[gi]...)
		next++
	}

	if err := c.store.catalog.Replace(ctx, newInfos); err != nil {
		return nil, err
	}
	c.store.resetInfos(newInfos)

	for _, info := range retired {
		os.Remove(info.Path)
		os.Remove(info.SidecarPath)
	}

	result.After = len(newInfos)
	result.Merged = len(retired)
	return result, nil
}

// findGroups walks the partitions in index order and collects runs of
// undersized neighbors. A run is cut when a full-sized partition interrupts
// it or when adding the next member would push it past the target. Runs of
// one have nothing to merge with and are left alone.
func (c *Compactor) findGroups(infos []*SpillInfo) [][]*SpillInfo {
	var groups [][]*SpillInfo
	var run []*SpillInfo
	var runRows int64

	flush := func() {
		if len(run) >= 2 {
			groups = append(groups, run)
		}
		run = nil
		runRows = 0
	}

	for _, info := range infos {
		if info.RowCount >= c.minRows {
			flush()
			continue
		}
		if len(run) > 0 && runRows+info.RowCount > c.targetRows {
			flush()
		}
		run = append(run, info)
		runRows += info.RowCount
	}
	flush()
	return groups
}

// mergeGroup concatenates the records of a run into one partition.
func (c *Compactor) mergeGroup(ctx context.Context, group []*SpillInfo, newIndex int) (*types.Partition, error) {
	var total int64
	for _, info := range group {
		total += info.RowCount
	}
	records := make([]types.Record, 0, total)
	for _, info := range group {
		part, err := c.store.readPartitionFile(ctx, info)
		if err != nil {
			return nil, err
		}
		records = append(records, part.Records...)
	}
	return &types.Partition{
		ID:      NewPartitionID(newIndex),
		Index:   newIndex,
		Records: records,
	}, nil
}

func rewriteSidecarIndex(path string, index int) error {
	sc, err := ReadSidecarFromFile(path)
	if err != nil {
		return err
	}
	if sc.Index == index {
		return nil
	}
	sc.Index = index
	if err := sc.WriteToFile(path); err != nil {
		return fmt.Errorf("partition: failed to reindex sidecar %s: %w", path, err)
	}
	return nil
}
