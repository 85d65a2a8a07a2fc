package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Fetcher stages remote dataset files into a local scratch directory so
// the pipeline can open them as ordinary files. Shards download in
// parallel, bounded by the configured concurrency; files already staged
// are reused.
type Fetcher struct {
	storage     ObjectStorage
	concurrency int
	scratchDir  string
}

// FetchResult describes one staging operation.
type FetchResult struct {
	// LocalPaths maps each object key to its staged local file, ordered
	// iteration must go through Keys
	LocalPaths map[string]string

	// Keys holds the fetched object keys in lexicographic order, which is
	// the record order of a sharded dataset
	Keys []string

	// CacheHits counts shards that were already staged
	CacheHits int

	// Downloads counts shards actually transferred
	Downloads int
}

// Paths returns the staged local paths in shard order.
func (r *FetchResult) Paths() []string {
	paths := make([]string, len(r.Keys))
	for i, key := range r.Keys {
		paths[i] = r.LocalPaths[key]
	}
	return paths
}

// NewFetcher creates a fetcher staging files into scratchDir with at most
// concurrency parallel downloads.
func NewFetcher(store ObjectStorage, concurrency int, scratchDir string) (*Fetcher, error) {
	if concurrency < 1 {
		return nil, fmt.Errorf("storage: fetch concurrency must be >= 1, got %d", concurrency)
	}
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("storage: failed to create scratch directory: %w", err)
	}
	return &Fetcher{
		storage:     store,
		concurrency: concurrency,
		scratchDir:  scratchDir,
	}, nil
}

// FetchAll stages the given objects. Every shard is attempted even when a
// sibling fails; a failure of any shard fails the whole fetch with one
// error naming every failing key, since a dataset with missing shards
// cannot be processed.
func (f *Fetcher) FetchAll(ctx context.Context, keys []string) (*FetchResult, error) {
	result := &FetchResult{
		LocalPaths: make(map[string]string, len(keys)),
		Keys:       append([]string(nil), keys...),
	}
	sort.Strings(result.Keys)

	var queue []string
	for _, key := range result.Keys {
		local := f.localPath(key)
		if _, err := os.Stat(local); err == nil {
			result.LocalPaths[key] = local
			result.CacheHits++
			continue
		}
		queue = append(queue, key)
	}

	sem := semaphore.NewWeighted(int64(f.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := make(map[string]error)

	for _, key := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			failures[key] = err
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(key, local string) {
			defer sem.Release(1)
			defer wg.Done()

			if err := f.storage.Download(ctx, key, local); err != nil {
				mu.Lock()
				failures[key] = err
				mu.Unlock()
				return
			}

			mu.Lock()
			result.LocalPaths[key] = local
			result.Downloads++
			mu.Unlock()
		}(key, f.localPath(key))
	}

	wg.Wait()

	if len(failures) > 0 {
		failed := make([]string, 0, len(failures))
		for key := range failures {
			failed = append(failed, key)
		}
		sort.Strings(failed)
		parts := make([]string, len(failed))
		for i, key := range failed {
			parts[i] = fmt.Sprintf("%s: %v", key, failures[key])
		}
		return nil, fmt.Errorf("storage: %d of %d shards failed to stage: %s",
			len(failures), len(result.Keys), strings.Join(parts, "; "))
	}
	return result, nil
}

// FetchPrefix lists all objects under the prefix and stages them. A
// prefix matching nothing is an error: the pipeline would otherwise run
// over an accidentally empty dataset.
func (f *Fetcher) FetchPrefix(ctx context.Context, prefix string) (*FetchResult, error) {
	keys, err := f.storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("storage: no objects under prefix %q: %w", prefix, ErrObjectNotFound)
	}
	return f.FetchAll(ctx, keys)
}

// localPath maps an object key to its staged file. Keys keep their base
// name but flatten directories, prefixing a short mangle of the full key
// so shards from different prefixes cannot collide.
func (f *Fetcher) localPath(key string) string {
	dir := filepath.Dir(filepath.FromSlash(key))
	base := filepath.Base(filepath.FromSlash(key))
	if dir == "." || dir == string(filepath.Separator) {
		return filepath.Join(f.scratchDir, base)
	}
	mangled := strings.NewReplacer("/", "_", "\\", "_").Replace(dir)
	return filepath.Join(f.scratchDir, mangled+"_"+base)
}
