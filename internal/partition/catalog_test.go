package partition

import (
	"context"
	"path/filepath"
	"testing"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

func TestCatalogRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c, err := OpenCatalog(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SaveSchema(ctx, txnSchema()); err != nil {
		t.Fatalf("SaveSchema: %v", err)
	}
	infos := []*SpillInfo{
		{PartitionID: "part:00000:aaaa", Index: 0, Path: filepath.Join(dir, "p0.sqlite"),
			SidecarPath: filepath.Join(dir, "p0.meta.json"), RowCount: 10, SizeBytes: 4096},
		{PartitionID: "part:00001:bbbb", Index: 1, Path: filepath.Join(dir, "p1.sqlite"),
			SidecarPath: filepath.Join(dir, "p1.meta.json"), RowCount: 7, SizeBytes: 2048},
	}
	for _, info := range infos {
		if err := c.Register(ctx, info); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	// A fresh handle sees everything the first one wrote.
	reopened, err := OpenCatalog(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	schema, err := reopened.Schema(ctx)
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	if len(schema.Fields) != len(txnSchema().Fields) {
		t.Errorf("schema has %d fields, want %d", len(schema.Fields), len(txnSchema().Fields))
	}

	got, err := reopened.Partitions(ctx)
	if err != nil {
		t.Fatalf("Partitions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d partitions, want 2", len(got))
	}
	for i, info := range got {
		if info.Index != i {
			t.Errorf("partition %d has index %d", i, info.Index)
		}
		if info.PartitionID != infos[i].PartitionID || info.RowCount != infos[i].RowCount {
			t.Errorf("partition %d = %+v, want %+v", i, info, infos[i])
		}
		if info.Path != infos[i].Path || info.SidecarPath != infos[i].SidecarPath {
			t.Errorf("partition %d paths not resolved against dir: %+v", i, info)
		}
	}
}

func TestCatalogRegisterOverwritesIndex(t *testing.T) {
	ctx := context.Background()
	c, err := OpenCatalog(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	first := &SpillInfo{PartitionID: "part:00000:aaaa", Index: 0, Path: "a.sqlite", SidecarPath: "a.meta.json", RowCount: 1}
	second := &SpillInfo{PartitionID: "part:00000:bbbb", Index: 0, Path: "b.sqlite", SidecarPath: "b.meta.json", RowCount: 2}
	if err := c.Register(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := c.Register(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := c.Partitions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PartitionID != "part:00000:bbbb" || got[0].RowCount != 2 {
		t.Errorf("got %+v, want the second registration only", got)
	}
}

func TestCatalogReplace(t *testing.T) {
	ctx := context.Background()
	c, err := OpenCatalog(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	for i := 0; i < 3; i++ {
		info := &SpillInfo{PartitionID: NewPartitionID(i), Index: i, Path: "x.sqlite", SidecarPath: "x.meta.json"}
		if err := c.Register(ctx, info); err != nil {
			t.Fatal(err)
		}
	}
	merged := &SpillInfo{PartitionID: NewPartitionID(0), Index: 0, Path: "m.sqlite", SidecarPath: "m.meta.json", RowCount: 30}
	if err := c.Replace(ctx, []*SpillInfo{merged}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	got, err := c.Partitions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RowCount != 30 {
		t.Errorf("got %+v after replace", got)
	}
}

func TestCatalogSchemaMissing(t *testing.T) {
	c, err := OpenCatalog(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.Schema(context.Background())
	if err == nil {
		t.Fatal("empty catalog should have no schema")
	}
	if tesserr.GetCode(err) != tesserr.CodeCatalogFailed {
		t.Errorf("code = %s, want %s", tesserr.GetCode(err), tesserr.CodeCatalogFailed)
	}
}

func TestSpillStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewSpillStore(dir, txnSchema(), WithBloomColumns("region"))
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPartitioner(2)
	if err != nil {
		t.Fatal(err)
	}
	records := []types.Record{
		txnRecord(1, "emea", 1),
		txnRecord(2, "apac", 2),
		txnRecord(3, "amer", 3),
		txnRecord(4, "emea", 4),
		txnRecord(5, "apac", 5),
	}
	if _, err := store.SpillAll(ctx, p.Iterate(&sliceReader{records: records})); err != nil {
		t.Fatalf("SpillAll: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenSpillStore(dir)
	if err != nil {
		t.Fatalf("OpenSpillStore: %v", err)
	}
	defer reopened.Close()

	if reopened.NumPartitions() != 3 {
		t.Fatalf("reopened store has %d partitions, want 3", reopened.NumPartitions())
	}
	if len(reopened.Schema().Fields) != len(txnSchema().Fields) {
		t.Errorf("schema lost on reopen")
	}

	part, err := reopened.Partition(ctx, 1)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if part.Len() != 2 || part.Records[0]["amount"].Float != 3 {
		t.Errorf("partition 1 = %+v", part)
	}

	// Sidecars survive too, including bloom filters.
	sc, err := reopened.Sidecar(0)
	if err != nil {
		t.Fatalf("Sidecar: %v", err)
	}
	f, err := sc.BloomFilter("region")
	if err != nil || f == nil {
		t.Fatalf("bloom filter lost on reopen: %v", err)
	}
}

func TestOpenSpillStoreWithoutCatalog(t *testing.T) {
	_, err := OpenSpillStore(t.TempDir())
	if err == nil {
		t.Fatal("opening a plain directory should fail")
	}
	if tesserr.GetCode(err) != tesserr.CodeCatalogFailed {
		t.Errorf("code = %s, want %s", tesserr.GetCode(err), tesserr.CodeCatalogFailed)
	}
}

func TestNewSpillStoreResetsCatalog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewSpillStore(dir, txnSchema())
	if err != nil {
		t.Fatal(err)
	}
	part := &types.Partition{ID: NewPartitionID(0), Index: 0,
		Records: []types.Record{txnRecord(1, "emea", 1)}}
	if _, err := store.Spill(ctx, part); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	fresh, err := NewSpillStore(dir, txnSchema())
	if err != nil {
		t.Fatal(err)
	}
	defer fresh.Close()
	if fresh.NumPartitions() != 0 {
		t.Errorf("fresh store sees %d stale partitions", fresh.NumPartitions())
	}

	got, err := fresh.catalog.Partitions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("catalog kept %d stale rows", len(got))
	}
}
