package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/tessera-etl/tessera/pkg/types"
)

type parquetTxn struct {
	Amount float64 `parquet:"amount"`
	Region string  `parquet:"region"`
	Count  int64   `parquet:"count"`
	Note   *string `parquet:"note,optional"`
}

func strPtr(s string) *string { return &s }

// writeParquetFile writes rows to path, starting a new row group after
// every flushEvery rows when flushEvery is positive.
func writeParquetFile(t *testing.T, path string, flushEvery int, rows []parquetTxn) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := parquet.NewGenericWriter[parquetTxn](f)
	for i, row := range rows {
		if _, err := w.Write([]parquetTxn{row}); err != nil {
			t.Fatalf("write row %d: %v", i, err)
		}
		if flushEvery > 0 && (i+1)%flushEvery == 0 {
			if err := w.Flush(); err != nil {
				t.Fatalf("flush after row %d: %v", i, err)
			}
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.parquet")
	writeParquetFile(t, path, 0, []parquetTxn{
		{Amount: 12.5, Region: "emea", Count: 3, Note: strPtr("first")},
		{Amount: -3.0, Region: "apac", Count: 1},
	})

	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	schema := src.Schema()
	if field, _ := schema.Field("amount"); field.Kind != types.KindFloat {
		t.Errorf("amount kind = %s, want float", field.Kind)
	}
	if field, _ := schema.Field("count"); field.Kind != types.KindInt {
		t.Errorf("count kind = %s, want int", field.Kind)
	}
	if field, _ := schema.Field("note"); field.Kind != types.KindString || !field.Nullable {
		t.Errorf("note = %+v, want nullable string", field)
	}

	records, err := ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0]["amount"].Float != 12.5 || records[0]["region"].Str != "emea" {
		t.Errorf("first record = %v", records[0])
	}
	if records[0]["note"].Str != "first" {
		t.Errorf("optional value not decoded: %v", records[0]["note"])
	}
	if !records[1]["note"].IsNull() {
		t.Errorf("missing optional should decode as null: %v", records[1]["note"])
	}
}

func TestOpenParquet_MultipleRowGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.parquet")
	rows := make([]parquetTxn, 5)
	for i := range rows {
		rows[i] = parquetTxn{Amount: float64(i), Region: "emea", Count: int64(i + 1)}
	}
	writeParquetFile(t, path, 2, rows)

	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	records, err := ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("got %d records, want 5", len(records))
	}
	for i, rec := range records {
		if rec["count"].Int != int64(i+1) {
			t.Fatalf("record %d has count %d, want row groups read in order", i, rec["count"].Int)
		}
	}
}

func TestOpenParquet_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")
	writeParquetFile(t, path, 0, nil)

	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	records, err := ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("got %d records from an empty file", len(records))
	}
}
