// Package source provides forward-only record sources for the Tessera
// pipeline. A source yields records one at a time so the partitioner never
// needs the whole dataset in memory.
package source

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

// RecordSource is a forward-only stream of records sharing one schema.
// Next returns io.EOF after the last record.
type RecordSource interface {
	Schema() types.Schema
	Next() (types.Record, error)
	Close() error
}

// Open opens a record source for the given file, dispatching on extension.
// The schema is inferred from the file (header plus first data row for CSV,
// first object for JSONL, the embedded schema for Avro and Parquet).
func Open(path string) (RecordSource, error) {
	return open(path, nil)
}

// OpenWithSchema opens a record source with a declared schema. Cell values
// are decoded according to the declared field kinds. Avro and Parquet
// files carry their own schema, which takes precedence.
func OpenWithSchema(path string, schema types.Schema) (RecordSource, error) {
	return open(path, &schema)
}

func open(path string, schema *types.Schema) (RecordSource, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".csv":
		return openCSV(path, schema)
	case ".jsonl":
		return openJSONL(path, schema)
	case ".avro":
		return openAvro(path)
	case ".parquet":
		return openParquet(path)
	default:
		return nil, tesserr.NewSourceError(tesserr.CodeUnsupportedFormat,
			fmt.Sprintf("unsupported file format %q (supported: .csv, .jsonl, .avro, .parquet)", ext))
	}
}

// sliceSource serves records from an in-memory slice.
type sliceSource struct {
	schema  types.Schema
	records []types.Record
	pos     int
}

// FromRecords returns an in-memory source over the given records.
func FromRecords(schema types.Schema, records []types.Record) RecordSource {
	return &sliceSource{schema: schema, records: records}
}

func (s *sliceSource) Schema() types.Schema { return s.schema }

func (s *sliceSource) Next() (types.Record, error) {
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

func (s *sliceSource) Close() error { return nil }

// ReadAll drains a source into a slice. Intended for small datasets and tests.
func ReadAll(src RecordSource) ([]types.Record, error) {
	var records []types.Record
	for {
		rec, err := src.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}
