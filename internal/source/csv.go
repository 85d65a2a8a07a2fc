package source

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

// csvSource streams records from a CSV file with a header row.
type csvSource struct {
	f      *os.File
	reader *csv.Reader
	schema types.Schema
	cols   []int // schema field index -> csv column index

	peeked    types.Record
	hasPeeked bool
	row       int // data rows consumed, for error messages
}

func openCSV(path string, declared *types.Schema) (*csvSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, tesserr.NewSourceError(tesserr.CodeOpenFailed,
			fmt.Sprintf("cannot open %s", path), err)
	}

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		f.Close()
		return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			fmt.Sprintf("cannot read CSV header from %s", path), err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}

	src := &csvSource{f: f, reader: reader}

	if declared != nil {
		byName := make(map[string]int, len(columns))
		for i, c := range columns {
			byName[c] = i
		}
		src.schema = *declared
		src.cols = make([]int, len(declared.Fields))
		for i, field := range declared.Fields {
			idx, ok := byName[field.Name]
			if !ok {
				f.Close()
				return nil, tesserr.NewSchemaError(tesserr.CodeUnknownColumn,
					fmt.Sprintf("column %q not present in CSV header of %s", field.Name, path))
			}
			src.cols[i] = idx
		}
		return src, nil
	}

	// No declared schema: infer field kinds from the first data row.
	// All inferred fields are nullable.
	first, err := reader.Read()
	if err == io.EOF {
		fields := make([]types.Field, len(columns))
		for i, c := range columns {
			fields[i] = types.Field{Name: c, Kind: types.KindString, Nullable: true}
		}
		src.schema = types.NewSchema(fields...)
		src.cols = identityCols(len(columns))
		return src, nil
	}
	if err != nil {
		f.Close()
		return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			fmt.Sprintf("error reading CSV row 1 of %s", path), err)
	}

	fields := make([]types.Field, len(columns))
	rec := make(types.Record, len(columns))
	for i, c := range columns {
		var cell string
		if i < len(first) {
			cell = strings.TrimSpace(first[i])
		}
		v := inferCell(cell)
		kind := v.Kind
		if kind == types.KindNull {
			kind = types.KindString
		}
		fields[i] = types.Field{Name: c, Kind: kind, Nullable: true}
		rec[c] = v
	}
	src.schema = types.NewSchema(fields...)
	src.cols = identityCols(len(columns))
	src.peeked = rec
	src.hasPeeked = true
	src.row = 1
	return src, nil
}

func identityCols(n int) []int {
	cols := make([]int, n)
	for i := range cols {
		cols[i] = i
	}
	return cols
}

func (s *csvSource) Schema() types.Schema { return s.schema }

func (s *csvSource) Next() (types.Record, error) {
	if s.hasPeeked {
		s.hasPeeked = false
		return s.peeked, nil
	}

	row, err := s.reader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			fmt.Sprintf("error reading CSV row %d", s.row+1), err)
	}
	s.row++

	rec := make(types.Record, len(s.schema.Fields))
	for i, field := range s.schema.Fields {
		var cell string
		if s.cols[i] < len(row) {
			cell = strings.TrimSpace(row[s.cols[i]])
		}
		v, err := decodeCell(cell, field.Kind)
		if err != nil {
			return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
				fmt.Sprintf("row %d column %q: %v", s.row, field.Name, err), err)
		}
		rec[field.Name] = v
	}
	return rec, nil
}

func (s *csvSource) Close() error { return s.f.Close() }

// decodeCell parses a CSV cell according to the declared field kind.
// Empty cells and the literal "null" decode as Null.
func decodeCell(s string, kind types.ValueKind) (types.Value, error) {
	if s == "" || strings.EqualFold(s, "null") {
		return types.Null(), nil
	}
	switch kind {
	case types.KindInt:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return types.Null(), fmt.Errorf("%q is not an integer", s)
		}
		return types.IntVal(v), nil
	case types.KindFloat:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return types.Null(), fmt.Errorf("%q is not a float", s)
		}
		return types.FloatVal(v), nil
	case types.KindBool:
		v, err := strconv.ParseBool(strings.ToLower(s))
		if err != nil {
			return types.Null(), fmt.Errorf("%q is not a boolean", s)
		}
		return types.BoolVal(v), nil
	case types.KindTime:
		v, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return types.Null(), fmt.Errorf("%q is not an RFC3339 timestamp", s)
		}
		return types.TimeVal(v), nil
	case types.KindString:
		return types.StrVal(s), nil
	default:
		return types.Null(), fmt.Errorf("cannot decode into kind %s", kind)
	}
}

// inferCell guesses the type of a CSV cell: integer, then float, then
// boolean, then RFC3339 timestamp, falling back to string.
func inferCell(s string) types.Value {
	if s == "" || strings.EqualFold(s, "null") {
		return types.Null()
	}

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return types.IntVal(v)
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return types.FloatVal(v)
	}

	lower := strings.ToLower(s)
	if lower == "true" {
		return types.BoolVal(true)
	}
	if lower == "false" {
		return types.BoolVal(false)
	}

	if v, err := time.Parse(time.RFC3339, s); err == nil {
		return types.TimeVal(v)
	}

	return types.StrVal(s)
}
