package source

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

const parquetReadBatch = 64

// parquetSource reads a parquet file row group by row group. Only flat
// schemas are supported; nested and repeated columns are rejected at open.
type parquetSource struct {
	f      *os.File
	groups []parquet.RowGroup
	group  int          // next row group to open
	rows   parquet.Rows // open row reader, nil between groups
	buf    []parquet.Row
	pos    int
	n      int

	schema types.Schema
	names  []string // leaf column index to field name
}

func openParquet(path string) (*parquetSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, tesserr.NewSourceError(tesserr.CodeOpenFailed,
			fmt.Sprintf("failed to open %s", path), err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, tesserr.NewSourceError(tesserr.CodeOpenFailed,
			fmt.Sprintf("failed to stat %s", path), err)
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		f.Close()
		return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			fmt.Sprintf("failed to read parquet footer of %s", path), err)
	}

	pfields := pf.Schema().Fields()
	fields := make([]types.Field, 0, len(pfields))
	names := make([]string, 0, len(pfields))
	for _, field := range pfields {
		if !field.Leaf() || field.Repeated() {
			f.Close()
			return nil, tesserr.NewSourceError(tesserr.CodeUnsupportedFormat,
				fmt.Sprintf("parquet column %q is nested or repeated, only flat columns are supported", field.Name()))
		}
		kind, ok := parquetKind(field.Type())
		if !ok {
			f.Close()
			return nil, tesserr.NewSourceError(tesserr.CodeUnsupportedFormat,
				fmt.Sprintf("parquet column %q has unsupported type %s", field.Name(), field.Type()))
		}
		fields = append(fields, types.Field{
			Name:     field.Name(),
			Kind:     kind,
			Nullable: field.Optional(),
		})
		names = append(names, field.Name())
	}

	schema := types.NewSchema(fields...)
	if err := schema.Validate(); err != nil {
		f.Close()
		return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			fmt.Sprintf("invalid schema in %s", path), err)
	}

	return &parquetSource{
		f:      f,
		groups: pf.RowGroups(),
		buf:    make([]parquet.Row, parquetReadBatch),
		schema: schema,
		names:  names,
	}, nil
}

func (s *parquetSource) Schema() types.Schema { return s.schema }

func (s *parquetSource) Next() (types.Record, error) {
	for s.pos >= s.n {
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
	row := s.buf[s.pos]
	s.pos++
	return s.decodeRow(row)
}

// fill loads the next batch of rows, opening the next row group as the
// current one drains. Returns io.EOF once every group is exhausted.
func (s *parquetSource) fill() error {
	for {
		if s.rows == nil {
			if s.group >= len(s.groups) {
				return io.EOF
			}
			s.rows = s.groups[s.group].Rows()
			s.group++
		}
		n, err := s.rows.ReadRows(s.buf)
		s.pos, s.n = 0, n
		if n > 0 {
			// err may be io.EOF with rows still buffered; serve them first.
			return nil
		}
		if err == nil || err == io.EOF {
			s.rows.Close()
			s.rows = nil
			continue
		}
		return tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			"failed to read parquet rows", err)
	}
}

func (s *parquetSource) decodeRow(row parquet.Row) (types.Record, error) {
	rec := make(types.Record, len(s.names))
	for _, v := range row {
		col := v.Column()
		if col < 0 || col >= len(s.names) {
			return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
				fmt.Sprintf("parquet value for unknown column %d", col), nil)
		}
		rec[s.names[col]] = parquetValue(v)
	}
	return rec, nil
}

func (s *parquetSource) Close() error {
	if s.rows != nil {
		s.rows.Close()
		s.rows = nil
	}
	return s.f.Close()
}

func parquetKind(t parquet.Type) (types.ValueKind, bool) {
	switch t.Kind() {
	case parquet.Boolean:
		return types.KindBool, true
	case parquet.Int32, parquet.Int64:
		return types.KindInt, true
	case parquet.Float, parquet.Double:
		return types.KindFloat, true
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return types.KindString, true
	}
	return types.KindNull, false
}

// parquetValue converts one cell, switching on the physical type actually
// stored rather than the schema kind.
func parquetValue(v parquet.Value) types.Value {
	if v.IsNull() {
		return types.Null()
	}
	switch v.Kind() {
	case parquet.Boolean:
		return types.BoolVal(v.Boolean())
	case parquet.Int32:
		return types.IntVal(int64(v.Int32()))
	case parquet.Int64:
		return types.IntVal(v.Int64())
	case parquet.Float:
		return types.FloatVal(float64(v.Float()))
	case parquet.Double:
		return types.FloatVal(v.Double())
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return types.StrVal(v.String())
	}
	return types.Null()
}
