package source

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

// multiSource chains shard sources into one stream.
type multiSource struct {
	schema  types.Schema
	sources []RecordSource
	pos     int
}

// Concat chains sources into one stream, in order. Shard schemas must
// reconcile: the same field names everywhere, a field that is int in one
// shard and float in another widens to float, and a field nullable anywhere
// is nullable in the result.
func Concat(sources ...RecordSource) (RecordSource, error) {
	if len(sources) == 0 {
		return nil, tesserr.NewSourceError(tesserr.CodeOpenFailed,
			"cannot concatenate zero sources", nil)
	}
	if len(sources) == 1 {
		return sources[0], nil
	}

	schema := sources[0].Schema()
	for i, src := range sources[1:] {
		widened, err := reconcileSchemas(schema, src.Schema())
		if err != nil {
			return nil, fmt.Errorf("source: shard %d does not match shard 0: %w", i+1, err)
		}
		schema = widened
	}
	return &multiSource{schema: schema, sources: sources}, nil
}

// OpenPaths opens each file and concatenates them in the given order.
func OpenPaths(paths ...string) (RecordSource, error) {
	return openPaths(paths, nil)
}

// OpenPathsWithSchema opens each file against a declared schema and
// concatenates them in the given order.
func OpenPathsWithSchema(schema types.Schema, paths ...string) (RecordSource, error) {
	return openPaths(paths, &schema)
}

// OpenGlob opens every file matching the pattern, in lexical order, and
// concatenates them. Sharded datasets are usually laid out so lexical order
// is shard order (part-00000.csv, part-00001.csv, ...).
func OpenGlob(pattern string) (RecordSource, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, tesserr.NewSourceError(tesserr.CodeOpenFailed,
			fmt.Sprintf("bad glob pattern %q", pattern), err)
	}
	if len(paths) == 0 {
		return nil, tesserr.NewSourceError(tesserr.CodeOpenFailed,
			fmt.Sprintf("no files match %q", pattern), nil)
	}
	sort.Strings(paths)
	return openPaths(paths, nil)
}

func openPaths(paths []string, schema *types.Schema) (RecordSource, error) {
	if len(paths) == 0 {
		return nil, tesserr.NewSourceError(tesserr.CodeOpenFailed,
			"no input files", nil)
	}

	sources := make([]RecordSource, 0, len(paths))
	for _, path := range paths {
		var src RecordSource
		var err error
		if schema != nil {
			src, err = OpenWithSchema(path, *schema)
		} else {
			src, err = Open(path)
		}
		if err != nil {
			for _, opened := range sources {
				opened.Close()
			}
			return nil, err
		}
		sources = append(sources, src)
	}
	return Concat(sources...)
}

func (m *multiSource) Schema() types.Schema { return m.schema }

func (m *multiSource) Next() (types.Record, error) {
	for m.pos < len(m.sources) {
		rec, err := m.sources[m.pos].Next()
		if err == io.EOF {
			if cerr := m.sources[m.pos].Close(); cerr != nil {
				return nil, cerr
			}
			m.sources[m.pos] = nil
			m.pos++
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, io.EOF
}

func (m *multiSource) Close() error {
	var firstErr error
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.sources = nil
	return firstErr
}

// reconcileSchemas merges two shard schemas field by field. Field order
// follows the first schema.
func reconcileSchemas(a, b types.Schema) (types.Schema, error) {
	if len(a.Fields) != len(b.Fields) {
		return types.Schema{}, tesserr.NewSchemaError(tesserr.CodeUnknownColumn,
			fmt.Sprintf("shards have %d and %d columns", len(a.Fields), len(b.Fields)))
	}

	byName := make(map[string]types.Field, len(b.Fields))
	for _, f := range b.Fields {
		byName[f.Name] = f
	}

	fields := make([]types.Field, 0, len(a.Fields))
	for _, fa := range a.Fields {
		fb, ok := byName[fa.Name]
		if !ok {
			return types.Schema{}, tesserr.NewSchemaError(tesserr.CodeUnknownColumn,
				fmt.Sprintf("column %q is missing from a shard", fa.Name))
		}
		kind, err := widenKind(fa.Name, fa.Kind, fb.Kind)
		if err != nil {
			return types.Schema{}, err
		}
		fields = append(fields, types.Field{
			Name:     fa.Name,
			Kind:     kind,
			Nullable: fa.Nullable || fb.Nullable,
		})
	}
	return types.NewSchema(fields...), nil
}

func widenKind(name string, a, b types.ValueKind) (types.ValueKind, error) {
	if a == b {
		return a, nil
	}
	if a.Numeric() && b.Numeric() {
		return types.KindFloat, nil
	}
	return types.KindNull, tesserr.NewSchemaError(tesserr.CodeTypeMismatch,
		fmt.Sprintf("column %q is %s in one shard and %s in another", name, a, b))
}
