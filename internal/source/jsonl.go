package source

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

// jsonlSource streams records from a file of newline-delimited JSON objects.
type jsonlSource struct {
	f       *os.File
	scanner *bufio.Scanner
	schema  types.Schema

	peeked    types.Record
	hasPeeked bool
	line      int
}

func openJSONL(path string, declared *types.Schema) (*jsonlSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, tesserr.NewSourceError(tesserr.CodeOpenFailed,
			fmt.Sprintf("cannot open %s", path), err)
	}

	src := &jsonlSource{f: f, scanner: bufio.NewScanner(f)}

	if declared != nil {
		src.schema = *declared
		return src, nil
	}

	// No declared schema: infer field names, order, and kinds from the first
	// non-blank line. All inferred fields are nullable.
	line, ok, err := src.nextLine()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !ok {
		src.schema = types.Schema{}
		return src, nil
	}

	keys, err := objectKeys(line)
	if err != nil {
		f.Close()
		return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			fmt.Sprintf("invalid JSON on line %d of %s", src.line, path), err)
	}

	raw, err := decodeObject(line)
	if err != nil {
		f.Close()
		return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			fmt.Sprintf("invalid JSON on line %d of %s", src.line, path), err)
	}

	fields := make([]types.Field, len(keys))
	rec := make(types.Record, len(keys))
	for i, key := range keys {
		v, err := jsonToValue(raw[key], types.KindNull)
		if err != nil {
			f.Close()
			return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
				fmt.Sprintf("line %d column %q: %v", src.line, key, err), err)
		}
		kind := v.Kind
		if kind == types.KindNull {
			kind = types.KindString
		}
		fields[i] = types.Field{Name: key, Kind: kind, Nullable: true}
		rec[key] = v
	}
	src.schema = types.NewSchema(fields...)
	src.peeked = rec
	src.hasPeeked = true
	return src, nil
}

func (s *jsonlSource) Schema() types.Schema { return s.schema }

func (s *jsonlSource) Next() (types.Record, error) {
	if s.hasPeeked {
		s.hasPeeked = false
		return s.peeked, nil
	}

	line, ok, err := s.nextLine()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, io.EOF
	}

	raw, err := decodeObject(line)
	if err != nil {
		return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			fmt.Sprintf("invalid JSON on line %d", s.line), err)
	}

	rec := make(types.Record, len(s.schema.Fields))
	for _, field := range s.schema.Fields {
		v, present := raw[field.Name]
		if !present || v == nil {
			rec[field.Name] = types.Null()
			continue
		}
		val, err := jsonToValue(v, field.Kind)
		if err != nil {
			return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
				fmt.Sprintf("line %d column %q: %v", s.line, field.Name, err), err)
		}
		rec[field.Name] = val
	}
	return rec, nil
}

func (s *jsonlSource) Close() error { return s.f.Close() }

// nextLine advances to the next non-blank line. The second return is false
// once the file is exhausted.
func (s *jsonlSource) nextLine() (string, bool, error) {
	for s.scanner.Scan() {
		s.line++
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		return line, true, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", false, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			fmt.Sprintf("error reading after line %d", s.line), err)
	}
	return "", false, nil
}

func decodeObject(line string) (map[string]interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// objectKeys returns the top-level keys of a JSON object in their order of
// appearance, which map decoding discards.
func objectKeys(line string) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected a JSON object, got %v", tok)
	}

	var keys []string
	depth := 1
	expectKey := true
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if depth == 1 {
					expectKey = true
				}
			}
		default:
			if depth != 1 {
				continue
			}
			if expectKey {
				key, ok := t.(string)
				if !ok {
					return nil, fmt.Errorf("expected an object key, got %v", t)
				}
				keys = append(keys, key)
				expectKey = false
			} else {
				expectKey = true
			}
		}
	}
	return keys, nil
}

// jsonToValue converts a decoded JSON value. The target kind only guides
// numeric and timestamp decoding; KindNull means no target is declared.
func jsonToValue(v interface{}, kind types.ValueKind) (types.Value, error) {
	switch val := v.(type) {
	case nil:
		return types.Null(), nil
	case json.Number:
		if kind == types.KindFloat {
			f, err := val.Float64()
			if err != nil {
				return types.Null(), fmt.Errorf("invalid number %q", val.String())
			}
			return types.FloatVal(f), nil
		}
		return types.FromNative(val)
	case string:
		if kind == types.KindTime {
			t, err := time.Parse(time.RFC3339, val)
			if err != nil {
				return types.Null(), fmt.Errorf("%q is not an RFC3339 timestamp", val)
			}
			return types.TimeVal(t), nil
		}
		return types.StrVal(val), nil
	case bool:
		return types.BoolVal(val), nil
	default:
		// Nested objects and arrays are carried as their JSON text.
		b, err := json.Marshal(val)
		if err != nil {
			return types.Null(), err
		}
		return types.StrVal(string(b)), nil
	}
}
