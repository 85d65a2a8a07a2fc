package source

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	goavro "github.com/linkedin/goavro/v2"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

// avroSource streams records from an Avro object container file. The schema
// embedded in the container is authoritative.
type avroSource struct {
	f      *os.File
	ocfr   *goavro.OCFReader
	schema types.Schema
}

func openAvro(path string) (*avroSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, tesserr.NewSourceError(tesserr.CodeOpenFailed,
			fmt.Sprintf("cannot open %s", path), err)
	}

	ocfr, err := goavro.NewOCFReader(f)
	if err != nil {
		f.Close()
		return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			fmt.Sprintf("cannot read Avro container from %s", path), err)
	}

	var schemaDef struct {
		Fields []struct {
			Name string      `json:"name"`
			Type interface{} `json:"type"`
		} `json:"fields"`
	}
	if err := json.Unmarshal([]byte(ocfr.Codec().Schema()), &schemaDef); err != nil {
		f.Close()
		return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			fmt.Sprintf("cannot parse Avro schema of %s", path), err)
	}

	fields := make([]types.Field, len(schemaDef.Fields))
	for i, fd := range schemaDef.Fields {
		kind, nullable := avroKind(fd.Type)
		fields[i] = types.Field{Name: fd.Name, Kind: kind, Nullable: nullable}
	}

	return &avroSource{f: f, ocfr: ocfr, schema: types.NewSchema(fields...)}, nil
}

func (s *avroSource) Schema() types.Schema { return s.schema }

func (s *avroSource) Next() (types.Record, error) {
	if !s.ocfr.Scan() {
		if err := s.ocfr.Err(); err != nil {
			return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
				"error reading Avro file", err)
		}
		return nil, io.EOF
	}

	datum, err := s.ocfr.Read()
	if err != nil {
		return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			"error reading Avro record", err)
	}
	raw, ok := datum.(map[string]interface{})
	if !ok {
		return nil, tesserr.NewSourceError(tesserr.CodeDecodeFailed,
			fmt.Sprintf("unexpected Avro record type %T", datum), nil)
	}

	rec := make(types.Record, len(s.schema.Fields))
	for _, field := range s.schema.Fields {
		v, present := raw[field.Name]
		if !present || v == nil {
			rec[field.Name] = types.Null()
			continue
		}
		rec[field.Name] = avroToValue(v)
	}
	return rec, nil
}

func (s *avroSource) Close() error { return s.f.Close() }

// avroKind maps an Avro field type declaration to a value kind. Unions with a
// "null" branch mark the field nullable; the first non-null branch decides
// the kind.
func avroKind(t interface{}) (types.ValueKind, bool) {
	switch tt := t.(type) {
	case string:
		return baseAvroKind(tt), false
	case []interface{}:
		kind := types.KindString
		kindSet := false
		nullable := false
		for _, branch := range tt {
			if s, ok := branch.(string); ok && s == "null" {
				nullable = true
				continue
			}
			if !kindSet {
				kind, _ = avroKind(branch)
				kindSet = true
			}
		}
		return kind, nullable
	case map[string]interface{}:
		if lt, ok := tt["logicalType"].(string); ok && strings.HasPrefix(lt, "timestamp") {
			return types.KindTime, false
		}
		if inner, ok := tt["type"]; ok {
			return avroKind(inner)
		}
	}
	return types.KindString, true
}

func baseAvroKind(name string) types.ValueKind {
	switch name {
	case "int", "long":
		return types.KindInt
	case "float", "double":
		return types.KindFloat
	case "boolean":
		return types.KindBool
	default:
		return types.KindString
	}
}

// avroToValue converts a goavro datum. Unions decode as a single-entry map
// from branch name to the inner value.
func avroToValue(v interface{}) types.Value {
	if v == nil {
		return types.Null()
	}
	if m, ok := v.(map[string]interface{}); ok {
		for _, inner := range m {
			return avroToValue(inner)
		}
		return types.Null()
	}
	val, err := types.FromNative(v)
	if err != nil {
		return types.StrVal(fmt.Sprintf("%v", v))
	}
	return val
}
