package source

import (
	"os"
	"path/filepath"
	"testing"

	goavro "github.com/linkedin/goavro/v2"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFromRecords(t *testing.T) {
	schema := types.NewSchema(
		types.Field{Name: "id", Kind: types.KindInt},
		types.Field{Name: "region", Kind: types.KindString},
	)
	records := []types.Record{
		{"id": types.IntVal(1), "region": types.StrVal("emea")},
		{"id": types.IntVal(2), "region": types.StrVal("apac")},
	}

	src := FromRecords(schema, records)
	got, err := ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[1]["region"].Str != "apac" {
		t.Errorf("record 1 region = %q", got[1]["region"].Str)
	}
}

func TestOpenCSV_InferredSchema(t *testing.T) {
	path := writeFile(t, "txns.csv", `amount, region, active, note
12.5, emea, true, first
-3.25, apac, false,
100, emea, true, null
`)

	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	schema := src.Schema()
	wantKinds := map[string]types.ValueKind{
		"amount": types.KindFloat,
		"region": types.KindString,
		"active": types.KindBool,
		"note":   types.KindString,
	}
	for name, kind := range wantKinds {
		field, ok := schema.Field(name)
		if !ok {
			t.Fatalf("schema missing %q", name)
		}
		if field.Kind != kind {
			t.Errorf("%s kind = %s, want %s", name, field.Kind, kind)
		}
	}

	records, err := ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0]["amount"].Float != 12.5 {
		t.Errorf("row 0 amount = %v", records[0]["amount"])
	}
	if !records[1]["note"].IsNull() || !records[2]["note"].IsNull() {
		t.Error("empty and literal-null cells should decode as null")
	}
	// "100" in a float column decodes as float once the kind is fixed.
	if records[2]["amount"].Kind != types.KindFloat || records[2]["amount"].Float != 100 {
		t.Errorf("row 2 amount = %v", records[2]["amount"])
	}
}

func TestOpenCSV_DeclaredSchema(t *testing.T) {
	path := writeFile(t, "txns.csv", `region,amount
emea,10
apac,20
`)

	// Declared field order need not match the file's column order.
	schema := types.NewSchema(
		types.Field{Name: "amount", Kind: types.KindInt},
		types.Field{Name: "region", Kind: types.KindString},
	)
	src, err := OpenWithSchema(path, schema)
	if err != nil {
		t.Fatalf("OpenWithSchema: %v", err)
	}
	defer src.Close()

	records, err := ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	if records[0]["amount"].Kind != types.KindInt || records[0]["amount"].Int != 10 {
		t.Errorf("amount = %v, want int 10", records[0]["amount"])
	}
}

func TestOpenCSV_UnknownDeclaredColumn(t *testing.T) {
	path := writeFile(t, "txns.csv", "amount\n1\n")

	schema := types.NewSchema(types.Field{Name: "missing", Kind: types.KindInt})
	_, err := OpenWithSchema(path, schema)
	if err == nil {
		t.Fatal("expected error for column absent from header")
	}
	if tesserr.GetCode(err) != tesserr.CodeUnknownColumn {
		t.Errorf("code = %s, want %s", tesserr.GetCode(err), tesserr.CodeUnknownColumn)
	}
}

func TestOpenCSV_DecodeError(t *testing.T) {
	path := writeFile(t, "txns.csv", "amount\n1\nnot-a-number\n")

	schema := types.NewSchema(types.Field{Name: "amount", Kind: types.KindInt})
	src, err := OpenWithSchema(path, schema)
	if err != nil {
		t.Fatalf("OpenWithSchema: %v", err)
	}
	defer src.Close()

	if _, err := src.Next(); err != nil {
		t.Fatalf("row 1 should decode: %v", err)
	}
	_, err = src.Next()
	if err == nil {
		t.Fatal("expected decode error")
	}
	if tesserr.GetCode(err) != tesserr.CodeDecodeFailed {
		t.Errorf("code = %s, want %s", tesserr.GetCode(err), tesserr.CodeDecodeFailed)
	}
}

func TestOpenJSONL(t *testing.T) {
	path := writeFile(t, "txns.jsonl", `{"amount": 12.5, "region": "emea", "count": 9007199254740993}

{"region": "apac", "amount": -1}
{"amount": null, "region": "emea", "count": 2}
`)

	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	// Field order follows the first object's key order.
	names := src.Schema().FieldNames()
	if len(names) != 3 || names[0] != "amount" || names[1] != "region" || names[2] != "count" {
		t.Fatalf("field order = %v", names)
	}

	records, err := ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3 (blank line skipped)", len(records))
	}
	// Large integers survive exactly.
	if records[0]["count"].Kind != types.KindInt || records[0]["count"].Int != 9007199254740993 {
		t.Errorf("count = %v, want exact int", records[0]["count"])
	}
	if !records[1]["count"].IsNull() {
		t.Error("absent key should decode as null")
	}
	if !records[2]["amount"].IsNull() {
		t.Error("JSON null should decode as null")
	}
}

func TestOpenAvro(t *testing.T) {
	const avroSchema = `{
		"type": "record",
		"name": "txn",
		"fields": [
			{"name": "amount", "type": "double"},
			{"name": "region", "type": "string"},
			{"name": "note", "type": ["null", "string"]}
		]
	}`

	path := filepath.Join(t.TempDir(), "txns.avro")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := goavro.NewOCFWriter(goavro.OCFConfig{W: f, Schema: avroSchema})
	if err != nil {
		t.Fatal(err)
	}
	err = w.Append([]interface{}{
		map[string]interface{}{"amount": 12.5, "region": "emea", "note": goavro.Union("string", "first")},
		map[string]interface{}{"amount": -3.0, "region": "apac", "note": nil},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	schema := src.Schema()
	if field, _ := schema.Field("amount"); field.Kind != types.KindFloat {
		t.Errorf("amount kind = %s, want float", field.Kind)
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
	if records[0]["note"].Str != "first" {
		t.Errorf("union value not unwrapped: %v", records[0]["note"])
	}
	if !records[1]["note"].IsNull() {
		t.Errorf("null union branch should decode as null: %v", records[1]["note"])
	}
}

func TestOpenUnsupportedFormat(t *testing.T) {
	_, err := Open("data.xml")
	if err == nil {
		t.Fatal("expected error")
	}
	if tesserr.GetCode(err) != tesserr.CodeUnsupportedFormat {
		t.Errorf("code = %s, want %s", tesserr.GetCode(err), tesserr.CodeUnsupportedFormat)
	}
}
