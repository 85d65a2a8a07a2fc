// Package main implements tessera-datagen, which generates synthetic
// transaction datasets in every format the pipeline can read. The same
// seed always produces the same dataset, so benchmark and test inputs
// are reproducible.
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/linkedin/goavro/v2"
	"github.com/parquet-go/parquet-go"
)

var (
	regions    = []string{"amer", "emea", "apac", "latam"}
	categories = []string{"grocery", "fuel", "travel", "electronics", "dining"}
	notes      = []string{"gift", "recurring", "refund requested", "bulk order", "priority"}
)

// transaction is one generated row.
type transaction struct {
	ID       int64
	Region   string
	Category string
	Amount   float64
	Quantity int64
	Note     *string // nil at the configured null rate
}

func main() {
	var (
		out      = flag.String("out", "", "Output file; format from extension (.csv, .jsonl, .avro, .parquet)")
		rows     = flag.Int64("rows", 10000, "Rows to generate")
		shards   = flag.Int("shards", 1, "Split the dataset into this many files")
		seed     = flag.Int64("seed", 1, "Random seed; the same seed generates the same dataset")
		nullRate = flag.Float64("null-rate", 0.1, "Fraction of rows with a null note")
	)
	flag.Parse()

	if *out == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *rows <= 0 {
		log.Fatalf("rows must be positive, got %d", *rows)
	}
	if *shards <= 0 || int64(*shards) > *rows {
		log.Fatalf("shards must be between 1 and the row count, got %d", *shards)
	}
	if *nullRate < 0 || *nullRate > 1 {
		log.Fatalf("null-rate must be within [0, 1], got %g", *nullRate)
	}

	rng := rand.New(rand.NewSource(*seed))
	paths := shardPaths(*out, *shards)

	id := int64(1)
	for i, path := range paths {
		count := rowsForShard(*rows, *shards, i)
		if err := writeShard(path, id, count, rng, *nullRate); err != nil {
			log.Fatalf("Failed to write %s: %v", path, err)
		}
		log.Printf("Wrote %s: %d rows (ids %d-%d)", path, count, id, id+count-1)
		id += count
	}
	log.Printf("Generated %d rows across %d file(s)", *rows, len(paths))
}

// shardPaths derives the output file names. A single shard keeps the
// given name; multiple shards become base-00.ext, base-01.ext, ... so a
// glob over them reads in generation order.
func shardPaths(out string, shards int) []string {
	if shards == 1 {
		return []string{out}
	}
	ext := filepath.Ext(out)
	base := strings.TrimSuffix(out, ext)
	paths := make([]string, shards)
	for i := range paths {
		paths[i] = fmt.Sprintf("%s-%02d%s", base, i, ext)
	}
	return paths
}

// rowsForShard splits rows evenly, handing the remainder to the first
// shards.
func rowsForShard(rows int64, shards, index int) int64 {
	count := rows / int64(shards)
	if int64(index) < rows%int64(shards) {
		count++
	}
	return count
}

func writeShard(path string, firstID, count int64, rng *rand.Rand, nullRate float64) error {
	w, err := newRowWriter(path)
	if err != nil {
		return err
	}
	for id := firstID; id < firstID+count; id++ {
		if err := w.Write(randomTx(id, rng, nullRate)); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

func randomTx(id int64, rng *rand.Rand, nullRate float64) transaction {
	tx := transaction{
		ID:       id,
		Region:   regions[rng.Intn(len(regions))],
		Category: categories[rng.Intn(len(categories))],
		Amount:   math.Round(rng.Float64()*99950+50) / 100, // 0.50 to 1000.00
		Quantity: int64(rng.Intn(10) + 1),
	}
	if rng.Float64() >= nullRate {
		note := notes[rng.Intn(len(notes))]
		tx.Note = &note
	}
	return tx
}

// rowWriter writes transactions in one output format.
type rowWriter interface {
	Write(tx transaction) error
	Close() error
}

func newRowWriter(path string) (rowWriter, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return newCSVWriter(path)
	case ".jsonl":
		return newJSONLWriter(path)
	case ".avro":
		return newAvroWriter(path)
	case ".parquet":
		return newParquetWriter(path)
	default:
		return nil, fmt.Errorf("unsupported output format %q (supported: .csv, .jsonl, .avro, .parquet)", ext)
	}
}

type csvWriter struct {
	f *os.File
	w *csv.Writer
}

func newCSVWriter(path string) (*csvWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "region", "category", "amount", "quantity", "note"}); err != nil {
		f.Close()
		return nil, err
	}
	return &csvWriter{f: f, w: w}, nil
}

func (c *csvWriter) Write(tx transaction) error {
	note := ""
	if tx.Note != nil {
		note = *tx.Note
	}
	return c.w.Write([]string{
		strconv.FormatInt(tx.ID, 10),
		tx.Region,
		tx.Category,
		strconv.FormatFloat(tx.Amount, 'f', 2, 64),
		strconv.FormatInt(tx.Quantity, 10),
		note, // empty cells read back as null
	})
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}

type jsonlWriter struct {
	f   *os.File
	enc *json.Encoder
}

// jsonTx fixes the JSON key order so every line lists columns the same way.
type jsonTx struct {
	ID       int64   `json:"id"`
	Region   string  `json:"region"`
	Category string  `json:"category"`
	Amount   float64 `json:"amount"`
	Quantity int64   `json:"quantity"`
	Note     *string `json:"note"`
}

func newJSONLWriter(path string) (*jsonlWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &jsonlWriter{f: f, enc: json.NewEncoder(f)}, nil
}

func (j *jsonlWriter) Write(tx transaction) error {
	return j.enc.Encode(jsonTx{
		ID:       tx.ID,
		Region:   tx.Region,
		Category: tx.Category,
		Amount:   tx.Amount,
		Quantity: tx.Quantity,
		Note:     tx.Note,
	})
}

func (j *jsonlWriter) Close() error {
	return j.f.Close()
}

const avroSchema = `{
  "type": "record",
  "name": "transaction",
  "fields": [
    {"name": "id", "type": "long"},
    {"name": "region", "type": "string"},
    {"name": "category", "type": "string"},
    {"name": "amount", "type": "double"},
    {"name": "quantity", "type": "long"},
    {"name": "note", "type": ["null", "string"], "default": null}
  ]
}`

type avroWriter struct {
	f   *os.File
	ocf *goavro.OCFWriter
	buf []interface{}
}

const avroFlushEvery = 1000

func newAvroWriter(path string) (*avroWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	ocf, err := goavro.NewOCFWriter(goavro.OCFConfig{W: f, Schema: avroSchema})
	if err != nil {
		f.Close()
		return nil, err
	}
	return &avroWriter{f: f, ocf: ocf}, nil
}

func (a *avroWriter) Write(tx transaction) error {
	var note interface{}
	if tx.Note != nil {
		note = goavro.Union("string", *tx.Note)
	}
	a.buf = append(a.buf, map[string]interface{}{
		"id":       tx.ID,
		"region":   tx.Region,
		"category": tx.Category,
		"amount":   tx.Amount,
		"quantity": tx.Quantity,
		"note":     note,
	})
	if len(a.buf) < avroFlushEvery {
		return nil
	}
	return a.flush()
}

func (a *avroWriter) flush() error {
	if len(a.buf) == 0 {
		return nil
	}
	err := a.ocf.Append(a.buf)
	a.buf = a.buf[:0]
	return err
}

func (a *avroWriter) Close() error {
	if err := a.flush(); err != nil {
		a.f.Close()
		return err
	}
	return a.f.Close()
}

// parquetTx mirrors transaction with parquet field tags.
type parquetTx struct {
	ID       int64   `parquet:"id"`
	Region   string  `parquet:"region"`
	Category string  `parquet:"category"`
	Amount   float64 `parquet:"amount"`
	Quantity int64   `parquet:"quantity"`
	Note     *string `parquet:"note,optional"`
}

type parquetWriter struct {
	f   *os.File
	w   *parquet.GenericWriter[parquetTx]
	buf []parquetTx
}

const parquetFlushEvery = 1000

func newParquetWriter(path string) (*parquetWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &parquetWriter{f: f, w: parquet.NewGenericWriter[parquetTx](f)}, nil
}

func (p *parquetWriter) Write(tx transaction) error {
	p.buf = append(p.buf, parquetTx{
		ID:       tx.ID,
		Region:   tx.Region,
		Category: tx.Category,
		Amount:   tx.Amount,
		Quantity: tx.Quantity,
		Note:     tx.Note,
	})
	if len(p.buf) < parquetFlushEvery {
		return nil
	}
	return p.flush()
}

func (p *parquetWriter) flush() error {
	if len(p.buf) == 0 {
		return nil
	}
	_, err := p.w.Write(p.buf)
	p.buf = p.buf[:0]
	return err
}

func (p *parquetWriter) Close() error {
	if err := p.flush(); err != nil {
		p.f.Close()
		return err
	}
	if err := p.w.Close(); err != nil {
		p.f.Close()
		return err
	}
	return p.f.Close()
}
