package types

import "fmt"

// Record is a single dataset row: field name → typed scalar value.
// Field order for rendering and output comes from the dataset's Schema, so
// all records of a dataset share one column order.
type Record map[string]Value

// Get returns the value of a field and whether the field is present.
func (r Record) Get(field string) (Value, bool) {
	v, ok := r[field]
	return v, ok
}

// Clone returns a shallow copy of the record. Values are immutable, so a
// shallow copy is a full copy.
func (r Record) Clone() Record {
	cp := make(Record, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

// Project returns a new record holding only the named fields.
func (r Record) Project(fields []string) (Record, error) {
	out := make(Record, len(fields))
	for _, f := range fields {
		v, ok := r[f]
		if !ok {
			return nil, fmt.Errorf("types: field %q: %w", f, ErrFieldMissing)
		}
		out[f] = v
	}
	return out, nil
}

// Values returns the record's values in the given field order. Missing
// fields yield nulls.
func (r Record) Values(fields []string) []Value {
	out := make([]Value, len(fields))
	for i, f := range fields {
		if v, ok := r[f]; ok {
			out[i] = v
		} else {
			out[i] = Null()
		}
	}
	return out
}
