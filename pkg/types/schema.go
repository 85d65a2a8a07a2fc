package types

import (
	"fmt"
	"strings"
)

// Schema defines the structure of a dataset: its field names, kinds, and
// nullability. All records in a dataset share one schema.
type Schema struct {
	// Fields defines the dataset's columns in output order
	Fields []Field `json:"fields" yaml:"fields"`
}

// Field defines a single column in the schema.
type Field struct {
	// Name is the column name
	Name string `json:"name" yaml:"name"`

	// Kind is the scalar kind of the column's values
	Kind ValueKind `json:"kind" yaml:"kind"`

	// Nullable indicates whether the column may hold null values
	Nullable bool `json:"nullable" yaml:"nullable"`
}

// NewSchema builds a schema from fields in the given order.
func NewSchema(fields ...Field) Schema {
	return Schema{Fields: fields}
}

// FieldNames returns the column names in schema order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Field returns the named field definition.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// HasField reports whether the schema defines the named column.
func (s Schema) HasField(name string) bool {
	_, ok := s.Field(name)
	return ok
}

// Validate checks that the schema is well formed: at least one field, no
// empty names, no duplicates.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("types: %w", ErrEmptySchema)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("types: %w", ErrEmptyFieldName)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("types: field %q: %w", f.Name, ErrDuplicateField)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// ValidateRecord checks a record against the schema. A declared float field
// accepts int values (the cross-kind numeric rule used everywhere else);
// other kinds must match exactly. Nulls are accepted only in nullable
// fields. Fields not covered by the schema are ignored.
func (s Schema) ValidateRecord(r Record) error {
	for _, f := range s.Fields {
		v, ok := r[f.Name]
		if !ok || v.IsNull() {
			if f.Nullable {
				continue
			}
			if !ok {
				return fmt.Errorf("types: field %q: %w", f.Name, ErrFieldMissing)
			}
			return fmt.Errorf("types: field %q: %w", f.Name, ErrNullValue)
		}
		if !kindAssignable(f.Kind, v.Kind) {
			return fmt.Errorf("types: field %q: %w: declared %s, got %s",
				f.Name, ErrKindMismatch, f.Kind, v.Kind)
		}
	}
	return nil
}

// kindAssignable reports whether a value of kind got may populate a field
// declared as want.
func kindAssignable(want, got ValueKind) bool {
	if want == got {
		return true
	}
	return want == KindFloat && got == KindInt
}

// String renders the schema as "name:kind" pairs in order.
func (s Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = fmt.Sprintf("%s:%s", f.Name, f.Kind)
	}
	return strings.Join(parts, ", ")
}
