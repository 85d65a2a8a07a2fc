package types

import "errors"

// Value and schema errors.
var (
	// ErrUnknownKind is returned when a kind name does not match any ValueKind
	ErrUnknownKind = errors.New("unknown value kind")

	// ErrEmptySchema is returned when a schema declares no fields
	ErrEmptySchema = errors.New("schema has no fields")

	// ErrEmptyFieldName is returned when a schema field has an empty name
	ErrEmptyFieldName = errors.New("empty field name")

	// ErrDuplicateField is returned when a schema declares a field twice
	ErrDuplicateField = errors.New("duplicate field")

	// ErrFieldMissing is returned when a record lacks a required field
	ErrFieldMissing = errors.New("field missing")

	// ErrKindMismatch is returned when a value's kind conflicts with the schema
	ErrKindMismatch = errors.New("value kind mismatch")

	// ErrNullValue is returned when a non-nullable field holds null
	ErrNullValue = errors.New("null value in non-nullable field")
)
