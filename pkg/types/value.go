// Package types provides the core data types shared by all Tessera components.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValueKind identifies the scalar type carried by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTime
)

// String returns the lowercase name of the kind.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseValueKind converts a kind name back to a ValueKind.
func ParseValueKind(name string) (ValueKind, error) {
	switch name {
	case "null":
		return KindNull, nil
	case "bool":
		return KindBool, nil
	case "int":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "string":
		return KindString, nil
	case "time":
		return KindTime, nil
	}
	return KindNull, fmt.Errorf("types: %w: %q", ErrUnknownKind, name)
}

// Numeric reports whether the kind is int or float.
func (k ValueKind) Numeric() bool {
	return k == KindInt || k == KindFloat
}

// Value is a typed scalar cell. Exactly one payload field is meaningful,
// selected by Kind; the zero Value is the null value.
type Value struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Str   string
	Bool  bool
	Time  time.Time
}

// Null returns the null value.
func Null() Value {
	return Value{Kind: KindNull}
}

// BoolVal returns a boolean value.
func BoolVal(b bool) Value {
	return Value{Kind: KindBool, Bool: b}
}

// IntVal returns an integer value.
func IntVal(i int64) Value {
	return Value{Kind: KindInt, Int: i}
}

// FloatVal returns a float value.
func FloatVal(f float64) Value {
	return Value{Kind: KindFloat, Float: f}
}

// StrVal returns a string value.
func StrVal(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// TimeVal returns a timestamp value.
func TimeVal(t time.Time) Value {
	return Value{Kind: KindTime, Time: t}
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// AsFloat converts a numeric value to float64.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	}
	return 0, false
}

// AsInt converts a numeric value to int64. Floats convert only when they
// carry an integral value.
func (v Value) AsInt() (int64, bool) {
	switch v.Kind {
	case KindInt:
		return v.Int, true
	case KindFloat:
		if v.Float == math.Trunc(v.Float) && !math.IsInf(v.Float, 0) {
			return int64(v.Float), true
		}
	}
	return 0, false
}

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) {
	if v.Kind == KindBool {
		return v.Bool, true
	}
	return false, false
}

// Native returns the value as a plain Go value (nil for null).
func (v Value) Native() interface{} {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindTime:
		return v.Time
	}
	return nil
}

// FromNative converts a plain Go value into a Value. json.Number is accepted
// so callers decoding with json.Decoder.UseNumber keep integers exact.
func FromNative(v interface{}) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return val, nil
	case bool:
		return BoolVal(val), nil
	case int:
		return IntVal(int64(val)), nil
	case int8:
		return IntVal(int64(val)), nil
	case int16:
		return IntVal(int64(val)), nil
	case int32:
		return IntVal(int64(val)), nil
	case int64:
		return IntVal(val), nil
	case uint:
		return IntVal(int64(val)), nil
	case uint32:
		return IntVal(int64(val)), nil
	case uint64:
		return IntVal(int64(val)), nil
	case float32:
		return FloatVal(float64(val)), nil
	case float64:
		return FloatVal(val), nil
	case string:
		return StrVal(val), nil
	case []byte:
		return StrVal(string(val)), nil
	case time.Time:
		return TimeVal(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return IntVal(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return Null(), fmt.Errorf("types: invalid number %q: %w", val.String(), err)
		}
		return FloatVal(f), nil
	}
	return Null(), fmt.Errorf("types: unsupported native type %T", v)
}

// Equal reports whether two values compare as equal. Int and float values
// equal each other when numerically equal.
func (v Value) Equal(o Value) bool {
	return Compare(v, o) == 0
}

// Compare orders a before (-1), equal to (0), or after (1) b.
// Nulls sort first; int and float compare cross-kind numerically; strings
// lexicographically; bools false before true; times chronologically; mixed
// non-numeric kinds order by kind tag.
func Compare(a, b Value) int {
	if a.Kind == KindNull || b.Kind == KindNull {
		switch {
		case a.Kind == KindNull && b.Kind == KindNull:
			return 0
		case a.Kind == KindNull:
			return -1
		default:
			return 1
		}
	}

	if a.Kind == KindInt && b.Kind == KindInt {
		return compareInt(a.Int, b.Int)
	}
	if a.Kind.Numeric() && b.Kind.Numeric() {
		fa, _ := a.AsFloat()
		fb, _ := b.AsFloat()
		return compareFloat(fa, fb)
	}

	if a.Kind != b.Kind {
		return compareInt(int64(a.Kind), int64(b.Kind))
	}

	switch a.Kind {
	case KindBool:
		if a.Bool == b.Bool {
			return 0
		}
		if !a.Bool {
			return -1
		}
		return 1
	case KindString:
		switch {
		case a.Str < b.Str:
			return -1
		case a.Str > b.Str:
			return 1
		}
		return 0
	case KindTime:
		switch {
		case a.Time.Before(b.Time):
			return -1
		case a.Time.After(b.Time):
			return 1
		}
		return 0
	}
	return 0
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// String returns the display form of the value. Nulls render as <NULL>;
// the form is stable and used to build group keys.
func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindTime:
		return v.Time.Format(time.RFC3339Nano)
	}
	return "<NULL>"
}

// valueJSON is the wire form of a Value: a kind tag plus one payload field.
// Integers decode into an int64 field directly so they never pass through
// float64 on the way back from a spill file.
type valueJSON struct {
	K string     `json:"k"`
	B *bool      `json:"b,omitempty"`
	I *int64     `json:"i,omitempty"`
	F *float64   `json:"f,omitempty"`
	S *string    `json:"s,omitempty"`
	T *time.Time `json:"t,omitempty"`
}

// MarshalJSON encodes the value in its kind-tagged wire form.
func (v Value) MarshalJSON() ([]byte, error) {
	w := valueJSON{K: v.Kind.String()}
	switch v.Kind {
	case KindBool:
		w.B = &v.Bool
	case KindInt:
		w.I = &v.Int
	case KindFloat:
		w.F = &v.Float
	case KindString:
		w.S = &v.Str
	case KindTime:
		w.T = &v.Time
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a kind-tagged wire form value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w valueJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("types: decoding value: %w", err)
	}
	kind, err := ParseValueKind(w.K)
	if err != nil {
		return err
	}

	*v = Value{Kind: kind}
	switch kind {
	case KindBool:
		if w.B != nil {
			v.Bool = *w.B
		}
	case KindInt:
		if w.I != nil {
			v.Int = *w.I
		}
	case KindFloat:
		if w.F != nil {
			v.Float = *w.F
		}
	case KindString:
		if w.S != nil {
			v.Str = *w.S
		}
	case KindTime:
		if w.T != nil {
			v.Time = *w.T
		}
	}
	return nil
}
