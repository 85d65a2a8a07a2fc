package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFromNative(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want Value
	}{
		{"nil", nil, Null()},
		{"bool", true, BoolVal(true)},
		{"int", 42, IntVal(42)},
		{"int64", int64(-7), IntVal(-7)},
		{"float64", 3.5, FloatVal(3.5)},
		{"float32", float32(2), FloatVal(2)},
		{"string", "eu", StrVal("eu")},
		{"bytes", []byte("raw"), StrVal("raw")},
		{"json int", json.Number("9007199254740993"), IntVal(9007199254740993)},
		{"json float", json.Number("0.25"), FloatVal(0.25)},
	}

	for _, tc := range cases {
		got, err := FromNative(tc.in)
		if err != nil {
			t.Fatalf("FromNative(%v): unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("FromNative(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := FromNative(struct{}{}); err == nil {
		t.Error("FromNative(struct{}{}) should fail")
	}
}

func TestCompareOrdering(t *testing.T) {
	cases := []struct {
		a, b Value
		want int
	}{
		{Null(), IntVal(0), -1},
		{Null(), Null(), 0},
		{IntVal(1), IntVal(2), -1},
		{IntVal(2), FloatVal(1.5), 1},
		{FloatVal(2.0), IntVal(2), 0},
		{StrVal("a"), StrVal("b"), -1},
		{BoolVal(false), BoolVal(true), -1},
		{TimeVal(time.Unix(10, 0)), TimeVal(time.Unix(20, 0)), -1},
	}

	for _, tc := range cases {
		if got := Compare(tc.a, tc.b); got != tc.want {
			t.Errorf("Compare(%v, %v) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCompareLargeInts(t *testing.T) {
	// Adjacent int64 values beyond float64 precision must still order correctly.
	a := IntVal(9007199254740993)
	b := IntVal(9007199254740992)
	if got := Compare(a, b); got != 1 {
		t.Errorf("Compare(%d, %d) = %d, want 1", a.Int, b.Int, got)
	}
}

func TestValueString(t *testing.T) {
	cases := []struct {
		v    Value
		want string
	}{
		{Null(), "<NULL>"},
		{IntVal(42), "42"},
		{FloatVal(1.5), "1.5"},
		{StrVal("eu"), "eu"},
		{BoolVal(true), "true"},
	}

	for _, tc := range cases {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	vals := []Value{
		Null(),
		BoolVal(true),
		BoolVal(false),
		IntVal(0),
		IntVal(-12),
		IntVal(9007199254740993), // beyond float64 precision
		FloatVal(3.25),
		StrVal(""),
		StrVal("north|east"),
		TimeVal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
	}

	for _, v := range vals {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", v, err)
		}
		var back Value
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal(%s): %v", data, err)
		}
		if back.Kind != v.Kind || !back.Equal(v) {
			t.Errorf("round trip %s: got %v (%s), want %v (%s)", data, back, back.Kind, v, v.Kind)
		}
	}
}

func TestRecordJSONKeepsIntKind(t *testing.T) {
	rec := Record{"amount": IntVal(100), "rate": FloatVal(0.5)}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var back Record
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if back["amount"].Kind != KindInt {
		t.Errorf("amount kind = %s, want int", back["amount"].Kind)
	}
	if back["rate"].Kind != KindFloat {
		t.Errorf("rate kind = %s, want float", back["rate"].Kind)
	}
}

func TestAsFloat(t *testing.T) {
	if f, ok := IntVal(3).AsFloat(); !ok || f != 3.0 {
		t.Errorf("IntVal(3).AsFloat() = %v, %v, want 3.0, true", f, ok)
	}
	if _, ok := StrVal("x").AsFloat(); ok {
		t.Error("StrVal.AsFloat() should report false")
	}
}

func TestParseCompareOp(t *testing.T) {
	cases := map[string]CompareOp{
		"eq": OpEQ, "=": OpEQ, "==": OpEQ,
		"ne": OpNE, "!=": OpNE,
		"gt": OpGT, ">": OpGT,
		"ge": OpGE, ">=": OpGE,
		"lt": OpLT, "<": OpLT,
		"le": OpLE, "<=": OpLE,
	}
	for in, want := range cases {
		got, err := ParseCompareOp(in)
		if err != nil {
			t.Fatalf("ParseCompareOp(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseCompareOp(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseCompareOp("like"); err == nil {
		t.Error("ParseCompareOp(\"like\") should fail")
	}
}

func TestCompareOpEval(t *testing.T) {
	if !OpGT.Eval(Compare(FloatVal(1.5), FloatVal(0))) {
		t.Error("1.5 > 0 should hold")
	}
	if OpLE.Eval(Compare(IntVal(5), IntVal(4))) {
		t.Error("5 <= 4 should not hold")
	}
}
