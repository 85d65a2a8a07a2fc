package types

import "fmt"

// CompareOp is a comparison operator shared by graph column predicates and
// partition prune checks.
type CompareOp string

const (
	OpEQ CompareOp = "eq"
	OpNE CompareOp = "ne"
	OpLT CompareOp = "lt"
	OpLE CompareOp = "le"
	OpGT CompareOp = "gt"
	OpGE CompareOp = "ge"
)

// ParseCompareOp accepts both mnemonic ("gt") and symbolic (">") spellings.
func ParseCompareOp(s string) (CompareOp, error) {
	switch s {
	case "eq", "=", "==":
		return OpEQ, nil
	case "ne", "!=", "<>":
		return OpNE, nil
	case "lt", "<":
		return OpLT, nil
	case "le", "<=":
		return OpLE, nil
	case "gt", ">":
		return OpGT, nil
	case "ge", ">=":
		return OpGE, nil
	}
	return "", fmt.Errorf("types: unknown comparison operator %q", s)
}

// Eval applies the operator to a Compare result.
func (op CompareOp) Eval(cmp int) bool {
	switch op {
	case OpEQ:
		return cmp == 0
	case OpNE:
		return cmp != 0
	case OpLT:
		return cmp < 0
	case OpLE:
		return cmp <= 0
	case OpGT:
		return cmp > 0
	case OpGE:
		return cmp >= 0
	}
	return false
}

// Symbol returns the symbolic form of the operator.
func (op CompareOp) Symbol() string {
	switch op {
	case OpEQ:
		return "="
	case OpNE:
		return "!="
	case OpLT:
		return "<"
	case OpLE:
		return "<="
	case OpGT:
		return ">"
	case OpGE:
		return ">="
	}
	return string(op)
}
