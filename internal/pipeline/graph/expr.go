package graph

import (
	"fmt"
	"strconv"
	"strings"

	tesserr "github.com/tessera-etl/tessera/internal/errors"
	"github.com/tessera-etl/tessera/pkg/types"
)

// ParseWhere applies a textual filter expression to the graph. The
// expression is a conjunction of column comparisons:
//
//	amount > 100
//	region = 'emea' and amount >= 2.5
//	active = true and note != null
//
// Each comparison becomes a Where stage, so the usual build-time schema
// checks and prune hints apply. Comparing a column against null matches
// records where the column is null (= null) or non-null (!= null).
func ParseWhere(g *Graph, expr string) (*Graph, error) {
	comparisons, err := ParseComparisons(expr)
	if err != nil {
		return nil, err
	}

	cur := g
	for _, c := range comparisons {
		if c.Value.IsNull() {
			cur, err = cur.whereNull(c.Column, c.Op)
		} else {
			cur, err = cur.Where(c.Column, c.Op, c.Value)
		}
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// Comparison is one parsed column comparison.
type Comparison struct {
	Column string
	Op     types.CompareOp
	Value  types.Value
}

func (c Comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.Column, c.Op.Symbol(), c.Value)
}

// ParseComparisons parses a conjunction of comparisons without binding
// them to a graph. Useful for validating an expression before a schema is
// known.
func ParseComparisons(expr string) ([]Comparison, error) {
	p := &exprParser{lex: newExprLexer(expr)}
	return p.parse()
}

// whereNull appends a null check stage. "= null" keeps records whose
// column is null; "!= null" keeps the rest. Other operators have no
// meaning against null.
func (g *Graph) whereNull(column string, op types.CompareOp) (*Graph, error) {
	if err := g.buildable(); err != nil {
		return nil, err
	}
	if !g.out.HasField(column) {
		return nil, tesserr.NewSchemaError(tesserr.CodeUnknownColumn,
			fmt.Sprintf("filter references unknown column %q (have: %s)", column, g.out))
	}
	if op != types.OpEQ && op != types.OpNE {
		return nil, tesserr.NewConfigError(tesserr.CodeInvalidOption,
			fmt.Sprintf("operator %s cannot compare against null", op.Symbol()))
	}

	wantNull := op == types.OpEQ
	pred := func(rec types.Record) (bool, error) {
		v, found := rec.Get(column)
		isNull := !found || v.IsNull()
		return isNull == wantNull, nil
	}

	c := g.clone()
	c.stages = append(c.stages, stage{
		kind:  stageFilter,
		label: fmt.Sprintf("where(%s %s null)", column, op.Symbol()),
		pred:  pred,
		out:   g.out,
	})
	return c, nil
}

type exprTokenType int

const (
	tokEOF exprTokenType = iota
	tokError
	tokIdent
	tokNumber
	tokString
	tokOp
	tokAnd
	tokOr
	tokTrue
	tokFalse
	tokNull
)

type exprToken struct {
	typ     exprTokenType
	literal string
	pos     int
}

// exprLexer tokenizes a filter expression.
type exprLexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

func newExprLexer(input string) *exprLexer {
	l := &exprLexer{input: input}
	l.readChar()
	return l
}

func (l *exprLexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *exprLexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *exprLexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

func (l *exprLexer) next() exprToken {
	l.skipWhitespace()

	start := l.pos
	var tok exprToken

	switch l.ch {
	case 0:
		return exprToken{typ: tokEOF, pos: start}
	case '=':
		if l.peekChar() == '=' {
			l.readChar()
		}
		tok = exprToken{typ: tokOp, literal: "=", pos: start}
	case '!':
		if l.peekChar() != '=' {
			return exprToken{typ: tokError, literal: "!", pos: start}
		}
		l.readChar()
		tok = exprToken{typ: tokOp, literal: "!=", pos: start}
	case '<':
		switch l.peekChar() {
		case '=':
			l.readChar()
			tok = exprToken{typ: tokOp, literal: "<=", pos: start}
		case '>':
			l.readChar()
			tok = exprToken{typ: tokOp, literal: "!=", pos: start}
		default:
			tok = exprToken{typ: tokOp, literal: "<", pos: start}
		}
	case '>':
		if l.peekChar() == '=' {
			l.readChar()
			tok = exprToken{typ: tokOp, literal: ">=", pos: start}
		} else {
			tok = exprToken{typ: tokOp, literal: ">", pos: start}
		}
	case '\'', '"':
		return l.readString(l.ch)
	default:
		if isExprLetter(l.ch) {
			return l.readWord()
		}
		if isExprDigit(l.ch) || l.ch == '-' {
			return l.readNumber()
		}
		return exprToken{typ: tokError, literal: string(l.ch), pos: start}
	}

	l.readChar()
	return tok
}

func (l *exprLexer) readWord() exprToken {
	start := l.pos
	for isExprLetter(l.ch) || isExprDigit(l.ch) {
		l.readChar()
	}
	literal := l.input[start:l.pos]

	switch strings.ToLower(literal) {
	case "and":
		return exprToken{typ: tokAnd, literal: literal, pos: start}
	case "or":
		return exprToken{typ: tokOr, literal: literal, pos: start}
	case "true":
		return exprToken{typ: tokTrue, literal: literal, pos: start}
	case "false":
		return exprToken{typ: tokFalse, literal: literal, pos: start}
	case "null":
		return exprToken{typ: tokNull, literal: literal, pos: start}
	}
	return exprToken{typ: tokIdent, literal: literal, pos: start}
}

func (l *exprLexer) readNumber() exprToken {
	start := l.pos
	if l.ch == '-' {
		l.readChar()
	}
	hasDecimal := false
	for isExprDigit(l.ch) || (l.ch == '.' && !hasDecimal) {
		if l.ch == '.' {
			hasDecimal = true
		}
		l.readChar()
	}
	return exprToken{typ: tokNumber, literal: l.input[start:l.pos], pos: start}
}

func (l *exprLexer) readString(quote byte) exprToken {
	start := l.pos
	l.readChar()
	begin := l.pos
	for l.ch != quote && l.ch != 0 {
		l.readChar()
	}
	if l.ch == 0 {
		return exprToken{typ: tokError, literal: "unterminated string", pos: start}
	}
	literal := l.input[begin:l.pos]
	l.readChar()
	return exprToken{typ: tokString, literal: literal, pos: start}
}

func isExprLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isExprDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

// exprParser parses "<ident> <op> <literal> (and ...)*".
type exprParser struct {
	lex *exprLexer
}

func (p *exprParser) parse() ([]Comparison, error) {
	var out []Comparison
	for {
		c, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		out = append(out, c)

		tok := p.lex.next()
		switch tok.typ {
		case tokEOF:
			return out, nil
		case tokAnd:
			continue
		case tokOr:
			return nil, tesserr.NewConfigError(tesserr.CodeInvalidOption,
				"filter expressions only support conjunctions; use separate pipelines for disjunctions")
		default:
			return nil, p.unexpected(tok, "'and' or end of expression")
		}
	}
}

func (p *exprParser) parseComparison() (Comparison, error) {
	tok := p.lex.next()
	if tok.typ != tokIdent {
		return Comparison{}, p.unexpected(tok, "a column name")
	}
	column := tok.literal

	tok = p.lex.next()
	if tok.typ != tokOp {
		return Comparison{}, p.unexpected(tok, "a comparison operator")
	}
	op, err := types.ParseCompareOp(tok.literal)
	if err != nil {
		return Comparison{}, tesserr.NewConfigError(tesserr.CodeInvalidOption, err.Error())
	}

	value, err := p.parseLiteral()
	if err != nil {
		return Comparison{}, err
	}
	return Comparison{Column: column, Op: op, Value: value}, nil
}

func (p *exprParser) parseLiteral() (types.Value, error) {
	tok := p.lex.next()
	switch tok.typ {
	case tokNumber:
		if !strings.Contains(tok.literal, ".") {
			if i, err := strconv.ParseInt(tok.literal, 10, 64); err == nil {
				return types.IntVal(i), nil
			}
		}
		f, err := strconv.ParseFloat(tok.literal, 64)
		if err != nil {
			return types.Null(), tesserr.NewConfigError(tesserr.CodeInvalidOption,
				fmt.Sprintf("invalid number %q at position %d", tok.literal, tok.pos))
		}
		return types.FloatVal(f), nil
	case tokString:
		return types.StrVal(tok.literal), nil
	case tokTrue:
		return types.BoolVal(true), nil
	case tokFalse:
		return types.BoolVal(false), nil
	case tokNull:
		return types.Null(), nil
	case tokIdent:
		// Bare words compare as strings, so region = emea works unquoted.
		return types.StrVal(tok.literal), nil
	default:
		return types.Null(), p.unexpected(tok, "a literal value")
	}
}

func (p *exprParser) unexpected(tok exprToken, want string) error {
	got := tok.literal
	if tok.typ == tokEOF {
		got = "end of expression"
	}
	return tesserr.NewConfigError(tesserr.CodeInvalidOption,
		fmt.Sprintf("expected %s at position %d, got %q", want, tok.pos, got))
}
