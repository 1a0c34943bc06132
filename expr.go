// OpenSOC/Spyglass - query expressions
// Copyright (C) 2024 The OpenSOC Developers; All Rights Reserved
// <dev (at) opensoc (dot) io>

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

/*
	The expression AST the query pipeline consumes. The text parser for
	the query language lives outside this package; here we only define
	the tree and its normalisation:

		Expr  := Pred | Conj[Expr+] | Disj[Expr+] | Neg[Expr]
		Pred  := Extractor Op Operand

	Normalisation pushes negations down to the predicates (De Morgan),
	folds nested conjunctions/disjunctions, drops duplicate children and
	sorts children canonically, so equivalent expressions normalise to
	identical trees.
*/

package spyglass

import (
	"fmt"
	"sort"
	"strings"
)

type RelOp uint8

const (
	OpEq RelOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
	OpNi
	OpMatch
	opNotMatch // only produced by normalisation of Neg[match]
)

func (op RelOp) String() string {
	switch op {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpIn:
		return "in"
	case OpNi:
		return "!in"
	case OpMatch:
		return "~"
	case opNotMatch:
		return "!~"
	}
	return "?"
}

// negate returns the complementary operator.
func (op RelOp) negate() RelOp {
	switch op {
	case OpEq:
		return OpNe
	case OpNe:
		return OpEq
	case OpLt:
		return OpGe
	case OpLe:
		return OpGt
	case OpGt:
		return OpLe
	case OpGe:
		return OpLt
	case OpIn:
		return OpNi
	case OpNi:
		return OpIn
	case OpMatch:
		return opNotMatch
	case opNotMatch:
		return OpMatch
	}
	return op
}

type ExtractorKind uint8

const (
	ExtractField ExtractorKind = iota // e.g. "id.orig_h"
	ExtractType                       // e.g. :addr
	ExtractAttr                       // e.g. #timestamp
)

// Extractor selects the column(s) a predicate applies to.
type Extractor struct {
	Kind ExtractorKind
	Path string  // ExtractField
	Type SemType // ExtractType
	Attr string  // ExtractAttr
}

func FieldExtractor(path string) Extractor { return Extractor{Kind: ExtractField, Path: path} }
func TypeExtractor(t SemType) Extractor    { return Extractor{Kind: ExtractType, Type: t} }
func AttrExtractor(name string) Extractor  { return Extractor{Kind: ExtractAttr, Attr: name} }

func (e Extractor) String() string {
	switch e.Kind {
	case ExtractType:
		return ":" + e.Type.String()
	case ExtractAttr:
		return "#" + e.Attr
	default:
		return e.Path
	}
}

type Expr interface {
	exprNode()
	String() string
}

// Pred is a single relational predicate.
type Pred struct {
	LHS Extractor
	Op  RelOp
	RHS Val
}

// Conj is a conjunction of subexpressions.
type Conj struct {
	Xs []Expr
}

// Disj is a disjunction of subexpressions.
type Disj struct {
	Xs []Expr
}

// Neg is a negation.
type Neg struct {
	X Expr
}

func (Pred) exprNode() {}
func (Conj) exprNode() {}
func (Disj) exprNode() {}
func (Neg) exprNode()  {}

func (p Pred) String() string {
	return fmt.Sprintf("%s %s %s", p.LHS, p.Op, p.RHS)
}

func renderChildren(xs []Expr, sep string) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = x.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func (c Conj) String() string { return renderChildren(c.Xs, " && ") }
func (d Disj) String() string { return renderChildren(d.Xs, " || ") }
func (n Neg) String() string  { return "! " + n.X.String() }

// NewConj and NewDisj are convenience constructors.
func NewConj(xs ...Expr) Conj { return Conj{Xs: xs} }
func NewDisj(xs ...Expr) Disj { return Disj{Xs: xs} }

// NewPred builds a predicate.
func NewPred(lhs Extractor, op RelOp, rhs Val) Pred {
	return Pred{LHS: lhs, Op: op, RHS: rhs}
}

/*
	Normalize rewrites an expression into canonical form:
	negations pushed onto predicate operators, same-kind nestings
	folded flat, duplicate children dropped, children sorted.
*/
func Normalize(x Expr) Expr {
	return canonicalize(pushNeg(x, false))
}

func pushNeg(x Expr, negated bool) Expr {
	switch e := x.(type) {
	case Neg:
		return pushNeg(e.X, !negated)
	case Pred:
		if negated {
			e.Op = e.Op.negate()
		}
		return e
	case Conj:
		xs := make([]Expr, len(e.Xs))
		for i, c := range e.Xs {
			xs[i] = pushNeg(c, negated)
		}
		if negated {
			return Disj{Xs: xs}
		}
		return Conj{Xs: xs}
	case Disj:
		xs := make([]Expr, len(e.Xs))
		for i, c := range e.Xs {
			xs[i] = pushNeg(c, negated)
		}
		if negated {
			return Conj{Xs: xs}
		}
		return Disj{Xs: xs}
	}
	return x
}

// foldChildren flattens same-kind children, canonicalizing each first.
func foldChildren(xs []Expr, conj bool) []Expr {
	var out []Expr
	for _, x := range xs {
		c := canonicalize(x)
		switch e := c.(type) {
		case Conj:
			if conj {
				out = append(out, e.Xs...)
				continue
			}
		case Disj:
			if !conj {
				out = append(out, e.Xs...)
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func sortDedupe(xs []Expr) []Expr {
	sort.SliceStable(xs, func(i, j int) bool {
		return xs[i].String() < xs[j].String()
	})
	out := xs[:0]
	var prev string
	for i, x := range xs {
		s := x.String()
		if i > 0 && s == prev {
			continue
		}
		out = append(out, x)
		prev = s
	}
	return out
}

func canonicalize(x Expr) Expr {
	switch e := x.(type) {
	case Conj:
		xs := sortDedupe(foldChildren(e.Xs, true))
		if len(xs) == 1 {
			return xs[0]
		}
		return Conj{Xs: xs}
	case Disj:
		xs := sortDedupe(foldChildren(e.Xs, false))
		if len(xs) == 1 {
			return xs[0]
		}
		return Disj{Xs: xs}
	}
	return x
}

// EOF
