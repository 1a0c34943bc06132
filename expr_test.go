// OpenSOC/Spyglass - expression normalisation tests
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

package spyglass

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizePushesNegation(t *testing.T) {
	a := NewPred(FieldExtractor("a"), OpEq, NewInt(1))
	b := NewPred(FieldExtractor("b"), OpLt, NewInt(2))

	// !(a == 1 && b < 2)  =>  a != 1 || b >= 2
	got := Normalize(Neg{X: NewConj(a, b)})
	disj, ok := got.(Disj)
	require.True(t, ok)
	require.Len(t, disj.Xs, 2)

	ops := map[string]RelOp{}
	for _, x := range disj.Xs {
		p, ok := x.(Pred)
		require.True(t, ok)
		ops[p.LHS.Path] = p.Op
	}
	require.Equal(t, OpNe, ops["a"])
	require.Equal(t, OpGe, ops["b"])
}

func TestNormalizeDoubleNegation(t *testing.T) {
	a := NewPred(FieldExtractor("a"), OpEq, NewInt(1))
	got := Normalize(Neg{X: Neg{X: a}})
	p, ok := got.(Pred)
	require.True(t, ok)
	require.Equal(t, OpEq, p.Op)
}

func TestNormalizeFoldsAndDedupes(t *testing.T) {
	a := NewPred(FieldExtractor("a"), OpEq, NewInt(1))
	b := NewPred(FieldExtractor("b"), OpEq, NewInt(2))
	c := NewPred(FieldExtractor("c"), OpEq, NewInt(3))

	// (a && (b && c)) with a duplicated leaf folds flat and dedupes.
	got := Normalize(NewConj(a, NewConj(b, c), a))
	conj, ok := got.(Conj)
	require.True(t, ok)
	require.Len(t, conj.Xs, 3)

	// Canonical child order: same expression regardless of input order.
	other := Normalize(NewConj(c, b, a))
	require.Equal(t, got.String(), other.String())
}

func TestNormalizeSingletonCollapse(t *testing.T) {
	a := NewPred(FieldExtractor("a"), OpEq, NewInt(1))
	got := Normalize(NewConj(a, a))
	_, ok := got.(Pred)
	require.True(t, ok)
}

func TestNormalizeMatchNegation(t *testing.T) {
	m := NewPred(FieldExtractor("s"), OpMatch, NewString("conn*"))
	got := Normalize(Neg{X: m})
	p, ok := got.(Pred)
	require.True(t, ok)
	require.Equal(t, opNotMatch, p.Op)

	back := Normalize(Neg{X: got})
	p, ok = back.(Pred)
	require.True(t, ok)
	require.Equal(t, OpMatch, p.Op)
}

// EOF
