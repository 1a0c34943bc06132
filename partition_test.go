// OpenSOC/Spyglass - partition tests
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

// Nine integer rows in one slice; the canonical smoke test.
func TestPartitionIngestAndLookup(t *testing.T) {
	p := NewActivePartition(t.TempDir(), 100)
	layout := intLayout()
	require.NoError(t, p.Add(intSlice(layout, 0, 1, 2, 3, 1, 2, 3, 1, 2, 3)))
	require.Equal(t, uint64(9), p.Rows())

	for probe, want := range map[int64][]uint64{
		1: {0, 3, 6},
		2: {1, 4, 7},
		3: {2, 5, 8},
	} {
		bm := p.Lookup(NewPred(FieldExtractor("x"), OpEq, NewInt(probe)))
		var got []uint64
		bm.EachSet(func(i uint64) bool { got = append(got, i); return true })
		require.Equal(t, want, got, "probe %d", probe)
	}

	bm := p.Lookup(NewPred(FieldExtractor("x"), OpEq, NewInt(4)))
	require.Zero(t, bm.Count())
}

func TestPartitionSkipField(t *testing.T) {
	p := NewActivePartition(t.TempDir(), 100)
	layout := intLayout(AttrSkip)
	require.NoError(t, p.Add(intSlice(layout, 0, 1, 1, 1)))

	bm := p.Lookup(NewPred(FieldExtractor("x"), OpEq, NewInt(1)))
	require.Zero(t, bm.Count())
}

func TestPartitionAbsentFieldAndClash(t *testing.T) {
	p := NewActivePartition(t.TempDir(), 100)
	require.NoError(t, p.Add(intSlice(intLayout(), 0, 1, 2)))

	// Absent field: empty, not an error.
	bm := p.Lookup(NewPred(FieldExtractor("nope"), OpEq, NewInt(1)))
	require.Zero(t, bm.Count())

	// Type clash on one disjunct must not kill the other.
	expr := NewDisj(
		NewPred(FieldExtractor("x"), OpEq, NewString("oops")),
		NewPred(FieldExtractor("x"), OpEq, NewInt(2)),
	)
	bm = p.Lookup(expr)
	requirePositions(t, bm, 1)
}

func TestPartitionTypeExtractor(t *testing.T) {
	layout := &Layout{
		Name: "two",
		Rec: record("two",
			leaf("a", TypeInt),
			leaf("b", TypeInt),
			leaf("s", TypeString),
		),
	}
	rows := [][]Val{
		{NewInt(1), NewInt(9), NewString("x")},
		{NewInt(9), NewInt(1), NewString("y")},
		{NewInt(2), NewInt(2), NewString("x")},
	}
	s := NewSlice(layout, rows)
	s.SetOffset(0)

	p := NewActivePartition(t.TempDir(), 100)
	require.NoError(t, p.Add(s))

	// :int == 1 expands over both integer columns and ORs them.
	bm := p.Lookup(NewPred(TypeExtractor(TypeInt), OpEq, NewInt(1)))
	requirePositions(t, bm, 0, 1)

	bm = p.Lookup(NewPred(TypeExtractor(TypeString), OpEq, NewString("x")))
	requirePositions(t, bm, 0, 2)
}

func TestPartitionConjNegation(t *testing.T) {
	p := NewActivePartition(t.TempDir(), 100)
	require.NoError(t, p.Add(intSlice(intLayout(), 0, 1, 2, 3, 4)))

	// x > 1 && !(x == 3)
	expr := NewConj(
		NewPred(FieldExtractor("x"), OpGt, NewInt(1)),
		Neg{X: NewPred(FieldExtractor("x"), OpEq, NewInt(3))},
	)
	bm := p.Lookup(expr)
	requirePositions(t, bm, 1, 3)
}

func TestPartitionCapacity(t *testing.T) {
	p := NewActivePartition(t.TempDir(), 4)
	require.NoError(t, p.Add(intSlice(intLayout(), 0, 1, 2, 3)))
	require.False(t, p.Full())
	require.Equal(t, uint64(1), p.Remaining())

	err := p.Add(intSlice(intLayout(), 3, 4, 5))
	require.Error(t, err)

	require.NoError(t, p.Add(intSlice(intLayout(), 3, 4)))
	require.True(t, p.Full())

	p.Seal()
	err = p.Add(intSlice(intLayout(), 4, 6))
	require.Error(t, err)
}

// Address lookups across slice boundaries, row positions preserved.
func TestPartitionAddressAcrossSlices(t *testing.T) {
	layout := &Layout{
		Name: "mini_conn",
		Rec: record("mini_conn",
			record("id", leaf("orig_h", TypeAddr)),
		),
	}
	needle := "192.168.1.103"
	match := map[int]bool{1: true, 3: true, 7: true, 14: true, 16: true}

	mkRow := func(global int) []Val {
		host := "10.0.0.1"
		if match[global] {
			host = needle
		}
		a, err := ParseAddr(host)
		if err != nil {
			panic(err)
		}
		return []Val{NewAddrVal(a)}
	}

	p := NewActivePartition(t.TempDir(), 100)
	// Rows 0..9 and 10..19 arrive in two slices.
	var rows [][]Val
	for i := 0; i < 10; i++ {
		rows = append(rows, mkRow(i))
	}
	s1 := NewSlice(layout, rows)
	s1.SetOffset(0)
	require.NoError(t, p.Add(s1))

	rows = nil
	for i := 10; i < 20; i++ {
		rows = append(rows, mkRow(i))
	}
	s2 := NewSlice(layout, rows)
	s2.SetOffset(10)
	require.NoError(t, p.Add(s2))

	a, err := ParseAddr(needle)
	require.NoError(t, err)
	bm := p.Lookup(NewPred(FieldExtractor("id.orig_h"), OpEq, NewAddrVal(a)))
	requirePositions(t, bm, 1, 3, 7, 14, 16)
}

// Seal -> flush -> reload: lookups stay identical for every predicate.
func TestPartitionPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := NewActivePartition(dir, 100)
	layout := intLayout()
	require.NoError(t, p.Add(intSlice(layout, 50, 1, 2, 3, 1, 2, 3, 1, 2, 3)))

	preds := []Pred{
		NewPred(FieldExtractor("x"), OpEq, NewInt(1)),
		NewPred(FieldExtractor("x"), OpEq, NewInt(2)),
		NewPred(FieldExtractor("x"), OpEq, NewInt(3)),
		NewPred(FieldExtractor("x"), OpEq, NewInt(4)),
		NewPred(FieldExtractor("x"), OpNe, NewInt(2)),
		NewPred(FieldExtractor("x"), OpLt, NewInt(3)),
		NewPred(FieldExtractor("x"), OpGe, NewInt(2)),
	}
	want := make([]*Bitmap, len(preds))
	for i, pred := range preds {
		want[i] = p.Lookup(pred)
	}

	p.Seal()
	require.NoError(t, p.Persist())
	p.markPassive()
	require.Equal(t, PartitionPassive, p.State())

	reload, err := LoadPartition(dir, p.ID())
	require.NoError(t, err)
	require.Equal(t, uint64(50), reload.MinID())
	require.Equal(t, uint64(9), reload.Rows())
	require.Equal(t, PartitionPassive, reload.State())

	for i, pred := range preds {
		got := reload.Lookup(pred)
		require.True(t, want[i].Equal(got), "predicate %s", pred)
	}
}

func TestPartitionIDInvariants(t *testing.T) {
	p := NewActivePartition(t.TempDir(), 100)
	require.NoError(t, p.Add(intSlice(intLayout(), 1000, 1, 2, 3)))
	require.NoError(t, p.Add(intSlice(intLayout(), 1003, 4, 5)))

	// Contiguous interval [min_id, min_id + rows).
	require.Equal(t, uint64(1000), p.MinID())
	require.Equal(t, uint64(5), p.Rows())

	// Every column index covers exactly the partition's rows.
	for _, col := range p.columns {
		require.Equal(t, p.Rows(), col.Rows())
	}
}

// EOF
