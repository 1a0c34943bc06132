// OpenSOC/Spyglass - column index tests
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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func intLayout(attrs ...string) *Layout {
	return &Layout{
		Name: "flat",
		Rec:  record("flat", leaf("x", TypeInt, attrs...)),
	}
}

func intSlice(layout *Layout, offset uint64, values ...int64) *Slice {
	rows := make([][]Val, len(values))
	for i, v := range values {
		rows[i] = []Val{NewInt(v)}
	}
	s := NewSlice(layout, rows)
	s.SetOffset(offset)
	return s
}

func TestColumnIndexAddLookup(t *testing.T) {
	layout := intLayout()
	col, err := NewColumnIndex(layout.Leaves()[0], 100)
	require.NoError(t, err)

	// Two slices with absolute IDs 100.. and 105..
	require.NoError(t, col.Add(intSlice(layout, 100, 1, 2, 3, 1, 2)))
	require.NoError(t, col.Add(intSlice(layout, 105, 3, 1)))
	require.Equal(t, uint64(7), col.Rows())

	// Lookups come back partition-relative.
	bm, err := col.Lookup(OpEq, NewInt(1))
	require.NoError(t, err)
	requirePositions(t, bm, 0, 3, 6)
}

func TestColumnIndexSkipAttribute(t *testing.T) {
	layout := intLayout(AttrSkip)
	col, err := NewColumnIndex(layout.Leaves()[0], 0)
	require.NoError(t, err)

	require.NoError(t, col.Add(intSlice(layout, 0, 1, 1, 1)))

	// A skip column answers every predicate with the empty bitmap.
	bm, err := col.Lookup(OpEq, NewInt(1))
	require.NoError(t, err)
	require.Zero(t, bm.Count())
}

func TestColumnIndexNullCells(t *testing.T) {
	layout := intLayout()
	col, err := NewColumnIndex(layout.Leaves()[0], 0)
	require.NoError(t, err)

	rows := [][]Val{{NewInt(7)}, {{}}, {NewInt(7)}}
	s := NewSlice(layout, rows)
	s.SetOffset(0)
	require.NoError(t, col.Add(s))
	require.Equal(t, uint64(3), col.Rows())

	bm, err := col.Lookup(OpEq, NewInt(7))
	require.NoError(t, err)
	requirePositions(t, bm, 0, 2)
}

func TestColumnIndexFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	layout := intLayout()
	lf := layout.Leaves()[0]

	col, err := NewColumnIndex(lf, 1000)
	require.NoError(t, err)
	require.NoError(t, col.Add(intSlice(layout, 1000, 5, 6, 5, 7)))

	path := filepath.Join(dir, "0.col")
	require.NoError(t, col.WriteFile(path))

	reload, err := loadColumnIndex(path, lf)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), reload.base_offset)
	require.Equal(t, col.Rows(), reload.Rows())

	for _, probe := range []int64{5, 6, 7, 8} {
		want, err := col.Lookup(OpEq, NewInt(probe))
		require.NoError(t, err)
		got, err := reload.Lookup(OpEq, NewInt(probe))
		require.NoError(t, err)
		require.True(t, want.Equal(got))
	}
}

func TestColumnIndexCorruptFile(t *testing.T) {
	dir := t.TempDir()
	layout := intLayout()
	lf := layout.Leaves()[0]

	col, err := NewColumnIndex(lf, 0)
	require.NoError(t, err)
	require.NoError(t, col.Add(intSlice(layout, 0, 1, 2, 3)))

	path := filepath.Join(dir, "0.col")
	require.NoError(t, col.WriteFile(path))

	// Flip a byte in the middle of the file.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, NewFilePermissions))

	_, err = loadColumnIndex(path, lf)
	require.Error(t, err)
	require.Equal(t, ErrCorruption, KindOf(err))
}

// EOF
