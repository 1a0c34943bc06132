// OpenSOC/Spyglass - string value index tests
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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildStringIndex(t *testing.T, values []string) *stringIndex {
	t.Helper()
	idx := newStringIndex(nil)
	for i, s := range values {
		require.NoError(t, idx.Append(NewString(s), uint64(i)))
	}
	return idx
}

func TestStringIndexEq(t *testing.T) {
	idx := buildStringIndex(t, []string{"http", "dns", "http", "ssh", ""})

	eq, err := idx.Lookup(OpEq, NewString("http"))
	require.NoError(t, err)
	requirePositions(t, eq, 0, 2)

	eq, err = idx.Lookup(OpEq, NewString("dns"))
	require.NoError(t, err)
	requirePositions(t, eq, 1)

	// The empty string is a value like any other.
	eq, err = idx.Lookup(OpEq, NewString(""))
	require.NoError(t, err)
	requirePositions(t, eq, 4)

	// "htt" must not match "http": same prefix, different length.
	eq, err = idx.Lookup(OpEq, NewString("htt"))
	require.NoError(t, err)
	require.Zero(t, eq.Count())

	ne, err := idx.Lookup(OpNe, NewString("http"))
	require.NoError(t, err)
	requirePositions(t, ne, 1, 3, 4)
}

func TestStringIndexGlob(t *testing.T) {
	values := []string{"conn.log", "dns.log", "conn.bak", "weird", "c.log"}
	idx := buildStringIndex(t, values)

	cases := []struct {
		pattern string
		want    []uint64
	}{
		{"conn.*", []uint64{0, 2}},
		{"*.log", []uint64{0, 1, 4}},
		{"*", []uint64{0, 1, 2, 3, 4}},
		{"????.log", []uint64{0}},
		{"c*.log", []uint64{0, 4}},
		{"c*n*g", []uint64{0}},
		{"*nope*", nil},
		{"weird", []uint64{3}},
		{"d?s.log", []uint64{1}},
	}
	for _, tc := range cases {
		bm, err := idx.Lookup(OpMatch, NewString(tc.pattern))
		require.NoError(t, err, tc.pattern)
		var got []uint64
		bm.EachSet(func(i uint64) bool { got = append(got, i); return true })
		require.Equal(t, tc.want, got, "pattern %q", tc.pattern)
	}
}

func TestStringIndexLexRanges(t *testing.T) {
	// Sorted: alpha < beta < betb < gamma
	idx := buildStringIndex(t, []string{"beta", "alpha", "gamma", "betb"})

	lt, err := idx.Lookup(OpLt, NewString("betb"))
	require.NoError(t, err)
	requirePositions(t, lt, 0, 1)

	ge, err := idx.Lookup(OpGe, NewString("beta"))
	require.NoError(t, err)
	requirePositions(t, ge, 0, 2, 3)

	gt, err := idx.Lookup(OpGt, NewString("beta"))
	require.NoError(t, err)
	requirePositions(t, gt, 2, 3)

	// A proper prefix sorts before its extensions.
	idx2 := buildStringIndex(t, []string{"bet", "beta"})
	lt2, err := idx2.Lookup(OpLt, NewString("beta"))
	require.NoError(t, err)
	requirePositions(t, lt2, 0)
}

func TestStringIndexTypeClash(t *testing.T) {
	idx := buildStringIndex(t, []string{"x"})
	_, err := idx.Lookup(OpEq, NewInt(1))
	require.Error(t, err)
	require.Equal(t, ErrTypeClash, KindOf(err))
}

func TestStringIndexRoundTrip(t *testing.T) {
	values := []string{"conn.log", "dns.log", "", "weird", "conn.log"}
	idx := buildStringIndex(t, values)

	var buf []byte
	idx.marshal(&buf)

	reload, err := NewValueIndex(TypeString, nil)
	require.NoError(t, err)
	require.NoError(t, reload.unmarshal(bytes.NewReader(buf)))

	for _, probe := range []string{"conn.log", "dns.log", "", "nope"} {
		want, err := idx.Lookup(OpEq, NewString(probe))
		require.NoError(t, err)
		got, err := reload.Lookup(OpEq, NewString(probe))
		require.NoError(t, err)
		require.True(t, want.Equal(got), "probe %q", probe)
	}
	match, err := reload.Lookup(OpMatch, NewString("*.log"))
	require.NoError(t, err)
	requirePositions(t, match, 0, 1, 4)
}

// EOF
