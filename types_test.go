// OpenSOC/Spyglass - type system and value tests
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
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayoutLeaves(t *testing.T) {
	conn := ConnLayout()
	leaves := conn.Leaves()

	// Depth-first leaf positions; nested record fields flatten in
	// order.
	require.Equal(t, "ts", leaves[0].Path)
	require.Equal(t, "uid", leaves[1].Path)
	require.Equal(t, "id.orig_h", leaves[2].Path)
	require.Equal(t, "id.orig_p", leaves[3].Path)
	require.Equal(t, "id.resp_h", leaves[4].Path)
	require.Equal(t, "id.resp_p", leaves[5].Path)
	for i, l := range leaves {
		require.Equal(t, i, l.FlatIndex)
	}

	// A record prefix expands to its leaves.
	under := conn.LeavesUnder("id")
	require.Len(t, under, 4)

	exact := conn.LeavesUnder("id.orig_h")
	require.Len(t, exact, 1)
	require.Equal(t, TypeAddr, exact[0].Type.Kind)

	require.Len(t, conn.LeavesWithAttr(AttrTimestamp), 1)
	require.Len(t, conn.LeavesOfType(TypeAddr), 2)
}

func TestLayoutFingerprint(t *testing.T) {
	a, b := ConnLayout(), ConnLayout()
	require.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := ConnLayout()
	c.Rec.Fields[0].Name = "when"
	require.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestLayoutSerializationRoundTrip(t *testing.T) {
	for _, layout := range []*Layout{ConnLayout(), DNSLayout(), SyslogLayout()} {
		var buf []byte
		addLayoutToData(&buf, layout)
		got, err := getLayoutFromData(bytes.NewReader(buf))
		require.NoError(t, err)
		require.Equal(t, layout.String(), got.String())
		require.Equal(t, layout.Fingerprint(), got.Fingerprint())
	}
}

func TestAttrValue(t *testing.T) {
	f := leaf("n", TypeInt, "default=uniform(1,2)", AttrSkip)
	require.True(t, f.HasAttr(AttrSkip))
	require.True(t, f.HasAttr(AttrDefault))
	require.False(t, f.HasAttr(AttrTimestamp))
	require.Equal(t, "uniform(1,2)", f.AttrValue(AttrDefault))
}

// orderedKey must be an order-preserving map onto uint64.
func TestOrderedKeys(t *testing.T) {
	ints := []int64{math.MinInt64, -100, -1, 0, 1, 99, math.MaxInt64}
	for i := 1; i < len(ints); i++ {
		a, ok := NewInt(ints[i-1]).orderedKey()
		require.True(t, ok)
		b, ok := NewInt(ints[i]).orderedKey()
		require.True(t, ok)
		require.Less(t, a, b)
	}

	reals := []float64{math.Inf(-1), -2.5, -0.0, 0.0, 1e-9, 2.5, math.Inf(1)}
	keys := make([]uint64, len(reals))
	for i, f := range reals {
		k, ok := NewReal(f).orderedKey()
		require.True(t, ok)
		keys[i] = k
	}
	require.True(t, sort.SliceIsSorted(keys, func(i, j int) bool { return keys[i] < keys[j] }))

	_, ok := NewString("x").orderedKey()
	require.False(t, ok)
}

func TestAddrBits(t *testing.T) {
	a, err := ParseAddr("255.0.0.1")
	require.NoError(t, err)

	// v4-mapped: bytes 10 and 11 are 0xff, then the v4 octets.
	require.Equal(t, byte(0xff), a[10])
	require.Equal(t, byte(0xff), a[11])
	require.Equal(t, byte(255), a[12])
	require.Equal(t, byte(1), a[15])

	// MSB-first bit addressing.
	require.Equal(t, byte(1), a.bit(96)) // first bit of 255
	require.Equal(t, byte(1), a.bit(127))
	require.Equal(t, byte(0), a.bit(0))

	masked := a.maskBits(96 + 8)
	require.Equal(t, "255.0.0.0", masked.String())
}

func TestValEquality(t *testing.T) {
	require.True(t, NewInt(5).Equal(NewInt(5)))
	require.False(t, NewInt(5).Equal(NewCount(5))) // different types
	require.False(t, NewInt(5).Equal(Val{}))
	require.True(t, Val{}.Equal(Val{}))

	l1 := NewList([]Val{NewString("a"), NewString("b")})
	l2 := NewList([]Val{NewString("a"), NewString("b")})
	l3 := NewList([]Val{NewString("b"), NewString("a")})
	require.True(t, l1.Equal(l2))
	require.False(t, l1.Equal(l3))
}

func TestSectionRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte("spyglass section payload "), 100)

	var out bytes.Buffer
	require.NoError(t, writeFileHeader(&out))
	require.NoError(t, writeSection(&out, section_column, content))
	require.NoError(t, writeFileTrailer(&out))

	r := bytes.NewReader(out.Bytes())
	require.NoError(t, readFileHeader(r))
	id, got, err := readSection(r)
	require.NoError(t, err)
	require.Equal(t, byte(section_column), id)
	require.Equal(t, content, got)
	id, _, err = readSection(r)
	require.NoError(t, err)
	require.Equal(t, byte(section_trailer), id)
}

func TestSectionCorruption(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeFileHeader(&out))
	require.NoError(t, writeSection(&out, section_column, []byte("payload")))

	data := out.Bytes()

	// Broken signature.
	broken := append([]byte{}, data...)
	broken[0] ^= 0xff
	err := readFileHeader(bytes.NewReader(broken))
	require.Error(t, err)
	require.Equal(t, ErrCorruption, KindOf(err))

	// Version mismatch.
	versioned := append([]byte{}, data...)
	versioned[section_hdr_len] = version_major + 1
	// The CRC trips before the version check can.
	err = readFileHeader(bytes.NewReader(versioned))
	require.Error(t, err)
	require.Equal(t, ErrCorruption, KindOf(err))

	// Truncation.
	err = readFileHeader(bytes.NewReader(data[:5]))
	require.Error(t, err)
	require.Equal(t, ErrCorruption, KindOf(err))
}

// EOF
