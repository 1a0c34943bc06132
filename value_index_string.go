// OpenSOC/Spyglass - string value index
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
	The string index keeps (a) one bitmap per observed length, grouped
	at a configured maximum, and (b) one bitmap per (position, byte) up
	to that maximum. Equality intersects the length bitmap with the
	per-position bitmaps; glob matching runs a positional dynamic
	programme per candidate length. Bytes past the maximum length are
	not indexed, so strings sharing a bucket and prefix are
	indistinguishable there.
*/

package spyglass

import (
	"bytes"
	"sort"
	"strings"
)

const default_string_max = 64 // option key "max-size"

type stringIndex struct {
	indexBase
	max   int
	lenbm map[int]*Bitmap  // length bucket -> rows, bucket = min(len, max)
	chars []map[byte]*Bitmap // position -> byte -> rows
}

func newStringIndex(opts IndexOptions) *stringIndex {
	max := opts.intOption("max-size", default_string_max)
	if max < 1 {
		max = default_string_max
	}
	return &stringIndex{
		indexBase: newIndexBase(TypeString),
		max:       max,
		lenbm:     make(map[int]*Bitmap),
		chars:     make([]map[byte]*Bitmap, max),
	}
}

func (idx *stringIndex) bucket(n int) int {
	if n > idx.max {
		return idx.max
	}
	return n
}

func (idx *stringIndex) Append(v Val, pos uint64) error {
	if v.Type() != TypeString {
		return newError(ErrTypeClash, "cannot append %s to string index", v.Type())
	}
	if !idx.appendMask(pos) {
		return nil
	}
	s := v.GetString()

	b := idx.bucket(len(s))
	if idx.lenbm[b] == nil {
		idx.lenbm[b] = NewBitmap()
	}
	idx.lenbm[b].AppendBitAt(pos)

	for i := 0; i < len(s) && i < idx.max; i++ {
		if idx.chars[i] == nil {
			idx.chars[i] = make(map[byte]*Bitmap)
		}
		if idx.chars[i][s[i]] == nil {
			idx.chars[i][s[i]] = NewBitmap()
		}
		idx.chars[i][s[i]].AppendBitAt(pos)
	}
	return nil
}

func (idx *stringIndex) charBM(i int, c byte) *Bitmap {
	if i >= idx.max || idx.chars[i] == nil || idx.chars[i][c] == nil {
		return NewBitmap()
	}
	return idx.chars[i][c]
}

func (idx *stringIndex) lenBM(bucket int) *Bitmap {
	if bm := idx.lenbm[bucket]; bm != nil {
		return bm
	}
	return NewBitmap()
}

// eq intersects the length bitmap with one bitmap per position.
func (idx *stringIndex) eq(s string) *Bitmap {
	out := idx.lenBM(idx.bucket(len(s))).Clone()
	for i := 0; i < len(s) && i < idx.max; i++ {
		out = out.And(idx.charBM(i, s[i]))
	}
	return out
}

// segAt constrains one glob segment (may contain '?') anchored at
// position p, within candidate set base.
func (idx *stringIndex) segAt(base *Bitmap, seg string, p int) *Bitmap {
	out := base
	for j := 0; j < len(seg); j++ {
		if seg[j] == '?' || p+j >= idx.max {
			continue
		}
		out = out.And(idx.charBM(p+j, seg[j]))
	}
	return out
}

/*
	matchGlob evaluates an anchored glob with '*' and '?'. For each
	observed length it anchors the first segment at 0 and the last at
	the end, and runs the textbook ordered-placement DP for the floating
	middle segments: D[p] holds the rows where the segments so far have
	matched, the last one ending at or before p.
*/
func (idx *stringIndex) matchGlob(pattern string) *Bitmap {
	if !strings.ContainsRune(pattern, '*') {
		// fixed length, '?' only
		out := idx.lenBM(idx.bucket(len(pattern))).Clone()
		return idx.segAt(out, pattern, 0)
	}

	segs := strings.Split(pattern, "*")
	first, last := segs[0], segs[len(segs)-1]
	middles := segs[1 : len(segs)-1]
	minlen := 0
	for _, s := range segs {
		minlen += len(s)
	}

	result := NewBitmap()
	for bucket := range idx.lenbm {
		L := bucket
		if L < minlen && bucket < idx.max {
			continue // too short; the max bucket holds longer strings too
		}
		base := idx.lenBM(bucket)

		// hi: last position a middle segment may end at
		hi := L - len(last)
		if bucket == idx.max {
			hi = idx.max
		}
		if hi < len(first) {
			continue
		}

		// D[p]: rows where the segments placed so far all matched, the
		// last one ending at or before p. First segment is anchored.
		D := make([]*Bitmap, hi+1)
		anchored := idx.segAt(base.Clone(), first, 0)
		empty := NewBitmap()
		for p := 0; p <= hi; p++ {
			if p >= len(first) {
				D[p] = anchored
			} else {
				D[p] = empty
			}
		}

		for _, seg := range middles {
			ND := make([]*Bitmap, hi+1)
			prev := empty
			for p := 0; p <= hi; p++ {
				cur := prev
				if start := p - len(seg); start >= 0 {
					cur = cur.Or(idx.segAt(D[start], seg, start))
				}
				ND[p] = cur
				prev = cur
			}
			D = ND
		}

		if bucket == idx.max && len(last) > 0 {
			// strings longer than the indexed range: the trailing
			// segment's anchor is unknown, let it float
			acc := NewBitmap()
			for p := 0; p+len(last) <= idx.max; p++ {
				acc = acc.Or(idx.segAt(D[p], last, p))
			}
			result = result.Or(acc)
		} else {
			q := L - len(last)
			if q < 0 || q > hi {
				continue
			}
			result = result.Or(idx.segAt(D[q], last, q))
		}
	}
	return result
}

// ltChars unions the bitmaps of all bytes below c at position i.
func (idx *stringIndex) ltChars(i int, c byte) *Bitmap {
	out := NewBitmap()
	if i >= idx.max || idx.chars[i] == nil {
		return out
	}
	for b, bm := range idx.chars[i] {
		if b < c {
			out = out.Or(bm)
		}
	}
	return out
}

// lt computes the lexicographically-less set.
func (idx *stringIndex) lt(s string) *Bitmap {
	out := NewBitmap()
	prefix_eq := idx.mask.Clone()
	for i := 0; i < len(s) && i < idx.max; i++ {
		// proper prefixes of s are smaller
		if i < idx.max {
			out = out.Or(prefix_eq.And(idx.lenBM(i)))
		}
		out = out.Or(prefix_eq.And(idx.ltChars(i, s[i])))
		prefix_eq = prefix_eq.And(idx.charBM(i, s[i]))
	}
	return out
}

func (idx *stringIndex) Lookup(op RelOp, v Val) (*Bitmap, error) {
	if v.Type() != TypeString {
		return nil, newError(ErrTypeClash, "operand type %s clashes with column type string", v.Type())
	}
	s := v.GetString()
	switch op {
	case OpEq:
		return idx.eq(s), nil
	case OpNe:
		return idx.neOverUniverse(idx.eq(s)), nil
	case OpMatch:
		return idx.matchGlob(s), nil
	case opNotMatch:
		return idx.matchGlob(s).Not(idx.length), nil
	case OpLt:
		return idx.lt(s), nil
	case OpLe:
		return idx.lt(s).Or(idx.eq(s)), nil
	case OpGt:
		return idx.mask.AndNot(idx.lt(s).Or(idx.eq(s))), nil
	case OpGe:
		return idx.mask.AndNot(idx.lt(s)), nil
	}
	return nil, newError(ErrTypeClash, "operator %s not applicable to string", op)
}

func (idx *stringIndex) marshal(buf *[]byte) {
	idx.marshalBase(buf)
	addMultibyteToData(buf, uint64(idx.max), 4)

	lengths := make([]int, 0, len(idx.lenbm))
	for l := range idx.lenbm {
		lengths = append(lengths, l)
	}
	sort.Ints(lengths)
	addMultibyteToData(buf, uint64(len(lengths)), 4)
	for _, l := range lengths {
		addMultibyteToData(buf, uint64(l), 4)
		addBitmapToData(buf, idx.lenbm[l])
	}

	for i := 0; i < idx.max; i++ {
		cs := make([]int, 0, len(idx.chars[i]))
		for c := range idx.chars[i] {
			cs = append(cs, int(c))
		}
		sort.Ints(cs)
		addMultibyteToData(buf, uint64(len(cs)), 4)
		for _, c := range cs {
			addByteToData(buf, byte(c))
			addBitmapToData(buf, idx.chars[i][byte(c)])
		}
	}
}

func (idx *stringIndex) unmarshal(r *bytes.Reader) error {
	if err := idx.unmarshalBase(r); err != nil {
		return err
	}
	idx.max = int(getUintFromData(r, 4))
	if idx.max < 1 || idx.max > 1<<20 {
		return newError(ErrCorruption, "string index max length %d out of range", idx.max)
	}

	idx.lenbm = make(map[int]*Bitmap)
	numlen := int(getUintFromData(r, 4))
	for i := 0; i < numlen; i++ {
		l := int(getUintFromData(r, 4))
		bm, err := getBitmapFromData(r)
		if err != nil {
			return err
		}
		idx.lenbm[l] = bm
	}

	idx.chars = make([]map[byte]*Bitmap, idx.max)
	for i := 0; i < idx.max; i++ {
		numc := int(getUintFromData(r, 4))
		if numc > 0 {
			idx.chars[i] = make(map[byte]*Bitmap, numc)
		}
		for j := 0; j < numc; j++ {
			c := getByteFromData(r)
			bm, err := getBitmapFromData(r)
			if err != nil {
				return err
			}
			idx.chars[i][c] = bm
		}
	}
	return nil
}

// EOF
