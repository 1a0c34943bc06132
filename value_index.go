// OpenSOC/Spyglass - value indexes (core and arithmetic variants)
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
	A value index maps the values of one column onto bitmaps of matching
	row positions. One variant exists per semantic type; a write-once
	registry keyed by the semantic type tag constructs and reloads them.

	Appends take the partition-relative row position. Positions are
	strictly increasing; re-appending the same (value, position) pair is
	a no-op. Null cells are never appended, the owning column index pads
	the row count through extendTo after each slice.
*/

package spyglass

import (
	"bytes"
	"math"
)

type ValueIndex interface {
	// Append records value v at row position pos.
	Append(v Val, pos uint64) error
	// Lookup evaluates `column op v` and returns the matching rows.
	Lookup(op RelOp, v Val) (*Bitmap, error)
	// Length returns the number of rows covered, nulls included.
	Length() uint64
	// extendTo raises the covered row count for trailing nulls.
	extendTo(n uint64)
	// Type returns the indexed semantic type.
	Type() SemType

	marshal(buf *[]byte)
	unmarshal(r *bytes.Reader) error
}

// IndexOptions tunes value index construction. Unknown keys are
// accepted but ignored.
type IndexOptions map[string]string

func (o IndexOptions) intOption(key string, def int) int {
	if o == nil {
		return def
	}
	s, ok := o[key]
	if !ok {
		return def
	}
	var n int
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return def
		}
		n = n*10 + int(s[i]-'0')
	}
	return n
}

// ---- factory registry ----

type valueIndexFactory func(opts IndexOptions) ValueIndex

// Write-once at process start, read-many afterwards.
var vi_registry = map[SemType]valueIndexFactory{}

func init() {
	vi_registry[TypeBool] = func(opts IndexOptions) ValueIndex { return newBoolIndex() }
	vi_registry[TypeInt] = func(opts IndexOptions) ValueIndex { return newArithmeticIndex(TypeInt) }
	vi_registry[TypeCount] = func(opts IndexOptions) ValueIndex { return newArithmeticIndex(TypeCount) }
	vi_registry[TypeReal] = func(opts IndexOptions) ValueIndex { return newArithmeticIndex(TypeReal) }
	vi_registry[TypeTime] = func(opts IndexOptions) ValueIndex { return newArithmeticIndex(TypeTime) }
	vi_registry[TypeDuration] = func(opts IndexOptions) ValueIndex { return newArithmeticIndex(TypeDuration) }
	vi_registry[TypeString] = func(opts IndexOptions) ValueIndex { return newStringIndex(opts) }
	vi_registry[TypeAddr] = func(opts IndexOptions) ValueIndex { return newAddressIndex() }
	vi_registry[TypeSubnet] = func(opts IndexOptions) ValueIndex { return newSubnetIndex() }
	vi_registry[TypePort] = func(opts IndexOptions) ValueIndex { return newPortIndex() }
	vi_registry[TypeList] = func(opts IndexOptions) ValueIndex { return newListIndex() }
}

// NewValueIndex constructs the index variant for a semantic type.
func NewValueIndex(t SemType, opts IndexOptions) (ValueIndex, error) {
	factory, ok := vi_registry[t]
	if !ok {
		return nil, newError(ErrUnspecified, "no value index for type %s", t)
	}
	return factory(opts), nil
}

// ---- shared base ----

type indexBase struct {
	typ    SemType
	mask   *Bitmap // rows carrying a (non-null) value
	length uint64  // rows covered, nulls included
}

func newIndexBase(t SemType) indexBase {
	return indexBase{typ: t, mask: NewBitmap()}
}

func (b *indexBase) Type() SemType  { return b.typ }
func (b *indexBase) Length() uint64 { return b.length }

func (b *indexBase) extendTo(n uint64) {
	if n > b.length {
		b.length = n
	}
}

// appendMask records that pos carries a value; returns false on a
// duplicate append.
func (b *indexBase) appendMask(pos uint64) bool {
	if pos < b.mask.Length() {
		return false
	}
	b.mask.AppendBitAt(pos)
	if pos+1 > b.length {
		b.length = pos + 1
	}
	return true
}

func (b *indexBase) marshalBase(buf *[]byte) {
	addByteToData(buf, byte(b.typ))
	addMultibyteToData(buf, b.length, 8)
	addBitmapToData(buf, b.mask)
}

func (b *indexBase) unmarshalBase(r *bytes.Reader) error {
	b.typ = SemType(getByteFromData(r))
	b.length = getUintFromData(r, 8)
	mask, err := getBitmapFromData(r)
	if err != nil {
		return err
	}
	b.mask = mask
	return nil
}

// neOverUniverse turns an equality bitmap into its != counterpart over
// the full universe [0, n); null rows count as not-equal.
func (b *indexBase) neOverUniverse(eq *Bitmap) *Bitmap {
	return eq.Not(b.length)
}

/*
	bsiCompare runs the classic bit-sliced comparison: planes hold one
	bitmap per bit of the value, most significant first. It returns the
	rows equal to and strictly less than the probe in one pass.
*/
func bsiCompare(planes []*Bitmap, mask *Bitmap, bitAt func(i int) bool) (eq, lt *Bitmap) {
	eq = mask.Clone()
	lt = NewBitmap()
	empty := NewBitmap()
	for i := range planes {
		plane := planes[i]
		if plane == nil {
			plane = empty
		}
		if bitAt(i) {
			lt = lt.Or(eq.AndNot(plane))
			eq = eq.And(plane)
		} else {
			eq = eq.AndNot(plane)
		}
	}
	return eq, lt
}

// rangeBitmaps combines the eq/lt pair into the bitmap for op.
func rangeBitmaps(op RelOp, eq, lt *Bitmap, mask *Bitmap, n uint64) (*Bitmap, error) {
	switch op {
	case OpEq:
		return eq, nil
	case OpNe:
		return eq.Not(n), nil
	case OpLt:
		return lt, nil
	case OpLe:
		return lt.Or(eq), nil
	case OpGt:
		return mask.AndNot(lt.Or(eq)), nil
	case OpGe:
		return mask.AndNot(lt), nil
	}
	return nil, newError(ErrTypeClash, "operator %s not applicable", op)
}

// ---- arithmetic index (int, count, real, time, duration) ----

/*
	Values are mapped onto order-preserving uint64 keys and decomposed
	into 64 bit planes, one bitmap per bit. Range queries compose the
	planes; see bsiCompare.
*/
type arithmeticIndex struct {
	indexBase
	planes [64]*Bitmap // key bit planes, planes[0] = MSB
}

func newArithmeticIndex(t SemType) *arithmeticIndex {
	return &arithmeticIndex{indexBase: newIndexBase(t)}
}

func (idx *arithmeticIndex) Append(v Val, pos uint64) error {
	key, ok := v.orderedKey()
	if !ok || v.Type() != idx.typ {
		return newError(ErrTypeClash, "cannot append %s to %s index", v.Type(), idx.typ)
	}
	if !idx.appendMask(pos) {
		return nil
	}
	for i := 0; i < 64; i++ {
		if key&(1<<(63-uint(i))) != 0 {
			if idx.planes[i] == nil {
				idx.planes[i] = NewBitmap()
			}
			idx.planes[i].AppendBitAt(pos)
		}
	}
	return nil
}

/*
	convertOrdered widens the operand into the column's domain.
	integer<->count conversion is allowed with an explicit sign check;
	out-of-domain operands saturate below (-1) or above (+1).
*/
func convertOrdered(col SemType, v Val) (key uint64, sat int, err error) {
	if v.Type() == col {
		key, _ := v.orderedKey()
		return key, 0, nil
	}
	switch {
	case col == TypeInt && v.Type() == TypeCount:
		if v.GetCount() > math.MaxInt64 {
			return 0, 1, nil
		}
		k, _ := NewInt(int64(v.GetCount())).orderedKey()
		return k, 0, nil
	case col == TypeCount && v.Type() == TypeInt:
		if v.GetInt() < 0 {
			return 0, -1, nil
		}
		return uint64(v.GetInt()), 0, nil
	}
	return 0, 0, newError(ErrTypeClash, "operand type %s clashes with column type %s", v.Type(), col)
}

func (idx *arithmeticIndex) Lookup(op RelOp, v Val) (*Bitmap, error) {
	key, sat, err := convertOrdered(idx.typ, v)
	if err != nil {
		return nil, err
	}
	if sat != 0 {
		return idx.saturated(op, sat)
	}
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		eq, lt := bsiCompare(idx.planes[:], idx.mask, func(i int) bool {
			return key&(1<<(63-uint(i))) != 0
		})
		return rangeBitmaps(op, eq, lt, idx.mask, idx.length)
	}
	return nil, newError(ErrTypeClash, "operator %s not applicable to %s", op, idx.typ)
}

// saturated answers comparisons against operands outside the column's
// domain: sat < 0 means below every value, sat > 0 above every value.
func (idx *arithmeticIndex) saturated(op RelOp, sat int) (*Bitmap, error) {
	all := idx.mask.Clone()
	none := NewBitmap()
	switch op {
	case OpEq:
		return none, nil
	case OpNe:
		return newBitmapOnes(idx.length), nil
	case OpLt, OpLe:
		if sat > 0 {
			return all, nil
		}
		return none, nil
	case OpGt, OpGe:
		if sat < 0 {
			return all, nil
		}
		return none, nil
	}
	return nil, newError(ErrTypeClash, "operator %s not applicable to %s", op, idx.typ)
}

func (idx *arithmeticIndex) marshal(buf *[]byte) {
	idx.marshalBase(buf)
	for i := 0; i < 64; i++ {
		plane := idx.planes[i]
		if plane == nil {
			plane = NewBitmap()
		}
		addBitmapToData(buf, plane)
	}
}

func (idx *arithmeticIndex) unmarshal(r *bytes.Reader) error {
	if err := idx.unmarshalBase(r); err != nil {
		return err
	}
	for i := 0; i < 64; i++ {
		plane, err := getBitmapFromData(r)
		if err != nil {
			return err
		}
		if plane.Length() > 0 {
			idx.planes[i] = plane
		}
	}
	return nil
}

// ---- bool index ----

type boolIndex struct {
	indexBase
	truebm *Bitmap
}

func newBoolIndex() *boolIndex {
	return &boolIndex{indexBase: newIndexBase(TypeBool), truebm: NewBitmap()}
}

func (idx *boolIndex) Append(v Val, pos uint64) error {
	if v.Type() != TypeBool {
		return newError(ErrTypeClash, "cannot append %s to bool index", v.Type())
	}
	if !idx.appendMask(pos) {
		return nil
	}
	if v.GetBool() {
		idx.truebm.AppendBitAt(pos)
	}
	return nil
}

func (idx *boolIndex) Lookup(op RelOp, v Val) (*Bitmap, error) {
	if v.Type() != TypeBool {
		return nil, newError(ErrTypeClash, "operand type %s clashes with column type bool", v.Type())
	}
	eq := idx.truebm.Clone()
	if !v.GetBool() {
		eq = idx.mask.AndNot(idx.truebm)
	}
	switch op {
	case OpEq:
		return eq, nil
	case OpNe:
		return idx.neOverUniverse(eq), nil
	}
	return nil, newError(ErrTypeClash, "operator %s not applicable to bool", op)
}

func (idx *boolIndex) marshal(buf *[]byte) {
	idx.marshalBase(buf)
	addBitmapToData(buf, idx.truebm)
}

func (idx *boolIndex) unmarshal(r *bytes.Reader) error {
	if err := idx.unmarshalBase(r); err != nil {
		return err
	}
	bm, err := getBitmapFromData(r)
	if err != nil {
		return err
	}
	idx.truebm = bm
	return nil
}

// EOF
