// OpenSOC/Spyglass - address, subnet and port value indexes
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
	"sort"
)

// ---- address index ----

/*
	One bitmap per bit of the canonical 128-bit address form, MSB first.
	Equality intersects all 128 positions; subnet containment only the
	top prefix bits; ranges run the bit-sliced comparison over the full
	width with numeric order on the canonical form.
*/
type addressIndex struct {
	indexBase
	planes [128]*Bitmap
}

func newAddressIndex() *addressIndex {
	return &addressIndex{indexBase: newIndexBase(TypeAddr)}
}

func (idx *addressIndex) Append(v Val, pos uint64) error {
	if v.Type() != TypeAddr {
		return newError(ErrTypeClash, "cannot append %s to address index", v.Type())
	}
	if !idx.appendMask(pos) {
		return nil
	}
	a := v.GetAddr()
	for i := 0; i < 128; i++ {
		if a.bit(i) != 0 {
			if idx.planes[i] == nil {
				idx.planes[i] = NewBitmap()
			}
			idx.planes[i].AppendBitAt(pos)
		}
	}
	return nil
}

// matchBits intersects the top n bit positions of a.
func (idx *addressIndex) matchBits(a Addr, n int) *Bitmap {
	out := idx.mask.Clone()
	empty := NewBitmap()
	for i := 0; i < n; i++ {
		plane := idx.planes[i]
		if plane == nil {
			plane = empty
		}
		if a.bit(i) != 0 {
			out = out.And(plane)
		} else {
			out = out.AndNot(plane)
		}
	}
	return out
}

func (idx *addressIndex) Lookup(op RelOp, v Val) (*Bitmap, error) {
	switch op {
	case OpIn, OpNi:
		if v.Type() != TypeSubnet {
			return nil, newError(ErrTypeClash, "address 'in' wants a subnet operand, got %s", v.Type())
		}
		in := idx.matchBits(v.GetAddr(), int(v.GetPrefix()))
		if op == OpNi {
			return in.Not(idx.length), nil
		}
		return in, nil
	}
	if v.Type() != TypeAddr {
		return nil, newError(ErrTypeClash, "operand type %s clashes with column type addr", v.Type())
	}
	a := v.GetAddr()
	switch op {
	case OpEq:
		return idx.matchBits(a, 128), nil
	case OpNe:
		return idx.neOverUniverse(idx.matchBits(a, 128)), nil
	case OpLt, OpLe, OpGt, OpGe:
		eq, lt := bsiCompare(idx.planes[:], idx.mask, func(i int) bool {
			return a.bit(i) != 0
		})
		return rangeBitmaps(op, eq, lt, idx.mask, idx.length)
	}
	return nil, newError(ErrTypeClash, "operator %s not applicable to addr", op)
}

func (idx *addressIndex) marshal(buf *[]byte) {
	idx.marshalBase(buf)
	for i := 0; i < 128; i++ {
		plane := idx.planes[i]
		if plane == nil {
			plane = NewBitmap()
		}
		addBitmapToData(buf, plane)
	}
}

func (idx *addressIndex) unmarshal(r *bytes.Reader) error {
	if err := idx.unmarshalBase(r); err != nil {
		return err
	}
	for i := 0; i < 128; i++ {
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

// ---- subnet index ----

// Subnet columns only answer equality, so a per-value bitmap map is
// all the structure needed.
type subnetIndex struct {
	indexBase
	valbm map[string]*Bitmap // canonical (addr, prefix) key -> rows
}

func newSubnetIndex() *subnetIndex {
	return &subnetIndex{indexBase: newIndexBase(TypeSubnet), valbm: make(map[string]*Bitmap)}
}

func (idx *subnetIndex) Append(v Val, pos uint64) error {
	if v.Type() != TypeSubnet {
		return newError(ErrTypeClash, "cannot append %s to subnet index", v.Type())
	}
	if !idx.appendMask(pos) {
		return nil
	}
	k := v.key()
	if idx.valbm[k] == nil {
		idx.valbm[k] = NewBitmap()
	}
	idx.valbm[k].AppendBitAt(pos)
	return nil
}

func (idx *subnetIndex) Lookup(op RelOp, v Val) (*Bitmap, error) {
	if v.Type() != TypeSubnet {
		return nil, newError(ErrTypeClash, "operand type %s clashes with column type subnet", v.Type())
	}
	eq := NewBitmap()
	if bm := idx.valbm[v.key()]; bm != nil {
		eq = bm.Clone()
	}
	switch op {
	case OpEq:
		return eq, nil
	case OpNe:
		return idx.neOverUniverse(eq), nil
	}
	return nil, newError(ErrTypeClash, "operator %s not applicable to subnet", op)
}

func (idx *subnetIndex) marshal(buf *[]byte)            { marshalValbm(&idx.indexBase, idx.valbm, buf) }
func (idx *subnetIndex) unmarshal(r *bytes.Reader) error {
	bm, err := unmarshalValbm(&idx.indexBase, r)
	if err != nil {
		return err
	}
	idx.valbm = bm
	return nil
}

// ---- port index ----

/*
	Ports decompose into a 16-bit number and a 2-bit transport type.
	Ranges apply to the number; equality additionally pins the type
	unless the operand's type is unknown.
*/
type portIndex struct {
	indexBase
	planes [16]*Bitmap // number bit planes, MSB first
	typebm [4]*Bitmap  // one bitmap per transport type
}

func newPortIndex() *portIndex {
	return &portIndex{indexBase: newIndexBase(TypePort)}
}

func (idx *portIndex) Append(v Val, pos uint64) error {
	if v.Type() != TypePort {
		return newError(ErrTypeClash, "cannot append %s to port index", v.Type())
	}
	if !idx.appendMask(pos) {
		return nil
	}
	num, pt := v.GetPort()
	for i := 0; i < 16; i++ {
		if num&(1<<(15-uint(i))) != 0 {
			if idx.planes[i] == nil {
				idx.planes[i] = NewBitmap()
			}
			idx.planes[i].AppendBitAt(pos)
		}
	}
	if idx.typebm[pt] == nil {
		idx.typebm[pt] = NewBitmap()
	}
	idx.typebm[pt].AppendBitAt(pos)
	return nil
}

func (idx *portIndex) Lookup(op RelOp, v Val) (*Bitmap, error) {
	if v.Type() != TypePort {
		return nil, newError(ErrTypeClash, "operand type %s clashes with column type port", v.Type())
	}
	num, pt := v.GetPort()
	eq, lt := bsiCompare(idx.planes[:], idx.mask, func(i int) bool {
		return num&(1<<(15-uint(i))) != 0
	})
	if pt != PortUnknown && (op == OpEq || op == OpNe) {
		typebm := idx.typebm[pt]
		if typebm == nil {
			typebm = NewBitmap()
		}
		eq = eq.And(typebm)
	}
	return rangeBitmaps(op, eq, lt, idx.mask, idx.length)
}

func (idx *portIndex) marshal(buf *[]byte) {
	idx.marshalBase(buf)
	for i := 0; i < 16; i++ {
		plane := idx.planes[i]
		if plane == nil {
			plane = NewBitmap()
		}
		addBitmapToData(buf, plane)
	}
	for i := 0; i < 4; i++ {
		bm := idx.typebm[i]
		if bm == nil {
			bm = NewBitmap()
		}
		addBitmapToData(buf, bm)
	}
}

func (idx *portIndex) unmarshal(r *bytes.Reader) error {
	if err := idx.unmarshalBase(r); err != nil {
		return err
	}
	for i := 0; i < 16; i++ {
		plane, err := getBitmapFromData(r)
		if err != nil {
			return err
		}
		if plane.Length() > 0 {
			idx.planes[i] = plane
		}
	}
	for i := 0; i < 4; i++ {
		bm, err := getBitmapFromData(r)
		if err != nil {
			return err
		}
		if bm.Length() > 0 {
			idx.typebm[i] = bm
		}
	}
	return nil
}

// ---- per-value map helpers (shared by subnet and list) ----

func marshalValbm(base *indexBase, valbm map[string]*Bitmap, buf *[]byte) {
	base.marshalBase(buf)
	keys := make([]string, 0, len(valbm))
	for k := range valbm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	addMultibyteToData(buf, uint64(len(keys)), 4)
	for _, k := range keys {
		addStringToData(buf, k)
		addBitmapToData(buf, valbm[k])
	}
}

func unmarshalValbm(base *indexBase, r *bytes.Reader) (map[string]*Bitmap, error) {
	if err := base.unmarshalBase(r); err != nil {
		return nil, err
	}
	n := int(getUintFromData(r, 4))
	out := make(map[string]*Bitmap, n)
	for i := 0; i < n; i++ {
		k, err := getStringFromData(r)
		if err != nil {
			return nil, err
		}
		bm, err := getBitmapFromData(r)
		if err != nil {
			return nil, err
		}
		out[k] = bm
	}
	return out, nil
}

// EOF
