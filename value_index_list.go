// OpenSOC/Spyglass - list value index
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
	List columns answer membership, not order: `x in field` is the union
	of the rows whose list contains x, and a list literal operand unions
	the matches of all its elements. The index therefore keeps one
	bitmap per distinct element value, keyed canonically.
*/

package spyglass

import "bytes"

type listIndex struct {
	indexBase
	elembm map[string]*Bitmap // element key -> rows containing it
}

func newListIndex() *listIndex {
	return &listIndex{indexBase: newIndexBase(TypeList), elembm: make(map[string]*Bitmap)}
}

func (idx *listIndex) Append(v Val, pos uint64) error {
	if v.Type() != TypeList {
		return newError(ErrTypeClash, "cannot append %s to list index", v.Type())
	}
	if !idx.appendMask(pos) {
		return nil
	}
	for _, e := range v.GetList() {
		if e.IsNull() {
			continue
		}
		k := e.key()
		if idx.elembm[k] == nil {
			idx.elembm[k] = NewBitmap()
		}
		idx.elembm[k].AppendBitAt(pos)
	}
	return nil
}

func (idx *listIndex) contains(e Val) *Bitmap {
	if bm := idx.elembm[e.key()]; bm != nil {
		return bm.Clone()
	}
	return NewBitmap()
}

func (idx *listIndex) Lookup(op RelOp, v Val) (*Bitmap, error) {
	switch op {
	case OpIn, OpNi:
	default:
		return nil, newError(ErrTypeClash, "operator %s not applicable to list", op)
	}

	in := NewBitmap()
	if v.Type() == TypeList {
		for _, e := range v.GetList() {
			in = in.Or(idx.contains(e))
		}
	} else {
		in = idx.contains(v)
	}

	if op == OpNi {
		return in.Not(idx.length), nil
	}
	return in, nil
}

func (idx *listIndex) marshal(buf *[]byte) { marshalValbm(&idx.indexBase, idx.elembm, buf) }

func (idx *listIndex) unmarshal(r *bytes.Reader) error {
	bm, err := unmarshalValbm(&idx.indexBase, r)
	if err != nil {
		return err
	}
	idx.elembm = bm
	return nil
}

// EOF
