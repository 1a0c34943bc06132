// OpenSOC/Spyglass - column indexes
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
	A column index owns the value index of one leaf field within one
	partition, plus the partition's base offset. Value indexes work in
	partition-relative positions; the column index translates between
	absolute event IDs and those positions.

	A field carrying the "skip" attribute gets no value index at all and
	answers every lookup with the empty bitmap.
*/

package spyglass

import (
	"bytes"
	"os"
)

type ColumnIndex struct {
	field       LeafField
	base_offset uint64 // partition min_id
	skip        bool
	idx         ValueIndex // nil iff skip
}

func NewColumnIndex(field LeafField, base_offset uint64) (*ColumnIndex, error) {
	c := &ColumnIndex{field: field, base_offset: base_offset}
	if field.Type.HasAttr(AttrSkip) {
		c.skip = true
		return c, nil
	}
	opts := IndexOptions{}
	if v := field.Type.AttrValue("max-size"); v != "" {
		opts["max-size"] = v
	}
	idx, err := NewValueIndex(field.Type.Kind, opts)
	if err != nil {
		return nil, err
	}
	c.idx = idx
	return c, nil
}

func (c *ColumnIndex) Field() LeafField { return c.field }

// Rows returns the number of rows covered, nulls included.
func (c *ColumnIndex) Rows() uint64 {
	if c.skip {
		return 0
	}
	return c.idx.Length()
}

// Add streams one slice's column into the value index. Rows in order;
// null cells are skipped but still counted in the covered length.
func (c *ColumnIndex) Add(s *Slice) error {
	if c.skip {
		return nil
	}
	col := c.field.FlatIndex
	for r := 0; r < s.Rows(); r++ {
		v := s.At(r, col)
		if v.IsNull() {
			continue
		}
		pos := s.Offset() + uint64(r) - c.base_offset
		if err := c.idx.Append(v, pos); err != nil {
			return err
		}
	}
	c.idx.extendTo(s.Offset() + uint64(s.Rows()) - c.base_offset)
	return nil
}

// extendTo pads the covered row count (rows of other layouts within
// the same partition, trailing nulls).
func (c *ColumnIndex) extendTo(n uint64) {
	if !c.skip {
		c.idx.extendTo(n)
	}
}

// Lookup evaluates one curried predicate against this column.
func (c *ColumnIndex) Lookup(op RelOp, v Val) (*Bitmap, error) {
	if c.skip {
		return NewBitmap(), nil
	}
	return c.idx.Lookup(op, v)
}

// ---- persistence ----

/*
	Column file: header section, one column section (base offset plus
	the value index payload, whose first byte is the semantic type tag),
	trailer.
*/

func (c *ColumnIndex) WriteFile(path string) error {
	if c.skip {
		return nil
	}
	var content []byte
	addMultibyteToData(&content, c.base_offset, 8)
	c.idx.marshal(&content)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, NewFilePermissions)
	if err != nil {
		return wrapError(err, ErrIO, "create column file '%s'", path)
	}
	defer f.Close()

	if err := writeFileHeader(f); err != nil {
		return err
	}
	if err := writeSection(f, section_column, content); err != nil {
		return err
	}
	if err := writeFileTrailer(f); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return wrapError(err, ErrIO, "sync column file '%s'", path)
	}
	return nil
}

// loadColumnIndex reads a column file back. The field must come from
// the partition descriptor; only the index payload lives in the file.
func loadColumnIndex(path string, field LeafField) (*ColumnIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapError(err, ErrIO, "open column file '%s'", path)
	}
	defer f.Close()

	if err := readFileHeader(f); err != nil {
		return nil, err
	}
	id, content, err := readSection(f)
	if err != nil {
		return nil, err
	}
	if id != section_column {
		return nil, newError(ErrCorruption, "expected column section, got %d", id)
	}

	reader := bytes.NewReader(content)
	base_offset := getUintFromData(reader, 8)

	// Peek the semantic type tag to construct the right variant; the
	// payload's unmarshal consumes it again.
	tag, err2 := reader.ReadByte()
	if err2 != nil {
		return nil, newError(ErrCorruption, "column payload truncated")
	}
	reader.UnreadByte()

	idx, err := NewValueIndex(SemType(tag), nil)
	if err != nil {
		return nil, newError(ErrCorruption, "column file '%s' carries unknown type tag %d", path, tag)
	}
	if err := idx.unmarshal(reader); err != nil {
		return nil, err
	}
	if idx.Type() != field.Type.Kind {
		return nil, newError(ErrCorruption,
			"column file '%s' type %s does not match layout field type %s",
			path, idx.Type(), field.Type.Kind)
	}

	return &ColumnIndex{field: field, base_offset: base_offset, idx: idx}, nil
}

// EOF
