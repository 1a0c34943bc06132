// OpenSOC/Spyglass - slices (batches of typed event rows)
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

// Event IDs are dense unsigned 64-bit identifiers; max_id is reserved.
const max_id = ^uint64(0)

// Slice is an ordered batch of rows sharing one layout. Offset is the
// event ID of row 0; the importer stamps it, nobody else touches it.
type Slice struct {
	layout *Layout
	offset uint64
	rows   [][]Val // one Val per leaf field, flat index order
}

func NewSlice(layout *Layout, rows [][]Val) *Slice {
	return &Slice{layout: layout, rows: rows}
}

func (s *Slice) Layout() *Layout { return s.layout }
func (s *Slice) Offset() uint64  { return s.offset }
func (s *Slice) Rows() int       { return len(s.rows) }

func (s *Slice) SetOffset(offset uint64) { s.offset = offset }

// At returns the cell at (row, leaf flat index). Cells can be null.
func (s *Slice) At(row, col int) Val {
	r := s.rows[row]
	if col >= len(r) {
		return Val{}
	}
	return r[col]
}

// EOF
