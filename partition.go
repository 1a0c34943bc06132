// OpenSOC/Spyglass - partitions
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
	A partition covers one contiguous event ID interval
	[min_id, min_id+rows) and aggregates the column indexes of every
	layout it has seen. It is active (single writer), then unpersisted
	(sealed, flush in flight), then passive (on disk, read-only).
*/

package spyglass

import (
	"fmt"

	"github.com/google/uuid"
)

type PartitionState uint8

const (
	PartitionActive PartitionState = iota
	PartitionUnpersisted
	PartitionPassive
)

func (s PartitionState) String() string {
	switch s {
	case PartitionActive:
		return "active"
	case PartitionUnpersisted:
		return "unpersisted"
	default:
		return "passive"
	}
}

type Partition struct {
	id       uuid.UUID
	dir      string // index directory; our files live in dir/<uuid>/
	capacity uint64
	state    PartitionState

	layouts map[string]*Layout
	columns map[string]*ColumnIndex // columnKey(layout, flat index)
	synopses map[string]Synopsis    // field path -> synopsis

	min_id  uint64
	has_min bool
	rows    uint64
}

func columnKey(layout string, flat_index int) string {
	return fmt.Sprintf("%s-%d", layout, flat_index)
}

// NewActivePartition creates an empty active partition with a fresh
// random UUID.
func NewActivePartition(dir string, capacity uint64) *Partition {
	return &Partition{
		id:       uuid.New(),
		dir:      dir,
		capacity: capacity,
		state:    PartitionActive,
		layouts:  make(map[string]*Layout),
		columns:  make(map[string]*ColumnIndex),
		synopses: make(map[string]Synopsis),
	}
}

func (p *Partition) ID() uuid.UUID        { return p.id }
func (p *Partition) State() PartitionState { return p.state }
func (p *Partition) MinID() uint64        { return p.min_id }
func (p *Partition) Rows() uint64         { return p.rows }
func (p *Partition) Capacity() uint64     { return p.capacity }

// Remaining returns how many more rows fit before the partition seals.
func (p *Partition) Remaining() uint64 {
	if p.rows >= p.capacity {
		return 0
	}
	return p.capacity - p.rows
}

// Synopses exposes the per-field sketches (the meta-index holds on to
// these).
func (p *Partition) Synopses() map[string]Synopsis { return p.synopses }

func (p *Partition) Layouts() map[string]*Layout { return p.layouts }

// recordLayout creates the column indexes and synopses for a layout on
// first sight.
func (p *Partition) recordLayout(l *Layout) error {
	if _, ok := p.layouts[l.Name]; ok {
		return nil
	}
	p.layouts[l.Name] = l
	for _, leaf := range l.Leaves() {
		col, err := NewColumnIndex(leaf, p.min_id)
		if err != nil {
			return err
		}
		p.columns[columnKey(l.Name, leaf.FlatIndex)] = col
		if !leaf.Type.HasAttr(AttrSkip) {
			if _, ok := p.synopses[leaf.Path]; !ok {
				if s := newSynopsis(leaf.Type.Kind); s != nil {
					p.synopses[leaf.Path] = s
				}
			}
		}
	}
	return nil
}

// Add streams one slice into the partition. The slice must fit into
// the remaining capacity and carry contiguous IDs right after the rows
// already present.
func (p *Partition) Add(s *Slice) error {
	if p.state != PartitionActive {
		return newError(ErrUnspecified, "partition %s is %s, not accepting slices", p.id, p.state)
	}
	if uint64(s.Rows()) > p.Remaining() {
		return newError(ErrUnspecified,
			"slice of %d rows exceeds remaining capacity %d", s.Rows(), p.Remaining())
	}
	if !p.has_min {
		p.min_id = s.Offset()
		p.has_min = true
	}
	if err := p.recordLayout(s.Layout()); err != nil {
		return err
	}

	for _, leaf := range s.Layout().Leaves() {
		col := p.columns[columnKey(s.Layout().Name, leaf.FlatIndex)]
		if err := col.Add(s); err != nil {
			return err
		}
		if syn := p.synopses[leaf.Path]; syn != nil {
			for r := 0; r < s.Rows(); r++ {
				if v := s.At(r, leaf.FlatIndex); !v.IsNull() {
					syn.Add(v)
				}
			}
		}
	}

	p.rows += uint64(s.Rows())

	// Pad every column to the partition row count, so columns of other
	// layouts (and trailing nulls) stay aligned.
	for _, col := range p.columns {
		col.extendTo(p.rows)
	}
	return nil
}

// Seal transitions active -> unpersisted; no more writes.
func (p *Partition) Seal() {
	if p.state == PartitionActive {
		p.state = PartitionUnpersisted
	}
}

// Full reports whether the configured capacity is reached.
func (p *Partition) Full() bool { return p.rows >= p.capacity }

/*
	Lookup evaluates a normalized expression against this partition and
	returns the matching rows as a partition-relative bitmap over
	[0, rows). Predicates on absent fields and predicates whose operand
	type clashes evaluate to the empty bitmap; the rest of the
	expression still contributes.
*/
func (p *Partition) Lookup(expr Expr) *Bitmap {
	return p.evalExpr(Normalize(expr))
}

func (p *Partition) evalExpr(x Expr) *Bitmap {
	switch e := x.(type) {
	case Conj:
		out := newBitmapOnes(p.rows)
		for _, c := range e.Xs {
			out = out.And(p.evalExpr(c))
		}
		return out
	case Disj:
		out := NewBitmap()
		for _, c := range e.Xs {
			out = out.Or(p.evalExpr(c))
		}
		return out
	case Neg:
		// Normalisation removes negations, but stay correct if one
		// arrives anyway.
		return p.evalExpr(e.X).Not(p.rows)
	case Pred:
		return p.evalPred(e)
	}
	return NewBitmap()
}

// resolveExtractor expands an extractor into the matching columns.
func (p *Partition) resolveExtractor(e Extractor) []*ColumnIndex {
	var out []*ColumnIndex
	for _, l := range p.layouts {
		var leaves []LeafField
		switch e.Kind {
		case ExtractField:
			leaves = l.LeavesUnder(e.Path)
		case ExtractType:
			leaves = l.LeavesOfType(e.Type)
		case ExtractAttr:
			leaves = l.LeavesWithAttr(e.Attr)
		}
		for _, leaf := range leaves {
			if col := p.columns[columnKey(l.Name, leaf.FlatIndex)]; col != nil {
				out = append(out, col)
			}
		}
	}
	return out
}

func (p *Partition) evalPred(pred Pred) *Bitmap {
	out := NewBitmap()
	for _, col := range p.resolveExtractor(pred.LHS) {
		bm, err := col.Lookup(pred.Op, pred.RHS)
		if err != nil {
			// A clash on one column must not fail the whole query.
			zlog.Debugf("partition %s: predicate %s on column %s: %v",
				p.id, pred, col.Field().Path, err)
			continue
		}
		out = out.Or(bm)
	}
	return out
}

// EOF
