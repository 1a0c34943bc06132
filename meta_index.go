// OpenSOC/Spyglass - meta-index (partition pruning)
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
	The meta-index maps partition UUID -> (layouts, per-field synopses)
	and answers, with three-valued logic, which partitions can hold
	matches for an expression. It lives entirely in memory and is
	reconstructed at startup from its blob in index.bin, or from the
	on-disk partition descriptors when index.bin is absent.
*/

package spyglass

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

type metaEntry struct {
	layouts  map[string]*Layout
	synopses map[string]Synopsis // field path -> synopsis
}

type MetaIndex struct {
	entries map[uuid.UUID]*metaEntry
}

func NewMetaIndex() *MetaIndex {
	return &MetaIndex{entries: make(map[uuid.UUID]*metaEntry)}
}

func (m *MetaIndex) Size() int { return len(m.entries) }

// AddPartition registers (or refreshes) a partition's sketches. The
// entry shares the partition's synopsis objects, so updating an active
// partition keeps the meta-index current for free.
func (m *MetaIndex) AddPartition(p *Partition) {
	m.entries[p.ID()] = &metaEntry{layouts: p.Layouts(), synopses: p.Synopses()}
}

// addDescriptor registers a partition from its on-disk descriptor.
func (m *MetaIndex) addDescriptor(d *partitionDescriptor) {
	m.entries[d.id] = &metaEntry{layouts: d.layouts, synopses: d.synopses}
}

func (m *MetaIndex) Remove(id uuid.UUID) { delete(m.entries, id) }

/*
	Lookup returns the UUIDs of all partitions for which the expression
	evaluates to yes or maybe, deterministically ordered by UUID so
	repeated queries walk candidates in the same order. An empty
	meta-index yields the empty set.
*/
func (m *MetaIndex) Lookup(expr Expr) []uuid.UUID {
	norm := Normalize(expr)
	var out []uuid.UUID
	for id, e := range m.entries {
		if e.eval(norm) != t_no {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

func (e *metaEntry) eval(x Expr) ternary {
	switch n := x.(type) {
	case Conj:
		res := t_yes
		for _, c := range n.Xs {
			res = ternaryAnd(res, e.eval(c))
		}
		return res
	case Disj:
		res := t_no
		for _, c := range n.Xs {
			res = ternaryOr(res, e.eval(c))
		}
		return res
	case Neg:
		switch e.eval(n.X) {
		case t_yes:
			return t_no
		case t_no:
			return t_yes
		}
		return t_maybe
	case Pred:
		return e.evalPred(n)
	}
	return t_maybe
}

func (e *metaEntry) evalPred(p Pred) ternary {
	res := t_no // no matching field means no matching rows
	for _, l := range e.layouts {
		var leaves []LeafField
		switch p.LHS.Kind {
		case ExtractField:
			leaves = l.LeavesUnder(p.LHS.Path)
		case ExtractType:
			leaves = l.LeavesOfType(p.LHS.Type)
		case ExtractAttr:
			leaves = l.LeavesWithAttr(p.LHS.Attr)
		}
		for _, leaf := range leaves {
			if leaf.Type.HasAttr(AttrSkip) {
				continue // skip fields never contribute matches
			}
			syn := e.synopses[leaf.Path]
			if syn == nil {
				res = ternaryOr(res, t_maybe) // no synopsis: cannot rule out
				continue
			}
			res = ternaryOr(res, syn.Evaluate(p.Op, p.RHS))
			if res == t_yes {
				return res
			}
		}
	}
	return res
}

// ---- serialisation (meta-index blob inside index.bin) ----

func (m *MetaIndex) marshal(buf *[]byte) {
	ids := make([]uuid.UUID, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	addMultibyteToData(buf, uint64(len(ids)), 4)
	for _, id := range ids {
		e := m.entries[id]
		idbytes, _ := id.MarshalBinary()
		*buf = append(*buf, idbytes...)

		addMultibyteToData(buf, uint64(len(e.layouts)), 4)
		for _, l := range e.layouts {
			addLayoutToData(buf, l)
		}

		addMultibyteToData(buf, uint64(len(e.synopses)), 4)
		for path, syn := range e.synopses {
			addStringToData(buf, path)
			marshalSynopsis(buf, syn)
		}
	}
}

func (m *MetaIndex) unmarshal(r *bytes.Reader) error {
	n := int(getUintFromData(r, 4))
	for i := 0; i < n; i++ {
		idbytes := make([]byte, 16)
		if _, err := r.Read(idbytes); err != nil {
			return newError(ErrCorruption, "meta-index blob truncated")
		}
		id, err := uuid.FromBytes(idbytes)
		if err != nil {
			return newError(ErrCorruption, "meta-index blob holds invalid UUID")
		}

		e := &metaEntry{layouts: make(map[string]*Layout), synopses: make(map[string]Synopsis)}

		nlayouts := int(getUintFromData(r, 4))
		for j := 0; j < nlayouts; j++ {
			l, err := getLayoutFromData(r)
			if err != nil {
				return err
			}
			e.layouts[l.Name] = l
		}

		nsyn := int(getUintFromData(r, 4))
		for j := 0; j < nsyn; j++ {
			path, err := getStringFromData(r)
			if err != nil {
				return err
			}
			syn, err := unmarshalSynopsis(r)
			if err != nil {
				return err
			}
			e.synopses[path] = syn
		}

		m.entries[id] = e
	}
	return nil
}

// EOF
