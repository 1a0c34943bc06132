// OpenSOC/Spyglass - semantic types and layouts
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
	A layout is a named record type: an ordered sequence of named,
	semantically typed fields. Records nest; the unit the indexing layer
	works with is the *leaf* field, addressed either by its dotted path
	(e.g. "id.orig_h") or by its flat index (depth-first leaf position).
*/

package spyglass

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

type SemType uint8

const (
	TypeNone SemType = iota
	TypeBool
	TypeInt
	TypeCount
	TypeReal
	TypeTime
	TypeDuration
	TypeString
	TypeAddr
	TypeSubnet
	TypePort
	TypeList
	TypeRecord
)

func (t SemType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeCount:
		return "count"
	case TypeReal:
		return "real"
	case TypeTime:
		return "time"
	case TypeDuration:
		return "duration"
	case TypeString:
		return "string"
	case TypeAddr:
		return "addr"
	case TypeSubnet:
		return "subnet"
	case TypePort:
		return "port"
	case TypeList:
		return "list"
	case TypeRecord:
		return "record"
	default:
		return "none"
	}
}

// ordered reports whether values of this type have a total order the
// min/max synopsis and the arithmetic value index can use.
func (t SemType) ordered() bool {
	switch t {
	case TypeInt, TypeCount, TypeReal, TypeTime, TypeDuration:
		return true
	}
	return false
}

const (
	AttrSkip      = "skip"      // field gets no value index
	AttrTimestamp = "timestamp" // field holds the event timestamp
	AttrDefault   = "default"   // default=<distribution>, used by the test reader
)

// RecType describes one field: a leaf, a nested record, or a list.
type RecType struct {
	Kind   SemType
	Name   string
	Attrs  []string   // e.g. "skip", "timestamp", "default=uniform(0,10)"
	Fields []*RecType // Kind == TypeRecord
	Elem   *RecType   // Kind == TypeList
}

func (r *RecType) HasAttr(name string) bool {
	for _, a := range r.Attrs {
		if a == name || strings.HasPrefix(a, name+"=") {
			return true
		}
	}
	return false
}

// AttrValue returns the value part of a key=value attribute, or "".
func (r *RecType) AttrValue(name string) string {
	for _, a := range r.Attrs {
		if strings.HasPrefix(a, name+"=") {
			return a[len(name)+1:]
		}
	}
	return ""
}

// Layout is a record type with a name, describing one kind of event.
type Layout struct {
	Name string
	Rec  *RecType // Kind must be TypeRecord
}

// LeafField is one column of a layout.
type LeafField struct {
	FlatIndex int    // depth-first leaf position
	Path      string // dotted path, e.g. "id.orig_h"
	Type      *RecType
}

// Leaves returns the leaf fields in depth-first order.
func (l *Layout) Leaves() []LeafField {
	var out []LeafField
	var walk func(r *RecType, prefix string)
	walk = func(r *RecType, prefix string) {
		for _, f := range r.Fields {
			path := f.Name
			if prefix != "" {
				path = prefix + "." + f.Name
			}
			if f.Kind == TypeRecord {
				walk(f, path)
				continue
			}
			out = append(out, LeafField{FlatIndex: len(out), Path: path, Type: f})
		}
	}
	walk(l.Rec, "")
	return out
}

// LeavesUnder resolves a dotted path to leaf fields: an exact leaf path
// yields that one leaf, a record prefix yields all leaves beneath it.
func (l *Layout) LeavesUnder(path string) []LeafField {
	var out []LeafField
	for _, leaf := range l.Leaves() {
		if leaf.Path == path || strings.HasPrefix(leaf.Path, path+".") {
			out = append(out, leaf)
		}
	}
	return out
}

// LeavesWithAttr returns all leaves carrying the given attribute.
func (l *Layout) LeavesWithAttr(name string) []LeafField {
	var out []LeafField
	for _, leaf := range l.Leaves() {
		if leaf.Type.HasAttr(name) {
			out = append(out, leaf)
		}
	}
	return out
}

// LeavesOfType returns all leaves of the given semantic type.
func (l *Layout) LeavesOfType(t SemType) []LeafField {
	var out []LeafField
	for _, leaf := range l.Leaves() {
		if leaf.Type.Kind == t {
			out = append(out, leaf)
		}
	}
	return out
}

// render produces the canonical text form, e.g.
// "conn=record(ts:time #timestamp,id:record(orig_h:addr),svc:list(string))"
func (r *RecType) render(sb *strings.Builder) {
	sb.WriteString(r.Kind.String())
	switch r.Kind {
	case TypeRecord:
		sb.WriteByte('(')
		for i, f := range r.Fields {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(f.Name)
			sb.WriteByte(':')
			f.render(sb)
		}
		sb.WriteByte(')')
	case TypeList:
		sb.WriteByte('(')
		r.Elem.render(sb)
		sb.WriteByte(')')
	}
	for _, a := range r.Attrs {
		sb.WriteString(" #")
		sb.WriteString(a)
	}
}

func (l *Layout) String() string {
	var sb strings.Builder
	sb.WriteString(l.Name)
	sb.WriteByte('=')
	l.Rec.render(&sb)
	return sb.String()
}

// Fingerprint identifies the layout structurally; two layouts with the
// same name, field names, types and attributes collide intentionally.
func (l *Layout) Fingerprint() uint64 {
	return xxhash.Sum64String(l.String())
}

// EOF
