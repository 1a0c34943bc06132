// OpenSOC/Spyglass - per-column synopses (min/max, Bloom)
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
	A synopsis is a compact sketch of one column within one partition,
	consulted before a partition is touched: ordered types keep min/max,
	strings and addresses a Bloom filter. Answers are three-valued:
	no (prune), maybe, yes.
*/

package spyglass

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

type ternary uint8

const (
	t_no ternary = iota
	t_maybe
	t_yes
)

// Kleene conjunction/disjunction fold as min/max on the ordering
// no < maybe < yes.
func ternaryAnd(a, b ternary) ternary {
	if a < b {
		return a
	}
	return b
}

func ternaryOr(a, b ternary) ternary {
	if a > b {
		return a
	}
	return b
}

const ( // synopsis serialisation tags
	synopsis_tag_minmax = 1
	synopsis_tag_bloom  = 2
)

type Synopsis interface {
	Add(v Val)
	// Evaluate answers whether rows matching `column op v` can exist.
	Evaluate(op RelOp, v Val) ternary

	tag() byte
	marshal(buf *[]byte)
	unmarshal(r *bytes.Reader) error
}

// newSynopsis picks the synopsis variant for a field type, or nil for
// types without one (and for skip fields, which the caller filters).
func newSynopsis(t SemType) Synopsis {
	switch {
	case t.ordered():
		return newMinMaxSynopsis(t)
	case t == TypeString || t == TypeAddr:
		return newBloomSynopsis()
	}
	return nil
}

// ---- min/max synopsis ----

type minMaxSynopsis struct {
	typ      SemType
	has_data bool
	min, max uint64 // ordered keys
}

func newMinMaxSynopsis(t SemType) *minMaxSynopsis {
	return &minMaxSynopsis{typ: t}
}

func (s *minMaxSynopsis) Add(v Val) {
	key, ok := v.orderedKey()
	if !ok || v.Type() != s.typ {
		return
	}
	if !s.has_data {
		s.min, s.max, s.has_data = key, key, true
		return
	}
	if key < s.min {
		s.min = key
	}
	if key > s.max {
		s.max = key
	}
}

func (s *minMaxSynopsis) Evaluate(op RelOp, v Val) ternary {
	if !s.has_data {
		return t_no
	}
	key, sat, err := convertOrdered(s.typ, v)
	if err != nil {
		return t_no // predicate will evaluate empty on this column
	}
	if sat != 0 {
		key = 0
		if sat > 0 {
			key = max_id
		}
	}
	switch op {
	case OpEq:
		if key < s.min || key > s.max {
			return t_no
		}
		if s.min == s.max && s.min == key && sat == 0 {
			return t_yes
		}
		return t_maybe
	case OpNe:
		if s.min == s.max && s.min == key && sat == 0 {
			return t_no
		}
		if key < s.min || key > s.max {
			return t_yes
		}
		return t_maybe
	case OpLt:
		if s.min < key {
			return t_yes
		}
		return t_no
	case OpLe:
		if s.min <= key {
			return t_yes
		}
		return t_no
	case OpGt:
		if s.max > key {
			return t_yes
		}
		return t_no
	case OpGe:
		if s.max >= key {
			return t_yes
		}
		return t_no
	}
	return t_maybe
}

func (s *minMaxSynopsis) tag() byte { return synopsis_tag_minmax }

func (s *minMaxSynopsis) marshal(buf *[]byte) {
	addByteToData(buf, byte(s.typ))
	var has byte
	if s.has_data {
		has = 1
	}
	addByteToData(buf, has)
	addMultibyteToData(buf, s.min, 8)
	addMultibyteToData(buf, s.max, 8)
}

func (s *minMaxSynopsis) unmarshal(r *bytes.Reader) error {
	s.typ = SemType(getByteFromData(r))
	s.has_data = getByteFromData(r) != 0
	s.min = getUintFromData(r, 8)
	s.max = getUintFromData(r, 8)
	return nil
}

// ---- Bloom synopsis ----

const (
	bloom_m_bits = 1 << 16 // power of two, so locations mask cheaply
	bloom_k      = 4
)

type bloomSynopsis struct {
	k        uint64
	b        []byte
	mask     uint64
	has_data bool
}

func newBloomSynopsis() *bloomSynopsis {
	return &bloomSynopsis{k: bloom_k, b: make([]byte, bloom_m_bits/8), mask: bloom_m_bits - 1}
}

// Double hashing over xxhash: two independent seeds derive all k
// locations.
func (s *bloomSynopsis) locations(key string) (h1, h2 uint64) {
	h1 = xxhash.Sum64String(key)
	h2 = xxhash.Sum64String("\x01"+key) | 1
	return h1, h2
}

func (s *bloomSynopsis) Add(v Val) {
	h1, h2 := s.locations(v.key())
	for i := uint64(0); i < s.k; i++ {
		loc := (h1 + i*h2) & s.mask
		s.b[loc/8] |= 1 << (loc % 8)
	}
	s.has_data = true
}

func (s *bloomSynopsis) contains(v Val) bool {
	h1, h2 := s.locations(v.key())
	for i := uint64(0); i < s.k; i++ {
		loc := (h1 + i*h2) & s.mask
		if s.b[loc/8]&(1<<(loc%8)) == 0 {
			return false
		}
	}
	return true
}

func (s *bloomSynopsis) Evaluate(op RelOp, v Val) ternary {
	if !s.has_data {
		return t_no
	}
	switch op {
	case OpEq:
		if s.contains(v) {
			return t_maybe
		}
		return t_no
	case OpNe:
		if s.contains(v) {
			return t_maybe
		}
		return t_yes
	}
	return t_maybe
}

func (s *bloomSynopsis) tag() byte { return synopsis_tag_bloom }

func (s *bloomSynopsis) marshal(buf *[]byte) {
	addByteToData(buf, s.k2byte())
	var has byte
	if s.has_data {
		has = 1
	}
	addByteToData(buf, has)
	addMultibyteToData(buf, uint64(len(s.b)), 4)
	*buf = append(*buf, s.b...)
}

func (s *bloomSynopsis) k2byte() byte { return byte(s.k) }

func (s *bloomSynopsis) unmarshal(r *bytes.Reader) error {
	s.k = uint64(getByteFromData(r))
	s.has_data = getByteFromData(r) != 0
	n := int(getUintFromData(r, 4))
	if n > r.Len() || n == 0 || n&(n-1) != 0 {
		return newError(ErrCorruption, "bloom synopsis length %d invalid", n)
	}
	s.b = make([]byte, n)
	if _, err := r.Read(s.b); err != nil {
		return wrapError(err, ErrCorruption, "truncated bloom synopsis")
	}
	s.mask = uint64(n)*8 - 1
	return nil
}

// ---- serialisation dispatch ----

func marshalSynopsis(buf *[]byte, s Synopsis) {
	addByteToData(buf, s.tag())
	s.marshal(buf)
}

func unmarshalSynopsis(r *bytes.Reader) (Synopsis, error) {
	var s Synopsis
	switch tag := getByteFromData(r); tag {
	case synopsis_tag_minmax:
		s = &minMaxSynopsis{}
	case synopsis_tag_bloom:
		s = &bloomSynopsis{}
	default:
		return nil, newError(ErrCorruption, "unknown synopsis tag %d", tag)
	}
	if err := s.unmarshal(r); err != nil {
		return nil, err
	}
	return s, nil
}

// EOF
