// OpenSOC/Spyglass - values (tagged union over the semantic types)
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
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

// Addr is an IP address in canonical 16-byte form. IPv4 addresses are
// stored v4-in-v6 mapped (::ffff:a.b.c.d), so one bit layout serves both
// families. Bit 0 is the most significant bit of the first byte.
type Addr [16]byte

func AddrFromIP(ip net.IP) Addr {
	var a Addr
	copy(a[:], ip.To16())
	return a
}

func ParseAddr(s string) (Addr, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return Addr{}, newError(ErrParse, "invalid address '%s'", s)
	}
	return AddrFromIP(ip), nil
}

// bit returns bit i of the address, MSB first (i in [0,128)).
func (a Addr) bit(i int) byte {
	return (a[i/8] >> (7 - uint(i%8))) & 1
}

func (a Addr) String() string {
	return net.IP(a[:]).String()
}

// maskBits keeps the top n bits and zeroes the rest.
func (a Addr) maskBits(n uint8) Addr {
	var out Addr
	full := int(n) / 8
	copy(out[:full], a[:full])
	if rem := uint(n) % 8; rem != 0 && full < 16 {
		out[full] = a[full] & (0xff << (8 - rem))
	}
	return out
}

type PortType uint8

const (
	PortUnknown PortType = iota
	PortTCP
	PortUDP
	PortICMP
)

func (p PortType) String() string {
	switch p {
	case PortTCP:
		return "tcp"
	case PortUDP:
		return "udp"
	case PortICMP:
		return "icmp"
	default:
		return "?"
	}
}

/*
	Val is the runtime representation of a single cell. The zero Val is
	the null value. One struct with a type tag rather than an interface:
	slices hold millions of these and we do not want per-cell heap boxes.
*/
type Val struct {
	typ SemType

	boolval  bool
	intval   int64 // int; time and duration as nanoseconds
	uintval  uint64
	floatval float64
	strval   string
	addrval  Addr
	prefix   uint8 // subnet prefix length over the 128-bit form
	porttype PortType
	listval  []Val
}

func (v Val) Type() SemType { return v.typ }
func (v Val) IsNull() bool  { return v.typ == TypeNone }

func NewBool(b bool) Val       { return Val{typ: TypeBool, boolval: b} }
func NewInt(i int64) Val       { return Val{typ: TypeInt, intval: i} }
func NewCount(c uint64) Val    { return Val{typ: TypeCount, uintval: c} }
func NewReal(f float64) Val    { return Val{typ: TypeReal, floatval: f} }
func NewString(s string) Val   { return Val{typ: TypeString, strval: s} }
func NewAddrVal(a Addr) Val    { return Val{typ: TypeAddr, addrval: a} }
func NewList(elems []Val) Val  { return Val{typ: TypeList, listval: elems} }
func NewTime(t time.Time) Val  { return Val{typ: TypeTime, intval: t.UnixNano()} }
func NewTimeNs(ns int64) Val   { return Val{typ: TypeTime, intval: ns} }
func NewDuration(d time.Duration) Val {
	return Val{typ: TypeDuration, intval: int64(d)}
}

func NewSubnet(a Addr, prefix uint8) Val {
	return Val{typ: TypeSubnet, addrval: a.maskBits(prefix), prefix: prefix}
}

func NewPort(number uint16, pt PortType) Val {
	return Val{typ: TypePort, uintval: uint64(number), porttype: pt}
}

func (v Val) GetBool() bool              { return v.boolval }
func (v Val) GetInt() int64              { return v.intval }
func (v Val) GetCount() uint64           { return v.uintval }
func (v Val) GetReal() float64           { return v.floatval }
func (v Val) GetString() string          { return v.strval }
func (v Val) GetAddr() Addr              { return v.addrval }
func (v Val) GetPrefix() uint8           { return v.prefix }
func (v Val) GetPort() (uint16, PortType) { return uint16(v.uintval), v.porttype }
func (v Val) GetList() []Val             { return v.listval }
func (v Val) GetTime() time.Time         { return time.Unix(0, v.intval) }
func (v Val) GetDuration() time.Duration { return time.Duration(v.intval) }

/*
	orderedKey maps a value of an ordered type onto uint64 such that the
	natural order of the values matches unsigned integer order of the
	keys. The bit-sliced arithmetic index and the min/max synopsis both
	operate on these keys only.
*/
func (v Val) orderedKey() (uint64, bool) {
	switch v.typ {
	case TypeInt, TypeTime, TypeDuration:
		return uint64(v.intval) ^ (1 << 63), true
	case TypeCount:
		return v.uintval, true
	case TypeReal:
		bits := math.Float64bits(v.floatval)
		if bits&(1<<63) != 0 {
			return ^bits, true // negative: flip everything
		}
		return bits | (1 << 63), true // positive: flip sign bit
	case TypePort:
		return v.uintval, true
	}
	return 0, false
}

// key renders a canonical byte string for hashing (Bloom synopsis) and
// for the per-value map indexes (subnet, list elements).
func (v Val) key() string {
	switch v.typ {
	case TypeBool:
		if v.boolval {
			return "T"
		}
		return "F"
	case TypeInt, TypeTime, TypeDuration:
		return "i" + strconv.FormatInt(v.intval, 10)
	case TypeCount:
		return "c" + strconv.FormatUint(v.uintval, 10)
	case TypeReal:
		return "r" + strconv.FormatUint(math.Float64bits(v.floatval), 16)
	case TypeString:
		return "s" + v.strval
	case TypeAddr:
		return "a" + string(v.addrval[:])
	case TypeSubnet:
		return "n" + string(v.addrval[:]) + strconv.Itoa(int(v.prefix))
	case TypePort:
		return "p" + strconv.FormatUint(v.uintval, 10) + "/" + v.porttype.String()
	case TypeList:
		parts := make([]string, 0, len(v.listval))
		for _, e := range v.listval {
			parts = append(parts, e.key())
		}
		return "l[" + strings.Join(parts, ",") + "]"
	}
	return ""
}

// Equal is structural equality; null equals only null.
func (v Val) Equal(w Val) bool {
	if v.typ != w.typ {
		return false
	}
	switch v.typ {
	case TypeList:
		if len(v.listval) != len(w.listval) {
			return false
		}
		for i := range v.listval {
			if !v.listval[i].Equal(w.listval[i]) {
				return false
			}
		}
		return true
	default:
		return v.key() == w.key()
	}
}

func (v Val) String() string {
	switch v.typ {
	case TypeNone:
		return "nil"
	case TypeBool:
		if v.boolval {
			return "true"
		}
		return "false"
	case TypeInt:
		return strconv.FormatInt(v.intval, 10)
	case TypeCount:
		return strconv.FormatUint(v.uintval, 10)
	case TypeReal:
		return strconv.FormatFloat(v.floatval, 'g', -1, 64)
	case TypeTime:
		return v.GetTime().UTC().Format(time.RFC3339Nano)
	case TypeDuration:
		return v.GetDuration().String()
	case TypeString:
		return strconv.Quote(v.strval)
	case TypeAddr:
		return v.addrval.String()
	case TypeSubnet:
		return fmt.Sprintf("%s/%d", v.addrval.String(), v.prefix)
	case TypePort:
		return fmt.Sprintf("%d/%s", v.uintval, v.porttype)
	case TypeList:
		parts := make([]string, 0, len(v.listval))
		for _, e := range v.listval {
			parts = append(parts, e.String())
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return "?"
}

// EOF
