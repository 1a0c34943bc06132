// OpenSOC/Spyglass - readers (inbound event sources)
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
	A reader turns an external representation into typed slices. The
	CLI import loop drives readers through this interface and hands
	their slices to the importer; the format zoo
	itself (syslog, BGP, ...) lives outside the core. We carry two
	built-ins: line-delimited JSON (flattened onto a layout) and a
	seeded synthetic generator for tests and benchmarks.
*/

package spyglass

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/nqd/flat"
)

type Reader interface {
	// Read produces at most max_events events in slices of at most
	// max_slice_size rows each, handing every slice to consume. It
	// returns nil after producing at least one slice, or an error of
	// kind end_of_input, timeout or format_error; a failure of the
	// underlying input stream is reported as io_error.
	Read(max_events, max_slice_size int, consume func(*Slice)) error

	// Schema returns the layouts this reader produces.
	Schema() []*Layout
	// SetSchema replaces the layouts, where the format allows it.
	SetSchema(layouts []*Layout) error

	// Reset points the reader at a new input stream.
	Reset(r io.Reader)

	Name() string
}

// ---- JSON reader ----

/*
	Line-delimited JSON. Nested objects are flattened with dotted keys
	so they line up with the layout's leaf paths:

	From:
	"a": "b",
	"c": { "d": "e" }

	To:
	"a": "b",
	"c.d": "e"

	A "timestamp" key feeds the layout's #timestamp field when the
	field names differ.
*/
type jsonReader struct {
	layout  *Layout
	scanner *bufio.Scanner
}

func NewJSONReader(layout *Layout, input io.Reader) *jsonReader {
	r := &jsonReader{layout: layout}
	r.Reset(input)
	return r
}

func (r *jsonReader) Name() string { return "json-reader" }

func (r *jsonReader) Schema() []*Layout { return []*Layout{r.layout} }

func (r *jsonReader) SetSchema(layouts []*Layout) error {
	if len(layouts) != 1 {
		return newError(ErrFormat, "json reader wants exactly one layout, got %d", len(layouts))
	}
	r.layout = layouts[0]
	return nil
}

func (r *jsonReader) Reset(input io.Reader) {
	r.scanner = bufio.NewScanner(input)
	r.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
}

func (r *jsonReader) Read(max_events, max_slice_size int, consume func(*Slice)) error {
	if max_slice_size <= 0 {
		max_slice_size = 1024
	}
	leaves := r.layout.Leaves()
	var rows [][]Val
	produced := 0

	emit := func() {
		if len(rows) > 0 {
			consume(NewSlice(r.layout, rows))
			rows = nil
		}
	}

	for (max_events == 0 || produced < max_events) && r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		row, err := r.parseLine(line, leaves)
		if err != nil {
			// Realistically there is not much to do with a broken
			// line except report it.
			emit()
			return err
		}
		rows = append(rows, row)
		produced++
		if len(rows) >= max_slice_size {
			emit()
		}
	}
	if err := r.scanner.Err(); err != nil {
		emit()
		return wrapError(err, ErrIO, "read json input")
	}
	emit()
	if produced == 0 {
		return newError(ErrEndOfInput, "json input exhausted")
	}
	return nil
}

func (r *jsonReader) parseLine(line []byte, leaves []LeafField) ([]Val, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(line, &obj); err != nil {
		return nil, wrapError(err, ErrFormat, "invalid json line")
	}

	flatmap, err := flat.Flatten(obj, &flat.Options{
		Delimiter: ".",
		MaxDepth:  1000,
		Safe:      true, // keep arrays whole, list fields consume them
	})
	if err != nil {
		return nil, wrapError(err, ErrFormat, "cannot flatten json line")
	}

	row := make([]Val, len(leaves))
	for _, leaf := range leaves {
		raw, ok := flatmap[leaf.Path]
		if !ok && leaf.Type.HasAttr(AttrTimestamp) {
			raw, ok = flatmap["timestamp"]
		}
		if !ok {
			continue // null cell
		}
		v, err := parseJSONValue(raw, leaf.Type)
		if err != nil {
			return nil, err
		}
		row[leaf.FlatIndex] = v
	}
	return row, nil
}

func parseJSONValue(raw interface{}, rt *RecType) (Val, error) {
	switch rt.Kind {
	case TypeBool:
		if b, ok := raw.(bool); ok {
			return NewBool(b), nil
		}
	case TypeInt:
		if f, ok := raw.(float64); ok {
			return NewInt(int64(f)), nil
		}
	case TypeCount:
		if f, ok := raw.(float64); ok && f >= 0 {
			return NewCount(uint64(f)), nil
		}
	case TypeReal:
		if f, ok := raw.(float64); ok {
			return NewReal(f), nil
		}
	case TypeTime:
		switch t := raw.(type) {
		case float64: // seconds since epoch, fractional
			return NewTimeNs(int64(t * 1e9)), nil
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
				return NewTime(parsed), nil
			}
		}
	case TypeDuration:
		switch d := raw.(type) {
		case float64: // seconds
			return NewDuration(time.Duration(d * float64(time.Second))), nil
		case string:
			if parsed, err := time.ParseDuration(d); err == nil {
				return NewDuration(parsed), nil
			}
		}
	case TypeString:
		if s, ok := raw.(string); ok {
			return NewString(s), nil
		}
	case TypeAddr:
		if s, ok := raw.(string); ok {
			a, err := ParseAddr(s)
			if err != nil {
				return Val{}, wrapError(err, ErrFormat, "json value %q is not an address", s)
			}
			return NewAddrVal(a), nil
		}
	case TypeSubnet:
		if s, ok := raw.(string); ok {
			v, err := ParseSubnetVal(s)
			if err != nil {
				return Val{}, wrapError(err, ErrFormat, "json value %q is not a subnet", s)
			}
			return v, nil
		}
	case TypePort:
		switch p := raw.(type) {
		case float64:
			return NewPort(uint16(p), PortUnknown), nil
		case string:
			v, err := ParsePortVal(p)
			if err != nil {
				return Val{}, wrapError(err, ErrFormat, "json value %q is not a port", p)
			}
			return v, nil
		}
	case TypeList:
		if arr, ok := raw.([]interface{}); ok {
			elems := make([]Val, 0, len(arr))
			for _, e := range arr {
				v, err := parseJSONValue(e, rt.Elem)
				if err != nil {
					return Val{}, err
				}
				elems = append(elems, v)
			}
			return NewList(elems), nil
		}
	}
	return Val{}, newError(ErrFormat, "json value %v does not fit field type %s", raw, rt.Kind)
}

// ParseSubnetVal parses "addr/prefix".
func ParseSubnetVal(s string) (Val, error) {
	addrpart, prefixpart, found := strings.Cut(s, "/")
	if !found {
		return Val{}, newError(ErrParse, "invalid subnet '%s'", s)
	}
	a, err := ParseAddr(addrpart)
	if err != nil {
		return Val{}, err
	}
	prefix, err := strconv.Atoi(prefixpart)
	if err != nil || prefix < 0 || prefix > 128 {
		return Val{}, newError(ErrParse, "invalid subnet prefix in '%s'", s)
	}
	// IPv4 prefixes count from the mapped offset
	if strings.Contains(addrpart, ".") && prefix <= 32 {
		prefix += 96
	}
	return NewSubnet(a, uint8(prefix)), nil
}

// ParsePortVal parses "number/proto", e.g. "443/tcp".
func ParsePortVal(s string) (Val, error) {
	numpart, protopart, found := strings.Cut(s, "/")
	num, err := strconv.ParseUint(numpart, 10, 16)
	if err != nil {
		return Val{}, newError(ErrParse, "invalid port '%s'", s)
	}
	pt := PortUnknown
	if found {
		switch strings.ToLower(protopart) {
		case "tcp":
			pt = PortTCP
		case "udp":
			pt = PortUDP
		case "icmp":
			pt = PortICMP
		}
	}
	return NewPort(uint16(num), pt), nil
}

// ---- synthetic test reader ----

/*
	Deterministic random slices for tests and benchmarks. Fields may
	pin a distribution via the default attribute, e.g.
	default=uniform(0,100); everything else falls back to a per-type
	generator. Same seed, same events.
*/
type testReader struct {
	layout *Layout
	rng    *rand.Rand
	left   int // events still to produce
}

func NewTestReader(layout *Layout, seed int64, num_events int) *testReader {
	return &testReader{
		layout: layout,
		rng:    rand.New(rand.NewSource(seed)),
		left:   num_events,
	}
}

func (r *testReader) Name() string { return "test-reader" }

func (r *testReader) Schema() []*Layout { return []*Layout{r.layout} }

func (r *testReader) SetSchema(layouts []*Layout) error {
	if len(layouts) != 1 {
		return newError(ErrFormat, "test reader wants exactly one layout, got %d", len(layouts))
	}
	r.layout = layouts[0]
	return nil
}

func (r *testReader) Reset(io.Reader) {} // input-less by nature

func (r *testReader) Read(max_events, max_slice_size int, consume func(*Slice)) error {
	if r.left == 0 {
		return newError(ErrEndOfInput, "test reader exhausted")
	}
	if max_slice_size <= 0 {
		max_slice_size = 1024
	}
	n := r.left
	if max_events > 0 && max_events < n {
		n = max_events
	}
	leaves := r.layout.Leaves()
	for n > 0 {
		batch := n
		if batch > max_slice_size {
			batch = max_slice_size
		}
		rows := make([][]Val, batch)
		for i := range rows {
			row := make([]Val, len(leaves))
			for _, leaf := range leaves {
				row[leaf.FlatIndex] = r.generate(leaf.Type)
			}
			rows[i] = row
		}
		consume(NewSlice(r.layout, rows))
		n -= batch
		r.left -= batch
	}
	return nil
}

// uniformBounds parses "uniform(a,b)"; ok=false means no usable
// default distribution.
func uniformBounds(spec string) (int64, int64, bool) {
	spec = strings.TrimSpace(spec)
	if !strings.HasPrefix(spec, "uniform(") || !strings.HasSuffix(spec, ")") {
		return 0, 0, false
	}
	inner := spec[len("uniform(") : len(spec)-1]
	apart, bpart, found := strings.Cut(inner, ",")
	if !found {
		return 0, 0, false
	}
	a, err1 := strconv.ParseInt(strings.TrimSpace(apart), 10, 64)
	b, err2 := strconv.ParseInt(strings.TrimSpace(bpart), 10, 64)
	if err1 != nil || err2 != nil || b < a {
		return 0, 0, false
	}
	return a, b, true
}

func (r *testReader) uniform(rt *RecType, lo, hi int64) int64 {
	if a, b, ok := uniformBounds(rt.AttrValue(AttrDefault)); ok {
		lo, hi = a, b
	}
	return lo + r.rng.Int63n(hi-lo+1)
}

func (r *testReader) generate(rt *RecType) Val {
	switch rt.Kind {
	case TypeBool:
		return NewBool(r.rng.Intn(2) == 1)
	case TypeInt:
		return NewInt(r.uniform(rt, -100, 100))
	case TypeCount:
		return NewCount(uint64(r.uniform(rt, 0, 1000)))
	case TypeReal:
		return NewReal(r.rng.Float64() * 100)
	case TypeTime:
		return NewTimeNs(r.uniform(rt, 0, int64(time.Hour)) )
	case TypeDuration:
		return NewDuration(time.Duration(r.uniform(rt, 0, int64(10*time.Second))))
	case TypeString:
		return NewString(fmt.Sprintf("str-%d", r.uniform(rt, 0, 999)))
	case TypeAddr:
		a, _ := ParseAddr(fmt.Sprintf("10.%d.%d.%d",
			r.rng.Intn(256), r.rng.Intn(256), r.rng.Intn(256)))
		return NewAddrVal(a)
	case TypeSubnet:
		a, _ := ParseAddr(fmt.Sprintf("10.%d.0.0", r.rng.Intn(256)))
		return NewSubnet(a, 96+16)
	case TypePort:
		return NewPort(uint16(r.uniform(rt, 1, 65535)), PortTCP)
	case TypeList:
		n := r.rng.Intn(3) + 1
		elems := make([]Val, n)
		for i := range elems {
			elems[i] = r.generate(rt.Elem)
		}
		return NewList(elems)
	}
	return Val{}
}

// EOF
