// OpenSOC/Spyglass - marshall partitions mem->disk and back
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
	On disk a partition is a directory named after its UUID:

		<index_dir>/<uuid>/partition.bin	descriptor
		<index_dir>/<uuid>/<layout>-<flat_index>.col	one per column

	The descriptor records everything needed to reopen the partition:
	UUID, ID interval, layouts, synopses and the column file names.
	Nothing in the directory is ever rewritten.
*/

package spyglass

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ---- layout serialisation ----

func addRecTypeToData(buf *[]byte, r *RecType) {
	addByteToData(buf, byte(r.Kind))
	addStringToData(buf, r.Name)
	addMultibyteToData(buf, uint64(len(r.Attrs)), 4)
	for _, a := range r.Attrs {
		addStringToData(buf, a)
	}
	switch r.Kind {
	case TypeRecord:
		addMultibyteToData(buf, uint64(len(r.Fields)), 4)
		for _, f := range r.Fields {
			addRecTypeToData(buf, f)
		}
	case TypeList:
		addRecTypeToData(buf, r.Elem)
	}
}

func getRecTypeFromData(r *bytes.Reader) (*RecType, error) {
	out := &RecType{Kind: SemType(getByteFromData(r))}
	name, err := getStringFromData(r)
	if err != nil {
		return nil, err
	}
	out.Name = name
	nattrs := int(getUintFromData(r, 4))
	for i := 0; i < nattrs; i++ {
		a, err := getStringFromData(r)
		if err != nil {
			return nil, err
		}
		out.Attrs = append(out.Attrs, a)
	}
	switch out.Kind {
	case TypeRecord:
		nfields := int(getUintFromData(r, 4))
		if nfields > r.Len() {
			return nil, newError(ErrCorruption, "stored field count %d exceeds remaining content", nfields)
		}
		for i := 0; i < nfields; i++ {
			f, err := getRecTypeFromData(r)
			if err != nil {
				return nil, err
			}
			out.Fields = append(out.Fields, f)
		}
	case TypeList:
		elem, err := getRecTypeFromData(r)
		if err != nil {
			return nil, err
		}
		out.Elem = elem
	}
	return out, nil
}

func addLayoutToData(buf *[]byte, l *Layout) {
	addStringToData(buf, l.Name)
	addRecTypeToData(buf, l.Rec)
}

func getLayoutFromData(r *bytes.Reader) (*Layout, error) {
	name, err := getStringFromData(r)
	if err != nil {
		return nil, err
	}
	rec, err := getRecTypeFromData(r)
	if err != nil {
		return nil, err
	}
	if rec.Kind != TypeRecord {
		return nil, newError(ErrCorruption, "layout '%s' root is %s, not a record", name, rec.Kind)
	}
	return &Layout{Name: name, Rec: rec}, nil
}

// ---- persist ----

func (p *Partition) partitionDir() string {
	return filepath.Join(p.dir, p.id.String())
}

func columnFileName(layout string, flat_index int) string {
	return fmt.Sprintf("%s-%d.col", layout, flat_index)
}

/*
	Persist writes every column file plus the descriptor. On success
	the partition becomes passive; on failure it stays unpersisted and
	no partial state counts as persisted.
*/
func (p *Partition) Persist() error {
	if p.state != PartitionUnpersisted {
		return newError(ErrUnspecified, "partition %s is %s, cannot persist", p.id, p.state)
	}

	pdir := p.partitionDir()
	if err := os.MkdirAll(pdir, NewDirPermissions); err != nil {
		return wrapError(err, ErrIO, "create partition directory '%s'", pdir)
	}

	// Column files are independent, write them concurrently.
	var g errgroup.Group
	type colfile struct {
		layout string
		flat   int
	}
	var files []colfile
	for lname, l := range p.layouts {
		for _, leaf := range l.Leaves() {
			col := p.columns[columnKey(lname, leaf.FlatIndex)]
			if col == nil || col.skip {
				continue
			}
			lname, leaf := lname, leaf
			files = append(files, colfile{layout: lname, flat: leaf.FlatIndex})
			g.Go(func() error {
				return col.WriteFile(filepath.Join(pdir, columnFileName(lname, leaf.FlatIndex)))
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Descriptor goes last; its presence marks the partition complete.
	var content []byte
	idbytes, _ := p.id.MarshalBinary()
	content = append(content, idbytes...)
	addMultibyteToData(&content, p.min_id, 8)
	addMultibyteToData(&content, p.rows, 8)
	addMultibyteToData(&content, p.capacity, 8)

	addMultibyteToData(&content, uint64(len(p.layouts)), 4)
	for _, l := range p.layouts {
		addLayoutToData(&content, l)
	}

	addMultibyteToData(&content, uint64(len(p.synopses)), 4)
	for path, syn := range p.synopses {
		addStringToData(&content, path)
		marshalSynopsis(&content, syn)
	}

	addMultibyteToData(&content, uint64(len(files)), 4)
	for _, cf := range files {
		addStringToData(&content, cf.layout)
		addMultibyteToData(&content, uint64(cf.flat), 4)
		addStringToData(&content, columnFileName(cf.layout, cf.flat))
	}

	fname := filepath.Join(pdir, "partition.bin")
	f, err := os.OpenFile(fname, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, NewFilePermissions)
	if err != nil {
		return wrapError(err, ErrIO, "create partition descriptor '%s'", fname)
	}
	defer f.Close()
	if err := writeFileHeader(f); err != nil {
		return err
	}
	if err := writeSection(f, section_partition, content); err != nil {
		return err
	}
	if err := writeFileTrailer(f); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return wrapError(err, ErrIO, "sync partition descriptor '%s'", fname)
	}
	return nil
}

// markPassive finishes the unpersisted -> passive transition. The
// owning index calls this once the persist task reports success, so
// partition state only ever changes on the index's goroutine.
func (p *Partition) markPassive() {
	if p.state == PartitionUnpersisted {
		p.state = PartitionPassive
	}
}

// ---- load ----

type descriptorColfile struct {
	layout string
	flat   int
	file   string
}

// partitionDescriptor is the parsed content of partition.bin; enough
// for the meta-index, without touching any column file.
type partitionDescriptor struct {
	id       uuid.UUID
	min_id   uint64
	rows     uint64
	capacity uint64
	layouts  map[string]*Layout
	synopses map[string]Synopsis
	colfiles []descriptorColfile
}

// readPartitionDescriptor parses <dir>/<uuid>/partition.bin.
func readPartitionDescriptor(dir string, id uuid.UUID) (*partitionDescriptor, error) {
	fname := filepath.Join(dir, id.String(), "partition.bin")
	f, err := os.Open(fname)
	if err != nil {
		return nil, wrapError(err, ErrIO, "open partition descriptor '%s'", fname)
	}
	defer f.Close()

	if err := readFileHeader(f); err != nil {
		return nil, err
	}
	sid, content, err := readSection(f)
	if err != nil {
		return nil, err
	}
	if sid != section_partition {
		return nil, newError(ErrCorruption, "expected partition section, got %d", sid)
	}

	d := &partitionDescriptor{
		layouts:  make(map[string]*Layout),
		synopses: make(map[string]Synopsis),
	}

	reader := bytes.NewReader(content)
	idbytes := make([]byte, 16)
	if _, err := reader.Read(idbytes); err != nil {
		return nil, newError(ErrCorruption, "partition descriptor truncated")
	}
	stored, err := uuid.FromBytes(idbytes)
	if err != nil || stored != id {
		return nil, newError(ErrCorruption, "partition descriptor UUID mismatch")
	}
	d.id = stored
	d.min_id = getUintFromData(reader, 8)
	d.rows = getUintFromData(reader, 8)
	d.capacity = getUintFromData(reader, 8)

	nlayouts := int(getUintFromData(reader, 4))
	for i := 0; i < nlayouts; i++ {
		l, err := getLayoutFromData(reader)
		if err != nil {
			return nil, err
		}
		d.layouts[l.Name] = l
	}

	nsyn := int(getUintFromData(reader, 4))
	for i := 0; i < nsyn; i++ {
		path, err := getStringFromData(reader)
		if err != nil {
			return nil, err
		}
		syn, err := unmarshalSynopsis(reader)
		if err != nil {
			return nil, err
		}
		d.synopses[path] = syn
	}

	ncols := int(getUintFromData(reader, 4))
	for i := 0; i < ncols; i++ {
		lname, err := getStringFromData(reader)
		if err != nil {
			return nil, err
		}
		flat := int(getUintFromData(reader, 4))
		colfile, err := getStringFromData(reader)
		if err != nil {
			return nil, err
		}
		d.colfiles = append(d.colfiles, descriptorColfile{layout: lname, flat: flat, file: colfile})
	}

	return d, nil
}

// LoadPartition reopens a persisted partition. Any corrupted column
// file fails the whole load.
func LoadPartition(dir string, id uuid.UUID) (*Partition, error) {
	d, err := readPartitionDescriptor(dir, id)
	if err != nil {
		return nil, err
	}

	p := &Partition{
		id:       id,
		dir:      dir,
		state:    PartitionPassive,
		capacity: d.capacity,
		layouts:  d.layouts,
		columns:  make(map[string]*ColumnIndex),
		synopses: d.synopses,
		min_id:   d.min_id,
		has_min:  true,
		rows:     d.rows,
	}

	for _, cf := range d.colfiles {
		l := p.layouts[cf.layout]
		if l == nil {
			return nil, newError(ErrCorruption, "column file for unknown layout '%s'", cf.layout)
		}
		leaves := l.Leaves()
		if cf.flat < 0 || cf.flat >= len(leaves) {
			return nil, newError(ErrCorruption, "column flat index %d out of range for layout '%s'", cf.flat, cf.layout)
		}
		col, err := loadColumnIndex(filepath.Join(p.partitionDir(), cf.file), leaves[cf.flat])
		if err != nil {
			return nil, err
		}
		p.columns[columnKey(cf.layout, cf.flat)] = col
	}

	// Skip fields have no column file; recreate their stub indexes.
	for lname, l := range p.layouts {
		for _, leaf := range l.Leaves() {
			key := columnKey(lname, leaf.FlatIndex)
			if p.columns[key] == nil && leaf.Type.HasAttr(AttrSkip) {
				col, err := NewColumnIndex(leaf, p.min_id)
				if err != nil {
					return nil, err
				}
				p.columns[key] = col
			}
		}
	}

	return p, nil
}

// EOF
