// OpenSOC/Spyglass - structures and constants (disk storage)
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
	Every persisted file is a sequence of sections:

		sig     [3]byte		// File/segment signature
		id      uint8		// Section identifier
		unc_len uint32		// Uncompressed content length
		com_len uint32		// Compressed content length
		crc     uint32		// IEEE CRC-32 over uncompressed content
		<content>			// Section content (bzip2-compressed when it wins)

	All multi-byte integers little-endian, LSB first. Files start with a
	header section carrying the format version and end with a trailer
	section. Once written, files are immutable; any signature, length,
	CRC or version mismatch on read is a corruption error.
*/

package spyglass

import (
	"bytes"
	"hash/crc32"
	"io"

	"github.com/dsnet/compress/bzip2"
)

const (
	file_signature = 0xdafe5c // Our 3 byte file/segment signature

	section_hdr_len = 16 // bytes in the preamble of any section

	max_section_len = 1024 * 1024 * 1024 // 1GB (outer limit)

	bzip2_hdrMagic = 0x425a // Hex of "BZ"

	NewFilePermissions = 0660 // Permissions for new files
	NewDirPermissions  = 0770 // Permissions for new directories
)

const ( // file section identifiers
	section_header    = 1
	section_partition = 2
	section_column    = 3
	section_index     = 4
	section_trailer   = 255
)

const (
	version_major = 1
	version_minor = 0
)

// ---- write-side helpers ----

func addByteToData(buf *[]byte, b byte) {
	*buf = append(*buf, b)
}

func addMultibyteToData(buf *[]byte, v uint64, n int) {
	for i := 0; i < n; i++ {
		addByteToData(buf, byte(v&0xff))
		v >>= 8
	}
}

// Store both the length (uint32, LSB 4 bytes) and the string bytes (no
// terminator).
func addStringToData(buf *[]byte, s string) {
	addMultibyteToData(buf, uint64(len(s)), 4)
	*buf = append(*buf, s...)
}

func addBitmapToData(buf *[]byte, bm *Bitmap) {
	addMultibyteToData(buf, uint64(len(bm.runs)), 4)
	for _, r := range bm.runs {
		var bit byte
		if r.bit {
			bit = 1
		}
		addByteToData(buf, bit)
		addMultibyteToData(buf, r.n, 8)
	}
}

// ---- read-side helpers ----

func getByteFromData(reader *bytes.Reader) byte {
	b, _ := reader.ReadByte() // lengths are validated before we get here
	return b
}

func getUintFromData(reader *bytes.Reader, n int) uint64 {
	var u uint64
	for shift := 0; n > 0; n-- {
		u |= uint64(getByteFromData(reader)) << shift
		shift += 8
	}
	return u
}

func getStringFromData(reader *bytes.Reader) (string, error) {
	n := int(getUintFromData(reader, 4))
	if n > reader.Len() {
		return "", newError(ErrCorruption, "stored string length %d exceeds remaining content", n)
	}
	bs := make([]byte, n)
	if _, err := io.ReadFull(reader, bs); err != nil {
		return "", wrapError(err, ErrCorruption, "truncated string")
	}
	return string(bs), nil
}

func getBitmapFromData(reader *bytes.Reader) (*Bitmap, error) {
	numruns := int(getUintFromData(reader, 4))
	if numruns > reader.Len() { // 9 bytes per run, so this is a cheap sanity bound
		return nil, newError(ErrCorruption, "stored bitmap run count %d exceeds remaining content", numruns)
	}
	bm := NewBitmap()
	for i := 0; i < numruns; i++ {
		bit := getByteFromData(reader) != 0
		n := getUintFromData(reader, 8)
		if n == 0 {
			return nil, newError(ErrCorruption, "zero-length bitmap run")
		}
		bm.Append(bit, n)
	}
	return bm, nil
}

// ---- section framing ----

// bzip2 compression; we keep the original bytes when compression does
// not shorten them, the reader detects which form it got by length.
func compressSection(content []byte) []byte {
	var buf bytes.Buffer
	writer, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		return content
	}
	if _, err := writer.Write(content); err != nil {
		return content
	}
	writer.Close()
	if buf.Len() > 0 && buf.Len() < len(content) {
		return buf.Bytes()
	}
	return content
}

func decompressSection(data []byte) ([]byte, error) {
	reader, err := bzip2.NewReader(bytes.NewReader(data), new(bzip2.ReaderConfig))
	if err != nil {
		return nil, wrapError(err, ErrCorruption, "bzip2 decompress")
	}
	defer reader.Close()
	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, wrapError(err, ErrCorruption, "bzip2 decompress")
	}
	return out, nil
}

// writeSection frames content into w.
func writeSection(w io.Writer, id byte, content []byte) error {
	data := make([]byte, 0, section_hdr_len+len(content))

	addMultibyteToData(&data, file_signature, 3)
	addByteToData(&data, id)

	crc := crc32.ChecksumIEEE(content)

	compressed := compressSection(content)

	addMultibyteToData(&data, uint64(len(content)), 4)
	addMultibyteToData(&data, uint64(len(compressed)), 4)
	addMultibyteToData(&data, uint64(crc), 4)

	data = append(data, compressed...)

	if _, err := w.Write(data); err != nil {
		return wrapError(err, ErrIO, "write section %d", id)
	}
	return nil
}

// readSection reads the next section from r and returns its identifier
// and decompressed, CRC-checked content.
func readSection(r io.Reader) (byte, []byte, error) {
	header := make([]byte, section_hdr_len)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil, newError(ErrCorruption, "unexpected end of file in section header")
		}
		return 0, nil, wrapError(err, ErrIO, "read section header")
	}
	hdr := bytes.NewReader(header)

	if sig := getUintFromData(hdr, 3); sig != file_signature {
		return 0, nil, newError(ErrCorruption,
			"incorrect signature (0x%06x instead of 0x%06x), dataset corrupt?", sig, file_signature)
	}
	id := getByteFromData(hdr)

	unc_len := int(getUintFromData(hdr, 4))
	com_len := int(getUintFromData(hdr, 4))
	if unc_len < 0 || unc_len > max_section_len ||
		com_len < 0 || com_len > max_section_len || com_len > unc_len {
		return 0, nil, newError(ErrCorruption,
			"stored lengths %d (com), %d (unc) invalid, corrupted file?", com_len, unc_len)
	}
	crc := uint32(getUintFromData(hdr, 4))

	content := make([]byte, com_len)
	if _, err := io.ReadFull(r, content); err != nil {
		return 0, nil, newError(ErrCorruption, "unexpected end of file in section %d", id)
	}

	if com_len < unc_len {
		var err error
		if content, err = decompressSection(content); err != nil {
			return 0, nil, err
		}
		if len(content) != unc_len {
			return 0, nil, newError(ErrCorruption,
				"decompressed length %d, expected %d", len(content), unc_len)
		}
	}

	if have := crc32.ChecksumIEEE(content); have != crc {
		return 0, nil, newError(ErrCorruption,
			"section CRC mismatch (read 0x%08x, calculated 0x%08x)", crc, have)
	}

	return id, content, nil
}

// writeFileHeader emits the version-carrying header section.
func writeFileHeader(w io.Writer) error {
	content := make([]byte, 0, 2)
	addByteToData(&content, version_major)
	addByteToData(&content, version_minor)
	return writeSection(w, section_header, content)
}

// readFileHeader consumes and validates the header section.
func readFileHeader(r io.Reader) error {
	id, content, err := readSection(r)
	if err != nil {
		return err
	}
	if id != section_header {
		return newError(ErrCorruption, "first section not a header (id %d)", id)
	}
	reader := bytes.NewReader(content)
	major := getByteFromData(reader)
	minor := getByteFromData(reader)
	if major != version_major || minor != version_minor {
		return newError(ErrCorruption,
			"stored format version %d.%d incompatible with this server (%d.%d)",
			major, minor, version_major, version_minor)
	}
	return nil
}

// writeFileTrailer emits the closing trailer section.
func writeFileTrailer(w io.Writer) error {
	return writeSection(w, section_trailer, []byte{0})
}

// EOF
