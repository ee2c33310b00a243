// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package tiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
)

// Tag numbers this backend reads and writes. Anything else in a file
// is ignored; TIFF writers in the wild attach all sorts of extras
// (Software, DateTime, resolution units) that carry no pixel
// structure.
const (
	tagImageWidth                = 256
	tagImageLength               = 257
	tagBitsPerSample             = 258
	tagCompression               = 259
	tagPhotometricInterpretation = 262
	tagImageDescription          = 270
	tagStripOffsets              = 273
	tagSamplesPerPixel           = 277
	tagRowsPerStrip              = 278
	tagStripByteCounts           = 279
	tagTileWidth                 = 322
	tagTileLength                = 323
	tagTileOffsets               = 324
	tagTileByteCounts            = 325
	tagSampleFormat              = 339
)

// Compression tag values. Anything else is a structure we cannot
// decode and is refused at open.
const (
	compressionNone    = 1
	compressionDeflate = 8 // zlib streams
)

// SampleFormat tag values.
const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

// PhotometricInterpretation: zero is black. The only rendering intent
// that makes sense for quantitative data.
const photometricMinIsBlack = 1

// Field types.
const (
	typeByte   = 1
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeLong8  = 16 // BigTIFF only
	typeSLong8 = 17
	typeIFD8   = 18
)

// Header version words.
const (
	classicVersion = 42
	bigtiffVersion = 43
)

// headerLen is the byte length of the file header: 8 for classic,
// 16 for BigTIFF. Sniffing reads the larger of the two.
const (
	classicHeaderLen = 8
	bigtiffHeaderLen = 16
)

// maxIFDEntries caps how many entries a directory may declare. Real
// directories have a couple dozen; a count in the millions is a
// corrupt or hostile file about to make us allocate its claim.
const maxIFDEntries = 4096

// fieldSize returns the per-element byte size of a field type, or 0
// for types this backend does not decode.
func fieldSize(fieldType uint16) uint64 {
	switch fieldType {
	case typeByte, typeASCII:
		return 1
	case typeShort:
		return 2
	case typeLong:
		return 4
	case typeLong8, typeSLong8, typeIFD8:
		return 8
	}
	return 0
}

// layout captures the two free parameters of the container: byte
// order and offset width. Every read and write below threads it.
type layout struct {
	order binary.ByteOrder
	big   bool
}

func (l layout) headerLen() int {
	if l.big {
		return bigtiffHeaderLen
	}
	return classicHeaderLen
}

func (l layout) entryLen() uint64 {
	if l.big {
		return 20
	}
	return 12
}

// countLen is the byte length of the entry-count field that opens a
// directory.
func (l layout) countLen() uint64 {
	if l.big {
		return 8
	}
	return 2
}

// nextLen is the byte length of the next-directory pointer that
// closes a directory.
func (l layout) nextLen() uint64 {
	if l.big {
		return 8
	}
	return 4
}

// inlineLen is how many value bytes fit inside an entry before the
// value moves to an external position.
func (l layout) inlineLen() uint64 {
	if l.big {
		return 8
	}
	return 4
}

// offsetType is the field type used for offset and byte-count arrays.
func (l layout) offsetType() uint16 {
	if l.big {
		return typeLong8
	}
	return typeLong
}

func (l layout) putOffset(buffer []byte, value uint64) {
	if l.big {
		l.order.PutUint64(buffer, value)
	} else {
		l.order.PutUint32(buffer, uint32(value))
	}
}

func (l layout) getOffset(buffer []byte) uint64 {
	if l.big {
		return l.order.Uint64(buffer)
	}
	return uint64(l.order.Uint32(buffer))
}

// parseHeader decodes the file header and returns the layout and the
// offset of the first IFD.
func parseHeader(header []byte) (layout, uint64, error) {
	if len(header) < classicHeaderLen {
		return layout{}, 0, fmt.Errorf("header is %d bytes, need at least %d", len(header), classicHeaderLen)
	}
	var l layout
	switch {
	case header[0] == 'I' && header[1] == 'I':
		l.order = binary.LittleEndian
	case header[0] == 'M' && header[1] == 'M':
		l.order = binary.BigEndian
	default:
		return layout{}, 0, fmt.Errorf("bad byte-order mark %q", header[:2])
	}
	switch version := l.order.Uint16(header[2:4]); version {
	case classicVersion:
		return l, uint64(l.order.Uint32(header[4:8])), nil
	case bigtiffVersion:
		l.big = true
		if len(header) < bigtiffHeaderLen {
			return layout{}, 0, fmt.Errorf("truncated BigTIFF header")
		}
		if offsetLen := l.order.Uint16(header[4:6]); offsetLen != 8 {
			return layout{}, 0, fmt.Errorf("BigTIFF offset size %d, want 8", offsetLen)
		}
		if reserved := l.order.Uint16(header[6:8]); reserved != 0 {
			return layout{}, 0, fmt.Errorf("BigTIFF reserved word %d, want 0", reserved)
		}
		return l, l.order.Uint64(header[8:16]), nil
	default:
		return layout{}, 0, fmt.Errorf("bad version %d", version)
	}
}

// writeHeader renders a header whose first-IFD pointer is still
// unknown (zero); the writer patches it during finalize.
func writeHeader(l layout) []byte {
	header := make([]byte, l.headerLen())
	if l.order == binary.BigEndian {
		header[0], header[1] = 'M', 'M'
	} else {
		header[0], header[1] = 'I', 'I'
	}
	if l.big {
		l.order.PutUint16(header[2:4], bigtiffVersion)
		l.order.PutUint16(header[4:6], 8)
	} else {
		l.order.PutUint16(header[2:4], classicVersion)
	}
	return header
}

// firstIFDFieldOffset is where the first-IFD pointer sits in the
// header, for the finalize patch.
func (l layout) firstIFDFieldOffset() int64 {
	if l.big {
		return 8
	}
	return 4
}

// ifdEntry is one parsed directory entry with its value bytes already
// resolved: inline values are copied out of the entry, external
// values are read from the file.
type ifdEntry struct {
	fieldType uint16
	count     uint64
	data      []byte
}

// parseIFD reads the directory at offset and resolves every entry for
// a tag this backend knows. It returns the entries and the offset of
// the next directory (zero at the end of the chain).
func parseIFD(r io.ReaderAt, l layout, offset uint64, fileSize int64) (map[uint16]ifdEntry, uint64, error) {
	if offset == 0 || int64(offset)+int64(l.countLen()) > fileSize {
		return nil, 0, fmt.Errorf("directory offset %d outside file of %d bytes", offset, fileSize)
	}

	countBuffer := make([]byte, l.countLen())
	if _, err := r.ReadAt(countBuffer, int64(offset)); err != nil {
		return nil, 0, fmt.Errorf("reading directory count at %d: %w", offset, err)
	}
	var count uint64
	if l.big {
		count = l.order.Uint64(countBuffer)
	} else {
		count = uint64(l.order.Uint16(countBuffer))
	}
	if count > maxIFDEntries {
		return nil, 0, fmt.Errorf("directory declares %d entries", count)
	}

	bodyLen := count*l.entryLen() + l.nextLen()
	if int64(offset)+int64(l.countLen())+int64(bodyLen) > fileSize {
		return nil, 0, fmt.Errorf("directory at %d overruns file of %d bytes", offset, fileSize)
	}
	body := make([]byte, bodyLen)
	if _, err := r.ReadAt(body, int64(offset)+int64(l.countLen())); err != nil {
		return nil, 0, fmt.Errorf("reading directory at %d: %w", offset, err)
	}

	entries := make(map[uint16]ifdEntry, count)
	for i := uint64(0); i < count; i++ {
		raw := body[i*l.entryLen() : (i+1)*l.entryLen()]
		tag := l.order.Uint16(raw[0:2])
		fieldType := l.order.Uint16(raw[2:4])

		if !knownTag(tag) {
			continue
		}
		elementLen := fieldSize(fieldType)
		if elementLen == 0 {
			// A known tag with a field type we cannot decode is a
			// structural problem, not an extra to skip.
			return nil, 0, fmt.Errorf("tag %d has unsupported field type %d", tag, fieldType)
		}

		var valueCount uint64
		var valueField []byte
		if l.big {
			valueCount = l.order.Uint64(raw[4:12])
			valueField = raw[12:20]
		} else {
			valueCount = uint64(l.order.Uint32(raw[4:8]))
			valueField = raw[8:12]
		}
		valueLen := valueCount * elementLen
		if valueCount != 0 && valueLen/valueCount != elementLen {
			return nil, 0, fmt.Errorf("tag %d value size overflows", tag)
		}

		var data []byte
		if valueLen <= l.inlineLen() {
			data = slices.Clone(valueField[:valueLen])
		} else {
			valueOffset := l.getOffset(valueField)
			if int64(valueOffset)+int64(valueLen) > fileSize {
				return nil, 0, fmt.Errorf("tag %d value at %d overruns file of %d bytes", tag, valueOffset, fileSize)
			}
			data = make([]byte, valueLen)
			if _, err := r.ReadAt(data, int64(valueOffset)); err != nil {
				return nil, 0, fmt.Errorf("reading tag %d value at %d: %w", tag, valueOffset, err)
			}
		}
		entries[tag] = ifdEntry{fieldType: fieldType, count: valueCount, data: data}
	}

	next := l.getOffset(body[count*l.entryLen():])
	return entries, next, nil
}

func knownTag(tag uint16) bool {
	switch tag {
	case tagImageWidth, tagImageLength, tagBitsPerSample, tagCompression,
		tagPhotometricInterpretation, tagImageDescription, tagStripOffsets,
		tagSamplesPerPixel, tagRowsPerStrip, tagStripByteCounts,
		tagTileWidth, tagTileLength, tagTileOffsets, tagTileByteCounts,
		tagSampleFormat:
		return true
	}
	return false
}

// uints decodes the entry's elements as unsigned integers.
func (e ifdEntry) uints(l layout) ([]uint64, error) {
	values := make([]uint64, e.count)
	for i := range values {
		switch e.fieldType {
		case typeByte:
			values[i] = uint64(e.data[i])
		case typeShort:
			values[i] = uint64(l.order.Uint16(e.data[i*2:]))
		case typeLong:
			values[i] = uint64(l.order.Uint32(e.data[i*4:]))
		case typeLong8, typeIFD8:
			values[i] = l.order.Uint64(e.data[i*8:])
		default:
			return nil, fmt.Errorf("field type %d is not an unsigned integer", e.fieldType)
		}
	}
	return values, nil
}

// firstUint decodes the entry's first element as an unsigned integer.
func (e ifdEntry) firstUint(l layout) (uint64, error) {
	if e.count == 0 {
		return 0, fmt.Errorf("entry has no elements")
	}
	values, err := e.uints(l)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

// ifdBuilder accumulates the entries for one directory and serializes
// them in ascending tag order, external values trailing the directory
// block.
type ifdBuilder struct {
	l       layout
	entries []builderEntry
}

type builderEntry struct {
	tag       uint16
	fieldType uint16
	count     uint64
	data      []byte
}

func newIFDBuilder(l layout) *ifdBuilder {
	return &ifdBuilder{l: l}
}

func (b *ifdBuilder) add(tag, fieldType uint16, count uint64, data []byte) {
	b.entries = append(b.entries, builderEntry{tag: tag, fieldType: fieldType, count: count, data: data})
}

func (b *ifdBuilder) putShort(tag uint16, value uint16) {
	data := make([]byte, 2)
	b.l.order.PutUint16(data, value)
	b.add(tag, typeShort, 1, data)
}

func (b *ifdBuilder) putLong(tag uint16, value uint32) {
	data := make([]byte, 4)
	b.l.order.PutUint32(data, value)
	b.add(tag, typeLong, 1, data)
}

// putOffsets encodes an offset or byte-count array in the layout's
// offset width. In a classic file every value must fit in 32 bits;
// the writer picks BigTIFF up front for anything that could grow past
// that, so a violation here is an internal bug.
func (b *ifdBuilder) putOffsets(tag uint16, values []uint64) error {
	elementLen := uint64(4)
	if b.l.big {
		elementLen = 8
	}
	data := make([]byte, uint64(len(values))*elementLen)
	for i, value := range values {
		if !b.l.big && value > 0xFFFFFFFF {
			return fmt.Errorf("offset %d does not fit in a classic file", value)
		}
		b.l.putOffset(data[uint64(i)*elementLen:], value)
	}
	b.add(tag, b.l.offsetType(), uint64(len(values)), data)
	return nil
}

// putASCII encodes a text value with the trailing NUL the field type
// requires.
func (b *ifdBuilder) putASCII(tag uint16, text []byte) {
	data := make([]byte, len(text)+1)
	copy(data, text)
	b.add(tag, typeASCII, uint64(len(data)), data)
}

// size returns the serialized length: directory block plus external
// values (each padded to word alignment).
func (b *ifdBuilder) size() uint64 {
	total := b.l.countLen() + uint64(len(b.entries))*b.l.entryLen() + b.l.nextLen()
	for _, entry := range b.entries {
		if length := uint64(len(entry.data)); length > b.l.inlineLen() {
			total += length + length%2
		}
	}
	return total
}

// serialize renders the directory as it will appear at atOffset, with
// its next-directory pointer set to next.
func (b *ifdBuilder) serialize(atOffset, next uint64) ([]byte, error) {
	slices.SortFunc(b.entries, func(a, c builderEntry) int {
		return int(a.tag) - int(c.tag)
	})

	var directory bytes.Buffer
	var external bytes.Buffer
	externalBase := atOffset + b.l.countLen() + uint64(len(b.entries))*b.l.entryLen() + b.l.nextLen()

	countField := make([]byte, b.l.countLen())
	if b.l.big {
		b.l.order.PutUint64(countField, uint64(len(b.entries)))
	} else {
		b.l.order.PutUint16(countField, uint16(len(b.entries)))
	}
	directory.Write(countField)

	for _, entry := range b.entries {
		raw := make([]byte, b.l.entryLen())
		b.l.order.PutUint16(raw[0:2], entry.tag)
		b.l.order.PutUint16(raw[2:4], entry.fieldType)
		var valueField []byte
		if b.l.big {
			b.l.order.PutUint64(raw[4:12], entry.count)
			valueField = raw[12:20]
		} else {
			if entry.count > 0xFFFFFFFF {
				return nil, fmt.Errorf("tag %d count %d does not fit in a classic file", entry.tag, entry.count)
			}
			b.l.order.PutUint32(raw[4:8], uint32(entry.count))
			valueField = raw[8:12]
		}

		if length := uint64(len(entry.data)); length <= b.l.inlineLen() {
			copy(valueField, entry.data)
		} else {
			valueOffset := externalBase + uint64(external.Len())
			if !b.l.big && valueOffset > 0xFFFFFFFF {
				return nil, fmt.Errorf("tag %d value offset %d does not fit in a classic file", entry.tag, valueOffset)
			}
			b.l.putOffset(valueField, valueOffset)
			external.Write(entry.data)
			if length%2 != 0 {
				external.WriteByte(0)
			}
		}
		directory.Write(raw)
	}

	nextField := make([]byte, b.l.nextLen())
	b.l.putOffset(nextField, next)
	directory.Write(nextField)

	directory.Write(external.Bytes())
	return directory.Bytes(), nil
}
