// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"encoding/binary"
	"hash/crc32"
	"unicode/utf16"
)

// Test helpers building bit-exact EVTX files in memory: file header and
// chunk framing with valid CRCs, records with hand-assembled BinXML
// streams. Names are written inline (reference offset equal to the cursor
// position) so no string table seeding is required; the template helper
// inlines the definition on first use and returns its offset for reuse.

type chunkBuilder struct {
	buf           []byte
	off           int
	count         int
	firstID       uint64
	lastID        uint64
	lastRecordOff int
	recordStart   int
}

func newChunkBuilder() *chunkBuilder {
	return &chunkBuilder{buf: make([]byte, ChunkSize),
		off: ChunkHeaderSize}
}

func (cb *chunkBuilder) u8(v uint8) {
	cb.buf[cb.off] = v
	cb.off++
}

func (cb *chunkBuilder) u16(v uint16) {
	binary.LittleEndian.PutUint16(cb.buf[cb.off:], v)
	cb.off += 2
}

func (cb *chunkBuilder) u32(v uint32) {
	binary.LittleEndian.PutUint32(cb.buf[cb.off:], v)
	cb.off += 4
}

func (cb *chunkBuilder) u64(v uint64) {
	binary.LittleEndian.PutUint64(cb.buf[cb.off:], v)
	cb.off += 8
}

func (cb *chunkBuilder) raw(b []byte) {
	copy(cb.buf[cb.off:], b)
	cb.off += len(b)
}

func (cb *chunkBuilder) utf16(s string) {
	for _, u := range utf16.Encode([]rune(s)) {
		cb.u16(u)
	}
}

// beginRecord writes the record header; endRecord patches the sizes.
func (cb *chunkBuilder) beginRecord(id, filetime uint64) {
	cb.recordStart = cb.off
	cb.lastRecordOff = cb.off
	cb.u32(RecordMagic)
	cb.u32(0) // size, patched in endRecord
	cb.u64(id)
	cb.u64(filetime)

	if cb.count == 0 {
		cb.firstID = id
	}
	cb.lastID = id
	cb.count++
}

func (cb *chunkBuilder) endRecord() {
	size := cb.off - cb.recordStart + 4
	cb.u32(uint32(size))
	binary.LittleEndian.PutUint32(cb.buf[cb.recordStart+4:], uint32(size))
}

func (cb *chunkBuilder) fragmentHeader() {
	cb.u8(tokenFragmentHeader)
	cb.u8(1)
	cb.u8(1)
	cb.u8(0)
}

// inlineName writes a chunk name record at the cursor and is preceded by
// its own offset, i.e. the encoding the deserializer resolves in place.
func (cb *chunkBuilder) inlineName(name string) {
	cb.u32(uint32(cb.off + 4))
	cb.u32(0) // next-offset in the hash chain
	units := utf16.Encode([]rune(name))
	cb.u16(nameHash(units))
	cb.u16(uint16(len(units)))
	cb.utf16(name)
	cb.u16(0)
}

func (cb *chunkBuilder) openElement(name string, hasAttrs bool) {
	op := uint8(tokenOpenStart)
	if hasAttrs {
		op |= tokenFlagMore
	}
	cb.u8(op)
	cb.u16(0) // dependency id
	cb.u32(0) // data size
	cb.inlineName(name)
	if hasAttrs {
		cb.u32(0) // attribute list size
	}
}

func (cb *chunkBuilder) attribute(name string, more bool) {
	op := uint8(tokenAttribute)
	if more {
		op |= tokenFlagMore
	}
	cb.u8(op)
	cb.inlineName(name)
}

func (cb *chunkBuilder) valueString(s string) {
	cb.u8(tokenValueText)
	cb.u8(uint8(StringType))
	cb.u16(uint16(len(utf16.Encode([]rune(s)))))
	cb.utf16(s)
}

func (cb *chunkBuilder) substitution(slot uint16, vt ValueType,
	optional bool) {
	op := uint8(tokenNormalSubst)
	if optional {
		op |= tokenFlagMore
	}
	cb.u8(op)
	cb.u16(slot)
	cb.u8(uint8(vt))
}

func (cb *chunkBuilder) closeStart()   { cb.u8(tokenCloseStart) }
func (cb *chunkBuilder) closeEmpty()   { cb.u8(tokenCloseEmpty) }
func (cb *chunkBuilder) closeElement() { cb.u8(tokenCloseElement) }
func (cb *chunkBuilder) eos()          { cb.u8(tokenEOF) }

// subVal is one substitution array entry for the template helper.
type subVal struct {
	vt   ValueType
	data []byte
}

func u16val(v uint16) subVal {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return subVal{vt: UInt16Type, data: b}
}

func nullVal() subVal {
	return subVal{vt: NullType}
}

func strVal(s string) subVal {
	units := utf16.Encode([]rune(s))
	b := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[i*2:], u)
	}
	return subVal{vt: StringType, data: b}
}

// templateInstance writes a template-instance token. When def is non-nil
// the definition is inlined at the reference offset and that offset is
// returned for reuse by later records; otherwise defOffset must point at a
// previously written definition.
func (cb *chunkBuilder) templateInstance(defOffset uint32,
	def func(*chunkBuilder), subs []subVal) uint32 {

	cb.u8(tokenTemplateInstance)
	cb.u8(1) // marker

	if def != nil {
		defOffset = uint32(cb.off + 4)
		cb.u32(defOffset)
		cb.u32(0) // next template in the chain
		for i := 0; i < 16; i++ {
			cb.u8(uint8(i + 1)) // guid
		}
		sizePatch := cb.off
		cb.u32(0)
		streamStart := cb.off
		def(cb)
		cb.eos()
		binary.LittleEndian.PutUint32(cb.buf[sizePatch:],
			uint32(cb.off-streamStart))
	} else {
		cb.u32(defOffset)
	}

	cb.u32(uint32(len(subs)))
	for _, s := range subs {
		cb.u16(uint16(len(s.data)))
		cb.u8(uint8(s.vt))
		cb.u8(0)
	}
	for _, s := range subs {
		cb.raw(s.data)
	}
	return defOffset
}

// bytes finalizes the chunk: header numbers, data CRC and header CRC.
func (cb *chunkBuilder) bytes() []byte {
	copy(cb.buf, ChunkMagic)
	binary.LittleEndian.PutUint64(cb.buf[8:], cb.firstID)
	binary.LittleEndian.PutUint64(cb.buf[16:], cb.lastID)
	binary.LittleEndian.PutUint64(cb.buf[24:], cb.firstID)
	binary.LittleEndian.PutUint64(cb.buf[32:], cb.lastID)
	binary.LittleEndian.PutUint32(cb.buf[40:], 128)
	binary.LittleEndian.PutUint32(cb.buf[44:], uint32(cb.lastRecordOff))
	binary.LittleEndian.PutUint32(cb.buf[48:], uint32(cb.off))
	binary.LittleEndian.PutUint32(cb.buf[52:],
		crc32.ChecksumIEEE(cb.buf[ChunkHeaderSize:cb.off]))

	binary.LittleEndian.PutUint32(cb.buf[124:], chunkHeaderCRC(cb.buf))
	return cb.buf
}

// buildFile assembles a complete EVTX file from finalized chunks.
func buildFile(nextRecordID uint64, chunks ...[]byte) []byte {
	buf := make([]byte, FileHeaderBlockSize+len(chunks)*ChunkSize)
	copy(buf, FileMagic)
	binary.LittleEndian.PutUint64(buf[8:], 0)
	if len(chunks) > 0 {
		binary.LittleEndian.PutUint64(buf[16:], uint64(len(chunks)-1))
	}
	binary.LittleEndian.PutUint64(buf[24:], nextRecordID)
	binary.LittleEndian.PutUint32(buf[32:], 128)
	binary.LittleEndian.PutUint16(buf[36:], FileVersionMinor1)
	binary.LittleEndian.PutUint16(buf[38:], FileVersionMajor3)
	binary.LittleEndian.PutUint16(buf[40:], FileHeaderBlockSize)
	binary.LittleEndian.PutUint16(buf[42:], uint16(len(chunks)))
	binary.LittleEndian.PutUint32(buf[124:],
		crc32.ChecksumIEEE(buf[:FileHeaderChecksumSize]))

	for i, c := range chunks {
		copy(buf[FileHeaderBlockSize+i*ChunkSize:], c)
	}
	return buf
}

// testChunk wraps raw bytes in a Chunk with empty caches for deserializer
// unit tests that do not need a full valid header.
func testChunk(data []byte) *Chunk {
	opts := &Options{}
	_ = opts.normalize()
	return &Chunk{
		data:            data,
		opts:            opts,
		names:           make(map[uint32]Name),
		templates:       make(map[uint32]*CachedTemplate),
		templateParsing: make(map[uint32]bool),
	}
}
