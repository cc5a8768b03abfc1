// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/rs/zerolog"
)

// ChunkHeader is the on-disk layout of the first 128 bytes of a chunk. The
// string and template bucket tables follow up to offset 512.
type ChunkHeader struct {
	Magic           [8]byte
	LogFirstRecord  uint64
	LogLastRecord   uint64
	FileFirstRecord uint64
	FileLastRecord  uint64
	HeaderSize      uint32
	LastEventOffset uint32
	FreeSpaceOffset uint32
	EventDataCRC    uint32
	Unused          [64]byte
	Flags           uint32
	HeaderCRC       uint32
}

// Chunk is a validated 64 KiB chunk together with its per-chunk caches.
// The caches are created empty (or seeded from the chunk tables) and die
// with the chunk; they are never shared across chunks or workers.
type Chunk struct {
	Header ChunkHeader
	Index  int

	data       []byte
	fileOffset int64
	opts       *Options
	logger     zerolog.Logger

	names           map[uint32]Name
	templates       map[uint32]*CachedTemplate
	templateParsing map[uint32]bool
}

// NewChunk validates the chunk header and checksums of a 64 KiB byte slice
// and prepares the per-chunk caches. fileOffset is the chunk's position in
// the file, used only for diagnostics.
func NewChunk(data []byte, index int, fileOffset int64, opts *Options) (
	*Chunk, error) {

	if len(data) < ChunkSize {
		return nil, parseErr(ErrIncompleteChunk, fileOffset, index, 0)
	}

	if !bytes.Equal(data[:8], []byte(ChunkMagic)) {
		return nil, parseErr(ErrInvalidEvtxChunkMagic, fileOffset, index, 0)
	}

	c := Chunk{
		Index:           index,
		data:            data,
		fileOffset:      fileOffset,
		opts:            opts,
		logger:          opts.logger.With().Int("chunk", index).Logger(),
		names:           make(map[uint32]Name),
		templates:       make(map[uint32]*CachedTemplate),
		templateParsing: make(map[uint32]bool),
	}

	err := structUnpack(data, &c.Header, 0, uint32(binary.Size(c.Header)))
	if err != nil {
		return nil, parseErr(ErrFailedToParseChunkHeader, fileOffset,
			index, 0)
	}

	if c.Header.FreeSpaceOffset < ChunkHeaderSize ||
		c.Header.FreeSpaceOffset > ChunkSize {
		return nil, parseErr(ErrFailedToParseChunkHeader, fileOffset,
			index, 0)
	}

	if err := c.ValidateHeaderCRC(); err != nil {
		return nil, parseErr(err, fileOffset, index, 0)
	}

	// A mismatching data CRC invalidates the whole chunk in strict mode.
	// Recovery modes still try the records; the damage surfaces per
	// record instead.
	if err := c.ValidateDataCRC(); err != nil {
		if opts.RecoveryMode == RecoveryStrict {
			return nil, parseErr(err, fileOffset, index, 0)
		}
		c.logger.Warn().Msg("event data CRC-32 mismatch, trying records")
	}

	if err := c.seedStringTable(); err != nil {
		return nil, parseErr(ErrFailedToParseChunkHeader, fileOffset,
			index, 0)
	}
	if err := c.seedTemplateTable(); err != nil {
		return nil, parseErr(ErrFailedToParseChunkHeader, fileOffset,
			index, 0)
	}

	return &c, nil
}

// chunkHeaderCRC computes the CRC-32 over bytes 0..120 and 128..512 of a
// chunk.
func chunkHeaderCRC(data []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(data[:ChunkHeaderCRCSize])
	h.Write(data[chunkStringTableOffset:ChunkHeaderSize])
	return h.Sum32()
}

// ValidateHeaderCRC recomputes the header CRC-32 and compares it with the
// stored value.
func (c *Chunk) ValidateHeaderCRC() error {
	if chunkHeaderCRC(c.data) != c.Header.HeaderCRC {
		return ErrChunkHeaderCRCMismatch
	}
	return nil
}

// ValidateDataCRC recomputes the event records CRC-32 over bytes 512 up to
// the free space offset and compares it with the stored value.
func (c *Chunk) ValidateDataCRC() error {
	end := c.Header.FreeSpaceOffset
	if end < ChunkHeaderSize || end > ChunkSize {
		return ErrFailedToParseChunkHeader
	}
	if crc32.ChecksumIEEE(c.data[ChunkHeaderSize:end]) !=
		c.Header.EventDataCRC {
		return ErrChunkDataCRCMismatch
	}
	return nil
}

// RecordCount derives the number of records the header declares.
func (c *Chunk) RecordCount() uint64 {
	if c.Header.FreeSpaceOffset == ChunkHeaderSize {
		return 0
	}
	return c.Header.LogLastRecord - c.Header.LogFirstRecord + 1
}

func (c *Chunk) lookupName(off uint32) (Name, bool) {
	n, ok := c.names[off]
	return n, ok
}

func (c *Chunk) cacheName(off uint32, n Name) {
	c.names[off] = n
}

func (c *Chunk) lookupTemplate(off uint32) (*CachedTemplate, bool) {
	t, ok := c.templates[off]
	return t, ok
}

func (c *Chunk) cacheTemplate(off uint32, t *CachedTemplate) {
	c.templates[off] = t
}

// seedStringTable walks the 64 hash buckets of the chunk string table and
// pre-populates the name cache. Each bucket heads a chain of name records
// linked by their first field. The table is traversed exactly once; token
// parsing afterwards is a pure map lookup.
func (c *Chunk) seedStringTable() error {
	d := deserializer{chunk: c, opts: c.opts, r: newReader(c.data)}

	for i := 0; i < chunkStringTableEntries; i++ {
		off := binary.LittleEndian.Uint32(
			c.data[chunkStringTableOffset+i*4:])

		for off != 0 {
			if int(off)+10 > len(c.data) {
				return ErrInvalidNameOffset
			}
			next := binary.LittleEndian.Uint32(c.data[off:])

			r, err := d.r.section(int(off), len(c.data)-int(off))
			if err != nil {
				return ErrInvalidNameOffset
			}
			name, err := d.parseNameRecord(r)
			if err != nil {
				return ErrInvalidNameOffset
			}
			c.cacheName(off, name)

			if next == off {
				return ErrInvalidNameOffset
			}
			off = next
		}
	}
	return nil
}

// seedTemplateTable walks the 32 buckets of the template table and parses
// each definition chain into the template cache.
func (c *Chunk) seedTemplateTable() error {
	d := deserializer{chunk: c, opts: c.opts, r: newReader(c.data)}

	for i := 0; i < chunkTemplateTableEntries; i++ {
		off := binary.LittleEndian.Uint32(
			c.data[chunkTemplateTableOffset+i*4:])

		for off != 0 {
			if int(off)+4 > len(c.data) {
				return ErrInvalidTemplateOffset
			}
			next := binary.LittleEndian.Uint32(c.data[off:])

			if _, err := d.resolveTemplate(off); err != nil {
				return err
			}

			if next == off {
				return ErrInvalidTemplateOffset
			}
			off = next
		}
	}
	return nil
}

// parseRecords iterates the chunk's records in header order, rendering
// each one eagerly through rend so that nothing borrowed from the chunk
// escapes it. The returned error is non-nil only when the active recovery
// mode aborts the chunk; diagnostic items for degraded records are part of
// the result slice.
func (c *Chunk) parseRecords(rend renderer) ([]RecordResult, error) {
	var out []RecordResult

	off := ChunkHeaderSize
	end := int(c.Header.FreeSpaceOffset)

	for off+RecordMinSize <= end {
		rec, size, err := c.parseRecordAt(off, end)
		if err != nil {
			if c.opts.RecoveryMode != RecoverySkipBadRecords {
				return out, err
			}
			item := RecordResult{
				ChunkIndex: c.Index,
				Offset:     c.fileOffset + int64(off),
				Err:        err,
			}
			var pe *ParseError
			if errors.As(err, &pe) {
				item.EventRecordID = pe.RecordID
			}
			out = append(out, item)
			if size <= 0 || off+size > end {
				// No trustworthy next offset; give up on the chunk.
				break
			}
			off += size
			continue
		}

		rendered, err := rend.render(rec)
		item := RecordResult{
			EventRecordID: rec.ID,
			ChunkIndex:    c.Index,
			Offset:        rec.Offset,
			Output:        rendered,
		}
		if err != nil {
			item.Output = nil
			item.Err = parseErr(err, rec.Offset, c.Index, rec.ID)
			if c.opts.RecoveryMode == RecoveryStrict {
				return out, item.Err
			}
		}
		out = append(out, item)
		off += size
	}

	return out, nil
}

// parseRecordAt validates the record frame at the given chunk offset and
// deserializes plus expands its BinXML payload. It returns the record and
// its total size; on framing errors the size is returned when it could be
// read, so skip-bad-records can advance.
func (c *Chunk) parseRecordAt(off, end int) (*Record, int, error) {
	absOff := c.fileOffset + int64(off)

	magic := binary.LittleEndian.Uint32(c.data[off:])
	if magic != RecordMagic {
		return nil, 0, parseErr(ErrInvalidRecordMagic, absOff, c.Index, 0)
	}

	size := int(binary.LittleEndian.Uint32(c.data[off+4:]))
	id := binary.LittleEndian.Uint64(c.data[off+8:])
	written := binary.LittleEndian.Uint64(c.data[off+16:])

	if size < RecordMinSize {
		return nil, 0, parseErr(ErrRecordSizeMismatch, absOff, c.Index, id)
	}
	if off+size > end {
		return nil, size, parseErr(ErrRecordTooLarge, absOff, c.Index, id)
	}

	trailing := int(binary.LittleEndian.Uint32(c.data[off+size-4:]))
	if trailing != size {
		return nil, size, parseErr(ErrRecordSizeMismatch, absOff, c.Index,
			id)
	}

	payloadStart := off + RecordHeaderSize
	payloadSize := size - RecordHeaderSize - 4

	r, err := newReader(c.data).section(payloadStart, payloadSize)
	if err != nil {
		return nil, size, parseErr(ErrUnexpectedEOS, absOff, c.Index, id)
	}

	d := &deserializer{chunk: c, opts: c.opts, r: r}
	tokens, err := d.tokens()
	if err != nil {
		return nil, size, parseErr(err, absOff, c.Index, id)
	}

	expanded, err := expandRecord(tokens, d)
	if err != nil {
		return nil, size, parseErr(err, absOff, c.Index, id)
	}

	rec := Record{
		ID:         id,
		WrittenAt:  written,
		ChunkIndex: c.Index,
		Offset:     absOff,
		Tokens:     expanded,
	}
	return &rec, size, nil
}
