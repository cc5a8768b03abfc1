// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"encoding/binary"
	"errors"
	"testing"
)

func chunkOpts(mode RecoveryMode) *Options {
	opts := &Options{RecoveryMode: mode}
	_ = opts.normalize()
	return opts
}

func TestNewChunkValidation(t *testing.T) {

	valid := func() []byte {
		cb := newChunkBuilder()
		cb.beginRecord(1, 0)
		cb.fragmentHeader()
		cb.openElement("Event", false)
		cb.closeEmpty()
		cb.eos()
		cb.endRecord()
		return cb.bytes()
	}

	tests := []struct {
		name   string
		mangle func([]byte) []byte
		want   error
	}{
		{"valid", func(b []byte) []byte { return b }, nil},
		{"short", func(b []byte) []byte { return b[:1000] },
			ErrIncompleteChunk},
		{"bad magic", func(b []byte) []byte {
			b[0] = 'x'
			return b
		}, ErrInvalidEvtxChunkMagic},
		{"bad header crc", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[124:], 0xdeadbeef)
			return b
		}, ErrChunkHeaderCRCMismatch},
		{"bad data crc", func(b []byte) []byte {
			// Flip a covered record byte; the header CRC does not
			// cover the record region so it stays valid.
			b[520] ^= 0xff
			return b
		}, ErrChunkDataCRCMismatch},
		{"bad free space offset", func(b []byte) []byte {
			// Range check fires before any checksum comparison.
			binary.LittleEndian.PutUint32(b[48:], ChunkSize+1)
			return b
		}, ErrFailedToParseChunkHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mangle(valid())
			_, err := NewChunk(data, 0, FileHeaderBlockSize,
				chunkOpts(RecoveryStrict))
			if tt.want == nil {
				if err != nil {
					t.Errorf("NewChunk failed, reason: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error got %v, want %v", err, tt.want)
			}
		})
	}
}

// In recovery modes a data CRC mismatch degrades to a warning and the
// records are still attempted.
func TestDataCRCMismatchRecovery(t *testing.T) {

	cb := newChunkBuilder()
	cb.beginRecord(1, 0)
	cb.fragmentHeader()
	cb.openElement("Event", false)
	cb.closeEmpty()
	cb.eos()
	cb.endRecord()
	data := cb.bytes()

	// Corrupt the stored data CRC and refresh only the header CRC.
	binary.LittleEndian.PutUint32(data[52:], 0xdeadbeef)
	binary.LittleEndian.PutUint32(data[124:], chunkHeaderCRC(data))

	c, err := NewChunk(data, 0, FileHeaderBlockSize,
		chunkOpts(RecoverySkipBadRecords))
	if err != nil {
		t.Fatalf("NewChunk failed, reason: %v", err)
	}

	items, cerr := c.parseRecords(newXMLRenderer(c.opts))
	if cerr != nil {
		t.Fatalf("parseRecords failed, reason: %v", cerr)
	}
	if len(items) != 1 || items[0].Err != nil {
		t.Errorf("items got %+v, want one rendered record", items)
	}
}

func TestRecordCount(t *testing.T) {

	empty := newChunkBuilder()
	c, err := NewChunk(empty.bytes(), 0, FileHeaderBlockSize,
		chunkOpts(RecoveryStrict))
	if err != nil {
		t.Fatalf("NewChunk failed, reason: %v", err)
	}
	if c.RecordCount() != 0 {
		t.Errorf("empty chunk count got %d, want 0", c.RecordCount())
	}

	three := newChunkBuilder()
	for id := uint64(7); id < 10; id++ {
		three.beginRecord(id, 0)
		three.fragmentHeader()
		three.openElement("Event", false)
		three.closeEmpty()
		three.eos()
		three.endRecord()
	}
	c, err = NewChunk(three.bytes(), 0, FileHeaderBlockSize,
		chunkOpts(RecoveryStrict))
	if err != nil {
		t.Fatalf("NewChunk failed, reason: %v", err)
	}
	if c.RecordCount() != 3 {
		t.Errorf("count got %d, want 3", c.RecordCount())
	}
}

// A string table bucket pointing at a name record pre-seeds the cache, and
// a later record resolves the name by offset without inlining it.
func TestStringTableSeeding(t *testing.T) {

	cb := newChunkBuilder()

	cb.beginRecord(1, 0)
	cb.fragmentHeader()
	cb.u8(tokenOpenStart)
	cb.u16(0)
	cb.u32(0)
	nameOff := uint32(cb.off + 4)
	cb.inlineName("Event")
	cb.closeEmpty()
	cb.eos()
	cb.endRecord()

	// Second record references the name purely by offset.
	cb.beginRecord(2, 0)
	cb.fragmentHeader()
	cb.u8(tokenOpenStart)
	cb.u16(0)
	cb.u32(0)
	cb.u32(nameOff)
	cb.closeEmpty()
	cb.eos()
	cb.endRecord()

	// Bucket 0 heads a chain holding the single name record.
	binary.LittleEndian.PutUint32(cb.buf[chunkStringTableOffset:],
		nameOff)

	c, err := NewChunk(cb.bytes(), 0, FileHeaderBlockSize,
		chunkOpts(RecoveryStrict))
	if err != nil {
		t.Fatalf("NewChunk failed, reason: %v", err)
	}

	name, ok := c.lookupName(nameOff)
	if !ok {
		t.Fatal("string table did not seed the name cache")
	}
	if name.Value != "Event" {
		t.Errorf("seeded name got %q, want Event", name.Value)
	}

	items, cerr := c.parseRecords(newXMLRenderer(c.opts))
	if cerr != nil {
		t.Fatalf("parseRecords failed, reason: %v", cerr)
	}
	if len(items) != 2 {
		t.Fatalf("items got %d, want 2", len(items))
	}
	for _, item := range items {
		if item.Err != nil {
			t.Errorf("record %d error: %v", item.EventRecordID,
				item.Err)
		}
		if got := string(item.Output); got != "<Event/>" {
			t.Errorf("output got %q, want <Event/>", got)
		}
	}
}

// A template table bucket pre-parses the definition chain into the cache.
func TestTemplateTableSeeding(t *testing.T) {

	cb := newChunkBuilder()
	cb.beginRecord(1, 0)
	cb.fragmentHeader()
	defOff := cb.templateInstance(0, func(cb *chunkBuilder) {
		cb.fragmentHeader()
		cb.openElement("EventID", false)
		cb.closeStart()
		cb.substitution(0, UInt16Type, false)
		cb.closeElement()
	}, []subVal{u16val(1)})
	cb.eos()
	cb.endRecord()

	binary.LittleEndian.PutUint32(cb.buf[chunkTemplateTableOffset:],
		defOff)

	c, err := NewChunk(cb.bytes(), 0, FileHeaderBlockSize,
		chunkOpts(RecoveryStrict))
	if err != nil {
		t.Fatalf("NewChunk failed, reason: %v", err)
	}

	tmpl, ok := c.lookupTemplate(defOff)
	if !ok {
		t.Fatal("template table did not seed the cache")
	}
	if tmpl.GUID != "{04030201-0605-0807-090a-0b0c0d0e0f10}" {
		t.Errorf("template guid got %q", tmpl.GUID)
	}
	if len(tmpl.Tokens) == 0 {
		t.Error("cached template should hold a parsed token stream")
	}
}
