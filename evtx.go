// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

// File level constants.
const (
	// FileMagic is the signature found at the start of every EVTX file,
	// "ElfFile\x00".
	FileMagic = "ElfFile\x00"

	// FileHeaderBlockSize is the size of the file header block. The header
	// structure itself is smaller, the remainder is zero padding.
	FileHeaderBlockSize = 4096

	// FileHeaderChecksumSize is the number of bytes at the start of the file
	// header covered by the header CRC-32.
	FileHeaderChecksumSize = 120

	// ChunkSize is the fixed size of an EVTX chunk.
	ChunkSize = 65536
)

// File header flags.
const (
	// FileFlagDirty indicates the file was not closed cleanly and the last
	// chunks may be partial.
	FileFlagDirty = 0x0001

	// FileFlagFull indicates the log reached its maximum size.
	FileFlagFull = 0x0002
)

// Supported format versions.
const (
	FileVersionMajor3 = 3
	FileVersionMinor1 = 1
	FileVersionMinor2 = 2
)

// Chunk level constants.
const (
	// ChunkMagic is the signature found at the start of every chunk,
	// "ElfChnk\x00".
	ChunkMagic = "ElfChnk\x00"

	// ChunkHeaderSize is the size of the chunk header including the string
	// and template tables.
	ChunkHeaderSize = 512

	// ChunkHeaderCRCSize is the number of bytes at the start of the chunk
	// header covered by the first range of the header CRC-32. The second
	// range covers the string and template tables (128..512).
	ChunkHeaderCRCSize = 120

	// chunkStringTableOffset is where the string bucket table starts.
	chunkStringTableOffset = 128

	// chunkStringTableEntries is the bucket count of the string table.
	chunkStringTableEntries = 64

	// chunkTemplateTableOffset is where the template bucket table starts.
	chunkTemplateTableOffset = 384

	// chunkTemplateTableEntries is the bucket count of the template table.
	chunkTemplateTableEntries = 32
)

// Record level constants.
const (
	// RecordMagic is the four byte signature of an event record, the bytes
	// 2a 2a 00 00 read as a little-endian uint32.
	RecordMagic = 0x00002a2a

	// RecordHeaderSize covers magic, size, record identifier and timestamp.
	RecordHeaderSize = 24

	// RecordMinSize is the smallest well formed record: header plus the
	// trailing size field.
	RecordMinSize = RecordHeaderSize + 4
)

// BinXML token opcodes. The 0x40 bit flags a variant of the same token: for
// elements and attributes it means more attribute data follows, for
// substitutions it selects the optional form.
const (
	tokenEOF              = 0x00
	tokenOpenStart        = 0x01
	tokenCloseStart       = 0x02
	tokenCloseEmpty       = 0x03
	tokenCloseElement     = 0x04
	tokenValueText        = 0x05
	tokenAttribute        = 0x06
	tokenCDATA            = 0x07
	tokenCharRef          = 0x08
	tokenEntityRef        = 0x09
	tokenPITarget         = 0x0a
	tokenPIData           = 0x0b
	tokenTemplateInstance = 0x0c
	tokenNormalSubst      = 0x0d
	tokenFragmentHeader   = 0x0e

	// tokenFlagMore is set on open-start, value, attribute, CDATA and
	// substitution opcodes.
	tokenFlagMore = 0x40
)

// maxTemplateDepth bounds nested template and fragment expansion. The format
// forbids cycles; anything deeper than this is treated as a corrupt
// template chain.
const maxTemplateDepth = 10

// ValueType identifies the kind carried by a BinXML value.
type ValueType uint8

// BinXML value types.
const (
	NullType       ValueType = 0x00
	StringType     ValueType = 0x01
	AnsiStringType ValueType = 0x02
	Int8Type       ValueType = 0x03
	UInt8Type      ValueType = 0x04
	Int16Type      ValueType = 0x05
	UInt16Type     ValueType = 0x06
	Int32Type      ValueType = 0x07
	UInt32Type     ValueType = 0x08
	Int64Type      ValueType = 0x09
	UInt64Type     ValueType = 0x0a
	Real32Type     ValueType = 0x0b
	Real64Type     ValueType = 0x0c
	BoolType       ValueType = 0x0d
	BinaryType     ValueType = 0x0e
	GuidType       ValueType = 0x0f
	SizeTType      ValueType = 0x10
	FileTimeType   ValueType = 0x11
	SysTimeType    ValueType = 0x12
	SidType        ValueType = 0x13
	HexInt32Type   ValueType = 0x14
	HexInt64Type   ValueType = 0x15
	EvtHandleType  ValueType = 0x20
	BinXMLType     ValueType = 0x21
	EvtXMLType     ValueType = 0x23

	// ArrayFlag marks an array of the base type.
	ArrayFlag ValueType = 0x80
)

// IsArray reports whether the type carries the array flag.
func (t ValueType) IsArray() bool {
	return t&ArrayFlag != 0
}

// Base strips the array flag.
func (t ValueType) Base() ValueType {
	return t &^ ArrayFlag
}

// String stringify the value type.
func (t ValueType) String() string {
	typeMap := map[ValueType]string{
		NullType:       "Null",
		StringType:     "String",
		AnsiStringType: "AnsiString",
		Int8Type:       "Int8",
		UInt8Type:      "UInt8",
		Int16Type:      "Int16",
		UInt16Type:     "UInt16",
		Int32Type:      "Int32",
		UInt32Type:     "UInt32",
		Int64Type:      "Int64",
		UInt64Type:     "UInt64",
		Real32Type:     "Real32",
		Real64Type:     "Real64",
		BoolType:       "Bool",
		BinaryType:     "Binary",
		GuidType:       "Guid",
		SizeTType:      "SizeT",
		FileTimeType:   "FileTime",
		SysTimeType:    "SysTime",
		SidType:        "Sid",
		HexInt32Type:   "HexInt32",
		HexInt64Type:   "HexInt64",
		EvtHandleType:  "EvtHandle",
		BinXMLType:     "BinXml",
		EvtXMLType:     "EvtXml",
	}

	base := t.Base()
	name, ok := typeMap[base]
	if !ok {
		return "Unknown"
	}
	if t.IsArray() {
		return name + "Array"
	}
	return name
}

// OutputFormat selects the rendering of parsed records.
type OutputFormat int

// Output formats.
const (
	// FormatXML renders canonical EVTX XML.
	FormatXML OutputFormat = iota

	// FormatJSON renders one JSON document per record.
	FormatJSON

	// FormatJSONL renders compact single-line JSON per record.
	FormatJSONL
)

// RecoveryMode controls how the parser reacts to corrupt chunks and records.
type RecoveryMode int

// Recovery modes.
const (
	// RecoveryStrict aborts iteration on the first framing error.
	RecoveryStrict RecoveryMode = iota

	// RecoverySkipBadChunks surfaces a failed chunk as a diagnostic item and
	// keeps iterating the remaining chunks.
	RecoverySkipBadChunks

	// RecoverySkipBadRecords additionally degrades record level failures to
	// diagnostic items.
	RecoverySkipBadRecords
)
