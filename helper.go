// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Errors
var (

	// ErrFailedToOpen is returned when the input file can not be opened or
	// mapped.
	ErrFailedToOpen = errors.New("failed to open evtx file")

	// ErrFailedToParseFileHeader is returned when the file header magic,
	// version or checksum does not validate.
	ErrFailedToParseFileHeader = errors.New("failed to parse file header")

	// ErrUnsupportedVersion is returned for format versions outside the
	// supported set.
	ErrUnsupportedVersion = errors.New("unsupported evtx format version")

	// ErrTruncatedFile is returned when the file is smaller than its header
	// block.
	ErrTruncatedFile = errors.New("truncated evtx file")

	// ErrInvalidEvtxChunkMagic is returned when a chunk does not start with
	// the ElfChnk signature.
	ErrInvalidEvtxChunkMagic = errors.New("invalid evtx chunk magic")

	// ErrFailedToParseChunkHeader is returned when the chunk header fields
	// do not validate.
	ErrFailedToParseChunkHeader = errors.New("failed to parse chunk header")

	// ErrChunkHeaderCRCMismatch is returned when the recomputed header
	// CRC-32 differs from the stored value.
	ErrChunkHeaderCRCMismatch = errors.New("chunk header CRC-32 mismatch")

	// ErrChunkDataCRCMismatch is returned when the recomputed event data
	// CRC-32 differs from the stored value.
	ErrChunkDataCRCMismatch = errors.New("chunk data CRC-32 mismatch")

	// ErrIncompleteChunk is returned when the file ends inside a chunk.
	ErrIncompleteChunk = errors.New("incomplete chunk")

	// ErrInvalidRecordMagic is returned when a record does not start with
	// the 0x2a2a0000 signature.
	ErrInvalidRecordMagic = errors.New("invalid event record magic")

	// ErrRecordSizeMismatch is returned when the trailing copy of the record
	// size differs from the leading one.
	ErrRecordSizeMismatch = errors.New("record trailing size mismatch")

	// ErrRecordTooLarge is returned when a record's declared size exceeds
	// the chunk's remaining bytes.
	ErrRecordTooLarge = errors.New("record size exceeds chunk boundary")

	// ErrUnexpectedValueType is returned for value type tags outside the
	// BinXML set.
	ErrUnexpectedValueType = errors.New("unexpected binxml value type")

	// ErrInvalidNameOffset is returned when a name reference points outside
	// the chunk or at malformed name data.
	ErrInvalidNameOffset = errors.New("invalid binxml name offset")

	// ErrInvalidTemplateOffset is returned when a template reference points
	// outside the chunk, at malformed data, or forms a cycle.
	ErrInvalidTemplateOffset = errors.New("invalid binxml template offset")

	// ErrInvalidSubstitutionIndex is returned when a substitution token
	// references a slot beyond the substitution array.
	ErrInvalidSubstitutionIndex = errors.New("invalid substitution index")

	// ErrNameHashMismatch is returned when an inline name's stored hash does
	// not match the recomputed MS-EVEN6 hash.
	ErrNameHashMismatch = errors.New("binxml name hash mismatch")

	// ErrUnexpectedEOS is returned when the token stream ends mid token.
	ErrUnexpectedEOS = errors.New("unexpected end of binxml stream")

	// ErrUnsupportedToken is returned for opcodes outside the BinXML token
	// table.
	ErrUnsupportedToken = errors.New("unsupported binxml token")

	// ErrUTF16Decode is returned in strict mode when UTF-16 input contains a
	// lone surrogate.
	ErrUTF16Decode = errors.New("invalid UTF-16 sequence")

	// ErrJSONKeyCollision is unreachable under the deterministic suffix
	// policy both JSON serializers apply; kept so callers layering their
	// own key policies have a kind to report.
	ErrJSONKeyCollision = errors.New("json key collision")

	// ErrUnknownCodepage is returned when the configured ANSI codepage name
	// is not recognized.
	ErrUnknownCodepage = errors.New("unknown ansi codepage")

	// ErrOutsideBoundary is reported when attempting to read beyond the
	// current buffer limits.
	ErrOutsideBoundary = errors.New("reading data outside boundary")
)

// ParseError decorates an error kind with its location inside the file.
// ChunkIndex is -1 and RecordID is 0 when not applicable.
type ParseError struct {
	Err        error
	Offset     int64
	ChunkIndex int
	RecordID   uint64
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Err.Error())
	fmt.Fprintf(&sb, " at offset 0x%x", e.Offset)
	if e.ChunkIndex >= 0 {
		fmt.Fprintf(&sb, " (chunk %d", e.ChunkIndex)
		if e.RecordID != 0 {
			fmt.Fprintf(&sb, ", record %d", e.RecordID)
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// Unwrap returns the underlying error kind.
func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(kind error, offset int64, chunk int, recordID uint64) error {
	return &ParseError{Err: kind, Offset: offset, ChunkIndex: chunk,
		RecordID: recordID}
}

// reader is a bounded little-endian cursor over a byte slice. Offsets are
// relative to the start of the slice, which for chunk parsing is the chunk
// itself so that name and template references resolve directly.
type reader struct {
	data  []byte
	off   int
	limit int
}

func newReader(data []byte) *reader {
	return &reader{data: data, limit: len(data)}
}

// section returns a reader over the same backing data restricted to
// [off, off+size), leaving the receiver untouched.
func (r *reader) section(off, size int) (*reader, error) {
	if off < 0 || size < 0 || off+size > len(r.data) {
		return nil, ErrOutsideBoundary
	}
	return &reader{data: r.data, off: off, limit: off + size}, nil
}

func (r *reader) pos() int {
	return r.off
}

func (r *reader) remaining() int {
	return r.limit - r.off
}

func (r *reader) seek(off int) error {
	if off < 0 || off > r.limit {
		return ErrOutsideBoundary
	}
	r.off = off
	return nil
}

func (r *reader) skip(n int) error {
	if n < 0 || r.off+n > r.limit {
		return ErrUnexpectedEOS
	}
	r.off += n
	return nil
}

func (r *reader) uint8() (uint8, error) {
	if r.off+1 > r.limit {
		return 0, ErrUnexpectedEOS
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	if r.off+2 > r.limit {
		return 0, ErrUnexpectedEOS
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.off+4 > r.limit {
		return 0, ErrUnexpectedEOS
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if r.off+8 > r.limit {
		return 0, ErrUnexpectedEOS
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

// bytes returns a view over the next n bytes without copying. Callers must
// not retain the slice past the owning chunk's lifetime.
func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > r.limit {
		return nil, ErrUnexpectedEOS
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

// structUnpack reads a little-endian structure from [offset, offset+size).
func structUnpack(data []byte, iface interface{}, offset, size uint32) error {
	// Boundary check
	totalSize := offset + size

	// Integer overflow
	if (totalSize > offset) != (size > 0) {
		return ErrOutsideBoundary
	}

	if uint64(totalSize) > uint64(len(data)) {
		return ErrOutsideBoundary
	}

	buf := bytes.NewReader(data[offset : offset+size])
	return binary.Read(buf, binary.LittleEndian, iface)
}

var utf16Decoder = unicode.UTF16(unicode.LittleEndian,
	unicode.IgnoreBOM).NewDecoder()

// decodeUTF16 converts UTF-16LE bytes to a string. Most event log strings
// are plain ASCII, so scan for that first and skip the decoder entirely.
// In strict mode a lone surrogate is an error, otherwise it decodes to
// U+FFFD per the x/text replacement policy.
func decodeUTF16(b []byte, strict bool) (string, error) {
	if len(b)%2 != 0 {
		return "", ErrUTF16Decode
	}

	ascii := true
	for i := 0; i < len(b); i += 2 {
		if b[i] > 0x7f || b[i+1] != 0 {
			ascii = false
			break
		}
	}
	if ascii {
		out := make([]byte, len(b)/2)
		for i := range out {
			out[i] = b[i*2]
		}
		return string(out), nil
	}

	if strict {
		for i := 0; i+1 < len(b); i += 2 {
			u := binary.LittleEndian.Uint16(b[i:])
			if u >= 0xd800 && u < 0xdc00 {
				if i+3 >= len(b) {
					return "", ErrUTF16Decode
				}
				lo := binary.LittleEndian.Uint16(b[i+2:])
				if lo < 0xdc00 || lo >= 0xe000 {
					return "", ErrUTF16Decode
				}
				i += 2
			} else if u >= 0xdc00 && u < 0xe000 {
				return "", ErrUTF16Decode
			}
		}
	}

	s, err := utf16Decoder.Bytes(b)
	if err != nil {
		return "", ErrUTF16Decode
	}
	return string(s), nil
}

// nameHash computes the MS-EVEN6 hash over UTF-16 code units:
// h = h*65599 + c (mod 2^32), truncated to 16 bits.
func nameHash(units []uint16) uint16 {
	var h uint32
	for _, c := range units {
		h = h*65599 + uint32(c)
	}
	return uint16(h)
}

// utf16Units reinterprets UTF-16LE bytes as code units.
func utf16Units(b []byte) []uint16 {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return units
}

// codepages maps the ANSI codepage names accepted in Options to their
// decoder. Lookup is case insensitive.
var codepages = map[string]*charmap.Charmap{
	"windows-1250": charmap.Windows1250,
	"windows-1251": charmap.Windows1251,
	"windows-1252": charmap.Windows1252,
	"windows-1253": charmap.Windows1253,
	"windows-1254": charmap.Windows1254,
	"windows-1255": charmap.Windows1255,
	"windows-1256": charmap.Windows1256,
	"windows-1257": charmap.Windows1257,
	"windows-1258": charmap.Windows1258,
	"iso-8859-1":   charmap.ISO8859_1,
	"iso-8859-2":   charmap.ISO8859_2,
	"iso-8859-5":   charmap.ISO8859_5,
	"iso-8859-7":   charmap.ISO8859_7,
	"iso-8859-15":  charmap.ISO8859_15,
	"koi8-r":       charmap.KOI8R,
}

func lookupCodepage(name string) (encoding.Encoding, error) {
	cm, ok := codepages[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodepage, name)
	}
	return cm, nil
}

// filetimeEpoch is 1601-01-01T00:00:00Z, the origin of FILETIME ticks.
var filetimeEpoch = time.Date(1601, time.January, 1, 0, 0, 0, 0, time.UTC)

// filetimeToTime converts a count of 100ns intervals since 1601 to UTC.
func filetimeToTime(ft uint64) time.Time {
	secs := int64(ft / 10000000)
	nanos := int64(ft%10000000) * 100
	// Offset from the Unix epoch rather than adding a time.Duration, which
	// overflows past roughly 292 years.
	return time.Unix(filetimeEpoch.Unix()+secs, nanos).UTC()
}

// formatFiletime renders a FILETIME as ISO-8601 UTC with microsecond
// precision, e.g. 2019-03-29T18:54:47.759103Z.
func formatFiletime(ft uint64) string {
	return filetimeToTime(ft).Format("2006-01-02T15:04:05.000000Z")
}

// formatSystemTime renders a 16 byte Windows SYSTEMTIME structure.
func formatSystemTime(b []byte) (string, error) {
	if len(b) < 16 {
		return "", ErrOutsideBoundary
	}
	year := binary.LittleEndian.Uint16(b[0:])
	month := binary.LittleEndian.Uint16(b[2:])
	// index 4 is the day of week, derivable from the date.
	day := binary.LittleEndian.Uint16(b[6:])
	hour := binary.LittleEndian.Uint16(b[8:])
	minute := binary.LittleEndian.Uint16(b[10:])
	second := binary.LittleEndian.Uint16(b[12:])
	milli := binary.LittleEndian.Uint16(b[14:])
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d.%03d000Z",
		year, month, day, hour, minute, second, milli), nil
}

// formatGUID renders the 16 byte on-disk GUID in its canonical braced,
// lowercase form. The first three groups are stored little-endian, the last
// two big-endian, so the bytes are reordered before handing them to the
// uuid package.
func formatGUID(b []byte) (string, error) {
	if len(b) < 16 {
		return "", ErrOutsideBoundary
	}
	var ordered [16]byte
	ordered[0], ordered[1], ordered[2], ordered[3] = b[3], b[2], b[1], b[0]
	ordered[4], ordered[5] = b[5], b[4]
	ordered[6], ordered[7] = b[7], b[6]
	copy(ordered[8:], b[8:16])

	u, err := uuid.FromBytes(ordered[:])
	if err != nil {
		return "", err
	}
	return "{" + u.String() + "}", nil
}

// formatSID renders a Windows security identifier in its S-1-... form.
// Layout: revision u8, sub-authority count u8, 48-bit big-endian authority,
// then count little-endian u32 sub-authorities.
func formatSID(b []byte) (string, error) {
	if len(b) < 8 {
		return "", ErrOutsideBoundary
	}
	revision := b[0]
	count := int(b[1])
	if len(b) < 8+count*4 {
		return "", ErrOutsideBoundary
	}

	var authority uint64
	for _, by := range b[2:8] {
		authority = authority<<8 | uint64(by)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "S-%d-%d", revision, authority)
	for i := 0; i < count; i++ {
		sub := binary.LittleEndian.Uint32(b[8+i*4:])
		fmt.Fprintf(&sb, "-%d", sub)
	}
	return sb.String(), nil
}

// isNCName reports whether a name is a colon-free XML name consisting of
// letters, digits, hyphens, underscores and periods, starting with a letter
// or underscore. Such names are emitted as JSON keys without escaping.
func isNCName(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case i > 0 && (c >= '0' && c <= '9' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}
