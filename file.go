// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"runtime"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
)

// FileHeader is the on-disk layout of the first 128 bytes of an EVTX file.
// The remainder of the 4096 byte header block is zero padding.
type FileHeader struct {
	Magic            [8]byte
	FirstChunkNumber uint64
	LastChunkNumber  uint64
	NextRecordID     uint64
	HeaderSize       uint32
	MinorVersion     uint16
	MajorVersion     uint16
	HeaderBlockSize  uint16
	ChunkCount       uint16
	Unused           [76]byte
	Flags            uint32
	Checksum         uint32
}

// IsDirty reports whether the file was not closed cleanly; trailing chunks
// may then be partial and the header chunk count stale.
func (h *FileHeader) IsDirty() bool {
	return h.Flags&FileFlagDirty != 0
}

// IsFull reports whether the log reached its configured maximum size.
func (h *FileHeader) IsFull() bool {
	return h.Flags&FileFlagFull != 0
}

// A File represents an open EVTX file.
type File struct {
	Header FileHeader

	data mmap.MMap
	size int64
	f    *os.File
	opts *Options

	// chunkCount is the number of chunks iteration will visit, derived
	// from the header and the file size.
	chunkCount int

	headerParsed bool
}

// Options for parsing.
type Options struct {

	// Output format for rendered records, by default XML.
	Format OutputFormat

	// Worker threads for chunk parsing, by default one per CPU.
	NumThreads int

	// ANSI codepage used for AnsiString values, by default windows-1252.
	ANSICodepage string

	// Recovery behavior for corrupt chunks and records, by default strict.
	RecoveryMode RecoveryMode

	// Inject EventRecordID/TimeCreated metadata into JSON output.
	IncludeRecordMetadata bool

	// Flatten attributes to sibling <name>_attributes keys instead of
	// nesting under #attributes.
	SeparateJSONAttributes bool

	// Indent XML/JSON output.
	Indent bool

	// Drop child elements rendering as empty JSON objects.
	SkipEmptyFragments bool

	// A custom logger.
	Logger *zerolog.Logger

	codepage encoding.Encoding
	logger   zerolog.Logger
}

// normalize applies defaults and resolves the codepage.
func (o *Options) normalize() error {
	if o.NumThreads <= 0 {
		o.NumThreads = runtime.NumCPU()
	}
	if o.ANSICodepage == "" {
		o.ANSICodepage = "windows-1252"
	}
	cp, err := lookupCodepage(o.ANSICodepage)
	if err != nil {
		return err
	}
	o.codepage = cp

	if o.Logger != nil {
		o.logger = *o.Logger
	} else {
		o.logger = zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).
			With().Timestamp().Logger()
	}
	return nil
}

// New instantiates a file instance with options given a file name.
func New(name string, opts *Options) (*File, error) {

	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToOpen, err)
	}

	// Memory map the file instead of using read/write.
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrFailedToOpen, err)
	}

	file := File{}
	if opts != nil {
		file.opts = opts
	} else {
		file.opts = &Options{}
	}
	if err := file.opts.normalize(); err != nil {
		data.Unmap()
		f.Close()
		return nil, err
	}

	file.data = data
	file.size = int64(len(file.data))
	file.f = f
	return &file, nil
}

// NewBytes instantiates a file instance with options given a memory buffer.
func NewBytes(data []byte, opts *Options) (*File, error) {

	file := File{}
	if opts != nil {
		file.opts = opts
	} else {
		file.opts = &Options{}
	}
	if err := file.opts.normalize(); err != nil {
		return nil, err
	}

	file.data = data
	file.size = int64(len(data))
	return &file, nil
}

// Close closes the File.
func (f *File) Close() error {
	if f.f != nil {
		_ = f.data.Unmap()
		return f.f.Close()
	}
	return nil
}

// Parse validates the file header and derives the chunk count. It must be
// called before Records.
func (f *File) Parse() error {
	if err := f.ParseFileHeader(); err != nil {
		return err
	}
	f.headerParsed = true
	return nil
}

// ParseFileHeader validates magic, version, block size and header CRC-32.
func (f *File) ParseFileHeader() error {
	if f.size < FileHeaderBlockSize {
		return parseErr(ErrTruncatedFile, 0, -1, 0)
	}

	if !bytes.Equal(f.data[:8], []byte(FileMagic)) {
		return parseErr(ErrFailedToParseFileHeader, 0, -1, 0)
	}

	err := structUnpack(f.data, &f.Header, 0,
		uint32(binary.Size(f.Header)))
	if err != nil {
		return parseErr(ErrFailedToParseFileHeader, 0, -1, 0)
	}

	if f.Header.MajorVersion != FileVersionMajor3 ||
		(f.Header.MinorVersion != FileVersionMinor1 &&
			f.Header.MinorVersion != FileVersionMinor2) {
		return parseErr(ErrUnsupportedVersion, 0, -1, 0)
	}

	if f.Header.HeaderBlockSize != FileHeaderBlockSize {
		return parseErr(ErrFailedToParseFileHeader, 0, -1, 0)
	}

	if crc32.ChecksumIEEE(f.data[:FileHeaderChecksumSize]) !=
		f.Header.Checksum {
		return parseErr(ErrFailedToParseFileHeader, 0, -1, 0)
	}

	// The chunk count is derivable from the file size; a dirty header may
	// undercount chunks flushed after the last clean close.
	derived := int((f.size - FileHeaderBlockSize) / ChunkSize)
	f.chunkCount = int(f.Header.ChunkCount)
	if f.Header.IsDirty() || f.chunkCount > derived {
		f.chunkCount = derived
	}

	return nil
}

// ChunkCount returns the number of chunks iteration will visit.
func (f *File) ChunkCount() int {
	return f.chunkCount
}

// chunkOffset returns the byte offset of chunk i.
func chunkOffset(i int) int64 {
	return FileHeaderBlockSize + int64(i)*ChunkSize
}

// chunkData returns the byte range of chunk i, which may be short for a
// truncated file.
func (f *File) chunkData(i int) []byte {
	off := chunkOffset(i)
	if off >= f.size {
		return nil
	}
	end := off + ChunkSize
	if end > f.size {
		end = f.size
	}
	return f.data[off:end]
}

// Chunks validates and returns every chunk in file order. Chunk errors are
// returned per entry so callers can triage a damaged file.
func (f *File) Chunks() ([]*Chunk, []error) {
	chunks := make([]*Chunk, 0, f.chunkCount)
	errs := make([]error, 0)
	for i := 0; i < f.chunkCount; i++ {
		c, err := NewChunk(f.chunkData(i), i, chunkOffset(i), f.opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		chunks = append(chunks, c)
	}
	return chunks, errs
}

// newRenderer builds the serializer selected by the options.
func newRenderer(opts *Options) renderer {
	switch opts.Format {
	case FormatXML:
		return newXMLRenderer(opts)
	case FormatJSON:
		return newJSONRenderer(opts, opts.Indent)
	default:
		return newJSONRenderer(opts, false)
	}
}

// Records produces the lazy, ordered sequence of record results: ascending
// event record id, cross-chunk order equal to file order. Errors from one
// record do not abort the stream; they surface as items. The channel
// closes when iteration finishes, fails fatally (strict mode), or ctx is
// canceled.
func (f *File) Records(ctx context.Context) <-chan RecordResult {
	out := make(chan RecordResult)

	go func() {
		defer close(out)

		if !f.headerParsed {
			if err := f.Parse(); err != nil {
				emit(ctx, out, RecordResult{ChunkIndex: -1, Err: err})
				return
			}
		}

		if f.opts.NumThreads > 1 && f.chunkCount > 1 {
			f.parallelRecords(ctx, out)
			return
		}
		f.sequentialRecords(ctx, out)
	}()

	return out
}

// emit sends a result unless the context is done first.
func emit(ctx context.Context, out chan<- RecordResult,
	r RecordResult) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *File) sequentialRecords(ctx context.Context,
	out chan<- RecordResult) {

	rend := newRenderer(f.opts)

	for i := 0; i < f.chunkCount; i++ {
		if ctx.Err() != nil {
			return
		}

		c, err := NewChunk(f.chunkData(i), i, chunkOffset(i), f.opts)
		if err != nil {
			if !emit(ctx, out, RecordResult{ChunkIndex: i, Err: err}) {
				return
			}
			if f.opts.RecoveryMode == RecoveryStrict {
				return
			}
			continue
		}

		items, cerr := c.parseRecords(rend)
		for _, item := range items {
			if !emit(ctx, out, item) {
				return
			}
		}
		if cerr != nil {
			if !emit(ctx, out, RecordResult{ChunkIndex: i, Err: cerr}) {
				return
			}
			if f.opts.RecoveryMode == RecoveryStrict {
				return
			}
		}
	}
}
