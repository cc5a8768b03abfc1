// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package evtx

import (
	"time"
)

// Record is one parsed event record: its frame metadata plus the expanded
// canonical token stream. Tokens borrow name and value data from the
// owning chunk, so a Record must be serialized before the chunk is
// released.
type Record struct {
	// ID is the 64-bit event record identifier assigned by the log writer.
	ID uint64

	// WrittenAt is the raw FILETIME the record was written.
	WrittenAt uint64

	ChunkIndex int

	// Offset is the record's byte position within the file.
	Offset int64

	Tokens []Token
}

// Timestamp converts the record write time to UTC.
func (r *Record) Timestamp() time.Time {
	return filetimeToTime(r.WrittenAt)
}

// RecordResult is one item of the output sequence: either a rendered
// record or a diagnostic error, never both. Errors from one record do not
// abort the stream.
type RecordResult struct {
	EventRecordID uint64
	ChunkIndex    int
	Offset        int64
	Output        []byte
	Err           error
}

// renderer serializes an expanded record into output bytes. The XML and
// JSON serializers implement it over the same token stream.
type renderer interface {
	render(rec *Record) ([]byte, error)
}
