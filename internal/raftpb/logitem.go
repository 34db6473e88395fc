// Package raftpb holds the wire/on-disk message types for the engine:
// the durable LogItem frame (spec.md §3) and the RPC messages summarized
// in spec.md §6, framed with google.golang.org/protobuf's low-level
// varint/length-delimited/fixed-width primitives instead of full codegen.
package raftpb

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// ItemType distinguishes log entries that carry a state-machine payload
// from internal bookkeeping entries.
type ItemType uint8

const (
	ItemNormal ItemType = iota
	ItemNoOp
	ItemConfigChange
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// fixedFieldsSize is the size, in bytes, of the fixed metadata fields
// protected by the frame's leading crc32c: totalLen(4) + headLen(2) +
// type(1) + pad(1) + term(4) + prevLogTerm(4) + index(8).
const fixedFieldsSize = 4 + 2 + 1 + 1 + 4 + 4 + 8

// frameOverhead is the total non-payload byte cost of an encoded item:
// crc32c(4) + fixedFieldsSize + header-crc(4) + body-crc(4).
const frameOverhead = 4 + fixedFieldsSize + 4 + 4

// ErrCorruptFrame is returned by DecodeItem when a CRC does not match —
// the caller (the restorer) treats this as "stop before this item", not a
// hard failure (spec.md §4.2, Restorer step 4).
var ErrCorruptFrame = errors.New("raftpb: corrupt item frame (crc mismatch)")

// ErrShortFrame is returned when buf does not yet contain a full frame;
// callers reading from a live segment treat this as "nothing more to read
// yet", not corruption.
var ErrShortFrame = errors.New("raftpb: incomplete item frame")

// ErrZeroHeader marks the all-zero sentinel frame written to pad out the
// tail of a segment (spec.md §4.2, Restorer step 3: "end-of-data
// sentinel").
var ErrZeroHeader = errors.New("raftpb: zero header sentinel")

// LogItem is one durable Raft log entry (spec.md §3).
type LogItem struct {
	Index       uint64
	Term        uint32
	PrevLogTerm uint32
	Type        ItemType
	BizType     uint16
	Timestamp   int64
	Header      []byte
	Body        []byte
}

// EncodedSize returns the number of bytes Encode will produce for item.
func (item *LogItem) EncodedSize() int {
	return frameOverhead + len(item.Header) + len(item.Body)
}

// Encode appends item's on-disk frame to dst and returns the result.
//
//	crc32c(4) | totalLen(4) | headLen(2) | type(1) | _(1) |
//	term(4) | prevLogTerm(4) | index(8) |
//	[header bytes] | [header-crc(4)] |
//	[body bytes]   | [body-crc(4)]
//
// LogItem has no bizType or timestamp field, and Encode writes Header as
// opaque bytes: the frame format only fixes term/prevLogTerm/index/type
// so the restorer can validate continuity without decoding the header
// (spec.md §4.2 step 2).
func (item *LogItem) Encode(dst []byte) []byte {
	headLen := len(item.Header)
	bodyLen := len(item.Body)
	total := fixedFieldsSize + headLen + 4 + bodyLen + 4

	start := len(dst)
	dst = append(dst, make([]byte, 4+total)...)
	buf := dst[start:]

	binary.BigEndian.PutUint32(buf[4:8], uint32(total))
	binary.BigEndian.PutUint16(buf[8:10], uint16(headLen))
	buf[10] = byte(item.Type)
	buf[11] = 0
	binary.BigEndian.PutUint32(buf[12:16], item.Term)
	binary.BigEndian.PutUint32(buf[16:20], item.PrevLogTerm)
	binary.BigEndian.PutUint64(buf[20:28], item.Index)

	metaCRC := crc32.Checksum(buf[4:4+fixedFieldsSize], castagnoli)
	binary.BigEndian.PutUint32(buf[0:4], metaCRC)

	off := 4 + fixedFieldsSize
	copy(buf[off:], item.Header)
	off += headLen
	headCRC := crc32.Checksum(item.Header, castagnoli)
	binary.BigEndian.PutUint32(buf[off:off+4], headCRC)
	off += 4

	copy(buf[off:], item.Body)
	off += bodyLen
	bodyCRC := crc32.Checksum(item.Body, castagnoli)
	binary.BigEndian.PutUint32(buf[off:off+4], bodyCRC)

	return dst
}

// IsZeroHeader reports whether buf begins with the all-zero end-of-data
// sentinel: a crc32c of 0 together with a zero term and prevLogTerm is only
// possible from an unwritten (zero-filled) region of a segment, since a
// real frame's crc32c is the checksum of non-zero totalLen/term fields.
func IsZeroHeader(buf []byte) bool {
	if len(buf) < fixedFieldsSize+4 {
		return false
	}
	crc := binary.BigEndian.Uint32(buf[0:4])
	prevLogTerm := binary.BigEndian.Uint32(buf[16:20])
	term := binary.BigEndian.Uint32(buf[12:16])
	return crc == 0 && prevLogTerm == 0 && term == 0
}

// DecodeItem parses one frame from the head of buf, returning the item,
// the number of bytes consumed, and an error. ErrShortFrame means buf is a
// valid but incomplete prefix (read more and retry); ErrCorruptFrame and
// ErrZeroHeader are terminal for a restore scan.
func DecodeItem(buf []byte) (*LogItem, int, error) {
	if len(buf) < 4+fixedFieldsSize {
		return nil, 0, ErrShortFrame
	}

	if IsZeroHeader(buf) {
		return nil, 0, ErrZeroHeader
	}

	metaCRC := binary.BigEndian.Uint32(buf[0:4])
	meta := buf[4 : 4+fixedFieldsSize]
	if crc32.Checksum(meta, castagnoli) != metaCRC {
		return nil, 0, ErrCorruptFrame
	}

	total := binary.BigEndian.Uint32(buf[4:8])
	headLen := binary.BigEndian.Uint16(buf[8:10])
	typ := ItemType(buf[10])
	term := binary.BigEndian.Uint32(buf[12:16])
	prevLogTerm := binary.BigEndian.Uint32(buf[16:20])
	index := binary.BigEndian.Uint64(buf[20:28])

	if total < fixedFieldsSize || headLen == 0 || term == 0 {
		return nil, 0, ErrCorruptFrame
	}

	frameLen := 4 + int(total)
	if len(buf) < frameLen {
		return nil, 0, ErrShortFrame
	}

	off := 4 + fixedFieldsSize
	if off+int(headLen)+4 > frameLen {
		return nil, 0, ErrCorruptFrame
	}
	header := buf[off : off+int(headLen)]
	off += int(headLen)
	headCRC := binary.BigEndian.Uint32(buf[off : off+4])
	if crc32.Checksum(header, castagnoli) != headCRC {
		return nil, 0, ErrCorruptFrame
	}
	off += 4

	bodyLen := frameLen - off - 4
	if bodyLen < 0 {
		return nil, 0, ErrCorruptFrame
	}
	body := buf[off : off+bodyLen]
	off += bodyLen
	bodyCRC := binary.BigEndian.Uint32(buf[off : off+4])
	if crc32.Checksum(body, castagnoli) != bodyCRC {
		return nil, 0, ErrCorruptFrame
	}

	item := &LogItem{
		Index:       index,
		Term:        term,
		PrevLogTerm: prevLogTerm,
		Type:        typ,
		Header:      append([]byte(nil), header...),
		Body:        append([]byte(nil), body...),
	}

	return item, frameLen, nil
}
