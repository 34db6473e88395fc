// Package logstore implements the durable, segmented, CRC-framed log
// described in spec.md §4.2: fixed-size append-only segment files, an
// fsync pipeline, a position index, and crash recovery.
package logstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.etcd.io/etcd/pkg/v3/fileutil"
)

// segmentMagic identifies a valid segment header; segmentVersion allows
// the on-disk format to evolve without breaking the restorer silently.
var segmentMagic = [8]byte{'R', 'F', 'T', 'S', 'E', 'G', '0', '1'}

const segmentVersion = 1

// headerSize (H in spec.md §4.2) is the reserved region at the start of
// every segment file that never holds items.
const headerSize = 64

// defaultSegmentSize (S in spec.md §4.2) is 64 MiB, and must be a power of
// two so that owning-segment lookup is a mask, not a division.
const defaultSegmentSize = 64 * 1024 * 1024

func segmentName(startPos uint64) string {
	return fmt.Sprintf("%016x.lf", startPos)
}

// segment is one LogFile: a fixed-size, power-of-two-sized append-only
// region named by its start offset in the global log byte-position space.
type segment struct {
	startPos uint64
	size     uint64 // S
	path     string
	file     *os.File

	firstIndex     uint64
	firstTerm      uint32
	firstTimestamp int64
	hasFirst       bool

	// writePos is the next byte offset (relative to the file) items will
	// be appended at.
	writePos uint64

	// refs is incremented before a force and decremented after, so the
	// segment is not deleted while an fsync is in flight (spec.md §5
	// "Resource ownership").
	refs int32
}

func createSegment(dir string, startPos, size uint64) (*segment, error) {
	path := filepath.Join(dir, segmentName(startPos))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, headerSize)
	copy(hdr[0:8], segmentMagic[:])
	binary.BigEndian.PutUint32(hdr[8:12], segmentVersion)
	binary.BigEndian.PutUint64(hdr[12:20], startPos)
	if _, err := f.WriteAt(hdr, 0); err != nil {
		f.Close()
		return nil, err
	}

	return &segment{
		startPos: startPos,
		size:     size,
		path:     path,
		file:     f,
		writePos: headerSize,
	}, nil
}

func openSegment(dir string, startPos, size uint64) (*segment, error) {
	path := filepath.Join(dir, segmentName(startPos))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	hdr := make([]byte, headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, err
	}
	if string(hdr[0:8]) != string(segmentMagic[:]) {
		f.Close()
		return nil, fmt.Errorf("logstore: %s: bad segment magic", path)
	}

	return &segment{
		startPos: startPos,
		size:     size,
		path:     path,
		file:     f,
		writePos: headerSize,
	}, nil
}

// remaining reports how many bytes are left before the segment is full,
// relative to the file's current write position.
func (s *segment) remaining() uint64 {
	if s.writePos >= s.size {
		return 0
	}
	return s.size - s.writePos
}

func (s *segment) endPos() uint64 { return s.startPos + s.size }

func (s *segment) acquire() { atomic.AddInt32(&s.refs, 1) }
func (s *segment) release() { atomic.AddInt32(&s.refs, -1) }
func (s *segment) inUse() bool { return atomic.LoadInt32(&s.refs) > 0 }

func (s *segment) close() error {
	return s.file.Close()
}

func (s *segment) removeFile() error {
	s.file.Close()
	return os.Remove(s.path)
}

// fsyncSegment forces seg's dirty pages to stable storage.
func fsyncSegment(seg *segment) error {
	return fileutil.Fsync(seg.file)
}

// ownerStart returns the start offset of the segment that should contain
// global log byte-position p, for a given fixed segment size (must be a
// power of two): p & ^(size-1).
func ownerStart(p, size uint64) uint64 {
	return p &^ (size - 1)
}
