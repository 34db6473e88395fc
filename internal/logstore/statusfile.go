package logstore

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"strconv"
	"strings"

	"go.etcd.io/etcd/pkg/v3/fileutil"
)

// statusFileSize is the fixed record size described in spec.md §6: 8 hex
// CRC digits, "\r\n", then "currentTerm=…\nvotedFor=…\n", space-padded to
// 512 bytes. CRC covers bytes [10..512).
const statusFileSize = 512

const statusCRCLen = 8 // hex digits
const statusCRCEnd = statusCRCLen + 2 // + "\r\n"

// ErrStatusCorrupt is fatal: readers verify length and CRC, and any
// mismatch aborts startup rather than silently using a zero term (spec.md
// §6 "Status-file invariant").
var ErrStatusCorrupt = errors.New("logstore: status file corrupted")

// Status is the durable (currentTerm, votedFor) pair (spec.md §3, §6).
type Status struct {
	CurrentTerm uint32
	VotedFor    uint64
}

// StatusFile manages the single 512-byte status record for a raft group.
type StatusFile struct {
	path string
}

// OpenStatusFile opens (creating if absent) the status file at path.
func OpenStatusFile(path string) (*StatusFile, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		sf := &StatusFile{path: path}
		if err := sf.Write(Status{}); err != nil {
			return nil, err
		}
		return sf, nil
	}
	return &StatusFile{path: path}, nil
}

// Read loads and validates the status record.
func (sf *StatusFile) Read() (Status, error) {
	buf, err := os.ReadFile(sf.path)
	if err != nil {
		return Status{}, err
	}
	if len(buf) != statusFileSize {
		return Status{}, fmt.Errorf("%w: length %d != %d", ErrStatusCorrupt, len(buf), statusFileSize)
	}

	wantCRC, err := strconv.ParseUint(strings.TrimSpace(string(buf[0:statusCRCLen])), 16, 32)
	if err != nil {
		return Status{}, fmt.Errorf("%w: bad crc digits: %v", ErrStatusCorrupt, err)
	}

	gotCRC := crc32.ChecksumIEEE(buf[statusCRCEnd:])
	if uint32(wantCRC) != gotCRC {
		return Status{}, fmt.Errorf("%w: crc mismatch", ErrStatusCorrupt)
	}

	body := bytes.TrimRight(buf[statusCRCEnd:], " \x00")
	var st Status
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "currentTerm":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil {
				return Status{}, fmt.Errorf("%w: currentTerm: %v", ErrStatusCorrupt, err)
			}
			st.CurrentTerm = uint32(v)
		case "votedFor":
			v, err := strconv.ParseUint(kv[1], 10, 64)
			if err != nil {
				return Status{}, fmt.Errorf("%w: votedFor: %v", ErrStatusCorrupt, err)
			}
			st.VotedFor = v
		}
	}
	return st, nil
}

// Write persists st as a whole 512-byte record followed by force(false),
// matching the "writes are whole-record" invariant of spec.md §6.
func (sf *StatusFile) Write(st Status) error {
	body := fmt.Sprintf("currentTerm=%d\nvotedFor=%d\n", st.CurrentTerm, st.VotedFor)
	record := make([]byte, statusFileSize)
	for i := range record {
		record[i] = ' '
	}
	copy(record[statusCRCEnd:], body)

	crc := crc32.ChecksumIEEE(record[statusCRCEnd:])
	crcHex := fmt.Sprintf("%08x", crc)
	copy(record[0:statusCRCLen], crcHex)
	record[statusCRCLen] = '\r'
	record[statusCRCLen+1] = '\n'

	f, err := os.OpenFile(sf.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt(record, 0); err != nil {
		return err
	}

	return fileutil.Fsync(f)
}
