package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shardkit/raft/internal/log"
	"github.com/shardkit/raft/internal/raftpb"
)

// RestoreResult summarizes what the restorer found: the highest index/term
// present in the log, and the global byte position the next append should
// start writing at (spec.md §4.2 "Restorer").
type RestoreResult struct {
	LastIndex uint64
	LastTerm  uint32
	NextPos   uint64
	HasAny    bool
}

// listSegmentFiles returns the startPos of every *.lf file in dir, sorted
// ascending.
func listSegmentFiles(dir string) ([]uint64, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var starts []uint64
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".lf") {
			continue
		}
		hex := strings.TrimSuffix(name, ".lf")
		v, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			continue
		}
		starts = append(starts, v)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

// restore walks every segment from lowest to highest start position,
// replaying frames into ix and stopping at the first corrupt or
// zero-header frame it finds (spec.md §4.2 steps 3-4: "a torn tail is
// truncated, not treated as fatal"). Segment files after a truncation
// point are removed since they cannot possibly hold valid continuations.
func restore(dir string, size uint64, ix *index) (RestoreResult, error) {
	starts, err := listSegmentFiles(dir)
	if err != nil {
		return RestoreResult{}, err
	}
	if len(starts) == 0 {
		return RestoreResult{}, nil
	}

	var res RestoreResult
	var prevIndex uint64
	var prevTerm uint32

	for i, start := range starts {
		seg, err := openSegment(dir, start, size)
		if err != nil {
			return RestoreResult{}, fmt.Errorf("logstore: restore: open %s: %w", segmentName(start), err)
		}

		buf := make([]byte, seg.size-headerSize)
		n, err := seg.file.ReadAt(buf, int64(headerSize))
		if err != nil && n == 0 {
			seg.close()
			return RestoreResult{}, fmt.Errorf("logstore: restore: read %s: %w", segmentName(start), err)
		}
		buf = buf[:n]

		pos := 0
		corrupt := false
		for pos < len(buf) {
			item, consumed, derr := raftpb.DecodeItem(buf[pos:])
			if derr != nil {
				corrupt = true
				break
			}

			if res.HasAny && item.Index != prevIndex+1 {
				log.Warnf("logstore: restore: index gap at %s:+%d (have %d want %d), truncating", segmentName(start), pos, item.Index, prevIndex+1)
				corrupt = true
				break
			}
			if res.HasAny && item.PrevLogTerm != prevTerm {
				log.Warnf("logstore: restore: term discontinuity at %s:+%d, truncating", segmentName(start), pos)
				corrupt = true
				break
			}

			globalPos := start + headerSize + uint64(pos)
			ix.append(item.Index, globalPos, item.Term)

			prevIndex = item.Index
			prevTerm = item.Term
			res.LastIndex = item.Index
			res.LastTerm = item.Term
			res.HasAny = true
			res.NextPos = globalPos + uint64(consumed)

			pos += consumed
		}

		seg.writePos = headerSize + uint64(pos)
		seg.close()

		if corrupt {
			for _, trailing := range starts[i+1:] {
				if err := os.Remove(filepath.Join(dir, segmentName(trailing))); err != nil && !os.IsNotExist(err) {
					return RestoreResult{}, fmt.Errorf("logstore: restore: remove trailing %s: %w", segmentName(trailing), err)
				}
			}
			if err := truncateSegmentFile(dir, start, seg.writePos); err != nil {
				return RestoreResult{}, err
			}
			break
		}
	}

	if !res.HasAny {
		res.NextPos = starts[0] + headerSize
	}
	return res, nil
}

// truncateSegmentFile shrinks the segment named by start down to cutoff
// bytes so a partially-written (torn) frame at the tail does not linger
// and confuse a later restore pass.
func truncateSegmentFile(dir string, start, cutoff uint64) error {
	path := filepath.Join(dir, segmentName(start))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(int64(cutoff))
}
