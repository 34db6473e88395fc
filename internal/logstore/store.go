package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shardkit/raft/internal/fiber"
	"github.com/shardkit/raft/internal/log"
	"github.com/shardkit/raft/internal/raftpb"
)

// Store is the durable, segmented, CRC-framed Raft log described in
// spec.md §4.2: a sequence of fixed-size LogFiles, an index mapping index
// to byte position, and a single status record for (currentTerm,
// votedFor). All public methods are safe for concurrent use; the Async
// variants hand their result to a fiber.Future so a fiber body can awaitOn
// them instead of blocking the dispatcher goroutine (spec.md §4.1
// "blocking I/O as a future").
type Store struct {
	mu      sync.Mutex
	dir     string
	segSize uint64

	ix       *index
	status   *StatusFile
	segments []*segment
	tail     *segment

	bgWg sync.WaitGroup
}

// Open restores (or creates) the log store rooted at dir.
func Open(dir string, segSize uint64) (*Store, RestoreResult, error) {
	if segSize == 0 {
		segSize = defaultSegmentSize
	}
	if segSize&(segSize-1) != 0 {
		return nil, RestoreResult{}, fmt.Errorf("logstore: segment size %d is not a power of two", segSize)
	}

	logDir := filepath.Join(dir, "log")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, RestoreResult{}, err
	}

	ix := newIndex()
	res, err := restore(logDir, segSize, ix)
	if err != nil {
		return nil, RestoreResult{}, err
	}

	st := &Store{dir: logDir, segSize: segSize, ix: ix}

	starts, err := listSegmentFiles(logDir)
	if err != nil {
		return nil, RestoreResult{}, err
	}

	var tail *segment
	if len(starts) == 0 {
		tail, err = createSegment(logDir, 0, segSize)
		if err != nil {
			return nil, RestoreResult{}, err
		}
		res.NextPos = headerSize
	} else {
		tailStart := ownerStart(res.NextPos, segSize)
		if tailStart < starts[len(starts)-1] {
			tailStart = starts[len(starts)-1]
		}
		tail, err = openSegment(logDir, tailStart, segSize)
		if err != nil {
			return nil, RestoreResult{}, err
		}
		tail.writePos = res.NextPos - tailStart
		for _, s := range starts {
			if s == tailStart {
				continue
			}
			sg, err := openSegment(logDir, s, segSize)
			if err != nil {
				return nil, RestoreResult{}, err
			}
			sg.writePos = sg.size
			st.segments = append(st.segments, sg)
		}
	}
	st.segments = append(st.segments, tail)
	st.tail = tail

	statusPath := filepath.Join(dir, "status")
	sf, err := OpenStatusFile(statusPath)
	if err != nil {
		return nil, RestoreResult{}, err
	}
	st.status = sf

	return st, res, nil
}

// ReadStatus returns the durable (currentTerm, votedFor) pair.
func (s *Store) ReadStatus() (Status, error) {
	return s.status.Read()
}

// WriteStatus durably persists st before returning, matching the "vote
// and term changes are fsynced before the reply is sent" invariant
// (spec.md §4.3 "Vote processing").
func (s *Store) WriteStatus(st Status) error {
	return s.status.Write(st)
}

// Append writes items sequentially to the tail segment, rolling over to a
// freshly created segment when the current one cannot hold the next item,
// and returns the global byte position assigned to each item.
func (s *Store) Append(items []*raftpb.LogItem) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make([]uint64, len(items))
	for i, item := range items {
		need := uint64(item.EncodedSize())
		if need > s.tail.remaining() {
			if err := s.rollover(); err != nil {
				return nil, err
			}
		}

		buf := item.Encode(nil)
		if _, err := s.tail.file.WriteAt(buf, int64(s.tail.writePos)); err != nil {
			return nil, fmt.Errorf("logstore: append: %w", err)
		}

		pos := s.tail.startPos + s.tail.writePos
		positions[i] = pos
		s.ix.append(item.Index, pos, item.Term)
		s.tail.writePos += need
	}
	return positions, nil
}

// AppendAsync runs Append on a background goroutine and delivers the
// result to the returned Future on g's dispatcher.
func (s *Store) AppendAsync(g *fiber.Group, items []*raftpb.LogItem) *fiber.Future {
	fu := fiber.NewFuture(g)
	s.bgWg.Add(1)
	go func() {
		defer s.bgWg.Done()
		positions, err := s.Append(items)
		fu.Complete(positions, err)
	}()
	return fu
}

// Force fsyncs the current tail segment. The segment is ref-counted for
// the duration of the syscall so a concurrent ReclaimBefore does not
// delete the file out from under it (spec.md §5 "Resource ownership").
func (s *Store) Force() error {
	s.mu.Lock()
	seg := s.tail
	s.mu.Unlock()

	seg.acquire()
	defer seg.release()
	return fsyncSegment(seg)
}

// ForceAsync runs Force on a background goroutine and delivers completion
// to the returned Future on g's dispatcher — the idiom raftstate uses to
// await a durable commit point without blocking the dispatcher (spec.md
// §4.1, §5 "Force/fsync pipeline").
func (s *Store) ForceAsync(g *fiber.Group) *fiber.Future {
	fu := fiber.NewFuture(g)
	s.bgWg.Add(1)
	go func() {
		defer s.bgWg.Done()
		err := s.Force()
		fu.Complete(nil, err)
	}()
	return fu
}

// rollover must be called with s.mu held. It fsyncs the outgoing tail
// before switching, since Force only syncs whichever segment is the tail.
func (s *Store) rollover() error {
	if err := fsyncSegment(s.tail); err != nil {
		return err
	}
	nextStart := s.tail.endPos()
	seg, err := createSegment(s.dir, nextStart, s.segSize)
	if err != nil {
		return err
	}
	s.segments = append(s.segments, seg)
	s.tail = seg
	log.Infof("logstore: rolled over to segment %s", segmentName(nextStart))
	return nil
}

// Get decodes the log item recorded at idx.
func (s *Store) Get(idx uint64) (*raftpb.LogItem, error) {
	pos, _, ok := s.ix.lookup(idx)
	if !ok {
		return nil, fmt.Errorf("logstore: index %d not present", idx)
	}

	s.mu.Lock()
	seg := s.segmentFor(pos)
	s.mu.Unlock()
	if seg == nil {
		return nil, fmt.Errorf("logstore: no segment owns position %d", pos)
	}

	// an item never spans a segment boundary, so reading the remainder of
	// the owning segment is always enough to decode one frame.
	buf := make([]byte, seg.endPos()-pos)
	n, err := seg.file.ReadAt(buf, int64(pos-seg.startPos))
	if err != nil && n == 0 {
		return nil, err
	}
	item, _, err := raftpb.DecodeItem(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("logstore: get(%d): %w", idx, err)
	}
	return item, nil
}

func (s *Store) segmentFor(pos uint64) *segment {
	start := ownerStart(pos, s.segSize)
	for _, sg := range s.segments {
		if sg.startPos == start {
			return sg
		}
	}
	return nil
}

// LastIndex returns the highest index present in the log.
func (s *Store) LastIndex() (uint64, bool) {
	return s.ix.lastIndex()
}

// TruncateFrom drops every entry at or after idx from both the index and
// the underlying segment bytes, used when a follower discovers its log
// diverges from the leader's (spec.md §4.3 "Conflict resolution").
func (s *Store) TruncateFrom(idx uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, _, ok := s.ix.lookup(idx)
	if !ok {
		s.ix.truncateFrom(idx)
		return nil
	}

	seg := s.segmentFor(pos)
	if seg == nil {
		return fmt.Errorf("logstore: truncateFrom(%d): no owning segment", idx)
	}
	cutoff := pos - seg.startPos
	if err := seg.file.Truncate(int64(cutoff)); err != nil {
		return err
	}
	seg.writePos = cutoff

	for i := len(s.segments) - 1; i >= 0; i-- {
		sg := s.segments[i]
		if sg.startPos <= seg.startPos {
			break
		}
		if err := sg.removeFile(); err != nil {
			return err
		}
		s.segments = s.segments[:i]
	}
	s.tail = seg

	s.ix.truncateFrom(idx)
	return nil
}

// ReclaimBefore removes every fully-superseded segment whose entire byte
// range lies before idx (the new snapshot boundary), and evicts the
// corresponding index entries. A segment still in use (see segment.refs)
// is left for the next call (spec.md §4.4 "Snapshot install", retention).
func (s *Store) ReclaimBefore(idx uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, _, ok := s.ix.lookup(idx)
	if !ok {
		return nil
	}
	boundary := ownerStart(pos, s.segSize)

	kept := s.segments[:0]
	for _, sg := range s.segments {
		if sg.endPos() <= boundary && sg != s.tail && !sg.inUse() {
			if err := sg.removeFile(); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, sg)
	}
	s.segments = kept
	s.ix.evictBefore(idx)
	return nil
}

// Close releases every open segment file and waits for background
// Append/Force goroutines to finish.
func (s *Store) Close() error {
	s.bgWg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for _, sg := range s.segments {
		if cerr := sg.close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
