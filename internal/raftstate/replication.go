package raftstate

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/shardkit/raft/internal/log"
	"github.com/shardkit/raft/internal/raftpb"
)

// Propose replicates data through the group's log and blocks until it has
// been committed and applied to the FSM, or ctx is done (spec.md §4.2
// "Propose").
func (r *Raft) Propose(ctx context.Context, data []byte) error {
	if r.started.False() {
		return ErrStopped
	}

	r.mu.Lock()
	if r.status.Role != Leader {
		r.mu.Unlock()
		return ErrNotLeader
	}
	r.mu.Unlock()

	item := &raftpb.LogItem{Type: raftpb.ItemNormal, Body: data, Header: changeIDHeader(r.nextChangeID())}
	idx, err := r.appendLocal(item)
	if err != nil {
		return err
	}

	sub := r.bus.SubscribeOnce(idx)
	defer sub.Unsubscribe()

	r.broadcastAppendEntries()

	select {
	case v := <-sub.Chan():
		if v != nil {
			return v.(error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// appendLocal appends item to the local log (assigning Index/Term/
// PrevLogTerm), updates the in-memory tail cache, and blocks until it is
// durable before returning the index assigned. Callers reach this from
// arbitrary goroutines (Propose, ProposeConfChange), never from the
// group's own dispatcher goroutine — see appendLocalNoWait for the one
// call site that runs there.
func (r *Raft) appendLocal(item *raftpb.LogItem) (uint64, error) {
	idx, err := r.appendLocalRaw(item)
	if err != nil {
		return 0, err
	}
	if err := r.requestFsync(); err != nil {
		return 0, &IORetryableError{Err: err}
	}
	return idx, nil
}

// appendLocalNoWait is appendLocal without blocking for the fsync to
// land: becomeLeader's no-op commit runs synchronously on the group's
// own dispatcher goroutine (electionTimerStep -> startElection ->
// becomeLeader), the same goroutine that must run fsyncForceStep to
// service a requestFsync call — blocking there would deadlock the whole
// dispatcher. The fsync request is still enqueued, just not awaited; it
// lands with the next batch.
func (r *Raft) appendLocalNoWait(item *raftpb.LogItem) (uint64, error) {
	idx, err := r.appendLocalRaw(item)
	if err != nil {
		return 0, err
	}
	r.fsyncQueue.SendAsync(make(chan error, 1))
	return idx, nil
}

func (r *Raft) appendLocalRaw(item *raftpb.LogItem) (uint64, error) {
	r.mu.Lock()
	lastIndex, lastTerm := r.lastLogIndexTermLocked()
	item.Index = lastIndex + 1
	item.Term = r.status.Term
	item.PrevLogTerm = lastTerm
	r.mu.Unlock()

	if _, err := r.store.Append([]*raftpb.LogItem{item}); err != nil {
		return 0, &IORetryableError{Err: err}
	}

	r.mu.Lock()
	r.tail.push(item)
	r.status.LastIndex = item.Index
	if item.Index > 0 {
		r.members[r.cfg.LocalID].MatchIndex = item.Index
	}
	r.mu.Unlock()

	r.maybeAdvanceCommit()
	return item.Index, nil
}

// broadcastAppendEntries fans an AppendEntries batch out to every peer
// the leader currently knows about (spec.md §4.2 "Replication").
func (r *Raft) broadcastAppendEntries() {
	r.mu.Lock()
	if r.status.Role != Leader {
		r.mu.Unlock()
		return
	}
	peers := r.votingPeersLocked()
	observers := r.observerPeersLocked()
	peers = append(peers, observers...)
	term := r.status.Term
	r.mu.Unlock()

	for _, p := range peers {
		go r.replicateTo(p, term)
	}
}

func (r *Raft) observerPeersLocked() []*Member {
	var out []*Member
	for id, m := range r.members {
		if id == r.cfg.LocalID || m.Type != raftpb.ObserverMember {
			continue
		}
		out = append(out, m.clone())
	}
	return out
}

// replicateTo sends one AppendEntries (possibly empty, as a heartbeat) to
// peer, applying its response — conflict-hint fast-forward on rejection,
// matchIndex/nextIndex advance on success (spec.md §4.2 "Conflict
// resolution").
func (r *Raft) replicateTo(peer *Member, term uint32) {
	r.mu.Lock()
	if r.status.Role != Leader || r.status.Term != term {
		r.mu.Unlock()
		return
	}
	m := r.memberOrPreparedLocked(peer.ID)
	if m == nil {
		r.mu.Unlock()
		return
	}
	nextIndex := m.NextIndex
	commitIndex := r.status.CommitIndex
	r.mu.Unlock()

	prevIndex := uint64(0)
	prevTerm := uint32(0)
	if nextIndex > 1 {
		prevIndex = nextIndex - 1
		if item, ok := r.tail.get(prevIndex); ok {
			prevTerm = item.Term
		} else if it, err := r.store.Get(prevIndex); err == nil {
			prevTerm = it.Term
		} else {
			// prevIndex has already been reclaimed from the log by a
			// snapshot; the peer is too far behind to catch up via
			// AppendEntries alone.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if serr := r.sendSnapshot(ctx, peer, term); serr != nil {
				log.Warnf("raftstate: group %d: sending snapshot to %x: %v", r.cfg.GroupID, peer.ID, serr)
			}
			return
		}
	}

	var entries []*raftpb.LogItem
	last, ok := r.store.LastIndex()
	if ok {
		for idx := nextIndex; idx <= last && len(entries) < r.cfg.MaxEntriesPerMsg; idx++ {
			if item, ok := r.tail.get(idx); ok {
				entries = append(entries, item)
				continue
			}
			item, err := r.store.Get(idx)
			if err != nil {
				break
			}
			entries = append(entries, item)
		}
	}

	req := &raftpb.AppendEntriesReq{
		GroupID:      r.cfg.GroupID,
		Term:         term,
		LeaderID:     uint32(r.cfg.LocalID),
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: commitIndex,
		Entries:      entries,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := r.cfg.Transport.SendAppendEntries(ctx, peer.Address, req)
	if err != nil {
		return
	}

	if resp.Term > term {
		r.stepDownIfNewerTerm(resp.Term)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m = r.memberOrPreparedLocked(peer.ID)
	if m == nil || r.status.Role != Leader || r.status.Term != term {
		return
	}

	// any reply, success or rejection, proves the peer is reachable —
	// enough for CheckQuorum's lease-horizon liveness check.
	m.lastAck = time.Now()

	if !resp.Success {
		if resp.SuggestNextIndex > 0 {
			m.NextIndex = resp.SuggestNextIndex
		} else if m.NextIndex > 1 {
			m.NextIndex--
		}
		return
	}

	if len(entries) > 0 {
		newMatch := entries[len(entries)-1].Index
		if newMatch > m.MatchIndex {
			m.MatchIndex = newMatch
		}
		m.NextIndex = newMatch + 1
	}
	r.maybeAdvanceCommitLocked()
}

// HandleAppendEntries processes a leader's replication/heartbeat RPC
// (spec.md §4.2 "Follower path").
func (r *Raft) HandleAppendEntries(req *raftpb.AppendEntriesReq) *raftpb.AppendEntriesResp {
	r.mu.Lock()

	if req.Term < r.status.Term {
		term := r.status.Term
		r.mu.Unlock()
		return &raftpb.AppendEntriesResp{Term: term, Success: false}
	}

	if req.Term > r.status.Term {
		r.status.Term = req.Term
		r.votedFor = 0
	}
	r.status.Role = Follower
	r.status.Leader = uint64(req.LeaderID)
	if err := r.persistStatusLocked(); err != nil {
		log.Errorf("raftstate: group %d: persisting term on append: %v", r.cfg.GroupID, err)
	}
	r.mu.Unlock()
	r.resetElectionDeadline()

	if req.PrevLogIndex > 0 {
		local, err := r.getLogItem(req.PrevLogIndex)
		if err != nil || local.Term != req.PrevLogTerm {
			suggest := req.PrevLogIndex
			suggestTerm := uint32(0)
			if err == nil {
				suggestTerm = local.Term
				suggest = r.firstIndexOfTerm(local.Term)
			} else if last, ok := r.store.LastIndex(); ok {
				suggest = last + 1
			}
			return &raftpb.AppendEntriesResp{Term: r.status.Term, Success: false, SuggestNextIndex: suggest, SuggestTerm: suggestTerm}
		}
	}

	for _, entry := range req.Entries {
		existing, err := r.getLogItem(entry.Index)
		if err == nil && existing.Term == entry.Term {
			continue
		}
		if err == nil {
			if terr := r.store.TruncateFrom(entry.Index); terr != nil {
				return &raftpb.AppendEntriesResp{Term: r.status.Term, Success: false}
			}
			r.tail.truncateFrom(entry.Index)
		}
		if _, err := r.store.Append([]*raftpb.LogItem{entry}); err != nil {
			return &raftpb.AppendEntriesResp{Term: r.status.Term, Success: false}
		}
		r.tail.push(entry)
	}

	if len(req.Entries) > 0 {
		if err := r.requestFsync(); err != nil {
			log.Errorf("raftstate: group %d: fsync follower append: %v", r.cfg.GroupID, err)
			return &raftpb.AppendEntriesResp{Term: r.status.Term, Success: false}
		}
	}

	r.mu.Lock()
	if last, ok := r.store.LastIndex(); ok {
		r.status.LastIndex = last
	}
	if req.LeaderCommit > r.status.CommitIndex {
		if last, ok := r.store.LastIndex(); ok && req.LeaderCommit < last {
			r.status.CommitIndex = req.LeaderCommit
		} else if last, ok := r.store.LastIndex(); ok {
			r.status.CommitIndex = last
		}
	}
	r.mu.Unlock()

	r.applyCommitted()

	return &raftpb.AppendEntriesResp{Term: r.status.Term, Success: true}
}

func (r *Raft) getLogItem(idx uint64) (*raftpb.LogItem, error) {
	if item, ok := r.tail.get(idx); ok {
		return item, nil
	}
	return r.store.Get(idx)
}

// firstIndexOfTerm scans backward from the tail to find the first index
// recorded with term t, used to build the follower's conflict hint
// (spec.md §4.2 "Conflict resolution").
func (r *Raft) firstIndexOfTerm(t uint32) uint64 {
	last, ok := r.store.LastIndex()
	if !ok {
		return 0
	}
	first := last
	found := false
	for idx := last; idx > 0; idx-- {
		item, err := r.getLogItem(idx)
		if err != nil {
			break
		}
		if item.Term == t {
			first = idx
			found = true
			continue
		}
		if found {
			break
		}
	}
	return first
}

// maybeAdvanceCommit recomputes the commit index from the members'
// matchIndex set, honoring the current-term-only rule and (during a
// transition) the joint dual-quorum rule (spec.md §4.2 "Commit
// advancement", §4.4 "Joint consensus").
func (r *Raft) maybeAdvanceCommit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeAdvanceCommitLocked()
}

func (r *Raft) maybeAdvanceCommitLocked() {
	if r.status.Role != Leader {
		return
	}

	candidate := r.status.CommitIndex
	last, ok := r.store.LastIndex()
	if !ok {
		return
	}

	for idx := last; idx > r.status.CommitIndex; idx-- {
		item, err := r.getLogItem(idx)
		if err != nil || item.Term != r.status.Term {
			continue
		}
		if r.hasQuorumAt(idx) {
			candidate = idx
			break
		}
	}

	if candidate > r.status.CommitIndex {
		r.status.CommitIndex = candidate
		go r.applyCommitted()
	}
}

func (r *Raft) hasQuorumAt(idx uint64) bool {
	oldQ, newQ := r.jointQuorumSizes()
	oldCount, newCount := 0, 0
	for id, m := range r.members {
		if m.Type != raftpb.VoterMember {
			continue
		}
		matched := m.MatchIndex >= idx
		if id == r.cfg.LocalID {
			matched = true
		}
		if matched {
			oldCount++
		}
	}
	if r.jointMode {
		for id, m := range r.preparedMembers {
			if m.Type != raftpb.VoterMember {
				continue
			}
			matched := m.MatchIndex >= idx
			if id == r.cfg.LocalID {
				matched = true
			}
			if matched {
				newCount++
			}
		}
	}
	if oldCount < oldQ {
		return false
	}
	if newQ > 0 && newCount < newQ {
		return false
	}
	return true
}

// applyCommitted runs every not-yet-applied, committed entry through the
// FSM in order, and wakes any Propose/ProposeConfChange callers waiting
// on that index (spec.md §4.2 "Apply loop").
func (r *Raft) applyCommitted() {
	r.mu.Lock()
	commit := r.status.CommitIndex
	applied := r.appliedIndex.Get()
	r.mu.Unlock()

	for idx := applied + 1; idx <= commit; idx++ {
		item, err := r.getLogItem(idx)
		if err != nil {
			log.Errorf("raftstate: group %d: apply loop: reading index %d: %v", r.cfg.GroupID, idx, err)
			return
		}

		var applyErr error
		switch item.Type {
		case raftpb.ItemNormal:
			r.cfg.FSM.Apply(item.Body)
		case raftpb.ItemConfigChange:
			applyErr = r.applyConfigChange(item)
		case raftpb.ItemNoOp:
		}

		r.appliedIndex.Set(idx)
		r.bus.Broadcast(idx, applyErr)
	}
}

func changeIDHeader(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}
