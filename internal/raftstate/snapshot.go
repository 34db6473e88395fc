package raftstate

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/shardkit/raft/internal/log"
	"github.com/shardkit/raft/internal/raftpb"
)

// MaybeSnapshot triggers FSM.Snapshot and a log reclaim once the applied
// index has advanced SnapshotInterval entries past the last snapshot,
// mirroring the daemon's periodic "snapIndex" bookkeeping (spec.md §4.4
// "Snapshot install", retention policy).
func (r *Raft) MaybeSnapshot() error {
	applied := r.appliedIndex.Get()

	r.mu.Lock()
	last := r.lastSnapIndex
	r.mu.Unlock()

	if applied < last+r.cfg.SnapshotInterval {
		return nil
	}

	rd, err := r.cfg.FSM.Snapshot()
	if err != nil {
		return err
	}
	_ = rd // the FSM-level byte stream is handed to callers via Transport's
	// InstallSnapshot path on demand; this engine only needs to know a
	// snapshot boundary was taken so it can reclaim log segments.

	if err := r.store.ReclaimBefore(applied); err != nil {
		return err
	}

	r.mu.Lock()
	r.lastSnapIndex = applied
	r.mu.Unlock()

	log.Infof("raftstate: group %d snapshotted and reclaimed log through index %d", r.cfg.GroupID, applied)
	return nil
}

// HandleInstallSnapshot applies a leader-sent snapshot chunk. A single
// non-chunked transfer (Done=true on the first and only message) is the
// common case; chunking is accepted but buffered in memory, since groups
// in this engine are sized for the fixed-size-segment log rather than
// enormous state machines.
func (r *Raft) HandleInstallSnapshot(req *raftpb.InstallSnapshotReq) *raftpb.InstallSnapshotResp {
	r.mu.Lock()
	if req.Term < r.status.Term {
		term := r.status.Term
		r.mu.Unlock()
		return &raftpb.InstallSnapshotResp{Term: term, Success: false}
	}
	r.snapBuf = append(r.snapBuf, req.Data...)
	done := req.Done
	term := r.status.Term
	r.mu.Unlock()

	r.resetElectionDeadline()

	if !done {
		return &raftpb.InstallSnapshotResp{Term: term, Success: true}
	}

	data := r.snapBuf
	r.mu.Lock()
	r.snapBuf = nil
	r.mu.Unlock()

	if err := r.cfg.FSM.Restore(bytes.NewReader(data)); err != nil {
		log.Errorf("raftstate: group %d: restoring snapshot: %v", r.cfg.GroupID, err)
		return &raftpb.InstallSnapshotResp{Term: term, Success: false}
	}

	r.appliedIndex.Set(req.LastIncludedIndex)
	r.mu.Lock()
	r.status.CommitIndex = req.LastIncludedIndex
	r.lastSnapIndex = req.LastIncludedIndex
	r.mu.Unlock()

	return &raftpb.InstallSnapshotResp{Term: term, Success: true}
}

// sendSnapshot streams the FSM's current snapshot to a peer in a single
// chunk, used when replicateTo discovers a peer's nextIndex has already
// been reclaimed out of the log.
func (r *Raft) sendSnapshot(ctx context.Context, peer *Member, term uint32) error {
	rd, err := r.cfg.FSM.Snapshot()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		return err
	}

	r.mu.Lock()
	lastIndex := r.appliedIndex.Get()
	lastTerm := r.status.Term
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := r.cfg.Transport.SendInstallSnapshot(cctx, peer.Address, &raftpb.InstallSnapshotReq{
		GroupID:           r.cfg.GroupID,
		Term:              term,
		LeaderID:          uint32(r.cfg.LocalID),
		LastIncludedIndex: lastIndex,
		LastIncludedTerm:  lastTerm,
		Data:              data,
		Done:              true,
	})
	if err != nil {
		return err
	}
	if resp.Term > term {
		r.stepDownIfNewerTerm(resp.Term)
		return nil
	}
	if resp.Success {
		r.mu.Lock()
		if m := r.members[peer.ID]; m != nil {
			m.MatchIndex = lastIndex
			m.NextIndex = lastIndex + 1
		}
		r.mu.Unlock()
	}
	return nil
}
