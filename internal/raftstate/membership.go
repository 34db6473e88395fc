package raftstate

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/shardkit/raft/internal/log"
	"github.com/shardkit/raft/internal/raftpb"
)

// ProposeConfChange drives a membership change through the two-phase
// joint-consensus protocol: PrepareJoint installs Cold,new and requires
// both the old and new quorums to agree on anything (including the
// commit that follows); CommitJoint then replaces the configuration with
// Cnew alone (spec.md §4.4 "Joint consensus").
func (r *Raft) ProposeConfChange(ctx context.Context, t raftpb.ConfigChangeType, members []raftpb.Member) error {
	if r.started.False() {
		return ErrStopped
	}

	r.mu.Lock()
	if r.status.Role != Leader {
		r.mu.Unlock()
		return ErrNotLeader
	}
	r.mu.Unlock()

	cc := &raftpb.ConfigChange{Type: t, Members: members}
	item := &raftpb.LogItem{
		Type:   raftpb.ItemConfigChange,
		Body:   cc.Marshal(),
		Header: changeIDHeader(r.nextChangeID()),
	}

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

// applyConfigChange is invoked from the apply loop once a config-change
// entry commits; it mutates the live membership table, never log state.
func (r *Raft) applyConfigChange(item *raftpb.LogItem) error {
	var cc raftpb.ConfigChange
	if err := cc.Unmarshal(item.Body); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// newly joining members get a grace-period lastAck so CheckQuorum
	// doesn't trip before the first replicateTo round has had a chance to
	// reach them.
	now := time.Now()

	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddObserver:
		for _, m := range cc.Members {
			typ := raftpb.VoterMember
			if cc.Type == raftpb.ConfChangeAddObserver {
				typ = raftpb.ObserverMember
			}
			r.members[m.ID] = &Member{ID: m.ID, Address: m.Address, Type: typ, NextIndex: item.Index + 1, lastAck: now}
		}

	case raftpb.ConfChangeRemoveNode:
		for _, m := range cc.Members {
			delete(r.members, m.ID)
		}

	case raftpb.ConfChangePrepareJoint:
		r.preparedMembers = make(map[uint64]*Member, len(cc.Members))
		for _, m := range cc.Members {
			r.preparedMembers[m.ID] = &Member{ID: m.ID, Address: m.Address, Type: m.Type, NextIndex: item.Index + 1, lastAck: now}
		}
		r.jointMode = true
		log.Infof("raftstate: group %d entered joint consensus (%d new members)", r.cfg.GroupID, len(cc.Members))

	case raftpb.ConfChangeCommitJoint:
		if r.jointMode {
			r.members = r.preparedMembers
			r.preparedMembers = nil
			r.jointMode = false
			log.Infof("raftstate: group %d committed joint consensus, %d members", r.cfg.GroupID, len(r.members))
		}
	}

	return nil
}

// HandlePing processes a peer's liveness/membership RPC: it bumps that
// member's ping epoch, which IsReadyForPromotion reads, and stamps its
// last-seen time (spec.md §4.5 "Member manager"). Quorum counting does
// not consult the ping epoch.
func (r *Raft) HandlePing(p *raftpb.RaftPing) {
	r.mu.Lock()
	m, ok := r.members[p.NodeID]
	if !ok {
		r.mu.Unlock()
		return
	}
	m.pingEpoch++
	m.lastSeen = time.Now().UnixNano()
	localFp := r.membershipFingerprintLocked()
	r.mu.Unlock()

	if localFp != membershipFingerprint(p.MemberIDs, p.ObserverIDs) {
		log.Warnf("raftstate: group %d: member %x reports a membership view that diverges from ours", r.cfg.GroupID, p.NodeID)
	}
}

// IsReadyForPromotion reports whether at least one RaftPing has been
// received from member id, the readiness gate PromoteMember consults
// before turning an observer into a voter. No connection epoch is
// tracked, so a ping received before a reconnect still counts.
func (r *Raft) IsReadyForPromotion(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	return ok && m.pingEpoch > 0
}

// membershipFingerprintLocked hashes the locally known (voter, observer)
// id sets into one comparable value, so a RaftPing's advertised sets can
// be checked for a match without a linear id-by-id scan (spec.md §4.5
// "Member manager").
func (r *Raft) membershipFingerprintLocked() uint64 {
	var voters, observers []uint64
	for id, m := range r.members {
		if m.Type == raftpb.ObserverMember {
			observers = append(observers, id)
		} else {
			voters = append(voters, id)
		}
	}
	return membershipFingerprint(voters, observers)
}

func membershipFingerprint(memberIDs, observerIDs []uint64) uint64 {
	voters := append([]uint64(nil), memberIDs...)
	observers := append([]uint64(nil), observerIDs...)
	sort.Slice(voters, func(i, j int) bool { return voters[i] < voters[j] })
	sort.Slice(observers, func(i, j int) bool { return observers[i] < observers[j] })

	h := xxhash.New()
	var buf [8]byte
	for _, id := range voters {
		binary.BigEndian.PutUint64(buf[:], id)
		h.Write(buf[:])
	}
	h.Write([]byte{0xff})
	for _, id := range observers {
		binary.BigEndian.PutUint64(buf[:], id)
		h.Write(buf[:])
	}
	return h.Sum64()
}

// LinearizableRead blocks until it is safe to read committed state with
// linearizable semantics: the leader confirms it still holds a quorum of
// acknowledgements as of the call (a "fake" readIndex round implemented
// as a zero-length heartbeat whose acks are awaited), then waits for the
// local apply loop to catch up to that point (spec.md §4.2 "Linearizable
// reads").
func (r *Raft) LinearizableRead(ctx context.Context, retryAfter time.Duration) error {
	if r.started.False() {
		return ErrStopped
	}

	r.mu.Lock()
	if r.status.Role != Leader {
		r.mu.Unlock()
		return ErrNoLeader
	}
	readIndex := r.status.CommitIndex
	peers := r.votingPeersLocked()
	term := r.status.Term
	r.mu.Unlock()

	if !r.confirmQuorum(ctx, peers, term, retryAfter) {
		return ErrNoLeader
	}

	for {
		if r.appliedIndex.Get() >= readIndex {
			return nil
		}
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// confirmQuorum sends one heartbeat round to every peer and waits for
// enough acknowledgements (honoring joint-consensus dual quorum) before
// retryAfter elapses, retrying until ctx is done.
func (r *Raft) confirmQuorum(ctx context.Context, peers []*Member, term uint32, retryAfter time.Duration) bool {
	for {
		mu := &lockedSet{m: map[uint64]bool{r.cfg.LocalID: true}}

		done := make(chan struct{}, len(peers))
		for _, p := range peers {
			go func(p *Member) {
				defer func() { done <- struct{}{} }()
				cctx, cancel := context.WithTimeout(ctx, retryAfter)
				defer cancel()
				resp, err := r.cfg.Transport.SendAppendEntries(cctx, p.Address, &raftpb.AppendEntriesReq{
					GroupID: r.cfg.GroupID, Term: term, LeaderID: uint32(r.cfg.LocalID),
				})
				if err != nil || !resp.Success {
					return
				}
				mu.set(p.ID)
			}(p)
		}
		for range peers {
			<-done
		}

		r.mu.Lock()
		oldQ, newQ := r.jointQuorumSizes()
		oldCount, newCount := 0, 0
		for id := range r.members {
			if mu.get(id) {
				oldCount++
			}
		}
		if r.jointMode {
			for id := range r.preparedMembers {
				if mu.get(id) {
					newCount++
				}
			}
		}
		stillLeader := r.status.Role == Leader && r.status.Term == term
		r.mu.Unlock()

		if !stillLeader {
			return false
		}
		if oldCount >= oldQ && (newQ == 0 || newCount >= newQ) {
			return true
		}

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return false
		}
	}
}

// lockedSet is a tiny goroutine-safe bool set, local to confirmQuorum.
type lockedSet struct {
	mu sync.Mutex
	m  map[uint64]bool
}

func (s *lockedSet) set(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = true
}

func (s *lockedSet) get(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[id]
}
