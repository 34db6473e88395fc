package raftstate

import (
	"context"
	"time"

	"github.com/shardkit/raft/internal/log"
	"github.com/shardkit/raft/internal/logstore"
	"github.com/shardkit/raft/internal/raftpb"
)

// startElection runs the candidacy protocol: an optional pre-vote round
// to avoid disrupting a live cluster, then the real vote round that
// actually advances the term (spec.md §4.3 "Leader election",
// "Pre-vote").
func (r *Raft) startElection() {
	r.mu.Lock()
	if r.status.Role == Leader {
		r.mu.Unlock()
		return
	}
	lastIndex, lastTerm := r.lastLogIndexTermLocked()
	peers := r.votingPeersLocked()
	groupID := r.cfg.GroupID
	localID := r.cfg.LocalID
	preVote := r.cfg.PreVote
	r.mu.Unlock()

	if preVote {
		req := &raftpb.VoteReq{
			GroupID:      groupID,
			Term:         r.Status().Term + 1,
			CandidateID:  uint32(localID),
			LastLogIndex: lastIndex,
			LastLogTerm:  lastTerm,
			PreVote:      true,
		}
		if !r.runVoteRound(req, peers) {
			log.Debugf("raftstate: group %d pre-vote failed, staying follower", groupID)
			return
		}
	}

	r.mu.Lock()
	if r.status.Role == Leader {
		r.mu.Unlock()
		return
	}
	r.status.Term++
	r.votedFor = localID
	r.status.Role = Candidate
	term := r.status.Term
	r.mu.Unlock()

	if err := r.persistStatus(); err != nil {
		log.Errorf("raftstate: group %d: persisting vote: %v", groupID, err)
		return
	}

	req := &raftpb.VoteReq{
		GroupID:      groupID,
		Term:         term,
		CandidateID:  uint32(localID),
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	if r.runVoteRound(req, peers) {
		r.becomeLeader(term)
	} else {
		log.Debugf("raftstate: group %d lost election for term %d", groupID, term)
	}
}

// runVoteRound fans req out to every peer and reports whether a quorum
// (of both halves, during joint consensus) granted the vote. It also
// steps down to follower the moment any response reveals a newer term.
func (r *Raft) runVoteRound(req *raftpb.VoteReq, peers []*Member) bool {
	type result struct {
		id      uint64
		granted bool
		term    uint32
	}

	results := make(chan result, len(peers))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, p := range peers {
		go func(p *Member) {
			resp, err := r.cfg.Transport.SendVote(ctx, p.Address, req)
			if err != nil {
				results <- result{id: p.ID}
				return
			}
			results <- result{id: p.ID, granted: resp.VoteGranted, term: resp.Term}
		}(p)
	}

	granted := map[uint64]bool{r.cfg.LocalID: true}
	for i := 0; i < len(peers); i++ {
		res := <-results
		if res.term > req.Term {
			r.stepDownIfNewerTerm(res.term)
			return false
		}
		if res.granted {
			granted[res.id] = true
		}
	}

	r.mu.Lock()
	oldQ, newQ := r.jointQuorumSizes()
	oldGranted, newGranted := 0, 0
	for id := range r.members {
		if granted[id] {
			oldGranted++
		}
	}
	if r.jointMode {
		for id := range r.preparedMembers {
			if granted[id] {
				newGranted++
			}
		}
	}
	r.mu.Unlock()

	if oldGranted < oldQ {
		return false
	}
	if newQ > 0 && newGranted < newQ {
		return false
	}
	return true
}

// stepDownIfNewerTerm reverts to follower and persists the newer term
// whenever an RPC reply or request reveals one (spec.md §4.3 "Term
// advancement"). A caller blocked in Propose/ProposeConfChange on this
// group's leadership is woken immediately with ErrNotLeader instead of
// waiting out its own context deadline.
func (r *Raft) stepDownIfNewerTerm(term uint32) bool {
	r.mu.Lock()
	if term <= r.status.Term {
		r.mu.Unlock()
		return false
	}
	wasLeader := r.status.Role == Leader
	r.status.Term = term
	r.status.Role = Follower
	r.status.Leader = 0
	r.votedFor = 0
	r.mu.Unlock()

	if err := r.persistStatus(); err != nil {
		log.Errorf("raftstate: group %d: persisting stepdown term: %v", r.cfg.GroupID, err)
	}
	r.resetElectionDeadline()
	if wasLeader {
		r.bus.BroadcastToAll(ErrNotLeader)
	}
	return true
}

// stepDownForLostQuorum demotes the leader to follower, without bumping
// the term, when CheckQuorum is enabled and no quorum of voters has
// acknowledged within the lease horizon (spec.md §4.3 "Leaders step down
// on loss of quorum heartbeats within the lease horizon").
func (r *Raft) stepDownForLostQuorum() {
	r.mu.Lock()
	if r.status.Role != Leader {
		r.mu.Unlock()
		return
	}
	r.status.Role = Follower
	r.status.Leader = 0
	r.mu.Unlock()

	if err := r.persistStatus(); err != nil {
		log.Errorf("raftstate: group %d: persisting quorum-loss stepdown: %v", r.cfg.GroupID, err)
	}
	r.resetElectionDeadline()
	r.bus.BroadcastToAll(ErrNotLeader)
}

func (r *Raft) becomeLeader(term uint32) {
	r.mu.Lock()
	if r.status.Term != term || r.status.Role != Candidate {
		r.mu.Unlock()
		return
	}
	r.status.Role = Leader
	r.status.Leader = r.cfg.LocalID
	last, _ := r.store.LastIndex()
	now := time.Now()
	for id, m := range r.members {
		if id == r.cfg.LocalID {
			continue
		}
		m.NextIndex = last + 1
		m.MatchIndex = 0
		// grace period: a fresh leader hasn't heard from anyone yet, but
		// shouldn't immediately trip the CheckQuorum lease check either.
		m.lastAck = now
	}
	r.mu.Unlock()

	log.Infof("raftstate: group %d became leader for term %d", r.cfg.GroupID, term)
	r.resetElectionDeadline()

	// commit a no-op entry so readIndex/commit-advancement can rely on a
	// current-term entry existing immediately (spec.md §4.3 "current-term
	// only" commit rule).
	noop := &raftpb.LogItem{Type: raftpb.ItemNoOp, Term: term, Header: []byte{0}}
	r.appendLocalNoWait(noop)

	r.group.FireFiber(r.heartbeatStep)
	r.broadcastAppendEntries()
}

// HandleVote processes an incoming RequestVote/pre-vote RPC (spec.md §4.3
// "Vote processing", "Vote-grant predicate").
func (r *Raft) HandleVote(req *raftpb.VoteReq) *raftpb.VoteResp {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.Term < r.status.Term {
		return &raftpb.VoteResp{Term: r.status.Term, VoteGranted: false}
	}

	if !req.PreVote && req.Term > r.status.Term {
		r.status.Term = req.Term
		r.status.Role = Follower
		r.votedFor = 0
		if err := r.persistStatusLocked(); err != nil {
			log.Errorf("raftstate: group %d: persisting term bump: %v", r.cfg.GroupID, err)
		}
	}

	lastIndex, lastTerm := r.lastLogIndexTermLocked()
	logOK := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	canVote := req.PreVote ||
		r.votedFor == 0 ||
		r.votedFor == uint64(req.CandidateID)

	granted := logOK && canVote && req.Term >= r.status.Term

	if granted && !req.PreVote {
		r.votedFor = uint64(req.CandidateID)
		if err := r.persistStatusLocked(); err != nil {
			log.Errorf("raftstate: group %d: persisting vote grant: %v", r.cfg.GroupID, err)
			granted = false
		} else {
			r.resetElectionDeadlineLocked()
		}
	}

	return &raftpb.VoteResp{Term: r.status.Term, VoteGranted: granted}
}

func (r *Raft) resetElectionDeadlineLocked() {
	r.lastContact = time.Now()
	r.electionEpoch++
}

func (r *Raft) lastLogIndexTermLocked() (uint64, uint32) {
	idx, ok := r.store.LastIndex()
	if !ok {
		return 0, 0
	}
	item, err := r.store.Get(idx)
	if err != nil {
		return idx, 0
	}
	return idx, item.Term
}

// memberOrPreparedLocked resolves id against the live membership table
// first, falling back to the joint-consensus prepared set: a member that
// exists only in Cnew (not yet in r.members) still needs a real NextIndex/
// MatchIndex/lastAck to replicate to and to count towards the new quorum
// in hasQuorumAt/quorumActiveLocked (spec.md §4.4 "Joint consensus").
func (r *Raft) memberOrPreparedLocked(id uint64) *Member {
	if m, ok := r.members[id]; ok {
		return m
	}
	if r.jointMode {
		return r.preparedMembers[id]
	}
	return nil
}

func (r *Raft) votingPeersLocked() []*Member {
	var peers []*Member
	for id, m := range r.members {
		if id == r.cfg.LocalID || m.Type != raftpb.VoterMember {
			continue
		}
		peers = append(peers, m.clone())
	}
	if r.jointMode {
		for id, m := range r.preparedMembers {
			if id == r.cfg.LocalID || m.Type != raftpb.VoterMember {
				continue
			}
			if _, already := r.members[id]; already {
				continue
			}
			peers = append(peers, m.clone())
		}
	}
	return peers
}

func (r *Raft) persistStatus() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistStatusLocked()
}

func (r *Raft) persistStatusLocked() error {
	return r.store.WriteStatus(logstore.Status{CurrentTerm: r.status.Term, VotedFor: r.votedFor})
}
