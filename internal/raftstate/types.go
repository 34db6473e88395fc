// Package raftstate implements the Raft state machine: vote processing,
// log replication, commit advancement, joint-consensus membership change,
// and linearizable reads, running as fibers on top of internal/fiber and
// durable log/status state on top of internal/logstore.
package raftstate

import (
	"time"

	"github.com/shardkit/raft/internal/raftpb"
)

// Role is the node's current position in the Raft state machine.
type Role int

const (
	Follower Role = iota
	PreCandidate
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case PreCandidate:
		return "pre-candidate"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a group's Raft state, returned by
// Raft.Status (spec.md §4.3/§4.4 summaries).
type Status struct {
	ID          uint64
	Term        uint32
	Role        Role
	Leader      uint64
	CommitIndex uint64
	LastApplied uint64
	LastIndex   uint64
}

// Member tracks one raft peer from the leader's perspective: its
// replication cursors and its most recently observed liveness epoch
// (spec.md §4.5 "Member manager").
type Member struct {
	ID      uint64
	Address string
	Type    raftpb.MemberType

	NextIndex  uint64
	MatchIndex uint64

	// pingEpoch is bumped every time a RaftPing is received from this
	// member; IsReadyForPromotion treats any non-zero value as ready. It
	// has no time bound, and quorum counting does not read it.
	pingEpoch uint64
	lastSeen  int64 // unix nanos, monotonic enough for liveness comparisons

	// lastAck is the leader-local time of this member's most recent
	// AppendEntries response (success or rejection — either proves the
	// peer is reachable), consulted by quorumActiveLocked for CheckQuorum.
	lastAck time.Time
}

func (m *Member) clone() *Member {
	c := *m
	return &c
}

// LastSeen returns the wall-clock time of the most recent RaftPing
// received from this member, or the zero Time if none has arrived yet.
func (m Member) LastSeen() time.Time {
	if m.lastSeen == 0 {
		return time.Time{}
	}
	return time.Unix(0, m.lastSeen)
}
