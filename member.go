package raft

import (
	"time"

	"github.com/shardkit/raft/internal/raftpb"
	"github.com/shardkit/raft/internal/raftstate"
)

// MemberType distinguishes a voting member from a non-voting observer
// (spec.md §4.5 "Member manager").
type MemberType = raftpb.MemberType

const (
	VoterMember   = raftpb.VoterMember
	ObserverMember = raftpb.ObserverMember
)

// RawMember is the wire/API shape used to add, update, or describe a
// cluster member.
type RawMember struct {
	ID      uint64
	Address string
	Type    MemberType
}

// Member describes one member of the raft group from the local node's
// point of view.
type Member interface {
	ID() uint64
	Address() string
	Type() MemberType
	IsActive() bool
	ActiveSince() time.Time
	Raw() RawMember
}

// member adapts an internal/raftstate.Member into the public Member
// interface.
type member struct {
	m        raftstate.Member
	isLocal  bool
	activeAfter time.Duration
}

func newMember(m raftstate.Member, localID uint64, activeAfter time.Duration) Member {
	return &member{m: m, isLocal: m.ID == localID, activeAfter: activeAfter}
}

func (m *member) ID() uint64           { return m.m.ID }
func (m *member) Address() string      { return m.m.Address }
func (m *member) Type() MemberType     { return m.m.Type }

func (m *member) ActiveSince() time.Time {
	return m.m.LastSeen()
}

func (m *member) IsActive() bool {
	if m.isLocal {
		return true
	}
	since := m.m.LastSeen()
	if since.IsZero() {
		return false
	}
	return time.Since(since) <= m.activeAfter
}

func (m *member) Raw() RawMember {
	return RawMember{ID: m.m.ID, Address: m.m.Address, Type: m.m.Type}
}
