package raftpb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers for the RPC messages summarized in spec.md §6. Kept
// as plain constants rather than a .proto file since this module frames
// messages directly with protowire instead of running protoc.
const (
	fVoteGroupID       = 1
	fVoteTerm          = 2
	fVoteCandidateID   = 3
	fVoteLastLogIndex  = 4
	fVoteLastLogTerm   = 5
	fVotePreVote       = 6

	fVoteRespTerm    = 1
	fVoteRespGranted = 2

	fAEGroupID       = 1
	fAETerm          = 2
	fAELeaderID      = 3
	fAEPrevLogIndex  = 4
	fAEPrevLogTerm   = 5
	fAELeaderCommit  = 6
	fAEEntries       = 7

	fAERespTerm             = 1
	fAERespSuccess          = 2
	fAERespSuggestNextIndex = 3
	fAERespSuggestTerm      = 4

	fISGroupID           = 1
	fISTerm              = 2
	fISLeaderID          = 3
	fISLastIncludedIndex = 4
	fISLastIncludedTerm  = 5
	fISOffset            = 6
	fISData              = 7
	fISDone              = 8

	fISRespTerm    = 1
	fISRespSuccess = 2

	fPingGroupID     = 1
	fPingNodeID      = 2
	fPingMemberIDs   = 3
	fPingObserverIDs = 4
)

// VoteReq is the RequestVote/pre-vote RPC request (spec.md §6).
type VoteReq struct {
	GroupID      uint32
	Term         uint32
	CandidateID  uint32
	LastLogIndex uint64
	LastLogTerm  uint32
	PreVote      bool
}

// Marshal encodes v using varint/fixed wire primitives.
func (v *VoteReq) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fVoteGroupID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.GroupID))
	b = protowire.AppendTag(b, fVoteTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Term))
	b = protowire.AppendTag(b, fVoteCandidateID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.CandidateID))
	b = protowire.AppendTag(b, fVoteLastLogIndex, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, v.LastLogIndex)
	b = protowire.AppendTag(b, fVoteLastLogTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.LastLogTerm))
	b = protowire.AppendTag(b, fVotePreVote, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(v.PreVote))
	return b
}

// Unmarshal decodes b into v.
func (v *VoteReq) Unmarshal(b []byte) error {
	return walkFields(b, func(num int32, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fVoteGroupID:
			v.GroupID = uint32(val)
		case fVoteTerm:
			v.Term = uint32(val)
		case fVoteCandidateID:
			v.CandidateID = uint32(val)
		case fVoteLastLogIndex:
			v.LastLogIndex = val
		case fVoteLastLogTerm:
			v.LastLogTerm = uint32(val)
		case fVotePreVote:
			v.PreVote = val != 0
		}
		return nil
	})
}

// VoteResp is the RequestVote/pre-vote RPC reply.
type VoteResp struct {
	Term        uint32
	VoteGranted bool
}

func (v *VoteResp) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fVoteRespTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Term))
	b = protowire.AppendTag(b, fVoteRespGranted, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(v.VoteGranted))
	return b
}

func (v *VoteResp) Unmarshal(b []byte) error {
	return walkFields(b, func(num int32, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fVoteRespTerm:
			v.Term = uint32(val)
		case fVoteRespGranted:
			v.VoteGranted = val != 0
		}
		return nil
	})
}

// AppendEntriesReq carries a leader's replication batch (spec.md §6).
type AppendEntriesReq struct {
	GroupID      uint32
	Term         uint32
	LeaderID     uint32
	PrevLogIndex uint64
	PrevLogTerm  uint32
	LeaderCommit uint64
	Entries      []*LogItem
}

func (a *AppendEntriesReq) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fAEGroupID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.GroupID))
	b = protowire.AppendTag(b, fAETerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Term))
	b = protowire.AppendTag(b, fAELeaderID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.LeaderID))
	b = protowire.AppendTag(b, fAEPrevLogIndex, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, a.PrevLogIndex)
	b = protowire.AppendTag(b, fAEPrevLogTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.PrevLogTerm))
	b = protowire.AppendTag(b, fAELeaderCommit, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, a.LeaderCommit)
	for _, e := range a.Entries {
		frame := e.Encode(nil)
		b = protowire.AppendTag(b, fAEEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, frame)
	}
	return b
}

func (a *AppendEntriesReq) Unmarshal(b []byte) error {
	return walkFields(b, func(num int32, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fAEGroupID:
			a.GroupID = uint32(val)
		case fAETerm:
			a.Term = uint32(val)
		case fAELeaderID:
			a.LeaderID = uint32(val)
		case fAEPrevLogIndex:
			a.PrevLogIndex = val
		case fAEPrevLogTerm:
			a.PrevLogTerm = uint32(val)
		case fAELeaderCommit:
			a.LeaderCommit = val
		case fAEEntries:
			item, _, err := DecodeItem(raw)
			if err != nil {
				return err
			}
			a.Entries = append(a.Entries, item)
		}
		return nil
	})
}

// AppendEntriesResp is the follower's reply, including the conflict hint
// used to fast-forward nextIndex (spec.md §4.3).
type AppendEntriesResp struct {
	Term             uint32
	Success          bool
	SuggestNextIndex uint64
	SuggestTerm      uint32
}

func (a *AppendEntriesResp) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fAERespTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Term))
	b = protowire.AppendTag(b, fAERespSuccess, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(a.Success))
	b = protowire.AppendTag(b, fAERespSuggestNextIndex, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, a.SuggestNextIndex)
	b = protowire.AppendTag(b, fAERespSuggestTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.SuggestTerm))
	return b
}

func (a *AppendEntriesResp) Unmarshal(b []byte) error {
	return walkFields(b, func(num int32, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fAERespTerm:
			a.Term = uint32(val)
		case fAERespSuccess:
			a.Success = val != 0
		case fAERespSuggestNextIndex:
			a.SuggestNextIndex = val
		case fAERespSuggestTerm:
			a.SuggestTerm = uint32(val)
		}
		return nil
	})
}

// InstallSnapshotReq streams a snapshot chunk (spec.md §6).
type InstallSnapshotReq struct {
	GroupID           uint32
	Term              uint32
	LeaderID          uint32
	LastIncludedIndex uint64
	LastIncludedTerm  uint32
	Offset            uint64
	Data              []byte
	Done              bool
}

func (s *InstallSnapshotReq) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fISGroupID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.GroupID))
	b = protowire.AppendTag(b, fISTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Term))
	b = protowire.AppendTag(b, fISLeaderID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.LeaderID))
	b = protowire.AppendTag(b, fISLastIncludedIndex, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, s.LastIncludedIndex)
	b = protowire.AppendTag(b, fISLastIncludedTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.LastIncludedTerm))
	b = protowire.AppendTag(b, fISOffset, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, s.Offset)
	b = protowire.AppendTag(b, fISData, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Data)
	b = protowire.AppendTag(b, fISDone, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(s.Done))
	return b
}

func (s *InstallSnapshotReq) Unmarshal(b []byte) error {
	return walkFields(b, func(num int32, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fISGroupID:
			s.GroupID = uint32(val)
		case fISTerm:
			s.Term = uint32(val)
		case fISLeaderID:
			s.LeaderID = uint32(val)
		case fISLastIncludedIndex:
			s.LastIncludedIndex = val
		case fISLastIncludedTerm:
			s.LastIncludedTerm = uint32(val)
		case fISOffset:
			s.Offset = val
		case fISData:
			s.Data = append([]byte(nil), raw...)
		case fISDone:
			s.Done = val != 0
		}
		return nil
	})
}

// InstallSnapshotResp is the simple ack for a snapshot chunk.
type InstallSnapshotResp struct {
	Term    uint32
	Success bool
}

func (s *InstallSnapshotResp) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fISRespTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Term))
	b = protowire.AppendTag(b, fISRespSuccess, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(s.Success))
	return b
}

func (s *InstallSnapshotResp) Unmarshal(b []byte) error {
	return walkFields(b, func(num int32, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fISRespTerm:
			s.Term = uint32(val)
		case fISRespSuccess:
			s.Success = val != 0
		}
		return nil
	})
}

// RaftPing is the membership handshake/liveness RPC (spec.md §4.5, §6).
type RaftPing struct {
	GroupID     uint32
	NodeID      uint64
	MemberIDs   []uint64
	ObserverIDs []uint64
}

func (p *RaftPing) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fPingGroupID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.GroupID))
	b = protowire.AppendTag(b, fPingNodeID, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, p.NodeID)
	for _, id := range p.MemberIDs {
		b = protowire.AppendTag(b, fPingMemberIDs, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, id)
	}
	for _, id := range p.ObserverIDs {
		b = protowire.AppendTag(b, fPingObserverIDs, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, id)
	}
	return b
}

func (p *RaftPing) Unmarshal(b []byte) error {
	return walkFields(b, func(num int32, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fPingGroupID:
			p.GroupID = uint32(val)
		case fPingNodeID:
			p.NodeID = val
		case fPingMemberIDs:
			p.MemberIDs = append(p.MemberIDs, val)
		case fPingObserverIDs:
			p.ObserverIDs = append(p.ObserverIDs, val)
		}
		return nil
	})
}

func boolToVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// walkFields is the shared protowire decode loop: it dispatches each
// field's tag, wire type, and decoded scalar/bytes payload to fn.
func walkFields(b []byte, fn func(num int32, typ protowire.Type, val uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("raftpb: invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var val uint64
		var raw []byte
		var m int

		switch typ {
		case protowire.VarintType:
			val, m = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			val, m = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v32 uint32
			v32, m = protowire.ConsumeFixed32(b)
			val = uint64(v32)
		case protowire.BytesType:
			raw, m = protowire.ConsumeBytes(b)
		default:
			m = -1
		}

		if m < 0 {
			return fmt.Errorf("raftpb: invalid field %d: %w", num, protowire.ParseError(m))
		}

		if err := fn(int32(num), typ, val, raw); err != nil {
			return err
		}

		b = b[m:]
	}
	return nil
}
