package raftpb

import "google.golang.org/protobuf/encoding/protowire"

// MemberType distinguishes voting members from observers and tracks
// removal, mirroring the teacher's raftpb.MemberType enum.
type MemberType uint8

const (
	VoterMember MemberType = iota
	ObserverMember
	RemovedMember
)

// Member is one entry of a raft group's membership, carried inside
// config-change log items.
type Member struct {
	ID      uint64
	Address string
	Type    MemberType
}

const (
	fMemberID      = 1
	fMemberAddress = 2
	fMemberType    = 3
)

func (m *Member) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fMemberID, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, m.ID)
	b = protowire.AppendTag(b, fMemberAddress, protowire.BytesType)
	b = protowire.AppendString(b, m.Address)
	b = protowire.AppendTag(b, fMemberType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	return b
}

func (m *Member) Unmarshal(b []byte) error {
	return walkFields(b, func(num int32, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fMemberID:
			m.ID = val
		case fMemberAddress:
			m.Address = string(raw)
		case fMemberType:
			m.Type = MemberType(val)
		}
		return nil
	})
}

// ConfigChangeType distinguishes the joint-consensus phases from plain
// add/remove (spec.md §4.3 "Joint consensus").
type ConfigChangeType uint8

const (
	ConfChangeAddNode ConfigChangeType = iota
	ConfChangeRemoveNode
	ConfChangeAddObserver
	ConfChangePrepareJoint // installs preparedMembers (Cold,new)
	ConfChangeCommitJoint  // replaces members with preparedMembers (Cnew)
)

// ConfigChange is the payload of an ItemConfigChange LogItem.
type ConfigChange struct {
	Type    ConfigChangeType
	Members []Member
}

const (
	fCCType    = 1
	fCCMembers = 2
)

func (c *ConfigChange) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fCCType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Type))
	for _, m := range c.Members {
		b = protowire.AppendTag(b, fCCMembers, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Marshal())
	}
	return b
}

func (c *ConfigChange) Unmarshal(b []byte) error {
	return walkFields(b, func(num int32, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fCCType:
			c.Type = ConfigChangeType(val)
		case fCCMembers:
			var m Member
			if err := m.Unmarshal(raw); err != nil {
				return err
			}
			c.Members = append(c.Members, m)
		}
		return nil
	})
}
