package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shardkit/raft/internal/raftpb"
	"github.com/shardkit/raft/internal/raftstate"
)

var errNotLeader = errors.New("raft: operation not permitted, node is not the leader")

// Cluster is the membership and leadership control surface for a
// group's Node.
type Cluster interface {
	AddMember(ctx context.Context, raw *RawMember) error
	RemoveMember(ctx context.Context, id uint64) error
	PromoteMember(ctx context.Context, id uint64) error
	UpdateMember(ctx context.Context, raw *RawMember) error
	LinearizableRead(ctx context.Context) error
	CreateSnapshot() (io.Reader, error)
	GetMember(id uint64) (Member, bool)
	Members() []Member
	IsAvailable() bool
	IsMember(id uint64) bool
	LongestActive() (Member, error)
	AddressInUse(addr string) uint64
	Whoami() uint64
	Leader() uint64
}

type cluster struct {
	node         *Node
	raft         *raftstate.Raft
	activeWindow time.Duration
}

func (c *cluster) AddMember(ctx context.Context, raw *RawMember) error {
	err := c.precondition(
		addressInUse(raw.ID, raw.Address),
		idInUse(raw.ID),
		noLeader(),
		available(),
	)
	if err != nil {
		return err
	}

	ct := raftpb.ConfChangeAddNode
	if raw.Type == ObserverMember {
		ct = raftpb.ConfChangeAddObserver
	}

	return c.raft.ProposeConfChange(ctx, ct, []raftpb.Member{{ID: raw.ID, Address: raw.Address, Type: raw.Type}})
}

func (c *cluster) RemoveMember(ctx context.Context, id uint64) error {
	err := c.precondition(
		notMember(id),
		rmLeader(id),
		noLeader(),
		available(),
	)
	if err != nil {
		return err
	}

	m, _ := c.GetMember(id)
	raw := m.Raw()
	return c.raft.ProposeConfChange(ctx, raftpb.ConfChangeRemoveNode, []raftpb.Member{{ID: raw.ID, Address: raw.Address, Type: raw.Type}})
}

func (c *cluster) UpdateMember(ctx context.Context, raw *RawMember) error {
	err := c.precondition(
		notMember(raw.ID),
		addressInUse(raw.ID, raw.Address),
		noLeader(),
		available(),
	)
	if err != nil {
		return err
	}

	m, _ := c.GetMember(raw.ID)
	raw.Type = m.Type()

	ct := raftpb.ConfChangeAddNode
	if raw.Type == ObserverMember {
		ct = raftpb.ConfChangeAddObserver
	}
	return c.raft.ProposeConfChange(ctx, ct, []raftpb.Member{{ID: raw.ID, Address: raw.Address, Type: raw.Type}})
}

func (c *cluster) PromoteMember(ctx context.Context, id uint64) error {
	err := c.precondition(
		notMember(id),
		noLeader(),
		available(),
		notReady(id),
	)
	if err != nil {
		return err
	}

	m, _ := c.GetMember(id)
	if m.Type() != ObserverMember {
		return fmt.Errorf("raft: member %x is not an observer", id)
	}

	raw := m.Raw()
	raw.Type = VoterMember
	return c.raft.ProposeConfChange(ctx, raftpb.ConfChangeAddNode, []raftpb.Member{{ID: raw.ID, Address: raw.Address, Type: raw.Type}})
}

func (c *cluster) LinearizableRead(ctx context.Context) error {
	err := c.precondition(noLeader(), available())
	if err != nil {
		return err
	}
	return c.raft.LinearizableRead(ctx, 10*time.Millisecond)
}

func (c *cluster) CreateSnapshot() (io.Reader, error) {
	return c.raft.Snapshot()
}

func (c *cluster) GetMember(id uint64) (Member, bool) {
	m, ok := c.raft.GetMember(id)
	if !ok {
		return nil, false
	}
	return newMember(m, c.raft.LocalID(), c.activeWindow), true
}

func (c *cluster) Members() []Member {
	raw := c.raft.Members()
	out := make([]Member, 0, len(raw))
	for _, m := range raw {
		out = append(out, newMember(m, c.raft.LocalID(), c.activeWindow))
	}
	return out
}

func (c *cluster) IsMember(id uint64) bool {
	_, ok := c.raft.GetMember(id)
	return ok
}

func (c *cluster) AddressInUse(addr string) uint64 {
	for _, m := range c.Members() {
		if m.Address() == addr {
			return m.ID()
		}
	}
	return 0
}

func (c *cluster) IsAvailable() bool {
	members := c.Members()
	voters := 0
	active := 0
	for _, m := range members {
		if m.Type() != VoterMember {
			continue
		}
		voters++
		if m.IsActive() {
			active++
		}
	}
	return active >= voters/2+1
}

func (c *cluster) LongestActive() (Member, error) {
	var (
		longest     Member
		longestTime time.Time
	)

	for _, m := range c.Members() {
		since := m.ActiveSince()
		if since.IsZero() || m.ID() == c.Whoami() {
			continue
		}
		if longest == nil || since.Before(longestTime) {
			longest = m
			longestTime = since
		}
	}

	if longest == nil {
		return nil, errors.New("raft: failed to find longest active member")
	}
	return longest, nil
}

func (c *cluster) Whoami() uint64 {
	return c.raft.Status().ID
}

func (c *cluster) Leader() uint64 {
	return c.raft.Status().Leader
}

func (c *cluster) precondition(fns ...func(c *cluster) error) error {
	for _, fn := range fns {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func available() func(c *cluster) error {
	return func(c *cluster) error {
		if !c.IsAvailable() {
			return fmt.Errorf("raft: quorum lost and the cluster unavailable, no new logs can be committed")
		}
		return nil
	}
}

func notMember(id uint64) func(c *cluster) error {
	return func(c *cluster) error {
		if !c.IsMember(id) {
			return fmt.Errorf("raft: unknown member %x", id)
		}
		return nil
	}
}

func addressInUse(mid uint64, addr string) func(c *cluster) error {
	return func(c *cluster) error {
		id := c.AddressInUse(addr)
		if id != 0 && id != mid {
			return fmt.Errorf("raft: address used by member %x", id)
		}
		return nil
	}
}

func rmLeader(id uint64) func(c *cluster) error {
	return func(c *cluster) error {
		if id == c.Leader() {
			return fmt.Errorf("raft: member %x is the leader and cannot be removed, transfer leadership first", id)
		}
		return nil
	}
}

func idInUse(id uint64) func(c *cluster) error {
	return func(c *cluster) error {
		if id == 0 {
			return nil
		}
		if _, ok := c.GetMember(id); ok {
			return fmt.Errorf("raft: id used by member %x", id)
		}
		return nil
	}
}

func notReady(id uint64) func(c *cluster) error {
	return func(c *cluster) error {
		if !c.raft.IsReadyForPromotion(id) {
			return fmt.Errorf("raft: member %x has not completed a ping since joining, not ready for promotion", id)
		}
		return nil
	}
}

func noLeader() func(c *cluster) error {
	return func(c *cluster) error {
		if c.Leader() == 0 {
			return raftstate.ErrNoLeader
		}
		return nil
	}
}
