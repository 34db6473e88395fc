package raft

import (
	"context"
	"fmt"

	"github.com/shardkit/raft/internal/fiber"
	"github.com/shardkit/raft/internal/log"
	"github.com/shardkit/raft/internal/raftpb"
	"github.com/shardkit/raft/internal/raftstate"
)

// Node is a single raft group running on this process: its state
// machine, durable log, and the Cluster surface for membership and
// leadership operations.
type Node struct {
	cfg     *config
	raft    *raftstate.Raft
	cluster *cluster
}

// New constructs a Node for one raft group, identified by groupID and
// this process's localID/address within it. fsm receives committed
// commands; opts configure timing, durability, and transport.
func New(groupID uint32, localID uint64, address string, fsm StateMachine, opts ...Option) (*Node, error) {
	if fsm == nil {
		panic("raft: cannot create node from nil state machine")
	}

	cfg := newConfig(groupID, localID, address, opts...)
	cfg.fsm = fsm

	if cfg.pool == nil {
		cfg.pool = fiber.NewPool(1)
	}

	r, err := raftstate.New(cfg.raftstateConfig())
	if err != nil {
		return nil, fmt.Errorf("raft: %w", err)
	}

	n := &Node{cfg: cfg, raft: r}
	n.cluster = &cluster{node: n, raft: r, activeWindow: cfg.activeWindow}
	return n, nil
}

// Start bootstraps the group's membership (if any StartOption supplies
// one) and launches its election-timeout fiber.
func (n *Node) Start(opts ...StartOption) error {
	sc := new(startConfig)
	sc.apply(opts...)

	members, err := sc.resolveMembers()
	if err != nil {
		return err
	}
	if len(members) > 0 {
		n.raft.Bootstrap(members)
	}

	log.Infof("raft: starting group %d as %x@%s", n.cfg.groupID, n.cfg.localID, n.cfg.address)
	return n.raft.Start()
}

// Close shuts the node's group down; raftstate.Raft.Close combines every
// teardown error (fiber group, msgbus, log store) into one.
func (n *Node) Close() error {
	return n.raft.Close()
}

// Cluster returns the membership/leadership control surface for this
// node's group.
func (n *Node) Cluster() Cluster {
	return n.cluster
}

// Propose replicates data through the group's committed log and applies
// it to the state machine; it blocks until committed or ctx is done.
func (n *Node) Propose(ctx context.Context, data []byte) error {
	return n.raft.Propose(ctx, data)
}

// Status returns a point-in-time snapshot of this group's Raft state.
func (n *Node) Status() raftstate.Status {
	return n.raft.Status()
}

// GroupID reports the raft group this node belongs to; Routers keyed by
// group id (transport/grpc.Router) dispatch to HandleXxx using this.
func (n *Node) GroupID() uint32 { return n.cfg.groupID }

// HandleVote, HandleAppendEntries, HandleInstallSnapshot and HandlePing
// satisfy transport/grpc.GroupHandler and transport/loopback.Handler,
// letting a Node be registered directly with either transport's router.
func (n *Node) HandleVote(req *raftpb.VoteReq) *raftpb.VoteResp {
	return n.raft.HandleVote(req)
}

func (n *Node) HandleAppendEntries(req *raftpb.AppendEntriesReq) *raftpb.AppendEntriesResp {
	return n.raft.HandleAppendEntries(req)
}

func (n *Node) HandleInstallSnapshot(req *raftpb.InstallSnapshotReq) *raftpb.InstallSnapshotResp {
	return n.raft.HandleInstallSnapshot(req)
}

func (n *Node) HandlePing(p *raftpb.RaftPing) {
	n.raft.HandlePing(p)
}
