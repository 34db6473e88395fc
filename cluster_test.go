package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardkit/raft/internal/fiber"
	"github.com/shardkit/raft/transport/loopback"
)

// threeNodeCluster wires three nodes onto one loopback network and
// bootstraps them all with the same static membership, mirroring how a
// real deployment would start from a peers.yaml file.
func threeNodeCluster(t *testing.T) (net *loopback.Network, pool *fiber.Pool, nodes map[uint64]*Node) {
	t.Helper()
	net = loopback.NewNetwork()
	pool = fiber.NewPool(2)

	members := []RawMember{
		{ID: 1, Address: "node-1", Type: VoterMember},
		{ID: 2, Address: "node-2", Type: VoterMember},
		{ID: 3, Address: "node-3", Type: VoterMember},
	}

	nodes = make(map[uint64]*Node, 3)
	for _, m := range members {
		n := newTestNode(t, net, pool, m.ID, m.Address, &memKV{})
		nodes[m.ID] = n
	}
	for _, n := range nodes {
		require.NoError(t, n.Start(WithBootstrapMembers(members...)))
	}
	return net, pool, nodes
}

func closeCluster(nodes map[uint64]*Node, pool *fiber.Pool) {
	for _, n := range nodes {
		n.Close()
	}
	pool.Close()
}

func awaitLeader(t *testing.T, nodes map[uint64]*Node) *Node {
	t.Helper()
	var leader *Node
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.Status().Role.String() == "leader" {
				leader = n
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return leader
}

func TestThreeNodeClusterElectsASingleLeader(t *testing.T) {
	net, pool, nodes := threeNodeCluster(t)
	defer closeCluster(nodes, pool)
	_ = net

	leader := awaitLeader(t, nodes)
	require.NotNil(t, leader)

	leaders := 0
	term := leader.Status().Term
	for _, n := range nodes {
		if n.Status().Role.String() == "leader" {
			leaders++
		}
		require.Equal(t, term, n.Status().Term, "every node should observe the same term once settled")
	}
	require.Equal(t, 1, leaders)
}

func TestThreeNodeClusterReplicatesProposals(t *testing.T) {
	net, pool, nodes := threeNodeCluster(t)
	defer closeCluster(nodes, pool)
	_ = net

	leader := awaitLeader(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, leader.Propose(ctx, []byte("cmd-1")))

	for id, n := range nodes {
		require.Eventually(t, func() bool {
			fsm := n.cfg.fsm.(*memKV)
			fsm.mu.Lock()
			defer fsm.mu.Unlock()
			return len(fsm.log) == 1
		}, time.Second, 5*time.Millisecond, "member %x never applied the committed entry", id)
	}
}

func TestThreeNodeClusterAddMemberJoinsAsObserver(t *testing.T) {
	net, pool, nodes := threeNodeCluster(t)
	defer closeCluster(nodes, pool)

	leader := awaitLeader(t, nodes)

	fourth := newTestNode(t, net, pool, 4, "node-4", &memKV{})
	defer fourth.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw := &RawMember{ID: 4, Address: "node-4", Type: ObserverMember}
	require.NoError(t, leader.Cluster().AddMember(ctx, raw))

	require.Eventually(t, func() bool {
		m, ok := leader.Cluster().GetMember(4)
		return ok && m.Type() == ObserverMember
	}, time.Second, 5*time.Millisecond)
}

func TestThreeNodeClusterLinearizableReadRequiresLeader(t *testing.T) {
	net, pool, nodes := threeNodeCluster(t)
	defer closeCluster(nodes, pool)
	_ = net

	leader := awaitLeader(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, leader.Cluster().LinearizableRead(ctx))

	var follower *Node
	for _, n := range nodes {
		if n != leader {
			follower = n
			break
		}
	}
	require.NotNil(t, follower)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	err := follower.Cluster().LinearizableRead(ctx2)
	require.Error(t, err)
}
