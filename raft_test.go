package raft

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardkit/raft/internal/fiber"
	"github.com/shardkit/raft/transport/loopback"
)

// memKV is a trivial append-only state machine used to exercise Propose
// and snapshot round trips in tests.
type memKV struct {
	mu  sync.Mutex
	log [][]byte
}

func (m *memKV) Apply(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, append([]byte(nil), data...))
}

func (m *memKV) Snapshot() (io.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var buf bytes.Buffer
	for _, e := range m.log {
		buf.Write(e)
		buf.WriteByte('\n')
	}
	return &buf, nil
}

func (m *memKV) Restore(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	return nil
}

func newTestNode(t *testing.T, net *loopback.Network, pool *fiber.Pool, id uint64, addr string, fsm StateMachine) *Node {
	t.Helper()
	n, err := New(1, id, addr, fsm,
		WithStateDir(t.TempDir()),
		WithSegmentSize(4096),
		WithPool(pool),
		WithTransport(loopback.NewTransport(net)),
		WithPreVote(),
		WithElectionTimeout(20*time.Millisecond, 40*time.Millisecond),
		WithHeartbeatInterval(5*time.Millisecond),
	)
	require.NoError(t, err)
	net.Register(addr, n)
	return n
}

func TestSingleNodeElectsItselfAndCommits(t *testing.T) {
	net := loopback.NewNetwork()
	pool := fiber.NewPool(1)
	defer pool.Close()

	fsm := &memKV{}
	n := newTestNode(t, net, pool, 1, "node-1", fsm)
	defer n.Close()

	require.NoError(t, n.Start(WithBootstrapMembers(RawMember{ID: 1, Address: "node-1", Type: VoterMember})))

	require.Eventually(t, func() bool {
		return n.Status().Role.String() == "leader"
	}, time.Second, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, n.Propose(ctx, []byte("hello")))

	require.Eventually(t, func() bool {
		fsm.mu.Lock()
		defer fsm.mu.Unlock()
		return len(fsm.log) == 1
	}, time.Second, 2*time.Millisecond)
}

func TestClusterWhoamiAndLeaderBeforeElection(t *testing.T) {
	net := loopback.NewNetwork()
	pool := fiber.NewPool(1)
	defer pool.Close()

	n := newTestNode(t, net, pool, 7, "node-7", &memKV{})
	defer n.Close()

	require.Equal(t, uint64(7), n.Cluster().Whoami())
	require.Equal(t, uint64(0), n.Cluster().Leader())
}
