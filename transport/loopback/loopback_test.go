package loopback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardkit/raft/internal/raftpb"
)

type stubHandler struct {
	lastVote *raftpb.VoteReq
	voteResp *raftpb.VoteResp
	pings    []*raftpb.RaftPing
}

func (s *stubHandler) HandleVote(req *raftpb.VoteReq) *raftpb.VoteResp {
	s.lastVote = req
	return s.voteResp
}

func (s *stubHandler) HandleAppendEntries(req *raftpb.AppendEntriesReq) *raftpb.AppendEntriesResp {
	return &raftpb.AppendEntriesResp{Term: req.Term, Success: true}
}

func (s *stubHandler) HandleInstallSnapshot(req *raftpb.InstallSnapshotReq) *raftpb.InstallSnapshotResp {
	return &raftpb.InstallSnapshotResp{Term: req.Term, Success: true}
}

func (s *stubHandler) HandlePing(p *raftpb.RaftPing) {
	s.pings = append(s.pings, p)
}

func TestTransportDispatchesToRegisteredHandler(t *testing.T) {
	net := NewNetwork()
	h := &stubHandler{voteResp: &raftpb.VoteResp{Term: 4, VoteGranted: true}}
	net.Register("node-1", h)

	tr := NewTransport(net)
	resp, err := tr.SendVote(context.Background(), "node-1", &raftpb.VoteReq{GroupID: 1, Term: 4, CandidateID: 2})
	require.NoError(t, err)
	require.True(t, resp.VoteGranted)
	require.Equal(t, uint32(2), h.lastVote.CandidateID)
}

func TestTransportUnregisteredAddressErrors(t *testing.T) {
	net := NewNetwork()
	tr := NewTransport(net)
	_, err := tr.SendVote(context.Background(), "ghost", &raftpb.VoteReq{})
	require.Error(t, err)
}

func TestTransportPartitionBlocksThenHeals(t *testing.T) {
	net := NewNetwork()
	h := &stubHandler{}
	net.Register("node-1", h)
	net.Partition("node-1")

	tr := NewTransport(net)
	err := tr.SendPing(context.Background(), "node-1", &raftpb.RaftPing{GroupID: 1, NodeID: 1})
	require.Error(t, err)
	require.Empty(t, h.pings)

	net.Heal("node-1")
	err = tr.SendPing(context.Background(), "node-1", &raftpb.RaftPing{GroupID: 1, NodeID: 1})
	require.NoError(t, err)
	require.Len(t, h.pings, 1)
}
