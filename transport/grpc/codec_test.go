package grpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardkit/raft/internal/raftpb"
)

func TestRawCodecRoundTripsVoteReq(t *testing.T) {
	var c rawCodec
	req := &raftpb.VoteReq{GroupID: 3, Term: 7, CandidateID: 9, LastLogIndex: 42, LastLogTerm: 6, PreVote: true}

	data, err := c.Marshal(req)
	require.NoError(t, err)

	got := new(raftpb.VoteReq)
	require.NoError(t, c.Unmarshal(data, got))
	require.Equal(t, req.GroupID, got.GroupID)
	require.Equal(t, req.Term, got.Term)
	require.Equal(t, req.CandidateID, got.CandidateID)
	require.Equal(t, req.LastLogIndex, got.LastLogIndex)
	require.Equal(t, req.LastLogTerm, got.LastLogTerm)
	require.Equal(t, req.PreVote, got.PreVote)
}

func TestRawCodecRejectsNonWireMessage(t *testing.T) {
	var c rawCodec
	_, err := c.Marshal("not a wire message")
	require.Error(t, err)

	var dst int
	err = c.Unmarshal([]byte{0x01}, &dst)
	require.Error(t, err)
}

func TestRawCodecName(t *testing.T) {
	var c rawCodec
	require.Equal(t, "raftraw", c.Name())
}
