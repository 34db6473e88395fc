package grpc

import (
	"context"
	"sync"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/shardkit/raft/internal/raftpb"
)

// Transport implements raftstate.Transport over grpc.ClientConn, dialing
// and caching one connection per peer address.
type Transport struct {
	mu    sync.Mutex
	conns map[string]*gogrpc.ClientConn

	dialOpts []gogrpc.DialOption
}

// NewTransport returns a Transport ready to dial peers. Extra dial
// options (TLS creds, interceptors) can be supplied by callers that need
// more than the default insecure credentials.
func NewTransport(opts ...gogrpc.DialOption) *Transport {
	return &Transport{
		conns:    make(map[string]*gogrpc.ClientConn),
		dialOpts: opts,
	}
}

func (t *Transport) connFor(addr string) (*gogrpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cc, ok := t.conns[addr]; ok {
		return cc, nil
	}

	opts := append([]gogrpc.DialOption{
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithDefaultCallOptions(gogrpc.CallContentSubtype(rawCodec{}.Name())),
	}, t.dialOpts...)

	cc, err := gogrpc.Dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	t.conns[addr] = cc
	return cc, nil
}

func (t *Transport) SendVote(ctx context.Context, addr string, req *raftpb.VoteReq) (*raftpb.VoteResp, error) {
	cc, err := t.connFor(addr)
	if err != nil {
		return nil, err
	}
	resp := new(raftpb.VoteResp)
	if err := cc.Invoke(ctx, "/raftkit.Raft/Vote", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *Transport) SendAppendEntries(ctx context.Context, addr string, req *raftpb.AppendEntriesReq) (*raftpb.AppendEntriesResp, error) {
	cc, err := t.connFor(addr)
	if err != nil {
		return nil, err
	}
	resp := new(raftpb.AppendEntriesResp)
	if err := cc.Invoke(ctx, "/raftkit.Raft/AppendEntries", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *Transport) SendInstallSnapshot(ctx context.Context, addr string, req *raftpb.InstallSnapshotReq) (*raftpb.InstallSnapshotResp, error) {
	cc, err := t.connFor(addr)
	if err != nil {
		return nil, err
	}
	resp := new(raftpb.InstallSnapshotResp)
	if err := cc.Invoke(ctx, "/raftkit.Raft/InstallSnapshot", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *Transport) SendPing(ctx context.Context, addr string, ping *raftpb.RaftPing) error {
	cc, err := t.connFor(addr)
	if err != nil {
		return err
	}
	resp := new(raftpb.RaftPing)
	return cc.Invoke(ctx, "/raftkit.Raft/Ping", ping, resp)
}

// Close tears down every cached peer connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for addr, cc := range t.conns {
		if err := cc.Close(); err != nil && first == nil {
			first = err
		}
		delete(t.conns, addr)
	}
	return first
}
