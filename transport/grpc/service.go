package grpc

import (
	"context"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/shardkit/raft/internal/raftpb"
)

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// GroupHandler resolves incoming RPCs to the raftstate.Raft instance for
// the addressed group; a Router returns one per locally hosted group, and
// the root package's Node satisfies it.
type GroupHandler interface {
	HandleVote(req *raftpb.VoteReq) *raftpb.VoteResp
	HandleAppendEntries(req *raftpb.AppendEntriesReq) *raftpb.AppendEntriesResp
	HandleInstallSnapshot(req *raftpb.InstallSnapshotReq) *raftpb.InstallSnapshotResp
	HandlePing(p *raftpb.RaftPing)
}

// Router resolves a group id to its locally hosted handler.
type Router interface {
	Group(id uint32) (GroupHandler, bool)
}

// Server implements the hand-registered raft gRPC service, dispatching
// each RPC to the handler of the group it names.
type Server struct {
	router Router
}

// NewServer returns a Server that dispatches to router.
func NewServer(router Router) *Server {
	return &Server{router: router}
}

// Register attaches the raft service to gs using the hand-built
// ServiceDesc below instead of protoc-generated registration glue.
func (s *Server) Register(gs *gogrpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) vote(ctx context.Context, req *raftpb.VoteReq) (*raftpb.VoteResp, error) {
	h, ok := s.router.Group(req.GroupID)
	if !ok {
		return &raftpb.VoteResp{}, errUnknownGroup(req.GroupID)
	}
	return h.HandleVote(req), nil
}

func (s *Server) appendEntries(ctx context.Context, req *raftpb.AppendEntriesReq) (*raftpb.AppendEntriesResp, error) {
	h, ok := s.router.Group(req.GroupID)
	if !ok {
		return &raftpb.AppendEntriesResp{}, errUnknownGroup(req.GroupID)
	}
	return h.HandleAppendEntries(req), nil
}

func (s *Server) installSnapshot(ctx context.Context, req *raftpb.InstallSnapshotReq) (*raftpb.InstallSnapshotResp, error) {
	h, ok := s.router.Group(req.GroupID)
	if !ok {
		return &raftpb.InstallSnapshotResp{}, errUnknownGroup(req.GroupID)
	}
	return h.HandleInstallSnapshot(req), nil
}

func (s *Server) ping(ctx context.Context, p *raftpb.RaftPing) (*raftpb.RaftPing, error) {
	h, ok := s.router.Group(p.GroupID)
	if !ok {
		return p, errUnknownGroup(p.GroupID)
	}
	h.HandlePing(p)
	return p, nil
}

func errUnknownGroup(id uint32) error {
	return &unknownGroupError{id: id}
}

type unknownGroupError struct{ id uint32 }

func (e *unknownGroupError) Error() string {
	return "transport/grpc: no locally hosted group with that id"
}

var serviceDesc = gogrpc.ServiceDesc{
	ServiceName: "raftkit.Raft",
	HandlerType: (*any)(nil),
	Methods: []gogrpc.MethodDesc{
		{MethodName: "Vote", Handler: voteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []gogrpc.StreamDesc{},
	Metadata: "raft.proto",
}

func voteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor gogrpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raftpb.VoteReq)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.vote(ctx, req)
	}
	info := &gogrpc.UnaryServerInfo{Server: s, FullMethod: "/raftkit.Raft/Vote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.vote(ctx, req.(*raftpb.VoteReq))
	}
	return interceptor(ctx, req, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor gogrpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raftpb.AppendEntriesReq)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.appendEntries(ctx, req)
	}
	info := &gogrpc.UnaryServerInfo{Server: s, FullMethod: "/raftkit.Raft/AppendEntries"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.appendEntries(ctx, req.(*raftpb.AppendEntriesReq))
	}
	return interceptor(ctx, req, info, handler)
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor gogrpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raftpb.InstallSnapshotReq)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.installSnapshot(ctx, req)
	}
	info := &gogrpc.UnaryServerInfo{Server: s, FullMethod: "/raftkit.Raft/InstallSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.installSnapshot(ctx, req.(*raftpb.InstallSnapshotReq))
	}
	return interceptor(ctx, req, info, handler)
}

func pingHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor gogrpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raftpb.RaftPing)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.ping(ctx, req)
	}
	info := &gogrpc.UnaryServerInfo{Server: s, FullMethod: "/raftkit.Raft/Ping"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.ping(ctx, req.(*raftpb.RaftPing))
	}
	return interceptor(ctx, req, info, handler)
}
