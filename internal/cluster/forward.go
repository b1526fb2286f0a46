package cluster

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// HeartbeatHandler answers a ScheduleJob call from this node's own
// node-shard heartbeat loop (in-process; see clusterhost). It is not yet
// wired to a peer-facing gRPC method — that would need a new
// ClusterService RPC alongside ForwardApply/Enroll/Broadcast.
type HeartbeatHandler interface {
	RunHeartbeat(ctx context.Context) error
}

// SetHeartbeatHandler injects the callback the cluster server would drive
// a remote-triggered heartbeat through, once that RPC surface exists.
func (s *Server) SetHeartbeatHandler(h HeartbeatHandler) {
	s.heartbeatHandler = h
}

// forwardApply handles the ForwardApply RPC on the leader.
// Followers call this to proxy scheduler-state writes through the leader's raft.Apply().
func (s *Server) forwardApply(ctx context.Context, req *ForwardApplyRequest) (*ForwardApplyResponse, error) {
	if s.applyFn == nil {
		return nil, status.Error(codes.Unavailable, "apply function not configured")
	}
	if err := s.applyFn(ctx, req.GetCommand()); err != nil {
		return nil, status.Errorf(codes.Internal, "apply: %v", err)
	}
	return &ForwardApplyResponse{}, nil
}

// clusterServiceDesc is a manually-defined gRPC ServiceDesc for
// gastrolog.v1.ClusterService. It is registered by hand, against plain
// Go request/response types (see messages.go and codec.go), rather than
// generated from a .proto source this repo doesn't carry.
var clusterServiceDesc = grpc.ServiceDesc{
	ServiceName: "gastrolog.v1.ClusterService",
	HandlerType: (*clusterServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ForwardApply",
			Handler:    forwardApplyHandler,
		},
		{
			MethodName: "Enroll",
			Handler:    enrollRPCHandler,
		},
		{
			MethodName: "Broadcast",
			Handler:    broadcastHandler,
		},
	},
}

// clusterServiceServer is the interface the gRPC runtime uses for type-checking.
type clusterServiceServer interface {
	forwardApply(context.Context, *ForwardApplyRequest) (*ForwardApplyResponse, error)
	enroll(context.Context, *EnrollRequest) (*EnrollResponse, error)
	broadcast(context.Context, *BroadcastRequest) (*BroadcastResponse, error)
}

func forwardApplyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &ForwardApplyRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.forwardApply(ctx, req)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/gastrolog.v1.ClusterService/ForwardApply",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.forwardApply(ctx, req.(*ForwardApplyRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func registerClusterService(s *grpc.Server, srv *Server) {
	s.RegisterService(&clusterServiceDesc, srv)
}

// ForwardApplyClient is a client for the ForwardApply RPC.
type ForwardApplyClient struct {
	cc grpc.ClientConnInterface
}

// NewForwardApplyClient creates a client bound to a connection.
func NewForwardApplyClient(cc grpc.ClientConnInterface) *ForwardApplyClient {
	return &ForwardApplyClient{cc: cc}
}

// ForwardApply sends a config command to the leader.
func (c *ForwardApplyClient) ForwardApply(ctx context.Context, req *ForwardApplyRequest) (*ForwardApplyResponse, error) {
	out := &ForwardApplyResponse{}
	if err := c.cc.Invoke(ctx, "/gastrolog.v1.ClusterService/ForwardApply", req, out, grpc.CallContentSubtype(msgpackCodecName)); err != nil {
		return nil, err
	}
	return out, nil
}
