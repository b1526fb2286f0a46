package datanodepb

import (
	"context"

	"google.golang.org/grpc"
)

// serviceDesc is a manually-defined gRPC ServiceDesc for
// clusternode.datanode.v1.DataNodeService — hand-written the same way
// internal/cluster/forward.go's clusterServiceDesc stands in for a
// protoc-gen-go-grpc output this repo has no .proto source to produce.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "clusternode.datanode.v1.DataNodeService",
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartChunk", Handler: startChunkHandler},
		{MethodName: "PutBlocks", Handler: putBlocksHandler},
		{MethodName: "FlushBlocks", Handler: flushBlocksHandler},
		{MethodName: "SendBlocks", Handler: sendBlocksHandler},
		{MethodName: "PingSession", Handler: pingSessionHandler},
		{MethodName: "CancelChunk", Handler: cancelChunkHandler},
		{MethodName: "FinishChunk", Handler: finishChunkHandler},
		{MethodName: "GetBlockSet", Handler: getBlockSetHandler},
		{MethodName: "GetBlockRange", Handler: getBlockRangeHandler},
		{MethodName: "GetChunkMeta", Handler: getChunkMetaHandler},
	},
}

// Register attaches the data node service to srv.
func Register(srv *grpc.Server, svc *Service) {
	srv.RegisterService(&serviceDesc, svc)
}

func startChunkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &StartChunkRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Service)
	if interceptor == nil {
		resp, err := s.startChunk(ctx, req)
		return resp, toStatus(err)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/clusternode.datanode.v1.DataNodeService/StartChunk"}
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := s.startChunk(ctx, req.(*StartChunkRequest))
		return resp, toStatus(err)
	}
	return interceptor(ctx, req, info, handler)
}

func putBlocksHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &PutBlocksRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Service)
	if interceptor == nil {
		resp, err := s.putBlocks(ctx, req)
		return resp, toStatus(err)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/clusternode.datanode.v1.DataNodeService/PutBlocks"}
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := s.putBlocks(ctx, req.(*PutBlocksRequest))
		return resp, toStatus(err)
	}
	return interceptor(ctx, req, info, handler)
}

func flushBlocksHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &FlushBlocksRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Service)
	if interceptor == nil {
		resp, err := s.flushBlocks(ctx, req)
		return resp, toStatus(err)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/clusternode.datanode.v1.DataNodeService/FlushBlocks"}
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := s.flushBlocks(ctx, req.(*FlushBlocksRequest))
		return resp, toStatus(err)
	}
	return interceptor(ctx, req, info, handler)
}

func sendBlocksHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &SendBlocksRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Service)
	if interceptor == nil {
		resp, err := s.sendBlocks(ctx, req)
		return resp, toStatus(err)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/clusternode.datanode.v1.DataNodeService/SendBlocks"}
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := s.sendBlocks(ctx, req.(*SendBlocksRequest))
		return resp, toStatus(err)
	}
	return interceptor(ctx, req, info, handler)
}

func pingSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &PingSessionRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Service)
	if interceptor == nil {
		resp, err := s.pingSession(ctx, req)
		return resp, toStatus(err)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/clusternode.datanode.v1.DataNodeService/PingSession"}
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := s.pingSession(ctx, req.(*PingSessionRequest))
		return resp, toStatus(err)
	}
	return interceptor(ctx, req, info, handler)
}

func cancelChunkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &CancelChunkRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Service)
	if interceptor == nil {
		resp, err := s.cancelChunk(ctx, req)
		return resp, toStatus(err)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/clusternode.datanode.v1.DataNodeService/CancelChunk"}
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := s.cancelChunk(ctx, req.(*CancelChunkRequest))
		return resp, toStatus(err)
	}
	return interceptor(ctx, req, info, handler)
}

func finishChunkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &FinishChunkRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Service)
	if interceptor == nil {
		resp, err := s.finishChunk(ctx, req)
		return resp, toStatus(err)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/clusternode.datanode.v1.DataNodeService/FinishChunk"}
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := s.finishChunk(ctx, req.(*FinishChunkRequest))
		return resp, toStatus(err)
	}
	return interceptor(ctx, req, info, handler)
}

func getBlockSetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &GetBlockSetRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Service)
	if interceptor == nil {
		resp, err := s.getBlockSet(ctx, req)
		return resp, toStatus(err)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/clusternode.datanode.v1.DataNodeService/GetBlockSet"}
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := s.getBlockSet(ctx, req.(*GetBlockSetRequest))
		return resp, toStatus(err)
	}
	return interceptor(ctx, req, info, handler)
}

func getBlockRangeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &GetBlockRangeRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Service)
	if interceptor == nil {
		resp, err := s.getBlockRange(ctx, req)
		return resp, toStatus(err)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/clusternode.datanode.v1.DataNodeService/GetBlockRange"}
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := s.getBlockRange(ctx, req.(*GetBlockRangeRequest))
		return resp, toStatus(err)
	}
	return interceptor(ctx, req, info, handler)
}

func getChunkMetaHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &GetChunkMetaRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*Service)
	if interceptor == nil {
		resp, err := s.getChunkMeta(ctx, req)
		return resp, toStatus(err)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/clusternode.datanode.v1.DataNodeService/GetChunkMeta"}
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := s.getChunkMeta(ctx, req.(*GetChunkMetaRequest))
		return resp, toStatus(err)
	}
	return interceptor(ctx, req, info, handler)
}
