package datanodepb

import (
	"context"
	"fmt"
	"sync"

	"clusternode/internal/blobsession"
	"clusternode/internal/chunkid"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls another data node's DataNodeService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req, out any) error {
	return c.cc.Invoke(ctx, "/clusternode.datanode.v1.DataNodeService/"+method, req, out, grpc.CallContentSubtype(msgpackCodecName))
}

func (c *Client) StartChunk(ctx context.Context, req *StartChunkRequest) (*StartChunkResponse, error) {
	out := &StartChunkResponse{}
	return out, c.invoke(ctx, "StartChunk", req, out)
}

func (c *Client) PutBlocks(ctx context.Context, req *PutBlocksRequest) (*PutBlocksResponse, error) {
	out := &PutBlocksResponse{}
	return out, c.invoke(ctx, "PutBlocks", req, out)
}

func (c *Client) FlushBlocks(ctx context.Context, req *FlushBlocksRequest) (*FlushBlocksResponse, error) {
	out := &FlushBlocksResponse{}
	return out, c.invoke(ctx, "FlushBlocks", req, out)
}

func (c *Client) SendBlocks(ctx context.Context, req *SendBlocksRequest) (*SendBlocksResponse, error) {
	out := &SendBlocksResponse{}
	return out, c.invoke(ctx, "SendBlocks", req, out)
}

func (c *Client) PingSession(ctx context.Context, req *PingSessionRequest) (*PingSessionResponse, error) {
	out := &PingSessionResponse{}
	return out, c.invoke(ctx, "PingSession", req, out)
}

func (c *Client) CancelChunk(ctx context.Context, req *CancelChunkRequest) (*CancelChunkResponse, error) {
	out := &CancelChunkResponse{}
	return out, c.invoke(ctx, "CancelChunk", req, out)
}

func (c *Client) FinishChunk(ctx context.Context, req *FinishChunkRequest) (*FinishChunkResponse, error) {
	out := &FinishChunkResponse{}
	return out, c.invoke(ctx, "FinishChunk", req, out)
}

func (c *Client) GetBlockSet(ctx context.Context, req *GetBlockSetRequest) (*GetBlockSetResponse, error) {
	out := &GetBlockSetResponse{}
	return out, c.invoke(ctx, "GetBlockSet", req, out)
}

func (c *Client) GetBlockRange(ctx context.Context, req *GetBlockRangeRequest) (*GetBlockRangeResponse, error) {
	out := &GetBlockRangeResponse{}
	return out, c.invoke(ctx, "GetBlockRange", req, out)
}

func (c *Client) GetChunkMeta(ctx context.Context, req *GetChunkMetaRequest) (*GetChunkMetaResponse, error) {
	out := &GetChunkMetaResponse{}
	return out, c.invoke(ctx, "GetChunkMeta", req, out)
}

// PeerForwarder implements blobsession.Forwarder by replaying blocks
// through a peer data node's own PutBlocks RPC — the same wire operation
// a primary-writing client would have called, just re-issued node-to-node.
// Connections are dialed lazily per target address and cached for reuse,
// mirroring internal/cluster.PeerConns' per-address pooling without
// needing raft.Configuration to know the peer set up front.
type PeerForwarder struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewPeerForwarder creates an empty forwarder; connections are dialed on
// first use.
func NewPeerForwarder() *PeerForwarder {
	return &PeerForwarder{conns: make(map[string]*grpc.ClientConn)}
}

func (f *PeerForwarder) conn(address string) (*grpc.ClientConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cc, ok := f.conns[address]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial data node %s: %w", address, err)
	}
	f.conns[address] = cc
	return cc, nil
}

// ForwardBlocks implements blobsession.Forwarder.
func (f *PeerForwarder) ForwardBlocks(ctx context.Context, target blobsession.TargetDescriptor, chunkID chunkid.ID, firstIndex uint64, blocks [][]byte) error {
	cc, err := f.conn(target.Address)
	if err != nil {
		return err
	}
	client := NewClient(cc)
	_, err = client.PutBlocks(ctx, &PutBlocksRequest{
		SessionID:       chunkID.String(),
		FirstBlockIndex: firstIndex,
		Blocks:          blocks,
	})
	return err
}

// Close closes every pooled connection.
func (f *PeerForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first error
	for addr, cc := range f.conns {
		if err := cc.Close(); err != nil && first == nil {
			first = err
		}
		delete(f.conns, addr)
	}
	return first
}
