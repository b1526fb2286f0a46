// Package datanodepb is the data node's wire protocol (§6): StartChunk,
// PutBlocks, FlushBlocks, SendBlocks, FinishChunk, PingSession,
// CancelChunk, GetBlockSet, GetBlockRange, and GetChunkMeta. Like
// internal/cluster, this repo has no .proto source to generate these
// stubs from, so the request/response shapes below are hand-written Go
// structs carried over a msgpack codec (see codec.go) instead of
// protoc-gen-go output — the gRPC ServiceDesc/MethodDesc wiring in
// grpc.go is the same hand-rolled pattern internal/cluster uses for
// ForwardApply/Enroll/Broadcast.
package datanodepb

// StartChunkRequest begins a write session for a chunk id the caller has
// already minted. ObjectType is carried explicitly even though it is also
// embedded in the id's tag byte, so a server can reject a request whose
// declared type disagrees with the type parsed from the id.
type StartChunkRequest struct {
	SessionID  string
	ObjectType byte
}

type StartChunkResponse struct{}

// PutBlocksRequest carries the block payloads inline in the request
// message; blocks are not sent as separate transport attachments, and
// there is no blob side-channel in this transport.
type PutBlocksRequest struct {
	SessionID       string
	FirstBlockIndex uint64
	Blocks          [][]byte
	EnableCaching   bool
}

type PutBlocksResponse struct{}

type FlushBlocksRequest struct {
	SessionID  string
	BlockIndex uint64
}

type FlushBlocksResponse struct{}

// SendBlocksRequest replicates a contiguous run of received blocks
// to a peer data node, identified by the same NodeID/Address pair
// blobsession.TargetDescriptor carries.
type SendBlocksRequest struct {
	SessionID       string
	FirstBlockIndex uint64
	BlockCount      uint64
	TargetNodeID    string
	TargetAddress   string
}

type SendBlocksResponse struct{}

type PingSessionRequest struct {
	SessionID string
}

type PingSessionResponse struct{}

type CancelChunkRequest struct {
	SessionID string
	Reason    string
}

type CancelChunkResponse struct{}

type FinishChunkRequest struct {
	SessionID  string
	Attributes map[string]string
	BlockCount uint64
}

// FinishChunkResponse is the chunkInfo §6 calls for: just enough of
// chunkstore.Entry for a caller to know where the chunk landed and how
// big it is, without leaking the server-local *location.Location pointer.
type FinishChunkResponse struct {
	ChunkID  string
	DiskSize int64
	Sealed   bool
}

type GetBlockSetRequest struct {
	ChunkID       string
	Indexes       []uint64
	PopulateCache bool
}

type GetBlockSetResponse struct {
	Blocks [][]byte
}

type GetBlockRangeRequest struct {
	ChunkID       string
	FirstIndex    uint64
	Count         uint64
	PopulateCache bool
}

type GetBlockRangeResponse struct {
	Blocks [][]byte
}

type GetChunkMetaRequest struct {
	ChunkID       string
	ExtensionTags []string
}

type GetChunkMetaResponse struct {
	Attributes map[string]string
	BlockSizes []uint32
}
