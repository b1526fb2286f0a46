package datanodepb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"clusternode/internal/blobsession"
	"clusternode/internal/chunkid"
	"clusternode/internal/chunkstore"
	"clusternode/internal/dnerrors"
	"clusternode/internal/location"
	"clusternode/internal/logging"
	"clusternode/internal/readpath"
	"clusternode/internal/sessionmgr"
)

// Service implements the ten §6 wire operations against this node's
// sessionmgr.Manager, chunkstore.Registry, and configured locations. It is
// the RPC-facing counterpart of blobsession.Session/readpath.LocalChunkReader
// the way internal/cluster.Server fronts the Raft/forwarding machinery —
// one struct owning the resources, a hand-rolled ServiceDesc (service.go's
// sibling grpc.go) dispatching into its methods.
type Service struct {
	Sessions  *sessionmgr.Manager
	Registry  *chunkstore.Registry
	Locations []*location.Location
	Cache     *readpath.BlockCache // shared block cache for reads; nil disables caching
	logger    *slog.Logger

	mu      sync.Mutex
	readers map[chunkid.ID]*readpath.LocalChunkReader
}

// NewService wires a Service against an already-constructed session
// manager and chunk registry. sessions' Factories must already contain a
// blobsession factory for chunkid.Blob — NewBlobFactory builds one.
func NewService(sessions *sessionmgr.Manager, registry *chunkstore.Registry, locs []*location.Location, cache *readpath.BlockCache, logger *slog.Logger) *Service {
	return &Service{
		Sessions:  sessions,
		Registry:  registry,
		Locations: locs,
		Cache:     cache,
		logger:    logging.Default(logger),
		readers:   make(map[chunkid.ID]*readpath.LocalChunkReader),
	}
}

func parseID(s string) (chunkid.ID, error) {
	id, err := chunkid.Parse(s)
	if err != nil {
		return chunkid.ID{}, dnerrors.New(dnerrors.NoSuchChunk, dnerrors.KindClientContract, err)
	}
	return id, nil
}

// blobSession looks up id's tracked session and asserts it is a
// blobsession.Session — the only Session variant this node's wire surface
// currently drives (journal/erasure sessions would need their own factory
// and their own RPC methods when this data node grows those object types).
func (s *Service) blobSession(id chunkid.ID) (*blobsession.Session, error) {
	sess, ok := s.Sessions.Get(id)
	if !ok {
		return nil, dnerrors.New(dnerrors.NoSuchSession, dnerrors.KindClientContract,
			fmt.Errorf("no session for chunk %s", id))
	}
	bs, ok := sess.(*blobsession.Session)
	if !ok {
		return nil, fmt.Errorf("datanodepb: session %s is not a blob session", id)
	}
	return bs, nil
}

func (s *Service) startChunk(ctx context.Context, req *StartChunkRequest) (*StartChunkResponse, error) {
	id, err := parseID(req.SessionID)
	if err != nil {
		return nil, err
	}
	if id.Type() != chunkid.ObjectType(req.ObjectType) {
		return nil, dnerrors.New(dnerrors.NoSuchSession, dnerrors.KindClientContract,
			fmt.Errorf("session id %s carries object type %s, request declared %s", id, id.Type(), chunkid.ObjectType(req.ObjectType)))
	}
	if _, err := s.Sessions.StartSession(ctx, id, s.Locations); err != nil {
		return nil, err
	}
	return &StartChunkResponse{}, nil
}

func (s *Service) putBlocks(ctx context.Context, req *PutBlocksRequest) (*PutBlocksResponse, error) {
	id, err := parseID(req.SessionID)
	if err != nil {
		return nil, err
	}
	bs, err := s.blobSession(id)
	if err != nil {
		return nil, err
	}
	if err := bs.PutBlocks(ctx, req.FirstBlockIndex, req.Blocks, req.EnableCaching); err != nil {
		return nil, err
	}
	_ = s.Sessions.Touch(id)
	return &PutBlocksResponse{}, nil
}

func (s *Service) flushBlocks(ctx context.Context, req *FlushBlocksRequest) (*FlushBlocksResponse, error) {
	id, err := parseID(req.SessionID)
	if err != nil {
		return nil, err
	}
	bs, err := s.blobSession(id)
	if err != nil {
		return nil, err
	}
	if err := bs.FlushBlocks(ctx, req.BlockIndex); err != nil {
		return nil, err
	}
	_ = s.Sessions.Touch(id)
	return &FlushBlocksResponse{}, nil
}

func (s *Service) sendBlocks(ctx context.Context, req *SendBlocksRequest) (*SendBlocksResponse, error) {
	id, err := parseID(req.SessionID)
	if err != nil {
		return nil, err
	}
	bs, err := s.blobSession(id)
	if err != nil {
		return nil, err
	}
	target := blobsession.TargetDescriptor{NodeID: req.TargetNodeID, Address: req.TargetAddress}
	if err := bs.SendBlocks(ctx, req.FirstBlockIndex, req.BlockCount, target); err != nil {
		return nil, err
	}
	_ = s.Sessions.Touch(id)
	return &SendBlocksResponse{}, nil
}

func (s *Service) pingSession(ctx context.Context, req *PingSessionRequest) (*PingSessionResponse, error) {
	id, err := parseID(req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.Sessions.Touch(id); err != nil {
		return nil, dnerrors.New(dnerrors.NoSuchSession, dnerrors.KindClientContract, err)
	}
	return &PingSessionResponse{}, nil
}

func (s *Service) cancelChunk(ctx context.Context, req *CancelChunkRequest) (*CancelChunkResponse, error) {
	id, err := parseID(req.SessionID)
	if err != nil {
		return nil, err
	}
	reason := fmt.Errorf("datanodepb: cancelled: %s", req.Reason)
	if err := s.Sessions.Terminate(ctx, id, reason); err != nil {
		return nil, err
	}
	return &CancelChunkResponse{}, nil
}

func (s *Service) finishChunk(ctx context.Context, req *FinishChunkRequest) (*FinishChunkResponse, error) {
	id, err := parseID(req.SessionID)
	if err != nil {
		return nil, err
	}
	bs, err := s.blobSession(id)
	if err != nil {
		return nil, err
	}
	entry, err := bs.Finish(ctx, blobsession.ChunkMeta{Attributes: req.Attributes}, req.BlockCount)
	if err != nil {
		return nil, err
	}
	return &FinishChunkResponse{
		ChunkID:  entry.ID.String(),
		DiskSize: entry.DiskSize,
		Sealed:   entry.Sealed,
	}, nil
}

// reader returns the (lazily opened, cached for the process lifetime)
// LocalChunkReader for a sealed chunk. Readers stay open once created;
// they're cheap (an mmap handle plus an offset table) and chunks are
// immutable once registered, so there is no invalidation to track.
func (s *Service) reader(id chunkid.ID) (*readpath.LocalChunkReader, error) {
	s.mu.Lock()
	r, ok := s.readers[id]
	s.mu.Unlock()
	if ok {
		return r, nil
	}

	entry, ok := s.Registry.Lookup(id)
	if !ok {
		return nil, dnerrors.New(dnerrors.NoSuchChunk, dnerrors.KindClientContract,
			fmt.Errorf("chunk %s not registered", id))
	}

	r = readpath.New(id, entry.Location, s.Cache, func(id chunkid.ID, err error) {
		s.logger.Error("chunk reader failed", "chunk", id, "error", err)
		s.mu.Lock()
		delete(s.readers, id)
		s.mu.Unlock()
	})

	s.mu.Lock()
	if existing, ok := s.readers[id]; ok {
		r = existing
	} else {
		s.readers[id] = r
	}
	s.mu.Unlock()
	return r, nil
}

func (s *Service) getBlockSet(ctx context.Context, req *GetBlockSetRequest) (*GetBlockSetResponse, error) {
	id, err := parseID(req.ChunkID)
	if err != nil {
		return nil, err
	}
	r, err := s.reader(id)
	if err != nil {
		return nil, err
	}
	blocks, err := r.ReadBlocks(ctx, req.Indexes, readpath.ReadOptions{PopulateCache: req.PopulateCache})
	if err != nil {
		return nil, err
	}
	return &GetBlockSetResponse{Blocks: blocks}, nil
}

func (s *Service) getBlockRange(ctx context.Context, req *GetBlockRangeRequest) (*GetBlockRangeResponse, error) {
	id, err := parseID(req.ChunkID)
	if err != nil {
		return nil, err
	}
	r, err := s.reader(id)
	if err != nil {
		return nil, err
	}
	blocks, err := r.ReadBlocksRange(ctx, req.FirstIndex, req.Count, readpath.ReadOptions{PopulateCache: req.PopulateCache})
	if err != nil {
		return nil, err
	}
	return &GetBlockRangeResponse{Blocks: blocks}, nil
}

func (s *Service) getChunkMeta(ctx context.Context, req *GetChunkMetaRequest) (*GetChunkMetaResponse, error) {
	id, err := parseID(req.ChunkID)
	if err != nil {
		return nil, err
	}
	r, err := s.reader(id)
	if err != nil {
		return nil, err
	}
	meta, err := r.GetMeta(ctx, req.ExtensionTags)
	if err != nil {
		return nil, err
	}
	return &GetChunkMetaResponse{Attributes: meta.Attributes, BlockSizes: meta.BlockSizes}, nil
}

// Close releases every reader this service has opened. Called on data
// node shutdown, after the session manager and registry have drained.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for id, r := range s.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.readers, id)
	}
	return first
}
