// Package readpath implements the local chunk reader (§4.4): an
// mmap-backed reader over a blob chunk's sealed data file, fronted by an
// optional block cache, that serves both index-set and contiguous-range
// reads and a filtered metadata view.
//
// The mmap-and-slice approach is grounded directly on the teacher's
// chunk/file.MmapReader; the block-offset table it reads comes from the
// size-prefix framing blobsession persists in the chunk's .meta file.
package readpath

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"

	"clusternode/internal/blobsession"
	"clusternode/internal/chunkid"
	"clusternode/internal/dnerrors"
	"clusternode/internal/location"
	"clusternode/internal/slru"
)

// CachedBlock is a cached block payload, weighted by its byte length.
type CachedBlock []byte

func (b CachedBlock) Weight() int64 { return int64(len(b)) }

// BlockKey identifies a cached block.
type BlockKey struct {
	ID    chunkid.ID
	Index uint64
}

// BlockCache is the shared SLRU block cache type used by every reader.
type BlockCache = slru.Cache[BlockKey, CachedBlock]

// NewBlockCache creates a block cache bounded by capacityBytes.
func NewBlockCache(capacityBytes int64) *BlockCache {
	return slru.New[BlockKey, CachedBlock](capacityBytes, nil)
}

// ReadOptions controls a single read call.
type ReadOptions struct {
	PopulateCache bool
}

// FailureHandler is invoked, once per failing read, with the underlying
// cause — used by the tablet layer to evict stale chunk-reader caches.
type FailureHandler func(id chunkid.ID, err error)

// LocalChunkReader serves reads against one sealed blob chunk.
type LocalChunkReader struct {
	id  chunkid.ID
	loc *location.Location

	cache  *BlockCache
	onFail FailureHandler

	mu      sync.Mutex
	mapped  []byte
	offsets []int64 // offsets[i] is the start of block i; offsets[len] is EOF
	meta    blobsession.ChunkMeta
	loaded  bool
}

// New creates a reader for chunk id on loc. cache may be nil to disable
// block caching.
func New(id chunkid.ID, loc *location.Location, cache *BlockCache, onFail FailureHandler) *LocalChunkReader {
	return &LocalChunkReader{id: id, loc: loc, cache: cache, onFail: onFail}
}

// ensureLoaded mmaps the data file and loads the block offset table,
// exactly once.
func (r *LocalChunkReader) ensureLoaded() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}

	meta, err := blobsession.ReadChunkMeta(r.loc.ChunkPath(r.id) + ".meta")
	if err != nil {
		return r.fail(err)
	}

	f, err := os.Open(r.loc.ChunkPath(r.id))
	if err != nil {
		return r.fail(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return r.fail(err)
	}
	size := info.Size()

	var mapped []byte
	if size > 0 {
		mapped, err = syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
		if err != nil {
			return r.fail(err)
		}
	}

	offsets := make([]int64, len(meta.BlockSizes)+1)
	var cur int64
	for i, sz := range meta.BlockSizes {
		offsets[i] = cur
		cur += int64(sz)
	}
	offsets[len(meta.BlockSizes)] = cur

	r.meta = meta
	r.mapped = mapped
	r.offsets = offsets
	r.loaded = true
	return nil
}

func (r *LocalChunkReader) fail(cause error) error {
	if r.onFail != nil {
		r.onFail(r.id, cause)
	}
	return dnerrors.New(dnerrors.LocalChunkReaderFailed, dnerrors.KindIOError, cause)
}

// blockBytes returns the mmap-backed slice for block index i. Must be
// called with ensureLoaded already having succeeded.
func (r *LocalChunkReader) blockBytes(i uint64) ([]byte, error) {
	if i+1 >= uint64(len(r.offsets)) {
		return nil, dnerrors.New(dnerrors.NoSuchChunk, dnerrors.KindClientContract,
			fmt.Errorf("block index %d out of range (chunk has %d blocks)", i, len(r.offsets)-1))
	}
	start, end := r.offsets[i], r.offsets[i+1]
	return r.mapped[start:end], nil
}

// ReadBlocks reads the given block indexes, in the order requested.
// Cache hits are served synchronously; misses read through the mmap and
// populate the cache if opts.PopulateCache is set.
func (r *LocalChunkReader) ReadBlocks(ctx context.Context, indexes []uint64, opts ReadOptions) ([][]byte, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}

	out := make([][]byte, len(indexes))
	for i, idx := range indexes {
		if r.cache != nil {
			if b, ok := r.cache.Get(BlockKey{ID: r.id, Index: idx}); ok {
				out[i] = b
				continue
			}
		}

		r.mu.Lock()
		b, err := r.blockBytes(idx)
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		cp := append([]byte(nil), b...) // copy out of the mmap before it can be unmapped
		out[i] = cp

		if r.cache != nil && opts.PopulateCache {
			r.cache.Put(BlockKey{ID: r.id, Index: idx}, cp)
		}
	}
	return out, nil
}

// ReadBlocksRange reads count consecutive blocks starting at firstIndex.
func (r *LocalChunkReader) ReadBlocksRange(ctx context.Context, firstIndex, count uint64, opts ReadOptions) ([][]byte, error) {
	indexes := make([]uint64, count)
	for i := range indexes {
		indexes[i] = firstIndex + uint64(i)
	}
	return r.ReadBlocks(ctx, indexes, opts)
}

// GetMeta returns the chunk's metadata. When extensionTags is non-empty,
// only attributes named in it are included in the result (the analog of
// the spec's partition-tag-filtered metadata view for blob chunks, which
// carry flat attributes rather than a partitioned block-meta index).
func (r *LocalChunkReader) GetMeta(ctx context.Context, extensionTags []string) (blobsession.ChunkMeta, error) {
	if err := r.ensureLoaded(); err != nil {
		return blobsession.ChunkMeta{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(extensionTags) == 0 {
		return r.meta, nil
	}
	filtered := blobsession.ChunkMeta{
		Attributes: make(map[string]string, len(extensionTags)),
		BlockSizes: r.meta.BlockSizes,
	}
	for _, tag := range extensionTags {
		if v, ok := r.meta.Attributes[tag]; ok {
			filtered.Attributes[tag] = v
		}
	}
	return filtered, nil
}

// Close releases the mmap.
func (r *LocalChunkReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mapped == nil {
		return nil
	}
	err := syscall.Munmap(r.mapped)
	r.mapped = nil
	return err
}
