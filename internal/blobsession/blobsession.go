// Package blobsession implements the windowed streaming write session
// (§4.3): a client streams blocks in roughly-ascending order, the session
// buffers them into a dense window, and flushes contiguous runs to disk in
// strictly-ascending block order on a per-location writer invoker.
//
// The window/slot bookkeeping is grounded on the teacher's chunkState in
// chunk/file/manager.go (rawOffset/recordCount tracking, rotate-then-seal
// two-phase shutdown), generalized from "one mutex guards append" to "one
// control invoker owns the window, one writer invoker owns the disk file"
// per spec.md §9's REDESIGN FLAGS.
package blobsession

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"clusternode/internal/chunkid"
	"clusternode/internal/chunkstore"
	"clusternode/internal/dnerrors"
	"clusternode/internal/ioqueue"
	"clusternode/internal/location"
	"clusternode/internal/throttle"
)

// SlotState is the per-block-index state in the session window.
type SlotState int

const (
	Empty SlotState = iota
	Received
	Written
)

func (s SlotState) String() string {
	switch s {
	case Empty:
		return "empty"
	case Received:
		return "received"
	case Written:
		return "written"
	default:
		return "unknown"
	}
}

// Block is one client-supplied block of a blob chunk.
type Block struct {
	Index uint64
	Data  []byte
}

type slot struct {
	state SlotState
	data  []byte
	err   error
	done  chan struct{} // closed once the slot reaches Written (success or failure)
}

func newSlot() *slot {
	return &slot{done: make(chan struct{})}
}

// MemoryQuota is a pre-acquire/release byte budget. Acquire must be
// all-or-nothing across a batch: either every requested byte is admitted,
// or the call fails without reserving any of it (§4.3: "either every
// block is admitted or the error is retriable").
type MemoryQuota struct {
	mu       sync.Mutex
	capacity int64
	used     int64
}

// NewMemoryQuota creates a quota with the given byte capacity. A
// non-positive capacity means unbounded (used by tests and by configs
// that opt out of memory accounting).
func NewMemoryQuota(capacity int64) *MemoryQuota {
	return &MemoryQuota{capacity: capacity}
}

// Acquire reserves n bytes, failing with WriteThrottlingActive if doing so
// would exceed capacity.
func (q *MemoryQuota) Acquire(n int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && q.used+n > q.capacity {
		return dnerrors.New(dnerrors.WriteThrottlingActive, dnerrors.KindTransientRetriable,
			fmt.Errorf("blob session memory quota exhausted: %d + %d > %d", q.used, n, q.capacity))
	}
	q.used += n
	return nil
}

// Release returns n bytes to the quota.
func (q *MemoryQuota) Release(n int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.used -= n
}

// Options configures a Session.
type Options struct {
	MaxWindowSize int   // hard cap on block-index fan-out; PutBlocks rejects indices beyond it
	BytesPerWrite int64 // max bytes batched into a single writer dispatch

	NodeThrottler     *throttle.Throttler
	LocationThrottler *throttle.Throttler
	NodeOutThrottler  *throttle.Throttler
	Memory            *MemoryQuota

	Registry *chunkstore.Registry
	Writer   *ioqueue.Queue // per-location writer invoker; shared across sessions on the location

	// Forwarder replicates blocks to a peer during SendBlocks. Nil means
	// single-replica sessions never call SendBlocks.
	Forwarder Forwarder
}

// TargetDescriptor names the peer a replica forward targets.
type TargetDescriptor struct {
	NodeID  string
	Address string
}

// Forwarder sends a contiguous run of received blocks to a peer,
// replaying them through the peer's own PutBlocks.
type Forwarder interface {
	ForwardBlocks(ctx context.Context, target TargetDescriptor, chunkID chunkid.ID, firstIndex uint64, blocks [][]byte) error
}

// ChunkMeta is the caller-supplied metadata persisted alongside a blob
// chunk at Finish. BlockSizes is filled in by Finish itself (in block
// index order), giving the read path the offset table it needs to locate
// a block inside the chunk's single concatenated data file.
type ChunkMeta struct {
	Attributes map[string]string
	BlockSizes []uint32
}

// Session is a single chunk's write-session state machine. All public
// entry points are serialized on a single control invoker; the window
// itself is therefore touched only by that one goroutine and needs no
// further locking.
type Session struct {
	id      chunkid.ID
	loc     *location.Location
	opts    Options
	control *ioqueue.Queue

	window      []*slot
	windowStart int
	windowIndex int
	blockSizes  []uint32 // block index order; appended as slots are flushed

	f        *os.File
	rawBytes int64

	failedOnce sync.Once
	failed     error
	fatal      bool

	finishedOnce sync.Once
	finishedCh   chan struct{}
	finishedErr  error
}

// New creates a write session for a freshly-minted blob chunk id on loc.
func New(id chunkid.ID, loc *location.Location, opts Options) *Session {
	if opts.MaxWindowSize <= 0 {
		opts.MaxWindowSize = 4096
	}
	if opts.BytesPerWrite <= 0 {
		opts.BytesPerWrite = 4 << 20
	}
	if opts.Memory == nil {
		opts.Memory = NewMemoryQuota(0)
	}
	return &Session{
		id:         id,
		loc:        loc,
		opts:       opts,
		control:    ioqueue.New("blob-session-control", 64),
		finishedCh: make(chan struct{}),
	}
}

// ID returns the session's chunk id.
func (s *Session) ID() chunkid.ID { return s.id }

// Start opens the underlying file writer on the writer invoker and blocks
// until that open has finished, returning its error; it does not return
// before the file is open.
func (s *Session) Start(ctx context.Context) error {
	loc := s.loc
	return s.control.Submit(ctx, func(ctx context.Context) error {
		return s.opts.Writer.Submit(ctx, func(ctx context.Context) error {
			if err := os.MkdirAll(loc.ChunkDir(s.id), 0o755); err != nil {
				s.setFailed(err, true)
				return fmt.Errorf("create shard dir: %w", err)
			}
			f, err := os.OpenFile(loc.ChunkPath(s.id)+".tmp", os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
			if err != nil {
				s.setFailed(err, true)
				return fmt.Errorf("open chunk temp file: %w", err)
			}
			s.f = f
			return nil
		})
	})
}

// PutBlocks admits blocks[0] at startIndex, blocks[1] at startIndex+1, and
// so on. Memory quota for the entire batch is pre-acquired atomically
// before any slot is touched.
func (s *Session) PutBlocks(ctx context.Context, startIndex uint64, blocks [][]byte, enableCaching bool) error {
	var total int64
	for _, b := range blocks {
		total += int64(len(b))
	}

	if s.opts.NodeThrottler != nil {
		if err := s.opts.NodeThrottler.Acquire(ctx, int(total)); err != nil {
			return dnerrors.New(dnerrors.WriteThrottlingActive, dnerrors.KindTransientRetriable, err)
		}
	}
	if s.opts.LocationThrottler != nil {
		if err := s.opts.LocationThrottler.Acquire(ctx, int(total)); err != nil {
			return dnerrors.New(dnerrors.WriteThrottlingActive, dnerrors.KindTransientRetriable, err)
		}
	}

	if err := s.opts.Memory.Acquire(total); err != nil {
		return err
	}
	admitted := false
	defer func() {
		if !admitted {
			s.opts.Memory.Release(total)
		}
	}()

	err := s.control.Submit(ctx, func(ctx context.Context) error {
		if s.failed != nil {
			return s.failed
		}
		for i, b := range blocks {
			idx := int(startIndex) + i
			if idx < s.windowStart {
				return dnerrors.New(dnerrors.WindowError, dnerrors.KindClientContract,
					fmt.Errorf("block index %d precedes window start %d", idx, s.windowStart))
			}
			if idx >= s.opts.MaxWindowSize {
				return dnerrors.New(dnerrors.WindowError, dnerrors.KindClientContract,
					fmt.Errorf("block index %d exceeds max window size %d", idx, s.opts.MaxWindowSize))
			}
			s.ensureWindow(idx + 1)
			sl := s.window[idx]
			switch sl.state {
			case Empty:
				sl.state = Received
				sl.data = b
			case Received, Written:
				if !bytes.Equal(sl.data, b) {
					return dnerrors.New(dnerrors.BlockContentMismatch, dnerrors.KindClientContract,
						fmt.Errorf("block index %d received with conflicting bytes", idx))
				}
				// identical retransmission: idempotent no-op
			}
		}
		s.dispatchReadyPrefix()
		return nil
	})
	if err == nil {
		admitted = true
	}
	return err
}

// ensureWindow grows the window slice so that index n-1 exists.
func (s *Session) ensureWindow(n int) {
	for len(s.window) < n {
		s.window = append(s.window, newSlot())
	}
}

// dispatchReadyPrefix batches the contiguous Received run starting at
// windowIndex, up to BytesPerWrite per dispatch, and posts it to the
// writer invoker. Must run on the control invoker.
func (s *Session) dispatchReadyPrefix() {
	for s.windowIndex < len(s.window) && s.window[s.windowIndex].state == Received {
		batch := []int{}
		var batchBytes int64
		for s.windowIndex < len(s.window) && s.window[s.windowIndex].state == Received {
			sl := s.window[s.windowIndex]
			if batchBytes > 0 && batchBytes+int64(len(sl.data)) > s.opts.BytesPerWrite {
				break
			}
			batch = append(batch, s.windowIndex)
			batchBytes += int64(len(sl.data))
			s.windowIndex++
		}
		if len(batch) == 0 {
			break
		}
		s.dispatchWrite(batch)
	}
}

// dispatchWrite posts one sequential write of the given contiguous slot
// indices to the per-location writer invoker.
func (s *Session) dispatchWrite(indices []int) {
	guard := s.loc.IncreasePendingIO(location.DirectionWrite, location.WorkloadBlobSession, sumLen(s.window, indices))
	_ = s.opts.Writer.Post(func(ctx context.Context) error {
		defer guard.Release()
		err := s.writeIndices(indices)
		_ = s.control.Post(func(ctx context.Context) error {
			s.onBlocksWritten(indices, err)
			return nil
		})
		return err
	})
}

func sumLen(window []*slot, indices []int) int64 {
	var n int64
	for _, i := range indices {
		n += int64(len(window[i].data))
	}
	return n
}

// writeIndices performs the actual sequential disk write. Runs on the
// writer invoker, never on control.
func (s *Session) writeIndices(indices []int) error {
	if s.f == nil {
		return fmt.Errorf("blob session: writer not yet open")
	}
	for _, i := range indices {
		data := s.window[i].data
		if _, err := s.f.Write(data); err != nil {
			if errors.Is(err, syscall.ENOSPC) {
				return dnerrors.New(dnerrors.OutOfSpace, dnerrors.KindSpaceExhausted, err)
			}
			return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
		}
		s.rawBytes += int64(len(data))
	}
	return nil
}

// onBlocksWritten marks the given indices Written (or records the write
// error onto them) and releases their memory reservation. Must run on the
// control invoker.
func (s *Session) onBlocksWritten(indices []int, err error) {
	for _, i := range indices {
		sl := s.window[i]
		if sl.state == Written {
			continue // already completed and released by Cancel
		}
		sl.state = Written
		sl.err = err
		close(sl.done)
		s.opts.Memory.Release(int64(len(sl.data)))
	}
	if err != nil {
		fatal := dnerrors.Is(err, dnerrors.OutOfSpace) == false
		s.setFailed(err, fatal)
	}
}

// FlushBlocks waits for every slot up to blockIndex to reach Written, then
// releases slots [WindowStart, blockIndex] and advances WindowStart. An
// index already below WindowStart resolves immediately as a no-op.
func (s *Session) FlushBlocks(ctx context.Context, blockIndex uint64) error {
	var waitCh chan struct{}
	err := s.control.Submit(ctx, func(ctx context.Context) error {
		idx := int(blockIndex)
		if idx < s.windowStart {
			return nil
		}
		if idx >= len(s.window) {
			return dnerrors.New(dnerrors.WindowError, dnerrors.KindClientContract,
				fmt.Errorf("flush index %d beyond window", idx))
		}
		waitCh = s.window[idx].done
		return nil
	})
	if err != nil || waitCh == nil {
		return err
	}

	select {
	case <-waitCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.control.Submit(ctx, func(ctx context.Context) error {
		idx := int(blockIndex)
		if idx < s.windowStart {
			return nil
		}
		for i := s.windowStart; i <= idx; i++ {
			s.blockSizes = append(s.blockSizes, uint32(len(s.window[i].data)))
			s.window[i].data = nil // release payload; state stays Written for bookkeeping
		}
		s.windowStart = idx + 1
		return nil
	})
}

// SendBlocks forwards a contiguous run of received blocks (not necessarily
// written to disk yet) to a
// peer for replica propagation, throttled on the node out-throttler.
func (s *Session) SendBlocks(ctx context.Context, firstIndex uint64, count uint64, target TargetDescriptor) error {
	if s.opts.Forwarder == nil {
		return fmt.Errorf("blob session: no forwarder configured")
	}

	var blocks [][]byte
	err := s.control.Submit(ctx, func(ctx context.Context) error {
		last := int(firstIndex + count)
		if last > len(s.window) {
			return dnerrors.New(dnerrors.WindowError, dnerrors.KindClientContract,
				fmt.Errorf("send range [%d,%d) beyond window", firstIndex, last))
		}
		blocks = make([][]byte, 0, count)
		for i := int(firstIndex); i < last; i++ {
			if s.window[i].state == Empty {
				return dnerrors.New(dnerrors.WindowError, dnerrors.KindClientContract,
					fmt.Errorf("block index %d not yet received", i))
			}
			blocks = append(blocks, s.window[i].data)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var total int64
	for _, b := range blocks {
		total += int64(len(b))
	}
	if s.opts.NodeOutThrottler != nil {
		if err := s.opts.NodeOutThrottler.Acquire(ctx, int(total)); err != nil {
			return dnerrors.New(dnerrors.WriteThrottlingActive, dnerrors.KindTransientRetriable, err)
		}
	}

	return s.opts.Forwarder.ForwardBlocks(ctx, target, s.id, firstIndex, blocks)
}

// Finish validates that every slot in [WindowStart, size) is either Empty
// (never received — a trailing gap) or Written (on disk, whether or not
// FlushBlocks ever ran for it), that no slot is still Received (received
// but not yet durable), and that expectedBlockCount matches the number of
// Written-or-already-released blocks. It then closes the writer and
// registers the resulting chunk.
func (s *Session) Finish(ctx context.Context, meta ChunkMeta, expectedBlockCount uint64) (chunkstore.Entry, error) {
	var entry chunkstore.Entry
	err := s.control.Submit(ctx, func(ctx context.Context) error {
		if s.failed != nil {
			return s.failed
		}
		for i := s.windowStart; i < len(s.window); i++ {
			sl := s.window[i]
			switch sl.state {
			case Received:
				return dnerrors.New(dnerrors.WindowError, dnerrors.KindClientContract,
					fmt.Errorf("slot %d not flushed before finish", i))
			case Written:
				// Written but never released by FlushBlocks (WindowStart
				// never advanced past it) — count and size it here instead.
				s.blockSizes = append(s.blockSizes, uint32(len(sl.data)))
			}
		}
		blockCount := uint64(len(s.blockSizes))
		if blockCount != expectedBlockCount {
			return dnerrors.New(dnerrors.WindowError, dnerrors.KindClientContract,
				fmt.Errorf("expected block count %d, got %d", expectedBlockCount, blockCount))
		}
		meta.BlockSizes = append([]uint32(nil), s.blockSizes...)
		return nil
	})
	if err != nil {
		return entry, err
	}

	if err := s.opts.Writer.Submit(ctx, func(ctx context.Context) error {
		if s.f == nil {
			return fmt.Errorf("blob session: writer not open at finish")
		}
		if err := s.f.Sync(); err != nil {
			return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
		}
		if err := writeChunkMeta(s.loc.ChunkPath(s.id)+".meta.tmp", meta); err != nil {
			return err
		}
		if err := s.f.Close(); err != nil {
			return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
		}
		if err := os.Rename(s.loc.ChunkPath(s.id)+".tmp", s.loc.ChunkPath(s.id)); err != nil {
			return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
		}
		if err := os.Rename(s.loc.ChunkPath(s.id)+".meta.tmp", s.loc.ChunkPath(s.id)+".meta"); err != nil {
			return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
		}
		return nil
	}); err != nil {
		s.setFailed(err, true)
		s.fireFinished(err)
		return entry, err
	}

	inode, err := fileInode(s.loc.ChunkPath(s.id))
	if err != nil {
		return entry, dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
	}

	entry = chunkstore.Entry{
		ID:       s.id,
		Location: s.loc,
		Inode:    inode,
		DiskSize: s.rawBytes,
		Sealed:   true,
	}
	s.loc.UpdateUsedSpace(s.rawBytes)
	s.loc.UpdateChunkCount(1)

	if s.opts.Registry != nil {
		if err := s.opts.Registry.RegisterNewChunk(ctx, entry); err != nil {
			return entry, err
		}
	}

	s.fireFinished(nil)
	return entry, nil
}

// Cancel aborts the writer, releases every outstanding reservation, and
// completes every slot promise with the cancellation error.
func (s *Session) Cancel(reason error) error {
	if reason == nil {
		reason = errors.New("blob session cancelled")
	}
	return s.control.Submit(context.Background(), func(ctx context.Context) error {
		s.setFailed(reason, false)
		for _, sl := range s.window {
			if sl.state != Written {
				if sl.state == Received {
					s.opts.Memory.Release(int64(len(sl.data)))
				}
				sl.err = reason
				sl.state = Written
				select {
				case <-sl.done:
				default:
					close(sl.done)
				}
			}
		}
		_ = s.opts.Writer.Post(func(ctx context.Context) error {
			if s.f != nil {
				_ = s.f.Close()
				_ = os.Remove(s.loc.ChunkPath(s.id) + ".tmp")
			}
			return nil
		})
		s.fireFinished(reason)
		return nil
	})
}

// setFailed records the session's terminal error exactly once. A fatal
// failure disables the owning location before returning, matching §4.3's
// requirement that the location never resurfaces in GetNewChunkLocation
// once a fatal error has been observed on it.
func (s *Session) setFailed(err error, fatal bool) {
	s.failedOnce.Do(func() {
		s.failed = err
		s.fatal = fatal
		if fatal {
			s.loc.Disable(err)
		}
	})
}

// Failed returns the session's terminal error, if any, and whether it was
// classified fatal to the owning location.
func (s *Session) Failed() (err error, fatal bool) {
	return s.failed, s.fatal
}

func (s *Session) fireFinished(err error) {
	s.finishedOnce.Do(func() {
		s.finishedErr = err
		close(s.finishedCh)
	})
}

// Done returns a channel closed once the session has finished, one way or
// another (success, cancellation, or fatal failure).
func (s *Session) Done() <-chan struct{} { return s.finishedCh }

// DoneErr returns the session's terminal error once Done is closed.
func (s *Session) DoneErr() error { return s.finishedErr }

// Close releases the session's control invoker.
func (s *Session) Close() error {
	return s.control.Close()
}

func writeChunkMeta(path string, meta ChunkMeta) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
	}
	defer f.Close()

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(meta.Attributes)))
	if _, err := f.Write(count[:]); err != nil {
		return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
	}
	for k, v := range meta.Attributes {
		if err := writeLV(f, k); err != nil {
			return err
		}
		if err := writeLV(f, v); err != nil {
			return err
		}
	}

	var blockCount [4]byte
	binary.BigEndian.PutUint32(blockCount[:], uint32(len(meta.BlockSizes)))
	if _, err := f.Write(blockCount[:]); err != nil {
		return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
	}
	for _, sz := range meta.BlockSizes {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], sz)
		if _, err := f.Write(b[:]); err != nil {
			return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
		}
	}
	return nil
}

// ReadChunkMeta parses the on-disk meta file format written by
// writeChunkMeta: attribute count + key/value pairs, then block count +
// block sizes. Exported for the read path (§4.4), which needs the block
// offset table to serve ReadBlocks without re-deriving it from the
// session that wrote it.
func ReadChunkMeta(path string) (ChunkMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ChunkMeta{}, dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
	}
	return decodeChunkMeta(data)
}

func decodeChunkMeta(data []byte) (ChunkMeta, error) {
	var meta ChunkMeta
	off := 0
	readU32 := func() (uint32, error) {
		if off+4 > len(data) {
			return 0, dnerrors.New(dnerrors.IOError, dnerrors.KindDataCorruption, fmt.Errorf("truncated chunk meta"))
		}
		v := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		return v, nil
	}
	readString := func() (string, error) {
		n, err := readU32()
		if err != nil {
			return "", err
		}
		if off+int(n) > len(data) {
			return "", dnerrors.New(dnerrors.IOError, dnerrors.KindDataCorruption, fmt.Errorf("truncated chunk meta string"))
		}
		s := string(data[off : off+int(n)])
		off += int(n)
		return s, nil
	}

	attrCount, err := readU32()
	if err != nil {
		return meta, err
	}
	if attrCount > 0 {
		meta.Attributes = make(map[string]string, attrCount)
	}
	for i := uint32(0); i < attrCount; i++ {
		k, err := readString()
		if err != nil {
			return meta, err
		}
		v, err := readString()
		if err != nil {
			return meta, err
		}
		meta.Attributes[k] = v
	}

	blockCount, err := readU32()
	if err != nil {
		return meta, err
	}
	meta.BlockSizes = make([]uint32, blockCount)
	for i := range meta.BlockSizes {
		sz, err := readU32()
		if err != nil {
			return meta, err
		}
		meta.BlockSizes[i] = sz
	}
	return meta, nil
}

func writeLV(f *os.File, s string) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(s)))
	if _, err := f.Write(length[:]); err != nil {
		return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
	}
	if _, err := f.Write([]byte(s)); err != nil {
		return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
	}
	return nil
}

func fileInode(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return inodeOf(info), nil
}
