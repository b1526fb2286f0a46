package blobsession

import (
	"context"
	"os"
	"testing"
	"time"

	"clusternode/internal/chunkid"
	"clusternode/internal/chunkstore"
	"clusternode/internal/ioqueue"
	"clusternode/internal/location"
)

func newTestSession(t *testing.T) (*Session, *location.Location) {
	t.Helper()
	dir := t.TempDir()
	loc, err := location.New(location.Config{Dir: dir, Medium: "ssd", Type: location.Store})
	if err != nil {
		t.Fatalf("location.New: %v", err)
	}
	t.Cleanup(func() { _ = loc.Close() })

	writer := ioqueue.New("writer", 16)
	t.Cleanup(func() { _ = writer.Close() })

	registry := chunkstore.New(chunkstore.KindStore, nil, 0)
	t.Cleanup(func() { _ = registry.Close() })

	id := chunkid.New(chunkid.Blob)
	s := New(id, loc, Options{
		MaxWindowSize: 128,
		BytesPerWrite: 1 << 20,
		Memory:        NewMemoryQuota(0),
		Registry:      registry,
		Writer:        writer,
	})
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s, loc
}

func waitWritten(t *testing.T, s *Session, idx int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		var state SlotState
		_ = s.control.Submit(context.Background(), func(ctx context.Context) error {
			if idx < len(s.window) {
				state = s.window[idx].state
			}
			return nil
		})
		if state == Written {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("slot %d never reached Written", idx)
}

func TestPutBlocksFlushFinishRoundTrip(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.PutBlocks(ctx, 0, [][]byte{[]byte("hello"), []byte("world")}, false); err != nil {
		t.Fatalf("PutBlocks: %v", err)
	}
	waitWritten(t, s, 0)
	waitWritten(t, s, 1)

	if err := s.FlushBlocks(ctx, 1); err != nil {
		t.Fatalf("FlushBlocks: %v", err)
	}

	entry, err := s.Finish(ctx, ChunkMeta{Attributes: map[string]string{"k": "v"}}, 2)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if entry.DiskSize != int64(len("hello")+len("world")) {
		t.Fatalf("DiskSize = %d, want %d", entry.DiskSize, len("hello")+len("world"))
	}

	data, err := os.ReadFile(entry.Location.ChunkPath(entry.ID))
	if err != nil {
		t.Fatalf("read chunk data: %v", err)
	}
	if string(data) != "helloworld" {
		t.Fatalf("chunk data = %q, want %q", data, "helloworld")
	}

	meta, err := ReadChunkMeta(entry.Location.ChunkPath(entry.ID) + ".meta")
	if err != nil {
		t.Fatalf("ReadChunkMeta: %v", err)
	}
	if len(meta.BlockSizes) != 2 || meta.BlockSizes[0] != 5 || meta.BlockSizes[1] != 5 {
		t.Fatalf("BlockSizes = %v, want [5 5]", meta.BlockSizes)
	}
	if meta.Attributes["k"] != "v" {
		t.Fatalf("Attributes[k] = %q, want v", meta.Attributes["k"])
	}
}

func TestPutBlocksIdempotentRetransmit(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.PutBlocks(ctx, 0, [][]byte{[]byte("abc")}, false); err != nil {
		t.Fatalf("PutBlocks: %v", err)
	}
	waitWritten(t, s, 0)
	// identical retransmission must be a no-op, not an error
	if err := s.PutBlocks(ctx, 0, [][]byte{[]byte("abc")}, false); err != nil {
		t.Fatalf("PutBlocks retransmit: %v", err)
	}
}

func TestPutBlocksConflictingBytesMismatch(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.PutBlocks(ctx, 0, [][]byte{[]byte("abc")}, false); err != nil {
		t.Fatalf("PutBlocks: %v", err)
	}
	err := s.PutBlocks(ctx, 0, [][]byte{[]byte("xyz")}, false)
	if err == nil {
		t.Fatal("expected BlockContentMismatch for conflicting retransmit")
	}
}

func TestFinishWithoutFlushSucceeds(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.PutBlocks(ctx, 0, [][]byte{[]byte("abc")}, false); err != nil {
		t.Fatalf("PutBlocks: %v", err)
	}
	waitWritten(t, s, 0)

	// FlushBlocks was never called, but the slot already reached Written —
	// Finish accounts for it directly instead of requiring a flush first.
	entry, err := s.Finish(ctx, ChunkMeta{}, 1)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if entry.DiskSize != int64(len("abc")) {
		t.Fatalf("DiskSize = %d, want %d", entry.DiskSize, len("abc"))
	}
}


func TestCancelReleasesAndCompletesPromises(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.PutBlocks(ctx, 0, [][]byte{[]byte("abc")}, false); err != nil {
		t.Fatalf("PutBlocks: %v", err)
	}
	if err := s.Cancel(nil); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected session to finish after Cancel")
	}
}

func TestPutBlocksRejectsBeyondMaxWindow(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	err := s.PutBlocks(ctx, uint64(s.opts.MaxWindowSize+1), [][]byte{[]byte("x")}, false)
	if err == nil {
		t.Fatal("expected WindowError for index beyond MaxWindowSize")
	}
}
