package readpath

import (
	"context"
	"os"
	"testing"

	"clusternode/internal/blobsession"
	"clusternode/internal/chunkid"
	"clusternode/internal/chunkstore"
	"clusternode/internal/ioqueue"
	"clusternode/internal/location"
)

func writeAndSealChunk(t *testing.T, blocks [][]byte) (chunkid.ID, *location.Location) {
	t.Helper()
	dir := t.TempDir()
	loc, err := location.New(location.Config{Dir: dir, Medium: "ssd", Type: location.Store})
	if err != nil {
		t.Fatalf("location.New: %v", err)
	}
	t.Cleanup(func() { _ = loc.Close() })

	writer := ioqueue.New("writer", 4)
	t.Cleanup(func() { _ = writer.Close() })
	registry := chunkstore.New(chunkstore.KindStore, nil, 0)
	t.Cleanup(func() { _ = registry.Close() })

	id := chunkid.New(chunkid.Blob)
	s := blobsession.New(id, loc, blobsession.Options{
		MaxWindowSize: 16,
		BytesPerWrite: 1 << 20,
		Memory:        blobsession.NewMemoryQuota(0),
		Registry:      registry,
		Writer:        writer,
	})
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.PutBlocks(ctx, 0, blocks, false); err != nil {
		t.Fatalf("PutBlocks: %v", err)
	}
	if err := s.FlushBlocks(ctx, uint64(len(blocks)-1)); err != nil {
		t.Fatalf("FlushBlocks: %v", err)
	}
	if _, err := s.Finish(ctx, blobsession.ChunkMeta{Attributes: map[string]string{"x": "1"}}, uint64(len(blocks))); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return id, loc
}

func TestReadBlocksByIndex(t *testing.T) {
	id, loc := writeAndSealChunk(t, [][]byte{[]byte("aaa"), []byte("bb"), []byte("c")})
	r := New(id, loc, nil, nil)
	defer r.Close()

	got, err := r.ReadBlocks(context.Background(), []uint64{2, 0}, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if string(got[0]) != "c" || string(got[1]) != "aaa" {
		t.Fatalf("ReadBlocks = %q, %q, want c, aaa", got[0], got[1])
	}
}

func TestReadBlocksRange(t *testing.T) {
	id, loc := writeAndSealChunk(t, [][]byte{[]byte("aaa"), []byte("bb"), []byte("c")})
	r := New(id, loc, nil, nil)
	defer r.Close()

	got, err := r.ReadBlocksRange(context.Background(), 0, 2, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadBlocksRange: %v", err)
	}
	if string(got[0]) != "aaa" || string(got[1]) != "bb" {
		t.Fatalf("ReadBlocksRange = %q, %q", got[0], got[1])
	}
}

func TestReadBlocksPopulatesCache(t *testing.T) {
	id, loc := writeAndSealChunk(t, [][]byte{[]byte("aaa")})
	cache := NewBlockCache(1 << 20)
	r := New(id, loc, cache, nil)
	defer r.Close()

	if _, err := r.ReadBlocks(context.Background(), []uint64{0}, ReadOptions{PopulateCache: true}); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if _, ok := cache.Get(BlockKey{ID: id, Index: 0}); !ok {
		t.Fatal("expected block to be cached after PopulateCache read")
	}
}

func TestReadBlocksOutOfRange(t *testing.T) {
	id, loc := writeAndSealChunk(t, [][]byte{[]byte("aaa")})
	r := New(id, loc, nil, nil)
	defer r.Close()

	if _, err := r.ReadBlocks(context.Background(), []uint64{5}, ReadOptions{}); err == nil {
		t.Fatal("expected error for out-of-range block index")
	}
}

func TestGetMetaFiltersByExtensionTags(t *testing.T) {
	id, loc := writeAndSealChunk(t, [][]byte{[]byte("aaa")})
	r := New(id, loc, nil, nil)
	defer r.Close()

	meta, err := r.GetMeta(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta.Attributes["x"] != "1" {
		t.Fatalf("Attributes[x] = %q, want 1", meta.Attributes["x"])
	}
	if _, missing := os.Stat(loc.ChunkPath(id) + ".meta"); missing != nil {
		t.Fatalf("meta file should exist: %v", missing)
	}
}

func TestGetMetaFailureInvokesHandler(t *testing.T) {
	dir := t.TempDir()
	loc, err := location.New(location.Config{Dir: dir, Medium: "ssd", Type: location.Store})
	if err != nil {
		t.Fatalf("location.New: %v", err)
	}
	defer loc.Close()

	id := chunkid.New(chunkid.Blob)
	var failed chunkid.ID
	r := New(id, loc, nil, func(failedID chunkid.ID, cause error) { failed = failedID })
	defer r.Close()

	if _, err := r.GetMeta(context.Background(), nil); err == nil {
		t.Fatal("expected error reading meta for a chunk that was never written")
	}
	if failed != id {
		t.Fatalf("failure handler called with %v, want %v", failed, id)
	}
}
