package chunkstore

import (
	"context"
	"os"
	"testing"

	"clusternode/internal/chunkid"
	"clusternode/internal/location"
)

func newTestLocation(t *testing.T) *location.Location {
	t.Helper()
	dir := t.TempDir()
	loc, err := location.New(location.Config{Dir: dir, Medium: "ssd", Type: location.Store})
	if err != nil {
		t.Fatalf("location.New: %v", err)
	}
	t.Cleanup(func() { _ = loc.Close() })
	return loc
}

func TestRegisterNewChunkLookup(t *testing.T) {
	r := New(KindStore, nil, 0)
	defer r.Close()

	loc := newTestLocation(t)
	id := chunkid.New(chunkid.Blob)
	e := Entry{ID: id, Location: loc, Inode: 1, DiskSize: 100}

	if err := r.RegisterNewChunk(context.Background(), e); err != nil {
		t.Fatalf("RegisterNewChunk: %v", err)
	}
	got, ok := r.Lookup(id)
	if !ok || got.DiskSize != 100 {
		t.Fatalf("Lookup = %+v, %v, want the registered entry", got, ok)
	}
}

func TestRegisterNewChunkDuplicatePanics(t *testing.T) {
	r := New(KindStore, nil, 0)
	defer r.Close()

	loc := newTestLocation(t)
	id := chunkid.New(chunkid.Blob)
	e := Entry{ID: id, Location: loc, Inode: 1, DiskSize: 100}
	if err := r.RegisterNewChunk(context.Background(), e); err != nil {
		t.Fatalf("RegisterNewChunk: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	_ = r.RegisterNewChunk(context.Background(), e)
}

func TestRegisterExistingBlobSameSizeKeepsOlder(t *testing.T) {
	r := New(KindStore, nil, 0)
	defer r.Close()

	locA := newTestLocation(t)
	locB := newTestLocation(t)
	id := chunkid.New(chunkid.Blob)

	older := Entry{ID: id, Location: locA, Inode: 1, DiskSize: 100}
	newer := Entry{ID: id, Location: locB, Inode: 2, DiskSize: 100}

	if err := r.RegisterExistingChunk(context.Background(), older); err != nil {
		t.Fatalf("register older: %v", err)
	}
	if err := r.RegisterExistingChunk(context.Background(), newer); err != nil {
		t.Fatalf("register newer: %v", err)
	}

	got, ok := r.Lookup(id)
	if !ok || got.Inode != older.Inode {
		t.Fatalf("Lookup = %+v, want the first-registered (older) entry to survive", got)
	}
}

func TestRegisterExistingJournalKeepsHigherRowCount(t *testing.T) {
	r := New(KindStore, nil, 0)
	defer r.Close()

	locA := newTestLocation(t)
	locB := newTestLocation(t)
	id := chunkid.New(chunkid.Journal)

	low := Entry{ID: id, Location: locA, Inode: 1, RowCount: 10}
	high := Entry{ID: id, Location: locB, Inode: 2, RowCount: 50}

	if err := r.RegisterExistingChunk(context.Background(), low); err != nil {
		t.Fatalf("register low: %v", err)
	}
	if err := r.RegisterExistingChunk(context.Background(), high); err != nil {
		t.Fatalf("register high: %v", err)
	}

	got, ok := r.Lookup(id)
	if !ok || got.RowCount != 50 {
		t.Fatalf("Lookup = %+v, want the higher row count to survive", got)
	}
}

func TestRegisterExistingSameInodePanics(t *testing.T) {
	r := New(KindStore, nil, 0)
	defer r.Close()

	loc := newTestLocation(t)
	id := chunkid.New(chunkid.Blob)
	e := Entry{ID: id, Location: loc, Inode: 7, DiskSize: 100}

	if err := r.RegisterExistingChunk(context.Background(), e); err != nil {
		t.Fatalf("register: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on same-inode double registration")
		}
	}()
	_ = r.RegisterExistingChunk(context.Background(), e)
}

func TestUnregisterChunkIdempotent(t *testing.T) {
	r := New(KindStore, nil, 0)
	defer r.Close()

	id := chunkid.New(chunkid.Blob)
	if err := r.UnregisterChunk(context.Background(), id); err != nil {
		t.Fatalf("UnregisterChunk on unknown id: %v", err)
	}
}

func TestRemoveChunkDeletesFilesAndUpdatesAccounting(t *testing.T) {
	r := New(KindStore, nil, 0)
	defer r.Close()

	loc := newTestLocation(t)
	id := chunkid.New(chunkid.Blob)

	if err := os.MkdirAll(loc.ChunkDir(id), 0o755); err != nil {
		t.Fatalf("mkdir shard dir: %v", err)
	}
	if err := os.WriteFile(loc.ChunkPath(id), []byte("data"), 0o644); err != nil {
		t.Fatalf("write chunk file: %v", err)
	}
	loc.UpdateUsedSpace(4)
	loc.UpdateChunkCount(1)

	e := Entry{ID: id, Location: loc, Inode: 1, DiskSize: 4}
	if err := r.RegisterNewChunk(context.Background(), e); err != nil {
		t.Fatalf("RegisterNewChunk: %v", err)
	}
	if err := r.RemoveChunk(context.Background(), id); err != nil {
		t.Fatalf("RemoveChunk: %v", err)
	}
	if err := r.removal.Close(); err != nil {
		t.Fatalf("removal.Close: %v", err)
	}

	if _, ok := r.Lookup(id); ok {
		t.Fatal("expected chunk to be unregistered")
	}
	if _, err := os.Stat(loc.ChunkPath(id)); !os.IsNotExist(err) {
		t.Fatalf("expected chunk data file to be removed, stat err = %v", err)
	}
	if loc.UsedBytes() != 0 {
		t.Fatalf("UsedBytes() = %d, want 0", loc.UsedBytes())
	}
	if loc.ChunkCount() != 0 {
		t.Fatalf("ChunkCount() = %d, want 0", loc.ChunkCount())
	}
}

func TestGetNewChunkLocationPicksLeastLoaded(t *testing.T) {
	busy := newTestLocation(t)
	idle := newTestLocation(t)
	busy.AcquireSession()

	got, err := GetNewChunkLocation([]*location.Location{busy, idle}, 10)
	if err != nil {
		t.Fatalf("GetNewChunkLocation: %v", err)
	}
	if got != idle {
		t.Fatalf("GetNewChunkLocation picked the busier location")
	}
}

func TestGetNewChunkLocationOutOfSpace(t *testing.T) {
	full := newTestLocation(t)
	full.Disable(nil)

	_, err := GetNewChunkLocation([]*location.Location{full}, 10)
	if err == nil {
		t.Fatal("expected OutOfSpace error when no location qualifies")
	}
}
