package dnconfig

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"clusternode/internal/fairshare"
)

func TestStoreLoadMissingFileReturnsEmptyDocument(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing.yaml"))

	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Pools) != 0 || len(doc.Locations) != 0 {
		t.Fatalf("expected empty document, got %+v", doc)
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	s := NewStore(path)

	doc := &Document{
		Pools: []PoolConfig{
			{Name: "prod", Weight: 2, StrongGuaranteeCPU: 4, MaxShareCPU: 16},
			{Name: "prod.team-a", Parent: "prod", Weight: 1},
		},
		Locations: []LocationConfig{
			{Dir: "/data/ssd0", Medium: "ssd", Type: "store", Capacity: 1 << 40},
			{Dir: "/data/cache0", Medium: "ssd", Type: "cache", LowWatermark: 100},
		},
	}

	if err := s.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be gone after rename, stat err = %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Pools) != 2 || loaded.Pools[0].Name != "prod" || loaded.Pools[1].Parent != "prod" {
		t.Fatalf("pools did not round-trip: %+v", loaded.Pools)
	}
	if len(loaded.Locations) != 2 || loaded.Locations[0].Medium != "ssd" || loaded.Locations[1].Type != "cache" {
		t.Fatalf("locations did not round-trip: %+v", loaded.Locations)
	}
}

func TestStoreLoadRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("version: 99\nconfig:\n  pools: []\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := NewStore(path)
	if _, err := s.Load(); err == nil {
		t.Fatal("expected an error loading a future config version")
	}
}

func TestStoreLoadRejectsUnversionedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("pools: []\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := NewStore(path)
	if _, err := s.Load(); err == nil {
		t.Fatal("expected an error loading an unversioned config file")
	}
}

func TestPoolConfigSpec(t *testing.T) {
	p := PoolConfig{
		Name:                                 "prod",
		Parent:                               "root",
		Weight:                               2,
		StrongGuaranteeCPU:                   4,
		StrongGuaranteeMemory:                8,
		MaxShareCPU:                          16,
		MaxShareMemory:                       32,
		AllowRegularPreemption:               true,
		FairSharePreemptionTimeout:           "30s",
		FairShareAggressivePreemptionTimeout: "2m",
	}

	spec, err := p.Spec()
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if spec.Name != "prod" || spec.Parent != "root" {
		t.Fatalf("unexpected identity: %+v", spec)
	}
	if spec.Config.MaxShare.CPU != 16 || spec.Config.MaxShare.Memory != 32 {
		t.Fatalf("unexpected max share: %+v", spec.Config.MaxShare)
	}
	if spec.Config.FairSharePreemptionTimeout.String() != "30s" {
		t.Fatalf("unexpected preemption timeout: %v", spec.Config.FairSharePreemptionTimeout)
	}
}

func TestPoolConfigSpecUncappedMaxShare(t *testing.T) {
	p := PoolConfig{Name: "unbounded"}

	spec, err := p.Spec()
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if !math.IsInf(spec.Config.MaxShare.CPU, 1) || !math.IsInf(spec.Config.MaxShare.Memory, 1) {
		t.Fatalf("expected uncapped max share, got %+v", spec.Config.MaxShare)
	}
	if spec.Config.MaxShare != fairshare.Inf {
		t.Fatalf("expected fairshare.Inf sentinel, got %+v", spec.Config.MaxShare)
	}
}

func TestPoolConfigSpecBadDuration(t *testing.T) {
	p := PoolConfig{Name: "broken", FairSharePreemptionTimeout: "not-a-duration"}

	if _, err := p.Spec(); err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}

func TestLocationConfigSpec(t *testing.T) {
	l := LocationConfig{Dir: "/data/ssd0", Medium: "ssd", Type: "cache", Capacity: 1000, LowWatermark: 100}

	cfg, err := l.Spec(nil, nil)
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if cfg.Dir != "/data/ssd0" || cfg.Type.String() != "cache" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLocationConfigSpecDefaultTypeIsStore(t *testing.T) {
	l := LocationConfig{Dir: "/data/ssd0"}

	cfg, err := l.Spec(nil, nil)
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if cfg.Type.String() != "store" {
		t.Fatalf("expected default type store, got %v", cfg.Type)
	}
}

func TestLocationConfigSpecUnknownType(t *testing.T) {
	l := LocationConfig{Dir: "/data/ssd0", Type: "tape"}

	if _, err := l.Spec(nil, nil); err == nil {
		t.Fatal("expected an error for an unknown location type")
	}
}
