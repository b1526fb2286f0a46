// Package artifactcache implements the bounded async SLRU cache of
// materialized artifacts (§4.5): user-job inputs synthesised once from a
// structural key (a chunk id plus transform, or a multi-chunk/table
// spec) and shared by every subsequent reader of the same key.
//
// The temp-file-then-rename write discipline and the corrupt/truncated
// startup scan are grounded on the teacher's compress.go and
// chunk/file/manager.go loadExisting; the exactly-one-producer-per-key
// contract is golang.org/x/sync/singleflight, already a direct
// dependency of this module.
package artifactcache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"clusternode/internal/chunkid"
	"clusternode/internal/dnerrors"
	"clusternode/internal/ioqueue"
	"clusternode/internal/location"
	"clusternode/internal/slru"
)

// metaSignature is "YTAMH001" read as a little-endian uint64, matching
// the wire layout byte-for-byte: PutUint64(buf, metaSignature) produces
// the ASCII bytes 'Y','T','A','M','H','0','0','1' in order.
const metaSignature uint64 = 0x313030484d415459

const metaVersion uint64 = 4

const headerSize = 16 // signature(8) + version(8); key bytes follow

// ChunkSpec names one constituent chunk of a composite artifact, with an
// optional byte-range restriction.
type ChunkSpec struct {
	ID         chunkid.ID
	LowerLimit int64
	UpperLimit int64 // 0 means "to end"
}

// Key structurally identifies a cached artifact. Two keys comparing
// (value-)equal MUST produce byte-identical cached files; Hash is the
// cache index, derived deterministically from the fields.
type Key struct {
	DataSourceType string
	Chunks         []ChunkSpec
	Schema         string
	ColumnFilter   []string
	Timestamp      *int64
	Format         string
}

// IsSingleChunkRawEligible reports whether this key describes a trivial
// single-chunk passthrough (branch 1 of §4.5: no compression/erasure
// concerns, no column filter, no schema, no format re-serialisation) that
// can be served by copying the source chunk's own replica rather than
// resynthesising it.
func (k Key) IsSingleChunkRawEligible() bool {
	return len(k.Chunks) == 1 &&
		k.Chunks[0].LowerLimit == 0 && k.Chunks[0].UpperLimit == 0 &&
		k.Schema == "" && len(k.ColumnFilter) == 0 && k.Format == ""
}

// Hash returns a deterministic string key for the SLRU index.
func (k Key) Hash() string {
	var b strings.Builder
	b.WriteString(k.DataSourceType)
	b.WriteByte('|')
	for _, c := range k.Chunks {
		fmt.Fprintf(&b, "%s:%d:%d,", c.ID.String(), c.LowerLimit, c.UpperLimit)
	}
	b.WriteByte('|')
	b.WriteString(k.Schema)
	b.WriteByte('|')
	cols := append([]string(nil), k.ColumnFilter...)
	sort.Strings(cols)
	b.WriteString(strings.Join(cols, ","))
	b.WriteByte('|')
	if k.Timestamp != nil {
		fmt.Fprintf(&b, "%d", *k.Timestamp)
	}
	b.WriteByte('|')
	b.WriteString(k.Format)
	return b.String()
}

func (k Key) marshal() ([]byte, error) {
	return json.Marshal(k)
}

func unmarshalKey(data []byte) (Key, error) {
	var k Key
	err := json.Unmarshal(data, &k)
	return k, err
}

// Entry is a cached, materialized artifact.
type Entry struct {
	Key      Key
	ID       chunkid.ID
	Location *location.Location
	DiskSize int64
}

func (e Entry) Weight() int64 { return e.DiskSize }

// Producer synthesises the byte stream for a cache miss. Branch selection
// (raw chunk / file artifact / table artifact, §4.5) is the caller's
// responsibility — distinct Producers are wired in per branch, chosen by
// Key.IsSingleChunkRawEligible and DataSourceType.
type Producer interface {
	Produce(ctx context.Context, key Key, w *os.File) error
}

// ProducerFunc adapts a function to a Producer.
type ProducerFunc func(ctx context.Context, key Key, w *os.File) error

func (f ProducerFunc) Produce(ctx context.Context, key Key, w *os.File) error { return f(ctx, key, w) }

// Cache is the bounded async SLRU artifact cache.
type Cache struct {
	slru   *slru.Cache[string, Entry]
	group  singleflight.Group
	writer *ioqueue.Queue // the location's serialized write invoker (§4.5: "runs on a location's serialized write invoker")

	producer Producer
}

// New creates a Cache bounded by capacityBytes, using writer as the
// serialized invoker every downloader runs on and producer to synthesise
// cache misses.
func New(capacityBytes int64, writer *ioqueue.Queue, producer Producer) *Cache {
	return &Cache{
		slru:     slru.New[string, Entry](capacityBytes, nil),
		writer:   writer,
		producer: producer,
	}
}

// Get returns the cached artifact for key, synthesising it on a miss.
// Concurrent Get calls for the same key share exactly one downloader;
// a cancelled or failed download is observed by every waiter as the same
// error, not a stale partial result.
func (c *Cache) Get(ctx context.Context, key Key, loc *location.Location) (Entry, error) {
	if e, ok := c.slru.Get(key.Hash()); ok {
		return e, nil
	}

	v, err, _ := c.group.Do(key.Hash(), func() (any, error) {
		if e, ok := c.slru.Get(key.Hash()); ok {
			return e, nil
		}
		return c.download(ctx, key, loc)
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// download runs the producer on the location's write invoker, then
// atomically publishes the resulting chunk file + meta header.
func (c *Cache) download(ctx context.Context, key Key, loc *location.Location) (Entry, error) {
	id := chunkid.New(chunkid.Artifact)

	var size int64
	err := c.writer.Submit(ctx, func(ctx context.Context) error {
		if err := os.MkdirAll(loc.ChunkDir(id), 0o755); err != nil {
			loc.Disable(err)
			return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
		}

		dataPath := loc.ChunkPath(id)
		f, err := os.OpenFile(dataPath+".tmp", os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			loc.Disable(err)
			return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
		}
		if err := c.producer.Produce(ctx, key, f); err != nil {
			f.Close()
			os.Remove(dataPath + ".tmp")
			loc.Disable(err)
			return fmt.Errorf("produce artifact: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			loc.Disable(err)
			return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
		}
		size = info.Size()
		if err := f.Close(); err != nil {
			loc.Disable(err)
			return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
		}

		if err := writeMetaHeader(dataPath+".meta.tmp", key); err != nil {
			loc.Disable(err)
			return err
		}
		if err := os.Rename(dataPath+".tmp", dataPath); err != nil {
			loc.Disable(err)
			return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
		}
		if err := os.Rename(dataPath+".meta.tmp", dataPath+".meta"); err != nil {
			loc.Disable(err)
			return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}

	loc.UpdateUsedSpace(size)
	loc.UpdateChunkCount(1)

	e := Entry{Key: key, ID: id, Location: loc, DiskSize: size}
	c.slru.Put(key.Hash(), e)
	return e, nil
}

func writeMetaHeader(path string, key Key) error {
	keyBytes, err := key.marshal()
	if err != nil {
		return dnerrors.New(dnerrors.IOError, dnerrors.KindDataCorruption, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
	}
	defer f.Close()

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], metaSignature)
	binary.LittleEndian.PutUint64(hdr[8:16], metaVersion)
	if _, err := f.Write(hdr[:]); err != nil {
		return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
	}
	if _, err := f.Write(keyBytes); err != nil {
		return dnerrors.New(dnerrors.IOError, dnerrors.KindIOError, err)
	}
	return nil
}

// ValidateHeader decodes and validates an artifact meta file, per §4.5's
// startup rule: meta shorter than the header, signature mismatch,
// version mismatch, or key deserialisation failure all mean the
// candidate chunk is corrupt and both files MUST be removed.
func ValidateHeader(metaPath string) (Key, error) {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return Key{}, dnerrors.New(dnerrors.IOError, dnerrors.KindDataCorruption, err)
	}
	if len(data) < headerSize {
		return Key{}, dnerrors.New(dnerrors.IOError, dnerrors.KindDataCorruption,
			fmt.Errorf("artifact meta shorter than header: %d bytes", len(data)))
	}
	sig := binary.LittleEndian.Uint64(data[0:8])
	if sig != metaSignature {
		return Key{}, dnerrors.New(dnerrors.IOError, dnerrors.KindDataCorruption,
			fmt.Errorf("artifact meta signature mismatch: got %#x", sig))
	}
	ver := binary.LittleEndian.Uint64(data[8:16])
	if ver != metaVersion {
		return Key{}, dnerrors.New(dnerrors.IOError, dnerrors.KindDataCorruption,
			fmt.Errorf("artifact meta version mismatch: got %d, want %d", ver, metaVersion))
	}
	key, err := unmarshalKey(data[headerSize:])
	if err != nil {
		return Key{}, dnerrors.New(dnerrors.IOError, dnerrors.KindDataCorruption, err)
	}
	return key, nil
}
