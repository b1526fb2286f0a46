// Package chunkid implements the cluster-wide chunk identifier.
//
// A ChunkID is a UUIDv7 (16 bytes): monotonically increasing, sortable by
// creation time, and carrying a reserved tag byte that identifies the kind
// of object the id names (blob, erasure fragment, journal chunk, or a
// synthesised artifact). The tag is authoritative and MUST be extractable
// without consulting any external metadata — branch selection across the
// data node keys off it directly.
package chunkid

import (
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ObjectType distinguishes the kind of object a ChunkID names.
type ObjectType byte

const (
	// Blob identifies an immutable, fully-written chunk replica.
	Blob ObjectType = iota
	// Erasure identifies one fragment of an erasure-coded chunk.
	Erasure
	// Journal identifies an append-only chunk whose row count grows while open.
	Journal
	// Artifact identifies a chunk synthesised by the artifact cache.
	Artifact
)

func (t ObjectType) String() string {
	switch t {
	case Blob:
		return "blob"
	case Erasure:
		return "erasure"
	case Journal:
		return "journal"
	case Artifact:
		return "artifact"
	default:
		return fmt.Sprintf("objecttype(%d)", byte(t))
	}
}

// encoding is base32hex (RFC 4648) lowercase without padding. The alphabet
// 0-9a-v preserves lexicographic sort order, so string-sorted ids sort by
// creation time.
var encoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// ID uniquely identifies a chunk, erasure fragment, journal chunk, or
// artifact. It is a UUIDv7 with byte 15 (bits [120:128)) reserved as an
// object-type tag; the remaining 15 bytes are the UUIDv7 payload truncated
// to make room for the tag.
type ID [16]byte

// New creates an ID of the given object type from a fresh UUIDv7.
func New(t ObjectType) ID {
	u := uuid.Must(uuid.NewV7())
	var id ID
	copy(id[:15], u[:15])
	id[15] = byte(t)
	return id
}

// Parse decodes a 26-character base32hex string into an ID.
func Parse(value string) (ID, error) {
	if len(value) != 26 {
		return ID{}, fmt.Errorf("invalid chunk id length: %d (want 26)", len(value))
	}
	decoded, err := encoding.DecodeString(strings.ToUpper(value))
	if err != nil {
		return ID{}, fmt.Errorf("invalid chunk id: %w", err)
	}
	var id ID
	copy(id[:], decoded)
	return id, nil
}

// String returns the 26-character lowercase base32hex representation.
func (id ID) String() string {
	return strings.ToLower(encoding.EncodeToString(id[:]))
}

// Type returns the object-type tag carried in the id's reserved byte.
// This never touches disk or any external index.
func (id ID) Type() ObjectType {
	return ObjectType(id[15])
}

// Time returns the creation time encoded in the id's UUIDv7 prefix.
func (id ID) Time() time.Time {
	ms := int64(id[0])<<40 | int64(id[1])<<32 | int64(id[2])<<24 |
		int64(id[3])<<16 | int64(id[4])<<8 | int64(id[5])
	return time.UnixMilli(ms)
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// ShardPrefix returns the two-hex-nibble directory shard prefix used to
// lay out chunk files on disk: <root>/<xx>/<chunkId>.
func (id ID) ShardPrefix() string {
	const hex = "0123456789abcdef"
	b := id[0]
	return string([]byte{hex[b>>4], hex[b&0x0f]})
}
