package artifactcache

import (
	"fmt"
	"os"

	"clusternode/internal/blobsession"
	"clusternode/internal/location"
)

// ValidateNonArtifactChunk checks a sealed, non-artifact chunk's on-disk
// size against the sum of the block sizes recorded in its meta file. A
// mismatch means the write was truncated by a power loss before the
// final rename, per §4.5's non-artifact startup rule; the caller MUST
// remove the chunk.
func ValidateNonArtifactChunk(dataPath string) error {
	info, err := os.Stat(dataPath)
	if err != nil {
		return err
	}
	meta, err := blobsession.ReadChunkMeta(dataPath + ".meta")
	if err != nil {
		return err
	}
	var want int64
	for _, sz := range meta.BlockSizes {
		want += int64(sz)
	}
	if info.Size() != want {
		return &corruptChunkError{path: dataPath, got: info.Size(), want: want}
	}
	return nil
}

type corruptChunkError struct {
	path      string
	got, want int64
}

func (e *corruptChunkError) Error() string {
	return fmt.Sprintf("chunk data size mismatch (truncated write): %s: got %d, want %d", e.path, e.got, e.want)
}

// ScanArtifactCandidate validates one artifact meta file discovered
// during a location's startup scan and removes both files if it fails
// validation. Returns the decoded key on success.
func ScanArtifactCandidate(desc location.Descriptor, loc *location.Location) (Key, bool) {
	metaPath := loc.ChunkPath(desc.ID) + ".meta"
	key, err := ValidateHeader(metaPath)
	if err != nil {
		_ = os.Remove(loc.ChunkPath(desc.ID))
		_ = os.Remove(metaPath)
		return Key{}, false
	}
	return key, true
}
