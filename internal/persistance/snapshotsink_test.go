package persistance

import (
	"bytes"
	"io"

	"github.com/hashicorp/raft"
)

// fakeSnapshotSink is an in-memory raft.SnapshotSink for exercising
// FSM.Snapshot/Restore without a real raft instance or boltdb store.
type fakeSnapshotSink struct {
	buf bytes.Buffer
}

var _ raft.SnapshotSink = (*fakeSnapshotSink)(nil)

func newFakeSnapshotSink() *fakeSnapshotSink { return &fakeSnapshotSink{} }

func (s *fakeSnapshotSink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *fakeSnapshotSink) Close() error                { return nil }
func (s *fakeSnapshotSink) ID() string                  { return "fake" }
func (s *fakeSnapshotSink) Cancel() error               { return nil }

func (s *fakeSnapshotSink) reader() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(s.buf.Bytes()))
}
