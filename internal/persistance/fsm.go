package persistance

import (
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// FSM implements raft.FSM by dispatching deserialized Commands to an
// in-memory Document, mirroring the teacher's config/raftfsm.FSM but
// over the scheduler's poolStates/schedulingSegmentsState document
// instead of the full config tree.
type FSM struct {
	mu  sync.RWMutex
	doc *Document
}

var _ raft.FSM = (*FSM)(nil)

// New creates an FSM with an empty document.
func New() *FSM {
	return &FSM{doc: NewDocument()}
}

// Document returns a deep copy of the current state for reads that
// shouldn't race the next Apply.
func (f *FSM) Document() *Document {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.doc.Clone()
}

// Apply deserializes a committed Raft log entry and mutates the
// document. Returns nil on success or an error on failure.
func (f *FSM) Apply(l *raft.Log) any {
	cmd, err := Unmarshal(l.Data)
	if err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case commandSetPoolState:
		c := cmd.SetPoolState
		f.doc.PoolStates[c.Name] = c.AccumulatedResourceVolume

	case commandRemovePoolState:
		delete(f.doc.PoolStates, cmd.RemovePoolState.Name)

	case commandSetSchedulingSegment:
		c := cmd.SetSchedulingSegment
		f.doc.SchedulingSegments[c.NodeID] = c.Segment

	case commandRemoveSchedulingSegment:
		delete(f.doc.SchedulingSegments, cmd.RemoveSchedulingSegment.NodeID)

	default:
		return fmt.Errorf("unknown persisted state command: %q", cmd.Type)
	}
	return nil
}

// Snapshot captures the current document for Raft log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	doc := f.doc.Clone()
	f.mu.RUnlock()

	data, err := MarshalDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document for snapshot: %w", err)
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore replaces the FSM's document with a snapshot. Raft guarantees
// this is never called concurrently with Apply or Snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	doc, err := UnmarshalDocument(data)
	if err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}

	f.mu.Lock()
	f.doc = doc
	f.mu.Unlock()
	return nil
}

// fsmSnapshot holds serialized document data pending Persist.
type fsmSnapshot struct {
	data []byte
}

var _ raft.FSMSnapshot = (*fsmSnapshot)(nil)

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
