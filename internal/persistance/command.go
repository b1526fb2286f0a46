package persistance

import (
	"fmt"

	"clusternode/internal/fairshare"

	"gopkg.in/yaml.v3"
)

// commandType tags which field of Command is populated, so FSM.Apply
// can dispatch without relying on which pointer fields are non-nil
// (which would also work, but an explicit tag survives a future
// command gaining optional fields without ambiguity).
type commandType string

const (
	commandSetPoolState            commandType = "setPoolState"
	commandRemovePoolState         commandType = "removePoolState"
	commandSetSchedulingSegment    commandType = "setSchedulingSegment"
	commandRemoveSchedulingSegment commandType = "removeSchedulingSegment"
)

// Command is one replicated mutation of Document. Raft has no opinion
// on wire format; this repo has no generated protobuf message for it
// (see DESIGN.md's cluster entry on the missing .proto sources), so
// commands travel as YAML, the same library the rest of this module's
// on-disk config uses.
type Command struct {
	Type commandType `yaml:"type"`

	SetPoolState            *SetPoolStateCommand            `yaml:"setPoolState,omitempty"`
	RemovePoolState         *RemovePoolStateCommand         `yaml:"removePoolState,omitempty"`
	SetSchedulingSegment    *SetSchedulingSegmentCommand    `yaml:"setSchedulingSegment,omitempty"`
	RemoveSchedulingSegment *RemoveSchedulingSegmentCommand `yaml:"removeSchedulingSegment,omitempty"`
}

type SetPoolStateCommand struct {
	Name                      string              `yaml:"name"`
	AccumulatedResourceVolume fairshare.Resources `yaml:"accumulatedResourceVolume"`
}

type RemovePoolStateCommand struct {
	Name string `yaml:"name"`
}

type SetSchedulingSegmentCommand struct {
	NodeID  string `yaml:"nodeId"`
	Segment string `yaml:"segment"`
}

type RemoveSchedulingSegmentCommand struct {
	NodeID string `yaml:"nodeId"`
}

func NewSetPoolState(name string, vol fairshare.Resources) *Command {
	return &Command{
		Type:         commandSetPoolState,
		SetPoolState: &SetPoolStateCommand{Name: name, AccumulatedResourceVolume: vol},
	}
}

func NewRemovePoolState(name string) *Command {
	return &Command{
		Type:            commandRemovePoolState,
		RemovePoolState: &RemovePoolStateCommand{Name: name},
	}
}

func NewSetSchedulingSegment(nodeID, segment string) *Command {
	return &Command{
		Type:                 commandSetSchedulingSegment,
		SetSchedulingSegment: &SetSchedulingSegmentCommand{NodeID: nodeID, Segment: segment},
	}
}

func NewRemoveSchedulingSegment(nodeID string) *Command {
	return &Command{
		Type:                    commandRemoveSchedulingSegment,
		RemoveSchedulingSegment: &RemoveSchedulingSegmentCommand{NodeID: nodeID},
	}
}

// Marshal serializes a Command to bytes for raft.Apply().
func Marshal(cmd *Command) ([]byte, error) {
	return yaml.Marshal(cmd)
}

// Unmarshal deserializes bytes back to a Command.
func Unmarshal(b []byte) (*Command, error) {
	cmd := &Command{}
	if err := yaml.Unmarshal(b, cmd); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	return cmd, nil
}

// MarshalDocument serializes a Document for FSM.Snapshot().
func MarshalDocument(doc *Document) ([]byte, error) {
	return yaml.Marshal(doc)
}

// UnmarshalDocument deserializes bytes back to a Document for FSM.Restore().
func UnmarshalDocument(b []byte) (*Document, error) {
	doc := NewDocument()
	if err := yaml.Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if doc.PoolStates == nil {
		doc.PoolStates = make(map[string]fairshare.Resources)
	}
	if doc.SchedulingSegments == nil {
		doc.SchedulingSegments = make(map[string]string)
	}
	return doc, nil
}
