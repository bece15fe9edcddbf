// Package sse streams tree change notifications to connected clients.
package sse

import (
	"time"

	"github.com/civicplan/plantree/internal/domain"
	"github.com/civicplan/plantree/internal/tree"
)

// EventType represents the type of SSE Event.
type EventType string

const (
	// EventNodeCreated is sent after an insert commits.
	EventNodeCreated EventType = "tree.node_created"
	// EventNodeMoved is sent after a move or reposition commits.
	EventNodeMoved EventType = "tree.node_moved"
	// EventNodeRemoved is sent after a remove commits.
	EventNodeRemoved EventType = "tree.node_removed"
	// EventReferenceAdded is sent when a subject is assigned to a node's payload.
	EventReferenceAdded EventType = "tree.reference_added"

	// EventHeartbeat keeps idle connections open.
	EventHeartbeat EventType = "heartbeat"
)

// Event is one message on the stream.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Type      EventType `json:"type"`
	TreeID    string    `json:"tree_id,omitempty"` // empty delivers to every client
}

// Placement is a node's position after a mutation.
type Placement struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Level    int    `json:"level"`
	Position int    `json:"position"`
	UID      string `json:"uid"`
}

// TreeChangedData describes a committed mutation. Clients re-fetch the
// subtrees whose placements changed.
type TreeChangedData struct {
	NodeID  string      `json:"node_id"`
	Created []Placement `json:"created"`
	Updated []Placement `json:"updated"`
	Deleted []string    `json:"deleted"`
}

// ReferenceData describes a new reference.
type ReferenceData struct {
	NodeID    string            `json:"node_id"`
	Reference *domain.Reference `json:"reference"`
}

func placements(nodes []*domain.Node) []Placement {
	out := make([]Placement, len(nodes))
	for i, n := range nodes {
		out[i] = Placement{ID: n.ID, ParentID: n.ParentID, Level: n.Level, Position: n.Position, UID: n.UID}
	}
	return out
}

// NewTreeChangedEvent builds the event for a committed change set.
func NewTreeChangedEvent(eventType EventType, treeID, nodeID string, changes tree.ChangeSet) Event {
	deleted := changes.Deleted
	if deleted == nil {
		deleted = []string{}
	}
	return Event{
		Type:      eventType,
		TreeID:    treeID,
		Timestamp: time.Now(),
		Data: TreeChangedData{
			NodeID:  nodeID,
			Created: placements(changes.Created),
			Updated: placements(changes.Updated),
			Deleted: deleted,
		},
	}
}

// NewReferenceAddedEvent builds the event for a new reference.
func NewReferenceAddedEvent(treeID, nodeID string, ref *domain.Reference) Event {
	return Event{
		Type:      EventReferenceAdded,
		TreeID:    treeID,
		Timestamp: time.Now(),
		Data:      ReferenceData{NodeID: nodeID, Reference: ref},
	}
}

// NewHeartbeatEvent creates a heartbeat event.
func NewHeartbeatEvent() Event {
	return Event{
		Type:      EventHeartbeat,
		Timestamp: time.Now(),
		Data:      map[string]any{},
	}
}
